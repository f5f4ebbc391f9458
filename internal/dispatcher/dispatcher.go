// Package dispatcher implements the reconcile-driven delivery loop: it
// observes the replicated state, enumerates pending work for every
// locally-hosted agent, and hands each item to the host runtime exactly
// once per attempt, with retry/backoff/jitter/cap on transient failure.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/likesjx/ansible/internal/metrics"
	"github.com/likesjx/ansible/internal/presence"
	"github.com/likesjx/ansible/internal/state"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// maxParallelDispatch bounds how many target agents a single reconcile pass
// serves concurrently. Each target's items are dispatched one at a time in
// enumeration order, so per-agent ordering holds regardless of this cap.
const maxParallelDispatch = 8

// Dispatcher drives one reconcile loop per host.
type Dispatcher struct {
	doc        *state.Document
	registry   *presence.Registry
	selfNodeID string
	runtime    Runtime

	signal chan struct{}
	sf     singleflight.Group

	mu       sync.Mutex
	inFlight map[string]struct{}
	timers   map[string]*time.Timer
}

// New creates a Dispatcher. runtime may be nil only if the caller never
// calls Run (e.g. dispatchIncoming=false).
func New(doc *state.Document, registry *presence.Registry, selfNodeID string, runtime Runtime) *Dispatcher {
	return &Dispatcher{
		doc:        doc,
		registry:   registry,
		selfNodeID: selfNodeID,
		runtime:    runtime,
		signal:     make(chan struct{}, 1),
		inFlight:   make(map[string]struct{}),
		timers:     make(map[string]*time.Timer),
	}
}

// RequestReconcile enqueues a reconcile pass. All concurrent callers
// collapse into a single pending reconcile: a non-blocking send to a
// single-slot channel.
func (d *Dispatcher) RequestReconcile(reason string) {
	metrics.ReconcileTotal.WithLabelValues(reason).Inc()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Run executes reconciles one at a time until ctx is cancelled. It fires
// an initial reconcile for the startup trigger.
func (d *Dispatcher) Run(ctx context.Context) {
	d.RequestReconcile("startup")
	for {
		select {
		case <-ctx.Done():
			d.stopTimers()
			return
		case <-d.signal:
			d.reconcile(ctx)
		}
	}
}

// TriggerAndWait runs a reconcile pass synchronously, collapsing concurrent
// callers into the single in-flight pass. Intended for operations that need
// reconcile to have observed their write (e.g. an administrative dispatch-now
// tool call) without each concurrent caller forcing its own redundant pass.
func (d *Dispatcher) TriggerAndWait(ctx context.Context) {
	_, _, _ = d.sf.Do("reconcile", func() (any, error) {
		d.reconcile(ctx)
		return nil, nil
	})
}

func (d *Dispatcher) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}

func (d *Dispatcher) reconcile(ctx context.Context) {
	local := d.registry.LocalAgents(d.selfNodeID)
	items := EnumeratePending(d.doc, local, d.isClaimed)

	byTarget := map[string][]WorkItem{}
	var targets []string
	for _, item := range items {
		if _, ok := byTarget[item.Target]; !ok {
			targets = append(targets, item.Target)
		}
		byTarget[item.Target] = append(byTarget[item.Target], item)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDispatch)
	for _, target := range targets {
		queue := byTarget[target]
		g.Go(func() error {
			for _, item := range queue {
				key := ItemKey(item.Kind, item.ItemID, item.Target)
				if !d.claim(key) {
					continue
				}
				d.dispatchOne(gctx, item, key)
				d.release(key)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) isClaimed(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inFlight[key]; ok {
		return true
	}
	_, ok := d.timers[key]
	return ok
}

func (d *Dispatcher) claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inFlight[key]; ok {
		return false
	}
	d.inFlight[key] = struct{}{}
	metrics.DispatchInFlight.Set(float64(len(d.inFlight)))
	return true
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, key)
	metrics.DispatchInFlight.Set(float64(len(d.inFlight)))
}

func (d *Dispatcher) scheduleRetry(key string, attempts int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.timers[key]; exists {
		return
	}
	delay := ComputeBackoff(attempts)
	d.timers[key] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()
		d.RequestReconcile("retry:" + key)
	})
}

func (d *Dispatcher) dispatchOne(ctx context.Context, item WorkItem, key string) {
	start := time.Now()
	record, ok := d.mapFor(item.Kind).Get(item.ItemID)
	if !ok {
		return // deleted between enumerate and dispatch
	}

	attempts := attemptsFor(record, item.Target) + 1
	if err := d.recordAttempted(item, attempts); err != nil {
		slog.Warn("dispatcher: record attempted failed", "key", key, "error", err)
	}

	sessionKey := SessionKey(item.Target, item.Kind, item.ItemID)
	env := Envelope{
		Kind: item.Kind, ItemID: item.ItemID, FromAgent: item.FromAgent,
		FromNode: item.FromNode, Target: item.Target, Content: item.Content,
		Timestamp: item.Order,
	}

	runtimeCtx, err := d.runtime.BuildInboundContext(ctx, env)
	if err != nil {
		d.onDispatchFailure(item, key, attempts, err)
		metrics.DispatchDuration.WithLabelValues(string(item.Kind)).Observe(time.Since(start).Seconds())
		return
	}
	if err := d.runtime.RecordInboundSession(sessionKey, runtimeCtx); err != nil {
		slog.Warn("dispatcher: record inbound session failed", "session_key", sessionKey, "error", err)
	}

	var finalPayload *ReplyPayload
	var dispatchErr error
	deliver := func(payload ReplyPayload) error {
		if payload.Final {
			p := payload
			finalPayload = &p
		}
		return nil
	}
	onError := func(err error) { dispatchErr = err }

	if err := d.runtime.DispatchReply(ctx, runtimeCtx, deliver, onError); err != nil {
		dispatchErr = err
	}

	metrics.DispatchDuration.WithLabelValues(string(item.Kind)).Observe(time.Since(start).Seconds())

	if dispatchErr != nil {
		d.onDispatchFailure(item, key, attempts, dispatchErr)
		return
	}

	if err := d.recordDelivered(item, attempts); err != nil {
		slog.Warn("dispatcher: record delivered failed", "key", key, "error", err)
	}
	metrics.DispatchAttemptsTotal.WithLabelValues(string(item.Kind), "delivered").Inc()

	if finalPayload != nil && finalPayload.Text != "" {
		if err := emitReply(d.doc, d.selfNodeID, item.Target, item.FromAgent, finalPayload.Text); err != nil {
			slog.Warn("dispatcher: emit reply failed", "key", key, "error", err)
		}
	}
}

func (d *Dispatcher) onDispatchFailure(item WorkItem, key string, attempts int, err error) {
	if rErr := d.recordFailed(item, attempts, err); rErr != nil {
		slog.Warn("dispatcher: record failed attempt error", "key", key, "error", rErr)
	}
	metrics.DispatchAttemptsTotal.WithLabelValues(string(item.Kind), "retryable").Inc()
	if attempts >= MaxAttempts {
		slog.Warn("dispatcher: item reached max attempts, dead-lettered", "key", key, "attempts", attempts)
		return
	}
	d.scheduleRetry(key, attempts)
}

func (d *Dispatcher) mapFor(kind Kind) *state.CRDTMap {
	if kind == KindTask {
		return d.doc.GetMap(state.MapTasks)
	}
	return d.doc.GetMap(state.MapMessages)
}

func (d *Dispatcher) recordAttempted(item WorkItem, attempts int) error {
	m := d.mapFor(item.Kind)
	record, _ := m.Get(item.ItemID)
	dm := deliveryMap(record)
	dm[item.Target] = DeliveryRecord{State: "attempted", At: time.Now().UnixMilli(), By: d.selfNodeID, Attempts: attempts}
	return m.SetFields(item.ItemID, deliveryFields(dm), d.doc.Tick())
}

func (d *Dispatcher) recordFailed(item WorkItem, attempts int, dispatchErr error) error {
	m := d.mapFor(item.Kind)
	record, _ := m.Get(item.ItemID)
	dm := deliveryMap(record)
	dm[item.Target] = DeliveryRecord{State: "attempted", At: time.Now().UnixMilli(), By: d.selfNodeID, Attempts: attempts, LastError: dispatchErr.Error()}
	return m.SetFields(item.ItemID, deliveryFields(dm), d.doc.Tick())
}

func (d *Dispatcher) recordDelivered(item WorkItem, attempts int) error {
	m := d.mapFor(item.Kind)
	record, _ := m.Get(item.ItemID)
	dm := deliveryMap(record)
	dm[item.Target] = DeliveryRecord{State: "delivered", At: time.Now().UnixMilli(), By: d.selfNodeID, Attempts: attempts}
	fields := deliveryFields(dm)

	if item.Kind == KindMessage {
		read := readByAgents(record)
		read[item.Target] = struct{}{}
		agents := make([]any, 0, len(read))
		for a := range read {
			agents = append(agents, a)
		}
		fields["readBy_agents"] = agents
	}
	return m.SetFields(item.ItemID, fields, d.doc.Tick())
}
