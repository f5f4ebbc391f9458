package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/likesjx/ansible/internal/state"
)

// resetThreshold mirrors leapmux's reconnect-backoff reset rule
// (internal/worker/hub/client.go): a connection that survives at least this
// long resets the backoff interval back to its initial value.
const resetThreshold = 30 * time.Second

// Edge maintains resumable client connections to one or more peer URLs.
// A Backbone embeds an Edge to dial out to its own configured peers; a
// plain edge-tier node uses Edge directly against its backbones.
type Edge struct {
	doc    *state.Document
	room   string
	nodeID string

	mu    sync.RWMutex
	conns map[string]*edgeConn // peerURL -> live connection, if any

	onSyncHandlers []func(ok bool, peer string)
	onDocReadyOnce sync.Once
	onDocReadyFns  []func()
	readyMu        sync.Mutex
}

type edgeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *edgeConn) send(ctx context.Context, f Frame) error {
	b, err := encodeFrame(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageBinary, b)
}

func newEdgeInternal(doc *state.Document, room, nodeID string) *Edge {
	return &Edge{doc: doc, room: room, nodeID: nodeID, conns: make(map[string]*edgeConn)}
}

// NewEdge creates a standalone Edge for an edge-tier node.
func NewEdge(doc *state.Document, room, nodeID string) *Edge {
	return newEdgeInternal(doc, room, nodeID)
}

// OnSync registers a handler fired on every successful sync boundary with
// each configured peer.
func (e *Edge) OnSync(handler func(ok bool, peer string)) {
	e.readyMu.Lock()
	e.onSyncHandlers = append(e.onSyncHandlers, handler)
	e.readyMu.Unlock()
}

// OnDocReady registers a handler fired exactly once, on the first
// successful sync with any peer.
func (e *Edge) OnDocReady(handler func()) {
	e.readyMu.Lock()
	e.onDocReadyFns = append(e.onDocReadyFns, handler)
	e.readyMu.Unlock()
}

func (e *Edge) fireSync(ok bool, peer string) {
	e.readyMu.Lock()
	handlers := append([]func(ok bool, peer string){}, e.onSyncHandlers...)
	e.readyMu.Unlock()
	for _, h := range handlers {
		h(ok, peer)
	}
}

func (e *Edge) fireDocReady() {
	e.onDocReadyOnce.Do(func() {
		e.readyMu.Lock()
		handlers := append([]func(){}, e.onDocReadyFns...)
		e.readyMu.Unlock()
		for _, h := range handlers {
			h()
		}
	})
}

// ConnectAll spawns one reconnect-with-backoff goroutine per peer URL and
// blocks until ctx is cancelled.
func (e *Edge) ConnectAll(ctx context.Context, peerURLs []string) {
	var wg sync.WaitGroup
	for _, u := range peerURLs {
		wg.Add(1)
		go func(peerURL string) {
			defer wg.Done()
			e.connectWithReconnect(ctx, peerURL)
		}(u)
	}
	wg.Wait()
}

func newDefaultBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

func (e *Edge) connectWithReconnect(ctx context.Context, peerURL string) {
	bo := newDefaultBackoff()
	for {
		start := time.Now()
		err := e.connectOnce(ctx, peerURL)
		if ctx.Err() != nil {
			return
		}
		e.fireSync(false, peerURL)

		if time.Since(start) >= resetThreshold {
			bo.Reset()
		}

		interval := bo.NextBackOff()
		slog.Warn("sync: disconnected from peer, reconnecting", "peer", peerURL, "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (e *Edge) connectOnce(ctx context.Context, peerURL string) error {
	conn, _, err := websocket.Dial(ctx, peerURL+"/sync", nil)
	if err != nil {
		return err
	}
	defer func() { _ = conn.CloseNow() }()

	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	hello, _ := encodeFrame(Frame{Type: FrameHello, NodeID: e.nodeID, Room: e.room})
	if err := conn.Write(handshakeCtx, websocket.MessageBinary, hello); err != nil {
		return err
	}

	typ, data, err := conn.Read(handshakeCtx)
	if err != nil || typ != websocket.MessageBinary {
		return err
	}
	ack, err := decodeFrame(data)
	if err != nil || ack.Type != FrameHelloAck {
		return err
	}

	ec := &edgeConn{conn: conn}
	e.mu.Lock()
	e.conns[peerURL] = ec
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.conns[peerURL] == ec {
			delete(e.conns, peerURL)
		}
		e.mu.Unlock()
	}()

	err = runReader(ctx, conn, e.doc, peerURL, nil, func() {
		e.fireDocReady()
		e.fireSync(true, peerURL)
	})
	return err
}

// Broadcast sends a locally-originated update to every currently connected
// peer. Best-effort: a send failure to one peer is logged and does not
// affect the others; the peer's own reconnect loop will eventually resync
// it from the backbone's full-state replay.
func (e *Edge) Broadcast(ctx context.Context, u state.Update) {
	e.mu.RLock()
	targets := make([]*edgeConn, 0, len(e.conns))
	for _, c := range e.conns {
		targets = append(targets, c)
	}
	e.mu.RUnlock()

	f := Frame{Type: FrameUpdate, Room: e.room, Update: &u}
	for _, c := range targets {
		if err := c.send(ctx, f); err != nil {
			slog.Warn("sync: send to peer failed", "error", err)
		}
	}
}

// ConnectedPeerCount reports how many peer URLs currently have a live
// connection.
func (e *Edge) ConnectedPeerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}
