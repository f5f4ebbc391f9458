package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/likesjx/ansible/internal/admission"
	"github.com/likesjx/ansible/internal/agentrun"
	"github.com/likesjx/ansible/internal/config"
	"github.com/likesjx/ansible/internal/dispatcher"
	"github.com/likesjx/ansible/internal/logging"
	"github.com/likesjx/ansible/internal/presence"
	"github.com/likesjx/ansible/internal/state"
	"github.com/likesjx/ansible/internal/sweepers"
	"github.com/likesjx/ansible/internal/tools"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const presenceStaleAfter = 5 * time.Minute

// node bundles every component a single process hosts, regardless of
// whether it runs as a backbone or an edge.
type node struct {
	cfg        *config.Config
	nodeID     string
	doc        *state.Document
	admission  *admission.Admission
	registry   *presence.Registry
	dispatcher *dispatcher.Dispatcher
	tools      *tools.Tools
	runtime    *agentrun.Runtime

	lockReaper *sweepers.LockReaper
	retention  *sweepers.RetentionSweeper
	sla        *sweepers.SLASweeper
}

// buildNode wires the replicated document and every component on top of
// it, identical across backbone and edge processes; only the sync
// transport that feeds the document differs between the two.
func buildNode(cfg *config.Config) (*node, error) {
	nodeID := resolveNodeID(cfg)
	logging.Setup(nodeID)

	doc := state.NewDocument(nodeID)

	stateDir, filename := filepath.Split(cfg.SnapshotPath())
	if err := doc.LoadSnapshot(stateDir, filename); err != nil {
		slog.Warn("no prior snapshot loaded, starting fresh", "error", err)
	}

	adm := admission.New(doc)
	if doc.GetMap(state.MapNodes).Len() == 0 {
		if err := adm.Bootstrap(nodeID, admission.Tier(cfg.Tier), cfg.Capabilities); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	} else if !adm.IsNodeAuthorized(nodeID) {
		slog.Warn("this node is not yet authorized in the replicated document; join via an invite before it can participate", "node_id", nodeID)
	}

	registry := presence.New(doc, nodeID, presenceStaleAfter)

	var runtime *agentrun.Runtime
	var dsp *dispatcher.Dispatcher
	if cfg.DispatchIncoming {
		if cfg.Agent.Command == "" {
			return nil, fmt.Errorf("dispatchIncoming is enabled but agent.command is not configured")
		}
		runtime = agentrun.New(cfg.Agent.Command, cfg.Agent.Args, cfg.Agent.WorkingDir, cfg.AgentTurnTimeout())
		dsp = dispatcher.New(doc, registry, nodeID, runtime)
	}

	n := &node{
		cfg:        cfg,
		nodeID:     nodeID,
		doc:        doc,
		admission:  adm,
		registry:   registry,
		dispatcher: dsp,
		runtime:    runtime,
		tools:      tools.New(doc, adm, registry, dsp, nodeID),
		retention:  sweepers.NewRetentionSweeper(doc, nodeID, cfg.Tier),
		sla:        sweepers.NewSLASweeper(doc, nodeID, cfg.SLASweep.RecordOnly, cfg.SLASweepMaxMessages(), cfg.SLASweep.FYIAgents),
	}
	if cfg.LockSweep.Enabled {
		n.lockReaper = sweepers.NewLockReaper(filepath.Join(cfg.DataDir, "sessions"), cfg.LockSweepStaleAfter())
	}
	return n, nil
}

// run starts every background loop this node hosts and blocks until ctx
// is cancelled, persisting a final snapshot on the way out.
func (n *node) run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.registry.Run(ctx, version)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.registry.RunCleanupLoop(ctx, n.nodeID)
	}()

	if n.dispatcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.dispatcher.Run(ctx)
		}()
	}

	if n.lockReaper != nil && n.cfg.LockSweep.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.lockReaper.RunLoop(ctx, n.cfg.LockSweepEvery())
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.retention.RunLoop(ctx)
	}()

	if n.cfg.SLASweep.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.runSLALoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.runMetricsServer(ctx)
	}()

	<-ctx.Done()
	if n.runtime != nil {
		n.runtime.Shutdown()
	}
	wg.Wait()

	if err := n.doc.PersistSnapshot(filepath.Split(n.cfg.SnapshotPath())); err != nil {
		slog.Error("final snapshot persist failed", "error", err)
	}
}

func (n *node) runSLALoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.SLASweepEvery())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.sla.Tick(time.Now())
		}
	}
}

func (n *node) runMetricsServer(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", n.cfg.ListenPort+1), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Warn("metrics server stopped", "error", err)
	}
}

func resolveNodeID(cfg *config.Config) string {
	if cfg.NodeIDOverride != "" {
		return cfg.NodeIDOverride
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return string(cfg.Tier)
}
