package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/likesjx/ansible/internal/config"
	"github.com/likesjx/ansible/internal/logging"
	"github.com/likesjx/ansible/internal/state"
	"github.com/likesjx/ansible/internal/sync"
)

// runStandalone boots a backbone and an edge in one process, joined over a
// loopback listener. Useful for local development and demos where spinning
// up two separate processes (and two separate config files) is overhead.
func runStandalone(args []string) error {
	fs := flag.NewFlagSet("standalone", flag.ExitOnError)
	config.DefineFlags(fs)
	configPath := fs.String("config", "", "path to a YAML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	bbCfg, err := config.Load(*configPath, fs, args)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	bbCfg.Tier = config.TierBackbone
	if bbCfg.ListenHost == "" {
		bbCfg.ListenHost = "127.0.0.1"
	}
	bbCfg.DataDir = filepath.Join(bbCfg.DataDir, "standalone-backbone")
	if bbCfg.NodeIDOverride == "" {
		bbCfg.NodeIDOverride = "standalone-backbone"
	}
	if err := bbCfg.Validate(); err != nil {
		return fmt.Errorf("validate backbone config: %w", err)
	}

	edgeCfg, err := config.Load(*configPath, nil, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	edgeCfg.Tier = config.TierEdge
	edgeCfg.DataDir = filepath.Join(edgeCfg.DataDir, "standalone-edge")
	edgeCfg.NodeIDOverride = "standalone-edge"
	edgeCfg.BackbonePeers = []string{fmt.Sprintf("ws://%s:%d", bbCfg.ListenHost, bbCfg.ListenPort)}
	if err := edgeCfg.Validate(); err != nil {
		return fmt.Errorf("validate edge config: %w", err)
	}

	bb, err := buildNode(bbCfg)
	if err != nil {
		return fmt.Errorf("build backbone node: %w", err)
	}
	ed, err := buildNode(edgeCfg)
	if err != nil {
		return fmt.Errorf("build edge node: %w", err)
	}

	logging.PrintBanner("standalone", version, bb.nodeID+"+"+ed.nodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backbone := sync.NewBackbone(bb.doc, bbCfg.Room, bb.nodeID, bbCfg.ListenHost, bbCfg.ListenPort)
	backbone.OnSync(func(ok bool, peer string) {
		if ok {
			slog.Info("standalone backbone: peer synced", "peer", peer)
		} else {
			slog.Warn("standalone backbone: peer sync failed", "peer", peer)
		}
	})
	bb.doc.ObserveUpdates(func(u state.Update) {
		if u.Clock.NodeID != bb.nodeID {
			return
		}
		backbone.Broadcast(ctx, u)
	})

	edge := sync.NewEdge(ed.doc, edgeCfg.Room, ed.nodeID)
	edge.OnSync(func(ok bool, peer string) {
		if ok {
			slog.Info("standalone edge: synced with backbone", "peer", peer)
		} else {
			slog.Warn("standalone edge: sync with backbone failed", "peer", peer)
		}
	})
	ed.doc.ObserveUpdates(func(u state.Update) {
		if u.Clock.NodeID != ed.nodeID {
			return
		}
		edge.Broadcast(ctx, u)
	})

	go bb.run(ctx)
	go ed.run(ctx)

	go func() {
		slog.Info("standalone backbone listening", "host", bbCfg.ListenHost, "port", bbCfg.ListenPort)
		if err := backbone.ListenAndServe(ctx, nil); err != nil && ctx.Err() == nil {
			slog.Error("standalone backbone listen failed", "error", err)
		}
	}()

	slog.Info("standalone edge connecting", "peer", edgeCfg.BackbonePeers[0])
	edge.ConnectAll(ctx, edgeCfg.BackbonePeers)
	<-ctx.Done()
	return nil
}
