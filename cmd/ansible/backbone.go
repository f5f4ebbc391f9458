package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/likesjx/ansible/internal/config"
	"github.com/likesjx/ansible/internal/logging"
	"github.com/likesjx/ansible/internal/state"
	"github.com/likesjx/ansible/internal/sync"
)

func runBackbone(args []string) error {
	fs := flag.NewFlagSet("backbone", flag.ExitOnError)
	config.DefineFlags(fs)
	configPath := fs.String("config", "", "path to a YAML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath, fs, args)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Tier == "" {
		cfg.Tier = config.TierBackbone
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	n, err := buildNode(cfg)
	if err != nil {
		return err
	}

	logging.PrintBanner("backbone", version, n.nodeID)

	backbone := sync.NewBackbone(n.doc, cfg.Room, n.nodeID, cfg.ListenHost, cfg.ListenPort)
	backbone.OnSync(func(ok bool, peer string) {
		if ok {
			slog.Info("backbone: peer synced", "peer", peer)
		} else {
			slog.Warn("backbone: peer sync failed", "peer", peer)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Relay locally originated writes to peers. Updates merged in from a
	// peer already carry that peer's node id and are relayed separately by
	// the broker, so only self-originated clocks are rebroadcast here.
	n.doc.ObserveUpdates(func(u state.Update) {
		if u.Clock.NodeID != n.nodeID {
			return
		}
		backbone.Broadcast(ctx, u)
	})

	go n.run(ctx)

	slog.Info("backbone listening", "host", cfg.ListenHost, "port", cfg.ListenPort, "node_id", n.nodeID)
	return backbone.ListenAndServe(ctx, cfg.BackbonePeers)
}
