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

func runEdge(args []string) error {
	fs := flag.NewFlagSet("edge", flag.ExitOnError)
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
		cfg.Tier = config.TierEdge
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	n, err := buildNode(cfg)
	if err != nil {
		return err
	}

	logging.PrintBanner("edge", version, n.nodeID)

	edge := sync.NewEdge(n.doc, cfg.Room, n.nodeID)
	edge.OnSync(func(ok bool, peer string) {
		if ok {
			slog.Info("edge: synced with backbone", "peer", peer)
		} else {
			slog.Warn("edge: sync with backbone failed", "peer", peer)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n.doc.ObserveUpdates(func(u state.Update) {
		if u.Clock.NodeID != n.nodeID {
			return
		}
		edge.Broadcast(ctx, u)
	})

	go n.run(ctx)

	slog.Info("edge connecting", "peers", cfg.BackbonePeers, "node_id", n.nodeID)
	edge.ConnectAll(ctx, cfg.BackbonePeers)
	<-ctx.Done()
	return nil
}
