// Command revgated runs the review orchestration engine as a
// long-running daemon: it ingests commit and merge-request events
// (via webhook and polling), batches and reviews them with a local
// assistant, and serves the results over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/revgate/revgate/internal/assistant"
	"github.com/revgate/revgate/internal/config"
	"github.com/revgate/revgate/internal/daemon"
	"github.com/revgate/revgate/internal/ingest/poller"
	"github.com/revgate/revgate/internal/ingest/webhook"
	"github.com/revgate/revgate/internal/platform"
	"github.com/revgate/revgate/internal/scheduler"
	"github.com/revgate/revgate/internal/storage"
	"github.com/revgate/revgate/internal/version"
	"github.com/revgate/revgate/internal/workingcopy"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("revgated %s\n", version.Version)
		return
	}

	var (
		configPath = flag.String("config", defaultConfigPath(), "path to config file")
		addr       = flag.String("addr", "", "bind address (overrides config)")
		workers    = flag.Int("workers", 0, "worker pool size (overrides config)")
	)
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[daemon] starting revgated")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[daemon] load config %s: %v", *configPath, err)
	}
	if *addr != "" {
		cfg.BindAddr = *addr
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("[daemon] open store: %v", err)
	}
	defer store.Close()

	checkouts := workingcopy.NewManager(cfg.WorkingCopyDir)

	registry := assistant.NewRegistry()
	killGrace := time.Duration(cfg.ProcessKillGraceSeconds) * time.Second
	registry.Register(&assistant.TextAgent{Command: cfg.AssistantCommand, KillGrace: killGrace})
	registry.Register(&assistant.ACPAgent{Command: cfg.AssistantCommand})

	broadcaster := daemon.NewBroadcaster()
	pool := scheduler.New(cfg, store, checkouts, registry, broadcaster)
	pool.Commenter = &platform.RepoCommenter{Config: cfg}

	pl := poller.New(cfg, store, pool)
	wh := &webhook.Handler{Config: cfg, Enqueuer: pool}

	server := daemon.NewServer(cfg, *configPath, store, pool, pl, wh)
	server.Broadcaster = broadcaster

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Println("[daemon] shutdown signal received")
		server.Stop()
	}()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("[daemon] server error: %v", err)
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Postgres != nil && cfg.Postgres.DSN != "" {
		return storage.OpenPostgres(context.Background(), cfg.Postgres.DSN)
	}
	return storage.Open(storage.DefaultDBPath())
}

func defaultConfigPath() string {
	return filepath.Join(config.DataDir(), "config.toml")
}
