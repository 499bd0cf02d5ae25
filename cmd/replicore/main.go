package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/truongngoctrac/claims-platform-sub011/internal/api"
	"github.com/truongngoctrac/claims-platform-sub011/internal/cluster"
	"github.com/truongngoctrac/claims-platform-sub011/internal/config"
	"github.com/truongngoctrac/claims-platform-sub011/internal/core"
	"github.com/truongngoctrac/claims-platform-sub011/internal/logging"
	"github.com/truongngoctrac/claims-platform-sub011/internal/transport"
)

func main() {
	var (
		cfgPath  = flag.String("config", "", "path to a JSON config file")
		id       = flag.String("id", "", "node ID (generated if empty)")
		addr     = flag.String("addr", "", "listen address host:port")
		seed     = flag.String("seed", "", "optional seed node host:port to join")
		peers    = flag.String("peers", "", "static peers as id=host:port,...")
		rf       = flag.Int("rf", 0, "replication factor for eventual namespaces")
		dataDir  = flag.String("data", "", "directory for the raft log (in memory if empty)")
		logLevel = flag.String("loglevel", "", "trace, debug, info, warn or error")
		logJSON  = flag.Bool("logjson", false, "log in JSON")
	)
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	// Flags win over file and environment.
	if *id != "" {
		cfg.Node.ID = *id
	}
	if *addr != "" {
		cfg.Node.Listen = *addr
	}
	if *seed != "" {
		cfg.Node.Seed = *seed
	}
	if *peers != "" {
		parsed, err := config.ParsePeers(*peers)
		if err != nil {
			fmt.Fprintf(os.Stderr, "peers: %v\n", err)
			os.Exit(1)
		}
		cfg.Node.Peers = parsed
	}
	if *rf > 0 {
		cfg.Store.ReplicationFactor = *rf
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.Format = "json"
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = "node-" + uuid.NewString()[:8]
	}

	logger := logging.New(logging.Config{
		Name:   "replicore",
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		os.Exit(2)
	}

	client := transport.NewClient(cfg.Cluster.ProbeTimeout.D()*2, logger.Named("transport"))
	node, err := core.Build(cfg, func(mem *cluster.Membership) core.Transport {
		return transport.NewPeers(cfg.Node.ID, client, mem)
	}, logger)
	if err != nil {
		logger.Error("build node", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           api.NewServer(node, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", cfg.Node.Listen, "advertise", cfg.AdvertiseAddr(), "default_mode", cfg.DefaultMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen error", "error", err)
			os.Exit(1)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		// The node keeps running alone; gossip or a later join can still merge it.
		logger.Error("start", "error", err)
	}

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
	if err := node.Stop(ctxShutdown); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}
