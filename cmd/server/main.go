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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrmesh/internal/config"
	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/linkv"
	"github.com/ryandielhenn/zephyrmesh/pkg/message"
	"github.com/ryandielhenn/zephyrmesh/pkg/node"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
)

// set with -ldflags "-X main.version=... -X main.gitSHA=..."
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("node stopped", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	// 1. Outbound path: every write to stdout goes through the engine
	engine := delivery.New(transport.NewWriter(os.Stdout), cfg.GossipInterval, log)

	// 2. Offset store and node
	ids := &message.Sequence{}
	kvReplies := make(chan message.Envelope, 16)
	var n *node.Node
	store, closeStore, err := openStore(cfg, func() string { return n.ID() }, ids, engine, kvReplies, log)
	if err != nil {
		return err
	}
	defer closeStore()
	n = node.New(engine, linkv.NewAllocator(store, "", cfg.MaxServiceErrors, log), ids, log)
	n.SetAntiEntropyInterval(cfg.AntiEntropyInterval)

	// 3. Inbound path. A blocked stdin read cannot be interrupted, so the
	// reader is not part of the group.
	ordinary := make(chan message.Envelope, 256)
	reader := transport.NewReader(os.Stdin, []string{cfg.KVService}, log)
	readErr := make(chan error, 1)
	go func() { readErr <- reader.Run(ctx, ordinary, kvReplies) }()

	log.Info("node starting",
		zap.String("kv_backend", cfg.KVBackend), zap.Duration("gossip_interval", cfg.GossipInterval),
		zap.Duration("anti_entropy_interval", cfg.AntiEntropyInterval))

	g, gctx := errgroup.WithContext(ctx)
	engineCtx, stopEngine := context.WithCancel(gctx)
	defer stopEngine()

	g.Go(func() error { return engine.Run(engineCtx) })
	g.Go(func() error {
		defer stopEngine()
		return n.Run(gctx, ordinary)
	})

	// 4. Optional HTTP listener for metrics and health
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", n.Healthz)
		mux.HandleFunc("/info", n.Info)
		mux.Handle("/metrics", telemetry.MetricsHandler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-engineCtx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	select {
	case err := <-readErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

func openStore(cfg config.Config, self func() string, ids *message.Sequence, out linkv.Sender,
	replies <-chan message.Envelope, log *zap.Logger) (linkv.Store, func(), error) {
	switch cfg.KVBackend {
	case config.BackendEtcd:
		cli, err := linkv.NewEtcdClient(cfg.EtcdEndpoints)
		if err != nil {
			return nil, nil, fmt.Errorf("etcd client: %w", err)
		}
		log.Info("using etcd for offsets", zap.Strings("endpoints", cli.Endpoints()))
		return linkv.NewEtcdStore(cli, cfg.EtcdPrefix), func() { cli.Close() }, nil
	case config.BackendMemory:
		log.Warn("offsets are node-local; only safe for a single node")
		return &linkv.Register{}, func() {}, nil
	default:
		return linkv.NewServiceClient(cfg.KVService, self, ids, out, replies, log), func() {}, nil
	}
}
