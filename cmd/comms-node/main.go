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

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"Assembler-Comms/internal/commsapi"
	"Assembler-Comms/internal/config"
	"Assembler-Comms/internal/core/codec"
	"Assembler-Comms/internal/core/network"
	"Assembler-Comms/internal/core/subscriber"
	"Assembler-Comms/internal/observability"
	"Assembler-Comms/internal/poller"
)

type transport interface {
	network.PubSub
	Close() error
	Identity() network.PeerIdentity
}

func main() {
	cfgPath := flag.String("config", "", "path to YAML config")
	addr := flag.String("addr", "", "http listen address (overrides config)")
	memory := flag.Bool("memory", false, "use the in-process pubsub instead of libp2p")
	flag.Parse()

	if err := run(*cfgPath, *addr, *memory); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath, addr string, memory bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.HTTPAddr = addr
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ps, err := newTransport(ctx, cfg, memory, logger)
	if err != nil {
		return err
	}
	logger.Info("node started", zap.Stringer("peer", ps.Identity().ID))

	registry, err := codec.NewRegistry()
	if err != nil {
		return err
	}
	c, err := registry.Untyped(cfg.Codec)
	if err != nil {
		return fmt.Errorf("codec: %w", err)
	}

	p := poller.New(cfg.PollInterval, logger)
	for _, topic := range cfg.Topics {
		sub, err := subscriber.Subscribe(ps, topic, subscriber.WithCodec(c), subscriber.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		if err := poller.Handle(p, sub, logBatch(logger)); err != nil {
			return err
		}
	}

	api := commsapi.NewServer(ps, logger)
	mux := http.NewServeMux()
	api.Register(mux)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	runDone := make(chan struct{})
	if len(cfg.Topics) > 0 {
		go func() {
			defer close(runDone)
			if err := p.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	} else {
		close(runDone)
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
		logger.Error("node failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopRun()
	<-runDone
	p.Close()
	return multierr.Combine(err, srv.Shutdown(shutdownCtx), api.Close(), ps.Close())
}

func newTransport(ctx context.Context, cfg config.Config, memory bool, logger *zap.Logger) (transport, error) {
	if memory {
		_, id, err := network.GenerateIdentity()
		if err != nil {
			return nil, err
		}
		return network.NewMemoryPubSub(id, network.WithBuffer(cfg.Buffer)), nil
	}
	return network.NewLibp2pPubSub(ctx, network.Libp2pOptions{
		ListenAddrs:     cfg.ListenAddrs,
		Bootstrap:       cfg.Bootstrap,
		Rendezvous:      cfg.Rendezvous,
		EnableMDNS:      cfg.MDNS,
		IdentityKeyFile: cfg.IdentityKeyFile,
		Buffer:          cfg.Buffer,
		Logger:          logger,
	})
}

func logBatch(logger *zap.Logger) func(string, []subscriber.Received[any]) error {
	return func(topic string, batch []subscriber.Received[any]) error {
		for _, m := range batch {
			logger.Info("message",
				zap.String("topic", topic),
				zap.Stringer("peer", m.Info.PeerSource.ID),
				zap.Any("payload", m.Value),
			)
		}
		return nil
	}
}
