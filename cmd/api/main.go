package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"example.com/ledger/internal/app"
	"example.com/ledger/internal/config"
	"example.com/ledger/internal/logging"
	"example.com/ledger/internal/observability"
	"example.com/ledger/internal/outbox"
	httptransport "example.com/ledger/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("vote ledger api stopped", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logging.Logger) error {
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
		Stdout:      cfg.TraceStdout,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("trace flush failed", "error", err)
		}
	}()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, a.Handler())
	g.Go(func() error { return httptransport.Serve(ctx, server, log) })

	if cfg.MetricsAddress != "" {
		metricsSrv := httptransport.NewServer(httptransport.ServerConfig{Address: cfg.MetricsAddress}, promhttp.Handler())
		g.Go(func() error { return httptransport.Serve(ctx, metricsSrv, log) })
	}

	if a.Pool != nil && cfg.OutboxEnabled {
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()

		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher := outbox.NewDispatcher(a.Pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
			outbox.WithDispatcherLogger(log.With("component", "outbox")),
			outbox.WithClaimLease(cfg.OutboxClaimLease),
			outbox.WithRetryBackoff(cfg.DLQBaseDelay))
		g.Go(func() error {
			dispatcher.Start(ctx)
			return nil
		})
		log.Info("outbox dispatcher started", "brokers", cfg.KafkaBrokers, "interval", cfg.OutboxPollInterval)
	} else if cfg.OutboxEnabled {
		log.Warn("outbox dispatcher needs the postgres store; events stay in memory", "store", cfg.StoreDriver)
	}

	log.Info("vote ledger api listening", "addr", cfg.HTTPAddress, "store", cfg.StoreDriver)
	return g.Wait()
}
