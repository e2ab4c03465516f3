package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carecircle/internal/blob"
	"carecircle/internal/config"
	"carecircle/internal/dose"
	"carecircle/internal/events"
	"carecircle/internal/group"
	"carecircle/internal/groupdata"
	"carecircle/internal/health"
	"carecircle/internal/identity"
	"carecircle/internal/lifecycle"
	"carecircle/internal/localstore"
	"carecircle/internal/logger"
	"carecircle/internal/monitoring"
	"carecircle/internal/payment"
	"carecircle/internal/remote"
	"carecircle/internal/subscription"
)

func main() {
	if err := run(context.Background()); err != nil {
		panic(err)
	}
}

func run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Println("Received signal:", sig)
		cancel()
	}()

	cfg := config.NewConfig()

	telemetry, err := monitoring.NewTelemetry(cfg.Telemetry, cfg.Service)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			fmt.Println("Telemetry shutdown failed:", err)
		}
	}()

	log := logger.New(*cfg)

	// Device-local store
	db, err := localstore.NewPostgres(ctx, cfg.Database)
	if err != nil {
		log.Error("Failed to connect to database", "error", err)
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx, log); err != nil {
		log.Error("Failed to migrate database", "error", err)
		return err
	}

	// Shared remote store
	remoteStore := remote.NewRedisStore(cfg.Redis, log)
	if err := remoteStore.Ping(ctx); err != nil {
		log.Error("Failed to reach remote store", "error", err)
		return err
	}
	defer remoteStore.Close()

	blobs, err := blob.New(cfg.Storage)
	if err != nil {
		log.Error("Failed to initialize blob storage", "error", err)
		return err
	}

	var provider payment.Provider
	if cfg.Stripe.SecretKey != "" {
		stripeProvider := payment.NewStripeProvider(log, cfg.Stripe.SecretKey)
		provider = &stripeProvider
	} else {
		log.Warn("No Stripe key configured, using in-memory payment provider")
		provider = payment.NewFake()
	}

	bus := events.NewBus()
	idp := identity.NewProvider(log, db)
	subs := subscription.NewManager(log, cfg.Subscription, cfg.Stripe, db, remoteStore, provider)
	registry := group.NewRegistry(log, cfg.Subscription, remoteStore, db, idp, subs, bus, telemetry)
	monitor := group.NewMonitor(log, remoteStore, registry, bus, telemetry, cfg.Sync.PollInterval)
	data := groupdata.NewStore(log, remoteStore, registry, idp, monitor, blobs, telemetry)
	materializer := dose.NewMaterializer(log, data, db, registry, telemetry)
	aggregator := health.NewAggregator(log, data, db, registry, materializer, cfg.Sync.CacheTTL, cfg.Sync.SingleFlightWait)

	manager := lifecycle.NewManager(log, cfg.Sync, data, monitor, db, idp, bus)
	manager.OnGroupChange(aggregator.Invalidate)

	if _, err := idp.CurrentPrincipal(ctx); err != nil {
		log.Error("Failed to provision device principal", "error", err)
		return err
	}
	if _, err := registry.EnsurePersonalGroup(ctx); err != nil {
		log.Error("Failed to ensure personal group", "error", err)
		return err
	}

	if err := manager.Start(ctx); err != nil {
		log.Error("Failed to start lifecycle manager", "error", err)
		return err
	}
	defer manager.Stop()

	// Materialize upcoming doses on startup, then periodically.
	if _, err := materializer.MaterializeUpcoming(ctx); err != nil {
		log.Warn("Initial dose materialization failed", "error", err)
	}
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := materializer.MaterializeUpcoming(ctx); err != nil {
					log.Warn("Dose materialization failed", "error", err)
				}
			}
		}
	}()

	log.Info("Service started", "environment", cfg.Service.Environment)
	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}
