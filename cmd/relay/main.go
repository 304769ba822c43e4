package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bingx-discord-relay/internal/bingx"
	"bingx-discord-relay/internal/config"
	"bingx-discord-relay/internal/database"
	"bingx-discord-relay/internal/discord"
	"bingx-discord-relay/internal/logger"
	"bingx-discord-relay/internal/relay"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// A missing .env is fine; the variables may come from the environment.
	_ = godotenv.Load()

	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	if err := run(log, &cfg); err != nil {
		log.Error("Relay stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Relay has been shut down.")
}

func run(log *zap.Logger, cfg *config.Config) error {
	// Setup context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		return err
	}
	log.Info("Database connection successful and schema migrated.")

	// Initialize BingX REST client and check connectivity
	venue := bingx.NewRestClient(&cfg.BingX, log)
	serverTime, err := venue.GetServerTime(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to BingX API: %w", err)
	}
	log.Info("Successfully connected to BingX API.",
		zap.Duration("clock_skew", time.Since(time.UnixMilli(serverTime))))

	contracts, err := venue.GetContracts(ctx)
	if err != nil {
		// Formatting falls back to the configured precision.
		log.Warn("Could not load contract precision", zap.Error(err))
	}
	formatter := relay.NewFormatter(relay.Precision{
		Price:    cfg.Relay.DefaultPriceDP,
		Quantity: cfg.Relay.DefaultQtyDP,
		Currency: cfg.Relay.DefaultCurrency,
	}, contracts)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := relay.NewMetrics(registry)

	dedup, err := relay.NewDeduplicator(cfg.Relay.SeenCapacity, cfg.Relay.SeenTTL)
	if err != nil {
		return err
	}
	defer dedup.Close()

	chat := discord.NewRestClient(&cfg.Discord, log)
	dispatcher := relay.NewDispatcher(&cfg.Dispatch, chat, relay.NewDispatchLog(db), metrics, log)

	supervisor := relay.NewSupervisor(log, cfg, relay.Pipeline{
		Venue:      venue,
		Dedup:      dedup,
		Formatter:  formatter,
		Dispatcher: dispatcher,
		Store:      relay.NewCursorStore(db),
		Metrics:    metrics,
	})
	apiServer := relay.NewAPIServer(&cfg.Server, supervisor, registry, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	g.Go(apiServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return apiServer.Stop(shutdownCtx)
	})

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.DrainTimeout)
	defer cancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		log.Warn("Dispatch queue did not drain in time", zap.Error(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
