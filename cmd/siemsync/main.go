package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Guizzs26/go-siem-sync/internal/broker"
	"github.com/Guizzs26/go-siem-sync/internal/config"
	"github.com/Guizzs26/go-siem-sync/internal/db"
	"github.com/Guizzs26/go-siem-sync/internal/geo"
	"github.com/Guizzs26/go-siem-sync/internal/mimecast"
	"github.com/Guizzs26/go-siem-sync/internal/service"
	"github.com/Guizzs26/go-siem-sync/pkg/infra"
)

// store is everything a run needs from the persistence layer
type store interface {
	service.CursorStore
	service.EventSink
	service.RunRecorder
	Close() error
}

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	if err := cfg.Validate(); err != nil {
		logger.Error("CRITICAL: invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("CRITICAL: store initialization failed", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	if cfg.MetricsPort != "" {
		go startObservabilityServer(cfg.MetricsPort, logger)
	}

	signer := mimecast.NewSigner(mimecast.Credentials{
		SecretKey:      cfg.Mimecast.SecretKey,
		AccessKey:      cfg.Mimecast.AccessKey,
		ApplicationKey: cfg.Mimecast.ApplicationKey,
		ApplicationID:  cfg.Mimecast.ApplicationID,
	})
	client := mimecast.NewClient(
		mimecast.NewHTTPClient(cfg.Mimecast.RequestTimeout),
		signer,
		cfg.Mimecast.BaseURL,
		cfg.Mimecast.URI,
		logger,
	)
	openGeo := func() (service.Locator, error) { return geo.Open(cfg.GeoDBPath) }

	r := &runner{
		cfg:     cfg,
		repo:    repo,
		fetcher: client,
		openGeo: openGeo,
		logger:  logger,
	}
	defer r.closeBroker()

	logger.Info("🚀 SIEM sync started",
		"pid", os.Getpid(),
		"driver", cfg.StoreDriver,
		"interval", cfg.RunInterval,
		"fan_out", cfg.RabbitMQURL != "",
	)

	if cfg.RunInterval <= 0 {
		if err := r.runOnce(ctx); err != nil {
			logger.Error("SIEM sync run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	r.loop(ctx)
	logger.Info("✅ Shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, error) {
	switch cfg.StoreDriver {
	case config.DriverBolt:
		return db.NewBoltRepository(db.BoltOptions{Path: cfg.BoltPath}, logger)
	case config.DriverPostgres:
		repo, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

type runner struct {
	cfg     *config.Config
	repo    store
	fetcher service.PageFetcher
	openGeo service.LocatorOpener
	rabbit  *broker.RabbitMQClient
	logger  *slog.Logger
}

// runOnce performs a single invocation. A broker that cannot be reached
// aborts the attempt before the engine starts
func (r *runner) runOnce(ctx context.Context) error {
	var sink service.EventSink = r.repo

	if r.cfg.RabbitMQURL != "" {
		if r.rabbit == nil || !r.rabbit.IsHealthy() {
			r.closeBroker()
			rabbit, err := broker.NewRabbitMQClient(r.cfg.RabbitMQURL, r.logger)
			if err != nil {
				return fmt.Errorf("rabbitmq link failure: %w", err)
			}
			r.logger.Info("RabbitMQ link established 🚀")
			r.rabbit = rabbit
		}
		sink = service.NewPublishingSink(r.repo, r.rabbit)
	}

	engine := service.NewSyncService(r.fetcher, r.repo, sink, r.openGeo, r.cfg.Mimecast.MaxPages, r.logger)
	out, err := service.NewJob(engine, r.repo, r.logger).Execute(ctx)
	if err != nil {
		return err
	}
	if out.Reason.Failed() {
		return fmt.Errorf("sync stopped: %s (status %d)", out.Reason, out.StatusCode)
	}
	return nil
}

func (r *runner) loop(ctx context.Context) {
	// +20% jitter on the largest step still lands inside one interval
	backoff := infra.NewBackoff(30*time.Second, r.cfg.RunInterval*4/5, 2.0)

	for {
		if err := r.runOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.logger.Error("SIEM sync attempt failed, backing off", "attempt", backoff.Attempts()+1, "error", err)

			wait, err := backoff.Wait(ctx)
			if err != nil {
				r.logger.Info("👋 Shutting down scheduler...")
				return
			}
			r.logger.Info("Retrying SIEM sync", "waited", wait)
			continue
		}

		backoff.Reset()

		select {
		case <-ctx.Done():
			r.logger.Info("👋 Shutting down scheduler...")
			return
		case <-time.After(r.cfg.RunInterval):
		}
	}
}

func (r *runner) closeBroker() {
	if r.rabbit != nil {
		r.rabbit.Close()
		r.rabbit = nil
	}
}

func startObservabilityServer(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("SIEM SYNC ALIVE"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("📊 Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
