package billing

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/syedarman1/screenme-sub000/internal/billing/grace"
	"github.com/syedarman1/screenme-sub000/internal/billing/store"
	smstripe "github.com/syedarman1/screenme-sub000/internal/billing/stripe"
	"github.com/syedarman1/screenme-sub000/internal/logging"
)

// Run starts the billing HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "billing",
	})

	log.Info().Str("version", version).Msg("Starting ScreenMe billing service")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "billing",
	})

	if cfg.StripeAPIKey != "" {
		stripelib.Key = cfg.StripeAPIKey
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open billing store: %w", err)
	}
	defer st.Close()

	// Replay cache: shared Redis when configured, process-local otherwise.
	var replay smstripe.ReplayCache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		replay = smstripe.NewRedisReplayCache(client, 0)
		defer client.Close()
		log.Info().Str("addr", cfg.RedisAddr).Msg("Replay cache: Redis")
	} else {
		memCache := smstripe.NewMemoryReplayCache(0)
		defer memCache.Stop()
		replay = memCache
		log.Info().Msg("Replay cache: in-memory (set SCREENME_REDIS_ADDR for multi-instance deployments)")
	}

	mux := http.NewServeMux()
	deps := &Deps{
		Config:  cfg,
		Store:   st,
		Replay:  replay,
		Version: version,
	}
	RegisterRoutes(mux, deps)

	addr := cfg.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	graceEnforcer := grace.NewEnforcer(st)
	go graceEnforcer.Run(ctx)

	// Start server in background
	go func() {
		log.Info().Str("addr", addr).Msg("Billing service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Billing service stopped")
	return nil
}
