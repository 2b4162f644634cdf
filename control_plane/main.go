package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corrieuys/potato-agent-dashboard/control_plane/config"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/idempotency"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/logger"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/observability"
	"github.com/corrieuys/potato-agent-dashboard/control_plane/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.PrettyLog)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := buildStore(ctx, cfg, log)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer s.Close()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis unreachable at %s: %v", cfg.RedisAddr, err)
		}
		defer rdb.Close()
		log.Info("redis connected", logger.String("addr", cfg.RedisAddr))
	} else {
		log.Info("no redis configured, idempotency cache is in-process only")
	}
	idemStore := idempotency.NewStore(rdb, cfg.IdempotencyTTL)

	notifier := NewNotifier(s, log, cfg.NotifyTimeout, cfg.NotifyWorkers)

	hub := NewEventHub(log)
	go hub.Run(ctx)

	go runLivenessGauge(ctx, s, log)

	api := NewAPI(cfg, s, log, notifier, hub, idemStore)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("control plane listening",
			logger.String("addr", cfg.ListenAddr),
			logger.String("store", cfg.StoreDriver),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Fatalf("server failed: %v", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}

func buildStore(ctx context.Context, cfg *config.Config, log logger.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		log.Info("postgres store ready")
		return pg, nil
	default:
		log.Warn("using in-memory store, state will not survive restarts")
		return store.NewMemoryStore(), nil
	}
}

// runLivenessGauge periodically recomputes the connected-agents gauge.
// Disconnection is derived from heartbeat recency, never stored.
func runLivenessGauge(ctx context.Context, s store.Store, log logger.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stacks, err := s.ListStacks(ctx)
			if err != nil {
				log.Warn("liveness sweep failed", logger.Error(err))
				continue
			}
			connected := 0
			for _, stack := range stacks {
				interval := stack.HeartbeatInterval
				if interval <= 0 {
					interval = 30
				}
				cutoff := time.Now().Add(-2 * time.Duration(interval) * time.Second)

				agents, err := s.ListAgents(ctx, stack.ID)
				if err != nil {
					continue
				}
				for _, agent := range agents {
					if agent.LastHeartbeatAt != nil && agent.LastHeartbeatAt.After(cutoff) {
						connected++
					}
				}
			}
			observability.ConnectedAgents.Set(float64(connected))
		}
	}
}
