// Package syncservice assembles the document sync server: remote store,
// sync service, websocket transport, health and metrics endpoints.
package syncservice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aveer-dev/collabsync/internal/config"
	"github.com/aveer-dev/collabsync/internal/docsync"
	"github.com/aveer-dev/collabsync/internal/health"
	"github.com/aveer-dev/collabsync/internal/platform/logger"
	"github.com/aveer-dev/collabsync/internal/platform/respond"
	"github.com/aveer-dev/collabsync/internal/remote"
	"github.com/aveer-dev/collabsync/internal/remote/memstore"
	"github.com/aveer-dev/collabsync/internal/remote/postgres"
	"github.com/aveer-dev/collabsync/internal/remote/rest"
)

// Run starts the sync service HTTP server and blocks until shutdown or error.
func Run() error {
	log := logger.New("collabsync")

	cfg, err := config.New()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	log.Info().
		Str("remote_driver", cfg.RemoteDriver).
		Int("http_port", cfg.HTTPPort).
		Dur("debounce_period", cfg.DebouncePeriod).
		Msg("Sync service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newRemoteStore(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Remote store unavailable")
		return err
	}

	svc := docsync.NewService(store,
		docsync.WithLogger(log),
		docsync.WithDebounce(cfg.DebouncePeriod),
	)
	defer svc.Close()

	svcHealth := startHealthCheckers(ctx, cfg, log, store)
	router := buildRouter(svc, cfg, log, svcHealth)

	server := &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctxShutdown); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
			return err
		}
		log.Info().Msg("Server exited")
		return nil
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
		return err
	}
}

// newRemoteStore selects the configured row-store backend.
func newRemoteStore(cfg *config.Config, log zerolog.Logger) (remote.Store, error) {
	switch cfg.RemoteDriver {
	case "memory":
		log.Warn().Msg("using in-memory remote store, documents will not survive a restart")
		return memstore.New(), nil
	case "postgres":
		db, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := postgres.EnsureSchema(db); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return postgres.NewWithDB(db), nil
	case "rest":
		return rest.New(cfg.RestBaseURL, cfg.RestAPIKey), nil
	default:
		return nil, fmt.Errorf("unsupported remote driver %q", cfg.RemoteDriver)
	}
}

func buildRouter(svc *docsync.Service, cfg *config.Config, log zerolog.Logger, svcHealth *health.ServiceHealthChecker) *mux.Router {
	root := mux.NewRouter()

	ws := docsync.NewWSHandler(svc, cfg.AllowedOrigin, log)
	root.Handle("/v0/sync/{doc}", ws).Methods("GET")
	root.HandleFunc("/v0/health", healthHandler(svcHealth)).Methods("GET")
	root.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return root
}

func startHealthCheckers(ctx context.Context, cfg *config.Config, log zerolog.Logger, store remote.Store) *health.ServiceHealthChecker {
	storeChecker := health.NewStoreChecker(store)
	go storeChecker.Start(ctx, cfg.HealthInterval)

	svcHealth := health.NewServiceHealthChecker(log, storeChecker)
	go svcHealth.Start(ctx, cfg.HealthInterval)
	return svcHealth
}

func healthHandler(svcHealth *health.ServiceHealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcHealth.IsHealthy() {
			respond.WriteJSON(w, http.StatusOK, map[string]any{
				"status":    "UP",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		respond.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"status":    "DOWN",
			"message":   "remote store unavailable",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}
