package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apifoundry/gateway/internal/admin"
	"github.com/apifoundry/gateway/internal/auth"
	"github.com/apifoundry/gateway/internal/config"
	"github.com/apifoundry/gateway/internal/deploy"
	"github.com/apifoundry/gateway/internal/metrics"
	"github.com/apifoundry/gateway/internal/proxy"
	"github.com/apifoundry/gateway/internal/ratelimit"
	"github.com/apifoundry/gateway/internal/runtime"
	"github.com/apifoundry/gateway/internal/store"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	database, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	windows, err := ratelimit.NewRedisStore(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to initialize rate limit store", "error", err)
		os.Exit(1)
	}
	defer windows.Close()

	limiter := ratelimit.NewLimiter(windows, ratelimit.Limits{
		Free:       cfg.RateLimitFree,
		Pro:        cfg.RateLimitPro,
		Enterprise: cfg.RateLimitEnterprise,
	}, logger)

	docker := runtime.NewClient()
	if err := docker.EnsureAvailable(); err != nil {
		logger.Error("docker is not ready", "error", err)
		os.Exit(1)
	}

	deployer := deploy.New(docker, deploy.Options{
		TenantEnv:      cfg.TenantEnv(),
		MemoryLimit:    cfg.ContainerMemoryLimit,
		CPUQuota:       cfg.ContainerCPUQuota,
		HealthAttempts: cfg.HealthPollAttempts,
		HealthInterval: cfg.HealthPollInterval,
		StopGrace:      cfg.StopGracePeriod,
	}, logger)

	collector := metrics.NewCollector()

	router := mux.NewRouter()
	router.Use(metrics.Middleware(collector, rate.NewLimiter(100, 200), logger))

	router.HandleFunc("/", rootHandler(deployer)).Methods("GET")
	router.HandleFunc("/health", healthHandler(database, deployer)).Methods("GET")
	router.HandleFunc("/auth/token", tokenHandler(database, cfg.JWTSecret, logger)).Methods("POST")

	adminHandler := admin.NewHandler(deployer, database, collector, cfg.AdminAPIKey, logger)
	adminHandler.RegisterRoutes(router)

	ownerHandler := admin.NewOwnerHandler(deployer, database, limiter, logger)
	ownerHandler.RegisterRoutes(router, auth.NewMiddleware(cfg.JWTSecret))

	proxyHandler := proxy.NewHandler(database, limiter, deployer, cfg.UpstreamTimeout, cfg.Environment, logger)
	proxyHandler.RegisterRoutes(router)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.ServerPort, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info("shutting down server")
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		deployActiveAPIs(gctx, database, deployer, logger)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				deployer.CleanupStopped(gctx)
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped gracefully")
}

// deployActiveAPIs brings up every active tenant with a code snapshot.
// Startup failures are per tenant; one broken build never blocks the
// gateway from serving.
func deployActiveAPIs(ctx context.Context, database *store.DB, deployer *deploy.Deployer, logger *slog.Logger) {
	apis, err := database.ListActiveAPIs(ctx)
	if err != nil {
		logger.Error("failed to list active apis on startup", "error", err)
		return
	}

	deployed := 0
	for _, api := range apis {
		if api.CodeSnapshot == "" {
			continue
		}
		if _, err := deployer.Deploy(ctx, api.ID, api.CodeSnapshot, api.Requirements); err != nil {
			logger.Error("failed to deploy api on startup", "api_id", api.ID, "error", err)
			continue
		}
		deployed++
	}
	logger.Info("apis deployed on startup", "deployed_count", deployed)
}

func rootHandler(deployer *deploy.Deployer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":       "API Builder Gateway",
			"status":        "running",
			"deployed_apis": deployer.Count(),
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func healthHandler(database *store.DB, deployer *deploy.Deployer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus := "connected"
		status := "healthy"
		if err := database.Ping(r.Context()); err != nil {
			dbStatus = "disconnected"
			status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":        status,
			"database":      dbStatus,
			"deployed_apis": deployer.Count(),
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// tokenHandler exchanges a tenant's ID and access secret for an owner
// JWT used on the /api management routes.
func tokenHandler(database *store.DB, jwtSecret string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			APIID  string `json:"api_id"`
			APIKey string `json:"api_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		api, err := database.GetAPIBySecret(r.Context(), req.APIID, req.APIKey)
		if err != nil {
			logger.Warn("token exchange failed", "api_id", req.APIID)
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		token, err := auth.GenerateToken(api.AccountID, jwtSecret)
		if err != nil {
			logger.Error("token generation failed", "error", err)
			http.Error(w, "Failed to generate token", http.StatusInternalServerError)
			return
		}

		json.NewEncoder(w).Encode(map[string]string{"token": token})
	}
}
