package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/smarthealth/platform/internal/adapters/his"
	"github.com/smarthealth/platform/internal/audit"
	"github.com/smarthealth/platform/internal/patient"
	"github.com/smarthealth/platform/internal/query"
	"github.com/smarthealth/platform/internal/shared/auth"
	"github.com/smarthealth/platform/internal/shared/config"
	"github.com/smarthealth/platform/internal/shared/database"
	"github.com/smarthealth/platform/internal/shared/events"
	"github.com/smarthealth/platform/internal/shared/metrics"
	secmiddleware "github.com/smarthealth/platform/internal/shared/middleware"
	"github.com/smarthealth/platform/internal/vector"
)

// App holds all application dependencies
type App struct {
	Config *config.Config
	DB     *database.DB
	Bus    *events.Bus
	HIS    *his.Importer
	Logger *slog.Logger
}

func main() {
	ctx := context.Background()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	app := &App{Config: cfg, Logger: logger}

	// The database is required: patient lookup, vector search and the
	// audit log all live there.
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		logger.Error("database not available", "error", err)
		os.Exit(1)
	}
	app.DB = db
	defer db.Close()

	if err := database.Migrate(ctx, db.Pool); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// Event stream fan-out is optional; queries work without it.
	if cfg.KurrentDB.Enabled {
		bus, err := events.NewBus(ctx, cfg.KurrentDB)
		if err != nil {
			logger.Warn("event bus not available, continuing without fan-out", "error", err)
		} else {
			app.Bus = bus
			defer bus.Close()
			logger.Info("event bus initialized")
		}
	}

	// Legacy HIS import is optional.
	if cfg.HIS.Enabled {
		importer := his.New(db.Pool, cfg.HIS, logger)
		if err := importer.Start(ctx); err != nil {
			logger.Warn("HIS importer failed to start", "error", err)
		} else {
			app.HIS = importer
			defer importer.Stop(context.Background())
		}
	}

	auditRepo := audit.NewRepository(db.Pool)
	if err := auditRepo.Initialize(ctx); err != nil {
		logger.Error("audit initialization failed", "error", err)
		os.Exit(1)
	}

	embedder, err := vector.NewOpenAIEmbedder(cfg.Embedding)
	if err != nil {
		logger.Error("embedder initialization failed", "error", err)
		os.Exit(1)
	}

	generator, err := query.NewLLMGenerator(cfg.LLM)
	if err != nil {
		logger.Error("generator initialization failed", "error", err)
		os.Exit(1)
	}

	estimate, err := query.NewTiktokenEstimator(cfg.LLM.Model)
	if err != nil {
		logger.Warn("tokenizer unavailable, using word-count estimate", "error", err)
		estimate = query.WordCountEstimator
	}

	queryService := query.NewService(
		patient.NewRepository(db.Pool),
		embedder,
		vector.NewIndex(db.Pool, cfg.Vector),
		generator,
		query.NewSessionTracker(),
		auditRepo,
		app.Bus,
		estimate,
		cfg.Vector,
		cfg.LLM,
		logger,
	)

	rateLimiter := secmiddleware.NewIPRateLimiter(20, 40)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.LLM.RequestTimeout))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.MaxBodySize(1 << 20))
	r.Use(rateLimiter.Middleware)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig()))

	// Health checks (unauthenticated)
	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	r.Get("/", infoHandler)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Server.Env == "production" {
			r.Use(auth.Middleware(cfg.Auth))
		} else {
			r.Use(devUser)
		}

		queryHandler := query.NewHandler(queryService)
		r.Mount("/", queryHandler.Routes())

		auditHandler := audit.NewHandler(auditRepo)
		r.Mount("/audit", auditHandler.Routes())
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// Write timeout must cover a full model stream.
		WriteTimeout: cfg.LLM.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		close(done)
	}()

	logger.Info("smarthealth clinical assistant started",
		"env", cfg.Server.Env,
		"port", cfg.Server.Port,
		"llm_model", cfg.LLM.Model,
		"embedding_model", cfg.Embedding.Model,
		"his_import", cfg.HIS.Enabled)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done
	logger.Info("server stopped")
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "SmartHealth Clinical Assistant",
		"version": "1.0.0",
		"docs":    "/api/v1",
	})
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
		})
	}
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if err := app.DB.Health(r.Context()); err != nil {
			checks["database"] = "not ready: " + err.Error()
		} else {
			checks["database"] = "ready"
		}

		if app.Bus != nil {
			if err := app.Bus.Health(); err != nil {
				checks["event_bus"] = "not ready: " + err.Error()
			} else {
				checks["event_bus"] = "ready"
			}
		} else {
			checks["event_bus"] = "not configured"
		}

		if app.HIS != nil {
			if err := app.HIS.Health(r.Context()); err != nil {
				checks["his_import"] = "not ready: " + err.Error()
			} else {
				checks["his_import"] = "ready"
			}
		} else {
			checks["his_import"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}

// devUser injects a fixed doctor identity outside production so the API
// is usable without a token service.
func devUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.GetUser(r.Context()) == nil {
			user := &auth.User{
				ID:       "00000000-0000-0000-0000-000000000001",
				UserType: "doctor",
				Roles:    []string{"doctor", "admin"},
			}
			ctx := context.WithValue(r.Context(), auth.UserContextKey, user)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}
