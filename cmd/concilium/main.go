package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/concilium/concilium/internal/adapter/fsstore"
	"github.com/concilium/concilium/internal/adapter/httpapi"
	"github.com/concilium/concilium/internal/adapter/knowledge"
	"github.com/concilium/concilium/internal/adapter/llm"
	"github.com/concilium/concilium/internal/adapter/llmexpert"
	connats "github.com/concilium/concilium/internal/adapter/nats"
	conotel "github.com/concilium/concilium/internal/adapter/otel"
	"github.com/concilium/concilium/internal/adapter/postgres"
	"github.com/concilium/concilium/internal/adapter/ristretto"
	"github.com/concilium/concilium/internal/adapter/ws"
	"github.com/concilium/concilium/internal/config"
	"github.com/concilium/concilium/internal/logger"
	"github.com/concilium/concilium/internal/middleware"
	"github.com/concilium/concilium/internal/port/broadcast"
	"github.com/concilium/concilium/internal/port/expert"
	knowledgeport "github.com/concilium/concilium/internal/port/knowledge"
	"github.com/concilium/concilium/internal/port/sessionstore"
	"github.com/concilium/concilium/internal/resilience"
	"github.com/concilium/concilium/internal/scoring"
	"github.com/concilium/concilium/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"llm_url", cfg.LLM.URL,
		"max_rounds", cfg.Deliberation.MaxRounds,
	)

	ctx := context.Background()

	// --- Telemetry ---
	if cfg.Telemetry.Enabled {
		shutdown, err := conotel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("otel shutdown", "error", err)
			}
		}()
	}
	metrics, err := conotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- LLM backend ---
	llmClient := llm.NewClient(cfg.LLM)
	llmClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Knowledge retrieval ---
	var source knowledgeport.Source
	if cfg.Knowledge.Dir != "" {
		base, err := knowledge.New(cfg.Knowledge.Dir, cfg.Knowledge.MaxContextChars, log)
		if err != nil {
			return fmt.Errorf("knowledge: %w", err)
		}
		l1, err := ristretto.New(cfg.Knowledge.CacheMaxBytes)
		if err != nil {
			return fmt.Errorf("knowledge cache: %w", err)
		}
		defer l1.Close()
		source = knowledge.NewCached(base, l1, cfg.Knowledge.CacheTTL, log)
	}

	// --- Expert panel ---
	registry := expert.NewRegistry()
	panel := llmexpert.NewPanel(llmClient, source, log)
	for _, ex := range panel {
		registry.Register(ex)
	}
	moderator := llmexpert.NewModerator(llmClient, source, log)
	registry.Register(moderator)

	stats := func() []llmexpert.Stats {
		out := make([]llmexpert.Stats, 0, len(panel)+1)
		for _, ex := range panel {
			out = append(out, ex.Stats())
		}
		out = append(out, moderator.Stats())
		return out
	}

	// --- Session store ---
	var store sessionstore.Store
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = postgres.NewStore(pool)
		log.Info("postgres session store ready")
	default:
		fs, err := fsstore.New(cfg.Store.Dir)
		if err != nil {
			return fmt.Errorf("fsstore: %w", err)
		}
		store = fs
		log.Info("file session store ready", "dir", cfg.Store.Dir)
	}

	// --- Broadcasters ---
	hub := ws.NewHub(log)
	casters := broadcast.Multi{hub}
	if cfg.NATS.URL != "" {
		nb, err := connats.Connect(ctx, cfg.NATS.URL, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nb.Close()
		casters = append(casters, nb)
	}

	// --- Coordinator ---
	coordinator := service.NewCoordinator(
		log,
		cfg.Deliberation,
		registry,
		store,
		casters,
		scoring.NewConflictScorer(),
		scoring.NewConsensusScorer(),
		metrics,
	)

	// --- HTTP ---
	handlers := &httpapi.Handlers{
		Log:   log,
		Coord: coordinator,
		Store: store,
		LLM:   llmClient,
		Stats: stats,
	}

	r := chi.NewRouter()
	r.Use(httpapi.CORS(cfg.Server.CORSOrigin))
	r.Use(httpapi.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(httpapi.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(conotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(middleware.APIKeyAuth(cfg.Server.APIKeyHash))

	r.Get("/ws", hub.HandleWS)
	httpapi.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: deliberation sessions stream for minutes.
		IdleTimeout: 120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
