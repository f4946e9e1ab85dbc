package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"auditrelay/features/job"
	"auditrelay/features/source"
	"auditrelay/features/stats"
	"auditrelay/internal/adapter/googleworkspace"
	"auditrelay/internal/config"
	"auditrelay/internal/delivery"
	"auditrelay/internal/events"
	"auditrelay/internal/fetcher"
	"auditrelay/internal/middleware"
	"auditrelay/internal/retry"
	"auditrelay/internal/scheduler"
	"auditrelay/internal/vault"
	"auditrelay/internal/worker"
)

type App struct {
	Handler         http.Handler
	SourceService   *source.Service
	Scheduler       *scheduler.Scheduler
	Worker          *worker.FetchWorker
	Pool            *worker.Pool
	RemovalConsumer *scheduler.RemovalConsumer

	port int
}

// NewQueue picks the job queue backend named by the config.
func NewQueue(cfg *config.Config, db *sql.DB) (job.Queue, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendPostgres:
		return job.NewPostgresQueue(db, cfg.LeaseDuration()), nil
	case config.QueueBackendMemory:
		return job.NewMemoryQueue(job.SystemClock, cfg.LeaseDuration()), nil
	default:
		return nil, fmt.Errorf("%w: QUEUE_BACKEND=%q", config.ErrInvalidValue, cfg.QueueBackend)
	}
}

// NewRegistry registers every built-in source adapter.
func NewRegistry(cfg *config.Config) *fetcher.Registry {
	r := fetcher.NewRegistry()
	r.Register(googleworkspace.SourceType, googleworkspace.New(
		googleworkspace.WithApplications(cfg.GoogleWorkspaceApplications...),
	))
	return r
}

// New wires the features together. pub may be nil, in which case operator
// events are dropped.
func New(
	cfg *config.Config,
	db *sql.DB,
	queue job.Queue,
	pub events.Publisher,
	logger *slog.Logger,
) (*App, error) {
	key, err := vault.NewKey(cfg.EncryptionSecret, cfg.EncryptionSalt)
	if err != nil {
		return nil, err
	}
	v, err := vault.New(key)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry(cfg)
	logger.Info("source adapters registered", "types", registry.Types(),
		"google_workspace_applications", cfg.GoogleWorkspaceApplications)
	emitter := events.NewEmitter(pub)

	// Feature: Source
	sourceRepo := source.NewPostgresRepo(db)
	sched := scheduler.New(queue)
	sourceService := source.NewService(sourceRepo, v, sched, registry, emitter, cfg.DefaultFetchIntervalSeconds)
	sourceHandler := source.NewHandler(sourceService)

	// Feature: Job
	jobService := job.NewService(queue, logger)
	jobHandler := job.NewHandler(jobService)

	// Feature: Stats
	statsHandler := stats.NewHandler(sourceService, jobService)

	// Worker
	policy := retry.Policy{MaxAttempts: cfg.MaxRetryAttempts, BaseDelay: cfg.BaseBackoff()}
	fetchWorker := worker.NewFetchWorker(
		queue,
		sourceLookup{repo: sourceRepo},
		v,
		registry,
		delivery.NewClient(cfg.DeliveryTimeout()),
		emitter,
		policy,
		cfg.FetchTimeout(),
	)
	pool := worker.NewPool(fetchWorker, cfg.WorkerConcurrency, cfg.PollInterval())

	mux := http.NewServeMux()

	mux.HandleFunc("POST /sources", sourceHandler.Create)
	mux.HandleFunc("GET /sources", sourceHandler.List)
	mux.HandleFunc("GET /sources/{id}", sourceHandler.Get)
	mux.HandleFunc("DELETE /sources/{id}", sourceHandler.Delete)
	mux.HandleFunc("POST /sources/{id}/sync", sourceHandler.Sync)

	mux.HandleFunc("GET /jobs/dead", jobHandler.ListDead)
	mux.HandleFunc("GET /jobs/{id}", jobHandler.Get)
	mux.HandleFunc("POST /jobs/{id}/retry", jobHandler.Retry)

	mux.HandleFunc("GET /stats", statsHandler.GetStats)

	mux.HandleFunc("GET /health", healthHandler(db))

	return &App{
		Handler:         middleware.CorrelationID(chimw.Recoverer(enableCORS(mux))),
		SourceService:   sourceService,
		Scheduler:       sched,
		Worker:          fetchWorker,
		Pool:            pool,
		RemovalConsumer: scheduler.NewRemovalConsumer(sched),
		port:            cfg.ServerPort,
	}, nil
}

// sourceLookup lets the worker resolve sources removed after their job was
// leased.
type sourceLookup struct {
	repo *source.PostgresRepo
}

func (l sourceLookup) Get(ctx context.Context, id string) (*source.Source, error) {
	return l.repo.Lookup(ctx, id)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+middleware.CorrelationHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func healthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := db.PingContext(ctx); err != nil {
			slog.WarnContext(ctx, "health check failed", "error", err)
			status, code = "degraded", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(map[string]string{"status": status}); err != nil {
			slog.Error("failed to encode health response", "error", err)
		}
	}
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.port),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
