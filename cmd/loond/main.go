// loond is the Loon civic data platform daemon. It loads the scraper
// registry, runs scrapers on the prioritized executor pool, ingests
// normalized civic data into Postgres, and serves the JSON control plane
// with the SSE status stream.
//
// Exit codes: 0 clean shutdown, 2 configuration error, 3 store unavailable,
// 4 empty scraper registry, 5 conflicting active session at startup,
// 130 interrupted by the operator.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loon-data/loon/platform/internal/api"
	"github.com/loon-data/loon/platform/internal/auth"
	"github.com/loon-data/loon/platform/internal/config"
	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/executor"
	"github.com/loon-data/loon/platform/internal/ingest"
	"github.com/loon-data/loon/platform/internal/leader"
	"github.com/loon-data/loon/platform/internal/loader"
	"github.com/loon-data/loon/platform/internal/normalize"
	"github.com/loon-data/loon/platform/internal/postgres"
	"github.com/loon-data/loon/platform/internal/progress"
	"github.com/loon-data/loon/platform/internal/ratelimit"
	"github.com/loon-data/loon/platform/internal/reaper"
	"github.com/loon-data/loon/platform/internal/registry"
	"github.com/loon-data/loon/platform/internal/retry"
	"github.com/loon-data/loon/platform/internal/scheduler"
	"github.com/loon-data/loon/platform/internal/scraper"
	"github.com/loon-data/loon/platform/internal/scrapers"
	"github.com/loon-data/loon/platform/internal/storage"
)

const (
	exitConfig      = 2
	exitStore       = 3
	exitRegistry    = 4
	exitSession     = 5
	exitInterrupted = 130
)

// validateEnv checks that critical environment variables have valid values.
// Returns a slice of validation errors (empty if all valid).
func validateEnv() []string {
	var errs []string

	if addr := os.Getenv("LOON_LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("LOON_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if _, err := url.Parse(dbURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
		}
	}

	for _, name := range []string{"S3_METADATA_TIMEOUT", "S3_DATA_TIMEOUT"} {
		if v := os.Getenv(name); v != "" {
			if _, err := time.ParseDuration(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: must be a valid Go duration (e.g. 10s, 2m) (%v)", name, v, err))
			}
		}
	}

	// S3_ENDPOINT may be host:port without scheme; allow that.
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		if _, _, err := net.SplitHostPort(v); err != nil {
			if _, err := url.Parse("http://" + v); err != nil {
				errs = append(errs, fmt.Sprintf("S3_ENDPOINT=%q: must be a valid endpoint", v))
			}
		}
	}

	return errs
}

// warnDefaultCredentials logs security warnings when S3 or Postgres
// credentials appear to be well-known defaults. These are safe for local
// development but dangerous in production deployments.
func warnDefaultCredentials(cfg *config.Config) {
	if cfg.S3.AccessKey == "minioadmin" || cfg.S3.SecretKey == "minioadmin" {
		slog.Warn("S3 credentials are set to default values (minioadmin), change these for production deployments")
	}

	if u, err := url.Parse(cfg.StoreURL); err == nil && u.User != nil {
		user := u.User.Username()
		pass, _ := u.User.Password()
		if (user == "loon" && pass == "loon") || (user == "postgres" && pass == "postgres") {
			slog.Warn("database credentials appear to be defaults, change these for production deployments",
				"user", user)
		}
	}
}

// healthcheckAddr picks the address the healthcheck subcommand probes.
func healthcheckAddr() string {
	addr := os.Getenv("LOON_LISTEN_ADDR")
	if addr == "" {
		return "localhost:8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "localhost:8080"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /loond healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://" + healthcheckAddr() + "/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Context-aware slog handler so request_id lands in every request log.
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(api.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(exitConfig)
	}

	// Load config: LOON_CONFIG env > ./loon.yaml > defaults.
	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(exitConfig)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}
	warnDefaultCredentials(cfg)

	// Root context for everything that outlives one request. Cancelled during
	// shutdown so in-flight runs are asked to stop before the pool drains.
	ctx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	dbPool, err := postgres.NewPool(ctx, cfg.StoreURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(exitStore)
	}

	if err := postgres.Migrate(ctx, dbPool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(exitStore)
	}

	// Exactly one daemon per database: progress snapshots are local files and
	// the executor pool is process-wide, so a second instance would double-run
	// every scraper.
	guard := leader.New(func(ctx context.Context) (bool, error) {
		var acquired bool
		err := dbPool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
		return acquired, err
	})
	if err := guard.Acquire(ctx); err != nil {
		if errors.Is(err, leader.ErrAlreadyRunning) {
			slog.Error("another loond instance is already running against this database")
			os.Exit(exitSession)
		}
		slog.Error("failed to acquire instance lock", "error", err)
		os.Exit(exitStore)
	}

	// Event bus (Postgres LISTEN/NOTIFY) for instant status stream delivery.
	// A bus failure degrades to polling-free but tick-only streams.
	var bus postgres.EventBus
	pgBus := postgres.NewPgEventBus(dbPool)
	if err := pgBus.Start(ctx); err != nil {
		slog.Warn("event bus failed to start, continuing without instant events", "error", err)
		pgBus = nil
	} else {
		bus = pgBus
	}

	civicStore := postgres.NewCivicStore(dbPool)
	runStore := postgres.NewRunStore(dbPool, bus)
	issueStore := postgres.NewIssueStore(dbPool, bus)
	auditStore := postgres.NewAuditStore(dbPool)
	slog.Info("postgres stores initialized")

	tracker, err := progress.NewTracker(cfg.ProgressPath, runStore, issueStore)
	if err != nil {
		slog.Error("failed to initialize progress tracking", "path", cfg.ProgressPath, "error", err)
		os.Exit(exitConfig)
	}

	reg, regIssues, err := registry.Load(cfg.ScrapersPath, scrapers.Builtin())
	if err != nil {
		if errors.Is(err, domain.ErrRegistryEmpty) {
			slog.Error("no valid scrapers found", "path", cfg.ScrapersPath)
		} else {
			slog.Error("failed to load scraper registry", "path", cfg.ScrapersPath, "error", err)
		}
		os.Exit(exitRegistry)
	}
	for i := range regIssues {
		if err := issueStore.RecordIssue(ctx, &regIssues[i]); err != nil {
			slog.Warn("record registry issue", "error", err)
		}
	}
	slog.Info("scraper registry loaded", "scrapers", len(reg.List()), "invalid_dirs", len(regIssues))

	// Optional raw-payload archive. Enabled by S3 endpoint config; everything
	// it does is best-effort and off the ingest path.
	var archive *storage.Archive
	if cfg.S3.Endpoint != "" {
		s3Cfg := storage.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			UseSSL:    cfg.S3.UseSSL,
		}
		if s3Cfg.Bucket == "" {
			s3Cfg.Bucket = "loon"
		}
		if v := os.Getenv("S3_METADATA_TIMEOUT"); v != "" {
			s3Cfg.MetadataTimeout, _ = time.ParseDuration(v)
		}
		if v := os.Getenv("S3_DATA_TIMEOUT"); v != "" {
			s3Cfg.DataTimeout, _ = time.ParseDuration(v)
		}

		archive, err = storage.New(ctx, s3Cfg)
		if err != nil {
			slog.Error("failed to connect to archive storage", "endpoint", cfg.S3.Endpoint, "error", err)
			os.Exit(exitConfig)
		}
		slog.Info("raw payload archive initialized", "endpoint", cfg.S3.Endpoint, "bucket", s3Cfg.Bucket)
	} else {
		slog.Info("no S3 endpoint configured, raw payloads are not archived")
	}

	pipeline := ingest.New(civicStore, cfg.InactiveAfterMisses)
	policy := retry.NewPolicy(retry.DefaultBaseDelay, cfg.MaxRetryAttempts)
	hostLimiter := ratelimit.NewHostLimiter(cfg.RateLimitPerHostRPS, 4)
	runner := scraper.NewRunner(&http.Client{Timeout: 60 * time.Second}, hostLimiter)

	// runFn is one full attempt: scrape, normalize, ingest. The archive write
	// is detached so a slow or dead object store never stalls a run.
	runFn := func(ctx context.Context, desc domain.ScraperDescriptor, strategy domain.Strategy, attempt int) executor.Outcome {
		runID, _ := executor.RunID(ctx)

		jur, err := pipeline.Jurisdiction(ctx, desc.Jurisdiction)
		if err != nil {
			return executor.Outcome{Status: domain.RunFailed, Err: err}
		}
		if jur == nil {
			return executor.Outcome{Status: domain.RunFailed,
				Err: domain.Classifyf(domain.ErrorConfig, "jurisdiction %q is not provisioned", desc.Jurisdiction)}
		}

		sink := pipeline.NewRunSink(runID, *jur)
		seq := 0
		consume := func(ctx context.Context, rec scraper.RawRecord) error {
			if archive != nil {
				if payload, merr := json.Marshal(rec); merr == nil {
					n := seq
					go func() {
						actx, cancel := context.WithTimeout(context.Background(), storage.DefaultDataTimeout)
						defer cancel()
						if err := archive.PutPayload(actx, desc.ID, runID, n, payload); err != nil {
							slog.Warn("archive payload", "scraper_id", desc.ID, "run_id", runID, "error", err)
						}
					}()
				}
			}
			seq++
			return sink.Add(ctx, normalize.Record(rec, *jur, runID))
		}

		res := runner.Run(ctx, desc, reg.Factory(desc.ID), scraper.Budget{
			Timeout:    desc.Timeout(strategy),
			MaxRecords: desc.MaxRecords,
		}, consume)
		stats, closeErr := sink.Close(ctx)

		if len(res.Issues) > 0 {
			ictx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			for i := range res.Issues {
				issue := res.Issues[i]
				issue.RunID = &runID
				if err := issueStore.RecordIssue(ictx, &issue); err != nil {
					slog.Warn("record run issue", "run_id", runID, "error", err)
				}
			}
			cancel()
		}

		out := executor.Outcome{
			Status:         res.Status,
			RecordsFound:   res.RecordsFound,
			RecordsNew:     stats.New,
			RecordsUpdated: stats.Updated,
			Errors:         res.Errors,
			Err:            res.Err,
		}
		if closeErr != nil {
			slog.Warn("flush run records", "run_id", runID, "scraper_id", desc.ID, "error", closeErr)
			if out.Status == domain.RunSuccess {
				out.Status = domain.RunFailed
				out.Err = closeErr
			}
		}
		return out
	}

	pool := executor.NewPool(executor.Config{
		MinWorkers:   cfg.MinWorkers,
		MaxWorkers:   cfg.MaxWorkers,
		CategoryCaps: cfg.PerCategoryConcurrency,
		Strategy:     cfg.Strategy,
		SubmitGate:   pipeline.SubmitGate,
	}, runFn, tracker, policy)
	pool.Issues = issueStore
	pool.Start(ctx)

	resize := executor.NewResizeMonitor(pool)
	resize.Start(ctx)

	ld := loader.New(reg, pool, tracker, civicStore, issueStore)

	// Reconcile durable state from before the restart: resume sessions, fail
	// timed-out orphans, and resubmit runs that never got to execute.
	recov, err := tracker.Recover(ctx, func(scraperID string) time.Duration {
		if d := reg.Get(scraperID); d != nil {
			return d.Timeout(cfg.Strategy)
		}
		return time.Duration(cfg.DefaultTimeoutSeconds) * time.Second
	})
	if err != nil {
		slog.Error("failed to recover progress state", "error", err)
		os.Exit(exitStore)
	}
	if recov.Orphaned > 0 {
		slog.Warn("orphaned runs marked failed", "count", recov.Orphaned)
	}
	for _, sess := range recov.Sessions {
		if err := ld.Restore(ctx, sess); err != nil {
			if errors.Is(err, domain.ErrSessionActive) {
				slog.Error("conflicting active sessions recovered", "session_id", sess.ID)
				os.Exit(exitSession)
			}
			slog.Warn("restore session", "session_id", sess.ID, "error", err)
		} else {
			slog.Info("loading session restored", "session_id", sess.ID, "strategy", sess.Strategy)
		}
	}
	for _, run := range recov.PendingRuns {
		desc := reg.Get(run.ScraperID)
		if desc == nil {
			slog.Warn("recovered run references unknown scraper, dropped", "scraper_id", run.ScraperID)
			continue
		}
		if _, err := pool.Submit(*desc, scheduler.PriorityManual, run.SessionID, ""); err != nil {
			slog.Warn("resubmit recovered run", "scraper_id", run.ScraperID, "error", err)
		}
	}

	sched := scheduler.New(reg, pool, issueStore)
	sched.Start(ctx)
	slog.Info("cron scheduler started")

	hub := api.NewHub(bus, func() any {
		st := map[string]any{
			"workers":     pool.Workers(),
			"queue_depth": pool.QueueDepth(),
			"running":     pool.RunningByCategory(),
		}
		if s := ld.Active(); s != nil {
			st["session_id"] = s.ID
			st["session_status"] = s.Status
		}
		return st
	}, time.Duration(cfg.StreamBufferSeconds)*time.Second)
	hub.Start(ctx)

	var archivePruner reaper.ArchivePruner
	if archive != nil {
		archivePruner = archive
	}
	reap := reaper.New(cfg.Retention, runStore, issueStore, auditStore, tracker, archivePruner, hostLimiter)
	reap.Start(ctx)
	slog.Info("reaper started", "interval_minutes", cfg.Retention.ReaperIntervalMinutes)

	srv := &api.Server{
		Runs:     runStore,
		Issues:   issueStore,
		Audit:    auditStore,
		Registry: reg,
		Triggers: sched,
		Sessions: ld,
		Pool:     pool,
		Bills:    pipeline,
		Reaper:   reap,
		Hub:      hub,

		DBHealth: postgres.NewHealthChecker(dbPool),
	}
	if archive != nil {
		srv.S3Health = storage.NewHealthChecker(archive)
	}
	if corsEnv := os.Getenv("CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}

	apiKey := os.Getenv("LOON_API_KEY")
	if apiKey != "" {
		srv.Auth = auth.APIKey(apiKey)
		slog.Info("API key authentication enabled")
	}
	if strings.HasPrefix(cfg.ListenAddr, "0.0.0.0") && apiKey == "" {
		slog.Warn("listening on 0.0.0.0 without LOON_API_KEY, control plane is unauthenticated and network-accessible")
	}

	// Per-IP rate limiting (disable with RATE_LIMIT=0).
	if rl := os.Getenv("RATE_LIMIT"); rl != "0" {
		rlCfg := api.DefaultRateLimitConfig()
		srv.RateLimit = &rlCfg
		slog.Info("rate limiting enabled", "rps", rlCfg.RequestsPerSecond, "burst", rlCfg.Burst)
	}

	router := api.NewRouter(srv)

	// WriteTimeout stays zero: the SSE stream holds a response open and
	// bounds its own connection lifetime.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting loond", "addr", cfg.ListenAddr, "scrapers", len(reg.List()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
		if sig == syscall.SIGINT {
			exitCode = exitInterrupted
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			exitCode = 1
		}
	}

	// Graceful shutdown: drain HTTP, stop the periodic workers, then cancel
	// in-flight runs and drain the pool before closing shared resources.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	hub.Stop()
	sched.Stop()
	reap.Stop()
	resize.Stop()

	cancelRoot()
	pool.Stop()
	slog.Info("executor pool drained")

	if pgBus != nil {
		pgBus.Stop()
		slog.Info("event bus stopped")
	}
	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
	}
	dbPool.Close()
	slog.Info("database pool closed")

	slog.Info("loond shutdown complete")
	os.Exit(exitCode)
}
