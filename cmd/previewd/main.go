package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solhaug/previewd/internal/app/migrate"
	"github.com/solhaug/previewd/internal/azdo"
	"github.com/solhaug/previewd/internal/docker"
	"github.com/solhaug/previewd/internal/dokploy"
	httpx "github.com/solhaug/previewd/internal/http"
	"github.com/solhaug/previewd/internal/repository"
	"github.com/solhaug/previewd/internal/repository/postgres"
	"github.com/solhaug/previewd/internal/service/activity"
	"github.com/solhaug/previewd/internal/service/auth"
	"github.com/solhaug/previewd/internal/service/hooks"
	"github.com/solhaug/previewd/internal/service/logstream"
	"github.com/solhaug/previewd/internal/service/preview"
	"github.com/solhaug/previewd/internal/slack"
	"github.com/solhaug/previewd/internal/ws"
	"github.com/solhaug/previewd/pkg/config"
	"github.com/solhaug/previewd/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("previewd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	platform, err := dokploy.New(cfg.DokployURL)
	if err != nil {
		log.Error("deployment platform client setup failed", "error", err)
		os.Exit(1)
	}

	host := azdo.New(cfg.AzureOrg, cfg.AzureProject, cfg.AzurePAT)

	var notifier hooks.Notifier
	if cfg.SlackWebhookURL != "" {
		slackClient, err := slack.New(cfg.SlackWebhookURL)
		if err != nil {
			log.Error("slack client setup failed", "error", err)
			os.Exit(1)
		}
		notifier = slackClient
	} else {
		log.Warn("no slack webhook configured, regression alerts disabled")
	}

	runtime := connectRuntime(ctx, cfg.DockerHost, log)
	if runtime != nil {
		defer runtime.Close()
	}

	repo, pool := connectJournal(ctx, cfg, log)
	if pool != nil {
		defer pool.Close()
	}

	hub := ws.NewHub()
	journal := activity.New(repo, hub, log, cfg.ActivityRetention, cfg.ActivitySweep)
	go journal.Run(ctx)

	cache := auth.NewCache(cfg.AuthTTL, cfg.AuthNegativeTTL, cfg.AuthMaxEntries)
	authSvc := auth.New(cache, platform, log)

	var lister preview.ContainerLister
	if runtime != nil {
		lister = runtime
	}
	previewSvc := preview.New(platform, lister, journal, log, preview.Config{
		ProjectID:         cfg.ProjectID,
		EnvironmentID:     cfg.EnvironmentID,
		BaseDomain:        cfg.BaseDomain,
		AppNamePrefix:     cfg.AppNamePrefix,
		Limit:             cfg.PreviewLimit,
		ComposePath:       cfg.ComposePath,
		GitURL:            cfg.GitURL,
		GitSSHKeyID:       cfg.GitSSHKeyID,
		FrontendService:   cfg.FrontendService,
		FrontendPort:      cfg.FrontendPort,
		BackendService:    cfg.BackendService,
		BackendPort:       cfg.BackendPort,
		ProjectEnvKeys:    cfg.ProjectEnvKeys,
		AzureOrg:          cfg.AzureOrg,
		AzureProject:      cfg.AzureProject,
		AzureRepositoryID: cfg.AzureRepositoryID,
	})

	hookSvc := hooks.New(previewSvc, host, notifier, journal, log, hooks.Config{
		RepositoryID:       cfg.AzureRepositoryID,
		BaseDomain:         cfg.BaseDomain,
		StatusPageURL:      cfg.StatusPageURL,
		TrunkBranch:        cfg.TrunkBranch,
		E2EStageName:       cfg.E2EStageName,
		RegressionLookback: cfg.RegressionLookback,
	})

	var streamRuntime logstream.Runtime
	if runtime != nil {
		streamRuntime = runtime
	}
	streamSvc := logstream.New(previewSvc, platform, streamRuntime, log)

	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to in-memory", "error", err)
		} else {
			limiter = redisLimiter
		}
	}
	if limiter == nil {
		limiter = httpx.NewMemoryRateLimiter()
	}

	var containers httpx.ContainerLister
	if runtime != nil {
		containers = runtime
	}
	router := httpx.NewRouter(log, authSvc, previewSvc, hookSvc, streamSvc, journal, containers, limiter)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("previewd server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("previewd server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// connectRuntime probes the container runtime socket. The service degrades
// to platform-only data when the daemon is not reachable, so a failure
// here only warns.
func connectRuntime(ctx context.Context, dockerHost string, log *slog.Logger) *docker.Client {
	client, err := docker.New(dockerHost)
	if err != nil {
		log.Warn("container runtime client setup failed, continuing without it", "error", err)
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		log.Warn("container runtime unreachable, continuing without it", "error", err)
		_ = client.Close()
		return nil
	}
	log.Info("container runtime connected")
	return client
}

// connectJournal opens the activity journal database when one is
// configured. The journal is optional: without a DSN the service runs in
// broadcast-only mode.
func connectJournal(ctx context.Context, cfg config.Config, log *slog.Logger) (repository.ActivityRepository, *pgxpool.Pool) {
	if cfg.DatabaseURL == "" {
		log.Info("no database configured, activity journal runs broadcast-only")
		return nil, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("migration runner setup failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	return postgres.New(pool), pool
}
