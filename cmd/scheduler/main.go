package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/retention/internal/config"
	"example.com/retention/internal/domain"
	persistence "example.com/retention/internal/persistence/postgres"
)

// The scheduler kicks off the daily pass for every configured tenant. Runs are
// idempotent and resumable, so firing more often than once a day is harmless:
// a completed tenant short-circuits, an interrupted one picks up its cursor.
const schedulerInterval = time.Hour

func main() {
	cfg := config.Load()

	if len(cfg.RunTenants) == 0 {
		log.Fatal("RUN_TENANTS must list at least one tenant")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool)

	riskCfg := domain.DefaultRiskConfig()
	riskCfg.NoVisitThresholdDays = cfg.NoVisitThresholdDays
	riskCfg.OverdueTouchDays = cfg.OverdueTouchDays
	riskCfg.AtRiskCutoff = cfg.AtRiskCutoff

	tracker := domain.NewCoachTracker(repo, cfg.OverdueTouchDays)
	coordinator := domain.NewCoordinator(repo, repo, repo, tracker, domain.CoordinatorConfig{
		Risk:         riskCfg,
		ChunkSize:    cfg.RunChunkSize,
		ScoreWorkers: cfg.RunScoreWorkers,
	})

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("scheduler metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()

	log.Printf("scheduler started (tenants=%d, interval=%s, budget=%s)", len(cfg.RunTenants), schedulerInterval, cfg.RunTimeBudget)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	runAll(ctx, coordinator, cfg)

	for {
		select {
		case <-ctx.Done():
			goto shutdown
		case <-ticker.C:
			runAll(ctx, coordinator, cfg)
		case <-stop:
			log.Println("scheduler received shutdown signal")
			cancel()
			goto shutdown
		}
	}

shutdown:
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
}

func runAll(ctx context.Context, coordinator *domain.Coordinator, cfg config.Config) {
	for _, tenantID := range cfg.RunTenants {
		if ctx.Err() != nil {
			return
		}

		runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeBudget)
		summary, err := coordinator.RunDaily(runCtx, tenantID, time.Now().UTC())
		cancel()

		if err != nil {
			log.Printf("daily run failed (tenant=%s): %v", tenantID, err)
			continue
		}
		if summary.AlreadyComplete {
			continue
		}
		log.Printf("daily run tenant=%s processed=%d created=%d assigned=%d errors=%d completed=%t",
			tenantID, summary.MembersProcessed, summary.InterventionsCreated, summary.CoachesAssigned, summary.Errors, summary.Completed)
	}
}
