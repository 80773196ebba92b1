// Package main provides the entry point for the ThreatCalc server, an
// evidence normalization and scoring engine for threat actor targeting
// intelligence.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/threatcalc/threatcalc/internal/api"
	"github.com/threatcalc/threatcalc/internal/cache"
	"github.com/threatcalc/threatcalc/internal/confidence"
	"github.com/threatcalc/threatcalc/internal/config"
	"github.com/threatcalc/threatcalc/internal/evidence"
	"github.com/threatcalc/threatcalc/internal/ingest"
	"github.com/threatcalc/threatcalc/internal/logging"
	"github.com/threatcalc/threatcalc/internal/metrics"
	"github.com/threatcalc/threatcalc/internal/registry"
	"github.com/threatcalc/threatcalc/internal/resolver"
	"github.com/threatcalc/threatcalc/internal/scoring"
	"github.com/threatcalc/threatcalc/internal/storage"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ThreatCalc %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting ThreatCalc",
		zap.String("version", Version),
		zap.String("config", *configPath),
	)

	reg := registry.New(logger)
	if cfg.SeedPath != "" {
		if err := reg.LoadSeed(cfg.SeedPath); err != nil {
			logger.Fatal("Seed load failed", zap.String("path", cfg.SeedPath), zap.Error(err))
		}
	}

	// Sources declared in config are registered alongside the seed so
	// reliability weights stay a configuration concern.
	for _, src := range cfg.Sources {
		if _, ok := reg.SourceByName(src.Name); ok {
			continue
		}
		if _, err := reg.AddSource(registry.Source{
			Name:              src.Name,
			Category:          registry.SourceCategory(src.Category),
			ReliabilityWeight: src.ReliabilityWeight,
		}); err != nil {
			logger.Fatal("Source registration failed", zap.String("source", src.Name), zap.Error(err))
		}
	}

	matcher, err := resolver.NewMatcher(cfg.Resolver.Algorithm)
	if err != nil {
		logger.Fatal("Matcher init failed", zap.Error(err))
	}
	res := resolver.New(reg, matcher, cfg.Resolver.DistanceThreshold, logger)

	var (
		backend evidence.Backend
		scores  scoring.ScoreStore
		pg      *storage.Store
	)
	if cfg.Database.Enabled {
		pg, err = storage.Open(cfg.Database.DSN, logger)
		if err != nil {
			logger.Fatal("Database connection failed", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.Migrate(context.Background()); err != nil {
			logger.Fatal("Database migration failed", zap.Error(err))
		}
		backend = pg
		scores = pg
		logger.Info("Using Postgres storage")
	} else {
		backend = evidence.NewMemoryBackend()
		scores = scoring.NewMemoryScoreStore()
		logger.Info("Using in-memory storage")
	}

	ledger := evidence.NewLedger(backend, logger)

	classifier := confidence.NewClassifier(confidence.Thresholds{
		HighMinEvidence:    cfg.Confidence.HighMinEvidence,
		HighMinSources:     cfg.Confidence.HighMinSources,
		HighRecencyDays:    cfg.Confidence.HighRecencyDays,
		HighMinReliability: cfg.Confidence.HighMinReliability,
		MediumMinEvidence:  cfg.Confidence.MediumMinEvidence,
		MediumMaxEvidence:  cfg.Confidence.MediumMaxEvidence,
		MediumRecencyDays:  cfg.Confidence.MediumRecencyDays,
	})

	engine := scoring.NewEngine(ledger, reg, scores, scoring.Params{
		RecencyBase:        cfg.Scoring.RecencyBase,
		RecencyCap:         cfg.Scoring.RecencyCap,
		RecencyDivisorDays: cfg.Scoring.RecencyDivisorDays,
		RecencyFactor:      cfg.Scoring.RecencyFactor,
		IndustryMatchBonus: cfg.Scoring.IndustryMatchBonus,
	}, classifier, logger)

	m := metrics.New()

	var responseCache *cache.Cache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		})
		responseCache = cache.New(client, cfg.Redis.CacheTTL, logger)
		logger.Info("Response cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	pipeline := ingest.NewPipeline(res, reg, ledger, m, logger, cfg.Resolver.AutoCreateActors)

	server := api.NewServer(engine, ledger, reg, res, pipeline, responseCache, m, logger, Version)
	if responseCache != nil {
		server.AddReadinessCheck("redis", responseCache.Ping)
	}
	if pg != nil {
		server.AddReadinessCheck("postgres", pg.Ping)
	}

	scheduler := cron.New()
	if cfg.Schedule.RecomputeSpec != "" {
		if _, err := scheduler.AddFunc(cfg.Schedule.RecomputeSpec, func() {
			start := time.Now()
			if err := engine.Recompute(context.Background(), scoring.ScopeFull); err != nil {
				m.RecomputeRuns.WithLabelValues(string(scoring.ScopeFull), "failed").Inc()
				logger.Error("Scheduled recompute failed", zap.Error(err))
				return
			}
			m.RecomputeRuns.WithLabelValues(string(scoring.ScopeFull), "ok").Inc()
			m.RecomputeDuration.WithLabelValues(string(scoring.ScopeFull)).Observe(time.Since(start).Seconds())
			responseCache.Invalidate(context.Background(), "threatcalc:rank:")
		}); err != nil {
			logger.Fatal("Invalid recompute schedule", zap.String("spec", cfg.Schedule.RecomputeSpec), zap.Error(err))
		}
		scheduler.Start()
		defer scheduler.Stop()
		logger.Info("Recompute scheduled", zap.String("spec", cfg.Schedule.RecomputeSpec))
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	logger.Info("Server stopped")
}
