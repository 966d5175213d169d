package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/franckalain/plantdex/internal/catalog"
	"github.com/franckalain/plantdex/internal/config"
	"github.com/franckalain/plantdex/internal/database"
	"github.com/franckalain/plantdex/internal/enrich"
	"github.com/franckalain/plantdex/internal/history"
	"github.com/franckalain/plantdex/internal/logging"
	"github.com/franckalain/plantdex/internal/metrics"
	"github.com/franckalain/plantdex/internal/ml"
	"github.com/franckalain/plantdex/internal/resilience"
	"github.com/franckalain/plantdex/internal/server"
	"github.com/franckalain/plantdex/internal/validator"
)

const serviceName = "plantdex"

func main() {
	defaultPath, explicit := config.GetConfigPath()
	configPath := flag.String("config", defaultPath, "path to configuration file")
	flag.Parse()
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})

	// Load configuration
	cfg, err := config.LoadConfig(*configPath, explicit)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.NewJSONLogger(serviceName, cfg.Log.Level)
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	store, err := database.NewSQLiteStore(cfg.Database.Path, cfg.Database.QuotaBytes)
	if err != nil {
		return err
	}
	defer store.Close()

	// Initialize ML service
	model, err := ml.NewModel(cfg.ML)
	if err != nil {
		return err
	}
	if err := model.Load(ctx); err != nil {
		return err
	}
	defer model.Close()

	m := metrics.New(serviceName)
	executor := resilience.NewExecutor(cfg.Resilience, logger)
	ledger := history.New(store, cfg.Enrichment.HistorySize, history.WithLogger(logger))

	valCfg := validator.DefaultConfig()
	valCfg.MinConfidence = cfg.Enrichment.MinConfidence
	valCfg.MaxVideos = cfg.Enrichment.MaxVideos

	orch, err := enrich.New(enrich.Deps{
		Store:         store,
		Nutrition:     catalog.WithFallback(catalog.Default(), model),
		Videos:        model,
		History:       ledger,
		Validator:     validator.New(valCfg),
		Executor:      executor,
		Observer:      m,
		CacheObserver: m,
		Logger:        logger,
	}, enrich.Config{
		NutritionTTL:  cfg.Enrichment.NutritionTTL,
		VideoTTL:      cfg.Enrichment.VideoTTL,
		ThumbnailTTL:  cfg.Enrichment.ThumbnailTTL,
		SourceTimeout: cfg.Enrichment.SourceTimeout,
	})
	if err != nil {
		return err
	}

	// Initialize and start server
	srv, err := server.New(server.Deps{
		Identifier: model,
		Enricher:   orch,
		History:    ledger,
		Executor:   executor,
		Metrics:    m,
		Logger:     logger,
	}, server.Options{
		Port:            cfg.Server.Port,
		StaticDir:       cfg.Server.StaticDir,
		UploadTTL:       cfg.Server.UploadTTL,
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		MaxUploads:      cfg.Server.MaxUploads,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}
