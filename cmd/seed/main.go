package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"example.com/signup/internal/config"
	"example.com/signup/internal/domain"
	"example.com/signup/internal/logging"
	"example.com/signup/internal/persistence"
)

// seed applies the schema and loads the built-in activities into an empty store.
// A populated store is left untouched.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := persistence.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open activity store", zap.Error(err))
	}
	defer store.Close()

	dataset := domain.DefaultSeed()
	seeded, err := domain.NewService(store, logger).Seed(ctx, dataset)
	if err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}

	version, err := store.SeedVersion(ctx)
	if err != nil {
		logger.Fatal("failed to read seed version", zap.Error(err))
	}
	logger.Info("seed complete",
		zap.Bool("seeded", seeded),
		zap.Int("dataset_version", dataset.Version),
		zap.Int("store_version", version),
	)
}
