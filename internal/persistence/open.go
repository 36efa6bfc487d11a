// Package persistence selects and opens the configured activity store backend.
package persistence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"example.com/signup/internal/config"
	"example.com/signup/internal/domain"
	"example.com/signup/internal/events"
	"example.com/signup/internal/persistence/postgres"
	"example.com/signup/internal/persistence/sqlite"
)

// Store is the full surface shared by both backends: the domain repository,
// the outbox source drained by the dispatcher, and the audit log fed by the consumer.
type Store interface {
	domain.Repository
	PendingEvents(ctx context.Context, limit int) ([]events.Record, error)
	MarkPublished(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, reason string, maxAttempts int) (bool, error)
	AppendAudit(ctx context.Context, entry events.AuditEntry) (bool, error)
	AuditTrail(ctx context.Context, activity string) ([]events.AuditEntry, error)
	SeedVersion(ctx context.Context) (int, error)
	Close() error
}

// Open connects to the backend named by cfg.StoreDriver and brings its schema up to date.
// Outbox rows are written only when Kafka publishing is configured.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		var opts []sqlite.Option
		if cfg.EventsEnabled() {
			opts = append(opts, sqlite.WithOutbox(cfg.EventsTopic))
		}
		store, err := sqlite.Open(ctx, cfg.SQLitePath, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("opened sqlite store", zap.String("path", cfg.SQLitePath), zap.Bool("outbox", cfg.EventsEnabled()))
		return store, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("create pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		var opts []postgres.Option
		if cfg.EventsEnabled() {
			opts = append(opts, postgres.WithOutbox(cfg.EventsTopic))
		}
		logger.Info("opened postgres store", zap.Bool("outbox", cfg.EventsEnabled()))
		return &pgStore{Repository: postgres.NewRepository(pool, opts...), pool: pool}, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

type pgStore struct {
	*postgres.Repository
	pool *pgxpool.Pool
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}
