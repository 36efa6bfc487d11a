// Package postgres provides Postgres-backed persistence for activities, memberships and outbox events.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/signup/internal/domain"
	"example.com/signup/internal/events"
	"example.com/signup/internal/persistence/postgres/migrations"
)

const uniqueViolation = "23505"

// Repository provides Postgres-backed persistence for the activity store.
type Repository struct {
	pool        *pgxpool.Pool
	outbox      bool
	outboxTopic string
}

// Option customises a Repository.
type Option func(*Repository)

// WithOutbox makes every membership change also write an outbox row for topic.
func WithOutbox(topic string) Option {
	return func(r *Repository) {
		r.outbox = true
		r.outboxTopic = topic
	}
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{pool: pool}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Migrate applies the embedded schema files in order. The DDL is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        name TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, name := range names {
		contents, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// GetActivity returns the named activity, or nil when it does not exist.
func (r *Repository) GetActivity(ctx context.Context, name string) (*domain.Activity, error) {
	const query = `SELECT name, description, schedule, max_participants FROM activities WHERE name=$1`

	var a domain.Activity
	if err := r.pool.QueryRow(ctx, query, name).Scan(&a.Name, &a.Description, &a.Schedule, &a.Capacity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// ListActivities returns every activity with its members in join order.
func (r *Repository) ListActivities(ctx context.Context) ([]domain.Roster, error) {
	const query = `SELECT a.name, a.description, a.schedule, a.max_participants, p.email
        FROM activities a
        LEFT JOIN participants p ON p.activity_name = a.name
        ORDER BY a.position, p.joined_seq`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rosters := make([]domain.Roster, 0)
	index := make(map[string]int)
	for rows.Next() {
		var (
			a     domain.Activity
			email *string
		)
		if err := rows.Scan(&a.Name, &a.Description, &a.Schedule, &a.Capacity, &email); err != nil {
			return nil, err
		}
		i, ok := index[a.Name]
		if !ok {
			i = len(rosters)
			index[a.Name] = i
			rosters = append(rosters, domain.Roster{Activity: a, Participants: []string{}})
		}
		if email != nil {
			rosters[i].Participants = append(rosters[i].Participants, *email)
		}
	}
	return rosters, rows.Err()
}

// CountMembers returns the number of members of the named activity.
func (r *Repository) CountMembers(ctx context.Context, name string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM participants WHERE activity_name=$1`, name).Scan(&n)
	return n, err
}

// IsMember reports whether email belongs to the named activity.
func (r *Repository) IsMember(ctx context.Context, name, email string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM participants WHERE activity_name=$1 AND email=$2)`, name, email,
	).Scan(&exists)
	return exists, err
}

// AddMember locks the activity row, re-checks capacity and inserts the membership.
func (r *Repository) AddMember(ctx context.Context, name, email string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	var capacity int
	err = tx.QueryRow(ctx, `SELECT max_participants FROM activities WHERE name=$1 FOR UPDATE`, name).Scan(&capacity)
	if errors.Is(err, pgx.ErrNoRows) {
		err = domain.ErrActivityNotFound
		return err
	}
	if err != nil {
		return err
	}

	var count int
	if err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM participants WHERE activity_name=$1`, name).Scan(&count); err != nil {
		return err
	}
	if count >= capacity {
		err = domain.ErrActivityFull
		return err
	}

	if _, err = tx.Exec(ctx, `INSERT INTO participants (activity_name, email) VALUES ($1,$2)`, name, email); err != nil {
		if isUniqueViolation(err) {
			err = domain.ErrDuplicateMember
		}
		return err
	}

	if err = r.insertOutbox(ctx, tx, events.TypeMemberAdded, name, email); err != nil {
		return err
	}

	err = tx.Commit(ctx)
	return err
}

// RemoveMember deletes the membership, reporting ErrNotAMember when absent.
func (r *Repository) RemoveMember(ctx context.Context, name, email string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `DELETE FROM participants WHERE activity_name=$1 AND email=$2`, name, email)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = domain.ErrNotAMember
		return err
	}

	if err = r.insertOutbox(ctx, tx, events.TypeMemberRemoved, name, email); err != nil {
		return err
	}

	err = tx.Commit(ctx)
	return err
}

// Seed loads dataset when the activities table is empty and reports whether it did.
func (r *Repository) Seed(ctx context.Context, dataset domain.SeedDataset) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	// concurrent starters must not both observe an empty table
	if _, err := tx.Exec(ctx, `LOCK TABLE activities IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return false, err
	}

	var existing int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM activities`).Scan(&existing); err != nil {
		return false, err
	}
	if existing > 0 {
		return false, nil
	}

	batch := &pgx.Batch{}
	for _, a := range dataset.Activities {
		batch.Queue(`INSERT INTO activities (name, description, schedule, max_participants) VALUES ($1,$2,$3,$4) ON CONFLICT (name) DO NOTHING`,
			a.Name, a.Description, a.Schedule, a.Capacity)
		for _, email := range a.Participants {
			batch.Queue(`INSERT INTO participants (activity_name, email) VALUES ($1,$2) ON CONFLICT DO NOTHING`, a.Name, email)
		}
	}
	batch.Queue(`INSERT INTO seed_history (version, activities) VALUES ($1,$2)
        ON CONFLICT (version) DO UPDATE SET activities = EXCLUDED.activities, seeded_at = NOW()`,
		dataset.Version, len(dataset.Activities))

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return false, fmt.Errorf("seed batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// SeedVersion returns the most recently applied seed version, or 0 when unseeded.
func (r *Repository) SeedVersion(ctx context.Context) (int, error) {
	var v *int
	if err := r.pool.QueryRow(ctx, `SELECT MAX(version) FROM seed_history`).Scan(&v); err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, eventType, activity, email string) error {
	if !r.outbox {
		return nil
	}
	rec, err := events.NewMembershipRecord(eventType, r.outboxTopic, activity, email, time.Now())
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (event_id, event_type, topic, partition_key, payload, created_at)
        VALUES ($1,$2,$3,$4,$5,$6)`

	_, err = tx.Exec(ctx, stmt, rec.EventID, rec.EventType, rec.Topic, rec.PartitionKey, []byte(rec.Payload), rec.CreatedAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ domain.Repository = (*Repository)(nil)
