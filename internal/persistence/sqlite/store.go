// Package sqlite provides the SQLite-backed activity store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"example.com/signup/internal/domain"
	"example.com/signup/internal/events"
	"example.com/signup/internal/persistence/sqlite/migrations"
	"example.com/signup/internal/persistence/sqlitemigrate"
)

// Store persists activities and memberships in SQLite.
type Store struct {
	db          *sql.DB
	outboxTopic string
	outbox      bool
	now         func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithOutbox makes every membership change also write an outbox row for topic.
func WithOutbox(topic string) Option {
	return func(s *Store) {
		s.outbox = true
		s.outboxTopic = topic
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
//
// Transactions begin IMMEDIATE so a writer holds the database lock from its
// first read, which keeps the capacity check and the insert atomic.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlitemigrate.Apply(ctx, db, migrations.FS, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetActivity returns the named activity, or nil when it does not exist.
func (s *Store) GetActivity(ctx context.Context, name string) (*domain.Activity, error) {
	var a domain.Activity
	err := s.db.QueryRowContext(ctx,
		`SELECT name, description, schedule, max_participants FROM activities WHERE name = ?`, name,
	).Scan(&a.Name, &a.Description, &a.Schedule, &a.Capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActivities returns every activity with its members in join order.
func (s *Store) ListActivities(ctx context.Context) ([]domain.Roster, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT a.name, a.description, a.schedule, a.max_participants, p.email
        FROM activities a
        LEFT JOIN participants p ON p.activity_name = a.name
        ORDER BY a.rowid, p.rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rosters := make([]domain.Roster, 0)
	index := make(map[string]int)
	for rows.Next() {
		var (
			a     domain.Activity
			email sql.NullString
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
		if email.Valid {
			rosters[i].Participants = append(rosters[i].Participants, email.String)
		}
	}
	return rosters, rows.Err()
}

// CountMembers returns the number of members of the named activity.
func (s *Store) CountMembers(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE activity_name = ?`, name).Scan(&n)
	return n, err
}

// IsMember reports whether email belongs to the named activity.
func (s *Store) IsMember(ctx context.Context, name, email string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM participants WHERE activity_name = ? AND email = ?`, name, email,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddMember inserts the membership after re-checking capacity in the same transaction.
func (s *Store) AddMember(ctx context.Context, name, email string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add member: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var capacity int
	err = tx.QueryRowContext(ctx, `SELECT max_participants FROM activities WHERE name = ?`, name).Scan(&capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrActivityNotFound
	}
	if err != nil {
		return err
	}

	var count int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE activity_name = ?`, name).Scan(&count); err != nil {
		return err
	}
	if count >= capacity {
		return domain.ErrActivityFull
	}

	now := s.now().UTC()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO participants (activity_name, email, joined_at) VALUES (?, ?, ?)`,
		name, email, toMillis(now),
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateMember
		}
		return err
	}

	if err = s.insertOutbox(ctx, tx, events.TypeMemberAdded, name, email, now); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveMember deletes the membership, reporting ErrNotAMember when absent.
func (s *Store) RemoveMember(ctx context.Context, name, email string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove member: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE activity_name = ? AND email = ?`, name, email)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotAMember
	}

	if err = s.insertOutbox(ctx, tx, events.TypeMemberRemoved, name, email, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

// Seed loads dataset when the activities table is empty and reports whether it did.
func (s *Store) Seed(ctx context.Context, dataset domain.SeedDataset) (seeded bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin seed: %w", err)
	}
	defer func() {
		if err != nil || !seeded {
			_ = tx.Rollback()
		}
	}()

	var existing int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities`).Scan(&existing); err != nil {
		return false, err
	}
	if existing > 0 {
		return false, nil
	}

	now := s.now().UTC()
	for _, a := range dataset.Activities {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO activities (name, description, schedule, max_participants) VALUES (?, ?, ?, ?)`,
			a.Name, a.Description, a.Schedule, a.Capacity,
		); err != nil {
			return false, fmt.Errorf("insert activity %q: %w", a.Name, err)
		}
		for i, email := range a.Participants {
			joined := now.Add(time.Duration(i) * time.Millisecond)
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO participants (activity_name, email, joined_at) VALUES (?, ?, ?)`,
				a.Name, email, toMillis(joined),
			); err != nil {
				return false, fmt.Errorf("insert participant %q: %w", email, err)
			}
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO seed_history (version, activities, seeded_at) VALUES (?, ?, ?)`,
		dataset.Version, len(dataset.Activities), toMillis(now),
	); err != nil {
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// SeedVersion returns the most recently applied seed version, or 0 when unseeded.
func (s *Store) SeedVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM seed_history`).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

func (s *Store) insertOutbox(ctx context.Context, tx *sql.Tx, eventType, activity, email string, at time.Time) error {
	if !s.outbox {
		return nil
	}
	rec, err := events.NewMembershipRecord(eventType, s.outboxTopic, activity, email, at)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox (event_id, event_type, topic, partition_key, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.EventID, rec.EventType, rec.Topic, rec.PartitionKey, string(rec.Payload), toMillis(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ domain.Repository = (*Store)(nil)
