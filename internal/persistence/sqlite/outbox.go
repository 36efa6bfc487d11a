package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"example.com/signup/internal/events"
)

// PendingEvents returns up to limit outbox rows that are neither published nor parked.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]events.Record, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, event_id, event_type, topic, partition_key, payload, attempts, created_at
        FROM outbox
        WHERE published_at IS NULL AND failed_at IS NULL
        ORDER BY id
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]events.Record, 0)
	for rows.Next() {
		var (
			rec     events.Record
			payload string
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.EventType, &rec.Topic, &rec.PartitionKey, &payload, &rec.Attempts, &created); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		rec.CreatedAt = fromMillis(created)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkPublished stamps the given outbox rows as delivered.
func (s *Store) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, toMillis(s.now()))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET published_at = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkFailed records a delivery failure. Once attempts reach maxAttempts the row
// is parked and no longer returned by PendingEvents. It reports whether the row
// was parked.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string, maxAttempts int) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}
	var attempts int
	err := s.db.QueryRowContext(ctx, `UPDATE outbox
        SET attempts = attempts + 1,
            last_error = ?,
            failed_at = CASE WHEN attempts + 1 >= ? THEN ? ELSE NULL END
        WHERE id = ?
        RETURNING attempts`,
		reason, maxAttempts, toMillis(s.now()), id,
	).Scan(&attempts)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return attempts >= maxAttempts, nil
}

// AppendAudit stores a consumed membership event. Re-delivered events are
// ignored; the result reports whether a row was written.
func (s *Store) AppendAudit(ctx context.Context, entry events.AuditEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO membership_audit
        (event_id, event_type, activity_name, email, occurred_at, topic, kafka_partition, kafka_offset, received_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (event_id) DO NOTHING`,
		entry.EventID, entry.EventType, entry.Activity, entry.Email, toMillis(entry.OccurredAt),
		entry.Topic, entry.Partition, entry.Offset, toMillis(entry.ReceivedAt),
	)
	if err != nil {
		return false, fmt.Errorf("append audit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AuditTrail returns the audit entries recorded for an activity, oldest first.
func (s *Store) AuditTrail(ctx context.Context, activity string) ([]events.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, event_type, activity_name, email, occurred_at, topic, kafka_partition, kafka_offset, received_at
        FROM membership_audit
        WHERE activity_name = ?
        ORDER BY occurred_at, kafka_partition, kafka_offset`, activity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []events.AuditEntry
	for rows.Next() {
		var (
			e                  events.AuditEntry
			occurred, received int64
		)
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Activity, &e.Email, &occurred, &e.Topic, &e.Partition, &e.Offset, &received); err != nil {
			return nil, err
		}
		e.OccurredAt = fromMillis(occurred)
		e.ReceivedAt = fromMillis(received)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
