package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"example.com/signup/internal/events"
)

// PendingEvents returns up to limit outbox rows that are neither published nor parked.
func (r *Repository) PendingEvents(ctx context.Context, limit int) ([]events.Record, error) {
	if limit <= 0 {
		limit = 25
	}
	const query = `SELECT id, event_id::text, event_type, topic, partition_key, payload, attempts, created_at
        FROM outbox
        WHERE published_at IS NULL AND failed_at IS NULL
        ORDER BY id
        LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]events.Record, 0)
	for rows.Next() {
		var (
			rec     events.Record
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.EventType, &rec.Topic, &rec.PartitionKey, &payload, &rec.Attempts, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkPublished stamps the given outbox rows as delivered.
func (r *Repository) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkFailed records a delivery failure and parks the row once attempts reach maxAttempts.
func (r *Repository) MarkFailed(ctx context.Context, id int64, reason string, maxAttempts int) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}
	const stmt = `UPDATE outbox
        SET attempts = attempts + 1,
            last_error = $2,
            failed_at = CASE WHEN attempts + 1 >= $3 THEN NOW() ELSE NULL END
        WHERE id = $1
        RETURNING attempts`

	var attempts int
	if err := r.pool.QueryRow(ctx, stmt, id, reason, maxAttempts).Scan(&attempts); err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return attempts >= maxAttempts, nil
}

// AppendAudit stores a consumed membership event, ignoring re-deliveries.
func (r *Repository) AppendAudit(ctx context.Context, entry events.AuditEntry) (bool, error) {
	const stmt = `INSERT INTO membership_audit
        (event_id, event_type, activity_name, email, occurred_at, topic, kafka_partition, kafka_offset, received_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (event_id) DO NOTHING`

	tag, err := r.pool.Exec(ctx, stmt,
		entry.EventID, entry.EventType, entry.Activity, entry.Email, entry.OccurredAt,
		entry.Topic, entry.Partition, entry.Offset, entry.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("append audit: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AuditTrail returns the audit entries recorded for an activity, oldest first.
func (r *Repository) AuditTrail(ctx context.Context, activity string) ([]events.AuditEntry, error) {
	const query = `SELECT event_id::text, event_type, activity_name, email, occurred_at, topic, kafka_partition, kafka_offset, received_at
        FROM membership_audit
        WHERE activity_name=$1
        ORDER BY occurred_at, kafka_partition, kafka_offset`

	rows, err := r.pool.Query(ctx, query, activity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []events.AuditEntry
	for rows.Next() {
		var e events.AuditEntry
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Activity, &e.Email, &e.OccurredAt, &e.Topic, &e.Partition, &e.Offset, &e.ReceivedAt); err != nil {
			return nil, err
		}
		e.OccurredAt = e.OccurredAt.UTC()
		e.ReceivedAt = e.ReceivedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
