// Package events defines membership event payloads shared by the outbox and its consumers.
package events

import (
	"encoding/json"
	"time"
)

// Event types written to the outbox.
const (
	TypeMemberAdded   = "membership.added"
	TypeMemberRemoved = "membership.removed"
)

// DefaultTopic is the Kafka topic membership events are published to.
const DefaultTopic = "activity_memberships"

// MembershipChanged is emitted whenever an email joins or leaves an activity.
type MembershipChanged struct {
	EventID    string    `json:"event_id"`
	Activity   string    `json:"activity"`
	Email      string    `json:"email"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Record is one outbox row.
type Record struct {
	ID           int64
	EventID      string
	EventType    string
	Topic        string
	PartitionKey string
	Payload      json.RawMessage
	Attempts     int
	CreatedAt    time.Time
}

// AuditEntry is a consumed membership event as stored in the audit log.
type AuditEntry struct {
	EventID    string
	EventType  string
	Activity   string
	Email      string
	OccurredAt time.Time
	Topic      string
	Partition  int
	Offset     int64
	ReceivedAt time.Time
}
