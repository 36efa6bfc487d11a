package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/signup/internal/events"
)

// AuditSink stores audit entries. AppendAudit reports false for an event id it already holds.
type AuditSink interface {
	AppendAudit(ctx context.Context, entry events.AuditEntry) (bool, error)
}

// AuditHandler appends every membership event to the store's audit log.
type AuditHandler struct {
	sink AuditSink
	log  *zap.Logger
	now  func() time.Time
}

// NewAuditHandler constructs an AuditHandler.
func NewAuditHandler(sink AuditSink, logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{sink: sink, log: logger, now: time.Now}
}

// Handle implements Handler. Unknown event types and payloads without an event id
// are skipped rather than retried.
func (h *AuditHandler) Handle(ctx context.Context, msg Message) error {
	switch msg.EventType {
	case events.TypeMemberAdded, events.TypeMemberRemoved:
	default:
		h.log.Debug("ignoring event", zap.String("event_type", msg.EventType))
		return nil
	}

	var payload events.MembershipChanged
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.log.Warn("skipping undecodable membership event", zap.Int64("offset", msg.Offset), zap.Error(err))
		recordDecodeError(msg.Topic)
		return nil
	}
	eventID := payload.EventID
	if eventID == "" {
		eventID = msg.EventID
	}
	if eventID == "" {
		h.log.Warn("skipping membership event without id", zap.Int64("offset", msg.Offset))
		recordDecodeError(msg.Topic)
		return nil
	}

	occurred := payload.OccurredAt
	if occurred.IsZero() {
		occurred = msg.Timestamp
	}
	inserted, err := h.sink.AppendAudit(ctx, events.AuditEntry{
		EventID:    eventID,
		EventType:  msg.EventType,
		Activity:   payload.Activity,
		Email:      payload.Email,
		OccurredAt: occurred.UTC(),
		Topic:      msg.Topic,
		Partition:  msg.Partition,
		Offset:     msg.Offset,
		ReceivedAt: h.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("append audit %s: %w", eventID, err)
	}
	if !inserted {
		recordDuplicate(msg.Topic)
		h.log.Debug("duplicate membership event", zap.String("event_id", eventID))
	}
	return nil
}
