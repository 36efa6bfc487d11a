package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/signup/internal/events"
	"example.com/signup/internal/persistence/sqlite"
)

func membershipMessage(t *testing.T, eventType string, payload events.MembershipChanged, offset int64) Message {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return Message{
		Topic:     events.DefaultTopic,
		Partition: 1,
		Offset:    offset,
		Timestamp: payload.OccurredAt,
		EventType: eventType,
		EventID:   payload.EventID,
		Payload:   body,
	}
}

func TestAuditHandlerAppendsOnce(t *testing.T) {
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	handler := NewAuditHandler(store, zap.NewNop())
	at := time.Date(2024, 9, 2, 15, 30, 0, 0, time.UTC)
	msg := membershipMessage(t, events.TypeMemberAdded, events.MembershipChanged{
		EventID:    "0b8f5a3e-2f6c-4d8e-9b1a-111111111111",
		Activity:   "Chess Club",
		Email:      "michael@mergington.edu",
		OccurredAt: at,
	}, 7)

	require.NoError(t, handler.Handle(context.Background(), msg))
	// redelivery after a rebalance
	require.NoError(t, handler.Handle(context.Background(), msg))

	trail, err := store.AuditTrail(context.Background(), "Chess Club")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.Equal(t, "michael@mergington.edu", trail[0].Email)
	require.Equal(t, events.TypeMemberAdded, trail[0].EventType)
	require.Equal(t, at, trail[0].OccurredAt)
	require.Equal(t, int64(7), trail[0].Offset)
}

func TestAuditHandlerSkipsUnusableEvents(t *testing.T) {
	sink := &recordingSink{}
	handler := NewAuditHandler(sink, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, handler.Handle(ctx, Message{EventType: "activity.created", Payload: []byte(`{}`)}))
	require.NoError(t, handler.Handle(ctx, Message{EventType: events.TypeMemberAdded, Payload: []byte(`[1,2]`)}))
	require.NoError(t, handler.Handle(ctx, Message{EventType: events.TypeMemberRemoved, Payload: []byte(`{"activity":"Chess Club"}`)}))
	require.Empty(t, sink.entries)

	// header id is used when the payload lacks one
	require.NoError(t, handler.Handle(ctx, Message{EventType: events.TypeMemberRemoved, EventID: "evt-9", Payload: []byte(`{"activity":"Chess Club"}`)}))
	require.Len(t, sink.entries, 1)
	require.Equal(t, "evt-9", sink.entries[0].EventID)
}

func TestAuditHandlerPropagatesSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	handler := NewAuditHandler(sink, zap.NewNop())

	msg := membershipMessage(t, events.TypeMemberAdded, events.MembershipChanged{EventID: "evt-1", Activity: "Chess Club"}, 1)
	err := handler.Handle(context.Background(), msg)
	require.ErrorIs(t, err, sink.err)
}

type recordingSink struct {
	entries []events.AuditEntry
	err     error
}

func (s *recordingSink) AppendAudit(_ context.Context, entry events.AuditEntry) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.entries = append(s.entries, entry)
	return true, nil
}
