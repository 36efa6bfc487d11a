package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewMembershipRecord builds the outbox row for a membership change on topic.
func NewMembershipRecord(eventType, topic, activity, email string, at time.Time) (Record, error) {
	if eventType != TypeMemberAdded && eventType != TypeMemberRemoved {
		return Record{}, fmt.Errorf("unknown event type: %s", eventType)
	}
	if strings.TrimSpace(topic) == "" {
		topic = DefaultTopic
	}

	payload := MembershipChanged{
		EventID:    uuid.NewString(),
		Activity:   activity,
		Email:      email,
		OccurredAt: at.UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Record{}, err
	}

	return Record{
		EventID:      payload.EventID,
		EventType:    eventType,
		Topic:        topic,
		PartitionKey: activity,
		Payload:      body,
		CreatedAt:    payload.OccurredAt,
	}, nil
}
