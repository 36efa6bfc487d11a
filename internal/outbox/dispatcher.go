// Package outbox delivers membership events recorded by the store to Kafka.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"example.com/signup/internal/events"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// Source is the outbox table as seen by the dispatcher.
type Source interface {
	PendingEvents(ctx context.Context, limit int) ([]events.Record, error)
	MarkPublished(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, reason string, maxAttempts int) (bool, error)
}

// Dispatcher drains the outbox table and delivers events to Kafka.
type Dispatcher struct {
	source           Source
	producer         messageWriter
	log              *zap.Logger
	pollInterval     time.Duration
	batchSize        int
	maxAttempts      int
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(source Source, producer messageWriter, logger *zap.Logger, pollInterval time.Duration, batchSize, maxAttempts int) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		source:           source,
		producer:         producer,
		log:              logger,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		maxAttempts:      maxAttempts,
		shutdownComplete: make(chan struct{}),
	}
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if _, err := d.ProcessBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("outbox dispatcher error", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

// ProcessBatch delivers one batch of pending events and returns how many were published.
//
// Events are written per topic. A failed topic write counts one attempt against
// each of its events; the other topics in the batch are still marked published.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (int, error) {
	start := time.Now()

	records, err := d.source.PendingEvents(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	byTopic := make(map[string][]events.Record)
	var topics []string
	for _, rec := range records {
		if _, ok := byTopic[rec.Topic]; !ok {
			topics = append(topics, rec.Topic)
		}
		byTopic[rec.Topic] = append(byTopic[rec.Topic], rec)
	}

	published := make([]int64, 0, len(records))
	for _, topic := range topics {
		batch := byTopic[topic]
		if err := d.producer.WriteMessages(ctx, topic, toMessages(batch)...); err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			d.log.Warn("outbox delivery failed", zap.String("topic", topic), zap.Int("events", len(batch)), zap.Error(err))
			failedCounter.Add(float64(len(batch)))
			if markErr := d.markFailed(ctx, batch, err.Error()); markErr != nil {
				return 0, markErr
			}
			continue
		}
		for _, rec := range batch {
			published = append(published, rec.ID)
		}
	}

	if len(published) == 0 {
		return 0, nil
	}
	if err := d.source.MarkPublished(ctx, published); err != nil {
		return 0, err
	}
	deliveredCounter.Add(float64(len(published)))
	return len(published), nil
}

func (d *Dispatcher) markFailed(ctx context.Context, batch []events.Record, reason string) error {
	for _, rec := range batch {
		parked, err := d.source.MarkFailed(ctx, rec.ID, reason, d.maxAttempts)
		if err != nil {
			return err
		}
		if parked {
			parkedCounter.WithLabelValues(rec.Topic).Inc()
			d.log.Error("outbox event parked after repeated failures",
				zap.String("event_id", rec.EventID),
				zap.String("event_type", rec.EventType),
				zap.Int("attempts", rec.Attempts+1),
			)
		}
	}
	return nil
}

func toMessages(records []events.Record) []kafka.Message {
	now := time.Now().UTC()
	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		msgs = append(msgs, kafka.Message{
			Key:   []byte(rec.PartitionKey),
			Value: []byte(rec.Payload),
			Time:  now,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(rec.EventType)},
				{Key: "event_id", Value: []byte(rec.EventID)},
			},
		})
	}
	return msgs
}
