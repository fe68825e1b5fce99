package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/upload-relay/internal/events"
	"github.com/JakeFAU/upload-relay/internal/relay"
)

// PublisherSink publishes every event to a topic so downstream systems can
// follow job progress without polling.
type PublisherSink struct {
	publisher relay.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink builds a sink publishing to topic.
func NewPublisherSink(publisher relay.Publisher, topic string, logger *zap.Logger) (*PublisherSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}, nil
}

// Consume publishes the batch one message per event, stopping at the first
// error or context expiry.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	for i, evt := range batch {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("publish events: %d of %d sent: %w", i, len(batch), err)
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			return fmt.Errorf("publish event %s for job %s: %w", evt.Stage, evt.JobID, err)
		}
		s.logger.Debug("event published", zap.String("message_id", id), zap.String("job_id", evt.JobID))
	}
	return nil
}

// Close implements events.Sink; the publisher's owner closes the client.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
