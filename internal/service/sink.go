package service

import (
	"context"
	"fmt"

	"github.com/Guizzs26/go-siem-sync/internal/models"
)

// Publisher fans a stored event out to downstream consumers
type Publisher interface {
	PublishEvent(ctx context.Context, e *models.Event) error
}

// PublishingSink stores an event, then fans it out to the broker.
// A publish failure is reported like a store failure; the event is already durable at that point
type PublishingSink struct {
	next      EventSink
	publisher Publisher
}

func NewPublishingSink(next EventSink, p Publisher) *PublishingSink {
	return &PublishingSink{next: next, publisher: p}
}

func (s *PublishingSink) AppendEvent(ctx context.Context, e *models.Event) error {
	if err := s.next.AppendEvent(ctx, e); err != nil {
		return err
	}
	if err := s.publisher.PublishEvent(ctx, e); err != nil {
		return fmt.Errorf("fan-out publish failed: %w", err)
	}
	return nil
}
