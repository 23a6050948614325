package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Guizzs26/go-siem-sync/internal/models"
)

type fakeConfirmation struct {
	done  chan struct{}
	acked bool
}

func (f *fakeConfirmation) Done() <-chan struct{} { return f.done }
func (f *fakeConfirmation) Acked() bool           { return f.acked }

// settled returns a confirmation the broker has already answered
func settled(acked bool) *fakeConfirmation {
	c := &fakeConfirmation{done: make(chan struct{}), acked: acked}
	close(c.done)
	return c
}

type fakeChannel struct {
	conf      *fakeConfirmation
	err       error
	exchanges []string
	keys      []string
	sent      []amqp.Publishing
	closed    int
}

func (f *fakeChannel) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.exchanges = append(f.exchanges, exchange)
	f.keys = append(f.keys, key)
	f.sent = append(f.sent, msg)
	return f.conf, nil
}

func (f *fakeChannel) Close() error {
	f.closed++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func enrichedEvent() *models.Event {
	return &models.Event{
		ProcessingDate: time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC),
		Datetime:       time.Date(2026, time.October, 18, 10, 15, 0, 0, time.UTC),
		SourceIP:       "8.8.8.8",
		Payload:        json.RawMessage(`{"IP":"8.8.8.8","Dir":"Inbound"}`),
		Location:       &models.Location{CountryCode: "US", Country: "United States of America"},
	}
}

func TestPublishEvent_BuildsMessage(t *testing.T) {
	ch := &fakeChannel{conf: settled(true)}
	client := newClient(ch, discardLogger())

	e := enrichedEvent()
	if err := client.PublishEvent(context.Background(), e); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	if len(ch.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(ch.sent))
	}
	if ch.exchanges[0] != ExchangeEvents || ch.keys[0] != "siem.mta" {
		t.Errorf("published to %s/%s, want %s/siem.mta", ch.exchanges[0], ch.keys[0], ExchangeEvents)
	}

	msg := ch.sent[0]
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" {
		t.Errorf("unexpected delivery settings: mode=%d content_type=%s", msg.DeliveryMode, msg.ContentType)
	}
	if !msg.Timestamp.Equal(e.Datetime) {
		t.Errorf("Timestamp = %v, want event datetime", msg.Timestamp)
	}
	if msg.Headers[HeaderSourceIP] != "8.8.8.8" || msg.Headers[HeaderCountry] != "US" || msg.Headers[HeaderEnriched] != true {
		t.Errorf("unexpected headers: %v", msg.Headers)
	}
	if msg.Headers[HeaderProcessingDate] != "2026-10-18T12:00:00Z" {
		t.Errorf("processing date header = %v", msg.Headers[HeaderProcessingDate])
	}

	var decoded models.Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("body is not an event: %v", err)
	}
	if decoded.SourceIP != "8.8.8.8" || decoded.Location == nil || decoded.Location.CountryCode != "US" {
		t.Errorf("decoded body = %+v", decoded)
	}
}

func TestPublishEvent_MessageIDFollowsPayload(t *testing.T) {
	ch := &fakeChannel{conf: settled(true)}
	client := newClient(ch, discardLogger())

	first := enrichedEvent()
	replay := enrichedEvent()
	replay.ProcessingDate = replay.ProcessingDate.Add(time.Hour)
	other := enrichedEvent()
	other.Payload = json.RawMessage(`{"IP":"8.8.8.8","Dir":"Outbound"}`)

	for _, e := range []*models.Event{first, replay, other} {
		if err := client.PublishEvent(context.Background(), e); err != nil {
			t.Fatalf("PublishEvent() error = %v", err)
		}
	}

	if ch.sent[0].MessageId == "" || ch.sent[0].MessageId != ch.sent[1].MessageId {
		t.Errorf("re-fetched record got a new id: %q vs %q", ch.sent[0].MessageId, ch.sent[1].MessageId)
	}
	if ch.sent[0].MessageId == ch.sent[2].MessageId {
		t.Error("distinct records share a message id")
	}
}

func TestPublishEvent_PlainEventOmitsLocationHeaders(t *testing.T) {
	ch := &fakeChannel{conf: settled(true)}
	client := newClient(ch, discardLogger())

	e := &models.Event{Payload: json.RawMessage(`{"Dir":"Inbound"}`)}
	if err := client.PublishEvent(context.Background(), e); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	h := ch.sent[0].Headers
	if _, ok := h[HeaderSourceIP]; ok {
		t.Error("source ip header set for event without IP")
	}
	if _, ok := h[HeaderCountry]; ok {
		t.Error("country header set for unenriched event")
	}
	if h[HeaderEnriched] != false {
		t.Errorf("enriched header = %v, want false", h[HeaderEnriched])
	}
}

func TestPublishEvent_ConfirmOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		ch      *fakeChannel
		ctx     func() (context.Context, context.CancelFunc)
		wantErr error
	}{
		{
			name:    "nack",
			ch:      &fakeChannel{conf: settled(false)},
			wantErr: ErrNack,
		},
		{
			name:    "confirm never arrives",
			ch:      &fakeChannel{conf: &fakeConfirmation{done: make(chan struct{})}},
			wantErr: ErrConfirmTimeout,
		},
		{
			name: "caller gives up first",
			ch:   &fakeChannel{conf: &fakeConfirmation{done: make(chan struct{})}},
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, cancel
			},
			wantErr: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(tt.ch, discardLogger())
			client.confirmTimeout = 20 * time.Millisecond

			ctx, cancel := context.WithCancel(context.Background())
			if tt.ctx != nil {
				ctx, cancel = tt.ctx()
			}
			defer cancel()

			err := client.PublishEvent(ctx, enrichedEvent())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("PublishEvent() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublishEvent_ChannelErrorIsWrapped(t *testing.T) {
	closedErr := errors.New("channel/connection is not open")
	client := newClient(&fakeChannel{err: closedErr}, discardLogger())

	if err := client.PublishEvent(context.Background(), enrichedEvent()); !errors.Is(err, closedErr) {
		t.Fatalf("PublishEvent() error = %v, want channel error", err)
	}
}

func TestPublishEvent_RefusesWhenClosed(t *testing.T) {
	ch := &fakeChannel{conf: settled(true)}
	client := newClient(ch, discardLogger())

	client.Close()
	client.Close()

	if client.IsHealthy() {
		t.Error("client still healthy after Close")
	}
	if ch.closed != 1 {
		t.Errorf("channel closed %d times, want 1", ch.closed)
	}
	if err := client.PublishEvent(context.Background(), enrichedEvent()); !errors.Is(err, ErrBrokerClosed) {
		t.Fatalf("PublishEvent() error = %v, want ErrBrokerClosed", err)
	}
	if len(ch.sent) != 0 {
		t.Error("message sent on a closed client")
	}
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey("MTA"); got != "siem.mta" {
		t.Errorf("RoutingKey(MTA) = %q", got)
	}
}
