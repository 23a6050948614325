package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Guizzs26/go-siem-sync/internal/mimecast"
	"github.com/Guizzs26/go-siem-sync/internal/models"
	"github.com/Guizzs26/go-siem-sync/pkg/metrics"
)

// ExchangeEvents is the topic exchange stored SIEM events are fanned out to
const ExchangeEvents = "siem.events"

const defaultConfirmTimeout = 10 * time.Second

// Message headers carried next to every event body
const (
	HeaderSourceIP       = "x-siem-source-ip"
	HeaderProcessingDate = "x-siem-processing-date"
	HeaderEnriched       = "x-siem-enriched"
	HeaderCountry        = "x-siem-country"
)

var (
	ErrBrokerClosed   = errors.New("broker connection is closed")
	ErrNack           = errors.New("RabbitMQ NACK received: message not persisted")
	ErrConfirmTimeout = errors.New("publisher confirm timeout")
)

// eventNamespace seeds the name-based message ids, so a page replayed after a
// failed run publishes the same ids again and consumers can drop the repeats
var eventNamespace = uuid.MustParse("6f1c3a52-8d0e-4b7a-9c1e-5a2f7d4e8b90")

// confirmation is the part of *amqp.DeferredConfirmation the publisher waits on
type confirmation interface {
	Done() <-chan struct{}
	Acked() bool
}

type publishChannel interface {
	publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	Close() error
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (a amqpChannel) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := a.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, fmt.Errorf("channel is not in confirm mode")
	}
	return dc, nil
}

func (a amqpChannel) Close() error {
	return a.ch.Close()
}

// RabbitMQClient publishes SIEM events with Publisher Confirms and tracks link health
type RabbitMQClient struct {
	conn           *amqp.Connection
	channel        publishChannel
	routingKey     string
	confirmTimeout time.Duration
	logger         *slog.Logger
	closeOnce      sync.Once
	healthy        atomic.Bool
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewRabbitMQClient connects, declares the events exchange and enables Publisher Confirms
func NewRabbitMQClient(url string, l *slog.Logger) (*RabbitMQClient, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(ExchangeEvents, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %w", err)
	}

	client := newClient(amqpChannel{ch: ch}, l)
	client.conn = c

	connClosed := c.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go client.watch(connClosed, chanClosed)

	l.Info("Connected to RabbitMQ, event fan-out enabled", "exchange", ExchangeEvents, "routing_key", client.routingKey)
	return client, nil
}

func newClient(ch publishChannel, l *slog.Logger) *RabbitMQClient {
	ctx, cancel := context.WithCancel(context.Background())
	client := &RabbitMQClient{
		channel:        ch,
		routingKey:     RoutingKey(mimecast.StreamType),
		confirmTimeout: defaultConfirmTimeout,
		logger:         l,
		ctx:            ctx,
		cancel:         cancel,
	}
	client.healthy.Store(true)
	metrics.BrokerHealth.Set(1)
	return client
}

func (r *RabbitMQClient) watch(connClosed, chanClosed <-chan *amqp.Error) {
	select {
	case err := <-connClosed:
		r.markUnhealthy()
		r.logger.Warn("RabbitMQ connection closed", "error", err)
	case err := <-chanClosed:
		r.markUnhealthy()
		r.logger.Warn("RabbitMQ channel closed", "error", err)
	case <-r.ctx.Done():
	}
}

func (r *RabbitMQClient) markUnhealthy() {
	r.healthy.Store(false)
	metrics.BrokerHealth.Set(0)
}

// RoutingKey is the topic key for one log stream, e.g. siem.mta
func RoutingKey(streamType string) string {
	return "siem." + strings.ToLower(streamType)
}

// PublishEvent sends one stored event and blocks until the broker confirms it
func (r *RabbitMQClient) PublishEvent(ctx context.Context, e *models.Event) error {
	if !r.IsHealthy() {
		return ErrBrokerClosed
	}

	msg, err := newPublishing(e, r.routingKey)
	if err != nil {
		return err
	}

	conf, err := r.channel.publish(ctx, ExchangeEvents, r.routingKey, msg)
	if err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		r.logger.Error("failed to publish event to exchange", "routing_key", r.routingKey, "message_id", msg.MessageId, "error", err)
		return fmt.Errorf("publish call failed: %w", err)
	}

	timer := time.NewTimer(r.confirmTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-conf.Done():
		if !conf.Acked() {
			metrics.EventsPublished.WithLabelValues("nacked").Inc()
			return fmt.Errorf("%w (message %s)", ErrNack, msg.MessageId)
		}
		metrics.EventsPublished.WithLabelValues("acked").Inc()
		return nil
	case <-timer.C:
		metrics.EventsPublished.WithLabelValues("timeout").Inc()
		return fmt.Errorf("%w (message %s)", ErrConfirmTimeout, msg.MessageId)
	}
}

// newPublishing builds the AMQP message for an event. The id is derived from the
// raw vendor record, so it is stable across re-fetches of the same page
func newPublishing(e *models.Event, routingKey string) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to serialize event: %w", err)
	}

	headers := amqp.Table{
		HeaderProcessingDate: e.ProcessingDate.UTC().Format(time.RFC3339),
		HeaderEnriched:       e.Enriched(),
	}
	if e.SourceIP != "" {
		headers[HeaderSourceIP] = e.SourceIP
	}
	if e.Location != nil && e.Location.CountryCode != "" {
		headers[HeaderCountry] = e.Location.CountryCode
	}

	return amqp.Publishing{
		MessageId:    uuid.NewSHA1(eventNamespace, e.Payload).String(),
		Type:         routingKey,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Datetime,
		Headers:      headers,
		Body:         body,
	}, nil
}

// Close gracefully shuts down the RabbitMQ resources
func (r *RabbitMQClient) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Info("Terminating RabbitMQ client")
		r.cancel()
		r.markUnhealthy()
		if r.channel != nil {
			r.channel.Close()
		}
		if r.conn != nil {
			r.conn.Close()
		}
	})
	return nil
}

// IsHealthy returns true if the connection and channel are active
func (r *RabbitMQClient) IsHealthy() bool {
	return r.healthy.Load()
}
