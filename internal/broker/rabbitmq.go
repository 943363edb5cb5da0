package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Guizzs26/go-scan-sync/internal/models"
	"github.com/Guizzs26/go-scan-sync/pkg/metrics"
)

const (
	// ExchangeScans is the topic exchange ingest events are published on
	ExchangeScans  = "scans.topic"
	confirmTimeout = 10 * time.Second
)

var ErrBrokerUnavailable = errors.New("broker connection is closed")

// IngestedRoutingKey is site.<site_id>.ingested
func IngestedRoutingKey(siteID string) string {
	if siteID == "" {
		siteID = "unknown"
	}
	return fmt.Sprintf("site.%s.ingested", siteID)
}

// RabbitMQClient handles the low-level communication with the message broker
type RabbitMQClient struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	down       chan struct{}
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc

	// a channel in confirm mode must not be shared by concurrent publishers
	pubMu sync.Mutex
}

// NewRabbitMQClient initializes a connection and a channel, enabling Publisher Confirms by default
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

	if err := ch.ExchangeDeclare(
		ExchangeScans,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &RabbitMQClient{
		conn:       c,
		channel:    ch,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		down:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	client.healthy.Store(true)
	metrics.BrokerHealthy.Set(1)

	client.conn.NotifyClose(client.connClosed)
	client.channel.NotifyClose(client.chanClosed)

	go func() {
		defer close(client.down)
		select {
		case err := <-client.connClosed:
			client.markDown()
			l.Warn("RabbitMQ connection closed", "error", err)
		case err := <-client.chanClosed:
			client.markDown()
			l.Warn("RabbitMQ channel closed", "error", err)
		case <-client.ctx.Done():
			client.markDown()
		}
	}()

	l.Info("Successfully connected to RabbitMQ and monitors established", "exchange", ExchangeScans)
	return client, nil
}

func (r *RabbitMQClient) markDown() {
	r.healthy.Store(false)
	metrics.BrokerHealthy.Set(0)
}

// PublishIngested sends the event and blocks until a confirmation (ACK/NACK) is received
func (r *RabbitMQClient) PublishIngested(ctx context.Context, event models.IngestedEvent) error {
	if !r.IsHealthy() {
		return ErrBrokerUnavailable
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	routingKey := IngestedRoutingKey(event.SiteID)
	l := r.logger.With(
		"event_id", event.EventID,
		"routing_key", routingKey,
	)

	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	deferred, err := r.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		ExchangeScans,
		routingKey,
		false,
		false,
		amqp.Publishing{
			Headers: amqp.Table{
				"event_id": event.EventID,
			},
			MessageId:    event.EventID,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.IngestedAt,
			Body:         body,
		},
	)
	if err != nil {
		l.Error("failed to publish event to exchange", "error", err)
		return fmt.Errorf("publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received: event not persisted")
		}
		return nil
	case <-time.After(confirmTimeout):
		return fmt.Errorf("publisher confirm timeout")
	}
}

// Down is closed once the connection or channel is lost
func (r *RabbitMQClient) Down() <-chan struct{} {
	return r.down
}

// Close gracefully shuts down the RabbitMQ resources
func (r *RabbitMQClient) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Info("Terminating RabbitMQ client")
		r.cancel()
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
