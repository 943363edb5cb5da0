package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/go-scan-sync/internal/models"
	"github.com/Guizzs26/go-scan-sync/pkg/infra"
)

// EventPublisher keeps a RabbitMQClient connected in the background
// Until the first connection succeeds every publish fails fast with ErrBrokerUnavailable
type EventPublisher struct {
	url     string
	logger  *slog.Logger
	backoff *infra.Backoff
	dial    func(url string, l *slog.Logger) (*RabbitMQClient, error)

	mu     sync.RWMutex
	client *RabbitMQClient
}

func NewEventPublisher(url string, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		url:     url,
		logger:  logger,
		backoff: infra.NewBackoff(1*time.Second, 60*time.Second, 2.0),
		dial:    NewRabbitMQClient,
	}
}

// Run connects and reconnects until ctx is canceled
func (p *EventPublisher) Run(ctx context.Context) {
	for {
		client, err := p.dial(p.url, p.logger)
		if err != nil {
			p.logger.Warn("RabbitMQ unavailable, retrying", "attempt", p.backoff.Attempts()+1, "error", err)
			if !p.backoff.Wait(ctx) {
				return
			}
			continue
		}
		p.backoff.Reset()
		p.setClient(client)

		select {
		case <-ctx.Done():
			p.setClient(nil)
			client.Close()
			return
		case <-client.Down():
			p.setClient(nil)
			client.Close()
			p.logger.Warn("RabbitMQ link lost, reconnecting")
		}
	}
}

// PublishIngested forwards to the current client
func (p *EventPublisher) PublishIngested(ctx context.Context, event models.IngestedEvent) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return ErrBrokerUnavailable
	}
	return client.PublishIngested(ctx, event)
}

// Healthy reports whether a live connection is held
func (p *EventPublisher) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client != nil && p.client.IsHealthy()
}

func (p *EventPublisher) setClient(c *RabbitMQClient) {
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
}
