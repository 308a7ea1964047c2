// Package publish fans accepted location updates out over RabbitMQ so other
// systems (chain-of-custody, notifications) can follow shipments without
// holding a WebSocket open.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"livetrack/internal/common/config"
	"livetrack/internal/domain/geo"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// locationMessage is the published document.
type locationMessage struct {
	EntityID       int64   `json:"entity_id"`
	SessionID      string  `json:"session_id"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy_meters,omitempty"`
	TimestampMs    int64   `json:"timestamp_ms"`
}

// Publisher publishes location updates to a fanout exchange with publisher
// confirms.
type Publisher struct {
	logger   *slog.Logger
	exchange string

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
}

// Connect dials RabbitMQ, opens a confirmed channel and declares the fanout
// exchange.
func Connect(cfg config.RabbitMQConfig, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.DialConfig(cfg.URL(), amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq declare exchange: %w", err)
	}

	logger.Info("connected to rabbitmq", "action", "rabbitmq_connected",
		"host", cfg.Host, "exchange", cfg.Exchange)
	return &Publisher{
		logger:   logger,
		exchange: cfg.Exchange,
		conn:     conn,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

// PublishLocation publishes one accepted sample and waits for the broker's
// confirm.
func (p *Publisher) PublishLocation(entityID int64, sessionID string, sample geo.LocationSample) error {
	body, err := json.Marshal(locationMessage{
		EntityID:       entityID,
		SessionID:      sessionID,
		Lat:            sample.Lat,
		Lng:            sample.Lng,
		AccuracyMeters: sample.AccuracyMeters,
		TimestampMs:    sample.TimestampMs,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq: connection is not open")
	}
	if p.ch == nil || p.ch.IsClosed() {
		return errors.New("rabbitmq: publish channel is not open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
	}); err != nil {
		return err
	}

	select {
	case c := <-p.confirms:
		if !c.Ack {
			return errors.New("rabbitmq: publish not acknowledged")
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
