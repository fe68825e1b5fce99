// Package amqp publishes JSON payloads to a RabbitMQ exchange with publisher
// confirms.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	defaultExchange       = "relay.events"
	defaultPublishTimeout = 5 * time.Second
)

// Config controls the RabbitMQ connection and exchange.
type Config struct {
	URL      string
	Exchange string
	// PublishTimeout bounds a publish and its broker confirmation.
	PublishTimeout time.Duration
}

type channel interface {
	PublishWithDeferredConfirmWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) (*amqp.DeferredConfirmation, error)
	IsClosed() bool
	Close() error
}

type dialFunc func(cfg Config) (channel, io.Closer, error)

// Publisher publishes to a durable topic exchange; the topic passed to
// Publish becomes the routing key. A dropped connection is redialed on the
// next publish.
type Publisher struct {
	cfg    Config
	dial   dialFunc
	logger *zap.Logger

	mu     sync.Mutex
	ch     channel
	conn   io.Closer
	closed bool
}

// New connects to RabbitMQ and declares the exchange.
func New(cfg Config, logger *zap.Logger) (*Publisher, error) {
	return newPublisher(cfg, dial, logger)
}

func newPublisher(cfg Config, dial dialFunc, logger *zap.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{cfg: cfg, dial: dial, logger: logger}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func dial(cfg Config) (channel, io.Closer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq enable confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq declare exchange: %w", err)
	}
	return ch, conn, nil
}

func (p *Publisher) connectLocked() error {
	ch, conn, err := p.dial(p.cfg)
	if err != nil {
		return err
	}
	p.ch, p.conn = ch, conn
	p.logger.Info("rabbitmq publisher connected", zap.String("exchange", p.cfg.Exchange))
	return nil
}

func (p *Publisher) acquire() (channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("rabbitmq publisher is closed")
	}
	if p.ch == nil || p.ch.IsClosed() {
		p.releaseLocked()
		p.logger.Warn("rabbitmq channel closed, reconnecting")
		if err := p.connectLocked(); err != nil {
			return nil, err
		}
	}
	return p.ch, nil
}

// Publish marshals payload to JSON and publishes it with routing key topic,
// waiting for the broker to confirm it.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	ch, err := p.acquire()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	id := uuid.NewString()
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("rabbitmq publish: %w", err)
	}
	if confirm == nil {
		return id, nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return "", fmt.Errorf("rabbitmq publish confirmation: %w", err)
	}
	if !acked {
		return "", fmt.Errorf("rabbitmq nacked message %s", id)
	}
	return id, nil
}

// Close closes the channel and connection. Later publishes fail.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.releaseLocked()
}

func (p *Publisher) releaseLocked() error {
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.ch, p.conn = nil, nil
	return errors.Join(errs...)
}
