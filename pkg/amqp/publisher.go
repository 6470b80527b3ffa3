package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"ChartSync/pkg/logger"
)

// Channel is the subset of *amqp091.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Config holds connection settings.
type Config struct {
	URL          string
	Exchange     string
	ExchangeKind string
	Attempts     int
	RetryDelay   time.Duration
	Timeout      time.Duration
	Logger       *logger.Logger
}

type Option func(*Config)

// WithExchange declares and publishes to a durable exchange of kind.
func WithExchange(name, kind string) Option {
	return func(c *Config) {
		c.Exchange = name
		if kind != "" {
			c.ExchangeKind = kind
		}
	}
}

// WithRetry sets how often Dial tries to connect.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Config) {
		if attempts > 0 {
			c.Attempts = attempts
		}
		if delay > 0 {
			c.RetryDelay = delay
		}
	}
}

// WithPublishTimeout bounds a single publish.
func WithPublishTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// Publisher sends JSON messages to one exchange.
type Publisher struct {
	conn     *amqp091.Connection
	ch       Channel
	exchange string
	timeout  time.Duration
}

func defaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		ExchangeKind: "topic",
		Attempts:     10,
		RetryDelay:   2 * time.Second,
		Timeout:      5 * time.Second,
	}
}

// Dial connects with retries, enables publisher confirms and declares the exchange.
func Dial(ctx context.Context, url string, opts ...Option) (*Publisher, error) {
	cfg := defaultConfig(url)
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("amqp exchange is required")
	}
	l := cfg.Logger
	if l == nil {
		l = logger.Nop()
	}

	var conn *amqp091.Connection
	var err error
	for i := 0; i < cfg.Attempts; i++ {
		conn, err = amqp091.Dial(cfg.URL)
		if err == nil {
			break
		}
		l.Warn("amqp connect failed", logger.Int("attempt", i+1), logger.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("amqp connect after %d attempts: %w", cfg.Attempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		l.Warn("amqp publisher confirms unavailable", logger.Error(err))
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}

	l.Info("amqp publisher connected", logger.String("exchange", cfg.Exchange))
	return &Publisher{conn: conn, ch: ch, exchange: cfg.Exchange, timeout: cfg.Timeout}, nil
}

// NewPublisherWithChannel wraps an existing channel.
func NewPublisherWithChannel(ch Channel, exchange string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{ch: ch, exchange: exchange, timeout: timeout}
}

// Publish marshals value to JSON and publishes it persistently under key.
func (p *Publisher) Publish(ctx context.Context, key, messageID string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.exchange, key, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
