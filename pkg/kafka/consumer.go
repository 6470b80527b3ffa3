package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/segmentio/kafka-go"

	"ChartSync/pkg/logger"
)

// HandlerFunc handles one message. Errors are retried unless wrapped with Permanent.
type HandlerFunc func(ctx context.Context, msg kafka.Message) error

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the message goes straight to the DLQ.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Consumer reads one topic and hands every message to a handler with
// bounded retries, optional DLQ and per-message commits.
type Consumer struct {
	cfg     *ConsumerConfig
	topic   string
	reader  Reader
	handler HandlerFunc
	dlq     Writer
	log     *logger.Logger
}

// NewConsumer creates a consumer for topic.
func NewConsumer(topic string, handler HandlerFunc, opts ...ConsumerOption) (*Consumer, error) {
	cfg := defaultConsumerConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	rc := kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	}
	if cfg.StartLatest {
		rc.StartOffset = kafka.LastOffset
	}

	var dlq Writer
	if cfg.DLQTopic != "" {
		dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.LeastBytes{}}
	}

	return newConsumer(cfg, topic, kafka.NewReader(rc), dlq, handler), nil
}

// NewConsumerWithReader builds a consumer over an existing reader and DLQ writer (nil disables the DLQ).
func NewConsumerWithReader(topic string, r Reader, dlq Writer, handler HandlerFunc, opts ...ConsumerOption) *Consumer {
	cfg := defaultConsumerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return newConsumer(cfg, topic, r, dlq, handler)
}

func defaultConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		GroupID:    "chartsync",
		RetryMax:   3,
		BackoffMin: 50 * time.Millisecond,
		BackoffMax: 2 * time.Second,
		MinBytes:   1,
		MaxBytes:   10e6,
		MaxWait:    500 * time.Millisecond,
	}
}

func newConsumer(cfg *ConsumerConfig, topic string, r Reader, dlq Writer, handler HandlerFunc) *Consumer {
	initMetrics()
	l := cfg.Logger
	if l == nil {
		l = logger.Nop()
	}
	return &Consumer{
		cfg:     cfg,
		topic:   topic,
		reader:  r,
		handler: handler,
		dlq:     dlq,
		log:     l.With(logger.String("topic", topic)),
	}
}

// Run consumes until ctx is cancelled (returns nil) or the reader fails.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		start := time.Now()
		result := "ok"
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			result = "failed"
			c.log.Warn("kafka consumer: message failed",
				logger.Int("partition", msg.Partition),
				logger.Int64("offset", msg.Offset),
				logger.Error(err),
			)
			if c.dlq != nil {
				result = "dlq"
				c.publishDLQ(ctx, msg, err)
			}
		}
		observeConsumer(c.topic, result, time.Since(start))

		// commit after DLQ too so a poison message does not loop
		if c.cfg.GroupID != "" {
			if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				c.log.Warn("kafka consumer: commit failed", logger.Error(err))
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = c.safeHandle(ctx, msg)
		if err == nil || IsPermanent(err) || attempt > c.cfg.RetryMax {
			return err
		}
		select {
		case <-time.After(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) safeHandle(ctx context.Context, msg kafka.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("panic in handler: %v", r))
		}
	}()
	return c.handler(ctx, msg)
}

func (c *Consumer) publishDLQ(ctx context.Context, msg kafka.Message, cause error) {
	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Topic: c.cfg.DLQTopic,
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "source_topic", Value: []byte(c.topic)},
			{Key: "error", Value: []byte(cause.Error())},
		},
	})
	if err != nil {
		c.log.Error("kafka consumer: dlq write failed", logger.String("dlq_topic", c.cfg.DLQTopic), logger.Error(err))
	}
}

// Close closes the reader and the DLQ writer.
func (c *Consumer) Close() error {
	err := c.reader.Close()
	if c.dlq != nil {
		err = errors.Join(err, c.dlq.Close())
	}
	return err
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	exp := min * time.Duration(1<<uint(attempt-1))
	if exp > max || exp <= 0 {
		exp = max
	}
	// jitter up to 50%
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp - jitter
}
