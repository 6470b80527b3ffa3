package livefeed

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
	pkgkafka "ChartSync/pkg/kafka"
	"ChartSync/pkg/logger"
)

// runner is what a subscription drives; *pkgkafka.Consumer satisfies it.
type runner interface {
	Run(ctx context.Context) error
	Close() error
}

type consumerFactory func(topic, groupID string, handler pkgkafka.HandlerFunc) (runner, error)

// KafkaFeed implements LiveFeed over a shared bar topic. Every subscription
// reads the topic with its own consumer group starting at the newest offset
// and keeps the bars of its symbol and timeframe.
type KafkaFeed struct {
	topic       string
	groupPrefix string
	metrics     drepo.Metrics
	log         *logger.Logger
	newConsumer consumerFactory
}

type KafkaOption func(*KafkaFeed)

// WithGroupPrefix sets the consumer group prefix.
func WithGroupPrefix(p string) KafkaOption {
	return func(f *KafkaFeed) {
		if p != "" {
			f.groupPrefix = p
		}
	}
}

// WithKafkaMetrics sets the metrics sink.
func WithKafkaMetrics(m drepo.Metrics) KafkaOption {
	return func(f *KafkaFeed) {
		if m != nil {
			f.metrics = m
		}
	}
}

// WithKafkaLogger sets the logger.
func WithKafkaLogger(l *logger.Logger) KafkaOption {
	return func(f *KafkaFeed) {
		if l != nil {
			f.log = l
		}
	}
}

// NewKafkaFeed creates a feed reading topic from brokers.
func NewKafkaFeed(brokers []string, topic string, opts ...KafkaOption) (*KafkaFeed, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka feed: brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka feed: topic is required")
	}
	f := &KafkaFeed{
		topic:       topic,
		groupPrefix: "chartsync-live",
		metrics:     drepo.NopMetrics{},
		log:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.newConsumer = func(topic, groupID string, handler pkgkafka.HandlerFunc) (runner, error) {
		return pkgkafka.NewConsumer(topic, handler,
			pkgkafka.WithConsumerBrokers(brokers),
			pkgkafka.WithConsumerGroupID(groupID),
			pkgkafka.WithConsumerStartLatest(true),
			pkgkafka.WithConsumerRetry(0, 0, 0),
			pkgkafka.WithConsumerLogger(f.log),
		)
	}
	return f, nil
}

// Subscribe starts a consumer in the background. The subscription reports
// Connecting at once and Open with the first message fetched from the
// topic, whatever its series.
func (f *KafkaFeed) Subscribe(ctx context.Context, symbol string, tf drepo.Timeframe, onBar drepo.BarHandler, onState drepo.StateHandler) (drepo.Subscription, error) {
	sym := drepo.NormalizeSymbol(symbol)
	if sym == "" {
		return nil, fmt.Errorf("subscribe: symbol is required")
	}
	d, err := drepo.Resolve(string(tf))
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if onBar == nil {
		return nil, fmt.Errorf("subscribe: bar handler is required")
	}
	if onState == nil {
		onState = func(models.ConnectionState) {}
	}

	l := f.log.With(logger.String("symbol", sym), logger.String("timeframe", string(d.ID)))
	var opened sync.Once
	handler := func(_ context.Context, msg kafka.Message) error {
		opened.Do(func() { onState(models.StateOpen) })
		s, tfID, bar, err := DecodeTopicBar(msg.Value)
		if err != nil {
			f.metrics.RecordError("live_malformed")
			return pkgkafka.Permanent(err)
		}
		if drepo.NormalizeSymbol(s) != sym || !strings.EqualFold(tfID, string(d.ID)) {
			return nil
		}
		onBar(bar)
		return nil
	}

	group := fmt.Sprintf("%s-%s", f.groupPrefix, uuid.NewString())
	c, err := f.newConsumer(f.topic, group, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer c.Close()
		onState(models.StateConnecting)
		l.Info("kafka live feed started", logger.String("group_id", group))
		if err := c.Run(ctx); err != nil {
			f.metrics.RecordError("live_read")
			l.Warn("kafka live feed failed", logger.Error(err))
			onState(models.StateErrored)
			return
		}
		onState(models.StateClosed)
	}()
	return sub, nil
}

type kafkaSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *kafkaSubscription) Cancel() { s.once.Do(s.cancel) }

// Done is closed after the final state has been reported.
func (s *kafkaSubscription) Done() <-chan struct{} { return s.done }
