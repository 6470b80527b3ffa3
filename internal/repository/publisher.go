package repository

import (
	"context"
	"fmt"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
	pkgamqp "ChartSync/pkg/amqp"
	pkgkafka "ChartSync/pkg/kafka"
)

// KafkaPublisher implements UpdatePublisher for Kafka. Messages are keyed
// by symbol so one chart stays on one partition.
type KafkaPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

// NewKafkaPublisher creates Kafka publisher.
func NewKafkaPublisher(producer *pkgkafka.Producer, topic string) drepo.UpdatePublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, u *models.ChartUpdate) error {
	return p.producer.Publish(ctx, p.topic, []byte(u.Symbol), u)
}

func (p *KafkaPublisher) Close() error { return p.producer.Close() }

// AMQPPublisher implements UpdatePublisher for RabbitMQ.
type AMQPPublisher struct {
	pub *pkgamqp.Publisher
}

// NewAMQPPublisher creates RabbitMQ publisher.
func NewAMQPPublisher(pub *pkgamqp.Publisher) drepo.UpdatePublisher {
	return &AMQPPublisher{pub: pub}
}

func (p *AMQPPublisher) Publish(ctx context.Context, u *models.ChartUpdate) error {
	return p.pub.Publish(ctx, RoutingKey(u), u.ID, u)
}

func (p *AMQPPublisher) Close() error { return p.pub.Close() }

// RoutingKey is chart.<symbol>.<timeframe>.<kind>, so consumers can bind
// on e.g. chart.BTCUSDT.# or chart.*.1m.append.
func RoutingKey(u *models.ChartUpdate) string {
	return fmt.Sprintf("chart.%s.%s.%s", u.Symbol, u.Timeframe, u.Kind)
}
