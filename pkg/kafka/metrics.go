package kafka

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce       sync.Once
	metricsRegisterer prometheus.Registerer = prometheus.DefaultRegisterer

	producerMsgsTotal   *prometheus.CounterVec
	producerBytesTotal  *prometheus.CounterVec
	producerLatencyHist *prometheus.HistogramVec

	consumerMsgsTotal     *prometheus.CounterVec
	consumerHandleLatency *prometheus.HistogramVec
)

// SetMetricsRegisterer sets the registerer for producer and consumer
// metrics. It must be called before the first producer or consumer is built.
func SetMetricsRegisterer(reg prometheus.Registerer) {
	if reg != nil {
		metricsRegisterer = reg
	}
}

func initMetrics() {
	metricsOnce.Do(func() {
		f := promauto.With(metricsRegisterer)
		producerMsgsTotal = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsync_kafka_producer_messages_total",
				Help: "Total messages published to Kafka",
			},
			[]string{"topic", "result"},
		)
		producerBytesTotal = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsync_kafka_producer_bytes_total",
				Help: "Total payload bytes published",
			},
			[]string{"topic", "compression"},
		)
		producerLatencyHist = f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chartsync_kafka_producer_publish_seconds",
				Help:    "Publish latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		)
		consumerMsgsTotal = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsync_kafka_consumer_messages_total",
				Help: "Messages consumed from Kafka, by result",
			},
			[]string{"topic", "result"},
		)
		consumerHandleLatency = f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chartsync_kafka_consumer_handle_seconds",
				Help:    "Handling time per message",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		)
	})
}

func observeProducer(topic, comp string, bytes int64, count int, dur time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	producerMsgsTotal.WithLabelValues(topic, result).Add(float64(count))
	producerBytesTotal.WithLabelValues(topic, comp).Add(float64(bytes))
	producerLatencyHist.WithLabelValues(topic).Observe(dur.Seconds())
}

func observeConsumer(topic, result string, dur time.Duration) {
	consumerMsgsTotal.WithLabelValues(topic, result).Inc()
	consumerHandleLatency.WithLabelValues(topic).Observe(dur.Seconds())
}
