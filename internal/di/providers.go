package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	drepo "ChartSync/internal/domain/repository"
	"ChartSync/internal/handler/api"
	mid "ChartSync/internal/middleware"
	internalrepo "ChartSync/internal/repository"
	"ChartSync/internal/service/history"
	"ChartSync/internal/service/livefeed"
	"ChartSync/internal/usecase"
	pkgamqp "ChartSync/pkg/amqp"
	"ChartSync/pkg/cache"
	pkgch "ChartSync/pkg/clickhouse"
	"ChartSync/pkg/config"
	xhttp "ChartSync/pkg/http"
	pkgkafka "ChartSync/pkg/kafka"
	"ChartSync/pkg/logger"
	"ChartSync/pkg/metrics"
	"ChartSync/pkg/postgres"
	"ChartSync/pkg/server"
)

const schemaTimeout = 10 * time.Second

// ProvideLogger creates the application logger from the log section.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(logger.String("env", cfg.Environment)), nil
}

// ProvideRegistry creates the registry shared by every collector. The
// Kafka client metrics are registered on it as well.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pkgkafka.SetMetricsRegisterer(reg)
	return reg
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) drepo.Metrics {
	return metrics.NewWithRegistry(reg)
}

// ProvideClickHouseClient connects to ClickHouse when a component needs it.
func ProvideClickHouseClient(cfg *config.Config, l *logger.Logger) (*pkgch.Client, func(), error) {
	if !cfg.UsesClickHouse() {
		return nil, func() {}, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.CHBarSchema(chTable(cfg))); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	l.Info("clickhouse: connected and schema ready", logger.String("table", chTable(cfg)))

	return client, func() {
		if err := client.Close(); err != nil {
			l.Warn("clickhouse close error", logger.Error(err))
		}
	}, nil
}

// ProvidePostgresDB connects to PostgreSQL when a component needs it.
func ProvidePostgresDB(cfg *config.Config, l *logger.Logger) (*sqlx.DB, func(), error) {
	if !cfg.UsesPostgres() {
		return nil, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()
	db, err := postgres.Connect(ctx,
		postgres.WithAddr(cfg.Postgres.Host, cfg.Postgres.Port),
		postgres.WithCredentials(cfg.Postgres.User, cfg.Postgres.Password),
		postgres.WithDatabase(cfg.Postgres.Database, cfg.Postgres.SSLMode),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	store, err := internalrepo.NewPGBarStore(db, cfg.Storage.Table, l)
	if err == nil {
		err = store.InitSchema(ctx)
	}
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("postgres schema: %w", err)
	}
	l.Info("postgres: connected and schema ready", logger.String("table", cfg.Storage.Table))

	return db, func() {
		if err := db.Close(); err != nil {
			l.Warn("postgres close error", logger.Error(err))
		}
	}, nil
}

// ProvideHistoryCache builds the cache in front of the historical source.
// It is nil when caching is off.
func ProvideHistoryCache(cfg *config.Config, l *logger.Logger) (cache.Service, func(), error) {
	var c cache.Service
	switch cfg.History.Cache {
	case "none":
		return nil, func() {}, nil
	case "memory":
		c = cache.NewMemoryCache(
			cache.WithMemoryMaxSize(1024),
			cache.WithMemoryDefaultTTL(cfg.History.CacheTTL),
		)
	case "redis", "layered":
		rc, err := cache.NewRedisCache(
			cache.WithRedisHost(cfg.Redis.Host),
			cache.WithRedisPort(cfg.Redis.Port),
			cache.WithRedisPassword(cfg.Redis.Password),
			cache.WithRedisDB(cfg.Redis.DB),
			cache.WithRedisPrefix(cfg.Redis.Prefix),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("redis cache: %w", err)
		}
		c = rc
		if cfg.History.Cache == "layered" {
			c = cache.NewLayeredCache(rc, cache.WithLayeredMemory(512, cfg.History.CacheTTL/2))
		}
	default:
		return nil, nil, fmt.Errorf("unknown history cache %q", cfg.History.Cache)
	}
	l.Info("history cache enabled", logger.String("kind", cfg.History.Cache), logger.Duration("ttl", cfg.History.CacheTTL))
	return c, func() {
		if err := c.Close(); err != nil {
			l.Warn("history cache close error", logger.Error(err))
		}
	}, nil
}

// ProvideHistorySource selects the historical bar backend and wraps it in
// the cache when one is configured.
func ProvideHistorySource(cfg *config.Config, ch *pkgch.Client, pg *sqlx.DB, c cache.Service, l *logger.Logger) (drepo.HistoricalSource, error) {
	var src drepo.HistoricalSource
	switch cfg.History.Backend {
	case "http":
		client, err := history.NewClient(cfg.History.URL,
			history.WithTimeout(cfg.History.Timeout),
			history.WithToken(cfg.History.Token),
			history.WithLogger(l),
		)
		if err != nil {
			return nil, fmt.Errorf("history client: %w", err)
		}
		src = client
	case "clickhouse":
		store, err := internalrepo.NewCHBarStore(ch.DB(), chTable(cfg), l)
		if err != nil {
			return nil, err
		}
		src = store
	case "postgres":
		store, err := internalrepo.NewPGBarStore(pg, cfg.Storage.Table, l)
		if err != nil {
			return nil, err
		}
		src = store
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}
	if c != nil {
		src = history.NewCached(src, c, cfg.History.CacheTTL, l)
	}
	return src, nil
}

// ProvideLiveFeed selects the live bar transport.
func ProvideLiveFeed(cfg *config.Config, m drepo.Metrics, l *logger.Logger) (drepo.LiveFeed, error) {
	switch cfg.Live.Backend {
	case "websocket":
		return livefeed.NewWebSocketFeed(cfg.Live.WebSocketURL,
			livefeed.WithPingInterval(cfg.Live.PingInterval),
			livefeed.WithHandshakeTimeout(cfg.Live.HandshakeTimeout),
			livefeed.WithFeedMetrics(m),
			livefeed.WithFeedLogger(l),
		), nil
	case "kafka":
		feed, err := livefeed.NewKafkaFeed(cfg.Kafka.Brokers, cfg.Live.Topic,
			livefeed.WithGroupPrefix(cfg.Kafka.Consumer.GroupID),
			livefeed.WithKafkaMetrics(m),
			livefeed.WithKafkaLogger(l),
		)
		if err != nil {
			return nil, fmt.Errorf("kafka live feed: %w", err)
		}
		return feed, nil
	default:
		return nil, fmt.Errorf("unknown live backend %q", cfg.Live.Backend)
	}
}

// ProvideUpdatePublisher creates the downstream publisher. It is nil when
// publishing is off.
func ProvideUpdatePublisher(cfg *config.Config, l *logger.Logger) (drepo.UpdatePublisher, func(), error) {
	var pub drepo.UpdatePublisher
	switch cfg.Publish.Backend {
	case "none":
		return nil, func() {}, nil
	case "kafka":
		producer, err := pkgkafka.NewProducer(
			pkgkafka.WithBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithCompression(cfg.Kafka.Compression),
			pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
			pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
			pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
			pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
			pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
			pkgkafka.WithHashByKey(true),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka producer: %w", err)
		}
		pub = internalrepo.NewKafkaPublisher(producer, cfg.Kafka.UpdatesTopic)
		l.Info("kafka: publishing chart updates", logger.Strings("brokers", cfg.Kafka.Brokers), logger.String("topic", cfg.Kafka.UpdatesTopic))
	case "rabbitmq":
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		p, err := pkgamqp.Dial(ctx, cfg.RabbitMQ.URL,
			pkgamqp.WithExchange(cfg.RabbitMQ.Exchange, cfg.RabbitMQ.ExchangeType),
			pkgamqp.WithPublishTimeout(cfg.RabbitMQ.PublishTimeout),
			pkgamqp.WithLogger(l),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("rabbitmq publisher: %w", err)
		}
		pub = internalrepo.NewAMQPPublisher(p)
		l.Info("rabbitmq: publishing chart updates", logger.String("exchange", cfg.RabbitMQ.Exchange))
	default:
		return nil, nil, fmt.Errorf("unknown publish backend %q", cfg.Publish.Backend)
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			l.Warn("publisher close error", logger.Error(err))
		}
	}, nil
}

// ProvideBarStore creates the closed-bar archive. It is nil when storage is off.
func ProvideBarStore(cfg *config.Config, ch *pkgch.Client, pg *sqlx.DB, l *logger.Logger) (drepo.BarStore, error) {
	if !cfg.Storage.Enabled {
		return nil, nil
	}
	switch cfg.Storage.Backend {
	case "clickhouse":
		return internalrepo.NewCHBarStore(ch.DB(), chTable(cfg), l)
	case "postgres":
		return internalrepo.NewPGBarStore(pg, cfg.Storage.Table, l)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// ProvideUpdateForwarder fans updates out to the publisher and the store.
func ProvideUpdateForwarder(pub drepo.UpdatePublisher, store drepo.BarStore, m drepo.Metrics, l *logger.Logger) *usecase.UpdateForwarder {
	return usecase.NewUpdateForwarder(pub, store, m, l)
}

// ProvideUpdatePipeline puts the forwarder behind an async queue. It is
// nil when the forwarder has no sink.
func ProvideUpdatePipeline(cfg *config.Config, fwd *usecase.UpdateForwarder, m drepo.Metrics, l *logger.Logger) *mid.UpdatePipeline {
	if !fwd.Enabled() {
		return nil
	}
	return mid.NewUpdatePipeline(fwd, m,
		mid.WithMaxRPS(cfg.Pipeline.MaxRPS),
		mid.WithBufferSize(cfg.Pipeline.BufferSize),
		mid.WithMaxAttempts(cfg.Pipeline.MaxAttempts),
		mid.WithLogger(l),
	)
}

// ProvideChartService creates the session registry.
func ProvideChartService(
	cfg *config.Config,
	src drepo.HistoricalSource,
	live drepo.LiveFeed,
	m drepo.Metrics,
	pipe *mid.UpdatePipeline,
	l *logger.Logger,
) (*usecase.ChartService, error) {
	policy, err := usecase.ParseVolumePolicy(cfg.Chart.VolumePolicy)
	if err != nil {
		return nil, err
	}
	if _, err := drepo.Resolve(cfg.Chart.DefaultTimeframe); err != nil {
		return nil, fmt.Errorf("chart.default_timeframe: %w", err)
	}
	var opts []usecase.ServiceOption
	if pipe != nil {
		opts = append(opts, usecase.WithUpdateListener(pipe.Listener()))
	}
	return usecase.NewChartService(usecase.ChartServiceConfig{
		DefaultTimeframe: cfg.Chart.DefaultTimeframe,
		Session: usecase.SessionConfig{
			LiveTimeframes:  cfg.Chart.LiveTimeframes,
			VolumePolicy:    policy,
			HistoryTimeout:  cfg.History.Timeout,
			TeardownTimeout: cfg.Live.HandshakeTimeout,
			Projector:       usecase.NewProjector(cfg.Chart.UpColor, cfg.Chart.DownColor),
		},
	}, src, live, m, l, opts...), nil
}

// ProvideChartsHandler creates the HTTP and WebSocket handler.
func ProvideChartsHandler(cfg *config.Config, svc *usecase.ChartService, l *logger.Logger) *api.ChartsEchoHandler {
	return api.NewChartsEchoHandler(l, svc,
		api.WithAllowedSymbols(cfg.Chart.Symbols),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		api.WithStreamBuffer(cfg.Server.StreamBuffer),
		api.WithCommandLimit(cfg.Server.CommandBurst, cfg.Server.CommandRate),
	)
}

// ProvideHealth checks the databases in use.
func ProvideHealth(ch *pkgch.Client, pg *sqlx.DB) xhttp.HealthFunc {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var errs []error
		if ch != nil {
			if err := ch.Health(ctx); err != nil {
				errs = append(errs, fmt.Errorf("clickhouse: %w", err))
			}
		}
		if pg != nil {
			if err := pg.PingContext(ctx); err != nil {
				errs = append(errs, fmt.Errorf("postgres: %w", err))
			}
		}
		return errors.Join(errs...)
	}
}

// ProvideHTTPServer creates the Echo server.
func ProvideHTTPServer(cfg *config.Config, h *api.ChartsEchoHandler, reg *prometheus.Registry, health xhttp.HealthFunc, l *logger.Logger) *xhttp.Server {
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
	}
	return xhttp.NewServer(h, l,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithSlowThreshold(cfg.Server.SlowThreshold),
		xhttp.WithMetrics(metricsPath, reg),
		xhttp.WithHealth(health),
	)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	svc *usecase.ChartService,
	pipe *mid.UpdatePipeline,
	h *api.ChartsEchoHandler,
	srv *xhttp.Server,
	l *logger.Logger,
) *server.App {
	return server.New(cfg, svc, pipe, h, srv, l)
}

func chTable(cfg *config.Config) string {
	if cfg.ClickHouse.Database == "" {
		return cfg.Storage.Table
	}
	return cfg.ClickHouse.Database + "." + cfg.Storage.Table
}
