package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ChartSync/pkg/util"
)

type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		SlowThreshold   time.Duration `yaml:"slow_threshold"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		StreamBuffer    int           `yaml:"stream_buffer"`
		CommandBurst    float64       `yaml:"command_burst"`
		CommandRate     float64       `yaml:"command_rate"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
	Chart struct {
		Symbols          []string `yaml:"symbols"`
		DefaultTimeframe string   `yaml:"default_timeframe"`
		LiveTimeframes   []string `yaml:"live_timeframes"`
		VolumePolicy     string   `yaml:"volume_policy"`
		UpColor          string   `yaml:"up_color"`
		DownColor        string   `yaml:"down_color"`
	} `yaml:"chart"`
	History struct {
		Backend  string        `yaml:"backend"`
		URL      string        `yaml:"url"`
		Token    string        `yaml:"token"`
		Timeout  time.Duration `yaml:"timeout"`
		Cache    string        `yaml:"cache"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"history"`
	Live struct {
		Backend          string        `yaml:"backend"`
		WebSocketURL     string        `yaml:"websocket_url"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		Topic            string        `yaml:"topic"`
	} `yaml:"live"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		UpdatesTopic string   `yaml:"updates_topic"`
		RequiredAcks int      `yaml:"required_acks"`
		Compression  string   `yaml:"compression"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchBytes   int           `yaml:"batch_bytes"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id"`
			RetryMax   int           `yaml:"retry_max"`
			BackoffMin time.Duration `yaml:"backoff_min"`
			BackoffMax time.Duration `yaml:"backoff_max"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes"`
			MaxBytes   int           `yaml:"max_bytes"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	Publish struct {
		Backend string `yaml:"backend"`
	} `yaml:"publish"`
	RabbitMQ struct {
		URL            string        `yaml:"url"`
		Exchange       string        `yaml:"exchange"`
		ExchangeType   string        `yaml:"exchange_type"`
		PublishTimeout time.Duration `yaml:"publish_timeout"`
	} `yaml:"rabbitmq"`
	Pipeline struct {
		BufferSize  int     `yaml:"buffer_size"`
		MaxRPS      int     `yaml:"max_rps"`
		MaxAttempts int     `yaml:"max_attempts"`
	} `yaml:"pipeline"`
	Storage struct {
		Enabled bool   `yaml:"enabled"`
		Backend string `yaml:"backend"`
		Table   string `yaml:"table"`
	} `yaml:"storage"`
	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"postgres"`
	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	} `yaml:"clickhouse"`
	Redis struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML bytes, applies defaults and validates.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
// A .env file next to the working directory is read first when present.
func LoadWithEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("CHART_SYMBOLS"); v != "" {
		c.Chart.Symbols = util.SplitNonEmpty(v, ",")
	}
	if v := os.Getenv("HISTORY_URL"); v != "" {
		c.History.URL = v
	}
	if v := os.Getenv("HISTORY_TOKEN"); v != "" {
		c.History.Token = v
	}
	if v := os.Getenv("LIVE_WEBSOCKET_URL"); v != "" {
		c.Live.WebSocketURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = util.SplitNonEmpty(v, ",")
	}
	if v := os.Getenv("KAFKA_UPDATES_TOPIC"); v != "" {
		c.Kafka.UpdatesTopic = v
	}
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		c.RabbitMQ.URL = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Postgres.Password = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Chart.DefaultTimeframe == "" {
		c.Chart.DefaultTimeframe = "1m"
	}
	if len(c.Chart.LiveTimeframes) == 0 {
		c.Chart.LiveTimeframes = []string{"1m"}
	}
	if c.Chart.VolumePolicy == "" {
		c.Chart.VolumePolicy = "delta"
	}
	if c.History.Backend == "" {
		c.History.Backend = "http"
	}
	if c.History.Timeout == 0 {
		c.History.Timeout = 15 * time.Second
	}
	if c.History.Cache == "" {
		c.History.Cache = "none"
	}
	if c.History.CacheTTL == 0 {
		c.History.CacheTTL = 30 * time.Second
	}
	if c.Live.Backend == "" {
		c.Live.Backend = "websocket"
	}
	if c.Live.PingInterval == 0 {
		c.Live.PingInterval = 20 * time.Second
	}
	if c.Live.HandshakeTimeout == 0 {
		c.Live.HandshakeTimeout = 10 * time.Second
	}
	if c.Server.StreamBuffer == 0 {
		c.Server.StreamBuffer = 256
	}
	if c.Server.CommandBurst == 0 {
		c.Server.CommandBurst = 10
	}
	if c.Server.CommandRate == 0 {
		c.Server.CommandRate = 2
	}
	if c.Publish.Backend == "" {
		c.Publish.Backend = "none"
		if c.Kafka.UpdatesTopic != "" {
			c.Publish.Backend = "kafka"
		}
	}
	if c.RabbitMQ.ExchangeType == "" {
		c.RabbitMQ.ExchangeType = "topic"
	}
	if c.RabbitMQ.PublishTimeout == 0 {
		c.RabbitMQ.PublishTimeout = 5 * time.Second
	}
	if c.Pipeline.BufferSize == 0 {
		c.Pipeline.BufferSize = 1000
	}
	if c.Pipeline.MaxRPS == 0 {
		c.Pipeline.MaxRPS = 20
	}
	if c.Pipeline.MaxAttempts == 0 {
		c.Pipeline.MaxAttempts = 5
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "clickhouse"
	}
	if c.Storage.Table == "" {
		c.Storage.Table = "bars"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	switch c.Chart.VolumePolicy {
	case "delta", "cumulative":
	default:
		return fmt.Errorf("chart.volume_policy must be 'delta' or 'cumulative', got '%s'", c.Chart.VolumePolicy)
	}
	switch c.History.Backend {
	case "http":
		if c.History.URL == "" {
			return fmt.Errorf("history.url is required for the http backend")
		}
	case "clickhouse":
		if c.ClickHouse.Host == "" {
			return fmt.Errorf("clickhouse.host is required for the clickhouse history backend")
		}
	case "postgres":
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres.host is required for the postgres history backend")
		}
	default:
		return fmt.Errorf("history.backend must be one of http, clickhouse, postgres; got '%s'", c.History.Backend)
	}
	switch c.History.Cache {
	case "none", "memory":
	case "redis", "layered":
		if c.Redis.Host == "" {
			return fmt.Errorf("redis.host is required for the %s history cache", c.History.Cache)
		}
	default:
		return fmt.Errorf("history.cache must be one of none, memory, redis, layered; got '%s'", c.History.Cache)
	}
	switch c.Live.Backend {
	case "websocket":
		if c.Live.WebSocketURL == "" {
			return fmt.Errorf("live.websocket_url is required for the websocket backend")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 || c.Live.Topic == "" {
			return fmt.Errorf("kafka.brokers and live.topic are required for the kafka live backend")
		}
	default:
		return fmt.Errorf("live.backend must be 'websocket' or 'kafka', got '%s'", c.Live.Backend)
	}
	switch c.Publish.Backend {
	case "none":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 || c.Kafka.UpdatesTopic == "" {
			return fmt.Errorf("kafka.brokers and kafka.updates_topic are required for the kafka publisher")
		}
	case "rabbitmq":
		if c.RabbitMQ.URL == "" || c.RabbitMQ.Exchange == "" {
			return fmt.Errorf("rabbitmq.url and rabbitmq.exchange are required for the rabbitmq publisher")
		}
	default:
		return fmt.Errorf("publish.backend must be one of none, kafka, rabbitmq; got '%s'", c.Publish.Backend)
	}
	if c.Pipeline.MaxRPS < 0 || c.Pipeline.MaxAttempts < 0 || c.Pipeline.BufferSize < 0 {
		return fmt.Errorf("pipeline settings must not be negative")
	}
	if c.Storage.Enabled {
		switch c.Storage.Backend {
		case "clickhouse":
			if c.ClickHouse.Host == "" {
				return fmt.Errorf("clickhouse.host is required for the clickhouse store")
			}
		case "postgres":
			if c.Postgres.Host == "" {
				return fmt.Errorf("postgres.host is required for the postgres store")
			}
		default:
			return fmt.Errorf("storage.backend must be 'clickhouse' or 'postgres', got '%s'", c.Storage.Backend)
		}
	}
	return nil
}

// UsesClickHouse reports whether any component needs a ClickHouse connection.
func (c *Config) UsesClickHouse() bool {
	return (c.Storage.Enabled && c.Storage.Backend == "clickhouse") || c.History.Backend == "clickhouse"
}

// UsesPostgres reports whether any component needs a PostgreSQL connection.
func (c *Config) UsesPostgres() bool {
	return (c.Storage.Enabled && c.Storage.Backend == "postgres") || c.History.Backend == "postgres"
}
