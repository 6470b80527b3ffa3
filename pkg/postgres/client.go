package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// Option configures Config.
type Option func(*Config)

// WithAddr sets host and port.
func WithAddr(host string, port int) Option {
	return func(c *Config) {
		c.Host = host
		if port > 0 {
			c.Port = port
		}
	}
}

// WithCredentials sets user and password.
func WithCredentials(user, password string) Option {
	return func(c *Config) {
		c.User = user
		c.Password = password
	}
}

// WithDatabase sets the database name and sslmode.
func WithDatabase(name, sslMode string) Option {
	return func(c *Config) {
		if name != "" {
			c.Database = name
		}
		if sslMode != "" {
			c.SSLMode = sslMode
		}
	}
}

// Connect opens and pings a pool on the lib/pq driver.
func Connect(ctx context.Context, opts ...Option) (*sqlx.DB, error) {
	cfg := &Config{
		Port:     5432,
		Database: "chartsync",
		SSLMode:  "disable",
		MaxConns: 10,
		MaxIdle:  5,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}

	db, err := sqlx.Open("postgres", DSN(*cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// DSN renders cfg as a postgres:// URL.
func DSN(cfg Config) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	q := url.Values{}
	q.Set("sslmode", cfg.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
