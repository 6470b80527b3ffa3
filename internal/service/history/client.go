package history

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
	pkghttp "ChartSync/pkg/http"
	"ChartSync/pkg/logger"
)

// graphResponse is the columnar history payload: parallel arrays that are
// zipped row-wise.
type graphResponse struct {
	S string    `json:"s"`
	T []int64   `json:"t"`
	O []float64 `json:"o"`
	H []float64 `json:"h"`
	L []float64 `json:"l"`
	C []float64 `json:"c"`
	V []float64 `json:"v"`
}

// Client loads historical bars from the graph endpoint over HTTP.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *pkghttp.Client
	log      *logger.Logger
}

type Option func(*clientConfig)

type clientConfig struct {
	timeout time.Duration
	token   string
	http    []pkghttp.ClientOption
	log     *logger.Logger
}

// WithTimeout bounds every fetch.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(c *clientConfig) { c.token = token }
}

// WithHTTPOptions passes options to the underlying HTTP client.
func WithHTTPOptions(opts ...pkghttp.ClientOption) Option {
	return func(c *clientConfig) { c.http = append(c.http, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *clientConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient creates a loader for endpoint.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("history endpoint: %w", err)
	}
	cfg := &clientConfig{timeout: 15 * time.Second, log: logger.Nop()}
	for _, opt := range opts {
		opt(cfg)
	}
	httpOpts := append([]pkghttp.ClientOption{pkghttp.WithTimeout(cfg.timeout)}, cfg.http...)
	if cfg.token != "" {
		httpOpts = append(httpOpts, pkghttp.WithHeader("Authorization", "Bearer "+cfg.token))
	}
	return &Client{
		endpoint: endpoint,
		timeout:  cfg.timeout,
		http:     pkghttp.NewClient(httpOpts...),
		log:      cfg.log,
	}, nil
}

// Fetch issues one request for the window [from, to] and returns the bars
// in upstream order.
func (c *Client) Fetch(ctx context.Context, symbol string, tf drepo.Timeframe, from, to int64) ([]models.Bar, error) {
	sym := drepo.NormalizeSymbol(symbol)
	if sym == "" {
		return nil, fmt.Errorf("fetch: symbol is required")
	}
	d, err := drepo.Resolve(string(tf))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if from >= to {
		return nil, fmt.Errorf("fetch: from %d must be before to %d", from, to)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("symbol", sym)
	q.Set("resolution", d.ResolutionCode)
	q.Set("from", strconv.FormatInt(from, 10))
	q.Set("to", strconv.FormatInt(to, 10))

	start := time.Now()
	var resp graphResponse
	if err := c.http.GetJSON(ctx, c.endpoint, q, &resp); err != nil {
		if errors.Is(err, pkghttp.ErrDecode) {
			return nil, fmt.Errorf("fetch %s %s: %w: %v", sym, d.ID, models.ErrMalformedMessage, err)
		}
		return nil, fmt.Errorf("fetch %s %s: %w: %w", sym, d.ID, models.ErrTransport, err)
	}
	if resp.S != "ok" {
		return nil, fmt.Errorf("fetch %s %s: %w (status %q)", sym, d.ID, models.ErrNoData, resp.S)
	}

	bars, err := resp.bars()
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", sym, d.ID, err)
	}
	c.log.Debug("history fetched",
		logger.String("symbol", sym),
		logger.String("timeframe", string(d.ID)),
		logger.Int("bars", len(bars)),
		logger.Duration("duration", time.Since(start)),
	)
	return bars, nil
}

func (r graphResponse) bars() ([]models.Bar, error) {
	n := len(r.T)
	for name, col := range map[string]int{"o": len(r.O), "h": len(r.H), "l": len(r.L), "c": len(r.C), "v": len(r.V)} {
		if col < n {
			return nil, fmt.Errorf("%w: column %s has %d values for %d times", models.ErrMalformedMessage, name, col, n)
		}
	}
	out := make([]models.Bar, n)
	for i, t := range r.T {
		out[i] = models.Bar{Time: t, Open: r.O[i], High: r.H[i], Low: r.L[i], Close: r.C[i], Volume: r.V[i]}
	}
	return out, nil
}
