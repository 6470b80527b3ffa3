package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
	"ChartSync/pkg/logger"
)

// ChartServiceConfig holds the settings shared by every session.
type ChartServiceConfig struct {
	DefaultTimeframe string
	Session          SessionConfig
}

// ChartService keeps one ChartSession per normalized symbol.
type ChartService struct {
	cfg       ChartServiceConfig
	history   drepo.HistoricalSource
	live      drepo.LiveFeed
	metrics   drepo.Metrics
	log       *logger.Logger
	listeners []UpdateListener
	liveTF    map[drepo.Timeframe]bool

	mu       sync.Mutex
	sessions map[string]*ChartSession
	closed   bool
}

// ServiceOption customizes a ChartService.
type ServiceOption func(*ChartService)

// WithUpdateListener attaches fn to every session the service opens.
func WithUpdateListener(fn UpdateListener) ServiceOption {
	return func(s *ChartService) {
		if fn != nil {
			s.listeners = append(s.listeners, fn)
		}
	}
}

// NewChartService creates an empty registry.
func NewChartService(cfg ChartServiceConfig, history drepo.HistoricalSource, live drepo.LiveFeed, metrics drepo.Metrics, log *logger.Logger, opts ...ServiceOption) *ChartService {
	if cfg.DefaultTimeframe == "" {
		cfg.DefaultTimeframe = string(drepo.DefaultTimeframe())
	}
	if metrics == nil {
		metrics = drepo.NopMetrics{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if len(cfg.Session.LiveTimeframes) == 0 {
		cfg.Session.LiveTimeframes = []string{string(drepo.DefaultTimeframe())}
	}
	liveTF := make(map[drepo.Timeframe]bool, len(cfg.Session.LiveTimeframes))
	for _, raw := range cfg.Session.LiveTimeframes {
		if d, err := drepo.Resolve(raw); err == nil {
			liveTF[d.ID] = true
		}
	}
	s := &ChartService{
		cfg:      cfg,
		history:  history,
		live:     live,
		metrics:  metrics,
		log:      log,
		liveTF:   liveTF,
		sessions: make(map[string]*ChartSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns the session for symbol, creating it on the default
// timeframe when it does not exist yet.
func (s *ChartService) Open(ctx context.Context, symbol string) (*ChartSession, error) {
	key := drepo.NormalizeSymbol(symbol)
	if key == "" {
		return nil, fmt.Errorf("open chart: symbol is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, models.ErrSessionClosed
	}
	if sess, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	cfg := s.cfg.Session
	cfg.Symbol = key
	sess := NewChartSession(cfg, s.history, s.live, s.metrics, s.log)
	for _, fn := range s.listeners {
		sess.Watch(fn)
	}
	s.sessions[key] = sess
	s.mu.Unlock()

	if err := sess.SelectTimeframe(ctx, s.cfg.DefaultTimeframe); err != nil {
		s.mu.Lock()
		if s.sessions[key] == sess {
			delete(s.sessions, key)
		}
		s.mu.Unlock()
		sess.Close()
		return nil, fmt.Errorf("open chart %s: %w", key, err)
	}
	s.log.Info("chart opened", logger.String("symbol", key), logger.String("timeframe", s.cfg.DefaultTimeframe))
	return sess, nil
}

// IsLive reports whether live bars are applied on tf.
func (s *ChartService) IsLive(tf drepo.Timeframe) bool { return s.liveTF[tf] }

// Get returns an existing session.
func (s *ChartService) Get(symbol string) (*ChartSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[drepo.NormalizeSymbol(symbol)]
	return sess, ok
}

// Symbols lists the open sessions in lexical order.
func (s *ChartService) Symbols() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		out = append(out, k)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close closes and forgets the session for symbol.
func (s *ChartService) Close(symbol string) bool {
	key := drepo.NormalizeSymbol(symbol)
	s.mu.Lock()
	sess, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if ok {
		sess.Close()
	}
	return ok
}

// Shutdown closes every session. The service rejects Open afterwards.
func (s *ChartService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*ChartSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = map[string]*ChartSession{}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, sess := range sessions {
			sess.Close()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("chart service shutdown incomplete"), ctx.Err())
	}
}
