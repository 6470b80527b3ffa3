package livefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
	"ChartSync/pkg/logger"
)

// closeGrace bounds the wait for the peer's close frame.
const closeGrace = time.Second

// subscribeMessage is sent once the connection is open. Timeframe carries
// the raw timeframe id, not the resolution code.
type subscribeMessage struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// WebSocketFeed implements LiveFeed with one WebSocket connection per subscription.
type WebSocketFeed struct {
	url          string
	dialer       *websocket.Dialer
	pingInterval time.Duration
	writeTimeout time.Duration
	metrics      drepo.Metrics
	log          *logger.Logger
}

type WebSocketOption func(*WebSocketFeed)

// WithPingInterval sets the keepalive ping period; zero disables pings.
func WithPingInterval(d time.Duration) WebSocketOption {
	return func(f *WebSocketFeed) { f.pingInterval = d }
}

// WithHandshakeTimeout bounds the opening handshake.
func WithHandshakeTimeout(d time.Duration) WebSocketOption {
	return func(f *WebSocketFeed) {
		if d > 0 {
			f.dialer.HandshakeTimeout = d
		}
	}
}

// WithFeedMetrics sets the metrics sink.
func WithFeedMetrics(m drepo.Metrics) WebSocketOption {
	return func(f *WebSocketFeed) {
		if m != nil {
			f.metrics = m
		}
	}
}

// WithFeedLogger sets the logger.
func WithFeedLogger(l *logger.Logger) WebSocketOption {
	return func(f *WebSocketFeed) {
		if l != nil {
			f.log = l
		}
	}
}

// NewWebSocketFeed creates a feed for the bar stream at url.
func NewWebSocketFeed(url string, opts ...WebSocketOption) *WebSocketFeed {
	d := *websocket.DefaultDialer
	f := &WebSocketFeed{
		url:          url,
		dialer:       &d,
		pingInterval: 20 * time.Second,
		writeTimeout: 5 * time.Second,
		metrics:      drepo.NopMetrics{},
		log:          logger.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe starts a connection in the background and returns at once.
// onState sees Connecting, then Open after the subscribe message is sent,
// and finally Closed or Errored exactly once.
func (f *WebSocketFeed) Subscribe(ctx context.Context, symbol string, tf drepo.Timeframe, onBar drepo.BarHandler, onState drepo.StateHandler) (drepo.Subscription, error) {
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

	ctx, cancel := context.WithCancel(ctx)
	s := &wsSubscription{cancel: cancel, done: make(chan struct{})}
	l := f.log.With(logger.String("symbol", sym), logger.String("timeframe", string(d.ID)))
	go f.run(ctx, s, sym, d.ID, onBar, onState, l)
	return s, nil
}

func (f *WebSocketFeed) run(ctx context.Context, s *wsSubscription, symbol string, tf drepo.Timeframe, onBar drepo.BarHandler, onState drepo.StateHandler, l *logger.Logger) {
	defer close(s.done)

	onState(models.StateConnecting)
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		if ctx.Err() != nil {
			onState(models.StateClosed)
			return
		}
		f.metrics.RecordError("live_dial")
		l.Warn("live feed dial failed", logger.Error(err))
		onState(models.StateErrored)
		return
	}
	defer conn.Close()

	msg := subscribeMessage{Type: "subscribe", Symbol: symbol, Timeframe: string(tf)}
	_ = conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		f.metrics.RecordError("live_subscribe")
		l.Warn("live feed subscribe failed", logger.Error(err))
		onState(models.StateErrored)
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})
	l.Info("live feed subscribed")
	onState(models.StateOpen)

	var wg sync.WaitGroup
	defer wg.Wait()
	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	readDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.keepalive(connCtx, conn, readDone, l)
	}()
	defer close(readDone)

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Info("live feed closed")
				onState(models.StateClosed)
				return
			}
			f.metrics.RecordError("live_read")
			l.Warn("live feed read failed", logger.Error(err))
			onState(models.StateErrored)
			return
		}

		bar, err := DecodeBar(b)
		if err != nil {
			f.metrics.RecordError("live_malformed")
			l.Warn("dropping malformed live message", logger.Error(err), logger.Int("bytes", len(b)))
			continue
		}
		onBar(bar)
	}
}

// keepalive pings until ctx is done. It then starts the closing handshake
// and closes the connection once the read loop has seen the peer's close
// frame or closeGrace has passed.
func (f *WebSocketFeed) keepalive(ctx context.Context, conn *websocket.Conn, readDone <-chan struct{}, l *logger.Logger) {
	var tick <-chan time.Time
	if f.pingInterval > 0 {
		t := time.NewTicker(f.pingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(f.writeTimeout))
			grace := time.NewTimer(closeGrace)
			select {
			case <-readDone:
			case <-grace.C:
			}
			grace.Stop()
			_ = conn.Close()
			return
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.writeTimeout)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				l.Debug("live feed ping failed", logger.Error(err))
			}
		}
	}
}

type wsSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the subscription. It does not wait for the connection to
// close; use Done for that.
func (s *wsSubscription) Cancel() {
	s.once.Do(s.cancel)
}

// Done is closed after the final state has been reported.
func (s *wsSubscription) Done() <-chan struct{} { return s.done }
