package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
	"ChartSync/pkg/logger"
)

// UpdateListener receives session events in the order they happened.
// Listeners run on the goroutine that caused the event and must not block
// or call back into the session.
type UpdateListener func(models.ChartUpdate)

// SessionConfig configures one chart session.
type SessionConfig struct {
	Symbol          string
	LiveTimeframes  []string
	VolumePolicy    VolumePolicy
	HistoryTimeout  time.Duration
	// TeardownTimeout bounds the wait for a replaced live connection to close.
	TeardownTimeout time.Duration
	Projector       *Projector
	Now             func() time.Time
}

// ChartSession owns the merged sequence of one symbol together with the
// active timeframe, its live subscription and its in-flight historical fetch.
//
// Every timeframe switch bumps both generations. Fetch results and live
// callbacks carry the generation they were started with and are dropped
// when it no longer matches.
type ChartSession struct {
	id      string
	symbol  string
	cfg     SessionConfig
	history drepo.HistoricalSource
	live    drepo.LiveFeed
	metrics drepo.Metrics
	log     *logger.Logger
	rec     *Reconciler
	proj    *Projector
	liveTF  map[drepo.Timeframe]bool

	// switchMu serializes SelectTimeframe, Retry and Close.
	switchMu sync.Mutex

	mu          sync.Mutex
	tf          drepo.Descriptor
	selected    bool
	fetchGen    uint64
	liveGen     uint64
	cancelFetch context.CancelFunc
	sub         drepo.Subscription
	conn        models.ConnectionState
	loading     bool
	lastErr     string
	closed      bool
	listeners   map[int]UpdateListener
	nextID      int

	// emitMu is taken before mu is released so listeners see events in
	// mutation order.
	emitMu sync.Mutex

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closedCh   chan struct{}
}

// NewChartSession creates an idle session. Call SelectTimeframe to start it.
func NewChartSession(cfg SessionConfig, history drepo.HistoricalSource, live drepo.LiveFeed, metrics drepo.Metrics, log *logger.Logger) *ChartSession {
	if metrics == nil {
		metrics = drepo.NopMetrics{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Projector == nil {
		cfg.Projector = NewProjector("", "")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = 15 * time.Second
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 10 * time.Second
	}
	if len(cfg.LiveTimeframes) == 0 {
		cfg.LiveTimeframes = []string{string(drepo.DefaultTimeframe())}
	}

	symbol := drepo.NormalizeSymbol(cfg.Symbol)
	id := uuid.NewString()
	liveTF := make(map[drepo.Timeframe]bool, len(cfg.LiveTimeframes))
	for _, raw := range cfg.LiveTimeframes {
		if d, err := drepo.Resolve(raw); err == nil {
			liveTF[d.ID] = true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ChartSession{
		id:         id,
		symbol:     symbol,
		cfg:        cfg,
		history:    history,
		live:       live,
		metrics:    metrics,
		log:        log.With(logger.String("symbol", symbol), logger.String("session_id", id)),
		rec:        NewReconciler(cfg.VolumePolicy),
		proj:       cfg.Projector,
		liveTF:     liveTF,
		conn:       models.StateClosed,
		listeners:  make(map[int]UpdateListener),
		baseCtx:    ctx,
		baseCancel: cancel,
		closedCh:   make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *ChartSession) ID() string { return s.id }

// Symbol returns the normalized symbol.
func (s *ChartSession) Symbol() string { return s.symbol }

// SelectTimeframe switches the chart to id. Unknown ids are rejected and
// leave the session untouched. Otherwise the sequence is reset, the live
// feed is resubscribed and a new historical fetch is started.
func (s *ChartSession) SelectTimeframe(ctx context.Context, id string) error {
	d, err := drepo.Resolve(id)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrSessionClosed
	}
	s.fetchGen++
	s.liveGen++
	oldFetch, oldSub := s.cancelFetch, s.sub
	s.cancelFetch, s.sub = nil, nil
	s.tf = d
	s.selected = true
	s.lastErr = ""
	s.loading = false
	s.conn = models.StateClosed
	s.rec.Reset()
	s.emitLocked(s.newUpdate(models.UpdateReset))

	// cancel outside mu; a feed may report Closed synchronously
	if oldFetch != nil {
		oldFetch()
	}
	if oldSub != nil {
		s.teardown(oldSub)
	}

	s.log.Info("timeframe selected", logger.String("timeframe", string(d.ID)))
	s.subscribe()
	s.startFetch()
	return nil
}

// Retry re-issues the historical fetch for the current timeframe. A live
// subscription that has closed or errored is opened again as well.
func (s *ChartSession) Retry(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ErrSessionClosed
	}
	if !s.selected {
		s.mu.Unlock()
		return fmt.Errorf("retry: %w", models.ErrNoData)
	}
	s.lastErr = ""
	resubscribe := s.sub == nil || s.conn == models.StateClosed || s.conn == models.StateErrored
	var oldSub drepo.Subscription
	if resubscribe {
		s.liveGen++
		oldSub, s.sub = s.sub, nil
	}
	s.mu.Unlock()

	if oldSub != nil {
		s.teardown(oldSub)
	}
	s.log.Info("retrying chart load", logger.String("timeframe", string(s.Timeframe())), logger.Bool("resubscribe", resubscribe))
	if resubscribe {
		s.subscribe()
	}
	s.startFetch()
	return nil
}

// subscribe opens the live feed for the current timeframe. The caller holds switchMu.
func (s *ChartSession) subscribe() {
	s.mu.Lock()
	gen, tf := s.liveGen, s.tf
	s.mu.Unlock()

	sub, err := s.live.Subscribe(s.baseCtx, s.symbol, tf.ID, s.barHandler(gen), s.stateHandler(gen))
	if err != nil {
		s.metrics.RecordError("live_subscribe")
		s.log.Warn("live subscribe failed", logger.String("timeframe", string(tf.ID)), logger.Error(err))
		s.mu.Lock()
		if gen != s.liveGen || s.closed {
			s.mu.Unlock()
			return
		}
		st := models.StateErrored
		s.conn = st
		s.metrics.RecordConnectionState(s.symbol, st)
		ev := s.newUpdate(models.UpdateState)
		ev.State = &st
		s.emitLocked(ev)
		return
	}

	s.mu.Lock()
	if gen != s.liveGen || s.closed {
		s.mu.Unlock()
		s.teardown(sub)
		return
	}
	s.sub = sub
	s.mu.Unlock()
}

// teardown cancels sub and waits until its connection is closed, so a
// chart never holds two live connections. The caller holds switchMu but not mu.
func (s *ChartSession) teardown(sub drepo.Subscription) {
	sub.Cancel()
	t := time.NewTimer(s.cfg.TeardownTimeout)
	defer t.Stop()
	select {
	case <-sub.Done():
	case <-t.C:
		s.metrics.RecordError("live_teardown")
		s.log.Warn("live feed did not close in time", logger.Duration("timeout", s.cfg.TeardownTimeout))
	}
}

// startFetch starts a bounded historical fetch. The caller holds switchMu.
func (s *ChartSession) startFetch() {
	s.mu.Lock()
	if s.cancelFetch != nil {
		s.cancelFetch()
	}
	s.fetchGen++
	gen, tf := s.fetchGen, s.tf
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.HistoryTimeout)
	s.cancelFetch = cancel
	s.loading = true
	s.mu.Unlock()

	from, to, err := drepo.ComputeRange(string(tf.ID), s.cfg.Now().Unix())
	if err != nil {
		cancel()
		s.completeFetch(gen, tf, nil, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		start := time.Now()
		bars, err := s.history.Fetch(ctx, s.symbol, tf.ID, from, to)
		s.metrics.RecordLatency("history_fetch", time.Since(start).Seconds())
		s.completeFetch(gen, tf, bars, err)
	}()
}

func (s *ChartSession) completeFetch(gen uint64, tf drepo.Descriptor, bars []models.Bar, err error) {
	s.mu.Lock()
	if s.closed || gen != s.fetchGen {
		s.mu.Unlock()
		s.log.Debug("discarding stale historical result", logger.String("timeframe", string(tf.ID)))
		return
	}
	s.loading = false
	s.cancelFetch = nil

	if err == nil {
		err = s.rec.LoadHistorical(bars)
		if err != nil {
			err = fmt.Errorf("%w: %w", models.ErrMalformedMessage, err)
		}
	}
	if err != nil {
		s.lastErr = err.Error()
		s.metrics.RecordError(fetchErrorKind(err))
		s.log.Warn("historical load failed", logger.String("timeframe", string(tf.ID)), logger.Error(err))
		ev := s.newUpdate(models.UpdateError)
		ev.Error = err.Error()
		s.emitLocked(ev)
		return
	}
	if len(bars) == 0 {
		s.mu.Unlock()
		s.log.Debug("historical load returned no bars", logger.String("timeframe", string(tf.ID)))
		return
	}

	s.metrics.RecordHistoricalLoad(string(tf.ID), len(bars))
	if last, ok := s.rec.Last(); ok {
		s.metrics.RecordLastClose(s.symbol, last.Close)
	}
	s.log.Info("historical bars loaded", logger.String("timeframe", string(tf.ID)), logger.Int("bars", len(bars)))
	ev := s.newUpdate(models.UpdateLoad)
	ev.Bars = s.rec.Snapshot()
	s.emitLocked(ev)
}

func (s *ChartSession) barHandler(gen uint64) drepo.BarHandler {
	return func(b models.Bar) {
		s.mu.Lock()
		if s.closed || gen != s.liveGen {
			s.mu.Unlock()
			return
		}
		tf := s.tf
		if !s.liveTF[tf.ID] {
			s.mu.Unlock()
			s.metrics.RecordLiveBar(string(tf.ID), "filtered")
			return
		}
		b.Time = tf.AlignBucket(b.Time)
		res := s.rec.ApplyLiveBar(b)
		s.metrics.RecordLiveBar(string(tf.ID), res.Outcome.String())
		if !res.Changed() {
			s.mu.Unlock()
			if res.Outcome == OutcomeRejected || res.Outcome == OutcomeStale {
				s.log.Debug("live bar dropped", logger.String("outcome", res.Outcome.String()), logger.Int64("bar_time", b.Time))
			}
			return
		}

		s.metrics.RecordLastClose(s.symbol, res.Bar.Close)
		kind := models.UpdateBar
		if res.Outcome == OutcomeAppended {
			kind = models.UpdateAppend
		}
		ev := s.newUpdate(kind)
		bar := res.Bar
		ev.Bar = &bar
		ev.Closed = res.Closed
		s.emitLocked(ev)
	}
}

func (s *ChartSession) stateHandler(gen uint64) drepo.StateHandler {
	return func(st models.ConnectionState) {
		s.mu.Lock()
		if s.closed || gen != s.liveGen || s.conn == st {
			s.mu.Unlock()
			return
		}
		s.conn = st
		s.metrics.RecordConnectionState(s.symbol, st)
		if st == models.StateErrored {
			s.log.Warn("live feed errored", logger.String("timeframe", string(s.tf.ID)))
		}
		ev := s.newUpdate(models.UpdateState)
		ev.State = &st
		s.emitLocked(ev)
	}
}

// Watch registers fn for every subsequent event and returns a function
// that removes it.
func (s *ChartSession) Watch(fn UpdateListener) (unwatch func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Done is closed when the session is closed. Watchers use it to detach,
// since a closed session emits nothing more.
func (s *ChartSession) Done() <-chan struct{} { return s.closedCh }

// Status reports the observable state of the session.
func (s *ChartSession) Status() models.ChartStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.ChartStatus{
		Symbol:     s.symbol,
		Timeframe:  string(s.tf.ID),
		State:      s.rec.State(),
		Connection: s.conn,
		Loading:    s.loading,
		Bars:       s.rec.Len(),
		LastError:  s.lastErr,
		LiveActive: s.liveTF[s.tf.ID],
	}
}

// Timeframe returns the active timeframe id.
func (s *ChartSession) Timeframe() drepo.Timeframe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tf.ID
}

// Snapshot returns the active timeframe and the current merged sequence.
func (s *ChartSession) Snapshot() (drepo.Descriptor, []models.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tf, s.rec.Snapshot()
}

// Series projects the current sequence with the given overlays.
func (s *ChartSession) Series(ov models.Overlays) models.Series {
	return s.SeriesWindow(ov, 0, 0)
}

// SeriesWindow projects the bars with from <= time <= to. Zero bounds are open.
func (s *ChartSession) SeriesWindow(ov models.Overlays, from, to int64) models.Series {
	tf, bars := s.Snapshot()
	return s.proj.Project(s.symbol, string(tf.ID), Window(bars, from, to), ov)
}

// Close cancels the live subscription and any in-flight fetch and waits
// for the fetch goroutine to return. It is safe to call more than once.
func (s *ChartSession) Close() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.conn != models.StateClosed && s.selected {
		st := models.StateClosed
		s.conn = st
		ev := s.newUpdate(models.UpdateState)
		ev.State = &st
		s.emitLocked(ev)
		s.mu.Lock()
	}
	s.closed = true
	close(s.closedCh)
	s.fetchGen++
	s.liveGen++
	fetch, sub := s.cancelFetch, s.sub
	s.cancelFetch, s.sub = nil, nil
	s.listeners = map[int]UpdateListener{}
	s.mu.Unlock()

	if fetch != nil {
		fetch()
	}
	if sub != nil {
		s.teardown(sub)
	}
	s.baseCancel()
	s.wg.Wait()
	s.metrics.RecordConnectionState(s.symbol, models.StateClosed)
	s.log.Info("chart session closed")
}

func (s *ChartSession) newUpdate(kind models.UpdateKind) models.ChartUpdate {
	return models.ChartUpdate{
		ID:        uuid.NewString(),
		Kind:      kind,
		Symbol:    s.symbol,
		Timeframe: string(s.tf.ID),
		At:        s.cfg.Now().UTC(),
	}
}

// emitLocked delivers ev to the listeners. It must be called with mu held
// and returns with mu released.
func (s *ChartSession) emitLocked(ev models.ChartUpdate) {
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	ls := make([]UpdateListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		ls = append(ls, fn)
	}
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()
	for _, fn := range ls {
		fn(ev)
	}
}

func fetchErrorKind(err error) string {
	switch {
	case errors.Is(err, models.ErrNoData):
		return "history_no_data"
	case errors.Is(err, models.ErrMalformedMessage):
		return "history_malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return "history_timeout"
	default:
		return "history_transport"
	}
}
