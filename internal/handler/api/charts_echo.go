package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/parquet-go/parquet-go"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
	"ChartSync/internal/service/ratelimit"
	"ChartSync/internal/usecase"
	xhttp "ChartSync/pkg/http"
	xlogger "ChartSync/pkg/logger"
	"ChartSync/pkg/util"
)

const parquetContentType = "application/vnd.apache.parquet"

// ChartsEchoHandler exposes chart sessions over HTTP and WebSocket.
type ChartsEchoHandler struct {
	logger     *xlogger.Logger
	svc        *usecase.ChartService
	allowed    map[string]bool
	upgrader   websocket.Upgrader
	sendBuffer int
	limiter    *ratelimit.Limiter
	now        func() time.Time

	mu      sync.Mutex
	streams map[*chartStream]struct{}
	closed  bool
}

// HandlerOption configures ChartsEchoHandler.
type HandlerOption func(*ChartsEchoHandler)

// WithAllowedSymbols restricts which symbols can be opened. Empty allows all.
func WithAllowedSymbols(symbols []string) HandlerOption {
	return func(h *ChartsEchoHandler) {
		for _, s := range symbols {
			if n := drepo.NormalizeSymbol(s); n != "" {
				h.allowed[n] = true
			}
		}
	}
}

// WithAllowedOrigins restricts WebSocket upgrades to the given origins.
// Requests without an Origin header are always accepted.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *ChartsEchoHandler) {
		if len(origins) == 0 {
			return
		}
		set := make(map[string]bool, len(origins))
		for _, o := range origins {
			if o == "*" {
				return
			}
			set[strings.TrimRight(o, "/")] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || set[origin]
		}
	}
}

// WithStreamBuffer sets the per-client outbound queue length.
func WithStreamBuffer(n int) HandlerOption {
	return func(h *ChartsEchoHandler) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithCommandLimit limits timeframe switches and retries per client to a
// burst of burst commands refilled at perSec. A zero burst disables it.
func WithCommandLimit(burst, perSec float64) HandlerOption {
	return func(h *ChartsEchoHandler) {
		h.limiter = ratelimit.New(burst, perSec)
	}
}

func NewChartsEchoHandler(logger *xlogger.Logger, svc *usecase.ChartService, opts ...HandlerOption) *ChartsEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	h := &ChartsEchoHandler{
		logger:  logger,
		svc:     svc,
		allowed: make(map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sendBuffer: 256,
		now:        time.Now,
		streams:    make(map[*chartStream]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *ChartsEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/timeframes", h.Timeframes)
	g.GET("/charts", h.List)
	g.GET("/charts/:symbol", h.Status)
	g.DELETE("/charts/:symbol", h.CloseChart)
	g.GET("/charts/:symbol/series", h.Series)
	g.PUT("/charts/:symbol/timeframe", h.SelectTimeframe)
	g.POST("/charts/:symbol/retry", h.Retry)
	g.GET("/charts/:symbol/export", h.Export)
	e.GET("/ws/charts/:symbol", h.Stream)
}

// open returns the session for symbol, creating it when allowed.
func (h *ChartsEchoHandler) open(c echo.Context, symbol string) (*usecase.ChartSession, error) {
	key := drepo.NormalizeSymbol(symbol)
	if len(h.allowed) > 0 && !h.allowed[key] {
		return nil, xhttp.NotFoundErrorf("chart %s is not configured", key)
	}
	if sess, ok := h.svc.Get(key); ok {
		return sess, nil
	}
	return h.svc.Open(c.Request().Context(), key)
}

// allow applies the command limit to the client behind c.
func (h *ChartsEchoHandler) allow(c echo.Context) bool {
	return h.limiter.Allow(c.RealIP())
}

func rateLimited() *xhttp.AppError {
	return xhttp.NewAppError("ERR_RATE_LIMITED", "", "too many chart commands", http.StatusTooManyRequests)
}

func (h *ChartsEchoHandler) fail(c echo.Context, op string, err error) error {
	appErr := toAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.logger.Error(op+" error", xlogger.String("symbol", c.Param("symbol")), xlogger.Error(err))
	}
	return xhttp.AppErrorResponse(c, appErr)
}

func (h *ChartsEchoHandler) Timeframes(c echo.Context) error {
	all := drepo.Timeframes()
	out := make([]models.TimeframeInfo, 0, len(all))
	for _, d := range all {
		out = append(out, models.TimeframeInfo{
			ID:              string(d.ID),
			Label:           d.Label,
			BucketSeconds:   d.BucketSeconds,
			LookbackSeconds: d.LookbackSeconds,
			Resolution:      d.ResolutionCode,
			Live:            h.svc.IsLive(d.ID),
		})
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=3600")
	return xhttp.SuccessResponse(c, out)
}

func (h *ChartsEchoHandler) List(c echo.Context) error {
	symbols := h.svc.Symbols()
	out := make([]models.ChartStatus, 0, len(symbols))
	for _, s := range symbols {
		if sess, ok := h.svc.Get(s); ok {
			out = append(out, sess.Status())
		}
	}
	return xhttp.SuccessResponse(c, out)
}

func (h *ChartsEchoHandler) Status(c echo.Context) error {
	req := &models.ChartRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	sess, err := h.open(c, req.Symbol)
	if err != nil {
		return h.fail(c, "chart status", err)
	}
	return xhttp.SuccessResponse(c, sess.Status())
}

func (h *ChartsEchoHandler) CloseChart(c echo.Context) error {
	req := &models.ChartRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.svc.Close(req.Symbol) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("chart %s is not open", drepo.NormalizeSymbol(req.Symbol)))
	}
	return xhttp.SuccessResponse(c, "closed")
}

func (h *ChartsEchoHandler) Series(c echo.Context) error {
	req := &models.SeriesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	sess, err := h.open(c, req.Symbol)
	if err != nil {
		return h.fail(c, "chart series", err)
	}
	from := util.ParseEpochDefault(req.From, 0)
	to := util.ParseEpochDefault(req.To, 0)
	return xhttp.SuccessResponse(c, sess.SeriesWindow(req.Overlays(), from, to))
}

func (h *ChartsEchoHandler) SelectTimeframe(c echo.Context) error {
	req := &models.TimeframeRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.allow(c) {
		return xhttp.AppErrorResponse(c, rateLimited())
	}
	if _, err := drepo.Resolve(req.Timeframe); err != nil {
		return h.fail(c, "select timeframe", err)
	}
	sess, err := h.open(c, req.Symbol)
	if err != nil {
		return h.fail(c, "select timeframe", err)
	}
	if err := sess.SelectTimeframe(c.Request().Context(), req.Timeframe); err != nil {
		return h.fail(c, "select timeframe", err)
	}
	return xhttp.AcceptedResponse(c, sess.Status())
}

func (h *ChartsEchoHandler) Retry(c echo.Context) error {
	req := &models.ChartRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if !h.allow(c) {
		return xhttp.AppErrorResponse(c, rateLimited())
	}
	sess, ok := h.svc.Get(req.Symbol)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("chart %s is not open", drepo.NormalizeSymbol(req.Symbol)))
	}
	if err := sess.Retry(c.Request().Context()); err != nil {
		return h.fail(c, "retry", err)
	}
	return xhttp.AcceptedResponse(c, sess.Status())
}

// exportRow is one bar in the parquet export.
type exportRow struct {
	Symbol    string  `parquet:"symbol,dict"`
	Timeframe string  `parquet:"timeframe,dict"`
	Time      int64   `parquet:"time"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// Export writes the merged sequence as a parquet file.
func (h *ChartsEchoHandler) Export(c echo.Context) error {
	req := &models.ExportRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	sess, ok := h.svc.Get(req.Symbol)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("chart %s is not open", drepo.NormalizeSymbol(req.Symbol)))
	}
	tf, bars := sess.Snapshot()
	bars = usecase.Window(bars, util.ParseEpochDefault(req.From, 0), util.ParseEpochDefault(req.To, 0))
	if len(bars) == 0 {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("chart %s has no bars", sess.Symbol()))
	}

	rows := make([]exportRow, len(bars))
	for i, b := range bars {
		rows[i] = exportRow{
			Symbol: sess.Symbol(), Timeframe: string(tf.ID), Time: b.Time,
			Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
		}
	}
	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows); err != nil {
		return h.fail(c, "export", fmt.Errorf("write parquet: %w", err))
	}

	name := strings.NewReplacer("/", "-", ":", "-").Replace(sess.Symbol())
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s_%s.parquet"`, name, tf.ID))
	return c.Blob(http.StatusOK, parquetContentType, buf.Bytes())
}

// Stream upgrades to a WebSocket that receives the current sequence and
// then every update of the chart.
func (h *ChartsEchoHandler) Stream(c echo.Context) error {
	req := &models.ChartRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	sess, err := h.open(c, req.Symbol)
	if err != nil {
		return h.fail(c, "chart stream", err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", xlogger.String("symbol", sess.Symbol()), xlogger.Error(err))
		return nil
	}
	remote := c.RealIP()
	st := newChartStream(conn, sess, h.sendBuffer, h.logger)
	st.allow = func() bool { return h.limiter.Allow(remote) }
	if !h.track(st) {
		st.stop()
		_ = conn.Close()
		return nil
	}
	defer h.untrack(st)

	h.logger.Info("chart stream opened", xlogger.String("symbol", sess.Symbol()), xlogger.String("remote", c.RealIP()))
	st.run(h.now)
	h.logger.Info("chart stream closed", xlogger.String("symbol", sess.Symbol()), xlogger.String("remote", c.RealIP()))
	return nil
}

func (h *ChartsEchoHandler) track(st *chartStream) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.streams[st] = struct{}{}
	return true
}

func (h *ChartsEchoHandler) untrack(st *chartStream) {
	h.mu.Lock()
	delete(h.streams, st)
	h.mu.Unlock()
}

// Close disconnects every open stream and refuses new ones.
func (h *ChartsEchoHandler) Close() {
	h.mu.Lock()
	h.closed = true
	streams := make([]*chartStream, 0, len(h.streams))
	for st := range h.streams {
		streams = append(streams, st)
	}
	h.mu.Unlock()
	for _, st := range streams {
		st.stop()
	}
}

// Streams returns the number of connected stream clients.
func (h *ChartsEchoHandler) Streams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}
