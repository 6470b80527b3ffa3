package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/parquet-go/parquet-go"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
	"ChartSync/internal/usecase"
	xhttp "ChartSync/pkg/http"
)

type staticHistory struct{ bars []models.Bar }

func (h staticHistory) Fetch(context.Context, string, drepo.Timeframe, int64, int64) ([]models.Bar, error) {
	return h.bars, nil
}

type nopSub struct{}

var closedDone = func() chan struct{} { ch := make(chan struct{}); close(ch); return ch }()

func (nopSub) Cancel() {}

func (nopSub) Done() <-chan struct{} { return closedDone }

// pushFeed keeps the latest bar handler per symbol so tests can inject live bars.
type pushFeed struct {
	mu    sync.Mutex
	onBar map[string]drepo.BarHandler
}

func (f *pushFeed) Subscribe(_ context.Context, symbol string, _ drepo.Timeframe, onBar drepo.BarHandler, onState drepo.StateHandler) (drepo.Subscription, error) {
	f.mu.Lock()
	f.onBar[symbol] = onBar
	f.mu.Unlock()
	onState(models.StateOpen)
	return nopSub{}, nil
}

func (f *pushFeed) push(symbol string, b models.Bar) {
	f.mu.Lock()
	fn := f.onBar[symbol]
	f.mu.Unlock()
	fn(b)
}

type apiEnvelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func testBars() []models.Bar {
	return []models.Bar{
		{Time: 60, Open: 10, High: 12, Low: 9, Close: 11, Volume: 5},
		{Time: 120, Open: 11, High: 13, Low: 10, Close: 10, Volume: 7},
		{Time: 180, Open: 10, High: 11, Low: 8, Close: 9, Volume: 2},
	}
}

func newTestHandler(t *testing.T, opts ...HandlerOption) (*ChartsEchoHandler, *pushFeed, *echo.Echo) {
	t.Helper()
	feed := &pushFeed{onBar: map[string]drepo.BarHandler{}}
	svc := usecase.NewChartService(usecase.ChartServiceConfig{}, staticHistory{bars: testBars()}, feed, nil, nil)
	h := NewChartsEchoHandler(nil, svc, opts...)
	e := echo.New()
	h.RegisterRoutes(e)
	t.Cleanup(func() {
		h.Close()
		_ = svc.Shutdown(context.Background())
	})
	return h, feed, e
}

func do(t *testing.T, e *echo.Echo, method, target, body string) (int, apiEnvelope, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var env apiEnvelope
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s: %v", method, target, err)
		}
	}
	return rec.Code, env, rec.Body.Bytes()
}

func waitLoaded(t *testing.T, h *ChartsEchoHandler, symbol string, bars int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := h.svc.Get(symbol); ok && sess.Status().Bars == bars {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("chart %s did not load %d bars", symbol, bars)
}

func TestTimeframesMarksLiveEntries(t *testing.T) {
	_, _, e := newTestHandler(t)
	code, env, _ := do(t, e, http.MethodGet, "/api/timeframes", "")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	var got []models.TimeframeInfo
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 5 || got[0].ID != "1m" || !got[0].Live || got[1].Live {
		t.Fatalf("unexpected timeframes %+v", got)
	}
}

func TestStatusOpensChartLazily(t *testing.T) {
	h, _, e := newTestHandler(t)
	code, env, _ := do(t, e, http.MethodGet, "/api/charts/BTCUSDT", "")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	var st models.ChartStatus
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Symbol != "BTCUSDT" || st.Timeframe != "1m" {
		t.Fatalf("unexpected status %+v", st)
	}
	waitLoaded(t, h, "BTCUSDT", 3)

	_, env, _ = do(t, e, http.MethodGet, "/api/charts", "")
	var list []models.ChartStatus
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].Bars != 3 || list[0].Connection != models.StateOpen {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestSeriesAppliesOverlaysAndWindow(t *testing.T) {
	h, _, e := newTestHandler(t)
	do(t, e, http.MethodGet, "/api/charts/BTCUSDT", "")
	waitLoaded(t, h, "BTCUSDT", 3)

	code, env, _ := do(t, e, http.MethodGet, "/api/charts/BTCUSDT/series?grid_lower=9.5&from=120", "")
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	var s models.Series
	if err := json.Unmarshal(env.Data, &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(s.Candles) != 2 || s.Candles[0].Time != 120 {
		t.Fatalf("unexpected candles %+v", s.Candles)
	}
	if len(s.GridLower) != 2 || s.GridLower[1].Time != 180 || s.GridLower[0].Value != 9.5 {
		t.Fatalf("unexpected grid line %+v", s.GridLower)
	}
	if s.GridUpper != nil {
		t.Fatalf("unset overlay must be omitted, got %+v", s.GridUpper)
	}

	code, _, _ = do(t, e, http.MethodGet, "/api/charts/BTCUSDT/series?grid_lower=-1", "")
	if code != http.StatusBadRequest {
		t.Fatalf("negative overlay accepted: %d", code)
	}
}

func TestSelectTimeframe(t *testing.T) {
	h, _, e := newTestHandler(t)
	code, _, body := do(t, e, http.MethodPut, "/api/charts/BTCUSDT/timeframe", `{"timeframe":"1h"}`)
	if code != http.StatusBadRequest || !bytes.Contains(body, []byte("ERR_UNKNOWN_TIMEFRAME")) {
		t.Fatalf("unknown timeframe: %d %s", code, body)
	}
	if _, ok := h.svc.Get("BTCUSDT"); ok {
		t.Fatalf("rejected timeframe must not open a chart")
	}

	code, env, _ := do(t, e, http.MethodPut, "/api/charts/BTCUSDT/timeframe", `{"timeframe":"5m"}`)
	if code != http.StatusAccepted {
		t.Fatalf("unexpected status %d", code)
	}
	var st models.ChartStatus
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Timeframe != "5m" || st.LiveActive {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRetryAndCloseRequireOpenChart(t *testing.T) {
	h, _, e := newTestHandler(t)
	if code, _, _ := do(t, e, http.MethodPost, "/api/charts/ETHUSDT/retry", ""); code != http.StatusNotFound {
		t.Fatalf("retry on closed chart: %d", code)
	}
	if code, _, _ := do(t, e, http.MethodDelete, "/api/charts/ETHUSDT", ""); code != http.StatusNotFound {
		t.Fatalf("close on closed chart: %d", code)
	}

	do(t, e, http.MethodGet, "/api/charts/ETHUSDT", "")
	waitLoaded(t, h, "ETHUSDT", 3)
	if code, _, _ := do(t, e, http.MethodPost, "/api/charts/ETHUSDT/retry", ""); code != http.StatusAccepted {
		t.Fatalf("retry: %d", code)
	}
	if code, _, _ := do(t, e, http.MethodDelete, "/api/charts/ETHUSDT", ""); code != http.StatusOK {
		t.Fatalf("close: %d", code)
	}
	if _, ok := h.svc.Get("ETHUSDT"); ok {
		t.Fatalf("chart still open after close")
	}
}

func TestCommandLimit(t *testing.T) {
	_, _, e := newTestHandler(t, WithCommandLimit(1, 0.001))
	if code, _, _ := do(t, e, http.MethodPut, "/api/charts/BTCUSDT/timeframe", `{"timeframe":"5m"}`); code != http.StatusAccepted {
		t.Fatalf("first switch: %d", code)
	}
	code, _, body := do(t, e, http.MethodPut, "/api/charts/BTCUSDT/timeframe", `{"timeframe":"15m"}`)
	if code != http.StatusTooManyRequests || !bytes.Contains(body, []byte("ERR_RATE_LIMITED")) {
		t.Fatalf("second switch: %d %s", code, body)
	}
}

func TestAllowedSymbols(t *testing.T) {
	_, _, e := newTestHandler(t, WithAllowedSymbols([]string{"BTC/USDT"}))
	if code, _, _ := do(t, e, http.MethodGet, "/api/charts/DOGEUSDT", ""); code != http.StatusNotFound {
		t.Fatalf("unconfigured symbol opened: %d", code)
	}
	if code, _, _ := do(t, e, http.MethodGet, "/api/charts/BTCUSDT", ""); code != http.StatusOK {
		t.Fatalf("configured symbol rejected: %d", code)
	}
}

func TestExportWritesParquet(t *testing.T) {
	h, _, e := newTestHandler(t)
	do(t, e, http.MethodGet, "/api/charts/BTCUSDT", "")
	waitLoaded(t, h, "BTCUSDT", 3)

	req := httptest.NewRequest(http.MethodGet, "/api/charts/BTCUSDT/export?to=120", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get(echo.HeaderContentType) != parquetContentType {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Header().Get(echo.HeaderContentType))
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, "BTCUSDT_1m.parquet") {
		t.Fatalf("unexpected disposition %q", cd)
	}
	b := rec.Body.Bytes()
	rows, err := parquet.Read[exportRow](bytes.NewReader(b), int64(len(b)))
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if len(rows) != 2 || rows[1].Time != 120 || rows[1].Volume != 7 || rows[0].Symbol != "BTCUSDT" {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func wsDial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) models.ChartUpdate {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var u models.ChartUpdate
	if err := conn.ReadJSON(&u); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return u
}

func TestStreamSendsSnapshotThenUpdates(t *testing.T) {
	h, feed, e := newTestHandler(t)
	do(t, e, http.MethodGet, "/api/charts/BTCUSDT", "")
	waitLoaded(t, h, "BTCUSDT", 3)

	srv := httptest.NewServer(e)
	defer srv.Close()
	conn := wsDial(t, srv, "/ws/charts/BTCUSDT")

	first := readUpdate(t, conn)
	if first.Kind != models.UpdateLoad || len(first.Bars) != 3 {
		t.Fatalf("unexpected snapshot %+v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.Streams() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	feed.push("BTCUSDT", models.Bar{Time: 240, Open: 9, High: 10, Low: 9, Close: 10, Volume: 1})
	u := readUpdate(t, conn)
	if u.Kind != models.UpdateAppend || u.Bar == nil || u.Bar.Time != 240 || u.Closed == nil || u.Closed.Time != 180 {
		t.Fatalf("unexpected update %+v", u)
	}

	if err := conn.WriteJSON(models.StreamCommand{Action: "select_timeframe", Timeframe: "2m"}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	u = readUpdate(t, conn)
	if u.Kind != models.UpdateError || !strings.Contains(u.Error, "unknown timeframe") {
		t.Fatalf("unexpected command reply %+v", u)
	}

	if err := conn.WriteJSON(models.StreamCommand{Action: "select_timeframe", Timeframe: "5m"}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	u = readUpdate(t, conn)
	if u.Kind != models.UpdateReset || u.Timeframe != "5m" {
		t.Fatalf("expected reset on 5m, got %+v", u)
	}
}

func TestCloseDisconnectsStreams(t *testing.T) {
	h, _, e := newTestHandler(t)
	srv := httptest.NewServer(e)
	defer srv.Close()
	conn := wsDial(t, srv, "/ws/charts/BTCUSDT")
	readUpdate(t, conn)

	h.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal closure, got %v", err)
			}
			break
		}
	}
}

// readUntilClosed collects frames until the server closes the stream with
// CloseGoingAway.
func readUntilClosed(t *testing.T, conn *websocket.Conn) []models.ChartUpdate {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frames []models.ChartUpdate
	for {
		var u models.ChartUpdate
		if err := conn.ReadJSON(&u); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Fatalf("expected going-away closure, got %v", err)
			}
			return frames
		}
		frames = append(frames, u)
	}
}

func waitStreams(t *testing.T, h *ChartsEchoHandler, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Streams() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d tracked streams, got %d", n, h.Streams())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeletingChartEndsItsStreams(t *testing.T) {
	h, feed, e := newTestHandler(t)
	do(t, e, http.MethodGet, "/api/charts/BTCUSDT", "")
	waitLoaded(t, h, "BTCUSDT", 3)
	srv := httptest.NewServer(e)
	defer srv.Close()

	conn := wsDial(t, srv, "/ws/charts/BTCUSDT")
	readUpdate(t, conn)
	waitStreams(t, h, 1)

	if code, _, _ := do(t, e, http.MethodDelete, "/api/charts/BTCUSDT", ""); code != http.StatusOK {
		t.Fatalf("delete: unexpected status %d", code)
	}
	frames := readUntilClosed(t, conn)
	if len(frames) == 0 || frames[len(frames)-1].State == nil || *frames[len(frames)-1].State != models.StateClosed {
		t.Fatalf("expected a final closed state frame, got %+v", frames)
	}
	waitStreams(t, h, 0)

	// a reopened chart serves new streams
	do(t, e, http.MethodGet, "/api/charts/BTCUSDT", "")
	waitLoaded(t, h, "BTCUSDT", 3)
	conn = wsDial(t, srv, "/ws/charts/BTCUSDT")
	if first := readUpdate(t, conn); first.Kind != models.UpdateLoad {
		t.Fatalf("unexpected snapshot %+v", first)
	}
	waitStreams(t, h, 1)
	feed.push("BTCUSDT", models.Bar{Time: 240, Open: 9, High: 10, Low: 9, Close: 10, Volume: 1})
	if u := readUpdate(t, conn); u.Kind != models.UpdateAppend || u.Bar == nil || u.Bar.Time != 240 {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestStreamOnClosedSessionEndsAfterSnapshot(t *testing.T) {
	h, _, e := newTestHandler(t)
	do(t, e, http.MethodGet, "/api/charts/BTCUSDT", "")
	waitLoaded(t, h, "BTCUSDT", 3)
	sess, _ := h.svc.Get("BTCUSDT")
	sess.Close()

	srv := httptest.NewServer(e)
	defer srv.Close()
	conn := wsDial(t, srv, "/ws/charts/BTCUSDT")
	frames := readUntilClosed(t, conn)
	if len(frames) != 1 || frames[0].Kind != models.UpdateLoad {
		t.Fatalf("expected only the snapshot, got %+v", frames)
	}
	waitStreams(t, h, 0)
}

func TestToAppError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("x: %w", models.ErrUnknownTimeframe), http.StatusBadRequest},
		{fmt.Errorf("x: %w", models.ErrNoData), http.StatusNotFound},
		{fmt.Errorf("x: %w", models.ErrTransport), http.StatusBadGateway},
		{fmt.Errorf("x: %w", models.ErrMalformedMessage), http.StatusBadGateway},
		{models.ErrSessionClosed, http.StatusServiceUnavailable},
		{xhttp.NotFoundErrorf("gone"), http.StatusNotFound},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := toAppError(tc.err).Status; got != tc.status {
			t.Fatalf("%v: got %d want %d", tc.err, got, tc.status)
		}
	}
}
