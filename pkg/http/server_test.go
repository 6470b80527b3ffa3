package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"ChartSync/pkg/logger"
)

type pingRequest struct {
	Name  string `param:"name" validate:"required"`
	Limit int    `json:"limit" default:"10" validate:"gte=1"`
}

type testRoutes struct{}

func (testRoutes) RegisterRoutes(e *echo.Echo) {
	e.POST("/ping/:name", func(c echo.Context) error {
		var req pingRequest
		if errs := ReadAndValidateRequest(c, &req); errs != nil {
			return BadRequestResponse(c, errs)
		}
		return SuccessResponse(c, req)
	})
	e.GET("/upstream", func(c echo.Context) error {
		return AppErrorResponse(c, BadGatewayErrorf("history unavailable"))
	})
}

func newTestServer(health HealthFunc) *Server {
	return NewServer(testRoutes{}, logger.Nop(),
		WithMetrics("/metrics", prometheus.NewRegistry()),
		WithHealth(health),
	)
}

func TestDefaultsAndValidation(t *testing.T) {
	s := newTestServer(nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ping/abc", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ok struct {
		Data struct {
			Name  string
			Limit int
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ok.Data.Name != "abc" || ok.Data.Limit != 10 {
		t.Fatalf("unexpected body %+v", ok.Data)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/ping/abc", strings.NewReader(`{"limit":-1}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var bad struct {
		Data []ValidationError `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bad); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(bad.Data) != 1 || bad.Data[0].Field != "limit" || bad.Data[0].Code != "ERR_GTE" {
		t.Fatalf("unexpected validation errors %+v", bad.Data)
	}
}

func TestAppErrorStatus(t *testing.T) {
	s := newTestServer(nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/upstream", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ERR_UPSTREAM") {
		t.Fatalf("missing error code: %s", rec.Body.String())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := true
	s := newTestServer(func() error {
		if !healthy {
			return errors.New("clickhouse down")
		}
		return nil
	})

	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}

	healthy = false
	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Fatalf("metrics not exposed: %d", rec.Code)
	}
}

func TestClientGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			if r.URL.Query().Get("symbol") != "BTCUSDT" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"s":"ok"}`))
		case "/bad":
			_, _ = w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient()
	var out struct {
		S string `json:"s"`
	}
	if err := c.GetJSON(t.Context(), srv.URL+"/ok", map[string][]string{"symbol": {"BTCUSDT"}}, &out); err != nil || out.S != "ok" {
		t.Fatalf("unexpected result %v %+v", err, out)
	}
	if err := c.GetJSON(t.Context(), srv.URL+"/bad", nil, &out); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
	var se *StatusError
	if err := c.GetJSON(t.Context(), srv.URL+"/boom", nil, &out); !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("expected status error, got %v", err)
	}
}
