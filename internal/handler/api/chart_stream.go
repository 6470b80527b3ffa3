package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ChartSync/internal/domain/models"
	"ChartSync/internal/usecase"
	xhttp "ChartSync/pkg/http"
	xlogger "ChartSync/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// chartStream is one WebSocket client of a chart session. Updates are
// queued without blocking; a client that falls behind is disconnected.
type chartStream struct {
	conn *websocket.Conn
	sess *usecase.ChartSession
	log  *xlogger.Logger
	send chan []byte
	done chan struct{}
	once sync.Once

	// allow gates client commands; nil allows all
	allow func() bool
}

func newChartStream(conn *websocket.Conn, sess *usecase.ChartSession, buffer int, log *xlogger.Logger) *chartStream {
	return &chartStream{
		conn: conn,
		sess: sess,
		log:  log.With(xlogger.String("symbol", sess.Symbol()), xlogger.String("remote", conn.RemoteAddr().String())),
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (s *chartStream) stop() {
	s.once.Do(func() { close(s.done) })
}

// enqueue never blocks since it runs inside session listeners.
func (s *chartStream) enqueue(msg []byte) {
	select {
	case <-s.done:
	case s.send <- msg:
	default:
		s.log.Warn("chart stream client too slow, disconnecting")
		s.stop()
	}
}

func (s *chartStream) onUpdate(u models.ChartUpdate) {
	b, err := json.Marshal(u)
	if err != nil {
		s.log.Error("chart stream marshal error", xlogger.Error(err))
		return
	}
	s.enqueue(b)
}

// snapshot is the first frame of a stream. Updates that race it may repeat
// its last bar; clients upsert bars by time.
func (s *chartStream) snapshot(now func() time.Time) ([]byte, error) {
	tf, bars := s.sess.Snapshot()
	u := models.ChartUpdate{
		ID:        uuid.NewString(),
		Kind:      models.UpdateLoad,
		Symbol:    s.sess.Symbol(),
		Timeframe: string(tf.ID),
		Bars:      bars,
		At:        now().UTC(),
	}
	if len(bars) == 0 {
		u.Kind = models.UpdateReset
	}
	return json.Marshal(u)
}

// run serves the client until it disconnects or stop is called.
func (s *chartStream) run(now func() time.Time) {
	unwatch := s.sess.Watch(s.onUpdate)
	defer unwatch()

	first, err := s.snapshot(now)
	if err != nil {
		s.log.Error("chart stream snapshot error", xlogger.Error(err))
		_ = s.conn.Close()
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readPump(now)
	}()
	s.writePump(first)
	<-readDone
}

// readPump handles client commands and detects disconnects.
func (s *chartStream) readPump(now func() time.Time) {
	defer s.stop()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Warn("chart stream read error", xlogger.Error(err))
			}
			return
		}
		if err := s.handleCommand(msg); err != nil {
			s.log.Debug("chart stream command rejected", xlogger.Error(err))
			s.onUpdate(models.ChartUpdate{
				ID:        uuid.NewString(),
				Kind:      models.UpdateError,
				Symbol:    s.sess.Symbol(),
				Timeframe: string(s.sess.Timeframe()),
				Error:     err.Error(),
				At:        now().UTC(),
			})
		}
	}
}

func (s *chartStream) handleCommand(msg []byte) error {
	var cmd models.StreamCommand
	if err := json.Unmarshal(msg, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	if verr := xhttp.ValidateStruct(&cmd); verr != nil {
		return errors.New(verr[0].Message)
	}
	if s.allow != nil && !s.allow() {
		return errors.New("too many chart commands")
	}
	ctx := context.Background()
	switch cmd.Action {
	case "select_timeframe":
		return s.sess.SelectTimeframe(ctx, cmd.Timeframe)
	default:
		return s.sess.Retry(ctx)
	}
}

// writePump sends first, then queued updates and pings. When the session
// closes it flushes the queue and ends the stream with CloseGoingAway.
func (s *chartStream) writePump(first []byte) {
	ticker := time.NewTicker(pingPeriod)
	code, reason := websocket.CloseNormalClosure, ""
	defer func() {
		ticker.Stop()
		s.stop()
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = s.conn.Close()
	}()

	if !s.write(websocket.TextMessage, first) {
		return
	}
	for {
		select {
		case <-s.done:
			return
		case <-s.sess.Done():
			s.flush()
			code, reason = websocket.CloseGoingAway, "chart closed"
			return
		case msg := <-s.send:
			if !s.write(websocket.TextMessage, msg) {
				return
			}
		case <-ticker.C:
			if !s.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// flush writes whatever is already queued.
func (s *chartStream) flush() {
	for {
		select {
		case msg := <-s.send:
			if !s.write(websocket.TextMessage, msg) {
				return
			}
		default:
			return
		}
	}
}

func (s *chartStream) write(kind int, msg []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(kind, msg); err != nil {
		s.log.Debug("chart stream write error", xlogger.Error(err))
		s.stop()
		return false
	}
	return true
}
