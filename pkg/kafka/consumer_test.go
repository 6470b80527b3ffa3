package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	fetchErr  error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	err := r.fetchErr
	r.mu.Unlock()
	if err != nil {
		return kafka.Message{}, err
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestConsumerRetriesThenDLQ(t *testing.T) {
	r := &fakeReader{
		msgs:     []kafka.Message{{Offset: 1, Value: []byte("ok")}, {Offset: 2, Value: []byte("bad")}, {Offset: 3, Value: []byte("poison")}},
		fetchErr: errors.New("broker gone"),
	}
	dlq := &fakeWriter{}
	attempts := map[string]int{}
	c := NewConsumerWithReader("bars", r, dlq, func(_ context.Context, m kafka.Message) error {
		attempts[string(m.Value)]++
		switch string(m.Value) {
		case "bad":
			return errors.New("temporary")
		case "poison":
			return Permanent(errors.New("malformed"))
		}
		return nil
	}, WithConsumerDLQ("bars.dlq"), WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond))

	err := c.Run(context.Background())
	if err == nil {
		t.Fatalf("expected fetch error to surface")
	}
	if attempts["ok"] != 1 || attempts["bad"] != 3 || attempts["poison"] != 1 {
		t.Fatalf("unexpected attempts %v", attempts)
	}
	if len(dlq.msgs) != 2 || dlq.msgs[0].Topic != "bars.dlq" {
		t.Fatalf("expected 2 dlq messages, got %d", len(dlq.msgs))
	}
	if len(r.committed) != 3 {
		t.Fatalf("expected all offsets committed, got %v", r.committed)
	}
}

func TestConsumerStopsOnCancel(t *testing.T) {
	r := &fakeReader{}
	c := NewConsumerWithReader("bars", r, nil, func(context.Context, kafka.Message) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("consumer did not stop")
	}
}

func TestProducerPublishEncodesJSON(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, "snappy")
	if err := p.Publish(context.Background(), "updates", []byte("BTCUSDT"), map[string]int{"time": 60}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Value) != `{"time":60}` || string(w.msgs[0].Key) != "BTCUSDT" {
		t.Fatalf("unexpected message %+v", w.msgs)
	}
	if err := p.PublishBatch(context.Background(), "updates", nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}

func TestBackoffWithJitterIsCapped(t *testing.T) {
	for attempt := 1; attempt < 40; attempt++ {
		d := backoffWithJitter(10*time.Millisecond, 100*time.Millisecond, attempt)
		if d <= 0 || d > 100*time.Millisecond {
			t.Fatalf("attempt %d: backoff %s out of range", attempt, d)
		}
	}
}
