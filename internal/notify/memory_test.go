package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"matrixci/internal/testutil"
	"matrixci/pkg/cloudevent"
)

func TestMemoryNotifier_Notify(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewMemory(MemoryConfig{
		BufferSize:  100,
		Workers:     2,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	event := &Event{
		Payload:     cloudevent.New(EventTypeRunStart, "matrixci", "run-1", "evt-1", nil),
		Destination: server.URL,
	}

	err := n.Notify(event)
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return received.Load() >= 1
	}, testutil.WithTimeout(5*time.Second))

	if received.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", received.Load())
	}

	stats := n.Stats()
	if stats.Delivered != 1 {
		t.Errorf("expected 1 delivered, got %d", stats.Delivered)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.Close(ctx)
}

func TestMemoryNotifier_BufferFull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewMemory(MemoryConfig{
		BufferSize:  2,
		Workers:     1,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	event := &Event{
		Payload:     cloudevent.New(EventTypeJobFinish, "matrixci", "run-1", "evt-1", nil),
		Destination: server.URL,
	}

	for i := 0; i < 5; i++ {
		_ = n.Notify(event)
	}

	testutil.MustWaitFor(t, func() bool {
		return n.Stats().Dropped > 0 || n.Stats().Delivered > 0
	}, testutil.WithTimeout(5*time.Second))

	stats := n.Stats()
	if stats.Dropped == 0 {
		t.Error("expected some events to be dropped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.Close(ctx)
}

func TestMemoryNotifier_Retry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := attempts.Add(1)
		if count < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewMemory(MemoryConfig{
		BufferSize:  100,
		Workers:     1,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	event := &Event{
		Payload:     cloudevent.New(EventTypeRunFinish, "matrixci", "run-1", "evt-1", nil),
		Destination: server.URL,
	}

	n.Notify(event)

	testutil.MustWaitFor(t, func() bool {
		return n.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() < 3 {
		t.Errorf("expected at least 3 attempts, got %d", attempts.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.Close(ctx)
}

func TestMemoryNotifier_NoRetryOn4xx(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	n := NewMemory(MemoryConfig{
		BufferSize:  100,
		Workers:     1,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	event := &Event{
		Payload:     cloudevent.New(EventTypeRunFinish, "matrixci", "run-1", "evt-1", nil),
		Destination: server.URL,
	}

	n.Notify(event)

	testutil.MustWaitFor(t, func() bool {
		return n.Stats().Failed >= 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.Close(ctx)
}

func TestMemoryNotifier_CircuitBreaker(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	n := NewMemory(MemoryConfig{
		BufferSize:  100,
		Workers:     1,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	event := &Event{
		Payload:     cloudevent.New(EventTypeJobFinish, "matrixci", "run-1", "evt-1", nil),
		Destination: server.URL,
	}

	// Send more events than the breaker threshold (5) to trigger circuit opening
	for i := 0; i < 10; i++ {
		n.Notify(event)
	}

	testutil.MustWaitFor(t, func() bool {
		stats := n.Stats()
		return stats.Requeued > 0 || (stats.Failed+stats.Delivered) >= 10
	}, testutil.WithTimeout(10*time.Second))

	stats := n.Stats()
	if stats.Requeued == 0 && stats.Failed < 10 {
		t.Errorf("expected some events to be requeued due to open circuit, got requeued=%d, failed=%d", stats.Requeued, stats.Failed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.Close(ctx)
}

func TestMemoryNotifier_Signature(t *testing.T) {
	var mu sync.Mutex
	var signature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		signature = r.Header.Get("X-Signature-256")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewMemory(MemoryConfig{
		BufferSize:  100,
		Workers:     1,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	event := &Event{
		Payload:     cloudevent.New(EventTypeRunFinish, "matrixci", "run-1", "evt-1", nil),
		Destination: server.URL,
		SigningKey:  "secret-key",
	}

	n.Notify(event)

	testutil.MustWaitFor(t, func() bool {
		return n.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	mu.Lock()
	sig := signature
	mu.Unlock()

	if sig == "" || len(sig) < 10 || sig[:7] != "sha256=" {
		t.Errorf("unexpected signature format: %s", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.Close(ctx)
}

func TestMemoryNotifier_GracefulShutdown(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewMemory(MemoryConfig{
		BufferSize:  100,
		Workers:     2,
		HTTPTimeout: 5 * time.Second,
	}, nil)

	for i := 0; i < 10; i++ {
		event := &Event{
			Payload:     cloudevent.New(EventTypeJobFinish, "matrixci", "run-1", time.Now().Format("150405.000000"), nil),
			Destination: server.URL,
		}
		n.Notify(event)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := n.Close(ctx)
	if err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if received.Load() != 10 {
		t.Errorf("expected 10 deliveries, got %d", received.Load())
	}
}

func TestEventBuilder(t *testing.T) {
	b := NewEventBuilder("run-42", "matrixci/coordinator")

	start := b.BuildRunStartEvent("ci", "refs/heads/main", "abc123", 6)
	if start.Type != EventTypeRunStart {
		t.Errorf("expected type %s, got %s", EventTypeRunStart, start.Type)
	}
	if start.Subject != "run-42" {
		t.Errorf("expected subject run-42, got %s", start.Subject)
	}

	finish := b.BuildRunFinishEvent("ci", "succeeded", map[string]string{"test (py=3.11)": "succeeded"})
	if finish.Type != EventTypeRunFinish {
		t.Errorf("expected type %s, got %s", EventTypeRunFinish, finish.Type)
	}

	job := b.BuildJobFinishEvent("job-1", "test (py=3.11)", "failed-but-allowed", []string{"cov/report.xml"})
	if job.Type != EventTypeJobFinish {
		t.Errorf("expected type %s, got %s", EventTypeJobFinish, job.Type)
	}
	if job.Data["status"] != "failed-but-allowed" {
		t.Errorf("expected failed-but-allowed status, got %v", job.Data["status"])
	}
}
