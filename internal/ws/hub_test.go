package ws

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	received chan []byte
	fail     bool
	closed   bool
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{received: make(chan []byte, 16)}
}

func (r *recordingSubscriber) Send(payload []byte) error {
	if r.fail {
		return ErrSlowConsumer
	}
	r.received <- payload
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recordingSubscriber) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func waitFor(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case payload := <-ch:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for payload")
		return nil
	}
}

func TestHubBroadcastsToTopicOnly(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a := newRecordingSubscriber()
	b := newRecordingSubscriber()
	hub.Register("build-a", a)
	hub.Register("build-b", b)

	hub.Broadcast("build-a", []byte("hello"))
	if got := waitFor(t, a.received); string(got) != "hello" {
		t.Fatalf("unexpected payload %q", got)
	}
	select {
	case payload := <-b.received:
		t.Fatalf("subscriber on other topic received %q", payload)
	case <-time.After(50 * time.Millisecond):
	}
	if hub.Subscribers("build-a") != 1 {
		t.Fatalf("expected one subscriber")
	}

	hub.Unregister("build-a", a)
	if hub.Subscribers("build-a") != 0 {
		t.Fatalf("expected no subscribers after unregister")
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	bad := newRecordingSubscriber()
	bad.fail = true
	hub.Register("build", bad)
	hub.Broadcast("build", []byte("x"))

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("build") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("failing subscriber not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !bad.isClosed() {
		t.Fatalf("failing subscriber not closed")
	}
}

func TestHubCloseDisconnectsSubscribers(t *testing.T) {
	hub := NewHub()
	sub := newRecordingSubscriber()
	hub.Register("build", sub)
	hub.Subscribers("build")
	hub.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !sub.isClosed() {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not closed on hub close")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Broadcast("build", []byte("ignored"))
	if hub.Subscribers("build") != 0 {
		t.Fatalf("closed hub should report no subscribers")
	}
}

func TestSSEClientQueuesUntilServed(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)), 1)

	if err := client.Send([]byte(`{"n":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Send([]byte(`{"n":2}`)); err != ErrSlowConsumer {
		t.Fatalf("expected ErrSlowConsumer, got %v", err)
	}
	client.Close()
	if err := client.Serve(t.Context(), time.Minute); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("data: {\"n\":1}\n\n")) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if err := client.Send([]byte("late")); err != io.EOF {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}

func TestSSEClientStopsAtEndEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)), 4)
	client.SetSkip(func(payload []byte) bool { return true })
	client.SetEnd(func(payload []byte) bool { return bytes.Equal(payload, []byte("end")) })

	for _, payload := range []string{"skipped", "end", "after"} {
		if err := client.Send([]byte(payload)); err != nil {
			t.Fatalf("send %s: %v", payload, err)
		}
	}
	if err := client.Serve(t.Context(), time.Minute); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if body := rec.Body.String(); body != "data: end\n\n" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestSSEClientStopsWhenFinished(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)), 4)
	var (
		mu     sync.Mutex
		checks int
	)
	client.SetFinishedCheck(func() bool {
		mu.Lock()
		defer mu.Unlock()
		checks++
		return checks >= 2
	})

	done := make(chan error, 1)
	go func() { done <- client.Serve(t.Context(), 5*time.Millisecond) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not stop after the build finished")
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(": ping")) {
		t.Fatalf("expected a heartbeat before stopping, got %q", rec.Body.String())
	}
}
