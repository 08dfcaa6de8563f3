package logs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository/memory"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/ws"
)

type channelSubscriber struct {
	ch chan []byte
}

func (c channelSubscriber) Send(payload []byte) error {
	c.ch <- payload
	return nil
}

func (c channelSubscriber) Close() {}

func newTestService(t *testing.T) (Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	err := store.CreateBuild(context.Background(), &domain.Build{
		ID:        "build-1",
		SiteID:    "site-1",
		Status:    domain.BuildStatusBuilding,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create build: %v", err)
	}
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	return New(store, hub, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestAppendStoresAndBroadcasts(t *testing.T) {
	svc, _ := newTestService(t)
	sub := channelSubscriber{ch: make(chan []byte, 4)}
	svc.Hub().Register(Topic("build-1"), sub)

	stored, err := svc.Append(context.Background(), "build-1", domain.LogLine{Stage: "build", Level: "WARNING", Message: "slow"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(stored) != 1 || stored[0].Seq == 0 || stored[0].Level != "warn" {
		t.Fatalf("unexpected stored lines: %+v", stored)
	}

	select {
	case payload := <-sub.ch:
		var decoded map[string]any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded["message"] != "slow" || decoded["build_id"] != "build-1" {
			t.Fatalf("unexpected payload: %v", decoded)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no broadcast received")
	}
}

func TestAppendUnknownBuild(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Append(context.Background(), "missing", domain.LogLine{Message: "x"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Read(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on read, got %v", err)
	}
}

func TestReadIsIdempotentAndRestartable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for _, msg := range []string{"one", "two", "three"} {
		if _, err := svc.Append(ctx, "build-1", domain.LogLine{Message: msg}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	first, err := svc.Read(ctx, "build-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	second, _ := svc.Read(ctx, "build-1")
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("reads differ without intervening append")
	}
	for i, want := range []string{"one", "two", "three"} {
		if first[i].Message != want {
			t.Fatalf("line %d out of order: %q", i, first[i].Message)
		}
	}

	if _, err := svc.Append(ctx, "build-1", domain.LogLine{Message: "four"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	third, _ := svc.Read(ctx, "build-1")
	if len(third) != 4 || !reflect.DeepEqual(third[:3], first) {
		t.Fatalf("re-read should extend previous sequence")
	}
	tail, _ := svc.ReadSince(ctx, "build-1", first[2].Seq)
	if len(tail) != 1 || tail[0].Message != "four" {
		t.Fatalf("unexpected tail: %+v", tail)
	}
}

func TestClearIndependentOfStatus(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Append(ctx, "build-1", domain.LogLine{Message: "one"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	success := domain.BuildStatusSuccess
	if _, err := store.UpdateBuild(ctx, "build-1", domain.BuildUpdate{Status: &success}); err != nil {
		t.Fatalf("finish build: %v", err)
	}
	if err := svc.Clear(ctx, "build-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	lines, _ := svc.Read(ctx, "build-1")
	if len(lines) != 0 {
		t.Fatalf("expected empty log, got %d lines", len(lines))
	}
}

func TestSubscribeReturnsSnapshotThenLiveLines(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Append(ctx, "build-1", domain.LogLine{Message: "before"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	sub := channelSubscriber{ch: make(chan []byte, 4)}
	snapshot, unsubscribe, err := svc.Subscribe(ctx, "build-1", sub)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()
	if len(snapshot) != 1 || snapshot[0].Message != "before" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	stored, err := svc.Append(ctx, "build-1", domain.LogLine{Message: "after"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case payload := <-sub.ch:
		if got := SeqOf(payload); got != stored[0].Seq || got <= snapshot[0].Seq {
			t.Fatalf("unexpected live seq %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no live line received")
	}

	if _, _, err := svc.Subscribe(ctx, "missing", channelSubscriber{ch: make(chan []byte, 1)}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSeqOf(t *testing.T) {
	if got := SeqOf([]byte(`{"seq":42,"message":"x"}`)); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	for _, raw := range []string{`{"message":"x"}`, `not json`} {
		if got := SeqOf([]byte(raw)); got != -1 {
			t.Fatalf("%s: expected -1, got %d", raw, got)
		}
	}
}

func TestFinishFollowsFinalLine(t *testing.T) {
	svc, _ := newTestService(t)
	sub := channelSubscriber{ch: make(chan []byte, 4)}
	svc.Hub().Register(Topic("build-1"), sub)

	if _, err := svc.Append(context.Background(), "build-1", domain.LogLine{Message: "done"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	svc.Finish("build-1", domain.BuildStatusSuccess)

	var got [][]byte
	for len(got) < 2 {
		select {
		case payload := <-sub.ch:
			got = append(got, payload)
		case <-time.After(time.Second):
			t.Fatalf("expected two payloads, got %d", len(got))
		}
	}
	if IsEnd(got[0]) || SeqOf(got[0]) != 1 {
		t.Fatalf("first payload should be the log line: %s", got[0])
	}
	if !IsEnd(got[1]) || SeqOf(got[1]) != -1 {
		t.Fatalf("second payload should be the end marker: %s", got[1])
	}
	var marker map[string]any
	if err := json.Unmarshal(got[1], &marker); err != nil || marker["status"] != "success" {
		t.Fatalf("unexpected end marker %s (%v)", got[1], err)
	}
}
