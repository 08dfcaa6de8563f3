package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository/memory"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/trigger"
	"github.com/coinkrazygaming/CodeFlow-sub001/pkg/crypto"
)

const testKey = "0123456789abcdef0123456789abcdef"

type stubTriggerer struct {
	requests []trigger.Request
	err      error
}

func (s *stubTriggerer) Trigger(_ context.Context, req trigger.Request) (*domain.Build, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.requests = append(s.requests, req)
	return &domain.Build{ID: "build-1", SiteID: req.SiteID, Branch: req.Branch, CommitSHA: req.CommitSHA}, nil
}

func newTestService(t *testing.T, fallback string) (Service, *stubTriggerer) {
	t.Helper()
	store := memory.New()
	if err := store.CreateSite(context.Background(), &domain.Site{ID: "site-1", Git: domain.GitConfig{Branch: "main"}}); err != nil {
		t.Fatalf("create site: %v", err)
	}
	stub := &stubTriggerer{}
	svc := New(store, stub, slog.New(slog.NewTextHandler(io.Discard, nil)), testKey, fallback)
	return svc, stub
}

const pushMain = `{"ref":"refs/heads/main","after":"abc123","head_commit":{"id":"abc123","message":"update landing page"}}`

func TestHandlePushTriggersBuild(t *testing.T) {
	svc, stub := newTestService(t, "")
	if err := svc.UpsertSecret(context.Background(), "site-1", "hook-secret"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	payload := []byte(pushMain)
	sig := "sha256=" + crypto.SignHex([]byte("hook-secret"), payload)

	res, err := svc.HandlePush(context.Background(), "site-1", payload, sig)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Ignored || res.Build == nil {
		t.Fatalf("expected build, got %+v", res)
	}
	if len(stub.requests) != 1 {
		t.Fatalf("expected one trigger, got %d", len(stub.requests))
	}
	req := stub.requests[0]
	if req.Branch != "main" || req.CommitSHA != "abc123" || req.CommitMessage != "update landing page" || req.Source != domain.TriggerWebhook {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestHandlePushRejectsBadSignatures(t *testing.T) {
	svc, stub := newTestService(t, "")
	if err := svc.UpsertSecret(context.Background(), "site-1", "hook-secret"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	payload := []byte(pushMain)

	if _, err := svc.HandlePush(context.Background(), "site-1", payload, ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
	bad := crypto.SignHex([]byte("other"), payload)
	if _, err := svc.HandlePush(context.Background(), "site-1", payload, bad); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if len(stub.requests) != 0 {
		t.Fatalf("rejected delivery triggered a build")
	}
}

func TestHandlePushFallbackSecret(t *testing.T) {
	payload := []byte(pushMain)

	svc, _ := newTestService(t, "global")
	if _, err := svc.HandlePush(context.Background(), "site-1", payload, crypto.SignHex([]byte("global"), payload)); err != nil {
		t.Fatalf("fallback secret rejected: %v", err)
	}

	noFallback, _ := newTestService(t, "")
	if _, err := noFallback.HandlePush(context.Background(), "site-1", payload, crypto.SignHex([]byte("global"), payload)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature without any secret, got %v", err)
	}
}

func TestHandlePushIgnoresOtherRefs(t *testing.T) {
	svc, stub := newTestService(t, "global")
	cases := []string{
		`{"ref":"refs/heads/feature","after":"1"}`,
		`{"ref":"refs/tags/v1.0.0","after":"1"}`,
		`{"ref":"refs/heads/main","after":"0000","deleted":true}`,
	}
	for _, raw := range cases {
		payload := []byte(raw)
		res, err := svc.HandlePush(context.Background(), "site-1", payload, crypto.SignHex([]byte("global"), payload))
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if !res.Ignored || res.Reason == "" {
			t.Fatalf("%s: expected ignored delivery, got %+v", raw, res)
		}
	}
	if len(stub.requests) != 0 {
		t.Fatalf("ignored pushes triggered builds")
	}
}

func TestHandlePushErrors(t *testing.T) {
	svc, stub := newTestService(t, "global")
	payload := []byte(pushMain)
	sig := crypto.SignHex([]byte("global"), payload)

	if _, err := svc.HandlePush(context.Background(), "missing", payload, sig); !errors.Is(err, trigger.ErrSiteNotFound) {
		t.Fatalf("expected ErrSiteNotFound, got %v", err)
	}
	garbage := []byte(`{"ref":`)
	if _, err := svc.HandlePush(context.Background(), "site-1", garbage, crypto.SignHex([]byte("global"), garbage)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	stub.err = trigger.ErrBuildInProgress
	if _, err := svc.HandlePush(context.Background(), "site-1", payload, sig); !errors.Is(err, trigger.ErrBuildInProgress) {
		t.Fatalf("expected ErrBuildInProgress, got %v", err)
	}
}

func TestUpsertSecretRequiresValue(t *testing.T) {
	svc, _ := newTestService(t, "")
	if err := svc.UpsertSecret(context.Background(), "site-1", "   "); !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("expected ErrSecretRequired, got %v", err)
	}
}
