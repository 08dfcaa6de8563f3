package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/trigger"
	"github.com/coinkrazygaming/CodeFlow-sub001/pkg/crypto"
)

var (
	ErrSecretRequired   = errors.New("webhook: secret is required")
	ErrMissingSignature = errors.New("webhook: missing signature")
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	ErrInvalidPayload   = errors.New("webhook: invalid push payload")
)

// Triggerer admits builds.
type Triggerer interface {
	Trigger(ctx context.Context, req trigger.Request) (*domain.Build, error)
}

// PushEvent is the subset of a git push payload the pipeline needs.
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
}

// Branch returns the branch name for refs/heads refs.
func (p PushEvent) Branch() (string, bool) {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(p.Ref, prefix) {
		return "", false
	}
	return strings.TrimPrefix(p.Ref, prefix), true
}

// Result reports what a delivery led to.
type Result struct {
	Build   *domain.Build
	Ignored bool
	Reason  string
}

// Service validates git webhooks and turns pushes into builds.
type Service struct {
	sites    repository.SiteRepository
	trigger  Triggerer
	logger   *slog.Logger
	key      string
	fallback []byte
}

// New constructs a webhook service. encryptionKey protects stored secrets;
// fallbackSecret verifies sites without their own secret.
func New(sites repository.SiteRepository, t Triggerer, logger *slog.Logger, encryptionKey, fallbackSecret string) Service {
	if logger == nil {
		logger = slog.Default()
	}
	var fallback []byte
	if fallbackSecret != "" {
		fallback = []byte(fallbackSecret)
	}
	return Service{
		sites:    sites,
		trigger:  t,
		logger:   logger.With("component", "webhook"),
		key:      encryptionKey,
		fallback: fallback,
	}
}

// UpsertSecret stores encrypted secret bytes.
func (s Service) UpsertSecret(ctx context.Context, siteID string, secret string) error {
	value := strings.TrimSpace(secret)
	if value == "" {
		return ErrSecretRequired
	}
	payload, err := crypto.EncryptString(s.key, value)
	if err != nil {
		return err
	}
	return s.sites.UpsertWebhookSecret(ctx, siteID, payload)
}

// ValidateSignature checks a hex HMAC-SHA256 signature for payload.
func (s Service) ValidateSignature(payload []byte, secret []byte, provided string) error {
	if strings.TrimSpace(provided) == "" {
		return ErrMissingSignature
	}
	if !crypto.VerifyHex(secret, payload, provided) {
		return ErrInvalidSignature
	}
	return nil
}

// CheckSignature loads the secret for a site and verifies the payload signature.
func (s Service) CheckSignature(ctx context.Context, siteID string, payload []byte, provided string) error {
	stored, err := s.sites.GetWebhookSecret(ctx, siteID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) && s.fallback != nil {
			return s.ValidateSignature(payload, s.fallback, provided)
		}
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidSignature
		}
		return err
	}
	raw, err := crypto.DecryptToString(s.key, stored)
	if err != nil {
		return fmt.Errorf("decrypt webhook secret: %w", err)
	}
	return s.ValidateSignature(payload, []byte(raw), provided)
}

// ParsePush decodes a push payload.
func ParsePush(payload []byte) (PushEvent, error) {
	var event PushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if event.Ref == "" {
		return PushEvent{}, fmt.Errorf("%w: ref is required", ErrInvalidPayload)
	}
	return event, nil
}

// HandlePush verifies a delivery and triggers a build when it targets the
// site's configured branch. Other pushes are acknowledged and ignored.
func (s Service) HandlePush(ctx context.Context, siteID string, payload []byte, signature string) (Result, error) {
	site, err := s.sites.GetSite(ctx, siteID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Result{}, trigger.ErrSiteNotFound
		}
		return Result{}, err
	}
	if err := s.CheckSignature(ctx, site.ID, payload, signature); err != nil {
		s.logger.Warn("webhook signature rejected", "site_id", site.ID, "error", err)
		return Result{}, err
	}
	event, err := ParsePush(payload)
	if err != nil {
		return Result{}, err
	}

	branch, ok := event.Branch()
	switch {
	case !ok:
		return Result{Ignored: true, Reason: "not a branch push"}, nil
	case event.Deleted:
		return Result{Ignored: true, Reason: "branch deleted"}, nil
	case branch != site.Git.Branch:
		return Result{Ignored: true, Reason: fmt.Sprintf("branch %s is not deployed", branch)}, nil
	}

	req := trigger.Request{
		SiteID:    site.ID,
		Branch:    branch,
		CommitSHA: event.After,
		Source:    domain.TriggerWebhook,
	}
	if event.HeadCommit != nil {
		req.CommitMessage = event.HeadCommit.Message
		if req.CommitSHA == "" {
			req.CommitSHA = event.HeadCommit.ID
		}
	}
	build, err := s.trigger.Trigger(ctx, req)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("webhook triggered build", "site_id", site.ID, "build_id", build.ID, "commit", build.CommitSHA)
	return Result{Build: build}, nil
}
