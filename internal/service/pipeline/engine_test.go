package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository/memory"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/logs"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Notification
}

func (r *recordingNotifier) Notify(n domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, n)
}

func (r *recordingNotifier) count(kind domain.NotificationType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) terminal() int {
	return r.count(domain.NotificationDeploySuccess) + r.count(domain.NotificationDeployFailed) + r.count(domain.NotificationDeployCancelled)
}

type recordingFinalizer struct {
	mu   sync.Mutex
	seen []string
}

func (f *recordingFinalizer) FinalizeBuild(_ context.Context, b domain.Build) {
	f.mu.Lock()
	f.seen = append(f.seen, b.ID)
	f.mu.Unlock()
}

type harness struct {
	store    *memory.Store
	engine   *Engine
	notifier *recordingNotifier
}

func noopEffect() Effect {
	return EffectFunc(func(context.Context, StageContext) error { return nil })
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := &recordingNotifier{}
	base := []Option{WithDefaultEffect(noopEffect()), WithMetrics(NewMetrics(prometheus.NewRegistry()))}
	engine, err := New(store, store, logs.New(store, nil, logger), notifier, logger, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return &harness{store: store, engine: engine, notifier: notifier}
}

func (h *harness) admit(t *testing.T, siteID, buildID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.GetSite(ctx, siteID); err != nil {
		if err := h.store.CreateSite(ctx, &domain.Site{ID: siteID, Git: domain.GitConfig{Branch: "main"}}); err != nil {
			t.Fatalf("create site: %v", err)
		}
	}
	now := time.Now().UTC()
	build := &domain.Build{
		ID:          buildID,
		SiteID:      siteID,
		Branch:      "main",
		Status:      domain.BuildStatusPending,
		Stages:      h.engine.NewStages(),
		TriggeredBy: domain.TriggerManual,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateBuild(ctx, build); err != nil {
		t.Fatalf("create build: %v", err)
	}
	if _, err := h.store.UpdateDeployStatus(ctx, domain.SiteDeployUpdate{SiteID: siteID, BuildID: buildID, DeployStatus: domain.DeployStatusBuilding, Admit: true}); err != nil {
		t.Fatalf("admit: %v", err)
	}
}

func (h *harness) build(t *testing.T, id string) *domain.Build {
	t.Helper()
	b, err := h.store.GetBuild(context.Background(), id)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	return b
}

func (h *harness) site(t *testing.T, id string) *domain.Site {
	t.Helper()
	s, err := h.store.GetSite(context.Background(), id)
	if err != nil {
		t.Fatalf("get site: %v", err)
	}
	return s
}

func stageStatuses(b *domain.Build) []domain.StageStatus {
	out := make([]domain.StageStatus, len(b.Stages))
	for i, st := range b.Stages {
		out[i] = st.Status
	}
	return out
}

func assertStages(t *testing.T, b *domain.Build, want ...domain.StageStatus) {
	t.Helper()
	got := stageStatuses(b)
	if len(got) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stage %d: expected %s, got %s (all: %v)", i, want[i], got[i], got)
		}
	}
}

func hasLog(b *domain.Build, fragment string) bool {
	for _, line := range b.BuildLogs {
		if strings.Contains(line.Message, fragment) {
			return true
		}
	}
	return false
}

func TestRunSuccess(t *testing.T) {
	h := newHarness(t)
	h.admit(t, "site-1", "build-1")

	if err := h.engine.Run(context.Background(), "build-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	b := h.build(t, "build-1")
	if b.Status != domain.BuildStatusSuccess {
		t.Fatalf("expected success, got %s", b.Status)
	}
	s := domain.StageStatusSuccess
	assertStages(t, b, s, s, s, s, s, s)
	if b.StartedAt == nil || b.CompletedAt == nil || b.Duration == nil {
		t.Fatalf("timestamps missing: %+v", b)
	}
	if b.ErrorMessage != "" {
		t.Fatalf("unexpected error message %q", b.ErrorMessage)
	}
	for _, st := range b.Stages {
		if st.StartedAt == nil || st.CompletedAt == nil || st.DurationMS == nil {
			t.Fatalf("stage timing missing: %+v", st)
		}
	}
	site := h.site(t, "site-1")
	if site.DeployStatus != domain.DeployStatusDeployed || site.LastDeployAt == nil {
		t.Fatalf("unexpected site state: %+v", site)
	}
	if h.notifier.count(domain.NotificationDeploySuccess) != 1 || h.notifier.terminal() != 1 {
		t.Fatalf("expected exactly one success notification, got %+v", h.notifier.events)
	}
	if h.notifier.count(domain.NotificationDeployStarted) != 1 {
		t.Fatalf("expected one started notification")
	}
	if !hasLog(b, "Starting Source Preparation") || !hasLog(b, "Build completed successfully") {
		t.Fatalf("expected stage logs, got %+v", b.BuildLogs)
	}
}

func TestRunFailureSkipsRemainingStages(t *testing.T) {
	finalizer := &recordingFinalizer{}
	h := newHarness(t,
		WithEffect(domain.StageTest, EffectFunc(func(context.Context, StageContext) error {
			return errors.New("3 tests failed")
		})),
		WithFinalizer(finalizer),
	)
	h.admit(t, "site-1", "build-1")

	if err := h.engine.Run(context.Background(), "build-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	b := h.build(t, "build-1")
	if b.Status != domain.BuildStatusFailed {
		t.Fatalf("expected failed, got %s", b.Status)
	}
	ok, failed, skipped := domain.StageStatusSuccess, domain.StageStatusFailed, domain.StageStatusSkipped
	assertStages(t, b, ok, ok, failed, skipped, skipped, skipped)
	if !strings.Contains(b.ErrorMessage, "Testing failed: 3 tests failed") || b.ErrorCode != domain.ErrorCodeStageFailed {
		t.Fatalf("unexpected error: %q (%s)", b.ErrorMessage, b.ErrorCode)
	}
	if b.Stages[2].LogExcerpt == "" {
		t.Fatalf("expected log excerpt on failed stage")
	}
	if h.site(t, "site-1").DeployStatus != domain.DeployStatusFailed {
		t.Fatalf("expected site failed")
	}
	if h.notifier.count(domain.NotificationDeployFailed) != 1 || h.notifier.terminal() != 1 {
		t.Fatalf("expected exactly one failure notification, got %+v", h.notifier.events)
	}
	if !hasLog(b, "Testing failed") {
		t.Fatalf("expected failure trail in logs")
	}
	if len(finalizer.seen) != 1 || finalizer.seen[0] != "build-1" {
		t.Fatalf("finalizer not invoked once: %v", finalizer.seen)
	}
}

func TestRunStageTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h := newHarness(t,
		WithStageTimeout(20*time.Millisecond),
		WithEffect(domain.StageBuild, EffectFunc(func(context.Context, StageContext) error {
			<-release
			return nil
		})),
	)
	h.admit(t, "site-1", "build-1")

	if err := h.engine.Run(context.Background(), "build-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	b := h.build(t, "build-1")
	if b.Status != domain.BuildStatusFailed || b.ErrorCode != domain.ErrorCodeStageTimeout {
		t.Fatalf("expected timeout failure, got %s %s", b.Status, b.ErrorCode)
	}
	if b.Stages[1].Status != domain.StageStatusFailed {
		t.Fatalf("expected build stage failed, got %s", b.Stages[1].Status)
	}
}

func TestTemplateTimeoutOverridesDefault(t *testing.T) {
	tpl := []domain.StageDefinition{
		{Key: "only", Name: "Only", Timeout: 20 * time.Millisecond},
	}
	h := newHarness(t,
		WithTemplate(tpl),
		WithStageTimeout(time.Hour),
		WithEffect("only", EffectFunc(func(ctx context.Context, _ StageContext) error {
			<-ctx.Done()
			return ctx.Err()
		})),
	)
	h.admit(t, "site-1", "build-1")
	if err := h.engine.Run(context.Background(), "build-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if b := h.build(t, "build-1"); b.ErrorCode != domain.ErrorCodeStageTimeout {
		t.Fatalf("expected stage timeout, got %q", b.ErrorCode)
	}
}

func TestRunRecoversPanickingEffect(t *testing.T) {
	h := newHarness(t, WithEffect(domain.StageOptimize, EffectFunc(func(context.Context, StageContext) error {
		panic("boom")
	})))
	h.admit(t, "site-1", "build-1")

	if err := h.engine.Run(context.Background(), "build-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	b := h.build(t, "build-1")
	if b.Status != domain.BuildStatusFailed || b.ErrorCode != domain.ErrorCodeStagePanic {
		t.Fatalf("expected panic failure, got %s %s", b.Status, b.ErrorCode)
	}
	if !strings.Contains(b.ErrorMessage, "boom") {
		t.Fatalf("expected panic value in message, got %q", b.ErrorMessage)
	}
}

func TestCancelMidStage(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, WithEffect(domain.StageBuild, EffectFunc(func(ctx context.Context, _ StageContext) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	})))
	h.admit(t, "site-1", "build-1")

	h.engine.Start("build-1")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("build stage never started")
	}

	cancelled, err := h.engine.Cancel(context.Background(), "build-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.BuildStatusCancelled || cancelled.CompletedAt == nil {
		t.Fatalf("unexpected cancelled build: %+v", cancelled)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.engine.Shutdown(ctx); err != nil {
		t.Fatalf("engine did not stop: %v", err)
	}

	b := h.build(t, "build-1")
	sk := domain.StageStatusSkipped
	assertStages(t, b, domain.StageStatusSuccess, sk, sk, sk, sk, sk)
	if !hasLog(b, "Build cancelled during Build Process") {
		t.Fatalf("cancellation point missing from logs: %+v", b.BuildLogs)
	}
	if h.site(t, "site-1").DeployStatus != domain.DeployStatusIdle {
		t.Fatalf("expected idle site after cancelling first build")
	}
	if h.notifier.count(domain.NotificationDeployCancelled) != 1 || h.notifier.terminal() != 1 {
		t.Fatalf("expected exactly one cancel notification, got %+v", h.notifier.events)
	}
	if h.engine.IsRunning("build-1") {
		t.Fatalf("engine still tracks cancelled build")
	}
	if _, err := h.engine.Cancel(context.Background(), "build-1"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive on second cancel, got %v", err)
	}
}

func TestCancelRestoresPreviousDeployStatus(t *testing.T) {
	h := newHarness(t)
	h.admit(t, "site-1", "build-1")
	if err := h.engine.Run(context.Background(), "build-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.admit(t, "site-1", "build-2")
	if _, err := h.engine.Cancel(context.Background(), "build-2"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := h.site(t, "site-1").DeployStatus; got != domain.DeployStatusDeployed {
		t.Fatalf("expected deployed after cancelling follow-up build, got %s", got)
	}
	if err := h.engine.Run(context.Background(), "build-2"); err != nil {
		t.Fatalf("run of cancelled build should be a no-op: %v", err)
	}
	b := h.build(t, "build-2")
	if b.Status != domain.BuildStatusCancelled || b.StartedAt != nil || b.Duration != nil {
		t.Fatalf("cancelled pending build was modified: %+v", b)
	}
	assertStages(t, b, domain.StageStatusSkipped, domain.StageStatusSkipped, domain.StageStatusSkipped,
		domain.StageStatusSkipped, domain.StageStatusSkipped, domain.StageStatusSkipped)
	if !hasLog(b, "before any stage started") {
		t.Fatalf("expected cancellation point in logs")
	}
}

func TestExactlyOneTerminalNotificationUnderCancelRace(t *testing.T) {
	for i := 0; i < 25; i++ {
		h := newHarness(t)
		h.admit(t, "site", "build")
		h.engine.Start("build")
		_, _ = h.engine.Cancel(context.Background(), "build")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.engine.Shutdown(ctx); err != nil {
			cancel()
			t.Fatalf("shutdown: %v", err)
		}
		cancel()
		if got := h.notifier.terminal(); got != 1 {
			t.Fatalf("iteration %d: expected one terminal notification, got %d (%+v)", i, got, h.notifier.events)
		}
		if b := h.build(t, "build"); !b.Status.IsTerminal() {
			t.Fatalf("iteration %d: build left in %s", i, b.Status)
		}
	}
}

type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failWhen func(domain.BuildUpdate) bool
}

func (f *flakyStore) UpdateBuild(ctx context.Context, id string, update domain.BuildUpdate) (*domain.Build, error) {
	f.mu.Lock()
	fail := f.failWhen != nil && f.failWhen(update)
	if fail {
		f.failWhen = nil
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return f.Store.UpdateBuild(ctx, id, update)
}

func TestStorageFailureAbortsBuild(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failWhen: func(u domain.BuildUpdate) bool {
		return len(u.Stages) == 1 && u.Stages[0].Index == 3 && u.Stages[0].Status == domain.StageStatusRunning
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := &recordingNotifier{}
	engine, err := New(store, store, logs.New(store, nil, logger), notifier, logger, WithDefaultEffect(noopEffect()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h := &harness{store: store.Store, engine: engine, notifier: notifier}
	h.admit(t, "site-1", "build-1")

	if err := engine.Run(context.Background(), "build-1"); err == nil {
		t.Fatalf("expected storage error to surface")
	}
	b := h.build(t, "build-1")
	if b.Status != domain.BuildStatusFailed || b.ErrorCode != domain.ErrorCodeStorage {
		t.Fatalf("expected storage failure, got %s %s", b.Status, b.ErrorCode)
	}
	if b.ErrorMessage == "" {
		t.Fatalf("failed build must carry an error message")
	}
	assertFailedAt(t, b, 3)
	if notifier.count(domain.NotificationDeployFailed) != 1 {
		t.Fatalf("expected failure notification")
	}
}

// assertFailedAt checks the shape of a failed build: stages before index
// succeeded, the stage at index failed and named in the log, the rest skipped.
func assertFailedAt(t *testing.T, b *domain.Build, index int) {
	t.Helper()
	failedStages := 0
	for i, st := range b.Stages {
		var want domain.StageStatus
		switch {
		case i < index:
			want = domain.StageStatusSuccess
		case i == index:
			want = domain.StageStatusFailed
		default:
			want = domain.StageStatusSkipped
		}
		if st.Status != want {
			t.Fatalf("stage %d: expected %s, got %s (all: %v)", i, want, st.Status, stageStatuses(b))
		}
		if st.Status == domain.StageStatusFailed {
			failedStages++
		}
	}
	if failedStages != 1 {
		t.Fatalf("expected exactly 1 failed stage, got %d", failedStages)
	}
	key := b.Stages[index].Key
	for _, line := range b.BuildLogs {
		if line.Stage == key && line.Level == "error" {
			return
		}
	}
	t.Fatalf("no error log line for stage %s: %+v", key, b.BuildLogs)
}

func TestStorageFailureAfterStageEffect(t *testing.T) {
	for name, tc := range map[string]struct {
		failWhen func(domain.BuildUpdate) bool
		index    int
	}{
		"stage completion": {
			failWhen: func(u domain.BuildUpdate) bool {
				return len(u.Stages) == 1 && u.Stages[0].Index == 3 && u.Stages[0].Status == domain.StageStatusSuccess
			},
			index: 3,
		},
		"build completion": {
			failWhen: func(u domain.BuildUpdate) bool {
				return u.Status != nil && *u.Status == domain.BuildStatusSuccess
			},
			index: 5,
		},
	} {
		t.Run(name, func(t *testing.T) {
			store := &flakyStore{Store: memory.New(), failWhen: tc.failWhen}
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			notifier := &recordingNotifier{}
			engine, err := New(store, store, logs.New(store, nil, logger), notifier, logger, WithDefaultEffect(noopEffect()))
			if err != nil {
				t.Fatalf("new engine: %v", err)
			}
			h := &harness{store: store.Store, engine: engine, notifier: notifier}
			h.admit(t, "site-1", "build-1")

			if err := engine.Run(context.Background(), "build-1"); err == nil {
				t.Fatalf("expected storage error to surface")
			}
			b := h.build(t, "build-1")
			if b.Status != domain.BuildStatusFailed || b.ErrorCode != domain.ErrorCodeStorage {
				t.Fatalf("expected storage failure, got %s %s", b.Status, b.ErrorCode)
			}
			assertFailedAt(t, b, tc.index)
			if notifier.terminal() != 1 || notifier.count(domain.NotificationDeployFailed) != 1 {
				t.Fatalf("expected one failure notification, got %+v", notifier.events)
			}
		})
	}
}

func TestDurationMatchesTimestamps(t *testing.T) {
	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(730 * time.Millisecond)
		return clock
	}
	h := newHarness(t, WithClock(tick))
	h.admit(t, "site-1", "build-1")
	if err := h.engine.Run(context.Background(), "build-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	b := h.build(t, "build-1")
	want := int64(b.CompletedAt.Sub(*b.StartedAt) / time.Second)
	if b.Duration == nil || *b.Duration != want || want < 0 {
		t.Fatalf("duration %v does not match timestamps (want %d)", b.Duration, want)
	}
}

func TestRunUnknownBuild(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Run(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for missing build")
	}
}

func TestAbortStaleBuild(t *testing.T) {
	h := newHarness(t)
	h.admit(t, "site-1", "build-1")
	b, err := h.engine.Abort(context.Background(), "build-1", domain.ErrorCodeStale, "build abandoned")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if b.Status != domain.BuildStatusFailed || b.ErrorCode != domain.ErrorCodeStale {
		t.Fatalf("unexpected build: %+v", b)
	}
	assertFailedAt(t, b, 0)
	if _, err := h.engine.Abort(context.Background(), "build-1", domain.ErrorCodeStale, "again"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestNewRejectsInvalidTemplate(t *testing.T) {
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(store, store, logs.New(store, nil, logger), nil, logger, WithTemplate(nil))
	if !errors.Is(err, domain.ErrInvalidStageTemplate) {
		t.Fatalf("expected ErrInvalidStageTemplate, got %v", err)
	}
}
