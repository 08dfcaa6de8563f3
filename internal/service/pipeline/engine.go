package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository"
)

// Notifier receives build events. Implementations must not block.
type Notifier interface {
	Notify(n domain.Notification)
}

// LogStream appends build log lines and pushes them to live subscribers.
type LogStream interface {
	Append(ctx context.Context, buildID string, lines ...domain.LogLine) ([]domain.LogLine, error)
	Publish(buildID string, lines ...domain.LogLine)
	Finish(buildID string, status domain.BuildStatus)
}

// Engine drives builds through the stage template.
type Engine struct {
	builds     repository.BuildRepository
	sites      repository.SiteRepository
	logs       LogStream
	notifier   Notifier
	logger     *slog.Logger
	template   []domain.StageDefinition
	effects    map[string]Effect
	fallback   Effect
	finalizers []Finalizer
	timeout    time.Duration
	pacing     time.Duration
	metrics    *Metrics
	now        func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// Option customises an Engine.
type Option func(*Engine)

// WithTemplate replaces the default stage template.
func WithTemplate(template []domain.StageDefinition) Option {
	return func(e *Engine) {
		e.template = append([]domain.StageDefinition(nil), template...)
	}
}

// WithEffect binds an effect to a stage key.
func WithEffect(key string, effect Effect) Option {
	return func(e *Engine) { e.effects[key] = effect }
}

// WithDefaultEffect sets the effect used for stages without a dedicated one.
func WithDefaultEffect(effect Effect) Option {
	return func(e *Engine) { e.fallback = effect }
}

// WithFinalizer registers a hook run after every terminal transition.
func WithFinalizer(f Finalizer) Option {
	return func(e *Engine) { e.finalizers = append(e.finalizers, f) }
}

// WithStageTimeout sets the deadline for stages that do not define their own.
func WithStageTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithPacing inserts a delay between stages.
func WithPacing(d time.Duration) Option {
	return func(e *Engine) { e.pacing = d }
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New constructs an Engine.
func New(builds repository.BuildRepository, sites repository.SiteRepository, logs LogStream, notifier Notifier, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if builds == nil || sites == nil || logs == nil {
		return nil, errors.New("pipeline: builds, sites and logs are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		builds:   builds,
		sites:    sites,
		logs:     logs,
		notifier: notifier,
		logger:   logger.With("component", "pipeline"),
		template: domain.DefaultStageTemplate(),
		effects:  make(map[string]Effect),
		fallback: SimulatedEffect{Scale: 1},
		timeout:  10 * time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := domain.ValidateStageTemplate(e.template); err != nil {
		return nil, err
	}
	return e, nil
}

// Template returns a copy of the stage template.
func (e *Engine) Template() []domain.StageDefinition {
	return append([]domain.StageDefinition(nil), e.template...)
}

// NewStages returns pending stage records for a new build.
func (e *Engine) NewStages() []domain.Stage {
	return domain.NewStages(e.template)
}

// Start runs the build in the background and returns immediately.
func (e *Engine) Start(buildID string) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		e.logger.Warn("engine closed, build not started", "build_id", buildID)
		return
	}
	e.running[buildID] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.stop(buildID)
		if err := e.Run(ctx, buildID); err != nil {
			e.logger.Error("build run failed", "build_id", buildID, "error", err)
		}
	}()
}

// IsRunning reports whether this process is executing the build.
func (e *Engine) IsRunning(buildID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[buildID]
	return ok
}

// Shutdown stops accepting builds and waits for running ones. When ctx ends
// first, running builds are interrupted and left for the stale reaper.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		for _, cancel := range e.running {
			cancel()
		}
		e.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (e *Engine) stop(buildID string) {
	e.mu.Lock()
	cancel, ok := e.running[buildID]
	delete(e.running, buildID)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// Run executes the build synchronously. It returns an error only when the
// build cannot be loaded or storage fails; stage failures resolve into the
// build's own status.
func (e *Engine) Run(ctx context.Context, buildID string) error {
	build, err := e.builds.GetBuild(ctx, buildID)
	if err != nil {
		return fmt.Errorf("load build %s: %w", buildID, err)
	}
	if build.Status != domain.BuildStatusPending {
		return nil
	}
	log := e.logger.With("build_id", build.ID, "site_id", build.SiteID)
	if len(build.Stages) != len(e.template) {
		_, err := e.Abort(context.WithoutCancel(ctx), build.ID, domain.ErrorCodeStageFailed, "stage records do not match the pipeline template")
		return err
	}

	startedAt := e.now()
	building := domain.BuildStatusBuilding
	current, err := e.builds.UpdateBuild(ctx, build.ID, domain.BuildUpdate{Status: &building, StartedAt: &startedAt})
	if err != nil {
		return e.handleUpdateError(ctx, build.ID, err)
	}
	e.metrics.buildStarted()
	defer e.metrics.buildStopped()
	e.notify(domain.NotificationDeployStarted, current)
	log.Info("build started", "branch", current.Branch, "commit", current.CommitSHA)
	e.appendLog(ctx, build.ID, "", "info", fmt.Sprintf("Build started on branch %s", current.Branch))

	for i, def := range e.template {
		if ctx.Err() != nil {
			return nil
		}
		if i > 0 && e.pacing > 0 {
			if err := sleepCtx(ctx, e.pacing); err != nil {
				return nil
			}
		}

		stageStart := e.now()
		if _, err := e.builds.UpdateBuild(ctx, build.ID, domain.BuildUpdate{
			Stages: []domain.StageUpdate{{Index: i, Status: domain.StageStatusRunning, StartedAt: &stageStart}},
		}); err != nil {
			return e.handleUpdateError(ctx, build.ID, err)
		}
		e.appendLog(ctx, build.ID, def.Key, "info", "Starting "+def.Name)

		effectErr := e.runEffect(ctx, def, StageContext{
			Build: current.Clone(),
			Stage: def,
			Index: i,
			Log: func(level, message string) {
				e.appendLog(ctx, build.ID, def.Key, level, message)
			},
		})
		stageEnd := e.now()
		elapsed := stageEnd.Sub(stageStart)
		if effectErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.metrics.stageFinished(def.Key, domain.StageStatusFailed, elapsed)
			log.Warn("stage failed", "stage", def.Key, "error", effectErr)
			return e.failStage(ctx, build.ID, i, def, effectErr, stageEnd)
		}

		completed := domain.LogLine{Stage: def.Key, Level: "info", Message: fmt.Sprintf("%s completed in %s", def.Name, elapsed.Round(time.Millisecond)), Timestamp: stageEnd}
		if i == len(e.template)-1 {
			// The last stage settles together with the build so a failed
			// write leaves it running for Abort to fail.
			success := domain.BuildStatusSuccess
			done, err := e.builds.UpdateBuild(ctx, build.ID, domain.BuildUpdate{
				Status:      &success,
				CompletedAt: &stageEnd,
				Stages:      []domain.StageUpdate{{Index: i, Status: domain.StageStatusSuccess, CompletedAt: &stageEnd}},
				AppendLogs: []domain.LogLine{
					completed,
					{Level: "info", Message: "Build completed successfully", Timestamp: stageEnd},
				},
			})
			if err != nil {
				return e.handleUpdateError(ctx, build.ID, err)
			}
			e.metrics.stageFinished(def.Key, domain.StageStatusSuccess, elapsed)
			e.settle(ctx, done, 2)
			return nil
		}

		if _, err := e.builds.UpdateBuild(ctx, build.ID, domain.BuildUpdate{
			Stages: []domain.StageUpdate{{Index: i, Status: domain.StageStatusSuccess, CompletedAt: &stageEnd}},
		}); err != nil {
			return e.handleUpdateError(ctx, build.ID, err)
		}
		e.metrics.stageFinished(def.Key, domain.StageStatusSuccess, elapsed)
		e.appendLog(ctx, build.ID, def.Key, completed.Level, completed.Message)
	}
	return nil
}

// Cancel moves an active build to cancelled, skips its unfinished stages and
// interrupts the running effect. Partial effects are not rolled back.
func (e *Engine) Cancel(ctx context.Context, buildID string) (*domain.Build, error) {
	build, err := e.builds.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if !build.Status.IsActive() {
		return nil, ErrNotActive
	}
	point := "before any stage started"
	for _, st := range build.Stages {
		if st.Status == domain.StageStatusRunning {
			point = "during " + st.Name
			break
		}
	}
	now := e.now()
	cancelled := domain.BuildStatusCancelled
	from := 0
	message := "Build cancelled " + point
	updated, err := e.builds.UpdateBuild(ctx, buildID, domain.BuildUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
		SkipFrom:    &from,
		AppendLogs:  []domain.LogLine{{Level: "warn", Message: message, Timestamp: now}},
	})
	if err != nil {
		if errors.Is(err, domain.ErrBuildTerminal) {
			return nil, ErrNotActive
		}
		return nil, err
	}
	e.stop(buildID)
	e.logger.Info("build cancelled", "build_id", buildID, "site_id", updated.SiteID, "point", point)
	e.settle(ctx, updated, 1)
	return updated, nil
}

// Abort fails an active build with the given code. The first unfinished
// stage is marked failed and every stage after it skipped.
func (e *Engine) Abort(ctx context.Context, buildID, code, message string) (*domain.Build, error) {
	var (
		updated *domain.Build
		err     error
	)
	for attempt := 0; attempt < 3; attempt++ {
		updated, err = e.abortOnce(ctx, buildID, code, message)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrBuildTerminal) {
			return nil, ErrNotActive
		}
		return nil, err
	}
	e.stop(buildID)
	e.logger.Error("build aborted", "build_id", buildID, "site_id", updated.SiteID, "code", code, "reason", message)
	e.settle(ctx, updated, 1)
	return updated, nil
}

// abortOnce builds the failing update from the build's current stages. A
// concurrent stage write surfaces as ErrInvalidTransition and is retried.
func (e *Engine) abortOnce(ctx context.Context, buildID, code, message string) (*domain.Build, error) {
	build, err := e.builds.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if !build.Status.IsActive() {
		return nil, domain.ErrBuildTerminal
	}
	now := e.now()
	failed := domain.BuildStatusFailed
	update := domain.BuildUpdate{
		Status:       &failed,
		CompletedAt:  &now,
		ErrorMessage: &message,
		ErrorCode:    &code,
	}
	line := domain.LogLine{Level: "error", Message: message, Timestamp: now}
	if i := firstUnfinished(build.Stages); i >= 0 {
		st := build.Stages[i]
		if st.Status == domain.StageStatusPending {
			update.Stages = append(update.Stages, domain.StageUpdate{Index: i, Status: domain.StageStatusRunning, StartedAt: &now})
		}
		update.Stages = append(update.Stages, domain.StageUpdate{Index: i, Status: domain.StageStatusFailed, CompletedAt: &now, LogExcerpt: truncate(message, 512)})
		next := i + 1
		update.SkipFrom = &next
		line.Stage = st.Key
		line.Message = fmt.Sprintf("%s failed: %s", st.Name, message)
	}
	update.AppendLogs = []domain.LogLine{line}
	return e.builds.UpdateBuild(ctx, buildID, update)
}

func firstUnfinished(stages []domain.Stage) int {
	for i, st := range stages {
		if !st.Status.IsTerminal() {
			return i
		}
	}
	return -1
}

func (e *Engine) failStage(ctx context.Context, buildID string, index int, def domain.StageDefinition, cause error, at time.Time) error {
	failed := domain.BuildStatusFailed
	message := fmt.Sprintf("%s failed: %v", def.Name, cause)
	code := errorCode(cause)
	next := index + 1
	updated, err := e.builds.UpdateBuild(ctx, buildID, domain.BuildUpdate{
		Status:       &failed,
		CompletedAt:  &at,
		ErrorMessage: &message,
		ErrorCode:    &code,
		Stages:       []domain.StageUpdate{{Index: index, Status: domain.StageStatusFailed, CompletedAt: &at, LogExcerpt: truncate(cause.Error(), 512)}},
		SkipFrom:     &next,
		AppendLogs:   []domain.LogLine{{Stage: def.Key, Level: "error", Message: message, Timestamp: at}},
	})
	if err != nil {
		return e.handleUpdateError(ctx, buildID, err)
	}
	e.settle(ctx, updated, 1)
	return nil
}

// handleUpdateError resolves a failed write. A build finalised elsewhere is
// not an error; anything else aborts the build as a storage failure.
func (e *Engine) handleUpdateError(ctx context.Context, buildID string, err error) error {
	if errors.Is(err, domain.ErrBuildTerminal) || ctx.Err() != nil {
		return nil
	}
	_, abortErr := e.Abort(context.WithoutCancel(ctx), buildID, domain.ErrorCodeStorage, fmt.Sprintf("storage error: %v", err))
	if abortErr != nil && !errors.Is(abortErr, ErrNotActive) {
		return errors.Join(err, abortErr)
	}
	return err
}

func (e *Engine) runEffect(ctx context.Context, def domain.StageDefinition, sc StageContext) error {
	effect, ok := e.effects[def.Key]
	if !ok {
		effect = e.fallback
	}
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	var (
		stageCtx context.Context
		cancel   context.CancelFunc
	)
	if timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		stageCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Value: r}
			}
		}()
		done <- effect.RunStage(stageCtx, sc)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrStageTimeout, timeout)
		}
		return err
	case <-stageCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrStageTimeout, timeout)
	}
}

// settle runs the side effects of a terminal transition exactly once: live
// log delivery, site deploy status, notification, metrics and finalizers.
func (e *Engine) settle(ctx context.Context, b *domain.Build, appended int) {
	ctx = context.WithoutCancel(ctx)
	if appended > 0 && len(b.BuildLogs) >= appended {
		e.logs.Publish(b.ID, b.BuildLogs[len(b.BuildLogs)-appended:]...)
	}

	update := domain.SiteDeployUpdate{SiteID: b.SiteID, BuildID: b.ID}
	var kind domain.NotificationType
	switch b.Status {
	case domain.BuildStatusSuccess:
		update.DeployStatus = domain.DeployStatusDeployed
		update.LastDeployAt = b.CompletedAt
		kind = domain.NotificationDeploySuccess
	case domain.BuildStatusFailed:
		update.DeployStatus = domain.DeployStatusFailed
		kind = domain.NotificationDeployFailed
	case domain.BuildStatusCancelled:
		update.DeployStatus = e.fallbackDeployStatus(ctx, b.SiteID)
		kind = domain.NotificationDeployCancelled
	default:
		return
	}
	e.logs.Finish(b.ID, b.Status)
	applied, err := e.sites.UpdateDeployStatus(ctx, update)
	switch {
	case err != nil:
		e.logger.Warn("site deploy status update failed", "build_id", b.ID, "site_id", b.SiteID, "error", err)
	case !applied:
		e.logger.Debug("site moved on to a newer build", "build_id", b.ID, "site_id", b.SiteID)
	}

	e.notify(kind, b)
	e.metrics.buildFinished(b.Status)
	for _, f := range e.finalizers {
		f.FinalizeBuild(ctx, b.Clone())
	}
	var duration int64
	if b.Duration != nil {
		duration = *b.Duration
	}
	e.logger.Info("build finished", "build_id", b.ID, "site_id", b.SiteID, "status", b.Status, "duration_seconds", duration)
}

func (e *Engine) fallbackDeployStatus(ctx context.Context, siteID string) domain.DeployStatus {
	prev, err := e.builds.LatestFinishedBuild(ctx, siteID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			e.logger.Warn("lookup previous build failed", "site_id", siteID, "error", err)
		}
		return domain.DeployStatusIdle
	}
	if prev.Status == domain.BuildStatusSuccess {
		return domain.DeployStatusDeployed
	}
	return domain.DeployStatusFailed
}

func (e *Engine) notify(kind domain.NotificationType, b *domain.Build) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(domain.Notification{
		Type:         kind,
		SiteID:       b.SiteID,
		BuildID:      b.ID,
		Status:       b.Status,
		ErrorMessage: b.ErrorMessage,
		Timestamp:    e.now(),
	})
}

func (e *Engine) appendLog(ctx context.Context, buildID, stage, level, message string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := e.logs.Append(ctx, buildID, domain.LogLine{
		Stage:     stage,
		Level:     level,
		Message:   message,
		Timestamp: e.now(),
	}); err != nil {
		e.logger.Warn("append build log failed", "build_id", buildID, "stage", stage, "error", err)
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
