package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/pipeline"
)

var (
	// ErrSiteNotFound indicates the trigger referenced an unknown site.
	ErrSiteNotFound = errors.New("trigger: site not found")
	// ErrSiteArchived indicates the site no longer accepts builds.
	ErrSiteArchived = errors.New("trigger: site is archived")
	// ErrBuildInProgress indicates the site already has a pending or building build.
	ErrBuildInProgress = errors.New("trigger: build already in progress")
	// ErrBuildNotFound indicates the referenced build does not exist.
	ErrBuildNotFound = errors.New("trigger: build not found")
	// ErrNotRetryable indicates only failed or cancelled builds can be retried.
	ErrNotRetryable = errors.New("trigger: build is not retryable")
	// ErrNotCancellable indicates the build already finished.
	ErrNotCancellable = errors.New("trigger: build is not cancellable")
	// ErrInvalidRequest indicates malformed trigger input.
	ErrInvalidRequest = errors.New("trigger: invalid request")
)

// Runner executes admitted builds.
type Runner interface {
	NewStages() []domain.Stage
	Start(buildID string)
	Cancel(ctx context.Context, buildID string) (*domain.Build, error)
}

// Request describes a trigger event.
type Request struct {
	SiteID        string
	Branch        string
	CommitSHA     string
	CommitMessage string
	ClearCache    bool
	Source        domain.TriggerSource
	User          string
}

// Dispatcher admits trigger events, enforcing one active build per site.
type Dispatcher struct {
	sites  repository.SiteRepository
	builds repository.BuildRepository
	runner Runner
	locker Locker
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Dispatcher. A nil locker falls back to an in-process one.
func New(sites repository.SiteRepository, builds repository.BuildRepository, runner Runner, locker Locker, logger *slog.Logger) *Dispatcher {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sites:  sites,
		builds: builds,
		runner: runner,
		locker: locker,
		logger: logger.With("component", "trigger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Trigger validates the request, records a pending build and hands it to the
// runner without waiting for the pipeline.
func (d *Dispatcher) Trigger(ctx context.Context, req Request) (*domain.Build, error) {
	req.SiteID = strings.TrimSpace(req.SiteID)
	if req.SiteID == "" {
		return nil, fmt.Errorf("%w: site id is required", ErrInvalidRequest)
	}
	if req.Source == "" {
		req.Source = domain.TriggerManual
	}
	if !req.Source.Valid() {
		return nil, fmt.Errorf("%w: unknown trigger source %q", ErrInvalidRequest, req.Source)
	}

	unlock, err := d.locker.Lock(ctx, "site:"+req.SiteID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	site, err := d.sites.GetSite(ctx, req.SiteID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSiteNotFound
		}
		return nil, err
	}
	if site.Status == domain.SiteStatusArchived {
		return nil, ErrSiteArchived
	}
	active, err := d.builds.ListActiveBuilds(ctx, site.ID)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, ErrBuildInProgress
	}

	build := d.newBuild(site, req)
	if err := d.builds.CreateBuild(ctx, build); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrBuildInProgress
		}
		return nil, err
	}
	if _, err := d.sites.UpdateDeployStatus(ctx, domain.SiteDeployUpdate{
		SiteID:       site.ID,
		BuildID:      build.ID,
		DeployStatus: domain.DeployStatusBuilding,
		Admit:        true,
	}); err != nil {
		if delErr := d.builds.DeleteBuild(context.WithoutCancel(ctx), build.ID); delErr != nil {
			d.logger.Error("rollback admitted build failed", "build_id", build.ID, "error", delErr)
		}
		return nil, fmt.Errorf("mark site building: %w", err)
	}

	d.runner.Start(build.ID)
	d.logger.Info("build admitted", "build_id", build.ID, "site_id", site.ID, "branch", build.Branch, "source", build.TriggeredBy)
	out := build.Clone()
	return &out, nil
}

// Retry admits a new build with the branch and commit of a failed or cancelled one.
func (d *Dispatcher) Retry(ctx context.Context, buildID, user string) (*domain.Build, error) {
	prior, err := d.Get(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if prior.Status != domain.BuildStatusFailed && prior.Status != domain.BuildStatusCancelled {
		return nil, ErrNotRetryable
	}
	return d.Trigger(ctx, Request{
		SiteID:        prior.SiteID,
		Branch:        prior.Branch,
		CommitSHA:     prior.CommitSHA,
		CommitMessage: prior.CommitMessage,
		ClearCache:    prior.ClearCache,
		Source:        domain.TriggerRetry,
		User:          user,
	})
}

// Cancel stops an active build.
func (d *Dispatcher) Cancel(ctx context.Context, buildID string) (*domain.Build, error) {
	build, err := d.runner.Cancel(ctx, buildID)
	switch {
	case err == nil:
		return build, nil
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrBuildNotFound
	case errors.Is(err, pipeline.ErrNotActive):
		return nil, ErrNotCancellable
	default:
		return nil, err
	}
}

// Get returns a build with its logs.
func (d *Dispatcher) Get(ctx context.Context, buildID string) (*domain.Build, error) {
	build, err := d.builds.GetBuild(ctx, buildID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrBuildNotFound
		}
		return nil, err
	}
	return build, nil
}

// List pages through a site's builds, newest first.
func (d *Dispatcher) List(ctx context.Context, siteID string, page, limit int) ([]domain.Build, domain.Pagination, error) {
	return d.builds.ListBuildsBySite(ctx, siteID, page, limit)
}

// DeleteBySite cancels anything still running for the site and removes its builds.
func (d *Dispatcher) DeleteBySite(ctx context.Context, siteID string) (int, error) {
	active, err := d.builds.ListActiveBuilds(ctx, siteID)
	if err != nil {
		return 0, err
	}
	for _, b := range active {
		if _, err := d.runner.Cancel(ctx, b.ID); err != nil && !errors.Is(err, pipeline.ErrNotActive) {
			d.logger.Warn("cancel before site cleanup failed", "build_id", b.ID, "error", err)
		}
	}
	removed, err := d.builds.DeleteBuildsBySite(ctx, siteID)
	if err != nil {
		return 0, err
	}
	d.logger.Info("site builds removed", "site_id", siteID, "count", removed)
	return removed, nil
}

func (d *Dispatcher) newBuild(site *domain.Site, req Request) *domain.Build {
	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		branch = site.Git.Branch
	}
	now := d.now()
	return &domain.Build{
		ID:                   uuid.NewString(),
		SiteID:               site.ID,
		DeployID:             uuid.NewString(),
		Branch:               branch,
		CommitSHA:            strings.TrimSpace(req.CommitSHA),
		CommitMessage:        req.CommitMessage,
		BuildCommand:         site.Build.Command,
		PublishDirectory:     site.Build.PublishDirectory,
		RuntimeVersion:       site.Build.RuntimeVersion,
		EnvironmentVariables: maps.Clone(site.Build.EnvironmentVariables),
		ClearCache:           req.ClearCache,
		Status:               domain.BuildStatusPending,
		Stages:               d.runner.NewStages(),
		BuildLogs:            []domain.LogLine{},
		TriggeredBy:          req.Source,
		TriggeredByUser:      req.User,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}
