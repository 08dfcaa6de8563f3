package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/pipeline"
)

// Aborter fails builds and reports which ones this process is executing.
type Aborter interface {
	IsRunning(buildID string) bool
	Abort(ctx context.Context, buildID, code, message string) (*domain.Build, error)
}

// Reaper fails builds left active by a crashed or restarted process.
type Reaper struct {
	builds     repository.BuildRepository
	engine     Aborter
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
	scheduler  gocron.Scheduler
}

// New returns a Reaper treating builds idle for longer than staleAfter as abandoned.
func New(builds repository.BuildRepository, engine Aborter, staleAfter time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Reaper{
		builds:     builds,
		engine:     engine,
		staleAfter: staleAfter,
		logger:     logger.With("component", "reaper"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Sweep fails every stale build not running here and reports how many it reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stale, err := r.builds.ListStaleBuilds(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale builds: %w", err)
	}
	reaped := 0
	for _, b := range stale {
		if r.engine.IsRunning(b.ID) {
			continue
		}
		message := fmt.Sprintf("Build abandoned: no progress for %s", r.staleAfter)
		if _, err := r.engine.Abort(ctx, b.ID, domain.ErrorCodeStale, message); err != nil {
			if errors.Is(err, pipeline.ErrNotActive) {
				continue
			}
			r.logger.Warn("reap stale build failed", "build_id", b.ID, "error", err)
			continue
		}
		reaped++
		r.logger.Warn("stale build reaped", "build_id", b.ID, "site_id", b.SiteID, "last_update", b.UpdatedAt)
	}
	return reaped, nil
}

// Start sweeps once and then every interval.
func (r *Reaper) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.run),
		gocron.WithName("stale-build-reaper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to create reaper job: %w", err)
	}
	r.scheduler = s
	s.Start()
	r.logger.Info("reaper started", "interval", interval, "stale_after", r.staleAfter)
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep.
func (r *Reaper) Stop() error {
	if r.scheduler == nil {
		return nil
	}
	return r.scheduler.Shutdown()
}

func (r *Reaper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Error("stale build sweep failed", "error", err)
	}
}
