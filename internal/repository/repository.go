package repository

import (
	"context"
	"time"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
)

// SiteRepository reads site configuration and records aggregate deploy status.
type SiteRepository interface {
	CreateSite(ctx context.Context, site *domain.Site) error
	GetSite(ctx context.Context, siteID string) (*domain.Site, error)
	// UpdateDeployStatus applies the update only when the build is the site's
	// current build (or is being admitted). It reports whether the row changed.
	UpdateDeployStatus(ctx context.Context, update domain.SiteDeployUpdate) (bool, error)
	UpsertWebhookSecret(ctx context.Context, siteID string, secret []byte) error
	GetWebhookSecret(ctx context.Context, siteID string) ([]byte, error)
}

// BuildRepository stores build records.
type BuildRepository interface {
	CreateBuild(ctx context.Context, build *domain.Build) error
	GetBuild(ctx context.Context, buildID string) (*domain.Build, error)
	// ListBuildsBySite returns builds newest first without their log lines.
	ListBuildsBySite(ctx context.Context, siteID string, page, limit int) ([]domain.Build, domain.Pagination, error)
	ListActiveBuilds(ctx context.Context, siteID string) ([]domain.Build, error)
	// LatestFinishedBuild returns the newest success or failed build of a site.
	LatestFinishedBuild(ctx context.Context, siteID string) (*domain.Build, error)
	// UpdateBuild merges the update under a per-build write lock and returns the result.
	UpdateBuild(ctx context.Context, buildID string, update domain.BuildUpdate) (*domain.Build, error)
	DeleteBuild(ctx context.Context, buildID string) error
	DeleteBuildsBySite(ctx context.Context, siteID string) (int, error)
	ListStaleBuilds(ctx context.Context, updatedBefore time.Time) ([]domain.Build, error)
}

// LogRepository handles build log persistence and retrieval.
type LogRepository interface {
	// AppendLogs stores lines in order and returns them with sequence numbers assigned.
	AppendLogs(ctx context.Context, buildID string, lines ...domain.LogLine) ([]domain.LogLine, error)
	// ListLogs returns lines with a sequence greater than afterSeq in append order.
	ListLogs(ctx context.Context, buildID string, afterSeq int64) ([]domain.LogLine, error)
	ClearLogs(ctx context.Context, buildID string) error
}
