package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository"
)

const buildColumns = `id, site_id, deploy_id, branch, commit_sha, commit_message, build_command,
	publish_directory, runtime_version, env_vars, clear_cache, status, stages, started_at,
	completed_at, duration_seconds, error_message, error_code, triggered_by, triggered_by_user,
	created_at, updated_at`

// CreateBuild inserts a build record.
func (r *Repository) CreateBuild(ctx context.Context, build *domain.Build) error {
	if build == nil || build.ID == "" || build.SiteID == "" {
		return repository.ErrInvalidArgument
	}
	env, err := r.sealEnv(build.EnvironmentVariables)
	if err != nil {
		return err
	}
	stages, err := json.Marshal(build.Stages)
	if err != nil {
		return err
	}
	const query = `INSERT INTO builds (id, site_id, deploy_id, branch, commit_sha, commit_message, build_command,
			publish_directory, runtime_version, env_vars, clear_cache, status, stages, started_at, completed_at,
			duration_seconds, error_message, error_code, triggered_by, triggered_by_user, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	_, err = r.pool.Exec(ctx, query,
		build.ID,
		build.SiteID,
		build.DeployID,
		build.Branch,
		emptyToNil(build.CommitSHA),
		emptyToNil(build.CommitMessage),
		emptyToNil(build.BuildCommand),
		build.PublishDirectory,
		emptyToNil(build.RuntimeVersion),
		env,
		build.ClearCache,
		build.Status,
		stages,
		timePtrToNil(build.StartedAt),
		timePtrToNil(build.CompletedAt),
		build.Duration,
		emptyToNil(build.ErrorMessage),
		emptyToNil(build.ErrorCode),
		build.TriggeredBy,
		emptyToNil(build.TriggeredByUser),
		build.CreatedAt.UTC(),
		build.UpdatedAt.UTC(),
	)
	return mapWriteError(err)
}

// GetBuild fetches a build with its log lines.
func (r *Repository) GetBuild(ctx context.Context, buildID string) (*domain.Build, error) {
	build, err := r.scanBuild(r.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, buildID))
	if err != nil {
		return nil, err
	}
	logs, err := r.ListLogs(ctx, buildID, 0)
	if err != nil {
		return nil, err
	}
	build.BuildLogs = logs
	return build, nil
}

// ListBuildsBySite pages through a site's builds, newest first.
func (r *Repository) ListBuildsBySite(ctx context.Context, siteID string, page, limit int) ([]domain.Build, domain.Pagination, error) {
	if page < 1 || limit <= 0 {
		return nil, domain.Pagination{}, repository.ErrInvalidArgument
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM builds WHERE site_id = $1`, siteID).Scan(&total); err != nil {
		return nil, domain.Pagination{}, err
	}
	pagination := domain.NewPagination(page, limit, total)
	if (page-1)*limit >= total {
		return []domain.Build{}, pagination, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+buildColumns+` FROM builds WHERE site_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, siteID, limit, (page-1)*limit)
	if err != nil {
		return nil, domain.Pagination{}, err
	}
	builds, err := r.collectBuilds(rows)
	if err != nil {
		return nil, domain.Pagination{}, err
	}
	return builds, pagination, nil
}

// ListActiveBuilds returns pending or building builds for a site.
func (r *Repository) ListActiveBuilds(ctx context.Context, siteID string) ([]domain.Build, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+buildColumns+` FROM builds
		WHERE site_id = $1 AND status IN ('pending', 'building') ORDER BY created_at DESC`, siteID)
	if err != nil {
		return nil, err
	}
	return r.collectBuilds(rows)
}

// LatestFinishedBuild returns the newest success or failed build of a site.
func (r *Repository) LatestFinishedBuild(ctx context.Context, siteID string) (*domain.Build, error) {
	return r.scanBuild(r.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds
		WHERE site_id = $1 AND status IN ('success', 'failed')
		ORDER BY created_at DESC LIMIT 1`, siteID))
}

// UpdateBuild locks the row, merges the update and appends any log lines in one transaction.
func (r *Repository) UpdateBuild(ctx context.Context, buildID string, update domain.BuildUpdate) (*domain.Build, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	build, err := r.scanBuild(tx.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1 FOR UPDATE`, buildID))
	if err != nil {
		return nil, err
	}
	if err := update.ApplyTo(build, time.Now().UTC()); err != nil {
		return nil, err
	}
	if !update.OnlyLogs() {
		stages, err := json.Marshal(build.Stages)
		if err != nil {
			return nil, err
		}
		const query = `UPDATE builds
			SET status = $2,
				stages = $3,
				started_at = $4,
				completed_at = $5,
				duration_seconds = $6,
				error_message = $7,
				error_code = $8,
				updated_at = $9
			WHERE id = $1`
		if _, err := tx.Exec(ctx, query,
			buildID,
			build.Status,
			stages,
			timePtrToNil(build.StartedAt),
			timePtrToNil(build.CompletedAt),
			build.Duration,
			emptyToNil(build.ErrorMessage),
			emptyToNil(build.ErrorCode),
			build.UpdatedAt,
		); err != nil {
			return nil, mapWriteError(err)
		}
	}
	if _, err := insertLogs(ctx, tx, buildID, update.AppendLogs); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	logs, err := r.ListLogs(ctx, buildID, 0)
	if err != nil {
		return nil, err
	}
	build.BuildLogs = logs
	return build, nil
}

// DeleteBuild removes a build; its logs cascade.
func (r *Repository) DeleteBuild(ctx context.Context, buildID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM builds WHERE id = $1`, buildID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteBuildsBySite removes every build of a site.
func (r *Repository) DeleteBuildsBySite(ctx context.Context, siteID string) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM builds WHERE site_id = $1`, siteID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListStaleBuilds returns active builds not updated since updatedBefore.
func (r *Repository) ListStaleBuilds(ctx context.Context, updatedBefore time.Time) ([]domain.Build, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+buildColumns+` FROM builds
		WHERE status IN ('pending', 'building') AND updated_at < $1 ORDER BY created_at`, updatedBefore.UTC())
	if err != nil {
		return nil, err
	}
	return r.collectBuilds(rows)
}

func (r *Repository) collectBuilds(rows pgx.Rows) ([]domain.Build, error) {
	defer rows.Close()
	builds := make([]domain.Build, 0)
	for rows.Next() {
		b, err := r.scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *b)
	}
	return builds, rows.Err()
}

func (r *Repository) scanBuild(row pgx.Row) (*domain.Build, error) {
	var (
		b                                  domain.Build
		sha, msg, command, runtime, errMsg *string
		errCode, user                      *string
		env, stages                        []byte
	)
	err := row.Scan(
		&b.ID, &b.SiteID, &b.DeployID, &b.Branch, &sha, &msg, &command,
		&b.PublishDirectory, &runtime, &env, &b.ClearCache, &b.Status, &stages, &b.StartedAt,
		&b.CompletedAt, &b.Duration, &errMsg, &errCode, &b.TriggeredBy, &user,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	b.CommitSHA = deref(sha)
	b.CommitMessage = deref(msg)
	b.BuildCommand = deref(command)
	b.RuntimeVersion = deref(runtime)
	b.ErrorMessage = deref(errMsg)
	b.ErrorCode = deref(errCode)
	b.TriggeredByUser = deref(user)
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &b.Stages); err != nil {
			return nil, fmt.Errorf("decode stages: %w", err)
		}
	}
	if b.EnvironmentVariables, err = r.openEnv(env); err != nil {
		return nil, fmt.Errorf("decode build env: %w", err)
	}
	return &b, nil
}
