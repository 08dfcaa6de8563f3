package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository"
	"github.com/coinkrazygaming/CodeFlow-sub001/pkg/crypto"
)

const activeBuildIndex = "builds_one_active_per_site"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	sealer *crypto.Sealer
}

// New constructs a Repository. Environment variable snapshots are encrypted
// with sealer when it is non-nil.
func New(pool *pgxpool.Pool, sealer *crypto.Sealer) *Repository {
	return &Repository{pool: pool, sealer: sealer}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.SiteRepository  = (*Repository)(nil)
	_ repository.BuildRepository = (*Repository)(nil)
	_ repository.LogRepository   = (*Repository)(nil)
)

// CreateSite inserts a site record.
func (r *Repository) CreateSite(ctx context.Context, site *domain.Site) error {
	if site == nil || site.ID == "" {
		return repository.ErrInvalidArgument
	}
	env, err := r.sealEnv(site.Build.EnvironmentVariables)
	if err != nil {
		return err
	}
	status := site.Status
	if status == "" {
		status = domain.SiteStatusActive
	}
	deployStatus := site.DeployStatus
	if deployStatus == "" {
		deployStatus = domain.DeployStatusIdle
	}
	const query = `INSERT INTO sites (id, team_id, owner_id, name, git_provider, git_repo, git_branch,
			build_command, publish_directory, runtime_version, env_vars, subdomain, custom_domain,
			status, deploy_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
		RETURNING created_at, updated_at`
	err = r.pool.QueryRow(ctx, query,
		site.ID,
		site.TeamID,
		site.OwnerID,
		site.Name,
		site.Git.Provider,
		site.Git.Repo,
		site.Git.Branch,
		emptyToNil(site.Build.Command),
		site.Build.PublishDirectory,
		emptyToNil(site.Build.RuntimeVersion),
		env,
		emptyToNil(site.Domain.Subdomain),
		emptyToNil(site.Domain.CustomDomain),
		status,
		deployStatus,
	).Scan(&site.CreatedAt, &site.UpdatedAt)
	return mapWriteError(err)
}

// GetSite fetches a site by identifier.
func (r *Repository) GetSite(ctx context.Context, siteID string) (*domain.Site, error) {
	const query = `SELECT id, team_id, owner_id, name, git_provider, git_repo, git_branch,
			build_command, publish_directory, runtime_version, env_vars, subdomain, custom_domain,
			status, deploy_status, last_deploy_at, current_build_id, created_at, updated_at
		FROM sites WHERE id = $1`
	var (
		s                                       domain.Site
		command, runtime, subdomain, custom, cb *string
		env                                     []byte
	)
	err := r.pool.QueryRow(ctx, query, siteID).Scan(
		&s.ID, &s.TeamID, &s.OwnerID, &s.Name, &s.Git.Provider, &s.Git.Repo, &s.Git.Branch,
		&command, &s.Build.PublishDirectory, &runtime, &env, &subdomain, &custom,
		&s.Status, &s.DeployStatus, &s.LastDeployAt, &cb, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	s.Build.Command = deref(command)
	s.Build.RuntimeVersion = deref(runtime)
	s.Domain.Subdomain = deref(subdomain)
	s.Domain.CustomDomain = deref(custom)
	s.CurrentBuildID = deref(cb)
	if s.Build.EnvironmentVariables, err = r.openEnv(env); err != nil {
		return nil, fmt.Errorf("decode site env: %w", err)
	}
	return &s, nil
}

// UpdateDeployStatus records the aggregate status for the site's current build.
func (r *Repository) UpdateDeployStatus(ctx context.Context, update domain.SiteDeployUpdate) (bool, error) {
	var query string
	if update.Admit {
		query = `UPDATE sites
			SET deploy_status = $3,
				last_deploy_at = COALESCE($4, last_deploy_at),
				current_build_id = $2,
				updated_at = NOW()
			WHERE id = $1`
	} else {
		query = `UPDATE sites
			SET deploy_status = $3,
				last_deploy_at = COALESCE($4, last_deploy_at),
				updated_at = NOW()
			WHERE id = $1 AND current_build_id = $2`
	}
	tag, err := r.pool.Exec(ctx, query, update.SiteID, update.BuildID, update.DeployStatus, timePtrToNil(update.LastDeployAt))
	if err != nil {
		return false, mapWriteError(err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := r.GetSite(ctx, update.SiteID); err != nil {
		return false, err
	}
	return false, nil
}

// UpsertWebhookSecret saves a webhook secret.
func (r *Repository) UpsertWebhookSecret(ctx context.Context, siteID string, secret []byte) error {
	const query = `UPDATE sites SET webhook_secret = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, siteID, secret)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetWebhookSecret retrieves the stored secret for a site.
func (r *Repository) GetWebhookSecret(ctx context.Context, siteID string) ([]byte, error) {
	const query = `SELECT webhook_secret FROM sites WHERE id = $1`
	var secret []byte
	if err := r.pool.QueryRow(ctx, query, siteID).Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(secret) == 0 {
		return nil, repository.ErrNotFound
	}
	return secret, nil
}

func (r *Repository) sealEnv(vars map[string]string) ([]byte, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return nil, err
	}
	if r.sealer == nil {
		return raw, nil
	}
	return r.sealer.Seal(raw)
}

func (r *Repository) openEnv(payload []byte) (map[string]string, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	raw := payload
	if r.sealer != nil {
		plain, err := r.sealer.Open(payload)
		if err != nil {
			return nil, err
		}
		raw = plain
	}
	var vars map[string]string
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if pgErr.ConstraintName == activeBuildIndex {
				return repository.ErrConflict
			}
			return repository.ErrDuplicateID
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func timePtrToNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
