package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository"
)

// Store keeps sites, builds and build logs in process memory.
type Store struct {
	mu      sync.RWMutex
	sites   map[string]*domain.Site
	builds  map[string]*buildRecord
	bySite  map[string][]string
	secrets map[string][]byte
	now     func() time.Time
}

type buildRecord struct {
	build   domain.Build
	nextSeq int64
}

var (
	_ repository.SiteRepository  = (*Store)(nil)
	_ repository.BuildRepository = (*Store)(nil)
	_ repository.LogRepository   = (*Store)(nil)
)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		sites:   make(map[string]*domain.Site),
		builds:  make(map[string]*buildRecord),
		bySite:  make(map[string][]string),
		secrets: make(map[string][]byte),
		now:     time.Now,
	}
}

// CreateSite inserts a site.
func (s *Store) CreateSite(_ context.Context, site *domain.Site) error {
	if site == nil || site.ID == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sites[site.ID]; exists {
		return repository.ErrDuplicateID
	}
	copySite := cloneSite(*site)
	if copySite.DeployStatus == "" {
		copySite.DeployStatus = domain.DeployStatusIdle
	}
	if copySite.Status == "" {
		copySite.Status = domain.SiteStatusActive
	}
	if copySite.CreatedAt.IsZero() {
		copySite.CreatedAt = s.now().UTC()
	}
	copySite.UpdatedAt = copySite.CreatedAt
	s.sites[site.ID] = &copySite
	return nil
}

// GetSite returns a snapshot of the site.
func (s *Store) GetSite(_ context.Context, siteID string) (*domain.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneSite(*site)
	return &out, nil
}

// UpdateDeployStatus moves the aggregate deploy status for the site's current build.
func (s *Store) UpdateDeployStatus(_ context.Context, update domain.SiteDeployUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[update.SiteID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if update.Admit {
		site.CurrentBuildID = update.BuildID
	} else if site.CurrentBuildID != update.BuildID {
		return false, nil
	}
	site.DeployStatus = update.DeployStatus
	if update.LastDeployAt != nil {
		at := *update.LastDeployAt
		site.LastDeployAt = &at
	}
	site.UpdatedAt = s.now().UTC()
	return true, nil
}

// UpsertWebhookSecret stores the webhook secret for a site.
func (s *Store) UpsertWebhookSecret(_ context.Context, siteID string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sites[siteID]; !ok {
		return repository.ErrNotFound
	}
	s.secrets[siteID] = append([]byte(nil), secret...)
	return nil
}

// GetWebhookSecret returns the stored webhook secret.
func (s *Store) GetWebhookSecret(_ context.Context, siteID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[siteID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return append([]byte(nil), secret...), nil
}

// CreateBuild inserts a pending build. A site may hold only one active build.
func (s *Store) CreateBuild(_ context.Context, build *domain.Build) error {
	if build == nil || build.ID == "" || build.SiteID == "" {
		return repository.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.builds[build.ID]; exists {
		return repository.ErrDuplicateID
	}
	if build.Status.IsActive() {
		for _, id := range s.bySite[build.SiteID] {
			if s.builds[id].build.Status.IsActive() {
				return repository.ErrConflict
			}
		}
	}
	rec := &buildRecord{build: build.Clone()}
	if rec.build.BuildLogs == nil {
		rec.build.BuildLogs = []domain.LogLine{}
	}
	for _, line := range rec.build.BuildLogs {
		if line.Seq > rec.nextSeq {
			rec.nextSeq = line.Seq
		}
	}
	s.builds[build.ID] = rec
	s.bySite[build.SiteID] = append(s.bySite[build.SiteID], build.ID)
	return nil
}

// GetBuild returns a snapshot of the build including its logs.
func (s *Store) GetBuild(_ context.Context, buildID string) (*domain.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := rec.build.Clone()
	return &out, nil
}

// ListBuildsBySite pages through a site's builds, newest first.
func (s *Store) ListBuildsBySite(_ context.Context, siteID string, page, limit int) ([]domain.Build, domain.Pagination, error) {
	if page < 1 || limit <= 0 {
		return nil, domain.Pagination{}, repository.ErrInvalidArgument
	}
	s.mu.RLock()
	all := s.siteBuildsLocked(siteID)
	s.mu.RUnlock()

	pagination := domain.NewPagination(page, limit, len(all))
	start := (page - 1) * limit
	if start >= len(all) {
		return []domain.Build{}, pagination, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]domain.Build, 0, end-start)
	for _, b := range all[start:end] {
		b.BuildLogs = nil
		out = append(out, b)
	}
	return out, pagination, nil
}

// ListActiveBuilds returns builds still pending or building.
func (s *Store) ListActiveBuilds(_ context.Context, siteID string) ([]domain.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Build
	for _, b := range s.siteBuildsLocked(siteID) {
		if b.Status.IsActive() {
			out = append(out, b)
		}
	}
	return out, nil
}

// LatestFinishedBuild returns the newest success or failed build.
func (s *Store) LatestFinishedBuild(_ context.Context, siteID string) (*domain.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.siteBuildsLocked(siteID) {
		if b.Status == domain.BuildStatusSuccess || b.Status == domain.BuildStatusFailed {
			out := b
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

// siteBuildsLocked returns clones sorted by CreatedAt descending; callers hold mu.
func (s *Store) siteBuildsLocked(siteID string) []domain.Build {
	ids := s.bySite[siteID]
	out := make([]domain.Build, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.builds[ids[i]].build.Clone())
	}
	// walking ids newest first keeps equal timestamps in reverse insertion order
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// UpdateBuild applies the update atomically.
func (s *Store) UpdateBuild(_ context.Context, buildID string, update domain.BuildUpdate) (*domain.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	next := rec.build.Clone()
	if err := update.ApplyTo(&next, s.now().UTC()); err != nil {
		return nil, err
	}
	rec.build = next
	s.appendLocked(rec, update.AppendLogs)
	out := rec.build.Clone()
	return &out, nil
}

// DeleteBuild removes a build and its logs.
func (s *Store) DeleteBuild(_ context.Context, buildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.builds[buildID]
	if !ok {
		return repository.ErrNotFound
	}
	delete(s.builds, buildID)
	ids := s.bySite[rec.build.SiteID]
	for i, id := range ids {
		if id == buildID {
			s.bySite[rec.build.SiteID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(s.bySite[rec.build.SiteID]) == 0 {
		delete(s.bySite, rec.build.SiteID)
	}
	return nil
}

// DeleteBuildsBySite removes every build of a site and reports how many were removed.
func (s *Store) DeleteBuildsBySite(_ context.Context, siteID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.bySite[siteID]
	for _, id := range ids {
		delete(s.builds, id)
	}
	delete(s.bySite, siteID)
	return len(ids), nil
}

// ListStaleBuilds returns active builds not updated since updatedBefore.
func (s *Store) ListStaleBuilds(_ context.Context, updatedBefore time.Time) ([]domain.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Build
	for _, rec := range s.builds {
		if rec.build.Status.IsActive() && rec.build.UpdatedAt.Before(updatedBefore) {
			b := rec.build.Clone()
			b.BuildLogs = nil
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendLogs appends lines to a build's log in order.
func (s *Store) AppendLogs(_ context.Context, buildID string, lines ...domain.LogLine) ([]domain.LogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.appendLocked(rec, lines), nil
}

// ListLogs returns lines after afterSeq.
func (s *Store) ListLogs(_ context.Context, buildID string, afterSeq int64) ([]domain.LogLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := make([]domain.LogLine, 0, len(rec.build.BuildLogs))
	for _, line := range rec.build.BuildLogs {
		if line.Seq > afterSeq {
			out = append(out, line)
		}
	}
	return out, nil
}

// ClearLogs drops every log line of a build regardless of its status.
func (s *Store) ClearLogs(_ context.Context, buildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.builds[buildID]
	if !ok {
		return repository.ErrNotFound
	}
	rec.build.BuildLogs = []domain.LogLine{}
	return nil
}

func (s *Store) appendLocked(rec *buildRecord, lines []domain.LogLine) []domain.LogLine {
	if len(lines) == 0 {
		return nil
	}
	stored := make([]domain.LogLine, 0, len(lines))
	for _, line := range lines {
		rec.nextSeq++
		line.Seq = rec.nextSeq
		if line.Timestamp.IsZero() {
			line.Timestamp = s.now().UTC()
		}
		if line.Level == "" {
			line.Level = "info"
		}
		rec.build.BuildLogs = append(rec.build.BuildLogs, line)
		stored = append(stored, line)
	}
	return stored
}

func cloneSite(site domain.Site) domain.Site {
	out := site
	if site.Build.EnvironmentVariables != nil {
		out.Build.EnvironmentVariables = make(map[string]string, len(site.Build.EnvironmentVariables))
		for k, v := range site.Build.EnvironmentVariables {
			out.Build.EnvironmentVariables[k] = v
		}
	}
	if site.LastDeployAt != nil {
		at := *site.LastDeployAt
		out.LastDeployAt = &at
	}
	out.WebhookSecret = nil
	return out
}
