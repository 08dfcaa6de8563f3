package memory

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository"
)

type seedFile struct {
	Sites []seedSite `yaml:"sites"`
}

type seedSite struct {
	domain.Site   `yaml:",inline"`
	WebhookSecret string `yaml:"webhookSecret"`
}

// LoadSites reads a YAML site seed file.
func LoadSites(path string) ([]domain.Site, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sites file: %w", err)
	}
	return ParseSites(raw)
}

// ParseSites decodes YAML site definitions.
func ParseSites(raw []byte) ([]domain.Site, error) {
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode sites: %w", err)
	}
	sites := make([]domain.Site, 0, len(file.Sites))
	for i, entry := range file.Sites {
		if entry.ID == "" {
			return nil, fmt.Errorf("site %d: id required", i)
		}
		site := entry.Site
		if site.Git.Branch == "" {
			site.Git.Branch = "main"
		}
		if entry.WebhookSecret != "" {
			site.WebhookSecret = []byte(entry.WebhookSecret)
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// SecretStore persists a site's webhook secret in its protected form.
type SecretStore interface {
	UpsertSecret(ctx context.Context, siteID string, secret string) error
}

// SeedSites creates the given sites in repo, leaving existing ones untouched.
// Webhook secrets are never written as plaintext; they go through secrets
// when it is non-nil and are dropped otherwise.
func SeedSites(ctx context.Context, repo repository.SiteRepository, sites []domain.Site, secrets SecretStore) error {
	for i := range sites {
		site := sites[i]
		secret := string(site.WebhookSecret)
		site.WebhookSecret = nil
		if err := repo.CreateSite(ctx, &site); err != nil && !errors.Is(err, repository.ErrDuplicateID) {
			return fmt.Errorf("seed site %s: %w", site.ID, err)
		}
		if secret == "" || secrets == nil {
			continue
		}
		if err := secrets.UpsertSecret(ctx, site.ID, secret); err != nil {
			return fmt.Errorf("seed webhook secret for %s: %w", site.ID, err)
		}
	}
	return nil
}
