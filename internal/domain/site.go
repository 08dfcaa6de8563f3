package domain

import "time"

// SiteStatus enumerates site lifecycle states managed by the site collaborator.
type SiteStatus string

const (
	SiteStatusActive   SiteStatus = "active"
	SiteStatusPaused   SiteStatus = "paused"
	SiteStatusArchived SiteStatus = "archived"
)

// DeployStatus is the aggregate outcome of a site's most recent build.
type DeployStatus string

const (
	DeployStatusIdle     DeployStatus = "idle"
	DeployStatusBuilding DeployStatus = "building"
	DeployStatusDeployed DeployStatus = "deployed"
	DeployStatusFailed   DeployStatus = "failed"
)

// GitConfig describes where a site's source lives.
type GitConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	Repo     string `json:"repo" yaml:"repo"`
	Branch   string `json:"branch" yaml:"branch"`
}

// BuildConfig captures how a site is built.
type BuildConfig struct {
	Command              string            `json:"command,omitempty" yaml:"command"`
	PublishDirectory     string            `json:"publishDirectory" yaml:"publishDirectory"`
	RuntimeVersion       string            `json:"runtimeVersion,omitempty" yaml:"runtimeVersion"`
	EnvironmentVariables map[string]string `json:"-" yaml:"environmentVariables"`
}

// DomainConfig holds the hostnames a site is served on.
type DomainConfig struct {
	Subdomain    string `json:"subdomain,omitempty" yaml:"subdomain"`
	CustomDomain string `json:"customDomain,omitempty" yaml:"customDomain"`
}

// Site is a deployable project owned by a team.
type Site struct {
	ID           string       `json:"id" yaml:"id"`
	TeamID       string       `json:"teamId" yaml:"teamId"`
	OwnerID      string       `json:"ownerId" yaml:"ownerId"`
	Name         string       `json:"name" yaml:"name"`
	Git          GitConfig    `json:"git" yaml:"git"`
	Build        BuildConfig  `json:"build" yaml:"build"`
	Domain       DomainConfig `json:"domain" yaml:"domain"`
	Status       SiteStatus   `json:"status" yaml:"status"`
	DeployStatus DeployStatus `json:"deployStatus" yaml:"deployStatus"`
	LastDeployAt *time.Time   `json:"lastDeployAt,omitempty" yaml:"-"`
	// CurrentBuildID is the most recently admitted build; only it may move DeployStatus.
	CurrentBuildID string    `json:"currentBuildId,omitempty" yaml:"-"`
	WebhookSecret  []byte    `json:"-" yaml:"-"`
	CreatedAt      time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt      time.Time `json:"updatedAt" yaml:"-"`
}

// SiteDeployUpdate moves a site's aggregate deploy status on behalf of a build.
type SiteDeployUpdate struct {
	SiteID       string
	BuildID      string
	DeployStatus DeployStatus
	LastDeployAt *time.Time
	// Admit makes BuildID the site's current build before applying the status.
	Admit bool
}
