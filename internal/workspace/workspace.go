package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/pipeline"
)

// ManifestFile is written at the root of every prepared workspace.
const ManifestFile = "build.json"

// Manifest records the configuration a build was admitted with. Environment
// values never reach disk, only their names.
type Manifest struct {
	BuildID          string    `json:"buildId"`
	SiteID           string    `json:"siteId"`
	DeployID         string    `json:"deployId"`
	Branch           string    `json:"branch"`
	CommitSHA        string    `json:"commitSha,omitempty"`
	BuildCommand     string    `json:"buildCommand,omitempty"`
	PublishDirectory string    `json:"publishDirectory"`
	RuntimeVersion   string    `json:"runtimeVersion,omitempty"`
	ClearCache       bool      `json:"clearCache"`
	EnvironmentKeys  []string  `json:"environmentKeys"`
	PreparedAt       time.Time `json:"preparedAt"`
}

// Manager owns build-specific working directories under a common root.
type Manager struct {
	root   string
	logger *slog.Logger
}

// New ensures the workspace root exists and is accessible.
func New(root string, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: root, logger: logger.With("component", "workspace")}, nil
}

// Path returns the directory used for identifier.
func (m *Manager) Path(identifier string) string {
	return filepath.Join(m.root, identifier)
}

// Prepare creates an empty isolated directory for the identifier.
func (m *Manager) Prepare(identifier string) (string, error) {
	if err := validIdentifier(identifier); err != nil {
		return "", err
	}
	dir := m.Path(identifier)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the identifier.
func (m *Manager) CleanupByID(identifier string) error {
	if err := validIdentifier(identifier); err != nil {
		return err
	}
	return m.Cleanup(m.Path(identifier))
}

// RunStage prepares the build workspace and writes its manifest.
func (m *Manager) RunStage(ctx context.Context, sc pipeline.StageContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := sc.Build
	dir, err := m.Prepare(b.ID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(b.EnvironmentVariables))
	for k := range b.EnvironmentVariables {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	manifest := Manifest{
		BuildID:          b.ID,
		SiteID:           b.SiteID,
		DeployID:         b.DeployID,
		Branch:           b.Branch,
		CommitSHA:        b.CommitSHA,
		BuildCommand:     b.BuildCommand,
		PublishDirectory: b.PublishDirectory,
		RuntimeVersion:   b.RuntimeVersion,
		ClearCache:       b.ClearCache,
		EnvironmentKeys:  keys,
		PreparedAt:       time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), raw, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	sc.Logf("Prepared workspace with %d environment variables", len(keys))
	return nil
}

// FinalizeBuild removes the workspace once the build is terminal.
func (m *Manager) FinalizeBuild(_ context.Context, b domain.Build) {
	if err := m.CleanupByID(b.ID); err != nil {
		m.logger.Warn("workspace cleanup failed", "build_id", b.ID, "error", err)
	}
}

// ReadManifest loads the manifest of a prepared workspace.
func (m *Manager) ReadManifest(identifier string) (Manifest, error) {
	var manifest Manifest
	if err := validIdentifier(identifier); err != nil {
		return manifest, err
	}
	raw, err := os.ReadFile(filepath.Join(m.Path(identifier), ManifestFile))
	if err != nil {
		return manifest, err
	}
	err = json.Unmarshal(raw, &manifest)
	return manifest, err
}

func validIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	if identifier == "." || identifier == ".." || strings.ContainsAny(identifier, `/\`) {
		return fmt.Errorf("invalid workspace identifier %q", identifier)
	}
	return nil
}
