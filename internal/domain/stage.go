package domain

import (
	"errors"
	"time"
)

// StageStatus enumerates per-stage execution states.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusSuccess   StageStatus = "success"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusCancelled StageStatus = "cancelled"
)

// Canonical stage keys.
const (
	StageSource   = "source"
	StageBuild    = "build"
	StageTest     = "test"
	StageOptimize = "optimize"
	StageDeploy   = "deploy"
	StageHealth   = "health"
)

// ErrInvalidStageTemplate indicates a template that cannot drive a pipeline.
var ErrInvalidStageTemplate = errors.New("domain: invalid stage template")

// StageDefinition is one entry of the ordered pipeline template.
type StageDefinition struct {
	Key         string
	Name        string
	Description string
	// Timeout overrides the engine-wide stage timeout when positive.
	Timeout time.Duration
	// Simulate is the pacing delay used by the simulated effect.
	Simulate time.Duration
}

// Stage is the per-build execution record of a StageDefinition.
type Stage struct {
	Key         string      `json:"key"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	DurationMS  *int64      `json:"durationMs,omitempty"`
	LogExcerpt  string      `json:"logExcerpt,omitempty"`
}

var defaultTemplate = []StageDefinition{
	{Key: StageSource, Name: "Source Preparation", Description: "Cloning repository and preparing workspace", Simulate: 2 * time.Second},
	{Key: StageBuild, Name: "Build Process", Description: "Installing dependencies and running build command", Simulate: 5 * time.Second},
	{Key: StageTest, Name: "Testing", Description: "Running test suites", Simulate: 3 * time.Second},
	{Key: StageOptimize, Name: "Asset Optimization", Description: "Minifying and compressing assets", Simulate: 2 * time.Second},
	{Key: StageDeploy, Name: "Deployment", Description: "Uploading assets to edge network", Simulate: 3 * time.Second},
	{Key: StageHealth, Name: "Health Check", Description: "Verifying deployment health", Simulate: time.Second},
}

// DefaultStageTemplate returns a copy of the canonical six stage template.
func DefaultStageTemplate() []StageDefinition {
	out := make([]StageDefinition, len(defaultTemplate))
	copy(out, defaultTemplate)
	return out
}

// ValidateStageTemplate ensures the template is non-empty with unique, non-empty keys.
func ValidateStageTemplate(template []StageDefinition) error {
	if len(template) == 0 {
		return ErrInvalidStageTemplate
	}
	seen := make(map[string]struct{}, len(template))
	for _, def := range template {
		if def.Key == "" || def.Name == "" {
			return ErrInvalidStageTemplate
		}
		if _, dup := seen[def.Key]; dup {
			return ErrInvalidStageTemplate
		}
		seen[def.Key] = struct{}{}
	}
	return nil
}

// NewStages materializes pending stage records from a template.
func NewStages(template []StageDefinition) []Stage {
	stages := make([]Stage, len(template))
	for i, def := range template {
		stages[i] = Stage{
			Key:         def.Key,
			Name:        def.Name,
			Description: def.Description,
			Status:      StageStatusPending,
		}
	}
	return stages
}

var stageTransitions = map[StageStatus][]StageStatus{
	StageStatusPending: {StageStatusRunning},
	StageStatusRunning: {StageStatusSuccess, StageStatusFailed, StageStatusCancelled},
}

// CanTransitionStage reports whether to is a legal direct successor of from.
// Skipped is reachable only through CascadeSkip and is rejected here.
func CanTransitionStage(from, to StageStatus) bool {
	for _, allowed := range stageTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the stage status is final.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusSuccess, StageStatusFailed, StageStatusSkipped, StageStatusCancelled:
		return true
	}
	return false
}

// CascadeSkip marks every non-terminal stage from index onward as skipped.
func CascadeSkip(stages []Stage, from int) {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(stages); i++ {
		if !stages[i].Status.IsTerminal() {
			stages[i].Status = StageStatusSkipped
		}
	}
}
