package domain

import (
	"errors"
	"time"
)

// BuildStatus enumerates build lifecycle states.
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusSuccess   BuildStatus = "success"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// TriggerSource identifies what requested a build.
type TriggerSource string

const (
	TriggerWebhook TriggerSource = "webhook"
	TriggerManual  TriggerSource = "manual"
	TriggerAPI     TriggerSource = "api"
	TriggerRetry   TriggerSource = "retry"
)

// Error codes persisted alongside failed builds.
const (
	ErrorCodeStageFailed  = "stage_failed"
	ErrorCodeStageTimeout = "stage_timeout"
	ErrorCodeStagePanic   = "stage_panic"
	ErrorCodeStorage      = "storage_error"
	ErrorCodeStale        = "stale_build"
)

var (
	// ErrInvalidTransition indicates an illegal status change.
	ErrInvalidTransition = errors.New("domain: invalid status transition")
	// ErrBuildTerminal indicates a mutation against a finished build.
	ErrBuildTerminal = errors.New("domain: build already finished")
)

// Valid reports whether the trigger source is known.
func (t TriggerSource) Valid() bool {
	switch t {
	case TriggerWebhook, TriggerManual, TriggerAPI, TriggerRetry:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s BuildStatus) IsTerminal() bool {
	return s == BuildStatusSuccess || s == BuildStatusFailed || s == BuildStatusCancelled
}

// IsActive reports whether the build occupies its site's single active slot.
func (s BuildStatus) IsActive() bool {
	return s == BuildStatusPending || s == BuildStatusBuilding
}

var buildTransitions = map[BuildStatus][]BuildStatus{
	BuildStatusPending:  {BuildStatusBuilding, BuildStatusFailed, BuildStatusCancelled},
	BuildStatusBuilding: {BuildStatusSuccess, BuildStatusFailed, BuildStatusCancelled},
}

// CanTransitionBuild reports whether from -> to is a legal build transition.
func CanTransitionBuild(from, to BuildStatus) bool {
	for _, allowed := range buildTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// LogLine is a single timestamped build log entry.
type LogLine struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Build captures one execution attempt of the pipeline for a site.
type Build struct {
	ID                   string            `json:"id"`
	SiteID               string            `json:"siteId"`
	DeployID             string            `json:"deployId"`
	Branch               string            `json:"branch"`
	CommitSHA            string            `json:"commitSha,omitempty"`
	CommitMessage        string            `json:"commitMessage,omitempty"`
	BuildCommand         string            `json:"buildCommand,omitempty"`
	PublishDirectory     string            `json:"publishDirectory"`
	RuntimeVersion       string            `json:"runtimeVersion,omitempty"`
	EnvironmentVariables map[string]string `json:"-"`
	ClearCache           bool              `json:"clearCache"`
	Status               BuildStatus       `json:"status"`
	Stages               []Stage           `json:"stages"`
	StartedAt            *time.Time        `json:"startedAt,omitempty"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty"`
	Duration             *int64            `json:"duration,omitempty"`
	BuildLogs            []LogLine         `json:"buildLogs,omitempty"`
	ErrorMessage         string            `json:"errorMessage,omitempty"`
	ErrorCode            string            `json:"errorCode,omitempty"`
	TriggeredBy          TriggerSource     `json:"triggeredBy"`
	TriggeredByUser      string            `json:"triggeredByUser,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (b Build) Clone() Build {
	out := b
	if b.EnvironmentVariables != nil {
		out.EnvironmentVariables = make(map[string]string, len(b.EnvironmentVariables))
		for k, v := range b.EnvironmentVariables {
			out.EnvironmentVariables[k] = v
		}
	}
	if b.Stages != nil {
		out.Stages = make([]Stage, len(b.Stages))
		copy(out.Stages, b.Stages)
	}
	if b.BuildLogs != nil {
		out.BuildLogs = make([]LogLine, len(b.BuildLogs))
		copy(out.BuildLogs, b.BuildLogs)
	}
	out.StartedAt = cloneTime(b.StartedAt)
	out.CompletedAt = cloneTime(b.CompletedAt)
	if b.Duration != nil {
		d := *b.Duration
		out.Duration = &d
	}
	return out
}

// StageUpdate patches a single stage record by template index.
type StageUpdate struct {
	Index       int
	Status      StageStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	LogExcerpt  string
}

// BuildUpdate captures the mutable fields of a build. Nil fields are left untouched.
type BuildUpdate struct {
	Status       *BuildStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	ErrorCode    *string
	Stages       []StageUpdate
	// SkipFrom cascades skipped onto every unfinished stage at or after the index.
	SkipFrom *int
	// AppendLogs are appended by the store; Seq and Timestamp are assigned there when unset.
	AppendLogs []LogLine
}

// OnlyLogs reports whether the update carries nothing but log lines.
func (u BuildUpdate) OnlyLogs() bool {
	return u.Status == nil && u.StartedAt == nil && u.CompletedAt == nil &&
		u.ErrorMessage == nil && u.ErrorCode == nil && len(u.Stages) == 0 && u.SkipFrom == nil
}

// ApplyTo merges the update into b, enforcing monotonic status transitions.
// Log lines are not handled here; stores append them after a successful merge.
func (u BuildUpdate) ApplyTo(b *Build, now time.Time) error {
	if u.OnlyLogs() {
		return nil
	}
	if b.Status.IsTerminal() {
		return ErrBuildTerminal
	}
	target := b.Status
	if u.Status != nil && *u.Status != b.Status {
		if !CanTransitionBuild(b.Status, *u.Status) {
			return ErrInvalidTransition
		}
		target = *u.Status
	}
	if u.ErrorMessage != nil && target != BuildStatusFailed {
		return ErrInvalidTransition
	}

	stages := make([]Stage, len(b.Stages))
	copy(stages, b.Stages)
	for _, su := range u.Stages {
		if su.Index < 0 || su.Index >= len(stages) {
			return ErrInvalidTransition
		}
		st := &stages[su.Index]
		if su.Status != "" && su.Status != st.Status {
			if !CanTransitionStage(st.Status, su.Status) {
				return ErrInvalidTransition
			}
			st.Status = su.Status
		}
		if su.StartedAt != nil {
			st.StartedAt = cloneTime(su.StartedAt)
		}
		if su.CompletedAt != nil {
			st.CompletedAt = cloneTime(su.CompletedAt)
		}
		if su.LogExcerpt != "" {
			st.LogExcerpt = su.LogExcerpt
		}
		if st.StartedAt != nil && st.CompletedAt != nil {
			ms := st.CompletedAt.Sub(*st.StartedAt).Milliseconds()
			if ms < 0 {
				ms = 0
			}
			st.DurationMS = &ms
		}
	}
	if u.SkipFrom != nil {
		CascadeSkip(stages, *u.SkipFrom)
	}

	b.Stages = stages
	b.Status = target
	if u.StartedAt != nil {
		b.StartedAt = cloneTime(u.StartedAt)
	}
	if u.CompletedAt != nil {
		b.CompletedAt = cloneTime(u.CompletedAt)
	}
	if u.ErrorMessage != nil {
		b.ErrorMessage = *u.ErrorMessage
	}
	if u.ErrorCode != nil {
		b.ErrorCode = *u.ErrorCode
	}
	if b.Status.IsTerminal() && b.StartedAt != nil && b.CompletedAt != nil {
		secs := int64(b.CompletedAt.Sub(*b.StartedAt) / time.Second)
		if secs < 0 {
			secs = 0
		}
		b.Duration = &secs
	}
	b.UpdatedAt = now
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
