package domain

import (
	"errors"
	"testing"
	"time"
)

func statusPtr(s BuildStatus) *BuildStatus { return &s }

func TestCanTransitionBuild(t *testing.T) {
	cases := []struct {
		from, to BuildStatus
		want     bool
	}{
		{BuildStatusPending, BuildStatusBuilding, true},
		{BuildStatusPending, BuildStatusCancelled, true},
		{BuildStatusBuilding, BuildStatusSuccess, true},
		{BuildStatusBuilding, BuildStatusFailed, true},
		{BuildStatusBuilding, BuildStatusPending, false},
		{BuildStatusSuccess, BuildStatusBuilding, false},
		{BuildStatusFailed, BuildStatusPending, false},
		{BuildStatusCancelled, BuildStatusSuccess, false},
	}
	for _, tc := range cases {
		if got := CanTransitionBuild(tc.from, tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCanTransitionStageRejectsDirectSkip(t *testing.T) {
	if !CanTransitionStage(StageStatusPending, StageStatusRunning) {
		t.Fatalf("pending -> running should be legal")
	}
	if CanTransitionStage(StageStatusPending, StageStatusSkipped) {
		t.Fatalf("skipped must only be reached through cascade")
	}
	if CanTransitionStage(StageStatusSuccess, StageStatusFailed) {
		t.Fatalf("terminal stage must not transition")
	}
}

func TestValidateStageTemplate(t *testing.T) {
	if err := ValidateStageTemplate(DefaultStageTemplate()); err != nil {
		t.Fatalf("default template invalid: %v", err)
	}
	if err := ValidateStageTemplate(nil); !errors.Is(err, ErrInvalidStageTemplate) {
		t.Fatalf("expected error for empty template, got %v", err)
	}
	dup := []StageDefinition{{Key: "a", Name: "A"}, {Key: "a", Name: "B"}}
	if err := ValidateStageTemplate(dup); !errors.Is(err, ErrInvalidStageTemplate) {
		t.Fatalf("expected error for duplicate key, got %v", err)
	}
}

func TestDefaultStageTemplateIsCopy(t *testing.T) {
	tpl := DefaultStageTemplate()
	if len(tpl) != 6 {
		t.Fatalf("expected 6 stages, got %d", len(tpl))
	}
	tpl[0].Name = "changed"
	if DefaultStageTemplate()[0].Name != "Source Preparation" {
		t.Fatalf("default template mutated through copy")
	}
}

func TestApplyToFailureCascade(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	b := Build{Status: BuildStatusPending, Stages: NewStages(DefaultStageTemplate())}

	if err := (BuildUpdate{Status: statusPtr(BuildStatusBuilding), StartedAt: &start}).ApplyTo(&b, start); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := (BuildUpdate{Stages: []StageUpdate{{Index: 0, Status: StageStatusRunning, StartedAt: &start}}}).ApplyTo(&b, start); err != nil {
		t.Fatalf("run stage: %v", err)
	}
	end := start.Add(2500 * time.Millisecond)
	msg := "tests failed"
	code := ErrorCodeStageFailed
	skip := 1
	update := BuildUpdate{
		Status:       statusPtr(BuildStatusFailed),
		CompletedAt:  &end,
		ErrorMessage: &msg,
		ErrorCode:    &code,
		Stages:       []StageUpdate{{Index: 0, Status: StageStatusFailed, CompletedAt: &end}},
		SkipFrom:     &skip,
	}
	if err := update.ApplyTo(&b, end); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if b.Stages[0].Status != StageStatusFailed || b.Stages[0].DurationMS == nil || *b.Stages[0].DurationMS != 2500 {
		t.Fatalf("unexpected first stage: %+v", b.Stages[0])
	}
	for i := 1; i < len(b.Stages); i++ {
		if b.Stages[i].Status != StageStatusSkipped {
			t.Fatalf("stage %d expected skipped, got %s", i, b.Stages[i].Status)
		}
	}
	if b.Duration == nil || *b.Duration != 2 {
		t.Fatalf("expected floor duration 2, got %v", b.Duration)
	}
	if err := (BuildUpdate{Status: statusPtr(BuildStatusSuccess)}).ApplyTo(&b, end); !errors.Is(err, ErrBuildTerminal) {
		t.Fatalf("expected ErrBuildTerminal, got %v", err)
	}
}

func TestApplyToRejectsIllegalChanges(t *testing.T) {
	b := Build{Status: BuildStatusPending, Stages: NewStages(DefaultStageTemplate())}
	if err := (BuildUpdate{Status: statusPtr(BuildStatusSuccess)}).ApplyTo(&b, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> success should be rejected, got %v", err)
	}
	msg := "boom"
	if err := (BuildUpdate{ErrorMessage: &msg}).ApplyTo(&b, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("error message outside failed should be rejected, got %v", err)
	}
	if err := (BuildUpdate{Stages: []StageUpdate{{Index: 9, Status: StageStatusRunning}}}).ApplyTo(&b, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("out of range stage should be rejected, got %v", err)
	}
	if err := (BuildUpdate{Stages: []StageUpdate{{Index: 0, Status: StageStatusSuccess}}}).ApplyTo(&b, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> success stage should be rejected, got %v", err)
	}
	if b.Status != BuildStatusPending || b.Stages[0].Status != StageStatusPending {
		t.Fatalf("rejected update mutated build: %+v", b)
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	b := Build{
		EnvironmentVariables: map[string]string{"K": "v"},
		Stages:               NewStages(DefaultStageTemplate()),
		BuildLogs:            []LogLine{{Seq: 1, Message: "a"}},
		StartedAt:            &now,
	}
	c := b.Clone()
	c.EnvironmentVariables["K"] = "x"
	c.Stages[0].Status = StageStatusFailed
	c.BuildLogs[0].Message = "b"
	*c.StartedAt = now.Add(time.Hour)
	if b.EnvironmentVariables["K"] != "v" || b.Stages[0].Status != StageStatusPending || b.BuildLogs[0].Message != "a" || !b.StartedAt.Equal(now) {
		t.Fatalf("clone shares state with original")
	}
}

func TestNewPagination(t *testing.T) {
	p := NewPagination(2, 10, 21)
	if p.TotalPages != 3 {
		t.Fatalf("expected 3 pages, got %d", p.TotalPages)
	}
	if NewPagination(1, 10, 0).TotalPages != 0 {
		t.Fatalf("expected zero pages for empty listing")
	}
}
