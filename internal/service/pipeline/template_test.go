package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
)

func TestParseTemplateInheritsDefaults(t *testing.T) {
	raw := []byte(`
stages:
  - key: source
  - key: build
    name: Compile
    timeout: 2m
  - key: smoke
    name: Smoke Test
    simulate: 250ms
`)
	tpl, err := ParseTemplate(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tpl) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(tpl))
	}
	if tpl[0].Name != "Source Preparation" || tpl[0].Simulate != 2*time.Second {
		t.Fatalf("source stage did not inherit defaults: %+v", tpl[0])
	}
	if tpl[1].Name != "Compile" || tpl[1].Timeout != 2*time.Minute {
		t.Fatalf("unexpected build stage: %+v", tpl[1])
	}
	if tpl[2].Key != "smoke" || tpl[2].Simulate != 250*time.Millisecond {
		t.Fatalf("unexpected custom stage: %+v", tpl[2])
	}
}

func TestParseTemplateRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":         "stages: []",
		"missing name":  "stages:\n  - key: custom\n",
		"duplicate key": "stages:\n  - key: build\n  - key: build\n",
		"bad timeout":   "stages:\n  - key: build\n    timeout: soon\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseTemplate([]byte(raw)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := ParseTemplate([]byte("stages: []")); !errors.Is(err, domain.ErrInvalidStageTemplate) {
		t.Fatalf("expected ErrInvalidStageTemplate, got %v", err)
	}
}

func TestLoadTemplateDefault(t *testing.T) {
	tpl, err := LoadTemplate("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tpl) != len(domain.DefaultStageTemplate()) {
		t.Fatalf("expected default template")
	}
}

func TestSimulatedEffectForcedFailure(t *testing.T) {
	var lines []string
	sc := StageContext{
		Build: domain.Build{
			Branch:               "main",
			CommitSHA:            "0123456789abcdef",
			EnvironmentVariables: map[string]string{FailStageVar: "test"},
		},
		Log: func(_, message string) { lines = append(lines, message) },
	}
	effect := SimulatedEffect{}

	sc.Stage = domain.StageDefinition{Key: domain.StageSource, Name: "Source Preparation", Simulate: time.Hour}
	if err := effect.RunStage(context.Background(), sc); err != nil {
		t.Fatalf("source stage: %v", err)
	}
	if len(lines) != 1 || !strings.Contains(lines[0], "main@0123456") {
		t.Fatalf("unexpected log lines %v", lines)
	}

	sc.Stage = domain.StageDefinition{Key: domain.StageTest, Name: "Testing"}
	if err := effect.RunStage(context.Background(), sc); err == nil {
		t.Fatalf("expected forced failure on test stage")
	}
}

func TestSimulatedEffectHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sc := StageContext{Stage: domain.StageDefinition{Key: domain.StageBuild, Name: "Build Process", Simulate: time.Second}}
	if err := (SimulatedEffect{Scale: 1}).RunStage(ctx, sc); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestChainStopsAtFirstError(t *testing.T) {
	var calls int
	boom := errors.New("boom")
	effect := Chain(
		EffectFunc(func(context.Context, StageContext) error { calls++; return nil }),
		EffectFunc(func(context.Context, StageContext) error { calls++; return boom }),
		EffectFunc(func(context.Context, StageContext) error { calls++; return nil }),
	)
	if err := effect.RunStage(context.Background(), StageContext{}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}
