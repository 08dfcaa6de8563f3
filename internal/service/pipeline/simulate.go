package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
)

// FailStageVar names the build environment variable that forces a stage to fail.
const FailStageVar = "PIPELINE_FAIL_STAGE"

// SimulatedEffect paces each stage by its configured duration and writes
// representative log lines. It performs no real work.
type SimulatedEffect struct {
	// Scale multiplies StageDefinition.Simulate; zero disables waiting.
	Scale float64
}

// RunStage implements Effect.
func (s SimulatedEffect) RunStage(ctx context.Context, sc StageContext) error {
	for _, line := range simulatedLines(sc) {
		sc.Logf("%s", line)
	}
	if wait := time.Duration(float64(sc.Stage.Simulate) * s.Scale); wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
	if target := strings.TrimSpace(sc.Build.EnvironmentVariables[FailStageVar]); target != "" && strings.EqualFold(target, sc.Stage.Key) {
		return fmt.Errorf("%s exited with a failure", strings.ToLower(sc.Stage.Name))
	}
	return nil
}

func simulatedLines(sc StageContext) []string {
	b := sc.Build
	switch sc.Stage.Key {
	case domain.StageSource:
		ref := b.Branch
		if b.CommitSHA != "" {
			ref = fmt.Sprintf("%s@%s", b.Branch, shortSHA(b.CommitSHA))
		}
		return []string{fmt.Sprintf("Checking out %s", ref)}
	case domain.StageBuild:
		lines := []string{"Installing dependencies"}
		if b.ClearCache {
			lines = append([]string{"Clearing build cache"}, lines...)
		}
		if b.RuntimeVersion != "" {
			lines = append(lines, fmt.Sprintf("Using runtime %s", b.RuntimeVersion))
		}
		if b.BuildCommand != "" {
			lines = append(lines, fmt.Sprintf("Running %q", b.BuildCommand))
		}
		return lines
	case domain.StageTest:
		return []string{"Running test suites"}
	case domain.StageOptimize:
		return []string{"Minifying and compressing assets"}
	case domain.StageDeploy:
		return []string{fmt.Sprintf("Uploading %s to edge network", publishDir(b))}
	case domain.StageHealth:
		return []string{"Verifying deployment health"}
	default:
		return []string{sc.Stage.Description}
	}
}

func publishDir(b domain.Build) string {
	if b.PublishDirectory == "" {
		return "."
	}
	return b.PublishDirectory
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
