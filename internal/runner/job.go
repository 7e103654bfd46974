package runner

import (
	"context"

	"go.uber.org/zap"
)

type jobKey struct{}

// jobControl is what a running handler can reach through its context.
type jobControl struct {
	tracker  *Tracker
	runID    string
	workerID string
}

func withJob(ctx context.Context, jc *jobControl) context.Context {
	return context.WithValue(ctx, jobKey{}, jc)
}

func jobFrom(ctx context.Context) *jobControl {
	jc, _ := ctx.Value(jobKey{}).(*jobControl)
	return jc
}

// Cancelled reports whether the run executing under ctx has been asked to
// stop. It is false outside a run.
func Cancelled(ctx context.Context) bool {
	jc := jobFrom(ctx)
	return jc != nil && jc.tracker.isCancelled(jc.runID)
}

// ReportProgress records progress (0-100) for the run executing under ctx.
// Failures are logged; progress is advisory and never fails a run.
func ReportProgress(ctx context.Context, pct int) {
	jc := jobFrom(ctx)
	if jc == nil {
		return
	}
	if err := jc.tracker.store.UpdateRunProgress(ctx, jc.runID, jc.workerID, pct); err != nil {
		zap.L().Warn("runner: progress update failed",
			zap.String("run_id", jc.runID),
			zap.Int("progress", pct),
			zap.Error(err),
		)
	}
}
