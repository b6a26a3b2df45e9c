package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meridian-panel/internal/service"
)

const sweepTimeout = 10 * time.Minute

type sweepRunner interface {
	RunScheduledSweep(ctx context.Context) (*service.SweepResult, error)
	RunAutodelete(ctx context.Context) (int, error)
}

// SweepJob drives the periodic reset/transition sweep and the slower
// retention purge.
type SweepJob struct {
	sweep  sweepRunner
	logger *zap.Logger
}

func NewSweepJob(sweep sweepRunner, logger *zap.Logger) *SweepJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepJob{sweep: sweep, logger: logger}
}

func (j *SweepJob) RunSweep() {
	if j == nil || j.sweep == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if _, err := j.sweep.RunScheduledSweep(ctx); err != nil {
		j.logger.Error("scheduled sweep failed", zap.Error(err))
	}
}

func (j *SweepJob) RunAutodelete() {
	if j == nil || j.sweep == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if _, err := j.sweep.RunAutodelete(ctx); err != nil {
		j.logger.Error("autodelete sweep failed", zap.Error(err))
	}
}
