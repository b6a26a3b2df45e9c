package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type gaugeRefresher interface {
	RefreshGauges(ctx context.Context)
}

// MetricsJob keeps the status gauges in step with the database.
type MetricsJob struct {
	system gaugeRefresher
	logger *zap.Logger
}

func NewMetricsJob(system gaugeRefresher, logger *zap.Logger) *MetricsJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsJob{system: system, logger: logger}
}

func (j *MetricsJob) RefreshGauges() {
	if j == nil || j.system == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	j.system.RefreshGauges(ctx)
}
