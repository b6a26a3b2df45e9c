package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type retryFlusher interface {
	FlushRetries(ctx context.Context) (sent, dropped int)
}

// NotifyJob retries webhook deliveries that failed on first attempt.
type NotifyJob struct {
	dispatcher retryFlusher
	logger     *zap.Logger
}

func NewNotifyJob(dispatcher retryFlusher, logger *zap.Logger) *NotifyJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifyJob{dispatcher: dispatcher, logger: logger}
}

func (j *NotifyJob) FlushRetries() {
	if j == nil || j.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sent, dropped := j.dispatcher.FlushRetries(ctx)
	if sent > 0 || dropped > 0 {
		j.logger.Info("webhook retry flush",
			zap.Int("sent", sent),
			zap.Int("dropped", dropped),
		)
	}
}
