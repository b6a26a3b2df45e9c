package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type nodeStaleChecker interface {
	CheckStale(ctx context.Context) (int, error)
}

// NodeJob demotes nodes that stopped reporting within the staleness
// window.
type NodeJob struct {
	nodes  nodeStaleChecker
	logger *zap.Logger
}

func NewNodeJob(nodes nodeStaleChecker, logger *zap.Logger) *NodeJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeJob{nodes: nodes, logger: logger}
}

func (j *NodeJob) CheckStale() {
	if j == nil || j.nodes == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	marked, err := j.nodes.CheckStale(ctx)
	if err != nil {
		j.logger.Warn("node staleness check failed", zap.Error(err))
		return
	}
	if marked > 0 {
		j.logger.Info("marked stale nodes", zap.Int("count", marked))
	}
}
