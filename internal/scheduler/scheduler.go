package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Default cadences; overridable from config.
const (
	SpecSweepHourly     = "0 0 * * * *"
	SpecAutodeleteDaily = "0 30 4 * * *"
	SpecNodeStaleness   = "0 */2 * * * *"
	SpecNotifyRetry     = "0 */1 * * * *"
	SpecGaugeRefresh    = "*/30 * * * * *"
)

type SweepTask interface {
	RunSweep()
	RunAutodelete()
}

type NodeTask interface {
	CheckStale()
}

type NotifyTask interface {
	FlushRetries()
}

type MetricsTask interface {
	RefreshGauges()
}

type Specs struct {
	Sweep      string
	Autodelete string
	NodeStale  string
	Notify     string
	Gauges     string
}

func (s *Specs) fill() {
	if s.Sweep == "" {
		s.Sweep = SpecSweepHourly
	}
	if s.Autodelete == "" {
		s.Autodelete = SpecAutodeleteDaily
	}
	if s.NodeStale == "" {
		s.NodeStale = SpecNodeStaleness
	}
	if s.Notify == "" {
		s.Notify = SpecNotifyRetry
	}
	if s.Gauges == "" {
		s.Gauges = SpecGaugeRefresh
	}
}

type Deps struct {
	SweepJob   SweepTask
	NodeJob    NodeTask
	NotifyJob  NotifyTask
	MetricsJob MetricsTask
}

func NewScheduler(deps Deps, specs Specs, logger *zap.Logger) *cron.Cron {
	if logger == nil {
		logger = zap.NewNop()
	}
	specs.fill()

	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))

	if deps.SweepJob != nil {
		addFunc(c, specs.Sweep, "sweep.reset", logger, deps.SweepJob.RunSweep)
		addFunc(c, specs.Autodelete, "sweep.autodelete", logger, deps.SweepJob.RunAutodelete)
	}
	if deps.NodeJob != nil {
		addFunc(c, specs.NodeStale, "node.check_stale", logger, deps.NodeJob.CheckStale)
	}
	if deps.NotifyJob != nil {
		addFunc(c, specs.Notify, "notify.flush_retries", logger, deps.NotifyJob.FlushRetries)
	}
	if deps.MetricsJob != nil {
		addFunc(c, specs.Gauges, "metrics.refresh_gauges", logger, deps.MetricsJob.RefreshGauges)
	}

	return c
}

func addFunc(c *cron.Cron, spec string, name string, logger *zap.Logger, fn func()) {
	if c == nil || fn == nil {
		return
	}

	if _, err := c.AddFunc(spec, func() {
		defer recoverJobPanic(name, logger)
		start := time.Now()
		fn()
		logger.Debug("scheduler job finished", zap.String("job", name), zap.Duration("cost", time.Since(start)))
	}); err != nil {
		logger.Error("register scheduler job failed",
			zap.String("job", name),
			zap.String("spec", spec),
			zap.Error(err),
		)
	}
}

func recoverJobPanic(jobName string, logger *zap.Logger) {
	if logger == nil {
		return
	}

	if recovered := recover(); recovered != nil {
		logger.Error("scheduler job panic recovered",
			zap.String("job", jobName),
			zap.Any("panic", recovered),
		)
	}
}
