package service

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meridian-panel/internal/repository"
)

type StatsScope string

const (
	ScopeUser    StatsScope = "user"
	ScopeAdmin   StatsScope = "admin"
	ScopeService StatsScope = "service"
	ScopeNode    StatsScope = "node"
	ScopeTotal   StatsScope = "total"
)

// StatsService serves usage series and lifetime totals off the hourly
// ledgers. Ledger queries return only non-empty buckets; this layer
// zero-fills the range so consumers always see a dense series.
type StatsService struct {
	usageRepo repository.UsageRepository
	userRepo  repository.UserRepository
	logger    *zap.Logger
}

func NewStatsService(usageRepo repository.UsageRepository, userRepo repository.UserRepository, logger *zap.Logger) *StatsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsService{usageRepo: usageRepo, userRepo: userRepo, logger: logger}
}

// UsageSeries returns one value per bucket over [start, end), zero-filled.
// The sequence is restartable: ranging over it twice yields the same
// buckets. id is ignored for the total scope and required for the rest.
func (s *StatsService) UsageSeries(
	ctx context.Context,
	scope StatsScope,
	id uuid.UUID,
	start, end time.Time,
	g repository.Granularity,
) (iter.Seq2[time.Time, int64], error) {
	if !end.After(start) {
		return nil, ErrValidation
	}
	if scope != ScopeTotal && id == uuid.Nil {
		return nil, ErrValidation
	}

	var (
		buckets map[time.Time]int64
		err     error
	)
	switch scope {
	case ScopeUser:
		buckets, err = s.usageRepo.UserSeries(ctx, id, start, end, g)
	case ScopeAdmin:
		buckets, err = s.usageRepo.AdminSeries(ctx, id, start, end, g)
	case ScopeService:
		buckets, err = s.usageRepo.ServiceSeries(ctx, id, start, end, g)
	case ScopeNode:
		buckets, err = s.usageRepo.NodeSeries(ctx, id, start, end, g)
	case ScopeTotal:
		buckets, err = s.usageRepo.TotalSeries(ctx, start, end, g)
	default:
		return nil, ErrValidation
	}
	if err != nil {
		return nil, err
	}

	step := g.Step()
	first := start.UTC().Truncate(step)
	last := end.UTC()

	return func(yield func(time.Time, int64) bool) {
		for bucket := first; bucket.Before(last); bucket = bucket.Add(step) {
			if !yield(bucket, buckets[bucket]) {
				return
			}
		}
	}, nil
}

// LifetimeTotal is everything the user has ever consumed: the sum of all
// reset-log snapshots plus the live counter.
func (s *StatsService) LifetimeTotal(ctx context.Context, userID uuid.UUID) (int64, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}

	resetSum, err := s.usageRepo.SumResetTraffic(ctx, userID)
	if err != nil {
		return 0, err
	}
	return resetSum + user.UsedTraffic, nil
}
