package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

func TestUsageSeries_ZeroFillsAndRestarts(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(4 * time.Hour)
	userID := uuid.New()

	usage := &stubUsageRepo{
		userSeriesFn: func(_ context.Context, _ uuid.UUID, _, _ time.Time, _ repository.Granularity) (map[time.Time]int64, error) {
			return map[time.Time]int64{
				start.Add(1 * time.Hour): 500,
				start.Add(3 * time.Hour): 200,
			}, nil
		},
	}
	svc := NewStatsService(usage, nil, nil)

	series, err := svc.UsageSeries(context.Background(), ScopeUser, userID, start, end, repository.GranularityHour)
	if err != nil {
		t.Fatalf("UsageSeries returned error: %v", err)
	}

	want := []int64{0, 500, 0, 200}
	for pass := 0; pass < 2; pass++ {
		var gotBuckets []time.Time
		var gotValues []int64
		for bucket, value := range series {
			gotBuckets = append(gotBuckets, bucket)
			gotValues = append(gotValues, value)
		}
		if len(gotValues) != len(want) {
			t.Fatalf("pass %d: expected %d buckets, got %d", pass, len(want), len(gotValues))
		}
		for i := range want {
			if gotValues[i] != want[i] {
				t.Fatalf("pass %d: bucket %d = %d, want %d", pass, i, gotValues[i], want[i])
			}
			if !gotBuckets[i].Equal(start.Add(time.Duration(i) * time.Hour)) {
				t.Fatalf("pass %d: bucket %d at %s", pass, i, gotBuckets[i])
			}
		}
	}
}

func TestUsageSeries_EarlyBreak(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	usage := &stubUsageRepo{
		userSeriesFn: func(_ context.Context, _ uuid.UUID, _, _ time.Time, _ repository.Granularity) (map[time.Time]int64, error) {
			return map[time.Time]int64{}, nil
		},
	}
	svc := NewStatsService(usage, nil, nil)

	series, err := svc.UsageSeries(context.Background(), ScopeUser, uuid.New(), start, start.Add(24*time.Hour), repository.GranularityHour)
	if err != nil {
		t.Fatalf("UsageSeries returned error: %v", err)
	}

	seen := 0
	for range series {
		seen++
		if seen == 3 {
			break
		}
	}
	if seen != 3 {
		t.Fatalf("expected to stop after 3 buckets, saw %d", seen)
	}
}

func TestUsageSeries_Validation(t *testing.T) {
	t.Parallel()

	svc := NewStatsService(&stubUsageRepo{}, nil, nil)
	now := time.Now().UTC()

	if _, err := svc.UsageSeries(context.Background(), ScopeUser, uuid.New(), now, now, repository.GranularityHour); err != ErrValidation {
		t.Fatalf("empty range: expected ErrValidation, got %v", err)
	}
	if _, err := svc.UsageSeries(context.Background(), ScopeUser, uuid.Nil, now, now.Add(time.Hour), repository.GranularityHour); err != ErrValidation {
		t.Fatalf("nil id: expected ErrValidation, got %v", err)
	}
	if _, err := svc.UsageSeries(context.Background(), StatsScope("bogus"), uuid.New(), now, now.Add(time.Hour), repository.GranularityHour); err != ErrValidation {
		t.Fatalf("bad scope: expected ErrValidation, got %v", err)
	}
}

func TestLifetimeTotal(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	users := &stubUserRepo{
		findByIDFn: func(_ context.Context, id uuid.UUID) (*model.User, error) {
			if id != userID {
				t.Fatalf("unexpected user id: %s", id)
			}
			return &model.User{ID: userID, UsedTraffic: 400}, nil
		},
	}
	usage := &stubUsageRepo{
		sumResetFn: func(_ context.Context, _ uuid.UUID) (int64, error) {
			return 1_600, nil
		},
	}

	svc := NewStatsService(usage, users, nil)
	total, err := svc.LifetimeTotal(context.Background(), userID)
	if err != nil {
		t.Fatalf("LifetimeTotal returned error: %v", err)
	}
	if total != 2_000 {
		t.Fatalf("expected 2000, got %d", total)
	}
}

func TestLifetimeTotal_UnknownUser(t *testing.T) {
	t.Parallel()

	users := &stubUserRepo{
		findByIDFn: func(_ context.Context, _ uuid.UUID) (*model.User, error) {
			return nil, repository.ErrNotFound
		},
	}
	svc := NewStatsService(&stubUsageRepo{}, users, nil)

	if _, err := svc.LifetimeTotal(context.Background(), uuid.New()); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
