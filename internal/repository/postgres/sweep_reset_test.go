package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
	"meridian-panel/internal/service"
)

func TestResetSweep_DoubleRunResetsOnce(t *testing.T) {
	pool := startPostgresForTest(t)
	users := NewUserRepository(pool)
	usage := NewUsageRepository(pool)
	ctx := context.Background()

	user := &model.User{
		Username:               "metered",
		Status:                 model.UserStatusActive,
		UsedTraffic:            500,
		LifetimeUsedTraffic:    500,
		DataLimit:              1000,
		DataLimitResetStrategy: model.ResetStrategyDaily,
		CredentialKey:          "66666666666666666666666666666666",
		CreatedAt:              time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := users.Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	sweep := service.NewSweepService(pool, nil, nil, 0, nil)

	first, err := sweep.RunScheduledSweep(ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if first.ResetCount != 1 {
		t.Fatalf("expected one reset on the first run, got %d", first.ResetCount)
	}

	second, err := sweep.RunScheduledSweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.ResetCount != 0 {
		t.Fatalf("second run in the same period must reset nothing, got %d", second.ResetCount)
	}

	got, err := users.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.UsedTraffic != 0 {
		t.Fatalf("expected counter zeroed, got %d", got.UsedTraffic)
	}
	if got.LifetimeUsedTraffic != 500 {
		t.Fatalf("lifetime counter must survive the reset, got %d", got.LifetimeUsedTraffic)
	}

	resetSum, err := usage.SumResetTraffic(ctx, user.ID)
	if err != nil {
		t.Fatalf("SumResetTraffic: %v", err)
	}
	if resetSum != 500 {
		t.Fatalf("reset log must record the pre-reset counter once, got %d", resetSum)
	}
	if resetSum+got.UsedTraffic != got.LifetimeUsedTraffic {
		t.Fatalf("round trip broken: resets=%d used=%d lifetime=%d",
			resetSum, got.UsedTraffic, got.LifetimeUsedTraffic)
	}
}

func TestUserSeries_DayBucketsAnchoredToUTC(t *testing.T) {
	pool := startPostgresForTest(t)
	ctx := context.Background()

	// force non-UTC sessions; day truncation must still key on UTC midnights
	if _, err := pool.Exec(ctx, `ALTER DATABASE meridian_test SET timezone TO 'America/New_York'`); err != nil {
		t.Fatalf("alter database timezone: %v", err)
	}
	nyPool, err := pgxpool.New(ctx, pool.Config().ConnString())
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(nyPool.Close)

	users := NewUserRepository(nyPool)
	user := &model.User{
		Username:               "night_owl",
		Status:                 model.UserStatusActive,
		DataLimitResetStrategy: model.ResetStrategyNever,
		CredentialKey:          "77777777777777777777777777777777",
	}
	if err := users.Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	var nodeID uuid.UUID
	row := nyPool.QueryRow(ctx, `
		INSERT INTO nodes (name, address) VALUES ('relay-1', '198.51.100.7') RETURNING id`)
	if err := row.Scan(&nodeID); err != nil {
		t.Fatalf("insert node: %v", err)
	}

	// both instants fall on March 1 in New York but straddle the UTC day line
	late := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)
	early := time.Date(2025, 3, 2, 1, 0, 0, 0, time.UTC)
	for _, seed := range []struct {
		bucket time.Time
		bytes  int64
	}{{late, 100}, {early, 250}} {
		if _, err := nyPool.Exec(ctx, `
			INSERT INTO node_user_usages (node_id, user_id, bucket, used_traffic)
			VALUES ($1, $2, $3, $4)`, nodeID, user.ID, seed.bucket, seed.bytes); err != nil {
			t.Fatalf("seed ledger row: %v", err)
		}
	}

	usage := NewUsageRepository(nyPool)
	series, err := usage.UserSeries(ctx, user.ID,
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		repository.GranularityDay)
	if err != nil {
		t.Fatalf("UserSeries: %v", err)
	}

	march1 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	march2 := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	if len(series) != 2 {
		t.Fatalf("expected two UTC day buckets, got %v", series)
	}
	if series[march1] != 100 || series[march2] != 250 {
		t.Fatalf("buckets split on the UTC day line: %v", series)
	}
}
