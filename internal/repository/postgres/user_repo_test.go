package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	testcontainers "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

func TestUpdate_VersionConflict(t *testing.T) {
	pool := startPostgresForTest(t)
	repo := NewUserRepository(pool)
	ctx := context.Background()

	user := &model.User{
		Username:               "occ_user",
		Status:                 model.UserStatusActive,
		DataLimit:              1 << 30,
		DataLimitResetStrategy: model.ResetStrategyNever,
		CredentialKey:          "11111111111111111111111111111111",
	}
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	first, err := repo.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	second, err := repo.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}

	first.UsedTraffic = 100
	if err := repo.Update(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// second still carries the version first already consumed
	second.UsedTraffic = 200
	if err := repo.Update(ctx, second); !errors.Is(err, repository.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, err := repo.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.UsedTraffic != 100 {
		t.Fatalf("expected used_traffic=100, got %d", got.UsedTraffic)
	}
}

func TestUpdate_ConcurrentWritersOneWinsPerVersion(t *testing.T) {
	pool := startPostgresForTest(t)
	repo := NewUserRepository(pool)
	ctx := context.Background()

	user := &model.User{
		Username:               "contended_user",
		Status:                 model.UserStatusActive,
		DataLimit:              1 << 40,
		DataLimitResetStrategy: model.ResetStrategyNever,
		CredentialKey:          "22222222222222222222222222222222",
	}
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	var winners, losers int64
	var mu sync.Mutex

	snapshot, err := repo.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(delta int64) {
			defer wg.Done()
			stale := *snapshot
			stale.UsedTraffic += delta
			err := repo.Update(ctx, &stale)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, repository.ErrVersionConflict):
				losers++
			default:
				t.Errorf("unexpected update error: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one writer to win the version, got %d (losers=%d)", winners, losers)
	}
	if losers != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, losers)
	}
}

func TestSoftDelete_HidesFromLookups(t *testing.T) {
	pool := startPostgresForTest(t)
	repo := NewUserRepository(pool)
	ctx := context.Background()

	user := &model.User{
		Username:               "doomed_user",
		Status:                 model.UserStatusActive,
		DataLimitResetStrategy: model.ResetStrategyNever,
		CredentialKey:          "33333333333333333333333333333333",
	}
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if err := repo.SoftDelete(ctx, user.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	if _, err := repo.FindByUsername(ctx, "doomed_user"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after soft delete, got %v", err)
	}

	// the row survives for usage history joins
	got, err := repo.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID after soft delete: %v", err)
	}
	if got.Status != model.UserStatusDeleted || got.DeletedAt == nil {
		t.Fatalf("expected deleted status with deleted_at set, got status=%s deleted_at=%v", got.Status, got.DeletedAt)
	}
}

func TestCreate_DuplicateUsername(t *testing.T) {
	pool := startPostgresForTest(t)
	repo := NewUserRepository(pool)
	ctx := context.Background()

	first := &model.User{
		Username:               "taken",
		Status:                 model.UserStatusActive,
		DataLimitResetStrategy: model.ResetStrategyNever,
		CredentialKey:          "44444444444444444444444444444444",
	}
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("create user: %v", err)
	}

	dup := &model.User{
		Username:               "taken",
		Status:                 model.UserStatusActive,
		DataLimitResetStrategy: model.ResetStrategyNever,
		CredentialKey:          "55555555555555555555555555555555",
	}
	if err := repo.Create(ctx, dup); !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestFindByUsername_NotFound(t *testing.T) {
	pool := startPostgresForTest(t)
	repo := NewUserRepository(pool)

	user, err := repo.FindByUsername(context.Background(), "missing-user")
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if user != nil {
		t.Fatalf("expected nil user, got %+v", user)
	}
}

func startPostgresForTest(t *testing.T) *pgxpool.Pool {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "meridian_test",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("skipping test because docker/testcontainers is unavailable: %v", err)
	}

	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/meridian_test?sslmode=disable", host, port.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pgx pool: %v", err)
	}
	t.Cleanup(pool.Close)

	deadline := time.Now().Add(30 * time.Second)
	for {
		err = pool.Ping(ctx)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres did not become ready: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	applyAllMigrations(t, ctx, pool)
	return pool
}

func applyAllMigrations(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()

	migrationsDir := filepath.Join(findRepoRoot(t), "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		// #nosec G304 -- migration file list comes from controlled test directory.
		raw, err := os.ReadFile(filepath.Join(migrationsDir, file))
		if err != nil {
			t.Fatalf("read migration %s: %v", file, err)
		}
		if strings.TrimSpace(string(raw)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(raw)); err != nil {
			t.Fatalf("apply migration %s: %v", file, err)
		}
	}
}

func findRepoRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not locate repository root")
		}
		dir = parent
	}
}
