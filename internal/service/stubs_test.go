package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

// Repository stubs backed by function fields. The embedded interface
// satisfies the methods a test does not care about; calling one of those
// panics, which is the desired failure mode.

type stubUserRepo struct {
	repository.UserRepository

	findByIDFn   func(ctx context.Context, id uuid.UUID) (*model.User, error)
	createFn     func(ctx context.Context, user *model.User) error
	updateFn     func(ctx context.Context, user *model.User) error
	softDeleteFn func(ctx context.Context, id uuid.UUID) error
	countOwnedFn func(ctx context.Context, adminID uuid.UUID) (int64, error)
}

func (s *stubUserRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	return s.findByIDFn(ctx, id)
}

func (s *stubUserRepo) Create(ctx context.Context, user *model.User) error {
	return s.createFn(ctx, user)
}

func (s *stubUserRepo) Update(ctx context.Context, user *model.User) error {
	return s.updateFn(ctx, user)
}

func (s *stubUserRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return s.softDeleteFn(ctx, id)
}

func (s *stubUserRepo) CountOwned(ctx context.Context, adminID uuid.UUID) (int64, error) {
	return s.countOwnedFn(ctx, adminID)
}

type stubAdminRepo struct {
	repository.AdminRepository

	findByIDFn func(ctx context.Context, id uuid.UUID) (*model.Admin, error)
}

func (s *stubAdminRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.Admin, error) {
	return s.findByIDFn(ctx, id)
}

type stubProxyRepo struct {
	repository.ProxyRepository

	listByUserFn     func(ctx context.Context, userID uuid.UUID) ([]*model.Proxy, error)
	replaceForUserFn func(ctx context.Context, userID uuid.UUID, proxies []*model.Proxy) error
}

func (s *stubProxyRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*model.Proxy, error) {
	return s.listByUserFn(ctx, userID)
}

func (s *stubProxyRepo) ReplaceForUser(ctx context.Context, userID uuid.UUID, proxies []*model.Proxy) error {
	return s.replaceForUserFn(ctx, userID, proxies)
}

type stubUsageRepo struct {
	repository.UsageRepository

	userSeriesFn func(ctx context.Context, userID uuid.UUID, start, end time.Time, g repository.Granularity) (map[time.Time]int64, error)
	sumResetFn   func(ctx context.Context, userID uuid.UUID) (int64, error)
}

func (s *stubUsageRepo) UserSeries(ctx context.Context, userID uuid.UUID, start, end time.Time, g repository.Granularity) (map[time.Time]int64, error) {
	return s.userSeriesFn(ctx, userID, start, end, g)
}

func (s *stubUsageRepo) SumResetTraffic(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.sumResetFn(ctx, userID)
}
