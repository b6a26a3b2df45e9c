package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"meridian-panel/internal/model"
)

type Pagination struct {
	Limit  int32 `json:"limit"`
	Offset int32 `json:"offset"`
}

type UserListFilter struct {
	AdminID        *uuid.UUID        `json:"admin_id,omitempty"`
	ServiceID      *uuid.UUID        `json:"service_id,omitempty"`
	Status         *model.UserStatus `json:"status,omitempty"`
	Keyword        *string           `json:"keyword,omitempty"`
	IncludeDeleted bool              `json:"include_deleted,omitempty"`
	Pagination     Pagination        `json:"pagination"`
}

type AdminListFilter struct {
	Keyword    *string    `json:"keyword,omitempty"`
	Pagination Pagination `json:"pagination"`
}

type NodeListFilter struct {
	Status     *model.NodeStatus `json:"status,omitempty"`
	Pagination Pagination        `json:"pagination"`
}

type AuditListFilter struct {
	Actor      *string    `json:"actor,omitempty"`
	EntityType *string    `json:"entity_type,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Pagination Pagination `json:"pagination"`
}

// Granularity selects the bucket width of a usage series.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

func (g Granularity) Step() time.Duration {
	if g == GranularityDay {
		return 24 * time.Hour
	}
	return time.Hour
}

type UserRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	FindByUsername(ctx context.Context, username string) (*model.User, error)
	Create(ctx context.Context, user *model.User) error
	// Update writes every mutable column guarded by the version the caller
	// read; ErrVersionConflict means another writer won the race.
	Update(ctx context.Context, user *model.User) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.UserStatus) error
	UpdateOnlineAt(ctx context.Context, id uuid.UUID, seenAt time.Time) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	HardDelete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter UserListFilter) ([]*model.User, error)
	Count(ctx context.Context, filter UserListFilter) (int64, error)
	CountOwned(ctx context.Context, adminID uuid.UUID) (int64, error)
}

type AdminRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Admin, error)
	FindByUsername(ctx context.Context, username string) (*model.Admin, error)
	Create(ctx context.Context, admin *model.Admin) error
	Update(ctx context.Context, admin *model.Admin) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetDisabledReason(ctx context.Context, id uuid.UUID, reason *string) error
	ResetUsedTraffic(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter AdminListFilter) ([]*model.Admin, error)
	Count(ctx context.Context, filter AdminListFilter) (int64, error)
}

type NodeRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Node, error)
	FindByName(ctx context.Context, name string) (*model.Node, error)
	Create(ctx context.Context, node *model.Node) error
	Update(ctx context.Context, node *model.Node) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.NodeStatus, message *string) error
	// MarkReported advances last_report_at and flips a connecting/error
	// node back to connected.
	MarkReported(ctx context.Context, id uuid.UUID, reportedAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter NodeListFilter) ([]*model.Node, error)
	// ListStale returns connected nodes whose last report predates cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*model.Node, error)
}

type ServiceRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Service, error)
	FindByName(ctx context.Context, name string) (*model.Service, error)
	Create(ctx context.Context, service *model.Service) error
	Update(ctx context.Context, service *model.Service) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, page Pagination) ([]*model.Service, error)
	Count(ctx context.Context) (int64, error)
	SetAdmins(ctx context.Context, serviceID uuid.UUID, adminIDs []uuid.UUID) error
	AllowsAdmin(ctx context.Context, serviceID, adminID uuid.UUID) (bool, error)

	ListHosts(ctx context.Context, serviceID uuid.UUID) ([]*model.Host, error)
	FindHost(ctx context.Context, id uuid.UUID) (*model.Host, error)
	CreateHost(ctx context.Context, host *model.Host) error
	UpdateHost(ctx context.Context, host *model.Host) error
	DeleteHost(ctx context.Context, id uuid.UUID) error
}

type ProxyRepository interface {
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*model.Proxy, error)
	ReplaceForUser(ctx context.Context, userID uuid.UUID, proxies []*model.Proxy) error
	DeleteByUser(ctx context.Context, userID uuid.UUID) error
}

type UsageRepository interface {
	// Series queries bucket the ledger with date_trunc and return only
	// non-empty buckets; zero-filling is the caller's concern.
	UserSeries(ctx context.Context, userID uuid.UUID, start, end time.Time, g Granularity) (map[time.Time]int64, error)
	AdminSeries(ctx context.Context, adminID uuid.UUID, start, end time.Time, g Granularity) (map[time.Time]int64, error)
	NodeSeries(ctx context.Context, nodeID uuid.UUID, start, end time.Time, g Granularity) (map[time.Time]int64, error)
	ServiceSeries(ctx context.Context, serviceID uuid.UUID, start, end time.Time, g Granularity) (map[time.Time]int64, error)
	TotalSeries(ctx context.Context, start, end time.Time, g Granularity) (map[time.Time]int64, error)

	SumResetTraffic(ctx context.Context, userID uuid.UUID) (int64, error)
	LastResetAt(ctx context.Context, userID uuid.UUID) (*time.Time, error)
	ListResetLogs(ctx context.Context, userID uuid.UUID, page Pagination) ([]*model.UserUsageResetLog, error)
}

type AuditRepository interface {
	Create(ctx context.Context, entry *model.AuditLog) error
	List(ctx context.Context, filter AuditListFilter) ([]*model.AuditLog, error)
	Count(ctx context.Context, filter AuditListFilter) (int64, error)
}
