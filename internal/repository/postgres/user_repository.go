package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

type userRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return &userRepository{pool: pool}
}

var _ repository.UserRepository = (*userRepository)(nil)

const userColumns = `
	id,
	username,
	admin_id,
	service_id,
	status,
	used_traffic,
	lifetime_used_traffic,
	data_limit,
	data_limit_reset_strategy,
	expire_at,
	on_hold_expire_duration,
	on_hold_timeout,
	credential_key,
	note,
	sub_updated_at,
	online_at,
	last_status_change,
	next_plan,
	version,
	created_at,
	updated_at,
	deleted_at
`

func (r *userRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *userRepository) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1 AND deleted_at IS NULL`
	user, err := scanUser(r.pool.QueryRow(ctx, query, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}
	if user.LastStatusChange.IsZero() {
		user.LastStatusChange = user.CreatedAt
	}
	if user.Version <= 0 {
		user.Version = 1
	}

	query := `
		INSERT INTO users (
			id, username, admin_id, service_id, status,
			used_traffic, lifetime_used_traffic, data_limit, data_limit_reset_strategy,
			expire_at, on_hold_expire_duration, on_hold_timeout,
			credential_key, note, sub_updated_at, online_at, last_status_change,
			next_plan, version, created_at, updated_at, deleted_at
		)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22
		)
	`

	_, err := r.pool.Exec(
		ctx,
		query,
		user.ID,
		user.Username,
		user.AdminID,
		user.ServiceID,
		user.Status,
		user.UsedTraffic,
		user.LifetimeUsedTraffic,
		user.DataLimit,
		user.DataLimitResetStrategy,
		user.ExpireAt,
		user.OnHoldExpireDuration,
		user.OnHoldTimeout,
		user.CredentialKey,
		user.Note,
		user.SubUpdatedAt,
		user.OnlineAt,
		user.LastStatusChange,
		user.NextPlan,
		user.Version,
		user.CreatedAt,
		user.UpdatedAt,
		user.DeletedAt,
	)
	return mapWriteError(err)
}

// Update writes every mutable column guarded by the version the caller read.
// On success the in-memory version is advanced to match the row.
func (r *userRepository) Update(ctx context.Context, user *model.User) error {
	user.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE users
		SET username = $3,
			admin_id = $4,
			service_id = $5,
			status = $6,
			used_traffic = $7,
			lifetime_used_traffic = $8,
			data_limit = $9,
			data_limit_reset_strategy = $10,
			expire_at = $11,
			on_hold_expire_duration = $12,
			on_hold_timeout = $13,
			credential_key = $14,
			note = $15,
			sub_updated_at = $16,
			last_status_change = $17,
			next_plan = $18,
			version = version + 1,
			updated_at = $19,
			deleted_at = $20
		WHERE id = $1 AND version = $2
	`

	tag, err := r.pool.Exec(
		ctx,
		query,
		user.ID,
		user.Version,
		user.Username,
		user.AdminID,
		user.ServiceID,
		user.Status,
		user.UsedTraffic,
		user.LifetimeUsedTraffic,
		user.DataLimit,
		user.DataLimitResetStrategy,
		user.ExpireAt,
		user.OnHoldExpireDuration,
		user.OnHoldTimeout,
		user.CredentialKey,
		user.Note,
		user.SubUpdatedAt,
		user.LastStatusChange,
		user.NextPlan,
		user.UpdatedAt,
		user.DeletedAt,
	)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrVersionConflict
	}

	user.Version++
	return nil
}

func (r *userRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.UserStatus) error {
	query := `
		UPDATE users
		SET status = $2,
			last_status_change = NOW(),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

// UpdateOnlineAt moves the last-seen timestamp forward, never backward.
// It deliberately leaves the version column alone so presence refreshes do
// not collide with guarded updates.
func (r *userRepository) UpdateOnlineAt(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	query := `
		UPDATE users
		SET online_at = GREATEST(COALESCE(online_at, 'epoch'::timestamptz), $2)
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, seenAt.UTC())
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *userRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE users
		SET status = 'deleted',
			deleted_at = NOW(),
			last_status_change = NOW(),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *userRepository) HardDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *userRepository) List(ctx context.Context, filter repository.UserListFilter) ([]*model.User, error) {
	limit, offset := normalizePagination(filter.Pagination)

	args := make([]any, 0, 6)
	conditions := buildUserListConditions(filter, &args)

	var builder strings.Builder
	builder.WriteString("SELECT ")
	builder.WriteString(userColumns)
	builder.WriteString(" FROM users")

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	args = append(args, limit, offset)
	_, _ = fmt.Fprintf(&builder, " ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]*model.User, 0, limit)
	for rows.Next() {
		item, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return users, nil
}

func (r *userRepository) Count(ctx context.Context, filter repository.UserListFilter) (int64, error) {
	args := make([]any, 0, 4)
	conditions := buildUserListConditions(filter, &args)

	var builder strings.Builder
	builder.WriteString("SELECT COUNT(*) FROM users")
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	var total int64
	if err := r.pool.QueryRow(ctx, builder.String(), args...).Scan(&total); err != nil {
		return 0, err
	}

	return total, nil
}

func (r *userRepository) CountOwned(ctx context.Context, adminID uuid.UUID) (int64, error) {
	query := `SELECT COUNT(*) FROM users WHERE admin_id = $1 AND deleted_at IS NULL`

	var total int64
	if err := r.pool.QueryRow(ctx, query, adminID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func buildUserListConditions(filter repository.UserListFilter, args *[]any) []string {
	conditions := make([]string, 0, 5)

	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}
	if filter.AdminID != nil {
		*args = append(*args, *filter.AdminID)
		conditions = append(conditions, fmt.Sprintf("admin_id = $%d", len(*args)))
	}
	if filter.ServiceID != nil {
		*args = append(*args, *filter.ServiceID)
		conditions = append(conditions, fmt.Sprintf("service_id = $%d", len(*args)))
	}
	if filter.Status != nil {
		*args = append(*args, *filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(*args)))
	}
	if filter.Keyword != nil {
		keyword := "%" + strings.TrimSpace(*filter.Keyword) + "%"
		*args = append(*args, keyword)
		argPos := len(*args)
		conditions = append(conditions, fmt.Sprintf("(username ILIKE $%d OR note ILIKE $%d)", argPos, argPos))
	}

	return conditions
}

func scanUser(src scanTarget) (*model.User, error) {
	user := &model.User{}
	err := src.Scan(
		&user.ID,
		&user.Username,
		&user.AdminID,
		&user.ServiceID,
		&user.Status,
		&user.UsedTraffic,
		&user.LifetimeUsedTraffic,
		&user.DataLimit,
		&user.DataLimitResetStrategy,
		&user.ExpireAt,
		&user.OnHoldExpireDuration,
		&user.OnHoldTimeout,
		&user.CredentialKey,
		&user.Note,
		&user.SubUpdatedAt,
		&user.OnlineAt,
		&user.LastStatusChange,
		&user.NextPlan,
		&user.Version,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	return user, nil
}
