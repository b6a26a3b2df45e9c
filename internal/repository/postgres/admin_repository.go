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

type adminRepository struct {
	pool *pgxpool.Pool
}

func NewAdminRepository(pool *pgxpool.Pool) repository.AdminRepository {
	return &adminRepository{pool: pool}
}

var _ repository.AdminRepository = (*adminRepository)(nil)

const adminColumns = `
	id,
	username,
	password_hash,
	role,
	permissions,
	data_limit,
	used_traffic,
	users_limit,
	disabled_reason,
	telegram_chat_id,
	created_at,
	updated_at
`

func (r *adminRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Admin, error) {
	query := `SELECT ` + adminColumns + ` FROM admins WHERE id = $1`
	admin, err := scanAdmin(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return admin, nil
}

func (r *adminRepository) FindByUsername(ctx context.Context, username string) (*model.Admin, error) {
	query := `SELECT ` + adminColumns + ` FROM admins WHERE username = $1`
	admin, err := scanAdmin(r.pool.QueryRow(ctx, query, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return admin, nil
}

func (r *adminRepository) Create(ctx context.Context, admin *model.Admin) error {
	if admin.ID == uuid.Nil {
		admin.ID = uuid.New()
	}

	now := time.Now().UTC()
	if admin.CreatedAt.IsZero() {
		admin.CreatedAt = now
	}
	if admin.UpdatedAt.IsZero() {
		admin.UpdatedAt = admin.CreatedAt
	}
	if admin.Permissions == nil {
		admin.Permissions = []string{}
	}

	query := `
		INSERT INTO admins (
			id, username, password_hash, role, permissions,
			data_limit, used_traffic, users_limit,
			disabled_reason, telegram_chat_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.pool.Exec(
		ctx,
		query,
		admin.ID,
		admin.Username,
		admin.PasswordHash,
		admin.Role,
		admin.Permissions,
		admin.DataLimit,
		admin.UsedTraffic,
		admin.UsersLimit,
		admin.DisabledReason,
		admin.TelegramChatID,
		admin.CreatedAt,
		admin.UpdatedAt,
	)
	return mapWriteError(err)
}

func (r *adminRepository) Update(ctx context.Context, admin *model.Admin) error {
	admin.UpdatedAt = time.Now().UTC()
	if admin.Permissions == nil {
		admin.Permissions = []string{}
	}

	query := `
		UPDATE admins
		SET username = $2,
			role = $3,
			permissions = $4,
			data_limit = $5,
			users_limit = $6,
			disabled_reason = $7,
			telegram_chat_id = $8,
			updated_at = $9
		WHERE id = $1
	`

	tag, err := r.pool.Exec(
		ctx,
		query,
		admin.ID,
		admin.Username,
		admin.Role,
		admin.Permissions,
		admin.DataLimit,
		admin.UsersLimit,
		admin.DisabledReason,
		admin.TelegramChatID,
		admin.UpdatedAt,
	)
	if err != nil {
		return mapWriteError(err)
	}
	return ensureAffected(tag)
}

func (r *adminRepository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	query := `UPDATE admins SET password_hash = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, passwordHash)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *adminRepository) SetDisabledReason(ctx context.Context, id uuid.UUID, reason *string) error {
	query := `UPDATE admins SET disabled_reason = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

// ResetUsedTraffic zeroes the admin's aggregate counter and clears the
// exhaustion flag in the same statement.
func (r *adminRepository) ResetUsedTraffic(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE admins
		SET used_traffic = 0,
			disabled_reason = CASE WHEN disabled_reason = $2 THEN NULL ELSE disabled_reason END,
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, model.DisabledReasonDataLimit)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *adminRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM admins WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *adminRepository) List(ctx context.Context, filter repository.AdminListFilter) ([]*model.Admin, error) {
	limit, offset := normalizePagination(filter.Pagination)

	args := make([]any, 0, 3)
	conditions := buildAdminListConditions(filter, &args)

	var builder strings.Builder
	builder.WriteString("SELECT ")
	builder.WriteString(adminColumns)
	builder.WriteString(" FROM admins")

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	args = append(args, limit, offset)
	_, _ = fmt.Fprintf(&builder, " ORDER BY created_at ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	admins := make([]*model.Admin, 0, limit)
	for rows.Next() {
		item, err := scanAdmin(rows)
		if err != nil {
			return nil, err
		}
		admins = append(admins, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return admins, nil
}

func (r *adminRepository) Count(ctx context.Context, filter repository.AdminListFilter) (int64, error) {
	args := make([]any, 0, 1)
	conditions := buildAdminListConditions(filter, &args)

	var builder strings.Builder
	builder.WriteString("SELECT COUNT(*) FROM admins")
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

func buildAdminListConditions(filter repository.AdminListFilter, args *[]any) []string {
	conditions := make([]string, 0, 1)

	if filter.Keyword != nil {
		keyword := "%" + strings.TrimSpace(*filter.Keyword) + "%"
		*args = append(*args, keyword)
		conditions = append(conditions, fmt.Sprintf("username ILIKE $%d", len(*args)))
	}

	return conditions
}

func scanAdmin(src scanTarget) (*model.Admin, error) {
	admin := &model.Admin{}
	err := src.Scan(
		&admin.ID,
		&admin.Username,
		&admin.PasswordHash,
		&admin.Role,
		&admin.Permissions,
		&admin.DataLimit,
		&admin.UsedTraffic,
		&admin.UsersLimit,
		&admin.DisabledReason,
		&admin.TelegramChatID,
		&admin.CreatedAt,
		&admin.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return admin, nil
}
