package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

type auditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) repository.AuditRepository {
	return &auditRepository{pool: pool}
}

var _ repository.AuditRepository = (*auditRepository)(nil)

const auditColumns = `
	id,
	actor,
	action,
	entity_type,
	entity_id,
	details,
	ip_address,
	created_at
`

func (r *auditRepository) Create(ctx context.Context, entry *model.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	details, err := encodeJSONMap(entry.Details)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_logs (actor, action, entity_type, entity_id, details, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	return r.pool.QueryRow(
		ctx,
		query,
		entry.Actor,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		details,
		entry.IPAddress,
		entry.CreatedAt,
	).Scan(&entry.ID)
}

func (r *auditRepository) List(ctx context.Context, filter repository.AuditListFilter) ([]*model.AuditLog, error) {
	limit, offset := normalizePagination(filter.Pagination)

	args := make([]any, 0, 6)
	conditions := buildAuditListConditions(filter, &args)

	var builder strings.Builder
	builder.WriteString("SELECT ")
	builder.WriteString(auditColumns)
	builder.WriteString(" FROM audit_logs")

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

	logs := make([]*model.AuditLog, 0, limit)
	for rows.Next() {
		entry := &model.AuditLog{}
		var details []byte
		err := rows.Scan(
			&entry.ID,
			&entry.Actor,
			&entry.Action,
			&entry.EntityType,
			&entry.EntityID,
			&details,
			&entry.IPAddress,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		entry.Details, err = decodeJSONMap(details)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}

func (r *auditRepository) Count(ctx context.Context, filter repository.AuditListFilter) (int64, error) {
	args := make([]any, 0, 4)
	conditions := buildAuditListConditions(filter, &args)

	var builder strings.Builder
	builder.WriteString("SELECT COUNT(*) FROM audit_logs")
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

func buildAuditListConditions(filter repository.AuditListFilter, args *[]any) []string {
	conditions := make([]string, 0, 4)

	if filter.Actor != nil {
		*args = append(*args, *filter.Actor)
		conditions = append(conditions, fmt.Sprintf("actor = $%d", len(*args)))
	}
	if filter.EntityType != nil {
		*args = append(*args, *filter.EntityType)
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", len(*args)))
	}
	if filter.StartTime != nil {
		*args = append(*args, *filter.StartTime)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(*args)))
	}
	if filter.EndTime != nil {
		*args = append(*args, *filter.EndTime)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(*args)))
	}

	return conditions
}
