package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

type serviceRepository struct {
	pool *pgxpool.Pool
}

func NewServiceRepository(pool *pgxpool.Pool) repository.ServiceRepository {
	return &serviceRepository{pool: pool}
}

var _ repository.ServiceRepository = (*serviceRepository)(nil)

const hostColumns = `
	id,
	service_id,
	remark,
	address,
	port,
	sni,
	host,
	security,
	priority,
	created_at,
	updated_at
`

func (r *serviceRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Service, error) {
	query := `SELECT id, name, created_at, updated_at FROM services WHERE id = $1`
	svc, err := scanService(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	svc.AdminIDs, err = r.listAdminIDs(ctx, svc.ID)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (r *serviceRepository) FindByName(ctx context.Context, name string) (*model.Service, error) {
	query := `SELECT id, name, created_at, updated_at FROM services WHERE name = $1`
	svc, err := scanService(r.pool.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	svc.AdminIDs, err = r.listAdminIDs(ctx, svc.ID)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (r *serviceRepository) Create(ctx context.Context, service *model.Service) error {
	if service.ID == uuid.Nil {
		service.ID = uuid.New()
	}

	now := time.Now().UTC()
	if service.CreatedAt.IsZero() {
		service.CreatedAt = now
	}
	if service.UpdatedAt.IsZero() {
		service.UpdatedAt = service.CreatedAt
	}

	query := `INSERT INTO services (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`
	if _, err := r.pool.Exec(ctx, query, service.ID, service.Name, service.CreatedAt, service.UpdatedAt); err != nil {
		return mapWriteError(err)
	}

	if len(service.AdminIDs) > 0 {
		return r.SetAdmins(ctx, service.ID, service.AdminIDs)
	}
	return nil
}

func (r *serviceRepository) Update(ctx context.Context, service *model.Service) error {
	service.UpdatedAt = time.Now().UTC()
	query := `UPDATE services SET name = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, service.ID, service.Name, service.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return ensureAffected(tag)
}

func (r *serviceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM services WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *serviceRepository) List(ctx context.Context, page repository.Pagination) ([]*model.Service, error) {
	limit, offset := normalizePagination(page)

	query := `SELECT id, name, created_at, updated_at FROM services ORDER BY created_at ASC LIMIT $1 OFFSET $2`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	services := make([]*model.Service, 0, limit)
	for rows.Next() {
		item, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, svc := range services {
		svc.AdminIDs, err = r.listAdminIDs(ctx, svc.ID)
		if err != nil {
			return nil, err
		}
	}
	return services, nil
}

func (r *serviceRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM services`).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// SetAdmins replaces the allowlist atomically.
func (r *serviceRepository) SetAdmins(ctx context.Context, serviceID uuid.UUID, adminIDs []uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM service_admins WHERE service_id = $1`, serviceID); err != nil {
		return err
	}

	for _, adminID := range adminIDs {
		_, err := tx.Exec(
			ctx,
			`INSERT INTO service_admins (service_id, admin_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			serviceID,
			adminID,
		)
		if err != nil {
			return mapWriteError(err)
		}
	}

	return tx.Commit(ctx)
}

func (r *serviceRepository) AllowsAdmin(ctx context.Context, serviceID, adminID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM service_admins WHERE service_id = $1 AND admin_id = $2)`

	var allowed bool
	if err := r.pool.QueryRow(ctx, query, serviceID, adminID).Scan(&allowed); err != nil {
		return false, err
	}
	return allowed, nil
}

func (r *serviceRepository) listAdminIDs(ctx context.Context, serviceID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT admin_id FROM service_admins WHERE service_id = $1`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0, 4)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *serviceRepository) ListHosts(ctx context.Context, serviceID uuid.UUID) ([]*model.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE service_id = $1 ORDER BY priority ASC, created_at ASC`
	rows, err := r.pool.Query(ctx, query, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hosts := make([]*model.Host, 0, 8)
	for rows.Next() {
		item, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, item)
	}
	return hosts, rows.Err()
}

func (r *serviceRepository) FindHost(ctx context.Context, id uuid.UUID) (*model.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE id = $1`
	host, err := scanHost(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return host, nil
}

func (r *serviceRepository) CreateHost(ctx context.Context, host *model.Host) error {
	if host.ID == uuid.Nil {
		host.ID = uuid.New()
	}

	now := time.Now().UTC()
	if host.CreatedAt.IsZero() {
		host.CreatedAt = now
	}
	if host.UpdatedAt.IsZero() {
		host.UpdatedAt = host.CreatedAt
	}
	if host.Security == "" {
		host.Security = model.HostSecurityInboundDefault
	}

	query := `
		INSERT INTO hosts (
			id, service_id, remark, address, port, sni, host, security, priority, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(
		ctx,
		query,
		host.ID,
		host.ServiceID,
		host.Remark,
		host.Address,
		host.Port,
		host.SNI,
		host.Host,
		host.Security,
		host.Priority,
		host.CreatedAt,
		host.UpdatedAt,
	)
	return mapWriteError(err)
}

func (r *serviceRepository) UpdateHost(ctx context.Context, host *model.Host) error {
	host.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE hosts
		SET remark = $2,
			address = $3,
			port = $4,
			sni = $5,
			host = $6,
			security = $7,
			priority = $8,
			updated_at = $9
		WHERE id = $1
	`

	tag, err := r.pool.Exec(
		ctx,
		query,
		host.ID,
		host.Remark,
		host.Address,
		host.Port,
		host.SNI,
		host.Host,
		host.Security,
		host.Priority,
		host.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *serviceRepository) DeleteHost(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM hosts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func scanService(src scanTarget) (*model.Service, error) {
	svc := &model.Service{}
	err := src.Scan(
		&svc.ID,
		&svc.Name,
		&svc.CreatedAt,
		&svc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func scanHost(src scanTarget) (*model.Host, error) {
	host := &model.Host{}
	err := src.Scan(
		&host.ID,
		&host.ServiceID,
		&host.Remark,
		&host.Address,
		&host.Port,
		&host.SNI,
		&host.Host,
		&host.Security,
		&host.Priority,
		&host.CreatedAt,
		&host.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return host, nil
}
