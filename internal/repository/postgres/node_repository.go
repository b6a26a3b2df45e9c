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

type nodeRepository struct {
	pool *pgxpool.Pool
}

func NewNodeRepository(pool *pgxpool.Pool) repository.NodeRepository {
	return &nodeRepository{pool: pool}
}

var _ repository.NodeRepository = (*nodeRepository)(nil)

const nodeColumns = `
	id,
	name,
	address,
	port,
	status,
	usage_coefficient,
	api_token_hash,
	core_version,
	message,
	last_report_at,
	last_status_change,
	created_at,
	updated_at
`

func (r *nodeRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	node, err := scanNode(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (r *nodeRepository) FindByName(ctx context.Context, name string) (*model.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE name = $1`
	node, err := scanNode(r.pool.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (r *nodeRepository) Create(ctx context.Context, node *model.Node) error {
	if node.ID == uuid.Nil {
		node.ID = uuid.New()
	}

	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = node.CreatedAt
	}
	if node.LastStatusChange.IsZero() {
		node.LastStatusChange = node.CreatedAt
	}
	if node.UsageCoefficient <= 0 {
		node.UsageCoefficient = 1.0
	}

	query := `
		INSERT INTO nodes (
			id, name, address, port, status, usage_coefficient,
			api_token_hash, core_version, message,
			last_report_at, last_status_change, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.pool.Exec(
		ctx,
		query,
		node.ID,
		node.Name,
		node.Address,
		node.Port,
		node.Status,
		node.UsageCoefficient,
		node.APITokenHash,
		node.CoreVersion,
		node.Message,
		node.LastReportAt,
		node.LastStatusChange,
		node.CreatedAt,
		node.UpdatedAt,
	)
	return mapWriteError(err)
}

func (r *nodeRepository) Update(ctx context.Context, node *model.Node) error {
	node.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE nodes
		SET name = $2,
			address = $3,
			port = $4,
			status = $5,
			usage_coefficient = $6,
			api_token_hash = $7,
			core_version = $8,
			message = $9,
			last_report_at = $10,
			last_status_change = $11,
			updated_at = $12
		WHERE id = $1
	`

	tag, err := r.pool.Exec(
		ctx,
		query,
		node.ID,
		node.Name,
		node.Address,
		node.Port,
		node.Status,
		node.UsageCoefficient,
		node.APITokenHash,
		node.CoreVersion,
		node.Message,
		node.LastReportAt,
		node.LastStatusChange,
		node.UpdatedAt,
	)
	if err != nil {
		return mapWriteError(err)
	}
	return ensureAffected(tag)
}

func (r *nodeRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.NodeStatus, message *string) error {
	query := `
		UPDATE nodes
		SET status = $2,
			message = $3,
			last_status_change = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, status, message)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

// MarkReported records a usage report: the report timestamp moves forward
// and the node flips to connected if it was connecting or in error.
func (r *nodeRepository) MarkReported(ctx context.Context, id uuid.UUID, reportedAt time.Time) error {
	query := `
		UPDATE nodes
		SET last_report_at = GREATEST(COALESCE(last_report_at, 'epoch'::timestamptz), $2),
			status = CASE WHEN status IN ('connecting', 'error') THEN 'connected'::node_status ELSE status END,
			message = CASE WHEN status IN ('connecting', 'error') THEN NULL ELSE message END,
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, reportedAt.UTC())
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *nodeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *nodeRepository) List(ctx context.Context, filter repository.NodeListFilter) ([]*model.Node, error) {
	limit, offset := normalizePagination(filter.Pagination)

	args := make([]any, 0, 3)
	var builder strings.Builder
	builder.WriteString("SELECT ")
	builder.WriteString(nodeColumns)
	builder.WriteString(" FROM nodes")

	if filter.Status != nil {
		args = append(args, *filter.Status)
		_, _ = fmt.Fprintf(&builder, " WHERE status = $%d", len(args))
	}

	args = append(args, limit, offset)
	_, _ = fmt.Fprintf(&builder, " ORDER BY created_at ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := make([]*model.Node, 0, limit)
	for rows.Next() {
		item, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return nodes, nil
}

func (r *nodeRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*model.Node, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM nodes
		WHERE status = 'connected'
		  AND (last_report_at IS NULL OR last_report_at < $1)
	`

	rows, err := r.pool.Query(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := make([]*model.Node, 0, 8)
	for rows.Next() {
		item, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return nodes, nil
}

func scanNode(src scanTarget) (*model.Node, error) {
	node := &model.Node{}
	err := src.Scan(
		&node.ID,
		&node.Name,
		&node.Address,
		&node.Port,
		&node.Status,
		&node.UsageCoefficient,
		&node.APITokenHash,
		&node.CoreVersion,
		&node.Message,
		&node.LastReportAt,
		&node.LastStatusChange,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return node, nil
}
