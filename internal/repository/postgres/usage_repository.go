package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

type usageRepository struct {
	pool *pgxpool.Pool
}

func NewUsageRepository(pool *pgxpool.Pool) repository.UsageRepository {
	return &usageRepository{pool: pool}
}

var _ repository.UsageRepository = (*usageRepository)(nil)

// Series queries group the hour-bucket ledger with date_trunc so day
// granularity is computed in SQL, not client-side. Truncation is anchored
// to UTC regardless of the session TimeZone so the keys line up with the
// aggregation service's zero-fill. Only non-empty buckets come back.

func (r *usageRepository) UserSeries(ctx context.Context, userID uuid.UUID, start, end time.Time, g repository.Granularity) (map[time.Time]int64, error) {
	query := `
		SELECT date_trunc($4, bucket AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS period, COALESCE(SUM(used_traffic), 0)
		FROM node_user_usages
		WHERE user_id = $1
		  AND bucket >= $2
		  AND bucket < $3
		GROUP BY period
	`
	return r.collectSeries(ctx, query, userID, start.UTC(), end.UTC(), string(g))
}

func (r *usageRepository) AdminSeries(ctx context.Context, adminID uuid.UUID, start, end time.Time, g repository.Granularity) (map[time.Time]int64, error) {
	query := `
		SELECT date_trunc($4, bucket AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS period, COALESCE(SUM(used_traffic), 0)
		FROM admin_usage_logs
		WHERE admin_id = $1
		  AND bucket >= $2
		  AND bucket < $3
		GROUP BY period
	`
	return r.collectSeries(ctx, query, adminID, start.UTC(), end.UTC(), string(g))
}

func (r *usageRepository) NodeSeries(ctx context.Context, nodeID uuid.UUID, start, end time.Time, g repository.Granularity) (map[time.Time]int64, error) {
	query := `
		SELECT date_trunc($4, bucket AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS period, COALESCE(SUM(used_traffic), 0)
		FROM node_user_usages
		WHERE node_id = $1
		  AND bucket >= $2
		  AND bucket < $3
		GROUP BY period
	`
	return r.collectSeries(ctx, query, nodeID, start.UTC(), end.UTC(), string(g))
}

func (r *usageRepository) ServiceSeries(ctx context.Context, serviceID uuid.UUID, start, end time.Time, g repository.Granularity) (map[time.Time]int64, error) {
	query := `
		SELECT date_trunc($4, u.bucket AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS period, COALESCE(SUM(u.used_traffic), 0)
		FROM node_user_usages u
		JOIN users ON users.id = u.user_id
		WHERE users.service_id = $1
		  AND u.bucket >= $2
		  AND u.bucket < $3
		GROUP BY period
	`
	return r.collectSeries(ctx, query, serviceID, start.UTC(), end.UTC(), string(g))
}

func (r *usageRepository) TotalSeries(ctx context.Context, start, end time.Time, g repository.Granularity) (map[time.Time]int64, error) {
	query := `
		SELECT date_trunc($3, bucket AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS period, COALESCE(SUM(used_traffic), 0)
		FROM node_user_usages
		WHERE bucket >= $1
		  AND bucket < $2
		GROUP BY period
	`

	rows, err := r.pool.Query(ctx, query, start.UTC(), end.UTC(), string(g))
	if err != nil {
		return nil, err
	}
	return scanSeries(rows)
}

func (r *usageRepository) collectSeries(ctx context.Context, query string, id uuid.UUID, start, end time.Time, granularity string) (map[time.Time]int64, error) {
	rows, err := r.pool.Query(ctx, query, id, start, end, granularity)
	if err != nil {
		return nil, err
	}
	return scanSeries(rows)
}

func scanSeries(rows pgx.Rows) (map[time.Time]int64, error) {
	defer rows.Close()

	series := make(map[time.Time]int64)
	for rows.Next() {
		var bucket time.Time
		var bytes int64
		if err := rows.Scan(&bucket, &bytes); err != nil {
			return nil, err
		}
		series[bucket.UTC()] = bytes
	}
	return series, rows.Err()
}

func (r *usageRepository) SumResetTraffic(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `SELECT COALESCE(SUM(used_traffic_at_reset), 0) FROM user_usage_reset_logs WHERE user_id = $1`

	var total int64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *usageRepository) LastResetAt(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	query := `SELECT MAX(reset_at) FROM user_usage_reset_logs WHERE user_id = $1`

	var last *time.Time
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&last); err != nil {
		return nil, err
	}
	return last, nil
}

func (r *usageRepository) ListResetLogs(ctx context.Context, userID uuid.UUID, page repository.Pagination) ([]*model.UserUsageResetLog, error) {
	limit, offset := normalizePagination(page)

	query := `
		SELECT id, user_id, used_traffic_at_reset, reset_at
		FROM user_usage_reset_logs
		WHERE user_id = $1
		ORDER BY reset_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]*model.UserUsageResetLog, 0, limit)
	for rows.Next() {
		item := &model.UserUsageResetLog{}
		if err := rows.Scan(&item.ID, &item.UserID, &item.UsedTrafficAtReset, &item.ResetAt); err != nil {
			return nil, err
		}
		logs = append(logs, item)
	}
	return logs, rows.Err()
}
