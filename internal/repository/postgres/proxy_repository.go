package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

type proxyRepository struct {
	pool *pgxpool.Pool
}

func NewProxyRepository(pool *pgxpool.Pool) repository.ProxyRepository {
	return &proxyRepository{pool: pool}
}

var _ repository.ProxyRepository = (*proxyRepository)(nil)

func (r *proxyRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*model.Proxy, error) {
	query := `SELECT id, user_id, protocol, settings, created_at FROM proxies WHERE user_id = $1 ORDER BY protocol ASC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	proxies := make([]*model.Proxy, 0, 4)
	for rows.Next() {
		item := &model.Proxy{}
		if err := rows.Scan(&item.ID, &item.UserID, &item.Protocol, &item.Settings, &item.CreatedAt); err != nil {
			return nil, err
		}
		proxies = append(proxies, item)
	}
	return proxies, rows.Err()
}

// ReplaceForUser swaps the full credential set in one transaction, as
// rotation regenerates every protocol at once.
func (r *proxyRepository) ReplaceForUser(ctx context.Context, userID uuid.UUID, proxies []*model.Proxy) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM proxies WHERE user_id = $1`, userID); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, proxy := range proxies {
		if proxy.ID == uuid.Nil {
			proxy.ID = uuid.New()
		}
		if proxy.CreatedAt.IsZero() {
			proxy.CreatedAt = now
		}
		proxy.UserID = userID

		_, err := tx.Exec(
			ctx,
			`INSERT INTO proxies (id, user_id, protocol, settings, created_at) VALUES ($1, $2, $3, $4, $5)`,
			proxy.ID,
			proxy.UserID,
			proxy.Protocol,
			proxy.Settings,
			proxy.CreatedAt,
		)
		if err != nil {
			return mapWriteError(err)
		}
	}

	return tx.Commit(ctx)
}

func (r *proxyRepository) DeleteByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM proxies WHERE user_id = $1`, userID)
	return err
}
