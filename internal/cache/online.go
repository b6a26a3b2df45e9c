package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const onlineKeyPrefix = "meridian:online:"

// OnlineTracker keeps a TTL-keyed presence entry per user in Redis.
// All methods are safe on a nil tracker so deployments without Redis run
// unchanged, minus the online_users stat.
type OnlineTracker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewOnlineTracker(addr, password string, db int, ttl time.Duration, logger *zap.Logger) *OnlineTracker {
	if addr == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &OnlineTracker{client: client, ttl: ttl, logger: logger}
}

// MarkOnline refreshes the presence entry. Failures are logged, never
// surfaced: presence is advisory and must not fail ingestion.
func (t *OnlineTracker) MarkOnline(ctx context.Context, username string) {
	if t == nil || username == "" {
		return
	}

	if err := t.client.Set(ctx, onlineKeyPrefix+username, time.Now().UTC().Unix(), t.ttl).Err(); err != nil {
		t.logger.Debug("mark online failed", zap.String("username", username), zap.Error(err))
	}
}

// CountOnline returns the number of users with a live presence entry.
func (t *OnlineTracker) CountOnline(ctx context.Context) (int64, error) {
	if t == nil {
		return 0, nil
	}

	var total int64
	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, onlineKeyPrefix+"*", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("scan online keys: %w", err)
		}
		total += int64(len(keys))
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

func (t *OnlineTracker) Close() error {
	if t == nil {
		return nil
	}
	return t.client.Close()
}
