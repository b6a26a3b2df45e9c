package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"meridian-panel/internal/event"
	"meridian-panel/internal/metrics"
	"meridian-panel/internal/model"
)

// SweepResult is one pass's tallies, also carried on the completion event.
type SweepResult struct {
	ResetCount   int           `json:"reset_count"`
	ExpiredCount int           `json:"expired_count"`
	StartedCount int           `json:"started_count"`
	DeletedCount int           `json:"deleted_count"`
	Elapsed      time.Duration `json:"-"`
	ElapsedMS    int64         `json:"elapsed_ms"`
}

// SweepService runs the periodic maintenance passes: usage resets per
// reset strategy, time-driven status transitions, on-hold auto-starts and
// the autodelete retention purge. Every user is handled in its own
// transaction under a row lock, so a failure or an interruption between
// users leaves a valid partial sweep.
type SweepService struct {
	pool           *pgxpool.Pool
	engine         *LimitEngine
	eventBus       *event.Bus
	logger         *zap.Logger
	autodeleteDays int

	resetOneFn                 func(ctx context.Context, userID uuid.UUID, now time.Time) (bool, error)
	evalOneFn                  func(ctx context.Context, userID uuid.UUID, now time.Time) (*Evaluation, *model.User, error)
	listResetCandidatesFn      func(ctx context.Context) ([]uuid.UUID, error)
	listTransitionCandidatesFn func(ctx context.Context) ([]uuid.UUID, error)
}

func NewSweepService(pool *pgxpool.Pool, engine *LimitEngine, eventBus *event.Bus, autodeleteDays int, logger *zap.Logger) *SweepService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = NewLimitEngine(nil)
	}
	return &SweepService{
		pool:           pool,
		engine:         engine,
		eventBus:       eventBus,
		logger:         logger,
		autodeleteDays: autodeleteDays,
	}
}

// resetBoundary returns the instant the next reset becomes due after
// lastReset. Calendar arithmetic, not fixed durations: a month is a month.
func resetBoundary(lastReset time.Time, strategy model.ResetStrategy) (time.Time, bool) {
	switch strategy {
	case model.ResetStrategyDaily:
		return lastReset.AddDate(0, 0, 1), true
	case model.ResetStrategyWeekly:
		return lastReset.AddDate(0, 0, 7), true
	case model.ResetStrategyMonthly:
		return lastReset.AddDate(0, 1, 0), true
	case model.ResetStrategyYearly:
		return lastReset.AddDate(1, 0, 0), true
	default:
		return time.Time{}, false
	}
}

// RunResetSweep executes all passes once and reports their tallies. Safe
// to call on demand; re-running within the same boundary period is a
// no-op because every candidate is rechecked inside its transaction.
func (s *SweepService) RunResetSweep(ctx context.Context) (*SweepResult, error) {
	return s.run(ctx, true)
}

// RunScheduledSweep is the hourly variant: resets and time-driven
// transitions only. Autodelete runs on its own, slower cadence.
func (s *SweepService) RunScheduledSweep(ctx context.Context) (*SweepResult, error) {
	return s.run(ctx, false)
}

// RunAutodelete executes only the retention purge.
func (s *SweepService) RunAutodelete(ctx context.Context) (int, error) {
	result := &SweepResult{}
	if err := s.autodeletePass(ctx, result); err != nil {
		return 0, err
	}
	metrics.SweepDeletes.Add(float64(result.DeletedCount))
	if result.DeletedCount > 0 {
		s.logger.Info("autodelete completed", zap.Int("deleted", result.DeletedCount))
	}
	return result.DeletedCount, nil
}

func (s *SweepService) run(ctx context.Context, autodelete bool) (*SweepResult, error) {
	startedAt := time.Now()
	result := &SweepResult{}

	if err := s.resetPass(ctx, result); err != nil {
		return nil, err
	}
	if err := s.transitionPass(ctx, result); err != nil {
		return nil, err
	}
	if autodelete {
		if err := s.autodeletePass(ctx, result); err != nil {
			return nil, err
		}
	}

	result.Elapsed = time.Since(startedAt)
	result.ElapsedMS = result.Elapsed.Milliseconds()

	metrics.SweepResets.Add(float64(result.ResetCount))
	metrics.SweepDeletes.Add(float64(result.DeletedCount))

	s.logger.Info("sweep completed",
		zap.Int("resets", result.ResetCount),
		zap.Int("expired", result.ExpiredCount),
		zap.Int("started", result.StartedCount),
		zap.Int("deleted", result.DeletedCount),
		zap.Duration("elapsed", result.Elapsed),
	)
	if s.eventBus != nil {
		s.eventBus.Publish(event.EventSweepCompleted, event.SweepCompletedPayload{
			ResetCount:   result.ResetCount,
			ExpiredCount: result.ExpiredCount,
			StartedCount: result.StartedCount,
			DeletedCount: result.DeletedCount,
			Elapsed:      result.Elapsed,
		})
	}
	return result, nil
}

// resetPass finds users whose reset boundary elapsed and zeroes their
// counters, one locked transaction each.
func (s *SweepService) resetPass(ctx context.Context, result *SweepResult) error {
	now := time.Now().UTC()

	candidates, err := s.listResetCandidates(ctx)
	if err != nil {
		return err
	}

	for _, userID := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		did, err := s.resetOne(ctx, userID, now)
		if err != nil {
			s.logger.Error("sweep reset failed", zap.String("user_id", userID.String()), zap.Error(err))
			continue
		}
		if did {
			result.ResetCount++
		}
	}
	return nil
}

func (s *SweepService) listResetCandidates(ctx context.Context) ([]uuid.UUID, error) {
	if s.listResetCandidatesFn != nil {
		return s.listResetCandidatesFn(ctx)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT u.id
		FROM users u
		WHERE u.deleted_at IS NULL
		  AND u.data_limit_reset_strategy <> 'no_reset'
		  AND now() >= COALESCE(
				(SELECT MAX(r.reset_at) FROM user_usage_reset_logs r WHERE r.user_id = u.id),
				u.created_at
			) + CASE u.data_limit_reset_strategy
				WHEN 'day' THEN INTERVAL '1 day'
				WHEN 'week' THEN INTERVAL '7 days'
				WHEN 'month' THEN INTERVAL '1 month'
				WHEN 'year' THEN INTERVAL '1 year'
			END
		ORDER BY u.created_at`)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (s *SweepService) resetOne(ctx context.Context, userID uuid.UUID, now time.Time) (bool, error) {
	if s.resetOneFn != nil {
		return s.resetOneFn(ctx, userID, now)
	}
	return s.resetOneTx(ctx, userID, now)
}

// resetOneTx locks the row and rechecks the boundary before resetting, so
// a concurrent sweep or an on-demand trigger cannot double-reset.
func (s *SweepService) resetOneTx(ctx context.Context, userID uuid.UUID, now time.Time) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	user, err := lockUser(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	var lastReset time.Time
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(reset_at), $2)
		FROM user_usage_reset_logs WHERE user_id = $1`, userID, user.CreatedAt).Scan(&lastReset)
	if err != nil {
		return false, err
	}

	boundary, ok := resetBoundary(lastReset, user.DataLimitResetStrategy)
	if !ok || now.Before(boundary) {
		return false, nil
	}

	eval := s.engine.ResetUsage(user, now)
	if err := insertResetLog(ctx, tx, user.ID, eval.UsedAtActivation, now); err != nil {
		return false, err
	}
	if err := writeLockedUser(ctx, tx, user); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	s.publishEval(user, &eval, now)
	s.publishReset(user, eval.UsedAtActivation, now)
	return true, nil
}

// transitionPass applies time-driven transitions: expiry, on-hold timeout
// auto-starts, and next-plan activations that became due by expiry.
func (s *SweepService) transitionPass(ctx context.Context, result *SweepResult) error {
	now := time.Now().UTC()

	candidates, err := s.listTransitionCandidates(ctx)
	if err != nil {
		return err
	}

	for _, userID := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		eval, user, err := s.evalOne(ctx, userID, now)
		if err != nil {
			s.logger.Error("sweep transition failed", zap.String("user_id", userID.String()), zap.Error(err))
			continue
		}
		if eval == nil || user == nil {
			continue
		}
		if t := eval.Transition; t != nil {
			switch {
			case t.To == model.UserStatusExpired:
				result.ExpiredCount++
			case t.From == model.UserStatusOnHold:
				result.StartedCount++
			}
		}
	}
	return nil
}

func (s *SweepService) listTransitionCandidates(ctx context.Context) ([]uuid.UUID, error) {
	if s.listTransitionCandidatesFn != nil {
		return s.listTransitionCandidatesFn(ctx)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id FROM users
		WHERE deleted_at IS NULL
		  AND (
			(status = 'active' AND expire_at IS NOT NULL AND expire_at <= now())
			OR (status = 'expired' AND next_plan IS NOT NULL)
			OR (status = 'on_hold' AND on_hold_timeout IS NOT NULL AND on_hold_timeout <= now())
		  )
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (s *SweepService) evalOne(ctx context.Context, userID uuid.UUID, now time.Time) (*Evaluation, *model.User, error) {
	if s.evalOneFn != nil {
		return s.evalOneFn(ctx, userID, now)
	}
	return s.evalOneTx(ctx, userID, now)
}

func (s *SweepService) evalOneTx(ctx context.Context, userID uuid.UUID, now time.Time) (*Evaluation, *model.User, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	user, err := lockUser(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var eval Evaluation
	if user.Status == model.UserStatusOnHold && user.OnHoldTimeout != nil && !user.OnHoldTimeout.After(now) {
		eval = s.engine.StartOnHold(user, now)
	} else {
		eval = s.engine.Evaluate(user, now)
	}
	if eval.Transition == nil && !eval.PlanActivated {
		return &eval, user, nil
	}

	if eval.PlanActivated {
		if err := insertResetLog(ctx, tx, user.ID, eval.UsedAtActivation, now); err != nil {
			return nil, nil, err
		}
	}
	if err := writeLockedUser(ctx, tx, user); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	s.publishEval(user, &eval, now)
	if eval.PlanActivated {
		s.publishReset(user, eval.UsedAtActivation, now)
	}
	return &eval, user, nil
}

// autodeletePass hard-deletes long-inactive terminal users. Cascades take
// the proxies, ledger rows and reset logs with them.
func (s *SweepService) autodeletePass(ctx context.Context, result *SweepResult) error {
	if s.autodeleteDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.autodeleteDays)

	rows, err := s.pool.Query(ctx, `
		SELECT id FROM users
		WHERE status IN ('deleted', 'expired', 'limited')
		  AND COALESCE(online_at, updated_at) < $1
		ORDER BY created_at`, cutoff)
	if err != nil {
		return err
	}
	candidates, err := collectIDs(rows)
	if err != nil {
		return err
	}

	for _, userID := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		deleted, err := s.deleteOneTx(ctx, userID, cutoff)
		if err != nil {
			s.logger.Error("sweep autodelete failed", zap.String("user_id", userID.String()), zap.Error(err))
			continue
		}
		if deleted {
			result.DeletedCount++
		}
	}
	return nil
}

func (s *SweepService) deleteOneTx(ctx context.Context, userID uuid.UUID, cutoff time.Time) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var username string
	err = tx.QueryRow(ctx, `
		SELECT username FROM users
		WHERE id = $1
		  AND status IN ('deleted', 'expired', 'limited')
		  AND COALESCE(online_at, updated_at) < $2
		FOR UPDATE`, userID, cutoff).Scan(&username)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	if s.eventBus != nil {
		s.eventBus.Publish(event.EventUserDeleted, event.UserPayload{
			UserID:   userID.String(),
			Username: username,
		})
	}
	return true, nil
}

func (s *SweepService) publishEval(user *model.User, eval *Evaluation, now time.Time) {
	if t := eval.Transition; t != nil {
		metrics.IncStatusTransition(string(t.From), string(t.To))
	}
	if s.eventBus == nil {
		return
	}
	if t := eval.Transition; t != nil {
		s.eventBus.Publish(event.EventUserStatusChanged, event.StatusChangedPayload{
			UserID:    user.ID.String(),
			Username:  user.Username,
			OldStatus: string(t.From),
			NewStatus: string(t.To),
			Reason:    t.Reason,
		})
	}
}

func (s *SweepService) publishReset(user *model.User, usedAtReset int64, now time.Time) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(event.EventUserUsageReset, event.UsageResetPayload{
		UserID:             user.ID.String(),
		Username:           user.Username,
		UsedTrafficAtReset: usedAtReset,
		ResetAt:            now,
	})
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// lockUser loads the row under FOR UPDATE so the sweep serializes against
// concurrent ingestion for the same user.
func lockUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*model.User, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, username, admin_id, service_id, status,
			used_traffic, lifetime_used_traffic, data_limit, data_limit_reset_strategy,
			expire_at, on_hold_expire_duration, on_hold_timeout,
			credential_key, note, sub_updated_at, online_at, last_status_change,
			next_plan, version, created_at, updated_at, deleted_at
		FROM users WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE`, userID)

	user := &model.User{}
	err := row.Scan(
		&user.ID, &user.Username, &user.AdminID, &user.ServiceID, &user.Status,
		&user.UsedTraffic, &user.LifetimeUsedTraffic, &user.DataLimit, &user.DataLimitResetStrategy,
		&user.ExpireAt, &user.OnHoldExpireDuration, &user.OnHoldTimeout,
		&user.CredentialKey, &user.Note, &user.SubUpdatedAt, &user.OnlineAt, &user.LastStatusChange,
		&user.NextPlan, &user.Version, &user.CreatedAt, &user.UpdatedAt, &user.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// writeLockedUser persists the engine's mutations. The row lock makes the
// version guard redundant here, but the bump still publishes the write to
// optimistic readers.
func writeLockedUser(ctx context.Context, tx pgx.Tx, user *model.User) error {
	_, err := tx.Exec(
		ctx,
		`UPDATE users
		 SET status = $2,
			 used_traffic = $3,
			 lifetime_used_traffic = $4,
			 data_limit = $5,
			 expire_at = $6,
			 on_hold_timeout = $7,
			 last_status_change = $8,
			 next_plan = $9,
			 version = version + 1,
			 updated_at = NOW()
		 WHERE id = $1`,
		user.ID,
		user.Status,
		user.UsedTraffic,
		user.LifetimeUsedTraffic,
		user.DataLimit,
		user.ExpireAt,
		user.OnHoldTimeout,
		user.LastStatusChange,
		user.NextPlan,
	)
	return err
}
