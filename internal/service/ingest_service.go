package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"meridian-panel/internal/cache"
	"meridian-panel/internal/event"
	"meridian-panel/internal/metrics"
	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

// maxChargeAttempts bounds the optimistic-concurrency retry loop. Each
// retry re-reads the row and re-applies the delta onto fresh state, never
// onto the stale copy.
const maxChargeAttempts = 3

const (
	RowAccepted = "accepted"
	RowRejected = "rejected"
	RowSkipped  = "skipped"
)

// UsageReport is one (user, delta, timestamp) tuple from a node batch.
type UsageReport struct {
	Username  string    `json:"username"`
	Delta     int64     `json:"delta_bytes"`
	Timestamp time.Time `json:"timestamp"`
}

type RowResult struct {
	Username string `json:"username"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}

type ReportResult struct {
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	Skipped  int         `json:"skipped"`
	Rows     []RowResult `json:"rows"`
}

// chargeOutcome is everything a committed per-report transaction produced;
// events derived from it are published only after commit.
type chargeOutcome struct {
	User           *model.User
	Charged        int64
	Eval           Evaluation
	ResetAt        time.Time
	AdminExhausted *event.AdminExhaustedPayload
}

// IngestService is the sole usage-ingestion entry point. Each valid report
// row runs in its own transaction: user counters, the node-user ledger row,
// the admin usage log, and any limit transition commit or roll back
// together.
type IngestService struct {
	pool     *pgxpool.Pool
	nodeRepo repository.NodeRepository
	engine   *LimitEngine
	eventBus *event.Bus
	online   *cache.OnlineTracker
	logger   *zap.Logger

	masterMu      sync.Mutex
	masterAdminID uuid.UUID

	findNodeFn     func(ctx context.Context, id uuid.UUID) (*model.Node, error)
	markReportedFn func(ctx context.Context, id uuid.UUID, reportedAt time.Time) error
	chargeOnceFn   func(ctx context.Context, node *model.Node, report UsageReport) (*chargeOutcome, error)
	masterLookupFn func(ctx context.Context) (uuid.UUID, error)
}

func NewIngestService(
	pool *pgxpool.Pool,
	nodeRepo repository.NodeRepository,
	engine *LimitEngine,
	eventBus *event.Bus,
	online *cache.OnlineTracker,
	logger *zap.Logger,
) *IngestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = NewLimitEngine(nil)
	}

	return &IngestService{
		pool:     pool,
		nodeRepo: nodeRepo,
		engine:   engine,
		eventBus: eventBus,
		online:   online,
		logger:   logger,
	}
}

// RecordUsage applies a node's report batch. A malformed row is rejected
// and an unknown username is skipped; neither fails the rest of the batch.
// A row that keeps losing the optimistic-concurrency race after the retry
// budget is reported rejected with a conflict reason so the node re-submits
// it with its next batch.
func (s *IngestService) RecordUsage(ctx context.Context, nodeID uuid.UUID, reports []UsageReport) (*ReportResult, error) {
	startedAt := time.Now()
	defer func() {
		metrics.UsageReports.Inc()
		metrics.ObserveIngestDuration(time.Since(startedAt))
	}()

	node, err := s.findNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNodeNotFound
		}
		return nil, err
	}
	if node.Status == model.NodeStatusDisabled {
		return nil, ErrNodeDisabled
	}

	result := &ReportResult{Rows: make([]RowResult, 0, len(reports))}
	var lastReportAt time.Time

	for _, report := range reports {
		report.Username = strings.TrimSpace(report.Username)

		if report.Username == "" {
			s.reject(result, report.Username, "empty username")
			continue
		}
		if report.Delta < 0 {
			s.reject(result, report.Username, "negative delta")
			continue
		}
		if report.Timestamp.IsZero() {
			report.Timestamp = time.Now().UTC()
		}
		if report.Timestamp.After(lastReportAt) {
			lastReportAt = report.Timestamp
		}

		outcome, err := s.chargeWithRetry(ctx, node, report)
		if err != nil {
			switch {
			case errors.Is(err, repository.ErrNotFound):
				s.logger.Warn("usage report for unknown user skipped",
					zap.String("node", node.Name),
					zap.String("username", report.Username),
				)
				result.Skipped++
				result.Rows = append(result.Rows, RowResult{Username: report.Username, Outcome: RowSkipped, Reason: "unknown user"})
				metrics.IncReportRow(RowSkipped)
			case errors.Is(err, ErrConflict):
				metrics.VersionConflictExhausted.Inc()
				s.reject(result, report.Username, "conflict, re-submit")
			default:
				return nil, fmt.Errorf("charge usage for %s: %w", report.Username, err)
			}
			continue
		}

		result.Accepted++
		result.Rows = append(result.Rows, RowResult{Username: report.Username, Outcome: RowAccepted})
		metrics.IncReportRow(RowAccepted)
		metrics.AddChargedBytes(outcome.Charged)

		s.online.MarkOnline(ctx, report.Username)
		s.publishOutcome(outcome)
	}

	if lastReportAt.IsZero() {
		lastReportAt = time.Now().UTC()
	}
	wasConnected := node.Status == model.NodeStatusConnected
	if err := s.markReported(ctx, node.ID, lastReportAt); err != nil {
		s.logger.Warn("update node report timestamp failed", zap.String("node", node.Name), zap.Error(err))
	} else if !wasConnected && s.eventBus != nil {
		s.eventBus.Publish(event.EventNodeConnected, event.NodePayload{
			NodeID:    node.ID.String(),
			Name:      node.Name,
			Timestamp: lastReportAt,
		})
	}

	return result, nil
}

func (s *IngestService) reject(result *ReportResult, username, reason string) {
	result.Rejected++
	result.Rows = append(result.Rows, RowResult{Username: username, Outcome: RowRejected, Reason: reason})
	metrics.IncReportRow(RowRejected)
}

func (s *IngestService) chargeWithRetry(ctx context.Context, node *model.Node, report UsageReport) (*chargeOutcome, error) {
	for attempt := 1; ; attempt++ {
		outcome, err := s.chargeOnce(ctx, node, report)
		if err == nil {
			return outcome, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}
		metrics.VersionConflicts.Inc()
		if attempt >= maxChargeAttempts {
			return nil, ErrConflict
		}
	}
}

func (s *IngestService) findNode(ctx context.Context, id uuid.UUID) (*model.Node, error) {
	if s.findNodeFn != nil {
		return s.findNodeFn(ctx, id)
	}
	return s.nodeRepo.FindByID(ctx, id)
}

func (s *IngestService) markReported(ctx context.Context, id uuid.UUID, reportedAt time.Time) error {
	if s.markReportedFn != nil {
		return s.markReportedFn(ctx, id, reportedAt)
	}
	return s.nodeRepo.MarkReported(ctx, id, reportedAt)
}

func (s *IngestService) chargeOnce(ctx context.Context, node *model.Node, report UsageReport) (*chargeOutcome, error) {
	if s.chargeOnceFn != nil {
		return s.chargeOnceFn(ctx, node, report)
	}
	return s.chargeOnceTx(ctx, node, report)
}

// chargeOnceTx is one attempt at the per-report transaction. The user row
// is read without a lock; the guarded version check on the update detects
// any concurrent writer and maps to ErrVersionConflict for the retry loop.
func (s *IngestService) chargeOnceTx(ctx context.Context, node *model.Node, report UsageReport) (*chargeOutcome, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	user, err := findUserForUpdate(ctx, tx, report.Username)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	charged := node.EffectiveDelta(report.Delta)
	eval := s.engine.ApplyDelta(user, charged, now)

	seenAt := report.Timestamp.UTC()
	if user.OnlineAt == nil || seenAt.After(*user.OnlineAt) {
		user.OnlineAt = &seenAt
	}

	if err := updateUserGuarded(ctx, tx, user); err != nil {
		return nil, err
	}

	outcome := &chargeOutcome{User: user, Charged: charged, Eval: eval, ResetAt: now}

	if eval.PlanActivated {
		if err := insertResetLog(ctx, tx, user.ID, eval.UsedAtActivation, now); err != nil {
			return nil, err
		}
	}

	bucket := model.HourBucket(report.Timestamp)
	if _, err := tx.Exec(
		ctx,
		`INSERT INTO node_user_usages (node_id, user_id, bucket, used_traffic)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (node_id, user_id, bucket)
		 DO UPDATE SET used_traffic = node_user_usages.used_traffic + EXCLUDED.used_traffic`,
		node.ID,
		user.ID,
		bucket,
		charged,
	); err != nil {
		return nil, err
	}

	adminID, err := s.resolveOwningAdmin(ctx, user)
	if err != nil {
		return nil, err
	}

	var adminUsed, adminLimit int64
	var adminUsername string
	var disabledReason *string
	err = tx.QueryRow(
		ctx,
		`UPDATE admins
		 SET used_traffic = used_traffic + $2,
			 updated_at = NOW()
		 WHERE id = $1
		 RETURNING used_traffic, data_limit, username, disabled_reason`,
		adminID,
		charged,
	).Scan(&adminUsed, &adminLimit, &adminUsername, &disabledReason)
	if err != nil {
		return nil, fmt.Errorf("charge owning admin: %w", err)
	}

	if adminLimit > 0 && adminUsed >= adminLimit && disabledReason == nil {
		reason := model.DisabledReasonDataLimit
		if _, err := tx.Exec(
			ctx,
			`UPDATE admins SET disabled_reason = $2, updated_at = NOW() WHERE id = $1`,
			adminID,
			reason,
		); err != nil {
			return nil, err
		}
		outcome.AdminExhausted = &event.AdminExhaustedPayload{
			AdminID:     adminID.String(),
			Username:    adminUsername,
			UsedTraffic: adminUsed,
			DataLimit:   adminLimit,
		}
	}

	if _, err := tx.Exec(
		ctx,
		`INSERT INTO admin_usage_logs (admin_id, bucket, used_traffic)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (admin_id, bucket)
		 DO UPDATE SET used_traffic = admin_usage_logs.used_traffic + EXCLUDED.used_traffic`,
		adminID,
		bucket,
		charged,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return outcome, nil
}

// resolveOwningAdmin charges admin-less users to the master admin. The
// lookup is memoized on success only; a failure (canceled context, db
// hiccup) is retried on the next charge instead of poisoning the cache.
func (s *IngestService) resolveOwningAdmin(ctx context.Context, user *model.User) (uuid.UUID, error) {
	if user.AdminID != nil {
		return *user.AdminID, nil
	}

	s.masterMu.Lock()
	defer s.masterMu.Unlock()

	if s.masterAdminID != uuid.Nil {
		return s.masterAdminID, nil
	}

	id, err := s.lookupMasterAdmin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve master admin: %w", err)
	}
	s.masterAdminID = id
	return id, nil
}

func (s *IngestService) lookupMasterAdmin(ctx context.Context) (uuid.UUID, error) {
	if s.masterLookupFn != nil {
		return s.masterLookupFn(ctx)
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM admins WHERE username = $1`, model.MasterAdminUsername).Scan(&id)
	return id, err
}

func (s *IngestService) publishOutcome(outcome *chargeOutcome) {
	if s.eventBus == nil || outcome == nil {
		return
	}

	user := outcome.User
	if t := outcome.Eval.Transition; t != nil {
		metrics.IncStatusTransition(string(t.From), string(t.To))
		s.eventBus.Publish(event.EventUserStatusChanged, event.StatusChangedPayload{
			UserID:    user.ID.String(),
			Username:  user.Username,
			OldStatus: string(t.From),
			NewStatus: string(t.To),
			Reason:    t.Reason,
		})
	}
	if outcome.Eval.PlanActivated {
		s.eventBus.Publish(event.EventUserUsageReset, event.UsageResetPayload{
			UserID:             user.ID.String(),
			Username:           user.Username,
			UsedTrafficAtReset: outcome.Eval.UsedAtActivation,
			ResetAt:            outcome.ResetAt,
		})
	}
	for _, threshold := range outcome.Eval.ThresholdsCrossed {
		s.eventBus.Publish(event.EventUserUsagePercent, event.UsagePercentPayload{
			UserID:      user.ID.String(),
			Username:    user.Username,
			UsedTraffic: user.UsedTraffic,
			DataLimit:   user.DataLimit,
			Percent:     user.UsagePercent(),
			Threshold:   threshold,
		})
	}
	if outcome.AdminExhausted != nil {
		s.eventBus.Publish(event.EventAdminUsageExhausted, *outcome.AdminExhausted)
	}
}

// findUserForUpdate loads the user row inside tx; pgx.ErrNoRows maps to the
// repository sentinel so callers treat unknown users uniformly.
func findUserForUpdate(ctx context.Context, tx pgx.Tx, username string) (*model.User, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, username, admin_id, service_id, status,
			used_traffic, lifetime_used_traffic, data_limit, data_limit_reset_strategy,
			expire_at, on_hold_expire_duration, on_hold_timeout,
			credential_key, note, sub_updated_at, online_at, last_status_change,
			next_plan, version, created_at, updated_at, deleted_at
		FROM users WHERE username = $1 AND deleted_at IS NULL`, username)

	user := &model.User{}
	err := row.Scan(
		&user.ID, &user.Username, &user.AdminID, &user.ServiceID, &user.Status,
		&user.UsedTraffic, &user.LifetimeUsedTraffic, &user.DataLimit, &user.DataLimitResetStrategy,
		&user.ExpireAt, &user.OnHoldExpireDuration, &user.OnHoldTimeout,
		&user.CredentialKey, &user.Note, &user.SubUpdatedAt, &user.OnlineAt, &user.LastStatusChange,
		&user.NextPlan, &user.Version, &user.CreatedAt, &user.UpdatedAt, &user.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// updateUserGuarded writes the mutable columns under the version read at
// load time. Zero rows affected means another writer advanced the row.
func updateUserGuarded(ctx context.Context, tx pgx.Tx, user *model.User) error {
	tag, err := tx.Exec(
		ctx,
		`UPDATE users
		 SET status = $3,
			 used_traffic = $4,
			 lifetime_used_traffic = $5,
			 data_limit = $6,
			 expire_at = $7,
			 on_hold_timeout = $8,
			 online_at = $9,
			 last_status_change = $10,
			 next_plan = $11,
			 version = version + 1,
			 updated_at = NOW()
		 WHERE id = $1 AND version = $2`,
		user.ID,
		user.Version,
		user.Status,
		user.UsedTraffic,
		user.LifetimeUsedTraffic,
		user.DataLimit,
		user.ExpireAt,
		user.OnHoldTimeout,
		user.OnlineAt,
		user.LastStatusChange,
		user.NextPlan,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrVersionConflict
	}
	user.Version++
	return nil
}

func insertResetLog(ctx context.Context, tx pgx.Tx, userID uuid.UUID, usedAtReset int64, resetAt time.Time) error {
	_, err := tx.Exec(
		ctx,
		`INSERT INTO user_usage_reset_logs (id, user_id, used_traffic_at_reset, reset_at)
		 VALUES ($1, $2, $3, $4)`,
		uuid.New(),
		userID,
		usedAtReset,
		resetAt,
	)
	return err
}
