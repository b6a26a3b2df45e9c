package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"meridian-panel/internal/event"
	"meridian-panel/internal/metrics"
	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
	"meridian-panel/pkg/crypto"
)

const (
	ReasonAdminDisabled = "admin_disabled"
	ReasonAdminEnabled  = "admin_enabled"
)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,64}$`)

// CredentialSource supplies fresh credential key material for user
// creation and revocation. pkg/crypto provides the default.
type CredentialSource interface {
	NewCredentialKey() (string, error)
}

type CreateUserRequest struct {
	Username               string                `json:"username"`
	ServiceID              *uuid.UUID            `json:"service_id,omitempty"`
	DataLimit              int64                 `json:"data_limit"`
	DataLimitResetStrategy model.ResetStrategy   `json:"data_limit_reset_strategy"`
	ExpireAt               *time.Time            `json:"expire_at,omitempty"`
	OnHold                 bool                  `json:"on_hold"`
	OnHoldExpireDuration   int64                 `json:"on_hold_expire_duration"`
	OnHoldTimeout          *time.Time            `json:"on_hold_timeout,omitempty"`
	Note                   *string               `json:"note,omitempty"`
	NextPlan               *model.NextPlan       `json:"next_plan,omitempty"`
	Protocols              []model.ProxyProtocol `json:"protocols,omitempty"`
}

type UpdateUserRequest struct {
	ServiceID              *uuid.UUID           `json:"service_id,omitempty"`
	DataLimit              *int64               `json:"data_limit,omitempty"`
	DataLimitResetStrategy *model.ResetStrategy `json:"data_limit_reset_strategy,omitempty"`
	ExpireAt               *time.Time           `json:"expire_at,omitempty"`
	ClearExpireAt          bool                 `json:"clear_expire_at,omitempty"`
	Note                   *string              `json:"note,omitempty"`
	NextPlan               *model.NextPlan      `json:"next_plan,omitempty"`
	ClearNextPlan          bool                 `json:"clear_next_plan,omitempty"`
}

// UserService owns the user lifecycle: admission-gated creation, guarded
// edits that re-run the limit engine, resets, credential rotation and
// explicit enable/disable/delete. Non-sudo admins are scoped to their own
// users on every path.
type UserService struct {
	pool        *pgxpool.Pool
	userRepo    repository.UserRepository
	adminRepo   repository.AdminRepository
	serviceRepo repository.ServiceRepository
	proxyRepo   repository.ProxyRepository
	usageRepo   repository.UsageRepository
	engine      *LimitEngine
	eventBus    *event.Bus
	logger      *zap.Logger
	credentials CredentialSource
}

func NewUserService(
	pool *pgxpool.Pool,
	userRepo repository.UserRepository,
	adminRepo repository.AdminRepository,
	serviceRepo repository.ServiceRepository,
	proxyRepo repository.ProxyRepository,
	usageRepo repository.UsageRepository,
	engine *LimitEngine,
	eventBus *event.Bus,
	logger *zap.Logger,
) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = NewLimitEngine(nil)
	}
	return &UserService{
		pool:        pool,
		userRepo:    userRepo,
		adminRepo:   adminRepo,
		serviceRepo: serviceRepo,
		proxyRepo:   proxyRepo,
		usageRepo:   usageRepo,
		engine:      engine,
		eventBus:    eventBus,
		logger:      logger,
		credentials: crypto.KeyGenerator{},
	}
}

// Create admits a new user under the actor's aggregate limits: the actor's
// users_limit and, when its data allowance is exhausted, no further grants.
func (s *UserService) Create(ctx context.Context, actor *model.Admin, req CreateUserRequest) (*model.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	if !usernameRe.MatchString(req.Username) {
		return nil, ErrValidation
	}
	if req.DataLimit < 0 || req.OnHoldExpireDuration < 0 {
		return nil, ErrValidation
	}
	if req.DataLimitResetStrategy == "" {
		req.DataLimitResetStrategy = model.ResetStrategyNever
	}
	if !validResetStrategy(req.DataLimitResetStrategy) {
		return nil, ErrValidation
	}
	if req.OnHold && req.ExpireAt != nil {
		return nil, ErrValidation
	}

	if err := s.admitGrant(ctx, actor); err != nil {
		return nil, err
	}
	if actor.UsersLimit > 0 {
		owned, err := s.userRepo.CountOwned(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		if owned >= actor.UsersLimit {
			return nil, ErrUsersLimitReached
		}
	}
	if req.ServiceID != nil {
		if err := s.checkServiceAccess(ctx, actor, *req.ServiceID); err != nil {
			return nil, err
		}
	}

	key, err := s.credentials.NewCredentialKey()
	if err != nil {
		return nil, err
	}

	status := model.UserStatusActive
	if req.OnHold {
		status = model.UserStatusOnHold
	}
	if req.NextPlan != nil && req.NextPlan.DataLimit < 0 {
		return nil, ErrValidation
	}

	adminID := actor.ID
	user := &model.User{
		Username:               req.Username,
		AdminID:                &adminID,
		ServiceID:              req.ServiceID,
		Status:                 status,
		DataLimit:              req.DataLimit,
		DataLimitResetStrategy: req.DataLimitResetStrategy,
		ExpireAt:               req.ExpireAt,
		OnHoldExpireDuration:   req.OnHoldExpireDuration,
		OnHoldTimeout:          req.OnHoldTimeout,
		CredentialKey:          key,
		Note:                   req.Note,
		NextPlan:               req.NextPlan,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateName
		}
		return nil, err
	}

	protocols := req.Protocols
	if len(protocols) == 0 {
		protocols = []model.ProxyProtocol{model.ProxyProtocolVMess, model.ProxyProtocolVLESS}
	}
	proxies, err := buildProxies(user.ID, key, protocols)
	if err != nil {
		return nil, err
	}
	if err := s.proxyRepo.ReplaceForUser(ctx, user.ID, proxies); err != nil {
		return nil, err
	}

	if s.eventBus != nil {
		s.eventBus.Publish(event.EventUserCreated, event.UserPayload{
			UserID:   user.ID.String(),
			Username: user.Username,
		})
	}
	return user, nil
}

// Get returns the user if the actor may see it.
func (s *UserService) Get(ctx context.Context, actor *model.Admin, id uuid.UUID) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if !s.canAccess(actor, user) {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// GetByUsername resolves the HTTP-facing identifier; visibility rules
// match Get.
func (s *UserService) GetByUsername(ctx context.Context, actor *model.Admin, username string) (*model.User, error) {
	user, err := s.userRepo.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if !s.canAccess(actor, user) {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (s *UserService) List(ctx context.Context, actor *model.Admin, filter repository.UserListFilter) ([]*model.User, int64, error) {
	if !actor.IsSudo() {
		adminID := actor.ID
		filter.AdminID = &adminID
	}
	users, err := s.userRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.userRepo.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// Update edits the user's plan fields and re-runs the limit engine, so a
// raised limit or extended expiry reactivates a suspended user in the same
// write. Retried on version conflicts against concurrent ingestion.
func (s *UserService) Update(ctx context.Context, actor *model.Admin, id uuid.UUID, req UpdateUserRequest) (*model.User, error) {
	if req.DataLimit != nil && *req.DataLimit < 0 {
		return nil, ErrValidation
	}
	if req.DataLimitResetStrategy != nil && !validResetStrategy(*req.DataLimitResetStrategy) {
		return nil, ErrValidation
	}
	if req.ServiceID != nil {
		if err := s.checkServiceAccess(ctx, actor, *req.ServiceID); err != nil {
			return nil, err
		}
	}

	var result *model.User
	var eval Evaluation
	err := s.guardedUpdate(ctx, actor, id, func(user *model.User) error {
		raising := req.DataLimit != nil && (*req.DataLimit == 0 || *req.DataLimit > user.DataLimit)
		if raising {
			if err := s.admitGrant(ctx, actor); err != nil {
				return err
			}
		}

		if req.ServiceID != nil {
			user.ServiceID = req.ServiceID
		}
		if req.DataLimit != nil {
			user.DataLimit = *req.DataLimit
		}
		if req.DataLimitResetStrategy != nil {
			user.DataLimitResetStrategy = *req.DataLimitResetStrategy
		}
		if req.ClearExpireAt {
			user.ExpireAt = nil
		} else if req.ExpireAt != nil {
			user.ExpireAt = req.ExpireAt
		}
		if req.Note != nil {
			user.Note = req.Note
		}
		if req.ClearNextPlan {
			user.NextPlan = nil
		} else if req.NextPlan != nil {
			if req.NextPlan.DataLimit < 0 {
				return ErrValidation
			}
			user.NextPlan = req.NextPlan
		}

		eval = s.engine.Evaluate(user, time.Now().UTC())
		result = user
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishTransition(result, eval.Transition)
	if s.eventBus != nil {
		s.eventBus.Publish(event.EventUserModified, event.UserPayload{
			UserID:   result.ID.String(),
			Username: result.Username,
		})
	}
	return result, nil
}

// ResetUsage zeroes the user's counter, appending a reset-log entry in the
// same transaction. Gated on the actor's exhausted data allowance.
func (s *UserService) ResetUsage(ctx context.Context, actor *model.Admin, id uuid.UUID) (*model.User, error) {
	if err := s.admitGrant(ctx, actor); err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	user, err := lockUser(ctx, tx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if !s.canAccess(actor, user) {
		return nil, ErrUserNotFound
	}

	eval := s.engine.ResetUsage(user, now)
	if err := insertResetLog(ctx, tx, user.ID, eval.UsedAtActivation, now); err != nil {
		return nil, err
	}
	if err := writeLockedUser(ctx, tx, user); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.publishTransition(user, eval.Transition)
	if s.eventBus != nil {
		s.eventBus.Publish(event.EventUserUsageReset, event.UsageResetPayload{
			UserID:             user.ID.String(),
			Username:           user.Username,
			UsedTrafficAtReset: eval.UsedAtActivation,
			ResetAt:            now,
		})
	}
	return user, nil
}

// RevokeCredentials rotates the credential key and regenerates every
// per-protocol proxy credential derived from it.
func (s *UserService) RevokeCredentials(ctx context.Context, actor *model.Admin, id uuid.UUID) (*model.User, error) {
	key, err := s.credentials.NewCredentialKey()
	if err != nil {
		return nil, err
	}

	var result *model.User
	err = s.guardedUpdate(ctx, actor, id, func(user *model.User) error {
		user.CredentialKey = key
		now := time.Now().UTC()
		user.SubUpdatedAt = &now
		result = user
		return nil
	})
	if err != nil {
		return nil, err
	}

	existing, err := s.proxyRepo.ListByUser(ctx, id)
	if err != nil {
		return nil, err
	}
	protocols := make([]model.ProxyProtocol, 0, len(existing))
	for _, p := range existing {
		protocols = append(protocols, p.Protocol)
	}
	if len(protocols) == 0 {
		protocols = []model.ProxyProtocol{model.ProxyProtocolVMess, model.ProxyProtocolVLESS}
	}
	proxies, err := buildProxies(id, key, protocols)
	if err != nil {
		return nil, err
	}
	if err := s.proxyRepo.ReplaceForUser(ctx, id, proxies); err != nil {
		return nil, err
	}

	if s.eventBus != nil {
		s.eventBus.Publish(event.EventUserModified, event.UserPayload{
			UserID:   result.ID.String(),
			Username: result.Username,
		})
	}
	return result, nil
}

// SetEnabled flips between disabled and active. Disabling is terminal for
// the engine; enabling re-evaluates so a still-breached user lands in
// limited/expired rather than active.
func (s *UserService) SetEnabled(ctx context.Context, actor *model.Admin, id uuid.UUID, enabled bool) (*model.User, error) {
	var result *model.User
	var transitions []*StatusTransition
	err := s.guardedUpdate(ctx, actor, id, func(user *model.User) error {
		transitions = transitions[:0]
		now := time.Now().UTC()
		if enabled {
			if user.Status != model.UserStatusDisabled {
				return nil
			}
			from := user.Status
			user.Status = model.UserStatusActive
			user.LastStatusChange = now
			transitions = append(transitions, &StatusTransition{From: from, To: user.Status, Reason: ReasonAdminEnabled})
			eval := s.engine.Evaluate(user, now)
			if eval.Transition != nil {
				transitions = append(transitions, eval.Transition)
			}
		} else {
			if user.Status == model.UserStatusDisabled {
				return nil
			}
			from := user.Status
			user.Status = model.UserStatusDisabled
			user.LastStatusChange = now
			transitions = append(transitions, &StatusTransition{From: from, To: user.Status, Reason: ReasonAdminDisabled})
		}
		result = user
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, t := range transitions {
		s.publishTransition(result, t)
	}
	return result, nil
}

// Delete soft-deletes: the row survives for usage-log integrity and is
// purged later by the retention sweep.
func (s *UserService) Delete(ctx context.Context, actor *model.Admin, id uuid.UUID) error {
	user, err := s.Get(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := s.userRepo.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	metrics.IncStatusTransition(string(user.Status), string(model.UserStatusDeleted))
	if s.eventBus != nil {
		s.eventBus.Publish(event.EventUserDeleted, event.UserPayload{
			UserID:   user.ID.String(),
			Username: user.Username,
		})
	}
	return nil
}

// FirstConnect activates an on-hold user on their first proxy connection:
// the relative expiry starts counting from now. Idempotent for any other
// status.
func (s *UserService) FirstConnect(ctx context.Context, username string) (*model.User, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	user, err := findUserForUpdate(ctx, tx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if user.Status != model.UserStatusOnHold {
		return user, tx.Commit(ctx)
	}

	now := time.Now().UTC()
	eval := s.engine.StartOnHold(user, now)
	if err := updateUserGuarded(ctx, tx, user); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.publishTransition(user, eval.Transition)
	return user, nil
}

// ResetLogs lists the user's usage-reset history.
func (s *UserService) ResetLogs(ctx context.Context, actor *model.Admin, id uuid.UUID, page repository.Pagination) ([]*model.UserUsageResetLog, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.usageRepo.ListResetLogs(ctx, id, page)
}

// guardedUpdate runs mutate over a fresh read of the row and persists it
// under the version guard, retrying a bounded number of times when a
// concurrent writer wins.
func (s *UserService) guardedUpdate(ctx context.Context, actor *model.Admin, id uuid.UUID, mutate func(*model.User) error) error {
	for attempt := 1; ; attempt++ {
		user, err := s.userRepo.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if !s.canAccess(actor, user) {
			return ErrUserNotFound
		}
		if err := mutate(user); err != nil {
			return err
		}

		err = s.userRepo.Update(ctx, user)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		metrics.VersionConflicts.Inc()
		if attempt >= maxChargeAttempts {
			metrics.VersionConflictExhausted.Inc()
			return ErrConflict
		}
	}
}

// admitGrant rejects grants for an actor whose aggregate data allowance is
// exhausted. Sudo admins are never gated.
func (s *UserService) admitGrant(ctx context.Context, actor *model.Admin) error {
	if actor.IsSudo() {
		return nil
	}
	current, err := s.adminRepo.FindByID(ctx, actor.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAdminNotFound
		}
		return err
	}
	if current.DisabledReason != nil || current.DataLimitReached() {
		return ErrAdminDataLimit
	}
	return nil
}

func (s *UserService) checkServiceAccess(ctx context.Context, actor *model.Admin, serviceID uuid.UUID) error {
	if _, err := s.serviceRepo.FindByID(ctx, serviceID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrServiceNotFound
		}
		return err
	}
	if actor.IsSudo() {
		return nil
	}
	allowed, err := s.serviceRepo.AllowsAdmin(ctx, serviceID, actor.ID)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrServiceNotFound
	}
	return nil
}

func (s *UserService) canAccess(actor *model.Admin, user *model.User) bool {
	if actor == nil || actor.IsSudo() {
		return true
	}
	return user.AdminID != nil && *user.AdminID == actor.ID
}

func (s *UserService) publishTransition(user *model.User, t *StatusTransition) {
	if t == nil {
		return
	}
	metrics.IncStatusTransition(string(t.From), string(t.To))
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(event.EventUserStatusChanged, event.StatusChangedPayload{
		UserID:    user.ID.String(),
		Username:  user.Username,
		OldStatus: string(t.From),
		NewStatus: string(t.To),
		Reason:    t.Reason,
	})
}

func validResetStrategy(s model.ResetStrategy) bool {
	switch s {
	case model.ResetStrategyNever, model.ResetStrategyDaily, model.ResetStrategyWeekly,
		model.ResetStrategyMonthly, model.ResetStrategyYearly:
		return true
	}
	return false
}

// buildProxies derives per-protocol credentials from the key: a UUID for
// vmess/vless, a password for trojan/shadowsocks.
func buildProxies(userID uuid.UUID, credentialKey string, protocols []model.ProxyProtocol) ([]*model.Proxy, error) {
	proxies := make([]*model.Proxy, 0, len(protocols))
	seen := make(map[model.ProxyProtocol]struct{}, len(protocols))
	for _, protocol := range protocols {
		if !protocol.Valid() {
			return nil, ErrValidation
		}
		if _, dup := seen[protocol]; dup {
			continue
		}
		seen[protocol] = struct{}{}

		settings := map[string]string{}
		switch protocol {
		case model.ProxyProtocolVMess, model.ProxyProtocolVLESS:
			settings["id"] = crypto.DeriveProxyUUID(credentialKey, string(protocol)).String()
		case model.ProxyProtocolTrojan, model.ProxyProtocolShadowsocks:
			settings["password"] = crypto.DeriveProxyPassword(credentialKey, string(protocol))
		}
		proxies = append(proxies, &model.Proxy{
			ID:       uuid.New(),
			UserID:   userID,
			Protocol: protocol,
			Settings: settings,
		})
	}
	return proxies, nil
}
