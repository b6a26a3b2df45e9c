package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

type CreateAdminRequest struct {
	Username       string          `json:"username"`
	Password       string          `json:"password"`
	Role           model.AdminRole `json:"role"`
	DataLimit      int64           `json:"data_limit"`
	UsersLimit     int64           `json:"users_limit"`
	TelegramChatID *int64          `json:"telegram_chat_id,omitempty"`
}

type UpdateAdminRequest struct {
	Password       *string `json:"password,omitempty"`
	DataLimit      *int64  `json:"data_limit,omitempty"`
	UsersLimit     *int64  `json:"users_limit,omitempty"`
	TelegramChatID *int64  `json:"telegram_chat_id,omitempty"`
}

// AdminService manages tenant admins: creation, limit edits, usage resets
// and removal. The master admin row cannot be deleted or demoted.
type AdminService struct {
	adminRepo repository.AdminRepository
	userRepo  repository.UserRepository
	logger    *zap.Logger
}

func NewAdminService(adminRepo repository.AdminRepository, userRepo repository.UserRepository, logger *zap.Logger) *AdminService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminService{
		adminRepo: adminRepo,
		userRepo:  userRepo,
		logger:    logger,
	}
}

func (s *AdminService) Create(ctx context.Context, req CreateAdminRequest) (*model.Admin, error) {
	req.Username = strings.TrimSpace(req.Username)
	if !usernameRe.MatchString(req.Username) || len(req.Password) < 8 {
		return nil, ErrValidation
	}
	if req.DataLimit < 0 || req.UsersLimit < 0 {
		return nil, ErrValidation
	}
	if req.Role == "" {
		req.Role = model.AdminRoleAdmin
	}
	if req.Role != model.AdminRoleAdmin && req.Role != model.AdminRoleSudo {
		return nil, ErrValidation
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	admin := &model.Admin{
		ID:             uuid.New(),
		Username:       req.Username,
		PasswordHash:   hash,
		Role:           req.Role,
		DataLimit:      req.DataLimit,
		UsersLimit:     req.UsersLimit,
		TelegramChatID: req.TelegramChatID,
	}
	if err := s.adminRepo.Create(ctx, admin); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateName
		}
		return nil, err
	}

	s.logger.Info("admin created", zap.String("username", admin.Username), zap.String("role", string(admin.Role)))
	return admin, nil
}

func (s *AdminService) Get(ctx context.Context, username string) (*model.Admin, error) {
	admin, err := s.adminRepo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAdminNotFound
		}
		return nil, err
	}
	return admin, nil
}

func (s *AdminService) List(ctx context.Context, filter repository.AdminListFilter) ([]*model.Admin, int64, error) {
	admins, err := s.adminRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.adminRepo.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return admins, total, nil
}

// Update edits limits and credentials. Raising an exhausted admin's data
// limit above its usage clears the exhaustion flag, so grants resume.
func (s *AdminService) Update(ctx context.Context, username string, req UpdateAdminRequest) (*model.Admin, error) {
	admin, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if req.DataLimit != nil && *req.DataLimit < 0 {
		return nil, ErrValidation
	}
	if req.UsersLimit != nil && *req.UsersLimit < 0 {
		return nil, ErrValidation
	}

	if req.Password != nil {
		if len(*req.Password) < 8 {
			return nil, ErrValidation
		}
		hash, err := HashPassword(*req.Password)
		if err != nil {
			return nil, err
		}
		if err := s.adminRepo.UpdatePassword(ctx, admin.ID, hash); err != nil {
			return nil, err
		}
		admin.PasswordHash = hash
	}

	if req.DataLimit != nil {
		admin.DataLimit = *req.DataLimit
	}
	if req.UsersLimit != nil {
		admin.UsersLimit = *req.UsersLimit
	}
	if req.TelegramChatID != nil {
		admin.TelegramChatID = req.TelegramChatID
	}

	if admin.DisabledReason != nil && *admin.DisabledReason == model.DisabledReasonDataLimit && !admin.DataLimitReached() {
		admin.DisabledReason = nil
		if err := s.adminRepo.SetDisabledReason(ctx, admin.ID, nil); err != nil {
			return nil, err
		}
	}

	if err := s.adminRepo.Update(ctx, admin); err != nil {
		return nil, err
	}
	return admin, nil
}

// ResetUsage zeroes the admin's aggregate counter and clears the
// exhaustion flag. Per-user counters are untouched.
func (s *AdminService) ResetUsage(ctx context.Context, username string) (*model.Admin, error) {
	admin, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := s.adminRepo.ResetUsedTraffic(ctx, admin.ID); err != nil {
		return nil, err
	}
	if admin.DisabledReason != nil && *admin.DisabledReason == model.DisabledReasonDataLimit {
		if err := s.adminRepo.SetDisabledReason(ctx, admin.ID, nil); err != nil {
			return nil, err
		}
		admin.DisabledReason = nil
	}
	admin.UsedTraffic = 0

	s.logger.Info("admin usage reset", zap.String("username", admin.Username))
	return admin, nil
}

// Overview summarizes the admin's tenancy from running counters: users by
// status plus the aggregate allowance. Never scans the usage ledger.
func (s *AdminService) Overview(ctx context.Context, username string) (*AdminOverview, error) {
	admin, err := s.Get(ctx, username)
	if err != nil {
		return nil, err
	}

	overview := &AdminOverview{
		Admin:         admin,
		UsersByStatus: make(map[model.UserStatus]int64, 5),
	}
	for _, status := range []model.UserStatus{
		model.UserStatusActive, model.UserStatusOnHold, model.UserStatusLimited,
		model.UserStatusExpired, model.UserStatusDisabled,
	} {
		st := status
		count, err := s.userRepo.Count(ctx, repository.UserListFilter{AdminID: &admin.ID, Status: &st})
		if err != nil {
			return nil, err
		}
		overview.UsersByStatus[status] = count
		overview.TotalUsers += count
	}
	return overview, nil
}

type AdminOverview struct {
	Admin         *model.Admin               `json:"admin"`
	TotalUsers    int64                      `json:"total_users"`
	UsersByStatus map[model.UserStatus]int64 `json:"users_by_status"`
}

// Delete removes the admin. Its users survive with admin_id cleared and
// fall back to the master admin for future charging.
func (s *AdminService) Delete(ctx context.Context, username string) error {
	if username == model.MasterAdminUsername {
		return ErrValidation
	}
	admin, err := s.Get(ctx, username)
	if err != nil {
		return err
	}
	if err := s.adminRepo.Delete(ctx, admin.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAdminNotFound
		}
		return err
	}
	s.logger.Info("admin deleted", zap.String("username", username))
	return nil
}
