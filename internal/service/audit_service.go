package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

type AuditEntry struct {
	Actor      *string                `json:"actor,omitempty"`
	Action     string                 `json:"action"`
	EntityType *string                `json:"entity_type,omitempty"`
	EntityID   *string                `json:"entity_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	IPAddress  *string                `json:"ip_address,omitempty"`
}

// AuditService records and queries the mutation trail. Recording failures
// are logged, never surfaced: an audit miss must not fail the operation it
// describes.
type AuditService struct {
	auditRepo repository.AuditRepository
	logger    *zap.Logger
}

func NewAuditService(auditRepo repository.AuditRepository, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{auditRepo: auditRepo, logger: logger}
}

func (s *AuditService) Record(ctx context.Context, entry AuditEntry) {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return
	}

	err := s.auditRepo.Create(ctx, &model.AuditLog{
		Actor:      trimPtr(entry.Actor),
		Action:     action,
		EntityType: trimPtr(entry.EntityType),
		EntityID:   trimPtr(entry.EntityID),
		Details:    entry.Details,
		IPAddress:  trimPtr(entry.IPAddress),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *AuditService) List(ctx context.Context, filter repository.AuditListFilter) ([]*model.AuditLog, int64, error) {
	entries, err := s.auditRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.auditRepo.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
