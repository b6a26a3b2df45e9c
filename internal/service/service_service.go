package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
)

type CreateServiceRequest struct {
	Name     string      `json:"name"`
	AdminIDs []uuid.UUID `json:"admin_ids,omitempty"`
}

type UpdateServiceRequest struct {
	Name     *string      `json:"name,omitempty"`
	AdminIDs *[]uuid.UUID `json:"admin_ids,omitempty"`
}

type CreateHostRequest struct {
	Remark   string             `json:"remark"`
	Address  string             `json:"address"`
	Port     *int               `json:"port,omitempty"`
	SNI      *string            `json:"sni,omitempty"`
	Host     *string            `json:"host,omitempty"`
	Security model.HostSecurity `json:"security"`
	Priority int                `json:"priority"`
}

// ServiceService manages the service catalog and its hosts. Deleting a
// service requires a disposition for its users: remove them or transfer
// them to another service.
type ServiceService struct {
	pool        *pgxpool.Pool
	serviceRepo repository.ServiceRepository
	logger      *zap.Logger
}

func NewServiceService(pool *pgxpool.Pool, serviceRepo repository.ServiceRepository, logger *zap.Logger) *ServiceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServiceService{
		pool:        pool,
		serviceRepo: serviceRepo,
		logger:      logger,
	}
}

func (s *ServiceService) Create(ctx context.Context, req CreateServiceRequest) (*model.Service, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, ErrValidation
	}

	svc := &model.Service{ID: uuid.New(), Name: req.Name, AdminIDs: req.AdminIDs}
	if err := s.serviceRepo.Create(ctx, svc); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateName
		}
		return nil, err
	}
	if len(req.AdminIDs) > 0 {
		if err := s.serviceRepo.SetAdmins(ctx, svc.ID, req.AdminIDs); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func (s *ServiceService) Get(ctx context.Context, id uuid.UUID) (*model.Service, error) {
	svc, err := s.serviceRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return svc, nil
}

func (s *ServiceService) List(ctx context.Context, page repository.Pagination) ([]*model.Service, int64, error) {
	services, err := s.serviceRepo.List(ctx, page)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.serviceRepo.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return services, total, nil
}

func (s *ServiceService) Update(ctx context.Context, id uuid.UUID, req UpdateServiceRequest) (*model.Service, error) {
	svc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, ErrValidation
		}
		svc.Name = name
		if err := s.serviceRepo.Update(ctx, svc); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return nil, ErrDuplicateName
			}
			return nil, err
		}
	}
	if req.AdminIDs != nil {
		if err := s.serviceRepo.SetAdmins(ctx, svc.ID, *req.AdminIDs); err != nil {
			return nil, err
		}
		svc.AdminIDs = *req.AdminIDs
	}
	return svc, nil
}

// Delete removes the service after disposing of its users in the same
// transaction: remove_users soft-deletes them, transfer_users moves them
// to the given target service.
func (s *ServiceService) Delete(ctx context.Context, id uuid.UUID, disposition model.ServiceDeleteDisposition, transferTo *uuid.UUID) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	switch disposition {
	case model.ServiceDeleteRemoveUsers:
		_, err = tx.Exec(ctx, `
			UPDATE users
			SET status = 'deleted',
				deleted_at = NOW(),
				last_status_change = NOW(),
				version = version + 1,
				updated_at = NOW()
			WHERE service_id = $1 AND deleted_at IS NULL`, id)
		if err != nil {
			return err
		}
	case model.ServiceDeleteTransferUsers:
		if transferTo == nil || *transferTo == id {
			return ErrValidation
		}
		if _, err := s.Get(ctx, *transferTo); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE users
			SET service_id = $2,
				version = version + 1,
				updated_at = NOW()
			WHERE service_id = $1 AND deleted_at IS NULL`, id, *transferTo)
		if err != nil {
			return err
		}
	default:
		return ErrValidation
	}

	if _, err := tx.Exec(ctx, `DELETE FROM services WHERE id = $1`, id); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.logger.Info("service deleted", zap.String("service_id", id.String()), zap.String("disposition", string(disposition)))
	return nil
}

func (s *ServiceService) ListHosts(ctx context.Context, serviceID uuid.UUID) ([]*model.Host, error) {
	if _, err := s.Get(ctx, serviceID); err != nil {
		return nil, err
	}
	return s.serviceRepo.ListHosts(ctx, serviceID)
}

func (s *ServiceService) CreateHost(ctx context.Context, serviceID uuid.UUID, req CreateHostRequest) (*model.Host, error) {
	if _, err := s.Get(ctx, serviceID); err != nil {
		return nil, err
	}
	host, err := buildHost(serviceID, req)
	if err != nil {
		return nil, err
	}
	if err := s.serviceRepo.CreateHost(ctx, host); err != nil {
		return nil, err
	}
	return host, nil
}

func (s *ServiceService) UpdateHost(ctx context.Context, hostID uuid.UUID, req CreateHostRequest) (*model.Host, error) {
	host, err := s.serviceRepo.FindHost(ctx, hostID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}

	updated, err := buildHost(host.ServiceID, req)
	if err != nil {
		return nil, err
	}
	updated.ID = host.ID
	updated.CreatedAt = host.CreatedAt
	if err := s.serviceRepo.UpdateHost(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *ServiceService) DeleteHost(ctx context.Context, hostID uuid.UUID) error {
	err := s.serviceRepo.DeleteHost(ctx, hostID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrServiceNotFound
	}
	return err
}

func buildHost(serviceID uuid.UUID, req CreateHostRequest) (*model.Host, error) {
	req.Remark = strings.TrimSpace(req.Remark)
	req.Address = strings.TrimSpace(req.Address)
	if req.Remark == "" || req.Address == "" {
		return nil, ErrValidation
	}
	if req.Port != nil && (*req.Port <= 0 || *req.Port > 65535) {
		return nil, ErrValidation
	}
	if req.Security == "" {
		req.Security = model.HostSecurityInboundDefault
	}
	switch req.Security {
	case model.HostSecurityInboundDefault, model.HostSecurityTLS, model.HostSecurityNone:
	default:
		return nil, ErrValidation
	}

	return &model.Host{
		ID:        uuid.New(),
		ServiceID: serviceID,
		Remark:    req.Remark,
		Address:   req.Address,
		Port:      req.Port,
		SNI:       req.SNI,
		Host:      req.Host,
		Security:  req.Security,
		Priority:  req.Priority,
	}, nil
}
