package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meridian-panel/internal/event"
	"meridian-panel/internal/metrics"
	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
	"meridian-panel/pkg/crypto"
)

// defaultStaleAfter is how long a connected node may stay silent before
// the staleness sweep flips it to error.
const defaultStaleAfter = 5 * time.Minute

type CreateNodeRequest struct {
	Name             string  `json:"name"`
	Address          string  `json:"address"`
	Port             int     `json:"port"`
	UsageCoefficient float64 `json:"usage_coefficient"`
}

type UpdateNodeRequest struct {
	Name             *string  `json:"name,omitempty"`
	Address          *string  `json:"address,omitempty"`
	Port             *int     `json:"port,omitempty"`
	UsageCoefficient *float64 `json:"usage_coefficient,omitempty"`
	Enabled          *bool    `json:"enabled,omitempty"`
}

type HeartbeatRequest struct {
	CoreVersion *string `json:"core_version,omitempty"`
	Message     *string `json:"message,omitempty"`
}

// NodeService manages the node fleet: registration with derived HMAC
// report tokens, heartbeats and the staleness sweep.
type NodeService struct {
	nodeRepo   repository.NodeRepository
	eventBus   *event.Bus
	logger     *zap.Logger
	hmacSecret string
	staleAfter time.Duration
}

func NewNodeService(nodeRepo repository.NodeRepository, eventBus *event.Bus, hmacSecret string, staleAfter time.Duration, logger *zap.Logger) *NodeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &NodeService{
		nodeRepo:   nodeRepo,
		eventBus:   eventBus,
		logger:     logger,
		hmacSecret: hmacSecret,
		staleAfter: staleAfter,
	}
}

// Create registers a node and returns it with the one-time-displayed
// report token.
func (s *NodeService) Create(ctx context.Context, req CreateNodeRequest) (*model.Node, string, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Address = strings.TrimSpace(req.Address)
	if req.Name == "" || req.Address == "" || req.Port <= 0 || req.Port > 65535 {
		return nil, "", ErrValidation
	}
	if req.UsageCoefficient < 0 {
		return nil, "", ErrValidation
	}
	if req.UsageCoefficient == 0 {
		req.UsageCoefficient = 1.0
	}

	node := &model.Node{
		ID:               uuid.New(),
		Name:             req.Name,
		Address:          req.Address,
		Port:             req.Port,
		Status:           model.NodeStatusConnecting,
		UsageCoefficient: req.UsageCoefficient,
	}
	token := crypto.GenerateNodeHMACToken(node.ID.String(), s.hmacSecret)

	if err := s.nodeRepo.Create(ctx, node); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, "", ErrDuplicateName
		}
		return nil, "", err
	}

	s.logger.Info("node created", zap.String("name", node.Name), zap.String("address", node.Address))
	return node, token, nil
}

func (s *NodeService) Get(ctx context.Context, id uuid.UUID) (*model.Node, error) {
	node, err := s.nodeRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNodeNotFound
		}
		return nil, err
	}
	return node, nil
}

func (s *NodeService) List(ctx context.Context, filter repository.NodeListFilter) ([]*model.Node, error) {
	return s.nodeRepo.List(ctx, filter)
}

func (s *NodeService) Update(ctx context.Context, id uuid.UUID, req UpdateNodeRequest) (*model.Node, error) {
	node, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, ErrValidation
		}
		node.Name = name
	}
	if req.Address != nil {
		addr := strings.TrimSpace(*req.Address)
		if addr == "" {
			return nil, ErrValidation
		}
		node.Address = addr
	}
	if req.Port != nil {
		if *req.Port <= 0 || *req.Port > 65535 {
			return nil, ErrValidation
		}
		node.Port = *req.Port
	}
	if req.UsageCoefficient != nil {
		if *req.UsageCoefficient <= 0 {
			return nil, ErrValidation
		}
		node.UsageCoefficient = *req.UsageCoefficient
	}
	if req.Enabled != nil {
		if *req.Enabled && node.Status == model.NodeStatusDisabled {
			node.Status = model.NodeStatusConnecting
		} else if !*req.Enabled {
			node.Status = model.NodeStatusDisabled
		}
	}

	if err := s.nodeRepo.Update(ctx, node); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateName
		}
		return nil, err
	}
	return node, nil
}

func (s *NodeService) Delete(ctx context.Context, id uuid.UUID) error {
	node, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if node.Name == model.MasterNodeName {
		return ErrValidation
	}
	return s.nodeRepo.Delete(ctx, id)
}

// VerifyToken authenticates a node's report credentials.
func (s *NodeService) VerifyToken(nodeID uuid.UUID, token string) bool {
	return crypto.VerifyNodeHMACToken(nodeID.String(), token, s.hmacSecret)
}

// Heartbeat records a node's liveness outside a usage batch: version and
// message update, silent nodes flip back to connected.
func (s *NodeService) Heartbeat(ctx context.Context, id uuid.UUID, req HeartbeatRequest) (*model.Node, error) {
	node, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if node.Status == model.NodeStatusDisabled {
		return nil, ErrNodeDisabled
	}

	now := time.Now().UTC()
	wasConnected := node.Status == model.NodeStatusConnected

	if req.CoreVersion != nil {
		node.CoreVersion = req.CoreVersion
	}
	node.Message = req.Message
	node.LastReportAt = &now
	node.Status = model.NodeStatusConnected
	if err := s.nodeRepo.Update(ctx, node); err != nil {
		return nil, err
	}

	if !wasConnected && s.eventBus != nil {
		s.eventBus.Publish(event.EventNodeConnected, event.NodePayload{
			NodeID:    node.ID.String(),
			Name:      node.Name,
			Timestamp: now,
		})
	}
	return node, nil
}

// CheckStale flips connected nodes that have been silent past the
// threshold to error status and reports how many were flipped.
func (s *NodeService) CheckStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	stale, err := s.nodeRepo.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	flipped := 0
	for _, node := range stale {
		msg := "no report since " + cutoff.Format(time.RFC3339)
		if err := s.nodeRepo.UpdateStatus(ctx, node.ID, model.NodeStatusError, &msg); err != nil {
			s.logger.Error("mark node stale failed", zap.String("node", node.Name), zap.Error(err))
			continue
		}
		flipped++
		s.logger.Warn("node went stale", zap.String("node", node.Name))
		if s.eventBus != nil {
			s.eventBus.Publish(event.EventNodeStale, event.NodePayload{
				NodeID:    node.ID.String(),
				Name:      node.Name,
				Timestamp: time.Now().UTC(),
			})
		}
	}

	s.refreshConnectedGauge(ctx)
	return flipped, nil
}

func (s *NodeService) refreshConnectedGauge(ctx context.Context) {
	status := model.NodeStatusConnected
	nodes, err := s.nodeRepo.List(ctx, repository.NodeListFilter{Status: &status})
	if err != nil {
		return
	}
	metrics.SetNodesConnected(int64(len(nodes)))
}
