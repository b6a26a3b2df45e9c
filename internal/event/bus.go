package event

import (
	"strings"
	"sync"
	"time"
)

const (
	EventUserCreated         = "user.created"
	EventUserModified        = "user.modified"
	EventUserDeleted         = "user.deleted"
	EventUserStatusChanged   = "user.status_changed"
	EventUserUsageReset      = "user.usage_reset"
	EventUserUsagePercent    = "user.usage_percent_reached"
	EventAdminUsageExhausted = "admin.usage_exhausted"
	EventNodeConnected       = "node.connected"
	EventNodeStale           = "node.stale"
	EventSweepCompleted      = "sweep.completed"
)

type UserPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type StatusChangedPayload struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason,omitempty"`
}

type UsageResetPayload struct {
	UserID             string    `json:"user_id"`
	Username           string    `json:"username"`
	UsedTrafficAtReset int64     `json:"used_traffic_at_reset"`
	ResetAt            time.Time `json:"reset_at"`
}

type UsagePercentPayload struct {
	UserID      string  `json:"user_id"`
	Username    string  `json:"username"`
	UsedTraffic int64   `json:"used_traffic"`
	DataLimit   int64   `json:"data_limit"`
	Percent     float64 `json:"percent"`
	Threshold   int     `json:"threshold"`
}

type AdminExhaustedPayload struct {
	AdminID     string `json:"admin_id"`
	Username    string `json:"username"`
	UsedTraffic int64  `json:"used_traffic"`
	DataLimit   int64  `json:"data_limit"`
}

type NodePayload struct {
	NodeID    string    `json:"node_id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

type SweepCompletedPayload struct {
	ResetCount   int           `json:"reset_count"`
	ExpiredCount int           `json:"expired_count"`
	StartedCount int           `json:"started_count"`
	DeletedCount int           `json:"deleted_count"`
	Elapsed      time.Duration `json:"elapsed"`
}

type Bus struct {
	handlers sync.Map
	mu       sync.Mutex
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(event string, handler func(payload any)) {
	if b == nil || handler == nil {
		return
	}

	eventName := strings.TrimSpace(event)
	if eventName == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := make([]func(payload any), 0, 1)
	if current, ok := b.handlers.Load(eventName); ok {
		if casted, valid := current.([]func(payload any)); valid {
			handlers = append(handlers, casted...)
		}
	}
	handlers = append(handlers, handler)
	b.handlers.Store(eventName, handlers)
}

// Publish fans out to subscribers on their own goroutines so a slow
// handler never blocks ingestion.
func (b *Bus) Publish(event string, payload any) {
	if b == nil {
		return
	}

	eventName := strings.TrimSpace(event)
	if eventName == "" {
		return
	}

	current, ok := b.handlers.Load(eventName)
	if !ok {
		return
	}

	handlers, ok := current.([]func(payload any))
	if !ok || len(handlers) == 0 {
		return
	}

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		go handler(payload)
	}
}
