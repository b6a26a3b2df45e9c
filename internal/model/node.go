package model

import (
	"time"

	"github.com/google/uuid"
)

type NodeStatus string

const (
	NodeStatusConnected  NodeStatus = "connected"
	NodeStatusConnecting NodeStatus = "connecting"
	NodeStatusError      NodeStatus = "error"
	NodeStatusDisabled   NodeStatus = "disabled"
)

// MasterNodeName is the singleton row representing the local server.
const MasterNodeName = "Master"

type Node struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	Name             string     `db:"name" json:"name"`
	Address          string     `db:"address" json:"address"`
	Port             int        `db:"port" json:"port"`
	Status           NodeStatus `db:"status" json:"status"`
	UsageCoefficient float64    `db:"usage_coefficient" json:"usage_coefficient"`
	APITokenHash     *string    `db:"api_token_hash" json:"-"`
	CoreVersion      *string    `db:"core_version" json:"core_version,omitempty"`
	Message          *string    `db:"message" json:"message,omitempty"`
	LastReportAt     *time.Time `db:"last_report_at" json:"last_report_at,omitempty"`
	LastStatusChange time.Time  `db:"last_status_change" json:"last_status_change"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// EffectiveDelta weights a reported byte delta by the node's usage
// coefficient, rounding to the nearest byte.
func (n *Node) EffectiveDelta(delta int64) int64 {
	if n.UsageCoefficient == 1.0 || n.UsageCoefficient <= 0 {
		return delta
	}
	return int64(float64(delta)*n.UsageCoefficient + 0.5)
}
