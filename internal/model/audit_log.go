package model

import (
	"time"
)

type AuditLog struct {
	ID         int64                  `db:"id" json:"id"`
	Actor      *string                `db:"actor" json:"actor,omitempty"`
	Action     string                 `db:"action" json:"action"`
	EntityType *string                `db:"entity_type" json:"entity_type,omitempty"`
	EntityID   *string                `db:"entity_id" json:"entity_id,omitempty"`
	Details    map[string]interface{} `db:"details" json:"details,omitempty"`
	IPAddress  *string                `db:"ip_address" json:"ip_address,omitempty"`
	CreatedAt  time.Time              `db:"created_at" json:"created_at"`
}
