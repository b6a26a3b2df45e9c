package model

import (
	"time"

	"github.com/google/uuid"
)

// NodeUserUsage is one hour-bucket row of the append-only ingestion ledger.
// Rows accumulate additively and are never rewritten.
type NodeUserUsage struct {
	NodeID      uuid.UUID `db:"node_id" json:"node_id"`
	UserID      uuid.UUID `db:"user_id" json:"user_id"`
	Bucket      time.Time `db:"bucket" json:"bucket"`
	UsedTraffic int64     `db:"used_traffic" json:"used_traffic"`
}

// AdminUsageLog mirrors NodeUserUsage at admin granularity.
type AdminUsageLog struct {
	AdminID     uuid.UUID `db:"admin_id" json:"admin_id"`
	Bucket      time.Time `db:"bucket" json:"bucket"`
	UsedTraffic int64     `db:"used_traffic" json:"used_traffic"`
}

// UserUsageResetLog records the counter value each time it is zeroed, so
// historical totals survive resets.
type UserUsageResetLog struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	UserID             uuid.UUID `db:"user_id" json:"user_id"`
	UsedTrafficAtReset int64     `db:"used_traffic_at_reset" json:"used_traffic_at_reset"`
	ResetAt            time.Time `db:"reset_at" json:"reset_at"`
}

// HourBucket truncates a timestamp to the ledger's bucket boundary.
func HourBucket(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Hour)
}
