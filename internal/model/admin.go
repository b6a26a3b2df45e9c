package model

import (
	"time"

	"github.com/google/uuid"
)

type AdminRole string

const (
	AdminRoleSudo  AdminRole = "sudo"
	AdminRoleAdmin AdminRole = "admin"
)

// MasterAdminUsername is the well-known admin created at initialization.
// Users without an explicit owner are charged against it.
const MasterAdminUsername = "master"

// DisabledReasonDataLimit marks an admin whose aggregate data allowance is
// exhausted; further user grants are rejected until the limit is raised.
const DisabledReasonDataLimit = "admin_data_limit_exhausted"

type Admin struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Username       string     `db:"username" json:"username"`
	PasswordHash   string     `db:"password_hash" json:"-"`
	Role           AdminRole  `db:"role" json:"role"`
	Permissions    []string   `db:"permissions" json:"permissions,omitempty"`
	DataLimit      int64      `db:"data_limit" json:"data_limit"`
	UsedTraffic    int64      `db:"used_traffic" json:"used_traffic"`
	UsersLimit     int64      `db:"users_limit" json:"users_limit"`
	DisabledReason *string    `db:"disabled_reason" json:"disabled_reason,omitempty"`
	TelegramChatID *int64     `db:"telegram_chat_id" json:"telegram_chat_id,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

func (a *Admin) IsSudo() bool {
	return a.Role == AdminRoleSudo
}

// DataLimitReached reports whether the admin's aggregate allowance is
// exhausted. A zero limit means unlimited.
func (a *Admin) DataLimitReached() bool {
	return a.DataLimit > 0 && a.UsedTraffic >= a.DataLimit
}
