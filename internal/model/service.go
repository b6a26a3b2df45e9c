package model

import (
	"time"

	"github.com/google/uuid"
)

// Service is a named group of hosts assignable to users, with an admin
// allowlist controlling which admins may place users on it.
type Service struct {
	ID        uuid.UUID   `db:"id" json:"id"`
	Name      string      `db:"name" json:"name"`
	AdminIDs  []uuid.UUID `db:"-" json:"admin_ids,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

type HostSecurity string

const (
	HostSecurityInboundDefault HostSecurity = "inbound_default"
	HostSecurityTLS            HostSecurity = "tls"
	HostSecurityNone           HostSecurity = "none"
)

type Host struct {
	ID        uuid.UUID    `db:"id" json:"id"`
	ServiceID uuid.UUID    `db:"service_id" json:"service_id"`
	Remark    string       `db:"remark" json:"remark"`
	Address   string       `db:"address" json:"address"`
	Port      *int         `db:"port" json:"port,omitempty"`
	SNI       *string      `db:"sni" json:"sni,omitempty"`
	Host      *string      `db:"host" json:"host,omitempty"`
	Security  HostSecurity `db:"security" json:"security"`
	Priority  int          `db:"priority" json:"priority"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt time.Time    `db:"updated_at" json:"updated_at"`
}

// ServiceDeleteDisposition declares what happens to a service's users when
// the service is removed.
type ServiceDeleteDisposition string

const (
	ServiceDeleteRemoveUsers   ServiceDeleteDisposition = "remove_users"
	ServiceDeleteTransferUsers ServiceDeleteDisposition = "transfer_users"
)
