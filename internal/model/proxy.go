package model

import (
	"time"

	"github.com/google/uuid"
)

type ProxyProtocol string

const (
	ProxyProtocolVMess       ProxyProtocol = "vmess"
	ProxyProtocolVLESS       ProxyProtocol = "vless"
	ProxyProtocolTrojan      ProxyProtocol = "trojan"
	ProxyProtocolShadowsocks ProxyProtocol = "shadowsocks"
)

func (p ProxyProtocol) Valid() bool {
	switch p {
	case ProxyProtocolVMess, ProxyProtocolVLESS, ProxyProtocolTrojan, ProxyProtocolShadowsocks:
		return true
	}
	return false
}

// Proxy holds the per-protocol credential material derived from the user's
// credential key. Settings shape depends on the protocol (id for vmess/vless,
// password for trojan/shadowsocks).
type Proxy struct {
	ID        uuid.UUID         `db:"id" json:"id"`
	UserID    uuid.UUID         `db:"user_id" json:"user_id"`
	Protocol  ProxyProtocol     `db:"protocol" json:"protocol"`
	Settings  map[string]string `db:"settings" json:"settings"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
}
