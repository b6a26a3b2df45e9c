package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// KeyGenerator is the default credential source: random 16-byte hex keys.
type KeyGenerator struct{}

func (KeyGenerator) NewCredentialKey() (string, error) {
	return GenerateCredentialKey()
}

// GenerateCredentialKey returns fresh secret material for a user. Every
// per-protocol credential is derived from it, so rotating the key revokes
// all proxy flows at once.
func GenerateCredentialKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate credential key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// DeriveProxyUUID maps a credential key to the deterministic UUID used by
// vmess/vless inbounds. The same key always yields the same UUID, so node
// configs can be regenerated without storing derived values.
func DeriveProxyUUID(credentialKey, protocol string) uuid.UUID {
	sum := sha256.Sum256([]byte(credentialKey + ":" + protocol))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		return uuid.Nil
	}
	return id
}

// DeriveProxyPassword maps a credential key to the password used by
// trojan/shadowsocks inbounds.
func DeriveProxyPassword(credentialKey, protocol string) string {
	sum := sha256.Sum256([]byte(credentialKey + "|" + protocol))
	return base64.RawURLEncoding.EncodeToString(sum[:18])
}
