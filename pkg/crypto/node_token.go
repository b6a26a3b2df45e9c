package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// GenerateNodeHMACToken derives the shared report token for a node from the
// panel secret. Nodes present it as X-Node-Token alongside X-Node-ID.
func GenerateNodeHMACToken(nodeID, secret string) string {
	cleanNodeID := strings.TrimSpace(nodeID)
	cleanSecret := strings.TrimSpace(secret)
	if cleanNodeID == "" || cleanSecret == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(cleanSecret))
	_, _ = mac.Write([]byte(cleanNodeID))
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifyNodeHMACToken(nodeID, token, secret string) bool {
	expected := GenerateNodeHMACToken(nodeID, secret)
	if expected == "" {
		return false
	}

	provided := strings.ToLower(strings.TrimSpace(token))
	if len(provided) != len(expected) {
		return false
	}

	return hmac.Equal([]byte(provided), []byte(expected))
}
