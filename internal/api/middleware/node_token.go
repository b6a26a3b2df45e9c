package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"meridian-panel/internal/api/response"
)

const nodeIDContextKey = "node_id"

// NodeTokenVerifier checks a node's HMAC token with a constant-time
// compare.
type NodeTokenVerifier interface {
	VerifyToken(nodeID uuid.UUID, token string) bool
}

func NodeAuth(verifier NodeTokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawID := strings.TrimSpace(c.GetHeader("X-Node-ID"))
		token := strings.TrimSpace(c.GetHeader("X-Node-Token"))
		if rawID == "" || token == "" {
			response.Fail(c, 401, response.ErrUnauthorized, "unauthorized")
			c.Abort()
			return
		}

		nodeID, err := uuid.Parse(rawID)
		if err != nil || !verifier.VerifyToken(nodeID, token) {
			response.Fail(c, 401, response.ErrUnauthorized, "unauthorized")
			c.Abort()
			return
		}

		c.Set(nodeIDContextKey, nodeID)
		c.Next()
	}
}

func GetNodeID(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(nodeIDContextKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := val.(uuid.UUID)
	return id, ok
}
