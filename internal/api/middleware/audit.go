package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"meridian-panel/internal/service"
)

var (
	auditServiceMu sync.RWMutex
	auditService   *service.AuditService
)

func SetAuditService(svc *service.AuditService) {
	auditServiceMu.Lock()
	defer auditServiceMu.Unlock()
	auditService = svc
}

// AuditLog records a mutating operation after it succeeds. The request
// body is captured before the handler consumes it; recording happens off
// the request goroutine and never fails the response.
func AuditLog(action, entityType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc := getAuditService()
		if svc == nil {
			c.Next()
			return
		}

		var body []byte
		if c.Request != nil && c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
		}

		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}

		entry := service.AuditEntry{
			Action:     action,
			EntityType: strPtr(entityType),
			EntityID:   resolveEntityID(c),
			Details:    parseDetails(body),
			IPAddress:  strPtr(c.ClientIP()),
		}
		if actor, ok := GetActor(c); ok {
			entry.Actor = strPtr(actor.Username)
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			svc.Record(ctx, entry)
		}()
	}
}

func getAuditService() *service.AuditService {
	auditServiceMu.RLock()
	defer auditServiceMu.RUnlock()
	return auditService
}

func resolveEntityID(c *gin.Context) *string {
	if id := c.Param("username"); id != "" {
		return &id
	}
	if id := c.Param("id"); id != "" {
		return &id
	}
	return nil
}

func parseDetails(body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	for _, key := range []string{"password", "credential_key", "token"} {
		delete(payload, key)
	}
	return payload
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
