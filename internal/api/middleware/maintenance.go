package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"meridian-panel/internal/api/response"
)

var maintenanceModeFlag atomic.Bool

func SetMaintenanceMode(enabled bool) {
	maintenanceModeFlag.Store(enabled)
}

func IsMaintenanceMode() bool {
	return maintenanceModeFlag.Load()
}

// MaintenanceMode rejects mutating requests while the flag is set; reads
// stay available, and sudo admins keep full access for recovery work.
func MaintenanceMode() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !maintenanceModeFlag.Load() {
			c.Next()
			return
		}
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}
		if actor, ok := GetActor(c); ok && actor.IsSudo() {
			c.Next()
			return
		}

		response.Fail(c, 503, response.ErrMaintenance, "system maintenance")
		c.Abort()
	}
}
