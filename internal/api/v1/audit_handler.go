package v1

import (
	"time"

	"github.com/gin-gonic/gin"

	"meridian-panel/internal/api/middleware"
	"meridian-panel/internal/api/response"
	inputsanitize "meridian-panel/internal/api/sanitize"
	"meridian-panel/internal/repository"
	"meridian-panel/internal/service"
)

type AuditHandler struct {
	auditService *service.AuditService
}

func NewAuditHandler(auditService *service.AuditService) *AuditHandler {
	return &AuditHandler{auditService: auditService}
}

func RegisterAuditRoutes(group *gin.RouterGroup, auditService *service.AuditService) {
	handler := NewAuditHandler(auditService)
	group.GET("/audit-logs", middleware.RequireSudo(), handler.List)
}

func (h *AuditHandler) List(c *gin.Context) {
	page, pageSize, pagination := parsePagination(c)
	filter := repository.AuditListFilter{Pagination: pagination}

	if raw := inputsanitize.Text(c.Query("actor")); raw != "" {
		filter.Actor = &raw
	}
	if raw := inputsanitize.Text(c.Query("entity_type")); raw != "" {
		filter.EntityType = &raw
	}
	if raw := c.Query("start"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.StartTime = &parsed
		}
	}
	if raw := c.Query("end"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.EndTime = &parsed
		}
	}

	entries, total, err := h.auditService.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Paginated(c, entries, page, pageSize, total)
}
