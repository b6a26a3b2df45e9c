package v1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"meridian-panel/internal/api/middleware"
	"meridian-panel/internal/api/response"
	"meridian-panel/internal/service"
	loggerpkg "meridian-panel/pkg/logger"
)

type SystemHandler struct {
	systemService *service.SystemService
	statsService  *service.StatsService
	sweepService  *service.SweepService
	logStore      *loggerpkg.SystemLogStore
}

func NewSystemHandler(
	systemService *service.SystemService,
	statsService *service.StatsService,
	sweepService *service.SweepService,
	logStore *loggerpkg.SystemLogStore,
) *SystemHandler {
	return &SystemHandler{
		systemService: systemService,
		statsService:  statsService,
		sweepService:  sweepService,
		logStore:      logStore,
	}
}

func RegisterSystemRoutes(
	group *gin.RouterGroup,
	systemService *service.SystemService,
	statsService *service.StatsService,
	sweepService *service.SweepService,
	logStore *loggerpkg.SystemLogStore,
) {
	handler := NewSystemHandler(systemService, statsService, sweepService, logStore)

	system := group.Group("/system")
	system.GET("/stats", handler.Stats)
	system.GET("/usage", handler.Usage)
	system.GET("/logs", middleware.RequireSudo(), handler.Logs)
	system.POST("/sweep", middleware.RequireSudo(), middleware.AuditLog("system.sweep", "system"), handler.Sweep)
}

// Stats
// @Summary System stats
// @Description Host metrics plus entity counts and online users.
// @Tags system
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} response.Response
// @Router /api/v1/system/stats [get]
func (h *SystemHandler) Stats(c *gin.Context) {
	stats, err := h.systemService.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, stats)
}

func (h *SystemHandler) Usage(c *gin.Context) {
	start, end, granularity, ok := parseSeriesRange(c)
	if !ok {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid time range")
		return
	}

	series, err := h.statsService.UsageSeries(c.Request.Context(), service.ScopeTotal, uuid.Nil, start, end, granularity)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"series": collectSeries(series)})
}

func (h *SystemHandler) Logs(c *gin.Context) {
	if h.logStore == nil {
		response.Success(c, []loggerpkg.SystemLogEntry{})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	entries := h.logStore.Recent(
		strings.TrimSpace(c.Query("level")),
		strings.TrimSpace(c.Query("keyword")),
		limit,
	)
	response.Success(c, entries)
}

// Sweep runs the full reset sweep on demand and reports per-pass counts.
func (h *SystemHandler) Sweep(c *gin.Context) {
	result, err := h.sweepService.RunResetSweep(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}
