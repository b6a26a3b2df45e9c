package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"meridian-panel/internal/api/middleware"
	"meridian-panel/internal/api/response"
	inputsanitize "meridian-panel/internal/api/sanitize"
	"meridian-panel/internal/repository"
	"meridian-panel/internal/service"
)

type AdminHandler struct {
	adminService *service.AdminService
	statsService *service.StatsService
}

func NewAdminHandler(adminService *service.AdminService, statsService *service.StatsService) *AdminHandler {
	return &AdminHandler{
		adminService: adminService,
		statsService: statsService,
	}
}

func RegisterAdminRoutes(group *gin.RouterGroup, adminService *service.AdminService, statsService *service.StatsService) {
	handler := NewAdminHandler(adminService, statsService)

	admins := group.Group("/admins")
	sudo := admins.Group("", middleware.RequireSudo())
	sudo.GET("", handler.List)
	sudo.POST("", middleware.AuditLog("admin.create", "admin"), handler.Create)
	sudo.GET("/:username", handler.Get)
	sudo.PUT("/:username", middleware.AuditLog("admin.update", "admin"), handler.Update)
	sudo.DELETE("/:username", middleware.AuditLog("admin.delete", "admin"), handler.Delete)
	sudo.POST("/:username/reset-usage", middleware.AuditLog("admin.reset_usage", "admin"), handler.ResetUsage)

	// an admin may inspect its own consumption; everyone else's is sudo-only
	admins.GET("/:username/usage", handler.Usage)
}

func (h *AdminHandler) List(c *gin.Context) {
	page, pageSize, pagination := parsePagination(c)
	filter := repository.AdminListFilter{Pagination: pagination}
	if raw := inputsanitize.Text(c.Query("search")); raw != "" {
		filter.Keyword = &raw
	}

	admins, total, err := h.adminService.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Paginated(c, admins, page, pageSize, total)
}

func (h *AdminHandler) Create(c *gin.Context) {
	var req service.CreateAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return
	}
	req.Username = inputsanitize.Text(req.Username)

	admin, err := h.adminService.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, response.Response{
		Code:    response.CodeSuccess,
		Message: "success",
		Data:    admin,
	})
}

func (h *AdminHandler) Get(c *gin.Context) {
	overview, err := h.adminService.Overview(c.Request.Context(), c.Param("username"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, overview)
}

func (h *AdminHandler) Update(c *gin.Context) {
	var req service.UpdateAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return
	}

	admin, err := h.adminService.Update(c.Request.Context(), c.Param("username"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, admin)
}

func (h *AdminHandler) Delete(c *gin.Context) {
	username := c.Param("username")
	if err := h.adminService.Delete(c.Request.Context(), username); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"username": username})
}

// ResetUsage clears the aggregate counter; if the admin was suspended for
// exhaustion the flag lifts with it.
func (h *AdminHandler) ResetUsage(c *gin.Context) {
	admin, err := h.adminService.ResetUsage(c.Request.Context(), c.Param("username"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, admin)
}

func (h *AdminHandler) Usage(c *gin.Context) {
	actor, ok := middleware.GetActor(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	username := c.Param("username")
	if !actor.IsSudo() && actor.Username != username {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden, "forbidden")
		return
	}

	admin, err := h.adminService.Get(c.Request.Context(), username)
	if err != nil {
		response.Error(c, err)
		return
	}

	start, end, granularity, ok := parseSeriesRange(c)
	if !ok {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid time range")
		return
	}

	series, err := h.statsService.UsageSeries(c.Request.Context(), service.ScopeAdmin, admin.ID, start, end, granularity)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{
		"series":       collectSeries(series),
		"used_traffic": admin.UsedTraffic,
		"data_limit":   admin.DataLimit,
	})
}
