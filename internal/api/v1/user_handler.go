package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"meridian-panel/internal/api/middleware"
	"meridian-panel/internal/api/response"
	inputsanitize "meridian-panel/internal/api/sanitize"
	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
	"meridian-panel/internal/service"
)

type UserHandler struct {
	userService  *service.UserService
	statsService *service.StatsService
}

func NewUserHandler(userService *service.UserService, statsService *service.StatsService) *UserHandler {
	return &UserHandler{
		userService:  userService,
		statsService: statsService,
	}
}

func RegisterUserRoutes(group *gin.RouterGroup, userService *service.UserService, statsService *service.StatsService) {
	handler := NewUserHandler(userService, statsService)

	users := group.Group("/users")
	users.GET("", handler.List)
	users.POST("", middleware.AuditLog("user.create", "user"), handler.Create)
	users.GET("/:username", handler.Get)
	users.PUT("/:username", middleware.AuditLog("user.update", "user"), handler.Update)
	users.DELETE("/:username", middleware.AuditLog("user.delete", "user"), handler.Delete)
	users.POST("/:username/reset", middleware.AuditLog("user.reset_usage", "user"), handler.ResetUsage)
	users.POST("/:username/revoke", middleware.AuditLog("user.revoke", "user"), handler.Revoke)
	users.POST("/:username/enable", middleware.AuditLog("user.enable", "user"), handler.Enable)
	users.POST("/:username/disable", middleware.AuditLog("user.disable", "user"), handler.Disable)
	users.GET("/:username/usage", handler.Usage)
	users.GET("/:username/resets", handler.ResetLogs)
}

// List
// @Summary List users
// @Description Lists users visible to the caller; non-sudo admins only see
// @Description their own.
// @Tags users
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} response.Response
// @Router /api/v1/users [get]
func (h *UserHandler) List(c *gin.Context) {
	actor, ok := middleware.GetActor(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	page, pageSize, pagination := parsePagination(c)
	filter := repository.UserListFilter{Pagination: pagination}

	if raw := c.Query("status"); raw != "" {
		status := model.UserStatus(raw)
		filter.Status = &status
	}
	if raw := c.Query("service_id"); raw != "" {
		serviceID, err := uuid.Parse(raw)
		if err != nil {
			response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid service_id")
			return
		}
		filter.ServiceID = &serviceID
	}
	if raw := inputsanitize.Text(c.Query("search")); raw != "" {
		filter.Keyword = &raw
	}

	users, total, err := h.userService.List(c.Request.Context(), actor, filter)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Paginated(c, users, page, pageSize, total)
}

func (h *UserHandler) Create(c *gin.Context) {
	actor, ok := middleware.GetActor(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	var req service.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return
	}
	req.Note = inputsanitize.MarkdownPtr(req.Note)

	user, err := h.userService.Create(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, response.Response{
		Code:    response.CodeSuccess,
		Message: "success",
		Data:    user,
	})
}

func (h *UserHandler) Get(c *gin.Context) {
	_, user, ok := h.resolve(c)
	if !ok {
		return
	}
	response.Success(c, user)
}

func (h *UserHandler) Update(c *gin.Context) {
	actor, user, ok := h.resolve(c)
	if !ok {
		return
	}

	var req service.UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return
	}
	req.Note = inputsanitize.MarkdownPtr(req.Note)

	updated, err := h.userService.Update(c.Request.Context(), actor, user.ID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, updated)
}

func (h *UserHandler) Delete(c *gin.Context) {
	actor, user, ok := h.resolve(c)
	if !ok {
		return
	}
	if err := h.userService.Delete(c.Request.Context(), actor, user.ID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"username": user.Username})
}

func (h *UserHandler) ResetUsage(c *gin.Context) {
	actor, user, ok := h.resolve(c)
	if !ok {
		return
	}
	updated, err := h.userService.ResetUsage(c.Request.Context(), actor, user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, updated)
}

// Revoke rotates the credential key and regenerates every proxy derived
// from it.
func (h *UserHandler) Revoke(c *gin.Context) {
	actor, user, ok := h.resolve(c)
	if !ok {
		return
	}
	updated, err := h.userService.RevokeCredentials(c.Request.Context(), actor, user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, updated)
}

func (h *UserHandler) Enable(c *gin.Context) {
	h.setEnabled(c, true)
}

func (h *UserHandler) Disable(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *UserHandler) setEnabled(c *gin.Context, enabled bool) {
	actor, user, ok := h.resolve(c)
	if !ok {
		return
	}
	updated, err := h.userService.SetEnabled(c.Request.Context(), actor, user.ID, enabled)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, updated)
}

// Usage
// @Summary User usage series
// @Description Zero-filled usage series plus the lifetime total.
// @Tags users
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} response.Response
// @Router /api/v1/users/{username}/usage [get]
func (h *UserHandler) Usage(c *gin.Context) {
	_, user, ok := h.resolve(c)
	if !ok {
		return
	}

	start, end, granularity, ok := parseSeriesRange(c)
	if !ok {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid time range")
		return
	}

	series, err := h.statsService.UsageSeries(c.Request.Context(), service.ScopeUser, user.ID, start, end, granularity)
	if err != nil {
		response.Error(c, err)
		return
	}
	lifetime, err := h.statsService.LifetimeTotal(c.Request.Context(), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{
		"series":         collectSeries(series),
		"lifetime_total": lifetime,
		"used_traffic":   user.UsedTraffic,
	})
}

func (h *UserHandler) ResetLogs(c *gin.Context) {
	actor, user, ok := h.resolve(c)
	if !ok {
		return
	}

	page, pageSize, pagination := parsePagination(c)
	logs, err := h.userService.ResetLogs(c.Request.Context(), actor, user.ID, pagination)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Paginated(c, logs, page, pageSize, int64(len(logs)))
}

func (h *UserHandler) resolve(c *gin.Context) (*model.Admin, *model.User, bool) {
	actor, ok := middleware.GetActor(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return nil, nil, false
	}

	user, err := h.userService.GetByUsername(c.Request.Context(), actor, c.Param("username"))
	if err != nil {
		response.Error(c, err)
		return nil, nil, false
	}
	return actor, user, true
}
