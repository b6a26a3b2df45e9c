package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"meridian-panel/internal/api/middleware"
	"meridian-panel/internal/api/response"
	inputsanitize "meridian-panel/internal/api/sanitize"
	"meridian-panel/internal/model"
	"meridian-panel/internal/service"
)

type ServiceHandler struct {
	serviceService *service.ServiceService
	statsService   *service.StatsService
}

type deleteServiceRequest struct {
	Disposition model.ServiceDeleteDisposition `json:"disposition" binding:"required"`
	TransferTo  *uuid.UUID                     `json:"transfer_to,omitempty"`
}

func NewServiceHandler(serviceService *service.ServiceService, statsService *service.StatsService) *ServiceHandler {
	return &ServiceHandler{
		serviceService: serviceService,
		statsService:   statsService,
	}
}

func RegisterServiceRoutes(group *gin.RouterGroup, serviceService *service.ServiceService, statsService *service.StatsService) {
	handler := NewServiceHandler(serviceService, statsService)

	services := group.Group("/services")
	services.GET("", handler.List)
	services.GET("/:id", handler.Get)
	services.GET("/:id/usage", handler.Usage)

	sudo := services.Group("", middleware.RequireSudo())
	sudo.POST("", middleware.AuditLog("service.create", "service"), handler.Create)
	sudo.PUT("/:id", middleware.AuditLog("service.update", "service"), handler.Update)
	sudo.DELETE("/:id", middleware.AuditLog("service.delete", "service"), handler.Delete)
	sudo.GET("/:id/hosts", handler.ListHosts)
	sudo.POST("/:id/hosts", middleware.AuditLog("host.create", "host"), handler.CreateHost)
	sudo.PUT("/:id/hosts/:host_id", middleware.AuditLog("host.update", "host"), handler.UpdateHost)
	sudo.DELETE("/:id/hosts/:host_id", middleware.AuditLog("host.delete", "host"), handler.DeleteHost)
}

func (h *ServiceHandler) List(c *gin.Context) {
	page, pageSize, pagination := parsePagination(c)
	services, total, err := h.serviceService.List(c.Request.Context(), pagination)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Paginated(c, services, page, pageSize, total)
}

func (h *ServiceHandler) Create(c *gin.Context) {
	var req service.CreateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return
	}
	req.Name = inputsanitize.Text(req.Name)

	svc, err := h.serviceService.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, response.Response{
		Code:    response.CodeSuccess,
		Message: "success",
		Data:    svc,
	})
}

func (h *ServiceHandler) Get(c *gin.Context) {
	id, ok := parseServiceID(c)
	if !ok {
		return
	}
	svc, err := h.serviceService.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, svc)
}

func (h *ServiceHandler) Update(c *gin.Context) {
	id, ok := parseServiceID(c)
	if !ok {
		return
	}

	var req service.UpdateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return
	}
	if req.Name != nil {
		req.Name = inputsanitize.TextPtr(req.Name)
	}

	svc, err := h.serviceService.Update(c.Request.Context(), id, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, svc)
}

// Delete removes the service after dispatching its users per the given
// disposition: soft-delete them or move them to another service.
func (h *ServiceHandler) Delete(c *gin.Context) {
	id, ok := parseServiceID(c)
	if !ok {
		return
	}

	var req deleteServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return
	}

	if err := h.serviceService.Delete(c.Request.Context(), id, req.Disposition, req.TransferTo); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"id": id})
}

func (h *ServiceHandler) Usage(c *gin.Context) {
	id, ok := parseServiceID(c)
	if !ok {
		return
	}

	start, end, granularity, ok := parseSeriesRange(c)
	if !ok {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid time range")
		return
	}

	series, err := h.statsService.UsageSeries(c.Request.Context(), service.ScopeService, id, start, end, granularity)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"series": collectSeries(series)})
}

func (h *ServiceHandler) ListHosts(c *gin.Context) {
	id, ok := parseServiceID(c)
	if !ok {
		return
	}
	hosts, err := h.serviceService.ListHosts(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, hosts)
}

func (h *ServiceHandler) CreateHost(c *gin.Context) {
	id, ok := parseServiceID(c)
	if !ok {
		return
	}

	req, ok := bindHostRequest(c)
	if !ok {
		return
	}

	host, err := h.serviceService.CreateHost(c.Request.Context(), id, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, response.Response{
		Code:    response.CodeSuccess,
		Message: "success",
		Data:    host,
	})
}

func (h *ServiceHandler) UpdateHost(c *gin.Context) {
	hostID, err := uuid.Parse(c.Param("host_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid host id")
		return
	}

	req, ok := bindHostRequest(c)
	if !ok {
		return
	}

	host, err := h.serviceService.UpdateHost(c.Request.Context(), hostID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, host)
}

func (h *ServiceHandler) DeleteHost(c *gin.Context) {
	hostID, err := uuid.Parse(c.Param("host_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid host id")
		return
	}
	if err := h.serviceService.DeleteHost(c.Request.Context(), hostID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"id": hostID})
}

func bindHostRequest(c *gin.Context) (service.CreateHostRequest, bool) {
	var req service.CreateHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return req, false
	}
	req.Remark = inputsanitize.Text(req.Remark)
	return req, true
}

func parseServiceID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid service id")
		return uuid.Nil, false
	}
	return id, true
}
