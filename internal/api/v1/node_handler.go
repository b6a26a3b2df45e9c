package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"meridian-panel/internal/api/middleware"
	"meridian-panel/internal/api/response"
	"meridian-panel/internal/model"
	"meridian-panel/internal/repository"
	"meridian-panel/internal/service"
)

type NodeHandler struct {
	nodeService  *service.NodeService
	statsService *service.StatsService
}

func NewNodeHandler(nodeService *service.NodeService, statsService *service.StatsService) *NodeHandler {
	return &NodeHandler{
		nodeService:  nodeService,
		statsService: statsService,
	}
}

func RegisterNodeRoutes(group *gin.RouterGroup, nodeService *service.NodeService, statsService *service.StatsService) {
	handler := NewNodeHandler(nodeService, statsService)

	nodes := group.Group("/nodes", middleware.RequireSudo())
	nodes.GET("", handler.List)
	nodes.POST("", middleware.AuditLog("node.create", "node"), handler.Create)
	nodes.GET("/:id", handler.Get)
	nodes.PUT("/:id", middleware.AuditLog("node.update", "node"), handler.Update)
	nodes.DELETE("/:id", middleware.AuditLog("node.delete", "node"), handler.Delete)
	nodes.GET("/:id/usage", handler.Usage)
}

func (h *NodeHandler) List(c *gin.Context) {
	filter := repository.NodeListFilter{}
	if raw := c.Query("status"); raw != "" {
		status := model.NodeStatus(raw)
		filter.Status = &status
	}

	nodes, err := h.nodeService.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nodes)
}

// Create registers the node and returns its report token once; the token
// is derived, not stored, and cannot be shown again.
func (h *NodeHandler) Create(c *gin.Context) {
	var req service.CreateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return
	}

	node, token, err := h.nodeService.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, response.Response{
		Code:    response.CodeSuccess,
		Message: "success",
		Data: gin.H{
			"node":  node,
			"token": token,
		},
	})
}

func (h *NodeHandler) Get(c *gin.Context) {
	id, ok := parseNodeID(c)
	if !ok {
		return
	}
	node, err := h.nodeService.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, node)
}

func (h *NodeHandler) Update(c *gin.Context) {
	id, ok := parseNodeID(c)
	if !ok {
		return
	}

	var req service.UpdateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return
	}

	node, err := h.nodeService.Update(c.Request.Context(), id, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, node)
}

func (h *NodeHandler) Delete(c *gin.Context) {
	id, ok := parseNodeID(c)
	if !ok {
		return
	}
	if err := h.nodeService.Delete(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"id": id})
}

func (h *NodeHandler) Usage(c *gin.Context) {
	id, ok := parseNodeID(c)
	if !ok {
		return
	}

	start, end, granularity, ok := parseSeriesRange(c)
	if !ok {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid time range")
		return
	}

	series, err := h.statsService.UsageSeries(c.Request.Context(), service.ScopeNode, id, start, end, granularity)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"series": collectSeries(series)})
}

func parseNodeID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid node id")
		return uuid.Nil, false
	}
	return id, true
}
