package internalapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"meridian-panel/internal/api/middleware"
	"meridian-panel/internal/api/response"
	"meridian-panel/internal/service"
)

// NodeHandler is the node-facing surface: usage batches, heartbeats and
// first-connection signals. Node identity comes from the HMAC auth
// middleware.
type NodeHandler struct {
	ingest *service.IngestService
	nodes  *service.NodeService
	users  *service.UserService
}

type usageReportRequest struct {
	Reports []service.UsageReport `json:"reports" binding:"required"`
}

type firstConnectRequest struct {
	Username string `json:"username" binding:"required"`
}

func NewNodeHandler(ingest *service.IngestService, nodes *service.NodeService, users *service.UserService) *NodeHandler {
	return &NodeHandler{ingest: ingest, nodes: nodes, users: users}
}

func RegisterNodeInternalRoutes(router gin.IRouter, handler *NodeHandler, verifier middleware.NodeTokenVerifier) {
	group := router.Group("/api/internal", middleware.NodeAuth(verifier))
	group.POST("/usage/report", handler.Report)
	group.POST("/nodes/heartbeat", handler.Heartbeat)
	group.POST("/users/first-connect", handler.FirstConnect)
}

func (h *NodeHandler) Report(c *gin.Context) {
	nodeID, ok := middleware.GetNodeID(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	var req usageReportRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Reports) == 0 {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return
	}

	result, err := h.ingest.RecordUsage(c.Request.Context(), nodeID, req.Reports)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, result)
}

func (h *NodeHandler) Heartbeat(c *gin.Context) {
	nodeID, ok := middleware.GetNodeID(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	var req service.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return
	}

	node, err := h.nodes.Heartbeat(c.Request.Context(), nodeID, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"status": node.Status})
}

func (h *NodeHandler) FirstConnect(c *gin.Context) {
	if _, ok := middleware.GetNodeID(c); !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}

	var req firstConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Username) == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return
	}

	user, err := h.users.FirstConnect(c.Request.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{
		"username":  user.Username,
		"status":    user.Status,
		"expire_at": user.ExpireAt,
	})
}
