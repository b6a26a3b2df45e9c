package api

import (
	"github.com/gin-gonic/gin"

	internalapi "meridian-panel/internal/api/internal"
	"meridian-panel/internal/service"
)

// RegisterInternalRoutes mounts the node-facing endpoints. The node
// service doubles as the HMAC verifier for the auth middleware.
func RegisterInternalRoutes(
	router gin.IRouter,
	ingestService *service.IngestService,
	nodeService *service.NodeService,
	userService *service.UserService,
) {
	if ingestService == nil || nodeService == nil || userService == nil {
		return
	}

	handler := internalapi.NewNodeHandler(ingestService, nodeService, userService)
	internalapi.RegisterNodeInternalRoutes(router, handler, nodeService)
}
