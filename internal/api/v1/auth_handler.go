package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"meridian-panel/internal/api/middleware"
	"meridian-panel/internal/api/response"
	inputsanitize "meridian-panel/internal/api/sanitize"
	"meridian-panel/internal/service"
)

const accessTokenCookieName = "access_token"

type AuthHandler struct {
	authService *service.AuthService
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

func RegisterAuthRoutes(public, authed *gin.RouterGroup, authService *service.AuthService) {
	handler := NewAuthHandler(authService)

	public.POST(
		"/auth/login",
		middleware.RateLimit("ip", 10, time.Minute),
		middleware.RateLimitByJSONField("username", 5, time.Minute),
		handler.Login,
	)
	authed.GET("/auth/me", handler.Me)
	authed.POST("/auth/logout", handler.Logout)
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrValidation, "invalid request")
		return
	}

	token, admin, err := h.authService.Login(
		c.Request.Context(),
		inputsanitize.Text(req.Username),
		req.Password,
	)
	if err != nil {
		response.Error(c, err)
		return
	}

	setSecureCookie(c, accessTokenCookieName, token, int(24*time.Hour/time.Second))
	response.Success(c, gin.H{
		"access_token": token,
		"username":     admin.Username,
		"role":         admin.Role,
	})
}

// Me
// @Summary Me
// @Description Returns the authenticated admin.
// @Tags auth
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} response.Response
// @Failure 401 {object} response.Response
// @Router /api/v1/auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	actor, ok := middleware.GetActor(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
		return
	}
	response.Success(c, actor)
}

func (h *AuthHandler) Logout(c *gin.Context) {
	clearCookie(c, accessTokenCookieName)
	response.Success(c, gin.H{"message": "logout success"})
}

func setSecureCookie(c *gin.Context, name, value string, maxAge int) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(name, value, maxAge, "/", "", true, true)
}

func clearCookie(c *gin.Context, name string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(name, "", -1, "/", "", true, true)
}
