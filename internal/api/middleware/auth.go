package middleware

import (
	"context"
	"crypto/rsa"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"

	"meridian-panel/internal/api/response"
	"meridian-panel/internal/model"
	jwtutil "meridian-panel/pkg/jwt"
)

const (
	claimsContextKey = "claims"
	actorContextKey  = "actor"
)

type Claims = jwtutil.Claims

// Authenticator re-resolves the admin behind a parsed token so revoked
// or disabled accounts lose access before the token expires.
type Authenticator interface {
	Authenticate(ctx context.Context, claims *jwtutil.Claims) (*model.Admin, error)
}

func JWTAuth(publicKey *rsa.PublicKey, auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := tokenFromRequest(c)
		if tokenString == "" {
			response.Fail(c, 401, response.ErrUnauthorized, "unauthorized")
			c.Abort()
			return
		}

		claims, err := jwtutil.ParseAccessToken(tokenString, publicKey)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				response.Fail(c, 401, response.ErrTokenExpired, "token expired")
			} else {
				response.Fail(c, 401, response.ErrUnauthorized, "unauthorized")
			}
			c.Abort()
			return
		}

		actor, err := auth.Authenticate(c.Request.Context(), claims)
		if err != nil {
			response.Fail(c, 401, response.ErrUnauthorized, "unauthorized")
			c.Abort()
			return
		}

		c.Set(claimsContextKey, claims)
		c.Set(actorContextKey, actor)
		c.Next()
	}
}

func RequireSudo() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			response.Fail(c, 401, response.ErrUnauthorized, "unauthorized")
			c.Abort()
			return
		}
		if !actor.IsSudo() {
			response.Fail(c, 403, response.ErrForbidden, "forbidden")
			c.Abort()
			return
		}
		c.Next()
	}
}

func GetClaims(c *gin.Context) (*Claims, bool) {
	val, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := val.(*Claims)
	if !ok || claims == nil {
		return nil, false
	}
	return claims, true
}

func GetActor(c *gin.Context) (*model.Admin, bool) {
	val, ok := c.Get(actorContextKey)
	if !ok {
		return nil, false
	}
	actor, ok := val.(*model.Admin)
	if !ok || actor == nil {
		return nil, false
	}
	return actor, true
}

func tokenFromRequest(c *gin.Context) string {
	if cookieToken, err := c.Cookie("access_token"); err == nil && cookieToken != "" {
		return cookieToken
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(authHeader[7:])
}
