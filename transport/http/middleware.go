package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/service"
)

const (
	grantKey     = "grant"
	bearerPrefix = "bearer "
)

// AuthMiddleware creates middleware that validates access tokens
func AuthMiddleware(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			return
		}

		grant, err := authService.ValidateAccessToken(c.Request.Context(), token)
		if err != nil {
			status, msg := tokenError(err)
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}

		c.Set(grantKey, grant)
		c.Next()
	}
}

// RequestLogger logs every request through log
func RequestLogger(log logr.Logger) gin.HandlerFunc {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithName("http")

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.V(1).Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// bearerToken extracts the token of a "Bearer" Authorization header
func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	if len(auth) <= len(bearerPrefix) || !strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(bearerPrefix):])
	return token, token != ""
}

// tokenError maps a token validation failure to a response
func tokenError(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrTokenExpired):
		return http.StatusUnauthorized, "Token expired"
	case errors.Is(err, core.ErrTokenInvalidated):
		return http.StatusUnauthorized, "Token has been invalidated"
	case errors.Is(err, core.ErrInvalidToken):
		return http.StatusUnauthorized, "Invalid token"
	default:
		return http.StatusInternalServerError, "Failed to validate token"
	}
}
