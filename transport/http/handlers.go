package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/service"
)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

// Health reports that the server is up
func (h *AuthHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Login handles the login request
func (h *AuthHandlers) Login(c *gin.Context) {
	var req struct {
		Identifier string `json:"identifier" binding:"required"`
		Secret     string `json:"secret" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	token, grant, err := h.authService.Login(c.Request.Context(), req.Identifier, req.Secret)
	if err != nil {
		if errors.Is(err, core.ErrInvalidSecret) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid identifier or secret"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Authentication failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponse(token, grant))
}

// Refresh rotates the presented access token
func (h *AuthHandlers) Refresh(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
		return
	}

	renewed, grant, err := h.authService.Refresh(c.Request.Context(), token)
	if err != nil {
		status, msg := tokenError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, tokenResponse(renewed, grant))
}

// Logout revokes the presented access token
func (h *AuthHandlers) Logout(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
		return
	}

	if err := h.authService.Logout(c.Request.Context(), token); err != nil {
		status, msg := tokenError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// Me returns the identity the access token was issued to
func (h *AuthHandlers) Me(c *gin.Context) {
	value, exists := c.Get(grantKey)
	grant, ok := value.(*core.Grant)
	if !exists || !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Grant not found in context"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subject":    grant.Subject,
		"expires_at": grant.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func tokenResponse(token string, grant *core.Grant) gin.H {
	return gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int64(grant.Lifetime() / time.Second),
	}
}
