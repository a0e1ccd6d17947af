package http

import (
	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/layer-3/warden/service"
)

// SetupRouter sets up the Gin router
func SetupRouter(authService *service.AuthService, log logr.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(log))

	handlers := NewAuthHandlers(authService)

	router.GET("/health", handlers.Health)

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.POST("/login", handlers.Login)
		auth.POST("/refresh", handlers.Refresh)
		auth.POST("/logout", handlers.Logout)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(authService))
	{
		api.GET("/me", handlers.Me)
	}

	return router
}
