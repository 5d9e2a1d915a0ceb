package http

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletauth/internal/config"
	"github.com/layer-3/walletauth/internal/logx"
	"github.com/layer-3/walletauth/service"
)

// SetupRouter sets up the Gin router. metricsHandler may be nil. Client
// addresses are read from X-Forwarded-For only for peers in
// cfg.TrustedProxies; an empty list makes the TCP peer the client.
func SetupRouter(authService *service.AuthService, logger *slog.Logger, metricsHandler http.Handler, cfg config.HTTPConfig) (*gin.Engine, error) {
	proxies, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted proxy: %w", err)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(proxies.strings()); err != nil {
		return nil, fmt.Errorf("invalid trusted proxy: %w", err)
	}
	router.Use(gin.Recovery(), logx.GinMiddleware(logger))

	// Create handlers
	handlers := NewAuthHandlers(authService)

	router.GET("/.well-known/jwks.json", handlers.JWKS)
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	// Auth routes
	auth := router.Group("/auth")
	auth.Use(Throttle(cfg.RequestsPerMinute, cfg.RequestBurst, logger))
	{
		auth.POST("/challenge", handlers.Challenge)
		auth.POST("/login", handlers.Login)
		auth.POST("/refresh", handlers.Refresh)
		auth.POST("/logout", handlers.Logout)
		auth.POST("/step-up", AuthMiddleware(authService, proxies), handlers.StepUp)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(authService, proxies))
	{
		api.GET("/me", handlers.Me)
		api.POST("/authorize", handlers.Authorize)
	}

	return router, nil
}
