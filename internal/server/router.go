package server

import (
	"github.com/aspect-build/tunnelkeeper/internal/authflow"
	"github.com/aspect-build/tunnelkeeper/internal/server/handler"
	"github.com/gin-gonic/gin"
)

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(svc *authflow.Service, health handler.Pinger, cfg *Config) *gin.Engine {
	r := gin.Default()

	r.Use(RequestID())
	r.Use(CORS(cfg.CORSOrigins))
	r.Use(InternalCaller(cfg.InternalSecret))

	r.GET("/health", handler.HandleHealth(health))

	r.POST("/challenge", handler.HandleChallenge(svc))
	r.POST("/verify", handler.HandleVerify(svc))

	r.POST("/tunnel/register", handler.HandleRegisterTunnel(svc))
	r.GET("/tunnel/:clientId", handler.HandleGetTunnel(svc))
	r.GET("/tunnels", handler.HandleListTunnels(svc))

	return r
}
