package handler

import (
	"net/http"

	"github.com/aspect-build/tunnelkeeper/internal/authflow"
	"github.com/gin-gonic/gin"
)

// HandleRegisterTunnel handles POST /tunnel/register.
func HandleRegisterTunnel(svc *authflow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req authflow.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badBody(c, err)
			return
		}
		rec, err := svc.RegisterTunnel(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": rec})
	}
}

// HandleGetTunnel handles GET /tunnel/:clientId.
func HandleGetTunnel(svc *authflow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := svc.GetTunnel(c.Request.Context(), callerFrom(c), c.Param("clientId"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": rec})
	}
}

// HandleListTunnels handles GET /tunnels.
func HandleListTunnels(svc *authflow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := svc.ListTunnels(c.Request.Context(), callerFrom(c))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": records, "count": len(records)})
	}
}
