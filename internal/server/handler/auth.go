package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/aspect-build/tunnelkeeper/internal/authflow"
	"github.com/aspect-build/tunnelkeeper/internal/logx"
	"github.com/gin-gonic/gin"
)

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandleHealth handles GET /health.
func HandleHealth(p Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			logx.Errorf("health: storage ping: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

type challengeResponse struct {
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HandleChallenge handles POST /challenge.
func HandleChallenge(svc *authflow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req authflow.ChallengeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badBody(c, err)
			return
		}
		ch, err := svc.Challenge(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, challengeResponse{Challenge: ch.Value, ExpiresAt: ch.ExpiresAt})
	}
}

// HandleVerify handles POST /verify.
func HandleVerify(svc *authflow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req authflow.VerifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badBody(c, err)
			return
		}
		res, err := svc.Verify(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
