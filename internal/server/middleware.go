package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/aspect-build/tunnelkeeper/internal/server/handler"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	internalSecretHeader = "X-Internal-Secret"
	requestIDHeader      = "X-Request-ID"
)

// CORS returns a Gin middleware that handles Cross-Origin Resource Sharing.
// With no origins configured every origin is allowed.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	anyOrigin := len(allowed) == 0

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case anyOrigin:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[strings.TrimRight(origin, "/")]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		default:
			c.Next()
			return
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, "+internalSecretHeader)
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestID tags every request with an X-Request-ID, keeping the one the
// client sent if it looks sane.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(handler.RequestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// InternalCaller marks requests that carry the internal shared secret.
// It never rejects; handlers decide what an external caller may do.
func InternalCaller(secret string) gin.HandlerFunc {
	expected := []byte(secret)
	return func(c *gin.Context) {
		got := c.GetHeader(internalSecretHeader)
		internal := got != "" && subtle.ConstantTimeCompare([]byte(got), expected) == 1
		c.Set(handler.InternalKey, internal)
		c.Next()
	}
}
