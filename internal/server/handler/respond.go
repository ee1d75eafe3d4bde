package handler

import (
	"net/http"
	"strings"

	"github.com/aspect-build/tunnelkeeper/internal/authflow"
	"github.com/aspect-build/tunnelkeeper/internal/logx"
	"github.com/gin-gonic/gin"
)

// Context keys set by the server middleware.
const (
	RequestIDKey = "tunnelkeeper.request_id"
	InternalKey  = "tunnelkeeper.internal"
)

func statusFor(k authflow.Kind) int {
	switch k {
	case authflow.KindBadRequest:
		return http.StatusBadRequest
	case authflow.KindAuthFailed:
		return http.StatusUnauthorized
	case authflow.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// fail logs the detailed cause and answers with the generic message for
// its kind.
func fail(c *gin.Context, err error) {
	kind := authflow.KindOf(err)
	if kind == authflow.KindInternal {
		logx.Errorf("%s %s request_id=%s: %v", c.Request.Method, c.FullPath(), c.GetString(RequestIDKey), err)
	} else {
		logx.Warnf("%s %s request_id=%s: %v", c.Request.Method, c.FullPath(), c.GetString(RequestIDKey), err)
	}
	c.AbortWithStatusJSON(statusFor(kind), gin.H{"success": false, "error": kind.Message()})
}

func badBody(c *gin.Context, err error) {
	logx.Warnf("%s %s request_id=%s: bad body: %v", c.Request.Method, c.FullPath(), c.GetString(RequestIDKey), err)
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": authflow.KindBadRequest.Message()})
}

func callerFrom(c *gin.Context) authflow.Caller {
	return authflow.Caller{
		Internal:    c.GetBool(InternalKey),
		BearerToken: bearerToken(c.GetHeader("Authorization")),
	}
}

func bearerToken(h string) string {
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
