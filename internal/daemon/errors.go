package daemon

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/blelink/internal/link"
	"github.com/danmuck/blelink/internal/protocol"
	"github.com/danmuck/blelink/internal/protocol/session"
)

var ErrBadRequest = errors.New("daemon: bad request")

// statusFor maps link and protocol errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, link.ErrEmptyFilter),
		errors.Is(err, session.ErrEmptyBleID):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, protocol.ErrPeerNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrNoPeerToSendTo),
		errors.Is(err, protocol.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, protocol.ErrTransportFailure):
		return http.StatusBadGateway
	case errors.Is(err, link.ErrRoleUnavailable):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}
