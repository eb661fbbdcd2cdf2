package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	platformerrors "github.com/jmgilman/go/errors"

	"github.com/jmgilman/go/urlcache/internal/errs"
)

// statusClientClosedRequest is reported when the caller went away before
// the cache could answer.
const statusClientClosedRequest = 499

func statusFor(code platformerrors.ErrorCode) int {
	switch code {
	case platformerrors.CodeNotFound:
		return http.StatusNotFound
	case platformerrors.CodeInvalidInput, platformerrors.CodeInvalidConfig:
		return http.StatusBadRequest
	case platformerrors.CodeNetwork:
		return http.StatusBadGateway
	case platformerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case platformerrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeDecode:
		return http.StatusUnprocessableEntity
	case errs.CodeCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes err as a JSON error body and stops the handler chain.
func abortWithError(c *gin.Context, err error) {
	resp := platformerrors.ToJSON(err)
	status := statusFor(platformerrors.ErrorCode(resp.Code))
	if c.Request.Method == http.MethodHead {
		c.AbortWithStatus(status)
		return
	}
	c.AbortWithStatusJSON(status, resp)
}
