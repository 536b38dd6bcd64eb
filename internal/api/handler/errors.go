package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/logger"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorKinds maps error kinds to status codes and public names. Order
// matters: ErrUnsupportedType wraps ErrDecode.
var errorKinds = []struct {
	err    error
	status int
	name   string
}{
	{domain.ErrUnsupportedType, http.StatusUnsupportedMediaType, "UnsupportedType"},
	{domain.ErrFormat, http.StatusBadRequest, "BadSignal"},
	{domain.ErrDecode, http.StatusBadRequest, "BadContent"},
	{domain.ErrHash, http.StatusBadRequest, "BadContent"},
	{domain.ErrDisabled, http.StatusBadRequest, "Disabled"},
	{domain.ErrFetchFailed, http.StatusBadGateway, "FetchFailed"},
	{domain.ErrIndexNotReady, http.StatusServiceUnavailable, "IndexNotReady"},
	{domain.ErrDeadline, http.StatusGatewayTimeout, "Deadline"},
	{domain.ErrAlreadyExists, http.StatusConflict, "AlreadyExists"},
	{domain.ErrNotFound, http.StatusNotFound, "NotFound"},
}

// StatusFor returns the HTTP status and public error name for err.
func StatusFor(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.name
		}
	}
	return http.StatusInternalServerError, "Internal"
}

// respondError writes err as an ErrorResponse. Server-side failures are logged.
func respondError(c *gin.Context, err error) {
	status, name := StatusFor(err)
	ctx := c.Request.Context()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.CtxError(ctx, "Request failed: path=%s, error=%v", c.FullPath(), err)
	} else {
		logger.CtxDebug(ctx, "Request rejected: path=%s, status=%d, error=%v", c.FullPath(), status, err)
	}
	c.JSON(status, ErrorResponse{Error: name, Message: err.Error()})
}

// badRequest reports a request that could not be bound.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "BadRequest", Message: err.Error()})
}

// bindOptionalJSON binds a JSON body when the request carries one. An empty
// body, including an empty chunked one, leaves obj untouched.
func bindOptionalJSON(c *gin.Context, obj any) error {
	r := c.Request
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
