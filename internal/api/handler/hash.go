package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/service"
	"github.com/timmy/mediamatch/internal/signal"
)

// HashHandler serves the hasher role.
type HashHandler struct {
	hasher   *service.HashService
	registry *signal.Registry
}

// NewHashHandler creates a new hash handler.
func NewHashHandler(hasher *service.HashService, registry *signal.Registry) *HashHandler {
	return &HashHandler{hasher: hasher, registry: registry}
}

// HashRequest is the body of POST /h/hash. Bytes arrive base64 encoded.
type HashRequest struct {
	URL         string   `json:"url" form:"url"`
	Bytes       []byte   `json:"bytes_b64"`
	ContentType string   `json:"content_type" form:"content_type"`
	Types       []string `json:"types" form:"types"`
}

// toService converts the request into a service hash request.
func (r *HashRequest) toService() (service.HashRequest, error) {
	req := service.HashRequest{Data: r.Bytes, URL: r.URL, Types: r.Types}
	if r.ContentType != "" {
		ct, err := signal.ParseContentType(r.ContentType)
		if err != nil {
			return req, err
		}
		req.ContentType = ct
	}
	return req, nil
}

// Hash handles POST /h/hash.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes a signal type to hex map).
func (h *HashHandler) Hash(c *gin.Context) {
	var req HashRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	sreq, err := req.toService()
	if err != nil {
		respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	res, err := h.hasher.Hash(ctx, sreq)
	if err != nil {
		respondError(c, err)
		return
	}
	logger.With(logger.Fields{
		"content_type": string(res.ContentType),
	}).WithCount(len(res.Fingerprints)).Debug(ctx, "Hash request served")
	c.JSON(http.StatusOK, res.Hex(h.registry))
}
