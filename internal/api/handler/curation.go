package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/repository"
	"github.com/timmy/mediamatch/internal/service"
)

// CurationHandler serves the curator role: banks, their content and
// signal type settings.
type CurationHandler struct {
	curation *service.CurationService
	settings *service.SignalSettings
}

// NewCurationHandler creates a new curation handler.
func NewCurationHandler(curation *service.CurationService, settings *service.SignalSettings) *CurationHandler {
	return &CurationHandler{curation: curation, settings: settings}
}

// CreateBankRequest is the body of POST /c/banks.
type CreateBankRequest struct {
	Name                 string   `json:"name" binding:"required"`
	MatchingEnabledRatio *float64 `json:"matching_enabled_ratio"`
	ThresholdOverride    *int     `json:"threshold_override"`
}

// UpdateBankRequest is the body of PUT /c/bank/:name.
type UpdateBankRequest struct {
	Name                 *string  `json:"name"`
	MatchingEnabledRatio *float64 `json:"matching_enabled_ratio"`
	ThresholdOverride    *int     `json:"threshold_override"`
	ClearThreshold       bool     `json:"clear_threshold"`
}

// ListBanks handles GET /c/banks.
func (h *CurationHandler) ListBanks(c *gin.Context) {
	banks, err := h.curation.ListBanks(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"banks": banks, "total": len(banks)})
}

// CreateBank handles POST /c/banks.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes 201 with the bank, 409 when the name is taken).
func (h *CurationHandler) CreateBank(c *gin.Context) {
	var req CreateBankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	bank, err := h.curation.CreateBank(c.Request.Context(), req.Name, repository.BankOptions{
		MatchingEnabledRatio: req.MatchingEnabledRatio,
		ThresholdOverride:    req.ThresholdOverride,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	logger.CtxInfo(c.Request.Context(), "Bank created: name=%s, id=%d", bank.Name, bank.ID)
	c.JSON(http.StatusCreated, bank)
}

// GetBank handles GET /c/bank/:name.
func (h *CurationHandler) GetBank(c *gin.Context) {
	bank, err := h.curation.GetBank(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bank)
}

// UpdateBank handles PUT /c/bank/:name.
func (h *CurationHandler) UpdateBank(c *gin.Context) {
	var req UpdateBankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	bank, err := h.curation.UpdateBank(c.Request.Context(), c.Param("name"), repository.BankUpdate{
		Name:                 req.Name,
		MatchingEnabledRatio: req.MatchingEnabledRatio,
		ThresholdOverride:    req.ThresholdOverride,
		ClearThreshold:       req.ClearThreshold,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bank)
}

// DeleteBank handles DELETE /c/bank/:name.
func (h *CurationHandler) DeleteBank(c *gin.Context) {
	if err := h.curation.DeleteBank(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AddContentRequest carries media for POST /c/bank/:name/content. The URL
// and content type may also be given as query parameters.
type AddContentRequest struct {
	URL         string            `json:"url" form:"url"`
	Bytes       []byte            `json:"bytes_b64"`
	ContentType string            `json:"content_type" form:"content_type"`
	Metadata    map[string]string `json:"metadata"`
}

// AddContent handles POST /c/bank/:name/content: hash the media and add it.
func (h *CurationHandler) AddContent(c *gin.Context) {
	var req AddContentRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	hreq := HashRequest{URL: req.URL, Bytes: req.Bytes, ContentType: req.ContentType}
	sreq, err := hreq.toService()
	if err != nil {
		respondError(c, err)
		return
	}
	view, err := h.curation.AddContent(c.Request.Context(), c.Param("name"), sreq, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// AddSignal handles POST /c/bank/:name/signal. The body maps signal types
// to values; an optional "metadata" object is stored on the member.
func (h *CurationHandler) AddSignal(c *gin.Context) {
	var raw map[string]json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		badRequest(c, err)
		return
	}
	var metadata map[string]string
	signals := make(map[string]string, len(raw))
	for key, value := range raw {
		if key == "metadata" {
			if err := json.Unmarshal(value, &metadata); err != nil {
				respondError(c, fmt.Errorf("%w: metadata must be an object of strings", domain.ErrFormat))
				return
			}
			continue
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			respondError(c, fmt.Errorf("%w: signal %s must be a string", domain.ErrFormat, key))
			return
		}
		signals[key] = s
	}
	view, err := h.curation.AddSignals(c.Request.Context(), c.Param("name"), signals, metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func contentID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: content id %q", domain.ErrFormat, c.Param("id"))
	}
	return id, nil
}

// GetContent handles GET /c/bank/:name/content/:id.
func (h *CurationHandler) GetContent(c *gin.Context) {
	id, err := contentID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	view, err := h.curation.GetContent(c.Request.Context(), c.Param("name"), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// UpdateContentRequest is the body of PUT /c/bank/:name/content/:id.
type UpdateContentRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// UpdateContent handles PUT /c/bank/:name/content/:id.
func (h *CurationHandler) UpdateContent(c *gin.Context) {
	id, err := contentID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var req UpdateContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	view, err := h.curation.SetContentEnabled(c.Request.Context(), c.Param("name"), id, *req.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// DeleteContent handles DELETE /c/bank/:name/content/:id.
func (h *CurationHandler) DeleteContent(c *gin.Context) {
	id, err := contentID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.curation.RemoveContent(c.Request.Context(), c.Param("name"), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListSignalTypes handles GET /c/signal_types.
func (h *CurationHandler) ListSignalTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"signal_types": h.settings.List()})
}

// UpdateSignalTypeRequest is the body of PUT /c/signal_type/:name.
type UpdateSignalTypeRequest struct {
	Enabled   *bool `json:"enabled"`
	Threshold *int  `json:"threshold"`
}

// UpdateSignalType handles PUT /c/signal_type/:name.
func (h *CurationHandler) UpdateSignalType(c *gin.Context) {
	var req UpdateSignalTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cfg, err := h.settings.Update(c.Request.Context(), c.Param("name"), req.Enabled, req.Threshold)
	if err != nil {
		respondError(c, err)
		return
	}
	logger.CtxInfo(c.Request.Context(), "Signal type updated: name=%s, enabled=%v, threshold=%d", cfg.Name, cfg.Enabled, cfg.Threshold)
	c.JSON(http.StatusOK, cfg)
}
