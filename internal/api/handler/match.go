package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/service"
	"github.com/timmy/mediamatch/internal/signal"
)

// MatchHandler serves the matcher role: lookups, submissions and index control.
type MatchHandler struct {
	matcher  *service.MatchService
	indexer  *service.Indexer
	cache    *service.IndexCache
	registry *signal.Registry
}

// NewMatchHandler creates a new match handler.
func NewMatchHandler(matcher *service.MatchService, indexer *service.Indexer, cache *service.IndexCache, registry *signal.Registry) *MatchHandler {
	return &MatchHandler{matcher: matcher, indexer: indexer, cache: cache, registry: registry}
}

// LookupQuery holds the query parameters of GET /m/lookup and /m/raw_lookup.
type LookupQuery struct {
	Signal          string `form:"signal"`
	SignalType      string `form:"signal_type"`
	Banks           string `form:"banks"`
	IncludeDistance bool   `form:"include_distance"`
	Threshold       *int   `form:"threshold"`
	Seed            string `form:"seed"`
	BypassCoinFlip  bool   `form:"bypass_coinflip"`
	Rotations       bool   `form:"rotations"`
}

// MatchEntry is one match in a response. Distance is omitted unless asked for.
type MatchEntry struct {
	BankContentID int64  `json:"bank_content_id"`
	Bank          string `json:"bank,omitempty"`
	SignalType    string `json:"signal_type,omitempty"`
	Distance      *int   `json:"distance,omitempty"`
}

// MatchResponse is the body of lookup and match responses.
type MatchResponse struct {
	ContentID string            `json:"content_id,omitempty"`
	Matches   []MatchEntry      `json:"matches"`
	Hashes    map[string]string `json:"hashes,omitempty"`
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func signalTypeOrDefault(name string) string {
	if name == "" {
		return string(signal.PDQ)
	}
	return name
}

func toEntries(results []service.MatchResult, withDistance bool) []MatchEntry {
	out := make([]MatchEntry, len(results))
	for i, m := range results {
		out[i] = MatchEntry{BankContentID: m.MemberID, Bank: m.BankName, SignalType: m.SignalType}
		if withDistance {
			d := m.Distance
			out[i].Distance = &d
		}
	}
	return out
}

// Lookup handles GET /m/lookup.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes MatchResponse).
func (h *MatchHandler) Lookup(c *gin.Context) {
	var q LookupQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	results, err := h.matcher.Lookup(c.Request.Context(), signalTypeOrDefault(q.SignalType), q.Signal, service.MatchOptions{
		Banks:          splitCSV(q.Banks),
		Threshold:      q.Threshold,
		Seed:           q.Seed,
		BypassCoinFlip: q.BypassCoinFlip,
		Rotations:      q.Rotations,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, MatchResponse{Matches: toEntries(results, q.IncludeDistance)})
}

// RawLookup handles GET /m/raw_lookup: index candidates without bank
// resolution or coin-flip. Distances are always included.
func (h *MatchHandler) RawLookup(c *gin.Context) {
	var q LookupQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	matches, err := h.matcher.RawLookup(c.Request.Context(), signalTypeOrDefault(q.SignalType), q.Signal, q.Threshold)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]MatchEntry, len(matches))
	for i, m := range matches {
		d := m.Distance
		out[i] = MatchEntry{BankContentID: m.MemberID, Distance: &d}
	}
	c.JSON(http.StatusOK, MatchResponse{Matches: out})
}

// MatchRequest is the body of POST /m/match. Exactly one of URL, Bytes or
// Signal carries the content.
type MatchRequest struct {
	URL             string   `json:"url"`
	Bytes           []byte   `json:"bytes_b64"`
	Signal          string   `json:"signal"`
	SignalType      string   `json:"signal_type"`
	ContentType     string   `json:"content_type"`
	ContentID       string   `json:"content_id"`
	Banks           []string `json:"banks"`
	Seed            string   `json:"seed"`
	BypassCoinFlip  bool     `json:"bypass_coinflip"`
	IncludeDistance *bool    `json:"include_distance"`
}

// Match handles POST /m/match: hash (unless a signal is given), record the
// submission, match and emit events.
func (h *MatchHandler) Match(c *gin.Context) {
	var req MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sreq := service.SubmitRequest{
		ContentID: req.ContentID,
		Options: service.MatchOptions{
			Banks:          req.Banks,
			Seed:           req.Seed,
			BypassCoinFlip: req.BypassCoinFlip,
		},
	}
	switch {
	case req.Signal != "":
		sreq.Signals = map[string]string{signalTypeOrDefault(req.SignalType): req.Signal}
	case req.URL != "" || len(req.Bytes) > 0:
		sreq.Content = service.HashRequest{URL: req.URL, Data: req.Bytes}
		if req.SignalType != "" {
			sreq.Content.Types = []string{req.SignalType}
		}
		if req.ContentType != "" {
			ct, err := signal.ParseContentType(req.ContentType)
			if err != nil {
				respondError(c, err)
				return
			}
			sreq.Content.ContentType = ct
		}
	default:
		respondError(c, fmt.Errorf("%w: one of url, bytes_b64 or signal is required", domain.ErrFormat))
		return
	}

	res, err := h.matcher.Submit(c.Request.Context(), sreq)
	if err != nil {
		respondError(c, err)
		return
	}
	withDistance := req.IncludeDistance == nil || *req.IncludeDistance
	c.JSON(http.StatusOK, MatchResponse{
		ContentID: res.ContentID,
		Matches:   toEntries(res.Matches, withDistance),
		Hashes:    res.Hashes,
	})
}

// Compare handles POST /m/compare. The body maps a signal type to exactly
// two signals.
func (h *MatchHandler) Compare(c *gin.Context) {
	var req map[string][]string
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if len(req) == 0 {
		respondError(c, fmt.Errorf("%w: no signals to compare", domain.ErrFormat))
		return
	}
	out := make(map[string]*service.CompareResult, len(req))
	for signalType, pair := range req {
		if len(pair) != 2 {
			respondError(c, fmt.Errorf("%w: %s needs exactly two signals, got %d", domain.ErrFormat, signalType, len(pair)))
			return
		}
		res, err := h.matcher.Compare(signalType, pair[0], pair[1])
		if err != nil {
			respondError(c, err)
			return
		}
		out[signalType] = res
	}
	c.JSON(http.StatusOK, out)
}

// IndexStatus handles GET /m/index/status.
func (h *MatchHandler) IndexStatus(c *gin.Context) {
	status := h.cache.Status()
	out := make(map[string]service.SlotStatus, len(status))
	for name, st := range status {
		out[string(name)] = st
	}
	c.JSON(http.StatusOK, out)
}

// Rebuild handles POST /m/index/rebuild. Without signal_type every index is
// rebuilt. The build runs in the background and coalesces with pending ones.
func (h *MatchHandler) Rebuild(c *gin.Context) {
	var names []string
	if st := c.Query("signal_type"); st != "" {
		caps, err := h.registry.Lookup(st)
		if err != nil {
			respondError(c, err)
			return
		}
		h.indexer.Trigger(caps.Name)
		names = []string{string(caps.Name)}
	} else {
		h.indexer.Trigger("")
		for _, caps := range h.registry.All() {
			names = append(names, string(caps.Name))
		}
	}
	logger.CtxInfo(c.Request.Context(), "Index rebuild requested: signal_types=%s", strings.Join(names, ","))
	c.JSON(http.StatusAccepted, gin.H{"triggered": names})
}
