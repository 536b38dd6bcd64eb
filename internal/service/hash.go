package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/signal"
)

// HashRequest describes content to fingerprint. Exactly one of Data or URL is used;
// Data wins when both are set.
type HashRequest struct {
	Data        []byte
	URL         string
	ContentType signal.ContentType // inferred when empty
	Types       []string           // restrict to these signal types
}

// HashResult holds the fingerprints computed for one piece of content.
type HashResult struct {
	ContentType  signal.ContentType
	Fingerprints map[signal.Name]signal.Fingerprint
}

// Hex returns the canonical text form of every fingerprint.
func (r *HashResult) Hex(registry *signal.Registry) map[string]string {
	out := make(map[string]string, len(r.Fingerprints))
	for name, fp := range r.Fingerprints {
		if caps, ok := registry.Get(name); ok {
			out[string(name)] = caps.Format(fp.Code)
		}
	}
	return out
}

// HashService computes every enabled signal type that applies to a piece of content.
type HashService struct {
	registry *signal.Registry
	settings *SignalSettings
	fetcher  ContentFetcher
}

// NewHashService creates a new hash service. fetcher may be nil, in which
// case URL requests fail with ErrFetchFailed.
func NewHashService(registry *signal.Registry, settings *SignalSettings, fetcher ContentFetcher) *HashService {
	return &HashService{registry: registry, settings: settings, fetcher: fetcher}
}

// Hash fetches content when needed and runs the applicable hashers concurrently.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: content and optional type restrictions.
// Returns:
//   - *HashResult: fingerprints keyed by signal type.
//   - error: ErrFetchFailed, ErrUnsupportedType, ErrDecode or ErrHash.
func (s *HashService) Hash(ctx context.Context, req HashRequest) (*HashResult, error) {
	data := req.Data
	var mimeType string
	if len(data) == 0 {
		if req.URL == "" {
			return nil, fmt.Errorf("%w: content bytes or url required", domain.ErrFormat)
		}
		if s.fetcher == nil {
			return nil, fmt.Errorf("%w: no content fetcher configured", domain.ErrFetchFailed)
		}
		fetched, err := s.fetcher.Fetch(ctx, req.URL)
		if err != nil {
			return nil, err
		}
		data, mimeType = fetched.Data, fetched.MIMEType
	}

	ct := req.ContentType
	if ct == "" {
		inferred, ok := InferContentType(mimeType, data)
		if !ok {
			return nil, fmt.Errorf("%w: cannot infer content type", domain.ErrUnsupportedType)
		}
		ct = inferred
	}

	types, err := s.typesFor(ct, req.Types)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &HashResult{ContentType: ct, Fingerprints: make(map[signal.Name]signal.Fingerprint, len(types))}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, caps := range types {
		caps := caps
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fp, err := caps.HashBytes(data)
			if err != nil {
				return fmt.Errorf("%s: %w", caps.Name, err)
			}
			mu.Lock()
			result.Fingerprints[caps.Name] = fp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.With(logger.Fields{
		"content_type": string(ct),
	}).WithCount(len(result.Fingerprints)).WithDuration(time.Since(start).Milliseconds()).Debug(ctx, "Hashed content")
	return result, nil
}

// typesFor returns the enabled hashers for ct, restricted to wanted when set.
func (s *HashService) typesFor(ct signal.ContentType, wanted []string) ([]*signal.Capabilities, error) {
	available := s.registry.ForContent(ct)
	if len(wanted) == 0 {
		out := make([]*signal.Capabilities, 0, len(available))
		for _, caps := range available {
			if s.settings == nil || s.settings.Enabled(caps.Name) {
				out = append(out, caps)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: no enabled signal type for %s", domain.ErrUnsupportedType, ct)
		}
		return out, nil
	}

	byName := make(map[signal.Name]*signal.Capabilities, len(available))
	for _, caps := range available {
		byName[caps.Name] = caps
	}
	var out []*signal.Capabilities
	for _, w := range wanted {
		name := signal.Name(strings.ToLower(strings.TrimSpace(w)))
		caps, ok := byName[name]
		if !ok {
			if _, known := s.registry.Get(name); !known {
				return nil, fmt.Errorf("%w: unknown signal type %q", domain.ErrFormat, w)
			}
			return nil, fmt.Errorf("%w: %s cannot be computed from %s", domain.ErrUnsupportedType, name, ct)
		}
		if s.settings != nil && !s.settings.Enabled(name) {
			return nil, fmt.Errorf("%s: %w", name, domain.ErrDisabled)
		}
		out = append(out, caps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
