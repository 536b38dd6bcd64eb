package service

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/timmy/mediamatch/internal/config"
	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/signal"
)

// ContentFetcher retrieves submitted media by URL.
type ContentFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*FetchedContent, error)
}

// FetchedContent is the body of a fetched URL and its declared media type.
type FetchedContent struct {
	Data     []byte
	MIMEType string
}

// HTTPFetcher downloads content over HTTP with a shared rate limit and a
// body size cap.
type HTTPFetcher struct {
	client   *resty.Client
	limiter  *rate.Limiter
	maxBytes int64
}

// NewHTTPFetcher creates a fetcher from configuration.
func NewHTTPFetcher(cfg config.FetcherConfig) *HTTPFetcher {
	client := resty.New()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	client.SetTimeout(timeout)
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &HTTPFetcher{
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		maxBytes: maxBytes,
	}
}

// Fetch downloads rawURL. Every failure other than a malformed URL is
// reported as ErrFetchFailed and is not retried.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*FetchedContent, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: content url must be absolute http(s), got %q", domain.ErrFormat, rawURL)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %v", domain.ErrFetchFailed, err)
	}

	start := time.Now()
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrFetchFailed, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d from %s", domain.ErrFetchFailed, resp.StatusCode(), u.Host)
	}

	data, err := io.ReadAll(io.LimitReader(body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrFetchFailed, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrFetchFailed, f.maxBytes)
	}

	mimeType := resp.Header().Get("Content-Type")
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = parsed
	}

	logger.With(logger.Fields{
		"host": u.Host,
	}).WithSize(len(data)).WithDuration(time.Since(start).Milliseconds()).Debug(ctx, "Fetched content")

	return &FetchedContent{Data: data, MIMEType: mimeType}, nil
}

// InferContentType picks photo or video from a declared MIME type, falling
// back to sniffing the bytes.
func InferContentType(mimeType string, data []byte) (signal.ContentType, bool) {
	for _, mt := range []string{mimeType, http.DetectContentType(data)} {
		switch {
		case strings.HasPrefix(mt, "image/"):
			return signal.Photo, true
		case strings.HasPrefix(mt, "video/"):
			return signal.Video, true
		}
	}
	return "", false
}
