package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/mediamatch/internal/config"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/repository"
	"github.com/timmy/mediamatch/internal/service"
	"github.com/timmy/mediamatch/internal/signal"
	"github.com/timmy/mediamatch/internal/storage"
)

const (
	sampleHex = "f8f8f0cee0f4a84f06370a22038f63f0b36e2ed596621e1d33e6b39c4e9c9b22"
	// nearHex differs from sampleHex in three bits.
	nearHex = "f8f8f0cee0f4a84f06370a22038f63f0b36e2ed596621e1d33e6b39c4e9c9b25"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []service.MatchEvent
}

func (r *eventRecorder) Emit(_ context.Context, events []service.MatchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type testServer struct {
	engine *service.Engine
	router *gin.Engine
	sink   *eventRecorder
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Mode: "test", CORS: config.CORSConfig{AllowAllOrigins: true}},
		Roles:  config.RolesConfig{Hasher: true, Matcher: true, Curator: true},
		Tasks:  config.TasksConfig{Indexer: true, IndexerIntervalSeconds: 60},
		Blob:   config.BlobConfig{Type: "memory", Prefix: "indexes"},
		SignalTypes: map[string]config.SignalTypeConfig{
			"pdq":       {Enabled: true, Threshold: 31},
			"video_md5": {Enabled: true, Threshold: 0},
		},
		Match:   config.MatchConfig{DefaultSeed: "api-test"},
		Fetcher: config.FetcherConfig{Timeout: time.Second},
	}
	if mutate != nil {
		mutate(cfg)
	}

	log := logger.New(&logger.Config{Level: "error", Output: io.Discard})
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "api.db"),
		MaxOpenConns: 1,
		AutoMigrate:  true,
		LogLevel:     "silent",
	}, log)
	require.NoError(t, err)

	sink := &eventRecorder{}
	engine, err := service.NewEngine(context.Background(), cfg, db, log, &service.EngineOptions{
		Sink:    sink,
		Objects: storage.NewMemoryStorage(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		engine.Close(time.Second)
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return &testServer{engine: engine, router: SetupRouter(engine, log), sink: sink}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) buildIndexes(t *testing.T) {
	t.Helper()
	for _, caps := range s.engine.Registry.All() {
		_, err := s.engine.Indexer.Build(context.Background(), caps.Name)
		require.NoError(t, err)
	}
}

func noisePNG(t *testing.T, seed uint64) []byte {
	t.Helper()
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	img := image.NewNRGBA(image.Rect(0, 0, 96, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 96; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(r.IntN(256)), G: uint8(r.IntN(256)), B: uint8(r.IntN(256)), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHealthAndRequestID(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	body := decode[map[string]any](t, w)
	assert.Equal(t, "starting", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	s.buildIndexes(t)
	body = decode[map[string]any](t, s.do(t, http.MethodGet, "/health", nil))
	assert.Equal(t, "ok", body["status"])
}

func TestRolesGateRouteGroups(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Roles = config.RolesConfig{Hasher: true}
	})
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/m/lookup?signal="+sampleHex, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/c/banks", nil).Code)
	assert.NotEqual(t, http.StatusNotFound, s.do(t, http.MethodPost, "/h/hash", map[string]any{}).Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/c/banks", nil)
	req.Header.Set("Origin", "https://curation.example")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestBankCurationFlow(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/c/banks", map[string]any{"name": "test_bank"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	bank := decode[map[string]any](t, w)
	assert.Equal(t, "TEST_BANK", bank["name"])

	w = s.do(t, http.MethodPost, "/c/banks", map[string]any{"name": "TEST_BANK"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "AlreadyExists", decode[map[string]any](t, w)["error"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/c/banks", map[string]any{"name": "bad name!"}).Code)

	w = s.do(t, http.MethodPost, "/c/bank/TEST_BANK/signal", map[string]any{
		"pdq":      sampleHex,
		"metadata": map[string]string{"case": "42"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	content := decode[service.ContentView](t, w)
	assert.Equal(t, sampleHex, content.Signals["pdq"])
	assert.Equal(t, "42", content.Metadata["case"])
	contentPath := "/c/bank/TEST_BANK/content/" + strconv.FormatInt(content.ID, 10)

	w = s.do(t, http.MethodGet, "/c/bank/test_bank", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[service.BankView](t, w)
	assert.Equal(t, int64(1), view.ContentTypeCounts["pdq"])

	w = s.do(t, http.MethodPut, contentPath, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decode[service.ContentView](t, w).Enabled)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, contentPath, map[string]any{}).Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/c/bank/OTHER/content/"+strconv.FormatInt(content.ID, 10), nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/c/bank/TEST_BANK/content/abc", nil).Code)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, contentPath, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, contentPath, nil).Code)

	w = s.do(t, http.MethodPut, "/c/bank/TEST_BANK", map[string]any{"name": "RENAMED", "matching_enabled_ratio": 0.5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "RENAMED", decode[map[string]any](t, w)["name"])

	w = s.do(t, http.MethodGet, "/c/banks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["total"])

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/c/bank/RENAMED", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/c/bank/RENAMED", nil).Code)
}

func TestAddContentByBytes(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/c/banks", map[string]any{"name": "MEDIA"}).Code)

	w := s.do(t, http.MethodPost, "/c/bank/MEDIA/content?content_type=photo", map[string]any{
		"bytes_b64": base64.StdEncoding.EncodeToString(noisePNG(t, 7)),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	content := decode[service.ContentView](t, w)
	assert.Len(t, content.Signals["pdq"], 64)

	w = s.do(t, http.MethodPost, "/c/bank/MEDIA/content?content_type=sculpture", map[string]any{
		"bytes_b64": base64.StdEncoding.EncodeToString(noisePNG(t, 7)),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLookupAndMatch(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/c/banks", map[string]any{"name": "A"}).Code)
	w := s.do(t, http.MethodPost, "/c/bank/A/signal", map[string]any{"pdq": sampleHex})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[service.ContentView](t, w).ID

	w = s.do(t, http.MethodGet, "/m/lookup?signal="+sampleHex, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "IndexNotReady", decode[map[string]any](t, w)["error"])

	s.buildIndexes(t)

	w = s.do(t, http.MethodGet, "/m/lookup?signal_type=pdq&include_distance=true&signal="+nearHex, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[handlerMatchResponse](t, w)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, id, res.Matches[0].BankContentID)
	require.NotNil(t, res.Matches[0].Distance)
	assert.Equal(t, 3, *res.Matches[0].Distance)

	w = s.do(t, http.MethodGet, "/m/lookup?signal="+sampleHex, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "distance")

	w = s.do(t, http.MethodGet, "/m/lookup?threshold=2&include_distance=true&signal="+nearHex, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[handlerMatchResponse](t, w).Matches)

	w = s.do(t, http.MethodGet, "/m/lookup?signal=nothex", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BadSignal", decode[map[string]any](t, w)["error"])

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/m/lookup?banks=MISSING&signal="+sampleHex, nil).Code)
	w = s.do(t, http.MethodGet, "/m/lookup", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BadSignal", decode[map[string]any](t, w)["error"])

	w = s.do(t, http.MethodGet, "/m/raw_lookup?signal="+nearHex, nil)
	require.Equal(t, http.StatusOK, w.Code)
	raw := decode[handlerMatchResponse](t, w)
	require.Len(t, raw.Matches, 1)
	assert.Equal(t, 3, *raw.Matches[0].Distance)

	w = s.do(t, http.MethodPost, "/m/match", map[string]any{"signal": nearHex, "content_id": "upload-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	matched := decode[handlerMatchResponse](t, w)
	assert.Equal(t, "upload-1", matched.ContentID)
	require.Len(t, matched.Matches, 1)
	assert.Equal(t, 1, s.sink.count())

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/m/match", map[string]any{}).Code)
}

// handlerMatchResponse mirrors the JSON of match responses.
type handlerMatchResponse struct {
	ContentID string `json:"content_id"`
	Matches   []struct {
		BankContentID int64  `json:"bank_content_id"`
		Bank          string `json:"bank"`
		Distance      *int   `json:"distance"`
	} `json:"matches"`
	Hashes map[string]string `json:"hashes"`
}

func TestCompare(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/m/compare", map[string][]string{"pdq": {sampleHex, nearHex}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[map[string]service.CompareResult](t, w)
	assert.Equal(t, service.CompareResult{Distance: 3, Match: true}, res["pdq"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/m/compare", map[string][]string{"pdq": {sampleHex}}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/m/compare", map[string][]string{"nope": {sampleHex, sampleHex}}).Code)
}

func TestIndexStatusAndRebuild(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/m/index/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[map[string]map[string]any](t, w)
	require.Contains(t, status, "pdq")
	assert.Equal(t, "Empty", status["pdq"]["state"])

	s.buildIndexes(t)
	status = decode[map[string]map[string]any](t, s.do(t, http.MethodGet, "/m/index/status", nil))
	assert.Equal(t, "Ready", status["pdq"]["state"])
	assert.NotEmpty(t, status["pdq"]["built_at"])

	w = s.do(t, http.MethodPost, "/m/index/rebuild?signal_type=PDQ", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []any{"pdq"}, decode[map[string]any](t, w)["triggered"])
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/m/index/rebuild?signal_type=bogus", nil).Code)
}

func TestHashEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer upstream.Close()
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/h/hash", map[string]any{
		"bytes_b64": base64.StdEncoding.EncodeToString(noisePNG(t, 3)),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	hashes := decode[map[string]string](t, w)
	assert.Len(t, hashes[string(signal.PDQ)], 64)

	w = s.do(t, http.MethodPost, "/h/hash", map[string]any{
		"bytes_b64": base64.StdEncoding.EncodeToString([]byte("just some text")),
	})
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Equal(t, "UnsupportedType", decode[map[string]any](t, w)["error"])

	w = s.do(t, http.MethodPost, "/h/hash", map[string]any{
		"bytes_b64":    base64.StdEncoding.EncodeToString([]byte("garbage")),
		"content_type": "photo",
	})
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	w = s.do(t, http.MethodPost, "/h/hash", map[string]any{"url": upstream.URL + "/missing.png"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "FetchFailed", decode[map[string]any](t, w)["error"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/h/hash", map[string]any{}).Code)
}

func TestEmptyChunkedBodyUsesQueryParameters(t *testing.T) {
	img := noisePNG(t, 9)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	}))
	defer upstream.Close()
	s := newTestServer(t, nil)

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, io.NopCloser(strings.NewReader("")))
		req.ContentLength = -1
		req.TransferEncoding = []string{"chunked"}
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}

	w := send("/h/hash?url=" + url.QueryEscape(upstream.URL+"/a.png"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[map[string]string](t, w)[string(signal.PDQ)], 64)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/c/banks", map[string]any{"name": "A"}).Code)
	w = send("/c/bank/A/content?url=" + url.QueryEscape(upstream.URL+"/a.png"))
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestSignalTypeSettings(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/c/signal_types", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]any](t, w)["signal_types"], 2)

	w = s.do(t, http.MethodPut, "/c/signal_type/pdq", map[string]any{"threshold": 10})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 10, decode[map[string]any](t, w)["threshold"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/c/signal_type/pdq", map[string]any{"threshold": 300}).Code)

	w = s.do(t, http.MethodPut, "/c/signal_type/pdq", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodGet, "/m/lookup?signal="+sampleHex, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Disabled", decode[map[string]any](t, w)["error"])
}

func TestSources(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Sources = []config.SourceConfig{
			{Name: "feed", Kind: config.SourceKindHashes, Path: filepath.Join(t.TempDir(), "missing.txt"), Bank: "FEED", Create: true},
		}
	})

	w := s.do(t, http.MethodGet, "/c/sources", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[sourcesList](t, w)
	require.Len(t, list.Sources, 1)
	assert.Equal(t, "feed", list.Sources[0].Name)

	w = s.do(t, http.MethodPost, "/c/sources/feed/sync", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decode[map[string]any](t, w)["last_error"])

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/c/sources/unknown/sync", nil).Code)
}

type sourcesList struct {
	Sources []struct {
		Name string `json:"name"`
	} `json:"sources"`
}
