package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowlayer/kvcacheproxy/internal/config"
	"github.com/flowlayer/kvcacheproxy/internal/coordinator"
	"github.com/flowlayer/kvcacheproxy/internal/lcpindex"
	"github.com/flowlayer/kvcacheproxy/internal/metastore"
	"github.com/flowlayer/kvcacheproxy/internal/ratelimit"
	"github.com/flowlayer/kvcacheproxy/internal/slotmanager"
	"github.com/flowlayer/kvcacheproxy/internal/upstream"
)

type fakeLimiter struct {
	counts map[string]int64
	err    error
}

func newFakeLimiter() *fakeLimiter { return &fakeLimiter{counts: map[string]int64{}} }

func (f *fakeLimiter) Get(ctx context.Context, key string) (int64, error) {
	return f.counts[key], f.err
}

func (f *fakeLimiter) Incr(ctx context.Context, key string, val int64) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key] += val
	return f.counts[key], nil
}

func newTestServer(t *testing.T, backendURL string, limiter *fakeLimiter, rps int) *Server {
	t.Helper()
	cfg := &config.Config{BigThreshold: 2, WordsPerBlock: 2, LCPThreshold: 0.5, RateLimitRPS: rps}
	slots := slotmanager.New(2)
	t.Cleanup(slots.Close)
	index := lcpindex.New()
	store := metastore.New(t.TempDir())
	client := upstream.New(backendURL)
	coord := coordinator.New(cfg, slots, index, store, client)
	var l ratelimit.Limiter
	if limiter != nil {
		l = limiter
	}
	return New(cfg, coord, client, l)
}

func TestHandleModels_ProxiesBackendCatalog(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"llama-3-8b","object":"model"}]}`))
	}))
	defer backend.Close()

	s := newTestServer(t, backend.URL, nil, 0)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "llama-3-8b")
	assert.Contains(t, rec.Body.String(), `"object":"list"`)
}

func TestHandleModels_BackendDownReturnsBadGateway(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1", nil, 0)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"bad_gateway"`)
}

func TestHandleHealthz_OK(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid", nil, 0)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHandleChatCompletions_RelaysBackendResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello back"))
	}))
	defer backend.Close()

	s := newTestServer(t, backend.URL, nil, 0)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m","prompt":"hi"}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello back")
}

func TestLegacyCompletionsRoute_UsesSameForwardPath(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("legacy ok"))
	}))
	defer backend.Close()

	s := newTestServer(t, backend.URL, nil, 0)
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"m","prompt":"hi"}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "legacy ok")
}

func TestHandleSlots_ProxiesModelScopedListSlots(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/llama-3-8b/slots", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":0,"is_processing":false}]`))
	}))
	defer backend.Close()

	s := newTestServer(t, backend.URL, nil, 0)
	req := httptest.NewRequest(http.MethodGet, "/v1/llama-3-8b/slots", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":0`)
}

func TestHandleSlots_BackendDownReturnsBadGateway(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1", nil, 0)
	req := httptest.NewRequest(http.MethodGet, "/v1/m/slots", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleChatCompletions_InvalidBodyIsBadRequest(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid", nil, 0)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChatCompletions_WrongMethodIsBadRequest(t *testing.T) {
	s := newTestServer(t, "http://unused.invalid", nil, 0)
	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithRateLimit_BlocksOverLimitClient(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	limiter := newFakeLimiter()
	s := newTestServer(t, backend.URL, limiter, 1)

	req1 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m","prompt":"hi"}`))
	req1.Header.Set("X-Client-Id", "client-a")
	rec1 := httptest.NewRecorder()
	s.ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m","prompt":"hi"}`))
	req2.Header.Set("X-Client-Id", "client-a")
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusServiceUnavailable, rec2.Code)
}

func TestWithRateLimit_DisabledWhenLimiterNil(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	s := newTestServer(t, backend.URL, nil, 5)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m","prompt":"hi"}`))
		req.Header.Set("X-Client-Id", "client-a")
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
