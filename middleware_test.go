package cacheengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResponseCache(t *testing.T, cfg ResponseCacheConfig) (*ResponseCache, *Engine) {
	t.Helper()
	nop := zerolog.Nop()
	engine, err := New(Config{Logger: &nop})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})
	return NewResponseCache(engine, cfg), engine
}

func countingHandler(calls *atomic.Int32, status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
}

func TestResponseCacheMissThenHit(t *testing.T) {
	rc, _ := newTestResponseCache(t, ResponseCacheConfig{})
	var calls atomic.Int32
	handler := rc.Middleware(countingHandler(&calls, http.StatusOK, `{"model":"3series"}`))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/cars/bmw", nil))
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, `{"model":"3series"}`, first.Body.String())
	assert.Contains(t, first.Header().Get("Cache-Status"), "fwd=miss")
	assert.Contains(t, first.Header().Get("Cache-Status"), "stored")

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/cars/bmw", nil))
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, `{"model":"3series"}`, second.Body.String())
	assert.Contains(t, second.Header().Get("Cache-Status"), "hit")
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))

	assert.Equal(t, int32(1), calls.Load())
}

func TestResponseCacheQueryPartitioning(t *testing.T) {
	rc, _ := newTestResponseCache(t, ResponseCacheConfig{})
	var calls atomic.Int32
	handler := rc.Middleware(countingHandler(&calls, http.StatusOK, "ok"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars?make=bmw", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars?make=audi", nil))
	assert.Equal(t, int32(2), calls.Load())

	// parameter order does not split the cache
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars?make=bmw&year=2020", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars?year=2020&make=bmw", nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestResponseCachePrincipalPartitioning(t *testing.T) {
	rc, _ := newTestResponseCache(t, ResponseCacheConfig{
		Principal: func(r *http.Request) string { return r.Header.Get("X-User") },
	})
	var calls atomic.Int32
	handler := rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("garage of " + r.Header.Get("X-User")))
	}))

	get := func(user string) string {
		r := httptest.NewRequest(http.MethodGet, "/garage", nil)
		r.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Body.String()
	}

	assert.Equal(t, "garage of alice", get("alice"))
	assert.Equal(t, "garage of bob", get("bob"))
	assert.Equal(t, "garage of alice", get("alice"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestResponseCacheSkipsAuthorizedRequests(t *testing.T) {
	rc, _ := newTestResponseCache(t, ResponseCacheConfig{})
	var calls atomic.Int32
	handler := rc.Middleware(countingHandler(&calls, http.StatusOK, "private"))

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodGet, "/me", nil)
		r.Header.Set("Authorization", "Bearer token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.NotContains(t, w.Header().Get("Cache-Status"), "stored")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestResponseCacheAuthorizedRequestBypassesCache(t *testing.T) {
	rc, _ := newTestResponseCache(t, ResponseCacheConfig{})
	handler := rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			w.Write([]byte("personalized"))
			return
		}
		w.Write([]byte("anonymous"))
	}))

	// prime the shared entry with an anonymous request
	anon := httptest.NewRecorder()
	handler.ServeHTTP(anon, httptest.NewRequest(http.MethodGet, "/cars", nil))
	require.Equal(t, "anonymous", anon.Body.String())
	require.Contains(t, anon.Header().Get("Cache-Status"), "stored")

	// an authenticated caller must never receive the shared copy
	r := httptest.NewRequest(http.MethodGet, "/cars", nil)
	r.Header.Set("Authorization", "Bearer token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, "personalized", w.Body.String())
	assert.Empty(t, w.Header().Get("Cache-Status"))
}

func TestResponseCacheHeadDoesNotPurge(t *testing.T) {
	rc, _ := newTestResponseCache(t, ResponseCacheConfig{})
	var calls atomic.Int32
	handler := rc.Middleware(countingHandler(&calls, http.StatusOK, "cars"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodHead, "/cars", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodOptions, "/cars", nil))

	// the cached GET survived the read-only methods
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars", nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestResponseCacheSkipsErrorResponses(t *testing.T) {
	rc, _ := newTestResponseCache(t, ResponseCacheConfig{})
	var calls atomic.Int32
	handler := rc.Middleware(countingHandler(&calls, http.StatusBadGateway, "origin down"))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cars", nil))
		assert.Equal(t, http.StatusBadGateway, w.Code)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestResponseCachePurgeOnWrite(t *testing.T) {
	rc, _ := newTestResponseCache(t, ResponseCacheConfig{})
	var calls atomic.Int32
	handler := rc.Middleware(countingHandler(&calls, http.StatusOK, "cars"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars", nil))
	assert.Equal(t, int32(1), calls.Load())

	post := httptest.NewRecorder()
	handler.ServeHTTP(post, httptest.NewRequest(http.MethodPost, "/cars", strings.NewReader("{}")))
	assert.Equal(t, http.StatusOK, post.Code)

	// the write purged the cached GET, so the next read goes to the handler
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars", nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestResponseCacheWriteFailureDoesNotPurge(t *testing.T) {
	rc, _ := newTestResponseCache(t, ResponseCacheConfig{})
	var calls atomic.Int32
	handler := rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		calls.Add(1)
		w.Write([]byte("cars"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/cars", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars", nil))
	assert.Equal(t, int32(1), calls.Load())
}

func TestResponseCacheCorruptEntryFallsThrough(t *testing.T) {
	rc, engine := newTestResponseCache(t, ResponseCacheConfig{})
	var calls atomic.Int32
	handler := rc.Middleware(countingHandler(&calls, http.StatusOK, "fresh"))
	ctx := context.Background()

	r := httptest.NewRequest(http.MethodGet, "/cars", nil)
	key := rc.keyer.ForRequest(r, "")
	require.NoError(t, engine.Set(ctx, key, []byte("not an http response")))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, "fresh", w.Body.String())
	assert.Equal(t, int32(1), calls.Load())

	// the corrupt entry was replaced by the fresh response
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cars", nil))
	assert.Contains(t, w.Header().Get("Cache-Status"), "hit")
	assert.Equal(t, int32(1), calls.Load())
}

func TestResponseCacheMarkerNotStored(t *testing.T) {
	rc, engine := newTestResponseCache(t, ResponseCacheConfig{})
	handler := rc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body"))
	}))

	r := httptest.NewRequest(http.MethodGet, "/cars", nil)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	key := rc.keyer.ForRequest(r, "")
	stored, found, err := engine.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotContains(t, string(stored), "Cache-Status")
}

func TestResponseCacheInvalidatePath(t *testing.T) {
	rc, _ := newTestResponseCache(t, ResponseCacheConfig{})
	var calls atomic.Int32
	handler := rc.Middleware(countingHandler(&calls, http.StatusOK, "ok"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars/bmw", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars/audi", nil))

	r := httptest.NewRequest(http.MethodDelete, "/cars", nil)
	assert.Equal(t, 2, rc.InvalidatePath(r, "/cars"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cars/bmw", nil))
	assert.Equal(t, int32(3), calls.Load())
}
