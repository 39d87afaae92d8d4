package cacheengine

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	cachekey "github.com/tunexa/cache-engine/pkg/cache-key"
	tee "github.com/tunexa/cache-engine/pkg/response-writer-tee"
)

// ResponseCacheConfig configures the HTTP response cache middleware.
type ResponseCacheConfig struct {
	// TTL for stored responses. Zero falls back to the engine default.
	TTL time.Duration
	// KeyPrefix namespaces response keys within the engine. Default "resp".
	KeyPrefix string
	// Principal extracts the requesting principal's id from the request, so
	// per-user responses do not leak between users. The default treats all
	// requests as anonymous and refuses to cache authenticated ones.
	Principal func(*http.Request) string
	// Cacheable decides whether a response may be stored. It is also
	// consulted before the cache lookup with an optimistic 200 status, so a
	// request it refuses is never answered from the cache. The default
	// caches non-error responses to GET requests without an Authorization
	// header.
	Cacheable func(r *http.Request, statusCode int) bool
	// PurgeOnWrite purges the cached GET family of a path after a
	// successful write request to it. Enabled by default semantics: set
	// DisablePurgeOnWrite to turn it off.
	DisablePurgeOnWrite bool
	// Logger to use. The engine's logger is used if nil.
	Logger *zerolog.Logger
}

// ResponseCache is a middleware that serves full HTTP responses from the
// cache engine, keyed by method, path, query and principal. Hits
// short-circuit the handler; misses run it and capture the response.
type ResponseCache struct {
	engine       *Engine
	keyer        cachekey.Keyer
	ttl          time.Duration
	principal    func(*http.Request) string
	cacheable    func(*http.Request, int) bool
	purgeOnWrite bool
	log          zerolog.Logger
}

// NewResponseCache builds the middleware on top of an engine.
func NewResponseCache(engine *Engine, cfg ResponseCacheConfig) *ResponseCache {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "resp"
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = engine.defaultTTL
	}
	principal := cfg.Principal
	if principal == nil {
		principal = func(*http.Request) string { return "" }
	}
	cacheable := cfg.Cacheable
	if cacheable == nil {
		cacheable = defaultCacheable
	}
	logger := engine.log
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &ResponseCache{
		engine:       engine,
		keyer:        cachekey.NewKeyer(prefix),
		ttl:          ttl,
		principal:    principal,
		cacheable:    cacheable,
		purgeOnWrite: !cfg.DisablePurgeOnWrite,
		log:          logger.With().Str("component", "response-cache").Logger(),
	}
}

func defaultCacheable(r *http.Request, statusCode int) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Authorization") != "" {
		return false
	}
	return statusCode < 400
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Middleware wraps next with response caching.
func (rc *ResponseCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rc.serveWrite(w, r, next)
			return
		}
		// a request the predicate refuses to cache must not be served a
		// shared copy either (an Authorization-bearing GET would otherwise
		// receive the cached anonymous response)
		if !rc.cacheable(r, http.StatusOK) {
			next.ServeHTTP(w, r)
			return
		}

		key := rc.keyer.ForRequest(r, rc.principal(r))
		if stored, found, _ := rc.engine.Get(r.Context(), key); found {
			if rc.sendStored(w, key, stored) {
				return
			}
			// corrupt entry: drop it and fall through to the handler
			rc.log.Error().Str("key", key).Msg("Could not replay cached response, purging")
			rc.engine.Delete(r.Context(), key)
		}

		// buffer the response so the marker header can still be set and a
		// non-cacheable result is never stored
		saver := tee.NewResponseSaver(nil)
		next.ServeHTTP(saver, r)
		if saver.StatusCode() == 0 {
			// handler wrote nothing at all
			saver.WriteHeader(http.StatusOK)
		}

		stored := false
		if rc.cacheable(r, saver.StatusCode()) {
			err := rc.engine.Set(r.Context(), key, saver.Response(), SetOptions{TTL: rc.ttl})
			if err != nil {
				rc.log.Debug().Err(err).Str("key", key).Msg("Response not cached")
			}
			stored = err == nil
		}

		copyHeader(w.Header(), saver.Header())
		w.Header().Set("Cache-Status", cacheStatus(false, stored, key))
		w.WriteHeader(saver.StatusCode())
		if _, err := w.Write(saver.Body()); err != nil {
			rc.log.Error().Err(err).Msg("Could not write response body to client")
		}
	})
}

// serveWrite passes a non-GET request through and purges the cached GET
// family for the path after a successful mutation, so stale reads disappear
// with the write. HEAD and OPTIONS pass through without purging.
func (rc *ResponseCache) serveWrite(w http.ResponseWriter, r *http.Request, next http.Handler) {
	saver := tee.NewResponseSaver(w)
	next.ServeHTTP(saver, r)
	if rc.purgeOnWrite && isMutating(r.Method) && saver.StatusCode() < 400 {
		if cleared := rc.InvalidatePath(r, r.URL.Path); cleared > 0 {
			rc.log.Debug().Str("path", r.URL.Path).Int("cleared", cleared).Msg("Purged cached reads after write")
		}
	}
}

// sendStored replays a serialized response. It reports false when the
// stored bytes cannot be parsed.
func (rc *ResponseCache) sendStored(w http.ResponseWriter, key string, stored []byte) bool {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(stored)), nil)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", cacheStatus(true, false, key))
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		rc.log.Error().Err(err).Msg("Could not write cached body to client")
	}
	return true
}

// InvalidatePath purges every cached GET variant under the given path
// prefix, for any principal and query combination.
func (rc *ResponseCache) InvalidatePath(r *http.Request, pathPrefix string) int {
	pattern := rc.keyer.FamilyPattern(http.MethodGet, pathPrefix)
	cleared, err := rc.engine.Clear(r.Context(), ClearCriteria{Pattern: pattern})
	if err != nil {
		rc.log.Debug().Err(err).Str("pattern", pattern).Msg("Purge failed")
		return 0
	}
	return cleared
}

// cacheStatus renders the marker header value, including the fingerprint to
// aid debugging.
func cacheStatus(hit, stored bool, key string) string {
	if hit {
		return fmt.Sprintf("tunexa-cache; hit; key=%q", key)
	}
	status := fmt.Sprintf("tunexa-cache; fwd=miss; key=%q", key)
	if stored {
		status += "; stored"
	}
	return status
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
