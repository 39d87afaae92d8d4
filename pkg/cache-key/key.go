// Package cachekey builds deterministic cache keys for HTTP responses.
//
// A response key is a fingerprint over method, path, query parameters and
// the requesting principal. Method and path stay readable in the key so that
// pattern-based purges can target a resource family; query and principal are
// folded into a digest.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const separator = ":"

// Keyer builds response cache keys under a fixed prefix, so response entries
// share the key space with other cache users without colliding.
type Keyer struct {
	Prefix string
}

// NewKeyer returns a Keyer with the given key prefix (e.g. "resp").
func NewKeyer(prefix string) Keyer {
	return Keyer{Prefix: prefix}
}

// ForRequest builds the key for an incoming request and its principal.
// An empty principal means an anonymous request.
func (k Keyer) ForRequest(r *http.Request, principal string) string {
	return k.Fingerprint(r.Method, r.URL.Path, r.URL.Query(), principal)
}

// Fingerprint builds a key from the individual request components.
func (k Keyer) Fingerprint(method, path string, query url.Values, principal string) string {
	sum := sha256.Sum256([]byte(canonicalQuery(query) + "\n" + principal))
	digest := hex.EncodeToString(sum[:8])
	return k.Prefix + separator + method + separator + path + separator + digest
}

// FamilyPattern returns a wildcard pattern matching every variant cached for
// the given method under the given path prefix. Use it for purging all reads
// of a resource family after a write.
func (k Keyer) FamilyPattern(method, pathPrefix string) string {
	return k.Prefix + separator + method + separator + pathPrefix + "*"
}

// canonicalQuery renders query parameters in a stable order so that
// parameter ordering in the URL does not fragment the cache.
func canonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		values := append([]string(nil), query[name]...)
		sort.Strings(values)
		for _, value := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(value))
		}
	}
	return b.String()
}
