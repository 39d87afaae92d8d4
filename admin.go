package cacheengine

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tunexa/cache-engine/cache"
)

// AdminRouter exposes the operational endpoints operators expect: the
// statistics snapshot, forced clears and remote-tier health. Mount it under
// an internal path; it carries no authentication of its own.
func (e *Engine) AdminRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", e.handleStats)
	r.Get("/health", e.handleHealth)
	r.Post("/clear", e.handleClear)
	return r
}

func (e *Engine) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.Metrics())
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := e.Metrics()
	status := http.StatusOK
	// degraded cache is still a working cache; only report trouble, don't
	// fail the probe outright unless the remote tier is gone
	if stats.RemoteHealth == "unreachable" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"remote":      stats.RemoteHealth,
		"tierEntries": stats.TierEntries,
	})
}

// handleClear clears entries selected by the tier, pattern and tags query
// parameters. With no parameters it clears everything.
func (e *Engine) handleClear(w http.ResponseWriter, r *http.Request) {
	criteria := ClearCriteria{
		Tier:    r.URL.Query().Get("tier"),
		Pattern: r.URL.Query().Get("pattern"),
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		criteria.Tags = strings.Split(tags, ",")
	}
	if criteria.Tier != "" {
		switch criteria.Tier {
		case cache.TierMemory, cache.TierRemote, cache.TierPersistent:
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown tier " + criteria.Tier})
			return
		}
	}
	cleared, err := e.Clear(r.Context(), criteria)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	e.log.Info().Interface("criteria", criteria).Int("cleared", cleared).Msg("Operator-forced clear")
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
