package server

import (
	"encoding/json"
	"net/http"

	"twitchrss/feed"
)

// HandleCachePurge drops the cached feed for one channel so the next request
// rebuilds it from the upstream.
func (h *Handlers) HandleCachePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel := feed.NormalizeLogin(r.URL.Query().Get("channel"))
	if channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}
	purged := h.svc.Purge(channel)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"purged":  purged,
		"channel": channel,
	})
}
