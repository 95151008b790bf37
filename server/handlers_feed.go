package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"twitchrss/feed"
	"twitchrss/telemetry"
	"twitchrss/twitchapi"
)

// HandleChannelDispatcher routes requests under /{login}/* to appropriate sub-handlers.
func (h *Handlers) HandleChannelDispatcher(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// crude routing
	path := strings.Trim(r.URL.Path, "/")
	if path == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(path, "/")
	login := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch tail {
	case "", "vod":
		h.handleFeed(w, r, login)
	case "id":
		h.handleChannelID(w, r, login)
	default:
		http.NotFound(w, r)
	}
}

// handleFeed serves the cached or freshly built feed for one channel.
// A stale document served during an upstream outage is a plain 200; only
// a miss with no cached fallback surfaces the upstream failure.
func (h *Handlers) handleFeed(w http.ResponseWriter, r *http.Request, login string) {
	doc, _, err := h.svc.Feed(r.Context(), login)
	if err != nil {
		writeFeedError(w, r, login, err)
		return
	}

	format := feed.ParseFormat(r.URL.Query().Get("format"))
	body, err := feed.Render(doc, format)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("feed render failed",
			slog.String("channel", login), slog.Any("err", err))
		http.Error(w, "failed to render feed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// handleChannelID returns the numeric Twitch user id for a login as plain text.
func (h *Handlers) handleChannelID(w http.ResponseWriter, r *http.Request, login string) {
	id, err := h.svc.ChannelID(r.Context(), login)
	if err != nil {
		writeFeedError(w, r, login, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(id))
}

// writeFeedError maps upstream failures onto HTTP statuses. Unknown channels
// and malformed logins are the caller's fault; everything else is reported as
// a gateway-side problem so feed readers keep retrying on their own schedule.
func writeFeedError(w http.ResponseWriter, r *http.Request, login string, err error) {
	log := telemetry.LoggerWithCorr(r.Context())

	var ae *twitchapi.AuthError
	if errors.As(err, &ae) {
		log.Error("feed request failed", slog.String("channel", login), slog.Any("err", err))
		http.Error(w, "upstream authentication failed", http.StatusBadGateway)
		return
	}

	var ue *twitchapi.UpstreamError
	if errors.As(err, &ue) {
		switch ue.Kind {
		case twitchapi.KindNotFound:
			http.Error(w, "channel not found", http.StatusNotFound)
		case twitchapi.KindRateLimited:
			if ue.RetryAfter > 0 {
				secs := int((ue.RetryAfter + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
			}
			log.Warn("feed request rate limited", slog.String("channel", login))
			http.Error(w, "upstream rate limited", http.StatusServiceUnavailable)
		default:
			log.Error("feed request failed", slog.String("channel", login), slog.Any("err", err))
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		}
		return
	}

	var be *twitchapi.BuildError
	if errors.As(err, &be) {
		log.Error("feed request failed", slog.String("channel", login), slog.Any("err", err))
		http.Error(w, "upstream returned invalid data", http.StatusBadGateway)
		return
	}

	log.Error("feed request failed", slog.String("channel", login), slog.Any("err", err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}
