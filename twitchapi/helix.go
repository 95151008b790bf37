// Package twitchapi contains the Twitch Helix surface needed to assemble
// channel activity feeds: app token lifecycle, user id resolution, live stream
// lookup and archive video listing, with failures classified for callers.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"twitchrss/telemetry"
)

const (
	helixUsersURL   = "https://api.twitch.tv/helix/users"
	helixStreamsURL = "https://api.twitch.tv/helix/streams"
	helixVideosURL  = "https://api.twitch.tv/helix/videos"

	channelURLPrefix = "https://www.twitch.tv/"

	defaultVideoLimit   = 20
	maxVideoPageSize    = 100
	defaultMaxPages     = 5
	defaultUserCacheTTL = 10 * time.Minute
)

// ActivityKind distinguishes live streams from archived videos.
type ActivityKind string

const (
	ActivityStream ActivityKind = "stream"
	ActivityVideo  ActivityKind = "video"
)

// Activity is one feed-worthy event on a channel.
type Activity struct {
	ID           string
	ChannelID    string
	Title        string
	Description  string
	URL          string
	ThumbnailURL string
	PublishedAt  time.Time
	Kind         ActivityKind
}

// HelixClient calls the Helix endpoints used for feed assembly. Every request
// carries the app token; a 401 triggers exactly one forced token refresh and
// one retry before the failure surfaces as an AuthError. User id lookups are
// served from a per-login TTL cache.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client

	// MaxVideos bounds how many archives ListActivity collects. Zero means 20.
	MaxVideos int
	// MaxPages bounds cursor pagination per listing. Zero means 5.
	MaxPages int
	// IncludeLive prepends the running stream to the activity list when set.
	IncludeLive bool
	// UserCacheTTL bounds the login to user id cache. Zero means 10 minutes.
	UserCacheTTL time.Duration
	// Clock overrides the time source for the id cache. Nil means wall clock.
	Clock clockwork.Clock

	idMu sync.RWMutex
	ids  map[string]idEntry
}

type idEntry struct {
	id        string
	expiresAt time.Time
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) now() time.Time {
	if hc.Clock != nil {
		return hc.Clock.Now()
	}
	return time.Now()
}

func (hc *HelixClient) userCacheTTL() time.Duration {
	if hc.UserCacheTTL > 0 {
		return hc.UserCacheTTL
	}
	return defaultUserCacheTTL
}

// ResolveUserID resolves a login name to its numeric user id, serving repeat
// lookups from the cache until their TTL lapses.
func (hc *HelixClient) ResolveUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", &UpstreamError{Kind: KindNotFound, Err: errors.New("login empty")}
	}
	hc.idMu.RLock()
	ent, ok := hc.ids[login]
	hc.idMu.RUnlock()
	if ok && hc.now().Before(ent.expiresAt) {
		return ent.id, nil
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	q := url.Values{}
	q.Set("login", login)
	if err := hc.getJSON(ctx, helixUsersURL, q, &body); err != nil {
		return "", err
	}
	// Helix answers 200 with an empty data array for unknown logins.
	if len(body.Data) == 0 {
		return "", &UpstreamError{Kind: KindNotFound, Err: errors.New("user not found")}
	}
	id := body.Data[0].ID
	hc.idMu.Lock()
	if hc.ids == nil {
		hc.ids = make(map[string]idEntry)
	}
	hc.ids[login] = idEntry{id: id, expiresAt: hc.now().Add(hc.userCacheTTL())}
	hc.idMu.Unlock()
	return id, nil
}

// GetStream returns the live stream on a channel, or nil when it is offline.
func (hc *HelixClient) GetStream(ctx context.Context, login string) (*Activity, error) {
	if login == "" {
		return nil, &UpstreamError{Kind: KindNotFound, Err: errors.New("login empty")}
	}
	var body struct {
		Data []struct {
			ID           string    `json:"id"`
			UserID       string    `json:"user_id"`
			Title        string    `json:"title"`
			ThumbnailURL string    `json:"thumbnail_url"`
			StartedAt    time.Time `json:"started_at"`
		} `json:"data"`
	}
	q := url.Values{}
	q.Set("user_login", login)
	q.Set("first", "1")
	if err := hc.getJSON(ctx, helixStreamsURL, q, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	s := body.Data[0]
	return &Activity{
		ID:           s.ID,
		ChannelID:    s.UserID,
		Title:        s.Title,
		URL:          channelURLPrefix + login,
		ThumbnailURL: s.ThumbnailURL,
		PublishedAt:  s.StartedAt,
		Kind:         ActivityStream,
	}, nil
}

// ListVideos collects up to limit archive videos for a user, following
// pagination cursors for at most MaxPages pages.
func (hc *HelixClient) ListVideos(ctx context.Context, userID string, limit int) ([]Activity, error) {
	if userID == "" {
		return nil, &UpstreamError{Kind: KindNotFound, Err: errors.New("userID empty")}
	}
	if limit <= 0 {
		limit = defaultVideoLimit
	}
	maxPages := hc.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	pageSize := limit
	if pageSize > maxVideoPageSize {
		pageSize = maxVideoPageSize
	}
	var out []Activity
	after := ""
	for page := 0; page < maxPages; page++ {
		vids, cursor, err := hc.listVideosPage(ctx, userID, after, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, vids...)
		if len(out) >= limit || cursor == "" || len(vids) == 0 {
			break
		}
		after = cursor
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (hc *HelixClient) listVideosPage(ctx context.Context, userID, after string, first int) ([]Activity, string, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("type", "archive")
	q.Set("first", strconv.Itoa(first))
	if after != "" {
		q.Set("after", after)
	}
	var body struct {
		Data []struct {
			ID           string    `json:"id"`
			UserID       string    `json:"user_id"`
			Title        string    `json:"title"`
			Description  string    `json:"description"`
			URL          string    `json:"url"`
			ThumbnailURL string    `json:"thumbnail_url"`
			CreatedAt    time.Time `json:"created_at"`
		} `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.getJSON(ctx, helixVideosURL, q, &body); err != nil {
		return nil, "", err
	}
	out := make([]Activity, 0, len(body.Data))
	for _, v := range body.Data {
		out = append(out, Activity{
			ID:           v.ID,
			ChannelID:    v.UserID,
			Title:        v.Title,
			Description:  v.Description,
			URL:          v.URL,
			ThumbnailURL: v.ThumbnailURL,
			PublishedAt:  v.CreatedAt,
			Kind:         ActivityVideo,
		})
	}
	return out, body.Pagination.Cursor, nil
}

// ListActivity assembles the feed-worthy events for a channel: the live
// stream first when the channel is broadcasting and IncludeLive is set, then
// the most recent archive videos.
func (hc *HelixClient) ListActivity(ctx context.Context, login string) ([]Activity, error) {
	userID, err := hc.ResolveUserID(ctx, login)
	if err != nil {
		return nil, err
	}
	var acts []Activity
	if hc.IncludeLive {
		live, err := hc.GetStream(ctx, login)
		if err != nil {
			return nil, err
		}
		if live != nil {
			if live.ChannelID == "" {
				live.ChannelID = userID
			}
			acts = append(acts, *live)
		}
	}
	limit := hc.MaxVideos
	if limit <= 0 {
		limit = defaultVideoLimit
	}
	vids, err := hc.ListVideos(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	return append(acts, vids...), nil
}

// getJSON issues an authenticated GET and decodes the response into out. A 401
// forces one token refresh and one retry; a second 401 means the credentials
// themselves are bad. Rate limits surface immediately without a retry.
func (hc *HelixClient) getJSON(ctx context.Context, rawURL string, q url.Values, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	status, err := hc.doOnce(ctx, rawURL, q, tok, out)
	if status == http.StatusUnauthorized {
		fresh, rerr := hc.AppTokenSource.Refresh(ctx, tok)
		if rerr != nil {
			return rerr
		}
		status, err = hc.doOnce(ctx, rawURL, q, fresh, out)
		if status == http.StatusUnauthorized {
			return &AuthError{Op: "helix", Err: errors.New("unauthorized after token refresh")}
		}
	}
	return err
}

// doOnce performs a single attempt. It returns the HTTP status alongside the
// classified error so the caller can spot a 401 without unwrapping.
func (hc *HelixClient) doOnce(ctx context.Context, rawURL string, q url.Values, tok string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, &UpstreamError{Kind: KindTransient, Err: err}
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)

	telemetry.IncUpstreamRequest()
	var resp *http.Response
	telemetry.TimeFunc(telemetry.UpstreamDuration, func() {
		resp, err = hc.http().Do(req)
	})
	if err != nil {
		telemetry.IncUpstreamFailure()
		return 0, &UpstreamError{Kind: KindTransient, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			telemetry.IncUpstreamFailure()
			return resp.StatusCode, &BuildError{Err: err}
		}
		return resp.StatusCode, nil
	}
	telemetry.IncUpstreamFailure()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, classifyStatus(resp.StatusCode, parseRetryAfter(resp.Header), strings.TrimSpace(string(b)))
}

// classifyStatus maps a non-200 Helix response onto the error taxonomy.
func classifyStatus(status int, retryAfter time.Duration, msg string) error {
	var cause error
	if msg != "" {
		cause = errors.New(msg)
	} else {
		cause = fmt.Errorf("status %d", status)
	}
	switch {
	case status == http.StatusUnauthorized:
		return &AuthError{Op: "helix", Err: cause}
	case status == http.StatusTooManyRequests:
		return &UpstreamError{Kind: KindRateLimited, Status: status, RetryAfter: retryAfter, Err: cause}
	case status == http.StatusNotFound:
		return &UpstreamError{Kind: KindNotFound, Status: status, Err: cause}
	case status >= 500:
		return &UpstreamError{Kind: KindTransient, Status: status, Err: cause}
	case status >= 400:
		// The remaining 4xx family (bad request and the like) cannot heal
		// through retries.
		return &UpstreamError{Kind: KindNotFound, Status: status, Err: cause}
	default:
		return &UpstreamError{Kind: KindTransient, Status: status, Err: cause}
	}
}

// parseRetryAfter reads the Retry-After seconds hint, falling back to the
// Ratelimit-Reset unix timestamp Helix sends on 429s.
func parseRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("Ratelimit-Reset"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(ts, 0)); d > 0 {
				return d.Round(time.Second)
			}
		}
	}
	return 0
}
