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
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/sync/singleflight"

	"twitchrss/telemetry"
)

// expiryMargin is how much remaining lifetime a cached token must have to be
// handed out without a refresh, so a token never lapses mid-request.
const expiryMargin = 60 * time.Second

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// A cached token is served while it has more than expiryMargin of life left;
// otherwise a single coalesced refresh runs and every concurrent caller shares
// its outcome, including a failure.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	// Clock overrides the time source for expiry checks. Nil means wall clock.
	Clock clockwork.Clock

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

func (ts *TokenSource) now() time.Time {
	if ts.Clock != nil {
		return ts.Clock.Now()
	}
	return time.Now()
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	tok, exp := ts.token, ts.expiresAt
	ts.mu.RUnlock()
	if tok != "" && exp.Sub(ts.now()) > expiryMargin {
		return tok, nil
	}
	fresh, err := ts.Refresh(ctx, tok)
	if err != nil {
		// The held token may be inside the refresh margin yet not actually
		// expired. Prefer it over failing the caller.
		if tok != "" && ts.now().Before(exp) {
			slog.Warn("twitch token refresh failed, serving unexpired token", slog.Any("err", err))
			return tok, nil
		}
		return "", err
	}
	return fresh, nil
}

// Refresh obtains a new token unless rejected has already been replaced by a
// newer unexpired one. Concurrent calls collapse into a single request to the
// token endpoint whose result, success or error, every caller receives.
// Callers pass the token that was rejected upstream, or empty for none.
func (ts *TokenSource) Refresh(ctx context.Context, rejected string) (string, error) {
	v, err, _ := ts.group.Do("app-token", func() (any, error) {
		ts.mu.RLock()
		cur, exp := ts.token, ts.expiresAt
		ts.mu.RUnlock()
		if cur != "" && cur != rejected && ts.now().Before(exp) {
			return cur, nil
		}
		return ts.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SetToken seeds the cache with a token and expiry. Intended for tests.
func (ts *TokenSource) SetToken(tok string, expiresAt time.Time) {
	ts.mu.Lock()
	ts.token = tok
	ts.expiresAt = expiresAt
	ts.mu.Unlock()
}

func (ts *TokenSource) fetch(ctx context.Context) (string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", &AuthError{Op: "refresh", Err: errors.New("missing client id/secret for twitch app token")}
	}
	form := url.Values{}
	form.Set("client_id", ts.ClientID)
	form.Set("client_secret", ts.ClientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoints.Twitch.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Op: "refresh", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := ts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", &AuthError{Op: "refresh", Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &AuthError{Op: "refresh", Err: fmt.Errorf("token request failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))}
	}
	var at struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&at); err != nil {
		return "", &AuthError{Op: "refresh", Err: err}
	}
	if at.AccessToken == "" {
		return "", &AuthError{Op: "refresh", Err: errors.New("empty access_token in twitch response")}
	}
	ts.mu.Lock()
	ts.token = at.AccessToken
	ts.expiresAt = ts.now().Add(time.Duration(at.ExpiresIn) * time.Second)
	ts.mu.Unlock()
	telemetry.IncTokenRefresh()
	return at.AccessToken, nil
}
