package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"twitchrss/twitchapi"
)

type stubSource struct {
	mu        sync.Mutex
	calls     int
	idCalls   int
	lastLogin string
	delay     time.Duration
	acts      []twitchapi.Activity
	err       error
	userID    string
	idErr     error
}

func (s *stubSource) ListActivity(ctx context.Context, login string) ([]twitchapi.Activity, error) {
	s.mu.Lock()
	s.calls++
	s.lastLogin = login
	delay, acts, err := s.delay, s.acts, s.err
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &twitchapi.UpstreamError{Kind: twitchapi.KindTransient, Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	return acts, nil
}

func (s *stubSource) ResolveUserID(ctx context.Context, login string) (string, error) {
	s.mu.Lock()
	s.idCalls++
	userID, err := s.userID, s.idErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *stubSource) listCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubSource) seenLogin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLogin
}

func videoActivity(t *testing.T, id, created string) twitchapi.Activity {
	t.Helper()
	return twitchapi.Activity{
		ID:          id,
		Title:       "VOD " + id,
		PublishedAt: mustParse(t, created),
		Kind:        twitchapi.ActivityVideo,
	}
}

func TestService_CachesWithinTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &stubSource{acts: []twitchapi.Activity{videoActivity(t, "v1", "2024-04-30T10:00:00Z")}}
	svc := NewService(src, Options{TTL: 10 * time.Minute, Clock: clock})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		doc, stale, err := svc.Feed(ctx, "streamer")
		if err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
		if stale {
			t.Error("Feed() within TTL should not be stale")
		}
		if len(doc.Items) != 1 || doc.Items[0].ID != "v1" {
			t.Fatalf("Feed() document = %+v, want single v1 item", doc.Items)
		}
	}
	if got := src.listCalls(); got != 1 {
		t.Errorf("expected 1 upstream call within the TTL, got %d", got)
	}

	clock.Advance(11 * time.Minute)

	if _, _, err := svc.Feed(ctx, "streamer"); err != nil {
		t.Fatalf("Feed() after TTL error = %v", err)
	}
	if got := src.listCalls(); got != 2 {
		t.Errorf("expected a rebuild after the TTL, got %d upstream calls", got)
	}
}

func TestService_CoalescesConcurrentRefresh(t *testing.T) {
	src := &stubSource{
		delay: 100 * time.Millisecond,
		acts:  []twitchapi.Activity{videoActivity(t, "v1", "2024-04-30T10:00:00Z")},
	}
	svc := NewService(src, Options{TTL: 10 * time.Minute})

	ctx := context.Background()
	start := make(chan struct{})
	docs := make(chan *Document, 8)
	errs := make(chan error, 8)

	for i := 0; i < 8; i++ {
		go func() {
			<-start
			doc, _, err := svc.Feed(ctx, "streamer")
			if err != nil {
				errs <- err
				return
			}
			docs <- doc
		}()
	}
	close(start)

	var first *Document
	for i := 0; i < 8; i++ {
		select {
		case err := <-errs:
			t.Fatalf("Feed() error = %v", err)
		case doc := <-docs:
			if first == nil {
				first = doc
			} else if doc != first {
				t.Error("coalesced requests should share the same built document")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for concurrent Feeds")
		}
	}
	if got := src.listCalls(); got != 1 {
		t.Errorf("expected 1 upstream call for coalesced requests, got %d", got)
	}
}

func TestService_ServesStaleOnTransient(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &stubSource{acts: []twitchapi.Activity{videoActivity(t, "v1", "2024-04-30T10:00:00Z")}}
	svc := NewService(src, Options{TTL: 10 * time.Minute, Clock: clock})

	ctx := context.Background()
	if _, _, err := svc.Feed(ctx, "streamer"); err != nil {
		t.Fatalf("priming Feed() error = %v", err)
	}

	clock.Advance(11 * time.Minute)
	src.setErr(&twitchapi.UpstreamError{Kind: twitchapi.KindTransient, Err: errors.New("upstream down")})

	doc, stale, err := svc.Feed(ctx, "streamer")
	if err != nil {
		t.Fatalf("Feed() error = %v, want stale fallback", err)
	}
	if !stale {
		t.Error("Feed() should report the document as stale")
	}
	if len(doc.Items) != 1 || doc.Items[0].ID != "v1" {
		t.Errorf("stale document = %+v, want the cached v1 item", doc.Items)
	}
	if got := src.listCalls(); got != 2 {
		t.Errorf("expected a failed rebuild attempt, got %d upstream calls", got)
	}
}

func TestService_NotFoundBypassesStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &stubSource{acts: []twitchapi.Activity{videoActivity(t, "v1", "2024-04-30T10:00:00Z")}}
	svc := NewService(src, Options{TTL: 10 * time.Minute, Clock: clock})

	ctx := context.Background()
	if _, _, err := svc.Feed(ctx, "streamer"); err != nil {
		t.Fatalf("priming Feed() error = %v", err)
	}

	clock.Advance(11 * time.Minute)
	src.setErr(&twitchapi.UpstreamError{Kind: twitchapi.KindNotFound, Err: errors.New("user not found")})

	_, _, err := svc.Feed(ctx, "streamer")
	if err == nil {
		t.Fatal("Feed() for a vanished channel should surface the error, not stale data")
	}
	if !twitchapi.IsNotFound(err) {
		t.Errorf("Feed() error = %v, want not found", err)
	}
}

func TestService_AuthErrorBypassesStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &stubSource{acts: []twitchapi.Activity{videoActivity(t, "v1", "2024-04-30T10:00:00Z")}}
	svc := NewService(src, Options{TTL: 10 * time.Minute, Clock: clock})

	ctx := context.Background()
	if _, _, err := svc.Feed(ctx, "streamer"); err != nil {
		t.Fatalf("priming Feed() error = %v", err)
	}

	clock.Advance(11 * time.Minute)
	src.setErr(&twitchapi.AuthError{Op: "refresh", Err: errors.New("invalid client")})

	_, _, err := svc.Feed(ctx, "streamer")
	if err == nil {
		t.Fatal("Feed() with failing credentials should surface the error")
	}
	var authErr *twitchapi.AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("Feed() error = %T, want *AuthError", err)
	}
}

func TestService_MissWithoutCacheSurfacesError(t *testing.T) {
	src := &stubSource{err: &twitchapi.UpstreamError{Kind: twitchapi.KindTransient, Err: errors.New("upstream down")}}
	svc := NewService(src, Options{})

	_, _, err := svc.Feed(context.Background(), "streamer")
	if err == nil {
		t.Fatal("Feed() without any cached fallback should fail")
	}
	var ue *twitchapi.UpstreamError
	if !errors.As(err, &ue) || ue.Kind != twitchapi.KindTransient {
		t.Errorf("Feed() error = %v, want transient upstream error", err)
	}
}

func TestService_InvalidLogin(t *testing.T) {
	src := &stubSource{}
	svc := NewService(src, Options{})

	for _, login := range []string{"bad!name", "", "név", "way_too_long_login_name_over_25"} {
		_, _, err := svc.Feed(context.Background(), login)
		if err == nil {
			t.Fatalf("Feed(%q) should reject the login", login)
		}
		if !errors.Is(err, ErrInvalidLogin) {
			t.Errorf("Feed(%q) error = %v, want ErrInvalidLogin", login, err)
		}
		if !twitchapi.IsNotFound(err) {
			t.Errorf("Feed(%q) error should classify as not found", login)
		}
	}
	if got := src.listCalls(); got != 0 {
		t.Errorf("invalid logins must not reach the upstream, got %d calls", got)
	}
}

func TestService_NormalizesLogin(t *testing.T) {
	src := &stubSource{acts: []twitchapi.Activity{videoActivity(t, "v1", "2024-04-30T10:00:00Z")}}
	svc := NewService(src, Options{})

	if _, _, err := svc.Feed(context.Background(), "  StreamerName "); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if got := src.seenLogin(); got != "streamername" {
		t.Errorf("upstream saw login %q, want streamername", got)
	}

	// The normalized form hits the same cache entry
	if _, _, err := svc.Feed(context.Background(), "STREAMERNAME"); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if got := src.listCalls(); got != 1 {
		t.Errorf("case variants should share one cache entry, got %d upstream calls", got)
	}
}

func TestService_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	src := &stubSource{err: &twitchapi.UpstreamError{Kind: twitchapi.KindTransient, Err: errors.New("upstream down")}}
	svc := NewService(src, Options{})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, _, err := svc.Feed(ctx, "streamer"); err == nil {
			t.Fatal("Feed() should fail while the upstream is down")
		}
	}
	if got := src.listCalls(); got != 5 {
		t.Fatalf("expected 5 upstream attempts before the circuit opens, got %d", got)
	}

	// The open circuit sheds the next request without touching the upstream
	_, _, err := svc.Feed(ctx, "streamer")
	if err == nil {
		t.Fatal("Feed() with an open circuit should fail fast")
	}
	var ue *twitchapi.UpstreamError
	if !errors.As(err, &ue) || ue.Kind != twitchapi.KindTransient {
		t.Errorf("Feed() error = %v, want transient classification", err)
	}
	if got := src.listCalls(); got != 5 {
		t.Errorf("open circuit should not call the upstream, got %d calls", got)
	}
	if svc.Ready() == nil {
		t.Error("Ready() should report an open circuit")
	}
}

func TestService_NotFoundDoesNotTrip(t *testing.T) {
	src := &stubSource{err: &twitchapi.UpstreamError{Kind: twitchapi.KindNotFound, Err: errors.New("user not found")}}
	svc := NewService(src, Options{})

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if _, _, err := svc.Feed(ctx, "ghost"); err == nil {
			t.Fatal("Feed() for an unknown channel should fail")
		}
	}
	if got := src.listCalls(); got != 6 {
		t.Errorf("unknown channels must not open the circuit, got %d upstream calls", got)
	}
	if err := svc.Ready(); err != nil {
		t.Errorf("Ready() = %v, want nil with a closed circuit", err)
	}
}

func TestService_PurgeForcesRebuild(t *testing.T) {
	src := &stubSource{acts: []twitchapi.Activity{videoActivity(t, "v1", "2024-04-30T10:00:00Z")}}
	svc := NewService(src, Options{TTL: 10 * time.Minute})

	ctx := context.Background()
	if _, _, err := svc.Feed(ctx, "streamer"); err != nil {
		t.Fatalf("priming Feed() error = %v", err)
	}

	if !svc.Purge("Streamer") {
		t.Error("Purge() should report the dropped entry")
	}
	if svc.Purge("streamer") {
		t.Error("Purge() on an empty cache should report false")
	}

	if _, _, err := svc.Feed(ctx, "streamer"); err != nil {
		t.Fatalf("Feed() after purge error = %v", err)
	}
	if got := src.listCalls(); got != 2 {
		t.Errorf("expected a rebuild after purge, got %d upstream calls", got)
	}
}

func TestService_ChannelID(t *testing.T) {
	src := &stubSource{userID: "u-42"}
	svc := NewService(src, Options{})

	id, err := svc.ChannelID(context.Background(), "Streamer")
	if err != nil {
		t.Fatalf("ChannelID() error = %v", err)
	}
	if id != "u-42" {
		t.Errorf("ChannelID() = %s, want u-42", id)
	}

	if _, err := svc.ChannelID(context.Background(), "bad!name"); !errors.Is(err, ErrInvalidLogin) {
		t.Errorf("ChannelID() error = %v, want ErrInvalidLogin", err)
	}
}
