package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestReadyzReady(t *testing.T) {
	st := newTestStack(t)
	// A held unexpired token satisfies the credentials check without I/O.
	st.tokens.SetToken("app-token", time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	st.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp["status"] != "ready" {
		t.Fatalf("expected status=ready, got %q", resp["status"])
	}
}

func TestReadyzNotReadyCircuitOpen(t *testing.T) {
	st := newTestStack(t)
	st.tokens.SetToken("app-token", time.Now().Add(time.Hour))

	// Drive the breaker open with repeated upstream failures.
	st.mock.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
	for i := 0; i < 5; i++ {
		_, _, _ = st.svc.Feed(context.Background(), "streamer")
	}
	if st.svc.Ready() == nil {
		t.Fatal("circuit should be open after repeated failures")
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	st.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d, body=%s", rr.Code, rr.Body.String())
	}

	// Ensure Content-Type is set before status write path
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected Content-Type=application/json, got %q", ct)
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp["status"] != "not_ready" {
		t.Fatalf("expected status=not_ready, got %q", resp["status"])
	}

	if resp["failed_check"] != "circuit_breaker" {
		t.Fatalf("expected failed_check=circuit_breaker, got %q", resp["failed_check"])
	}
}

func TestReadyzNotReadyMissingCredentials(t *testing.T) {
	st := newTestStack(t)

	// No held token and no token endpoint: the credentials check must fail.
	delete(st.mock.Handlers, "/oauth2/token")

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	st.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d, body=%s", rr.Code, rr.Body.String())
	}

	// Ensure Content-Type is set before status write path
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected Content-Type=application/json, got %q", ct)
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if resp["status"] != "not_ready" {
		t.Fatalf("expected status=not_ready, got %q", resp["status"])
	}

	if resp["failed_check"] != "credentials" {
		t.Fatalf("expected failed_check=credentials, got %q", resp["failed_check"])
	}
}
