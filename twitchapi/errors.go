package twitchapi

import (
	"errors"
	"fmt"
	"time"
)

// AuthError reports a failure of the app credential flow: the token endpoint
// rejected the client credentials, returned a malformed payload, or a 401
// persisted after a forced token refresh. Retrying with the same credentials
// will not help.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("twitch auth: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("twitch auth: %s", e.Op)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UpstreamKind classifies Helix failures by how callers should react to them.
type UpstreamKind int

const (
	// KindTransient covers 5xx responses, transport errors and timeouts.
	KindTransient UpstreamKind = iota
	// KindRateLimited covers 429 responses. RetryAfter carries the upstream
	// hint when one was sent.
	KindRateLimited
	// KindNotFound covers unknown channels and other terminal 4xx responses.
	KindNotFound
)

func (k UpstreamKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// UpstreamError is a classified failure from the Helix API.
type UpstreamError struct {
	Kind       UpstreamKind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("twitch upstream: %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("twitch upstream: %s (status %d)", e.Kind, e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// BuildError reports a Helix response that decoded badly or violated the
// expected payload shape.
type BuildError struct {
	Err error
}

func (e *BuildError) Error() string { return fmt.Sprintf("twitch payload: %v", e.Err) }

func (e *BuildError) Unwrap() error { return e.Err }

// IsNotFound reports whether err marks an unknown channel or another terminal
// client error.
func IsNotFound(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Kind == KindNotFound
}

// IsStaleServable reports whether answering with previously cached data is an
// acceptable response to err. Transient upstream trouble, rate limiting and
// malformed payloads qualify; unknown channels and credential failures do not.
func IsStaleServable(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind != KindNotFound
	}
	var be *BuildError
	return errors.As(err, &be)
}

// RetryAfterHint extracts the rate limit wait hint from err, if it carries one.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.Kind == KindRateLimited && ue.RetryAfter > 0 {
		return ue.RetryAfter, true
	}
	return 0, false
}
