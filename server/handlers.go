// Package server exposes the HTTP API handlers.
package server

import (
	"twitchrss/feed"
	"twitchrss/twitchapi"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	svc    *feed.Service
	tokens *twitchapi.TokenSource
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(svc *feed.Service, tokens *twitchapi.TokenSource) *Handlers {
	return &Handlers{
		svc:    svc,
		tokens: tokens,
	}
}
