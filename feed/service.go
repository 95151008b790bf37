package feed

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"twitchrss/telemetry"
	"twitchrss/twitchapi"
)

const (
	defaultTTL             = 10 * time.Minute
	defaultUpstreamTimeout = 10 * time.Second
)

// ErrInvalidLogin marks a requested channel login that cannot exist on Twitch.
var ErrInvalidLogin = errors.New("invalid channel login")

// Twitch logins are 1-25 word characters. Anything else is rejected before it
// reaches the upstream.
var getLoginPattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^[a-zA-Z0-9_]{1,25}$`)
})

// ActivitySource lists the feed-worthy events for a channel.
// *twitchapi.HelixClient implements it.
type ActivitySource interface {
	ListActivity(ctx context.Context, login string) ([]twitchapi.Activity, error)
	ResolveUserID(ctx context.Context, login string) (string, error)
}

// Options configure a Service.
type Options struct {
	// TTL is the freshness window for cached documents. Zero means 10 minutes.
	TTL time.Duration
	// UpstreamTimeout bounds one coalesced rebuild. Zero means 10 seconds.
	UpstreamTimeout time.Duration
	// MaxItems caps feed entries per channel. Zero means 20.
	MaxItems int
	// MaxCacheEntries bounds the cache; <= 0 leaves it unbounded.
	MaxCacheEntries int
	// Clock overrides the time source. Nil means wall clock.
	Clock clockwork.Clock
}

// Service serves feed documents for channels. Concurrent requests for the
// same channel coalesce into one upstream rebuild, a circuit breaker sheds
// load from an unhealthy upstream, and stale cache entries answer requests
// the upstream cannot.
type Service struct {
	source  ActivitySource
	builder Builder
	cache   *Cache
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewService wires a Service around source.
func NewService(source ActivitySource, opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	s := &Service{
		source:  source,
		builder: Builder{MaxItems: opts.MaxItems},
		cache:   NewCache(ttl, opts.MaxCacheEntries, clock),
		timeout: timeout,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "helix",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !breakerFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			telemetry.UpdateCircuitGauge(to == gobreaker.StateOpen)
			telemetry.RecordCircuitStateChange(from.String(), to.String())
			slog.Warn("helix circuit state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return s
}

// breakerFailure reports whether err indicates an unhealthy upstream. Unknown
// channels, credential problems and rate limits say nothing about upstream
// health and must not open the circuit.
func breakerFailure(err error) bool {
	var ue *twitchapi.UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind == twitchapi.KindTransient
	}
	var be *twitchapi.BuildError
	return errors.As(err, &be)
}

// NormalizeLogin lowercases and trims a requested channel login.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// Feed returns the document for login, reporting whether it was served stale.
// A fresh cache entry is returned as is; otherwise one coalesced rebuild runs
// and, should it fail recoverably, any stale entry answers instead.
func (s *Service) Feed(ctx context.Context, login string) (*Document, bool, error) {
	telemetry.IncFeedRequest()
	login = NormalizeLogin(login)
	if !getLoginPattern().MatchString(login) {
		return nil, false, &twitchapi.UpstreamError{Kind: twitchapi.KindNotFound, Err: ErrInvalidLogin}
	}

	if e, ok := s.cache.Get(login); ok && s.cache.Fresh(e) {
		telemetry.IncCacheHit()
		return e.Document, false, nil
	}
	telemetry.IncCacheMiss()

	doc, err := s.refresh(ctx, login)
	if err == nil {
		return doc, false, nil
	}
	if twitchapi.IsStaleServable(err) {
		if e, ok := s.cache.Get(login); ok {
			telemetry.IncStaleServed()
			telemetry.LoggerWithCorr(ctx).Warn("serving stale feed",
				slog.String("channel", login),
				slog.Any("err", err))
			return e.Document, true, nil
		}
	}
	return nil, false, err
}

// refresh coalesces concurrent rebuilds of the same channel; every waiter
// shares the single outcome, error included. The rebuild runs detached from
// any one request context so a disconnecting client cannot cancel it for the
// callers still waiting.
func (s *Service) refresh(ctx context.Context, login string) (*Document, error) {
	v, err, _ := s.group.Do(login, func() (any, error) {
		// A caller that lost the race against a just finished rebuild would
		// otherwise trigger a second one.
		if e, ok := s.cache.Get(login); ok && s.cache.Fresh(e) {
			return e.Document, nil
		}

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		res, err := s.breaker.Execute(func() (interface{}, error) {
			return s.source.ListActivity(rctx, login)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				err = &twitchapi.UpstreamError{Kind: twitchapi.KindTransient, Err: err}
			}
			return nil, err
		}

		var doc *Document
		telemetry.TimeFunc(telemetry.BuildDuration, func() {
			doc = s.builder.Build(login, res.([]twitchapi.Activity))
		})
		s.cache.Put(login, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

// ChannelID resolves login to its numeric Twitch channel id.
func (s *Service) ChannelID(ctx context.Context, login string) (string, error) {
	login = NormalizeLogin(login)
	if !getLoginPattern().MatchString(login) {
		return "", &twitchapi.UpstreamError{Kind: twitchapi.KindNotFound, Err: ErrInvalidLogin}
	}
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.source.ResolveUserID(ctx, login)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &twitchapi.UpstreamError{Kind: twitchapi.KindTransient, Err: err}
		}
		return "", err
	}
	return res.(string), nil
}

// Purge drops the cached document for login and reports whether one existed.
func (s *Service) Purge(login string) bool {
	return s.cache.Invalidate(NormalizeLogin(login))
}

// CachedChannels returns the number of channels currently cached.
func (s *Service) CachedChannels() int {
	return s.cache.Len()
}

// Ready reports whether the service should take traffic.
func (s *Service) Ready() error {
	if s.breaker.State() == gobreaker.StateOpen {
		return errors.New("helix circuit open")
	}
	return nil
}
