package handler

import (
	"time"

	"github.com/devfolio/internal/service"
)

// Options tunes the visitor endpoints.
type Options struct {
	StoreTimeout         time.Duration
	TrackRatePerMinute   int
	TrackRateBurst       int
	AllowFallbackSession bool
}

// API bundles shared dependencies for HTTP handlers.
type API struct {
	presence      *service.PresenceService
	limiter       *ipRateLimiter
	storeTimeout  time.Duration
	allowFallback bool
	now           func() time.Time
}

// NewAPI constructs a handler set around the presence service.
func NewAPI(presence *service.PresenceService, opts Options) *API {
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &API{
		presence:      presence,
		limiter:       newIPRateLimiter(opts.TrackRatePerMinute, opts.TrackRateBurst),
		storeTimeout:  timeout,
		allowFallback: opts.AllowFallbackSession,
		now:           time.Now,
	}
}
