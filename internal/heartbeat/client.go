// Package heartbeat is the client half of visitor presence: it keeps one
// browser-tab-like session alive against the visitor endpoints.
//
// A Handle owns a single goroutine. Start begins tracking, SetVisible pauses
// and resumes it the way a page visibility change would, and Stop disposes
// of it, sending the best-effort deactivate beacon a closing page would send.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultPollInterval      = 5 * time.Second

	beaconTimeout = 3 * time.Second
)

// Stats mirrors the stats object returned by the visitor endpoints.
type Stats struct {
	LiveViewers    int64 `json:"liveViewers"`
	TotalVisits    int64 `json:"totalVisits"`
	UniqueVisitors int64 `json:"uniqueVisitors"`
}

// Placeholder is what a client shows before, or instead of, real data.
var Placeholder = Stats{LiveViewers: 1}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a heartbeat session.
type Options struct {
	// BaseURL is the API root, e.g. http://localhost:8080/api.
	BaseURL           string
	SessionID         string
	Page              string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	HTTPClient        Doer
	// OnStats receives every stats update, floored at one live viewer.
	// It is called from the handle's goroutine.
	OnStats func(Stats)
}

// Handle controls a running heartbeat session.
type Handle struct {
	opts    Options
	cancel  context.CancelFunc
	done    chan struct{}
	visible chan bool
	once    sync.Once
}

// NewSessionID returns a fresh client-side session identifier.
func NewSessionID() string {
	return "session_" + uuid.NewString()
}

// Start tracks the session immediately and then keeps it alive until ctx is
// cancelled or Stop is called.
func Start(ctx context.Context, opts Options) *Handle {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.SessionID == "" {
		opts.SessionID = NewSessionID()
	}
	if opts.Page == "" {
		opts.Page = "/"
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.OnStats == nil {
		opts.OnStats = func(Stats) {}
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		opts:    opts,
		cancel:  cancel,
		done:    make(chan struct{}),
		visible: make(chan bool),
	}
	go h.run(ctx)
	return h
}

// SessionID returns the id this handle reports under.
func (h *Handle) SessionID() string {
	return h.opts.SessionID
}

// SetVisible reports a visibility change. Hiding deactivates the session and
// pauses heartbeats and polling; showing tracks it again.
func (h *Handle) SetVisible(visible bool) {
	select {
	case h.visible <- visible:
	case <-h.done:
	}
}

// Done is closed once the handle's goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stop ends the session. It is safe to call more than once and returns after
// the deactivate beacon has been attempted.
func (h *Handle) Stop() {
	h.once.Do(func() {
		h.cancel()
		<-h.done

		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		_ = h.deactivate(ctx)
	})
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)

	h.opts.OnStats(Placeholder)
	h.track(ctx)

	heartbeat := time.NewTicker(h.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(h.opts.PollInterval)
	defer poll.Stop()

	visible := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if visible {
				h.track(ctx)
			}
		case <-poll.C:
			if visible {
				h.poll(ctx)
			}
		case v := <-h.visible:
			if v == visible {
				continue
			}
			visible = v
			if visible {
				h.track(ctx)
			} else {
				_ = h.deactivate(ctx)
			}
		}
	}
}

func (h *Handle) track(ctx context.Context) {
	body, err := json.Marshal(map[string]string{
		"sessionId": h.opts.SessionID,
		"page":      h.opts.Page,
	})
	if err != nil {
		return
	}

	var resp struct {
		Stats *Stats `json:"stats"`
	}
	if err := h.call(ctx, http.MethodPost, h.opts.BaseURL+"/visitors/track", body, &resp); err != nil {
		if ctx.Err() == nil {
			h.opts.OnStats(Placeholder)
		}
		return
	}
	if resp.Stats != nil {
		h.opts.OnStats(floor(*resp.Stats))
	}
}

func (h *Handle) poll(ctx context.Context) {
	var stats Stats
	if err := h.call(ctx, http.MethodGet, h.opts.BaseURL+"/visitors/stats", nil, &stats); err != nil {
		return
	}
	h.opts.OnStats(floor(stats))
}

// deactivate sends the unload beacon: a POST carrying the id in the query.
func (h *Handle) deactivate(ctx context.Context) error {
	endpoint := h.opts.BaseURL + "/visitors/track?sessionId=" + url.QueryEscape(h.opts.SessionID)
	return h.call(ctx, http.MethodPost, endpoint, []byte(`{"action":"deactivate"}`), nil)
}

func (h *Handle) call(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d", method, endpoint, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func floor(s Stats) Stats {
	s.LiveViewers = max(s.LiveViewers, 1)
	return s
}
