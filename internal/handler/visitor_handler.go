package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/devfolio/internal/service"
	"github.com/gin-gonic/gin"
)

const (
	noteNotConfigured = "Visitor storage not configured - showing placeholder data"
	errStorageFailed  = "Database connection failed"
	errRateLimited    = "Too many requests"
	errMissingSession = "sessionId is required"
)

type trackRequest struct {
	SessionID string `json:"sessionId"`
	Page      string `json:"page"`
}

type statsPayload struct {
	LiveViewers    int64 `json:"liveViewers"`
	TotalVisits    int64 `json:"totalVisits"`
	UniqueVisitors int64 `json:"uniqueVisitors"`
}

type trackResponse struct {
	Success      bool         `json:"success"`
	IsNewSession bool         `json:"isNewSession"`
	IsNewVisitor *bool        `json:"isNewVisitor,omitempty"`
	Stats        statsPayload `json:"stats"`
	Note         string       `json:"note,omitempty"`
	Error        string       `json:"error,omitempty"`
}

type statsResponse struct {
	LiveViewers    int64     `json:"liveViewers"`
	TotalVisits    int64     `json:"totalVisits"`
	UniqueVisitors int64     `json:"uniqueVisitors"`
	LastUpdated    time.Time `json:"lastUpdated"`
	Note           string    `json:"note,omitempty"`
	Error          string    `json:"error,omitempty"`
}

func toStatsPayload(s service.Snapshot) statsPayload {
	return statsPayload{
		LiveViewers:    s.LiveViewers,
		TotalVisits:    s.TotalVisits,
		UniqueVisitors: s.UniqueVisitors,
	}
}

// TrackVisitor handles POST /visitors/track. A sessionId in the query string
// marks an unload beacon and is routed to deactivation with the body ignored.
func (a *API) TrackVisitor(c *gin.Context) {
	if id := strings.TrimSpace(c.Query("sessionId")); id != "" {
		a.deactivate(c, id)
		return
	}

	placeholder := toStatsPayload(service.PlaceholderSnapshot(a.now()))

	if !a.presence.Available() {
		c.JSON(http.StatusOK, trackResponse{
			Success:      true,
			IsNewSession: true,
			Stats:        placeholder,
			Note:         noteNotConfigured,
		})
		return
	}

	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = trackRequest{}
	}

	if !a.limiter.allow(c.ClientIP()) {
		c.JSON(http.StatusOK, trackResponse{Stats: placeholder, Error: errRateLimited})
		return
	}

	ip := clientIP(c)
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" && a.allowFallback {
		// Reuse this browser's fallback so id-less retries heartbeat one
		// session instead of opening a new visit each time.
		sessionID = rememberedFallbackID(c)
		if sessionID == "" {
			sessionID = service.FallbackSessionID(ip, a.now())
			log.Printf("[visitors] missing sessionId, using fallback %s", sessionID)
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), a.storeTimeout)
	defer cancel()

	result, err := a.presence.Track(ctx, service.TrackInput{
		SessionID: sessionID,
		Page:      req.Page,
		IP:        ip,
		UserAgent: c.GetHeader("User-Agent"),
	})
	if err != nil {
		message := errStorageFailed
		if errors.Is(err, service.ErrInvalidRequest) {
			message = errMissingSession
		} else {
			log.Printf("[visitors] track %q failed: %v", sessionID, err)
		}
		c.JSON(http.StatusOK, trackResponse{Stats: placeholder, Error: message})
		return
	}

	if service.IsFallbackSessionID(sessionID) {
		rememberFallbackID(c, sessionID)
	}

	resp := trackResponse{
		Success:      true,
		IsNewSession: result.IsNewSession,
		Stats:        toStatsPayload(result.Stats),
	}
	if result.IsNewSession {
		isNewVisitor := result.IsNewVisitor
		resp.IsNewVisitor = &isNewVisitor
	}
	c.JSON(http.StatusOK, resp)
}

// DeactivateVisitor handles DELETE /visitors/track. It always reports success;
// without a sessionId it touches nothing.
func (a *API) DeactivateVisitor(c *gin.Context) {
	a.deactivate(c, strings.TrimSpace(c.Query("sessionId")))
}

func (a *API) deactivate(c *gin.Context, sessionID string) {
	if sessionID != "" {
		// The page may already be gone; finish the write even if the client hangs up.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), a.storeTimeout)
		a.presence.Deactivate(ctx, sessionID)
		cancel()
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// VisitorStats handles GET /visitors/stats.
func (a *API) VisitorStats(c *gin.Context) {
	placeholder := service.PlaceholderSnapshot(a.now())

	if !a.presence.Available() {
		c.JSON(http.StatusOK, statsResponse{
			LiveViewers: placeholder.LiveViewers,
			LastUpdated: placeholder.LastUpdated,
			Note:        noteNotConfigured,
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), a.storeTimeout)
	defer cancel()

	snapshot, err := a.presence.Stats(ctx)
	if err != nil {
		log.Printf("[visitors] stats failed: %v", err)
		c.JSON(http.StatusOK, statsResponse{
			LiveViewers: placeholder.LiveViewers,
			LastUpdated: placeholder.LastUpdated,
			Error:       errStorageFailed,
		})
		return
	}

	c.JSON(http.StatusOK, statsResponse{
		LiveViewers:    snapshot.LiveViewers,
		TotalVisits:    snapshot.TotalVisits,
		UniqueVisitors: snapshot.UniqueVisitors,
		LastUpdated:    snapshot.LastUpdated,
	})
}
