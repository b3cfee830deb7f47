// Package store persists visitor sessions and the aggregate stats singleton.
//
// Every mutation is scoped to a single record and goes through the backend's
// native atomic primitive (conditional upsert, in-place increment), so
// concurrent handlers never need in-process locks.
package store

import (
	"context"
	"time"

	"github.com/devfolio/internal/db"
)

// DefaultPage is stored for sessions created without a page.
const DefaultPage = "/"

// SessionFields carries the mutable fields written on every heartbeat.
// Empty values leave the stored field untouched on update.
type SessionFields struct {
	IP        string
	UserAgent string
	Page      string
}

// SessionStore is the persisted record of visitor sessions.
type SessionStore interface {
	// FindBySessionID returns nil, nil when no session has the id.
	FindBySessionID(ctx context.Context, sessionID string) (*db.VisitorSession, error)
	// FindByIP returns the first session seen from ip, or nil, nil.
	FindByIP(ctx context.Context, ip string) (*db.VisitorSession, error)
	// Upsert creates the session with createdAt=now or refreshes an existing
	// one, reporting whether this call inserted the record.
	Upsert(ctx context.Context, sessionID string, fields SessionFields, now time.Time) (bool, error)
	MarkInactive(ctx context.Context, sessionID string) error
	// MarkStale deactivates active sessions whose lastActivity is before threshold.
	MarkStale(ctx context.Context, threshold time.Time) (int64, error)
	CountActive(ctx context.Context) (int64, error)
}

// StatsStore is the lifetime visit counter singleton.
type StatsStore interface {
	GetOrCreate(ctx context.Context, now time.Time) (*db.VisitorStats, error)
	// IncrementVisit bumps totalVisits by one, and uniqueVisitors by one when
	// newVisitor is set, returning the counters after the increment.
	IncrementVisit(ctx context.Context, newVisitor bool, now time.Time) (*db.VisitorStats, error)
}

func pageOrDefault(page string) string {
	if page == "" {
		return DefaultPage
	}
	return page
}
