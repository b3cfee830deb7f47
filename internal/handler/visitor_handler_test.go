package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devfolio/internal/db"
	"github.com/devfolio/internal/handler"
	"github.com/devfolio/internal/router"
	"github.com/devfolio/internal/service"
	"github.com/devfolio/internal/store"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ginOnce sync.Once

type trackBody struct {
	Success      bool   `json:"success"`
	IsNewSession bool   `json:"isNewSession"`
	IsNewVisitor *bool  `json:"isNewVisitor"`
	Note         string `json:"note"`
	Error        string `json:"error"`
	Stats        struct {
		LiveViewers    int64 `json:"liveViewers"`
		TotalVisits    int64 `json:"totalVisits"`
		UniqueVisitors int64 `json:"uniqueVisitors"`
	} `json:"stats"`
}

type statsBody struct {
	LiveViewers    int64     `json:"liveViewers"`
	TotalVisits    int64     `json:"totalVisits"`
	UniqueVisitors int64     `json:"uniqueVisitors"`
	LastUpdated    time.Time `json:"lastUpdated"`
	Note           string    `json:"note"`
	Error          string    `json:"error"`
}

func defaultOptions() handler.Options {
	return handler.Options{
		StoreTimeout:         time.Second,
		TrackRatePerMinute:   600,
		TrackRateBurst:       100,
		AllowFallbackSession: true,
	}
}

func setupVisitorTest(t *testing.T, opts handler.Options) (*gin.Engine, *gorm.DB) {
	t.Helper()

	ginOnce.Do(func() {
		gin.SetMode(gin.TestMode)
	})

	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	s := store.NewGorm(gdb)
	return newRouter(t, service.NewPresenceService(s, s), opts), gdb
}

func newRouter(t *testing.T, presence *service.PresenceService, opts handler.Options) *gin.Engine {
	t.Helper()

	ginOnce.Do(func() {
		gin.SetMode(gin.TestMode)
	})
	r, err := router.SetupRouter("test-secret", nil, handler.NewAPI(presence, opts))
	if err != nil {
		t.Fatalf("failed to set up router: %v", err)
	}
	return r
}

func sendDelete(t *testing.T, r http.Handler, target string, cookies ...*http.Cookie) {
	t.Helper()

	req := httptest.NewRequest(http.MethodDelete, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"success":true`) {
		t.Fatalf("DELETE %s: unexpected response %d %s", target, rr.Code, rr.Body.String())
	}
}

func doTrack(t *testing.T, r http.Handler, body, ip string, cookies ...*http.Cookie) (trackBody, *httptest.ResponseRecorder) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/visitors/track", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handler-test")
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		req.RemoteAddr = ip + ":40000"
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var out trackBody
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode track response %q: %v", rr.Body.String(), err)
	}
	return out, rr
}

func doStats(t *testing.T, r http.Handler) statsBody {
	t.Helper()

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/visitors/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var out statsBody
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode stats response %q: %v", rr.Body.String(), err)
	}
	return out
}

func loadSession(t *testing.T, gdb *gorm.DB, id string) db.VisitorSession {
	t.Helper()
	var session db.VisitorSession
	if err := gdb.Where("session_id = ?", id).First(&session).Error; err != nil {
		t.Fatalf("failed to load session %s: %v", id, err)
	}
	return session
}

func TestTrackAndStats(t *testing.T) {
	r, gdb := setupVisitorTest(t, defaultOptions())

	first, _ := doTrack(t, r, `{"sessionId":"s1","page":"/developer"}`, "1.1.1.1")
	if !first.Success || !first.IsNewSession {
		t.Fatalf("unexpected first response: %+v", first)
	}
	if first.IsNewVisitor == nil || !*first.IsNewVisitor {
		t.Fatalf("expected isNewVisitor=true, got %v", first.IsNewVisitor)
	}
	if first.Stats.TotalVisits != 1 || first.Stats.UniqueVisitors != 1 || first.Stats.LiveViewers != 1 {
		t.Fatalf("unexpected first stats: %+v", first.Stats)
	}

	session := loadSession(t, gdb, "s1")
	if session.IP != "1.1.1.1" || session.Page != "/developer" || session.UserAgent != "handler-test" {
		t.Fatalf("unexpected stored session: %+v", session)
	}

	again, _ := doTrack(t, r, `{"sessionId":"s1"}`, "1.1.1.1")
	if !again.Success || again.IsNewSession || again.IsNewVisitor != nil {
		t.Fatalf("heartbeat must not be new: %+v", again)
	}
	if again.Stats.TotalVisits != 1 {
		t.Fatalf("heartbeat changed totalVisits: %+v", again.Stats)
	}

	second, _ := doTrack(t, r, `{"sessionId":"s2"}`, "1.1.1.1")
	if second.IsNewVisitor == nil || *second.IsNewVisitor {
		t.Fatalf("same ip must not be a new visitor: %+v", second)
	}
	if second.Stats.TotalVisits != 2 || second.Stats.UniqueVisitors != 1 || second.Stats.LiveViewers != 2 {
		t.Fatalf("unexpected second stats: %+v", second.Stats)
	}

	stats := doStats(t, r)
	if stats.LiveViewers != 2 || stats.TotalVisits != 2 || stats.UniqueVisitors != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.LastUpdated.IsZero() {
		t.Fatalf("expected lastUpdated to be set")
	}
}

func TestTrackBeaconDeactivates(t *testing.T) {
	r, gdb := setupVisitorTest(t, defaultOptions())

	doTrack(t, r, `{"sessionId":"tab-1"}`, "2.2.2.2")

	req := httptest.NewRequest(http.MethodPost, "/api/visitors/track?sessionId=tab-1", strings.NewReader(`not json`))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"success":true`) {
		t.Fatalf("unexpected beacon response %d %s", rr.Code, rr.Body.String())
	}
	if loadSession(t, gdb, "tab-1").IsActive {
		t.Fatalf("expected beacon to deactivate the session")
	}

	stats := doStats(t, r)
	if stats.LiveViewers != 1 || stats.TotalVisits != 1 {
		t.Fatalf("unexpected stats after beacon: %+v", stats)
	}
}

func TestDeleteAlwaysSucceeds(t *testing.T) {
	r, gdb := setupVisitorTest(t, defaultOptions())

	doTrack(t, r, `{"sessionId":"tab-2"}`, "3.3.3.3")

	for _, target := range []string{
		"/api/visitors/track?sessionId=tab-2",
		"/api/visitors/track?sessionId=unknown",
		"/api/visitors/track",
	} {
		sendDelete(t, r, target)
	}

	if loadSession(t, gdb, "tab-2").IsActive {
		t.Fatalf("expected tab-2 to be inactive")
	}
	var count int64
	gdb.Model(&db.VisitorSession{}).Count(&count)
	if count != 1 {
		t.Fatalf("deactivate must not create sessions, got %d", count)
	}
}

func TestIDLessRequestsNeverTouchGenuineSessions(t *testing.T) {
	r, gdb := setupVisitorTest(t, defaultOptions())

	var jar []*http.Cookie
	for _, id := range []string{"tabA", "tabB"} {
		_, rr := doTrack(t, r, `{"sessionId":"`+id+`"}`, "4.4.4.4", jar...)
		jar = append(jar, rr.Result().Cookies()...)
	}
	if len(jar) != 0 {
		t.Fatalf("genuine tab ids must not be stored in the browser cookie, got %v", jar)
	}

	sendDelete(t, r, "/api/visitors/track", jar...)
	for _, id := range []string{"tabA", "tabB"} {
		if !loadSession(t, gdb, id).IsActive {
			t.Fatalf("id-less DELETE deactivated %s", id)
		}
	}

	out, _ := doTrack(t, r, `{}`, "4.4.4.4", jar...)
	if !out.Success || !out.IsNewSession {
		t.Fatalf("id-less track must open a fallback session, got %+v", out)
	}
	if out.Stats.TotalVisits != 3 {
		t.Fatalf("expected a separate fallback visit, got %+v", out.Stats)
	}
}

func TestFallbackSessionReusedByBrowser(t *testing.T) {
	r, gdb := setupVisitorTest(t, defaultOptions())

	first, rr := doTrack(t, r, ``, "5.5.5.5")
	if !first.Success || !first.IsNewSession {
		t.Fatalf("expected a new fallback session, got %+v", first)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("expected the fallback id to be remembered")
	}

	again, _ := doTrack(t, r, `{}`, "5.5.5.5", cookies...)
	if !again.Success || again.IsNewSession || again.Stats.TotalVisits != 1 {
		t.Fatalf("expected a heartbeat on the same fallback session, got %+v", again)
	}

	var count int64
	gdb.Model(&db.VisitorSession{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected one fallback session, got %d", count)
	}
}

func TestTrackFallbackSession(t *testing.T) {
	r, gdb := setupVisitorTest(t, defaultOptions())

	out, _ := doTrack(t, r, ``, "5.5.5.5")
	if !out.Success || !out.IsNewSession {
		t.Fatalf("expected fallback session to be tracked, got %+v", out)
	}

	var session db.VisitorSession
	if err := gdb.First(&session).Error; err != nil {
		t.Fatalf("failed to load fallback session: %v", err)
	}
	if !service.IsFallbackSessionID(session.SessionID) || !strings.Contains(session.SessionID, "5.5.5.5") {
		t.Fatalf("unexpected fallback id %q", session.SessionID)
	}
}

func TestTrackRejectsMissingSessionWithoutFallback(t *testing.T) {
	opts := defaultOptions()
	opts.AllowFallbackSession = false
	r, _ := setupVisitorTest(t, opts)

	out, _ := doTrack(t, r, `{"page":"/"}`, "6.6.6.6")
	if out.Success {
		t.Fatalf("expected failure without sessionId")
	}
	if out.Error == "" || out.Stats.LiveViewers != 1 || out.Stats.TotalVisits != 0 {
		t.Fatalf("expected zeroed stats with error, got %+v", out)
	}
}

func TestTrackRateLimited(t *testing.T) {
	opts := defaultOptions()
	opts.TrackRatePerMinute = 1
	opts.TrackRateBurst = 1
	r, _ := setupVisitorTest(t, opts)

	if out, _ := doTrack(t, r, `{"sessionId":"burst"}`, "7.7.7.7"); !out.Success {
		t.Fatalf("first request must pass: %+v", out)
	}
	out, _ := doTrack(t, r, `{"sessionId":"burst"}`, "7.7.7.7")
	if out.Success || out.Error == "" || out.Stats.LiveViewers != 1 {
		t.Fatalf("expected rate limited placeholder, got %+v", out)
	}
	if other, _ := doTrack(t, r, `{"sessionId":"other"}`, "8.8.8.8"); !other.Success {
		t.Fatalf("other ip must not be limited: %+v", other)
	}
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	opts := defaultOptions()
	opts.TrackRatePerMinute = 1
	opts.TrackRateBurst = 1
	r, _ := setupVisitorTest(t, opts)

	track := func(forwarded string) trackBody {
		req := httptest.NewRequest(http.MethodPost, "/api/visitors/track", strings.NewReader(`{"sessionId":"spoof"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", forwarded)
		req.RemoteAddr = "198.51.100.9:40000"
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)

		var out trackBody
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
		}
		return out
	}

	if out := track("203.0.113.1"); !out.Success {
		t.Fatalf("first request must pass: %+v", out)
	}
	if out := track("203.0.113.2"); out.Success {
		t.Fatalf("a rotated X-Forwarded-For from the same peer must still be limited")
	}
}

func TestPlaceholderWhenStorageNotConfigured(t *testing.T) {
	r := newRouter(t, service.NewPresenceService(nil, nil), defaultOptions())

	out, _ := doTrack(t, r, `{"sessionId":"s"}`, "9.9.9.9")
	if !out.Success || !out.IsNewSession || out.Note == "" {
		t.Fatalf("unexpected placeholder track: %+v", out)
	}
	if out.Stats.LiveViewers != 1 || out.Stats.TotalVisits != 0 || out.Stats.UniqueVisitors != 0 {
		t.Fatalf("unexpected placeholder stats: %+v", out.Stats)
	}

	stats := doStats(t, r)
	if stats.LiveViewers != 1 || stats.TotalVisits != 0 || stats.UniqueVisitors != 0 || stats.Note == "" {
		t.Fatalf("unexpected placeholder stats: %+v", stats)
	}

	sendDelete(t, r, "/api/visitors/track?sessionId=s")
}

type failingStore struct{}

var errDown = errors.New("server selection timeout")

func (failingStore) FindBySessionID(context.Context, string) (*db.VisitorSession, error) {
	return nil, errDown
}
func (failingStore) FindByIP(context.Context, string) (*db.VisitorSession, error) {
	return nil, errDown
}
func (failingStore) Upsert(context.Context, string, store.SessionFields, time.Time) (bool, error) {
	return false, errDown
}
func (failingStore) MarkInactive(context.Context, string) error { return errDown }
func (failingStore) MarkStale(context.Context, time.Time) (int64, error) {
	return 0, errDown
}
func (failingStore) CountActive(context.Context) (int64, error) { return 0, errDown }
func (failingStore) GetOrCreate(context.Context, time.Time) (*db.VisitorStats, error) {
	return nil, errDown
}
func (failingStore) IncrementVisit(context.Context, bool, time.Time) (*db.VisitorStats, error) {
	return nil, errDown
}

func TestStorageFailureDegradesGracefully(t *testing.T) {
	r := newRouter(t, service.NewPresenceService(failingStore{}, failingStore{}), defaultOptions())

	out, _ := doTrack(t, r, `{"sessionId":"s"}`, "1.2.3.4")
	if out.Success || out.Error == "" || out.Note != "" {
		t.Fatalf("expected failed track without placeholder note, got %+v", out)
	}
	if out.Stats.LiveViewers != 1 || out.Stats.TotalVisits != 0 || out.Stats.UniqueVisitors != 0 {
		t.Fatalf("expected zeroed stats, got %+v", out.Stats)
	}

	stats := doStats(t, r)
	if stats.LiveViewers != 1 || stats.TotalVisits != 0 || stats.Error == "" || stats.Note != "" {
		t.Fatalf("unexpected degraded stats: %+v", stats)
	}

	sendDelete(t, r, "/api/visitors/track?sessionId=s")
}

func TestUnreachableMongoReportsFailure(t *testing.T) {
	ctx := context.Background()
	m, err := db.ConnectMongo(ctx, "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=100&connectTimeoutMS=100", "devfolio_unreachable")
	if err != nil {
		t.Fatalf("configured mongodb must not fail before first use: %v", err)
	}
	t.Cleanup(func() { m.Disconnect(context.Background()) })

	s := store.NewMongo(m)
	presence := service.NewPresenceService(s, s)
	if !presence.Available() {
		t.Fatalf("a configured backend must count as available while unreachable")
	}
	r := newRouter(t, presence, defaultOptions())

	out, _ := doTrack(t, r, `{"sessionId":"offline"}`, "1.2.3.4")
	if out.Success || out.IsNewSession || out.Note != "" || out.Error == "" {
		t.Fatalf("expected success:false without placeholder note, got %+v", out)
	}
	if out.Stats.LiveViewers != 1 || out.Stats.TotalVisits != 0 {
		t.Fatalf("expected placeholder stats, got %+v", out.Stats)
	}

	stats := doStats(t, r)
	if stats.Error == "" || stats.Note != "" {
		t.Fatalf("expected stats error without note, got %+v", stats)
	}
}

func TestPing(t *testing.T) {
	r, _ := setupVisitorTest(t, defaultOptions())

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "pong") {
		t.Fatalf("unexpected ping response %d %s", rr.Code, rr.Body.String())
	}
}
