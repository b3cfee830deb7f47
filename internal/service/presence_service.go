package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/devfolio/internal/db"
	"github.com/devfolio/internal/store"
	"github.com/microcosm-cc/bluemonday"
)

const (
	// DefaultStaleAfter 是会话失去心跳后被视为离开的时长，需大于心跳间隔。
	DefaultStaleAfter = 60 * time.Second
	// HeartbeatInterval 是客户端发送心跳的推荐间隔。
	HeartbeatInterval = 20 * time.Second

	fallbackSessionPrefix = "fallback_"
	unknownIP             = "unknown"
	maxFieldRunes         = 512
)

var angleBrackets = strings.NewReplacer("<", "", ">", "")

var (
	// ErrInvalidRequest 表示请求缺少必需的 sessionId。
	ErrInvalidRequest = errors.New("session id is required")
	// ErrStorageUnavailable 表示持久化后端未配置或访问失败。
	ErrStorageUnavailable = errors.New("visitor storage unavailable")
)

// Snapshot 是返回给前端的访客统计快照。
type Snapshot struct {
	LiveViewers    int64
	TotalVisits    int64
	UniqueVisitors int64
	LastUpdated    time.Time
}

// TrackInput 描述一次心跳请求。
type TrackInput struct {
	SessionID string
	Page      string
	IP        string
	UserAgent string
}

// TrackResult 描述一次心跳的处理结果。
type TrackResult struct {
	IsNewSession bool
	IsNewVisitor bool
	Stats        Snapshot
}

// PresenceService 负责访客会话心跳、过期清理与在线人数统计。
// 所有协调都依赖存储层的原子操作，服务本身不持有共享可变状态。
type PresenceService struct {
	sessions   store.SessionStore
	stats      store.StatsStore
	staleAfter time.Duration
	now        func() time.Time
	sanitizer  *bluemonday.Policy
}

// NewPresenceService 创建 PresenceService。任一存储为 nil 时服务处于占位模式，
// 所有操作返回 ErrStorageUnavailable。
func NewPresenceService(sessions store.SessionStore, stats store.StatsStore) *PresenceService {
	return &PresenceService{
		sessions:   sessions,
		stats:      stats,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		sanitizer:  bluemonday.StrictPolicy(),
	}
}

// WithStaleAfter 调整过期窗口。
func (s *PresenceService) WithStaleAfter(d time.Duration) *PresenceService {
	if d <= 0 {
		return s
	}
	s.staleAfter = d
	return s
}

// WithClock 允许在测试中注入时间源。
func (s *PresenceService) WithClock(now func() time.Time) *PresenceService {
	if now == nil {
		return s
	}
	s.now = now
	return s
}

// Available 报告是否配置了持久化后端。
func (s *PresenceService) Available() bool {
	return s != nil && s.sessions != nil && s.stats != nil
}

// StaleAfter 返回当前过期窗口。
func (s *PresenceService) StaleAfter() time.Duration {
	return s.staleAfter
}

// Track 处理一次心跳：已知会话只刷新活跃时间，未知会话创建记录并累加访问统计。
func (s *PresenceService) Track(ctx context.Context, in TrackInput) (*TrackResult, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, ErrInvalidRequest
	}
	if !s.Available() {
		return nil, ErrStorageUnavailable
	}

	now := s.now().UTC()
	ip := strings.TrimSpace(in.IP)
	if ip == "" {
		ip = unknownIP
	}
	fields := store.SessionFields{
		IP:        ip,
		UserAgent: s.clean(in.UserAgent),
		Page:      s.clean(in.Page),
	}

	existing, err := s.sessions.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, unavailable(err)
	}

	isNewVisitor := false
	if existing == nil {
		seen, err := s.sessions.FindByIP(ctx, ip)
		if err != nil {
			return nil, unavailable(err)
		}
		isNewVisitor = seen == nil
	}

	created, err := s.sessions.Upsert(ctx, sessionID, fields, now)
	if err != nil {
		return nil, unavailable(err)
	}

	var stats *db.VisitorStats
	if created {
		stats, err = s.stats.IncrementVisit(ctx, isNewVisitor, now)
	} else {
		// 会话在查询与写入之间被并发创建，按心跳处理。
		isNewVisitor = false
		stats, err = s.stats.GetOrCreate(ctx, now)
	}
	if err != nil {
		return nil, unavailable(err)
	}

	live, err := s.sweepAndCount(ctx, now)
	if err != nil {
		return nil, err
	}

	return &TrackResult{
		IsNewSession: created,
		IsNewVisitor: isNewVisitor,
		Stats: Snapshot{
			LiveViewers:    live,
			TotalVisits:    stats.TotalVisits,
			UniqueVisitors: stats.UniqueVisitors,
			LastUpdated:    stats.LastUpdated,
		},
	}, nil
}

// Deactivate 尽力将会话标记为离开。调用方通常是页面卸载，无法处理失败，
// 因此这里从不返回错误。
func (s *PresenceService) Deactivate(ctx context.Context, sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || !s.Available() {
		return
	}
	if err := s.sessions.MarkInactive(ctx, sessionID); err != nil {
		log.Printf("[visitors] deactivate %q ignored: %v", sessionID, err)
	}
}

// Stats 返回只读统计快照，读取前同样执行过期清理，使在线人数随时间衰减。
func (s *PresenceService) Stats(ctx context.Context) (*Snapshot, error) {
	if !s.Available() {
		return nil, ErrStorageUnavailable
	}

	now := s.now().UTC()
	live, err := s.sweepAndCount(ctx, now)
	if err != nil {
		return nil, err
	}

	stats, err := s.stats.GetOrCreate(ctx, now)
	if err != nil {
		return nil, unavailable(err)
	}

	return &Snapshot{
		LiveViewers:    live,
		TotalVisits:    stats.TotalVisits,
		UniqueVisitors: stats.UniqueVisitors,
		LastUpdated:    stats.LastUpdated,
	}, nil
}

// Sweep 将超过过期窗口未心跳的会话标记为离开，返回受影响的数量。
func (s *PresenceService) Sweep(ctx context.Context) (int64, error) {
	if !s.Available() {
		return 0, ErrStorageUnavailable
	}
	n, err := s.sessions.MarkStale(ctx, s.now().UTC().Add(-s.staleAfter))
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *PresenceService) sweepAndCount(ctx context.Context, now time.Time) (int64, error) {
	if _, err := s.sessions.MarkStale(ctx, now.Add(-s.staleAfter)); err != nil {
		return 0, unavailable(err)
	}
	live, err := s.sessions.CountActive(ctx)
	if err != nil {
		return 0, unavailable(err)
	}
	return max(live, 1), nil
}

// clean strips markup from a client-supplied field. The sanitizer's entity
// escaping is undone so paths keep their literal query strings; angle brackets
// that only appear after unescaping are dropped.
func (s *PresenceService) clean(value string) string {
	value = html.UnescapeString(s.sanitizer.Sanitize(value))
	value = strings.TrimSpace(angleBrackets.Replace(value))
	if utf8.RuneCountInString(value) > maxFieldRunes {
		value = string([]rune(value)[:maxFieldRunes])
	}
	return value
}

// PlaceholderSnapshot 是后端不可用时展示的固定数据：至少 1 位在线访客，其余归零。
func PlaceholderSnapshot(now time.Time) Snapshot {
	return Snapshot{LiveViewers: 1, LastUpdated: now.UTC()}
}

// FallbackSessionID 为缺少 sessionId 的请求合成一个可区分的会话标识。
func FallbackSessionID(ip string, now time.Time) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = unknownIP
	}
	return fmt.Sprintf("%s%s_%d", fallbackSessionPrefix, ip, now.UnixMilli())
}

// IsFallbackSessionID 判断会话标识是否由服务端合成。
func IsFallbackSessionID(sessionID string) bool {
	return strings.HasPrefix(sessionID, fallbackSessionPrefix)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
