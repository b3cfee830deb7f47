package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devfolio/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	_ SessionStore = (*GormStore)(nil)
	_ StatsStore   = (*GormStore)(nil)
)

// GormStore implements SessionStore and StatsStore on a relational database.
type GormStore struct {
	db *gorm.DB
}

// NewGorm wraps an already migrated gorm connection.
func NewGorm(gdb *gorm.DB) *GormStore {
	return &GormStore{db: gdb}
}

func (s *GormStore) FindBySessionID(ctx context.Context, sessionID string) (*db.VisitorSession, error) {
	return s.findFirst(ctx, "session_id = ?", sessionID)
}

func (s *GormStore) FindByIP(ctx context.Context, ip string) (*db.VisitorSession, error) {
	return s.findFirst(ctx, "ip = ?", ip)
}

func (s *GormStore) findFirst(ctx context.Context, query string, arg string) (*db.VisitorSession, error) {
	var session db.VisitorSession
	err := s.db.WithContext(ctx).Where(query, arg).Order("id").First(&session).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("find visitor session: %w", err)
	}
	return &session, nil
}

func (s *GormStore) Upsert(ctx context.Context, sessionID string, fields SessionFields, now time.Time) (bool, error) {
	created := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session := db.VisitorSession{
			SessionID:    sessionID,
			IP:           fields.IP,
			UserAgent:    fields.UserAgent,
			Page:         pageOrDefault(fields.Page),
			IsActive:     true,
			CreatedAt:    now,
			LastActivity: now,
		}
		insert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoNothing: true,
		}).Create(&session)
		if insert.Error != nil {
			return insert.Error
		}

		created = insert.RowsAffected == 1
		if created {
			return nil
		}

		updates := map[string]interface{}{
			"is_active":     true,
			"last_activity": now,
		}
		if fields.IP != "" {
			updates["ip"] = fields.IP
		}
		if fields.UserAgent != "" {
			updates["user_agent"] = fields.UserAgent
		}
		if fields.Page != "" {
			updates["page"] = fields.Page
		}
		return tx.Model(&db.VisitorSession{}).
			Where("session_id = ?", sessionID).
			Updates(updates).Error
	})
	if err != nil {
		return false, fmt.Errorf("upsert visitor session: %w", err)
	}

	return created, nil
}

func (s *GormStore) MarkInactive(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).Model(&db.VisitorSession{}).
		Where("session_id = ?", sessionID).
		Update("is_active", false).Error
	if err != nil {
		return fmt.Errorf("deactivate visitor session: %w", err)
	}
	return nil
}

func (s *GormStore) MarkStale(ctx context.Context, threshold time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&db.VisitorSession{}).
		Where("is_active = ? AND last_activity < ?", true, threshold).
		Update("is_active", false)
	if result.Error != nil {
		return 0, fmt.Errorf("sweep stale sessions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) CountActive(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&db.VisitorSession{}).
		Where("is_active = ?", true).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return count, nil
}

func (s *GormStore) GetOrCreate(ctx context.Context, now time.Time) (*db.VisitorStats, error) {
	var stats db.VisitorStats
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureStatsRow(tx, now); err != nil {
			return err
		}
		return tx.Where("stats_key = ?", db.StatsKey).First(&stats).Error
	})
	if err != nil {
		return nil, fmt.Errorf("load visitor stats: %w", err)
	}
	return &stats, nil
}

func (s *GormStore) IncrementVisit(ctx context.Context, newVisitor bool, now time.Time) (*db.VisitorStats, error) {
	unique := 0
	if newVisitor {
		unique = 1
	}

	var stats db.VisitorStats
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureStatsRow(tx, now); err != nil {
			return err
		}
		if err := tx.Model(&db.VisitorStats{}).
			Where("stats_key = ?", db.StatsKey).
			Updates(map[string]interface{}{
				"total_visits":    gorm.Expr("total_visits + ?", 1),
				"unique_visitors": gorm.Expr("unique_visitors + ?", unique),
				"last_updated":    now,
			}).Error; err != nil {
			return err
		}
		return tx.Where("stats_key = ?", db.StatsKey).First(&stats).Error
	})
	if err != nil {
		return nil, fmt.Errorf("increment visitor stats: %w", err)
	}
	return &stats, nil
}

func ensureStatsRow(tx *gorm.DB, now time.Time) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stats_key"}},
		DoNothing: true,
	}).Create(&db.VisitorStats{Key: db.StatsKey, LastUpdated: now}).Error
}
