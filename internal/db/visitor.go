package db

import "time"

// StatsKey 是全站访问统计单例文档的固定主键。
const StatsKey = "global"

// VisitorSession 记录一个浏览器标签页的访问会话，sessionId 由客户端生成。
type VisitorSession struct {
	ID           uint      `gorm:"primaryKey" bson:"-" json:"-"`
	SessionID    string    `gorm:"size:128;uniqueIndex" bson:"sessionId" json:"sessionId"`
	IP           string    `gorm:"size:64;index" bson:"ip" json:"ip"`
	UserAgent    string    `gorm:"size:512" bson:"userAgent" json:"userAgent"`
	Page         string    `gorm:"size:512" bson:"page" json:"page"`
	IsActive     bool      `gorm:"index:idx_visitor_sessions_activity,priority:1" bson:"isActive" json:"isActive"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
	LastActivity time.Time `gorm:"index:idx_visitor_sessions_activity,priority:2" bson:"lastActivity" json:"lastActivity"`
}

// TableName 指定自定义表名。
func (VisitorSession) TableName() string {
	return "visitor_sessions"
}

// VisitorStats 汇总全站累计访问量与独立访客数，全局只有一条记录。
type VisitorStats struct {
	ID             uint      `gorm:"primaryKey" bson:"-" json:"-"`
	Key            string    `gorm:"column:stats_key;size:32;uniqueIndex" bson:"_id" json:"-"`
	TotalVisits    int64     `gorm:"default:0" bson:"totalVisits" json:"totalVisits"`
	UniqueVisitors int64     `gorm:"default:0" bson:"uniqueVisitors" json:"uniqueVisitors"`
	LastUpdated    time.Time `bson:"lastUpdated" json:"lastUpdated"`
}

// TableName 指定自定义表名，避免自动复数化导致的歧义。
func (VisitorStats) TableName() string {
	return "visitor_stats"
}
