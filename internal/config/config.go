package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig 汇总运行服务所需的基础配置。
type AppConfig struct {
	ListenAddr           string
	Port                 string
	GinMode              string
	SessionSecret        string
	MongoURI             string
	MongoDatabase        string
	DatabasePath         string
	StaleAfter           time.Duration
	SweepSchedule        string
	StoreTimeout         time.Duration
	TrackRatePerMinute   int
	TrackRateBurst       int
	AllowFallbackSession bool
	TrustedProxies       []string
}

// Backend 表示当前配置选择的持久化后端。
type Backend string

const (
	BackendNone   Backend = "none"
	BackendMongo  Backend = "mongo"
	BackendSQLite Backend = "sqlite"
)

// Load 从环境变量读取应用配置，并为缺失项提供安全的默认值。
// 工作目录下存在 .env 时会先加载它，已存在的环境变量不会被覆盖。
func Load() AppConfig {
	_ = godotenv.Load()

	port := envString("PORT", "8080")

	listenAddr := envString("LISTEN_ADDR", "")
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%s", port)
	}

	return AppConfig{
		ListenAddr:           listenAddr,
		Port:                 port,
		GinMode:              envString("GIN_MODE", "release"),
		SessionSecret:        envString("SESSION_SECRET", "devfolio-dev-secret"),
		MongoURI:             envString("MONGODB_URI", ""),
		MongoDatabase:        envString("MONGODB_DATABASE", "portfolio"),
		DatabasePath:         envString("DATABASE_PATH", ""),
		StaleAfter:           envDuration("STALE_AFTER", 60*time.Second),
		SweepSchedule:        envString("SWEEP_SCHEDULE", "@every 1m"),
		StoreTimeout:         envDuration("STORE_TIMEOUT", 5*time.Second),
		TrackRatePerMinute:   envInt("TRACK_RATE_PER_MINUTE", 120),
		TrackRateBurst:       envInt("TRACK_RATE_BURST", 20),
		AllowFallbackSession: envBool("ALLOW_FALLBACK_SESSION", true),
		TrustedProxies:       envList("TRUSTED_PROXIES"),
	}
}

// Backend 按 MongoDB > SQLite > 无 的顺序选择后端。
func (c AppConfig) Backend() Backend {
	switch {
	case c.MongoURI != "":
		return BackendMongo
	case c.DatabasePath != "":
		return BackendSQLite
	default:
		return BackendNone
	}
}

func envString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := envString(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	raw := envString(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	raw := envString(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}

// envList 读取逗号分隔的列表，忽略空项。
func envList(key string) []string {
	raw := envString(key, "")
	if raw == "" {
		return nil
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}
