package db

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB 是嵌入式 SQLite 后端的全局连接实例，未启用时为 nil。
var DB *gorm.DB

// sqliteBusyTimeout 让并发写入在锁被占用时等待而不是立即失败。
const sqliteBusyTimeout = "_busy_timeout=5000"

// Init 打开 SQLite 数据库并执行自动迁移。
// databasePath 为空时将回退到默认值 devfolio.db。
func Init(databasePath string) error {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		path = "devfolio.db"
	}

	if err := ensureParentDir(path); err != nil {
		return err
	}

	gdb, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{Logger: NewLogger(os.Stdout)})
	if err != nil {
		return err
	}

	if err := Migrate(gdb); err != nil {
		return err
	}

	DB = gdb
	return nil
}

// NewLogger 返回只输出警告及以上级别的 gorm 日志器。
// 查询未命中是正常的业务分支（新会话），不记录为错误。
func NewLogger(w io.Writer) logger.Interface {
	return logger.New(log.New(w, "\r\n", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Migrate 为访客会话与统计单例建表并补齐索引。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&VisitorSession{},
		&VisitorStats{},
	)
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + sqliteBusyTimeout
	}
	return path + "?" + sqliteBusyTimeout
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}

	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return errors.New("database path parent is not a directory")
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}

	return err
}
