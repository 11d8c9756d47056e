package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrDSNRequired is returned when the relational store is not configured.
	ErrDSNRequired = errors.New("storage: database dsn must be configured")
	// ErrUnknownDriver is returned for drivers other than postgres and sqlite.
	ErrUnknownDriver = errors.New("storage: unknown database driver")
)

const defaultFilePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// SQLConfig selects and tunes the relational store.
type SQLConfig struct {
	Driver          string        `toml:"Driver" yaml:"driver"`
	DSN             string        `toml:"DSN" yaml:"dsn"`
	MaxOpenConns    int           `toml:"MaxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `toml:"MaxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"ConnMaxLifetime" yaml:"conn_max_lifetime"`
	SlowQuery       time.Duration `toml:"SlowQuery" yaml:"slow_query"`
}

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrDSNRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// MemoryDSN returns a private shared-cache in-memory SQLite DSN.
func MemoryDSN() string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
}

// OpenSQL opens the configured store. Row locks (SELECT ... FOR UPDATE) are
// honoured on postgres; sqlite serialises writers instead.
func OpenSQL(cfg SQLConfig, log *slog.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres", "postgresql", "pg":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "sqlite3", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}

	gcfg := &gorm.Config{Logger: logger.Discard}
	if log != nil {
		slow := cfg.SlowQuery
		if slow <= 0 {
			slow = time.Second
		}
		gcfg.Logger = logger.New(slog.NewLogLogger(log.Handler(), slog.LevelWarn), logger.Config{
			SlowThreshold:             slow,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}
	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if dialector.Name() == "sqlite" {
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY
		// between concurrent gorm transactions.
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}
