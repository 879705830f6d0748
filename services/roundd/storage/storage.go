package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fundround/services/roundd/models"
)

const defaultFilePragmas = "mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// ErrDSNRequired is returned when no database DSN is configured.
var ErrDSNRequired = errors.New("roundd storage dsn must be configured")

// Options tunes the gorm connection pool.
type Options struct {
	MaxOpenConns int
	Debug        bool
}

// Open connects to postgres:// or sqlite:// DSNs and applies migrations.
func Open(dsn string, opts Options) (*gorm.DB, error) {
	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}
	level := logger.Silent
	if opts.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := configurePool(db, opts, dialector.Name()); err != nil {
		return nil, err
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenMemory opens an isolated in-memory SQLite database. Tests and local
// dry-runs use it; a single connection keeps the shared cache consistent.
func OpenMemory() (*gorm.DB, error) {
	dsn := fmt.Sprintf("sqlite://file:%s?mode=memory&cache=shared", uuid.NewString())
	return Open(dsn, Options{MaxOpenConns: 1})
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == "":
		return nil, ErrDSNRequired
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return postgres.Open(trimmed), nil
	case strings.HasPrefix(trimmed, "sqlite://"):
		rest := strings.TrimPrefix(trimmed, "sqlite://")
		if strings.HasPrefix(rest, "file:") {
			return sqlite.Open(rest), nil
		}
		fileDSN, err := FileDSN(rest)
		if err != nil {
			return nil, err
		}
		return sqlite.Open(fileDSN), nil
	default:
		return nil, fmt.Errorf("unsupported database dsn scheme in %q", trimmed)
	}
}

// FileDSN converts a filesystem path into an on-disk SQLite DSN with WAL and
// busy-timeout pragmas.
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

func configurePool(db *gorm.DB, opts Options, dialect string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	maxOpen := opts.MaxOpenConns
	if dialect == "sqlite" && maxOpen != 1 {
		// SQLite admits a single writer at a time.
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen)
	}
	return nil
}
