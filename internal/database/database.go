package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Store is the persistence gateway for users, VMs, events and settings.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema. A postgres:// URL selects
// PostgreSQL; anything else is treated as a SQLite file path.
func Open(dsn string) (*Store, error) {
	return open(dsn, logger.Default.LogMode(logger.Warn))
}

func open(dsn string, lg logger.Interface) (*Store, error) {
	cfg := &gorm.Config{
		Logger:         lg,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}

	var dialector gorm.Dialector
	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	if isPostgres {
		dialector = postgres.Open(dsn)
	} else {
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		dialector = sqlite.Open(dsn + "?_busy_timeout=5000&_foreign_keys=on")
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if isPostgres {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	} else {
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		// one writer at a time keeps SQLite from returning SQLITE_BUSY under load
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&User{}, &VM{}, &Event{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{db: db}
	if err := s.seedDefaults(); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}
	return s, nil
}

func (s *Store) seedDefaults() error {
	defaults := map[string]string{
		"provision_backend": "auto",
	}
	for key, value := range defaults {
		var count int64
		s.db.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := s.db.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}
	return nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var st Setting
	if err := s.db.WithContext(ctx).Where("key = ?", key).First(&st).Error; err != nil {
		return "", translate(err)
	}
	return st.Value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}
