package database

import (
	"path/filepath"

	"gorm.io/gorm/logger"
)

// OpenForTest opens a fresh SQLite store under dir with query logging
// silenced. Intended for tests in other packages.
func OpenForTest(dir string) (*Store, error) {
	return open(filepath.Join(dir, "test.db"), logger.Default.LogMode(logger.Silent))
}
