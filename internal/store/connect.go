package store

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenPostgres opens the production connection.
func OpenPostgres(dsn string) (*DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("store: opening postgres: %w", err)
	}
	return New(gdb), nil
}

// OpenSQLite opens an in-memory or file-backed sqlite database, used by
// integration tests in place of postgres.
func OpenSQLite(dsn string) (*DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite: %w", err)
	}
	return New(gdb), nil
}
