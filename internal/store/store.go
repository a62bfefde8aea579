// Package store opens the database and owns schema migration.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tokengate/internal/logging"
	"tokengate/pkg/models"
)

// Open connects per the DSN: postgres:// URLs use the postgres driver,
// anything else (including empty) is treated as a sqlite path. Tests pass
// ":memory:".
func Open(dsn string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case dsn == "":
		db, err = gorm.Open(sqlite.Open("tokengate.db"), gormCfg)
	default:
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// Migrate applies the schema for every persisted entity.
func Migrate(db *gorm.DB) error {
	logging.L().Info("running migrations")
	return db.AutoMigrate(
		&models.User{},
		&models.UserAPIKey{},
		&models.BalanceGrant{},
		&models.Reservation{},
		&models.UsageEvent{},
		&models.WorkspaceRecord{},
	)
}

// OpenForTest returns a migrated in-memory database. The pool is pinned to a
// single connection so every query sees the same memory database.
func OpenForTest() (*gorm.DB, error) {
	db, err := Open(":memory:")
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
