package database

import (
	"fmt"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/radiowatch/radiowatch/internal/config"
)

// Initialize opens the configured database and migrates the schema.
func Initialize(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	logMode := gormlogger.Warn
	if cfg.LogQueries {
		logMode = gormlogger.Info
	}
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(logMode),
	}

	var db *gorm.DB
	var err error

	switch cfg.Type {
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Host, cfg.Username, cfg.Password, cfg.Database, cfg.Port)
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		db, err = gorm.Open(sqlite.Open(cfg.DatabasePath), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the schema for all core models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Station{},
		&Track{},
		&FingerprintEntry{},
		&Detection{},
		&StationTrackStat{},
	)
}

// All stored timestamps are UTC.
func utcNow() time.Time {
	return time.Now().UTC()
}
