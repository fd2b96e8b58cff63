package db

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/justinsiek/Maker-Safe/config"
	"github.com/justinsiek/Maker-Safe/internal/model"
)

// Init initializes the database connection and runs migrations.
func Init(cfg *config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	log.Info("running database migrations")
	if err := Migrate(db); err != nil {
		return nil, err
	}

	applyHistoryDDL(db, log)

	log.Info("database initialization complete")
	return db, nil
}

// Migrate creates or updates every table the service uses.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Maker{},
		&model.Station{},
		&model.ViolationRecord{},
		&model.StationSessionOpen{},
		&model.StationSessionHistory{},
		&model.PushSubscription{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}
	return nil
}

// applyHistoryDDL adds the Postgres-only range index used by point-in-time session
// lookups. Failures are logged; the service works without it.
func applyHistoryDDL(db *gorm.DB, log *zap.Logger) {
	ddls := []string{
		"CREATE EXTENSION IF NOT EXISTS btree_gist;",
		"CREATE INDEX IF NOT EXISTS idx_session_history_period_expr ON station_session_histories " +
			"USING GIST (station_id, tstzrange(period_start, period_end, '[]'));",
	}

	for _, ddl := range ddls {
		if err := db.Exec(ddl).Error; err != nil {
			log.Warn("DDL execution failed", zap.String("query", ddl), zap.Error(err))
		}
	}
}
