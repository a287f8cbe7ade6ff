package database

import (
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"vpnova-bot/internal/config"
	"vpnova-bot/internal/models"
)

func ConnectPostgres(cfg *config.Config, logger *slog.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Plan{},
		&models.Subscription{},
		&models.PaymentEvent{},
		&models.ProvisioningTask{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	// AutoMigrate tags cannot express a partial unique index; the single
	// live subscription per user is enforced at the database level so two
	// concurrent first payments cannot both insert a row.
	if err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_one_live_per_user
		 ON subscriptions (user_id)
		 WHERE status IN ('pending', 'active', 'grace')`,
	).Error; err != nil {
		return nil, fmt.Errorf("failed to create live subscription index: %w", err)
	}

	logger.Info("connected to postgres", slog.String("host", cfg.DBHost), slog.String("db", cfg.DBName))
	return db, nil
}
