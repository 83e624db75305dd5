package app

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dwebhost/dweb-alpha/migrations"
	"github.com/dwebhost/dweb-alpha/pkg/logger"
	"github.com/dwebhost/dweb-alpha/pkg/migrate"
)

// AutoMigrate 执行内嵌的 postgres 迁移
func AutoMigrate(db *gorm.DB, service string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	if err := migrate.NewMigrator(sqlDB, service, logger.L()).Up(migrations.FS, "."); err != nil {
		logger.Error("schema migration failed", zap.Error(err))
		return err
	}
	return nil
}
