// Package migrate 基于 golang-migrate 的 schema 迁移，迁移文件从 fs.FS 读取
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// Migrator 迁移器
type Migrator struct {
	db      *sql.DB
	logger  *zap.Logger
	service string
}

// NewMigrator 创建迁移器，logger 为 nil 时不输出
func NewMigrator(db *sql.DB, service string, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, logger: logger, service: service}
}

func (m *Migrator) open(fsys fs.FS, dir string) (*migrate.Migrate, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}
	driver, err := postgres.WithInstance(m.db, &postgres.Config{})
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("create postgres driver: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return mg, nil
}

// Up 执行全部未应用的迁移，已是最新版本时直接返回
func (m *Migrator) Up(fsys fs.FS, dir string) error {
	mg, err := m.open(fsys, dir)
	if err != nil {
		return err
	}
	defer mg.Close()

	err = mg.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		m.logger.Info("schema up to date", zap.String("service", m.service))
		return nil
	case err != nil:
		return fmt.Errorf("migrate up: %w", err)
	}

	version, dirty, err := mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	m.logger.Info("schema migrated",
		zap.String("service", m.service),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}

// Version 当前版本，尚未迁移时为 0
func (m *Migrator) Version(fsys fs.FS, dir string) (uint, bool, error) {
	mg, err := m.open(fsys, dir)
	if err != nil {
		return 0, false, err
	}
	defer mg.Close()

	version, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
