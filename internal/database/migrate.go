// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// NewMigrator は既存の接続に対するマイグレーション実行用のmigrateインスタンスを生成する。
// 返したインスタンスのCloseは接続も閉じるため、接続を使い続ける場合は呼ばないこと。
func NewMigrator(db *sql.DB, driver string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	var instance migratedb.Driver
	switch driver {
	case DriverSQLite:
		instance, err = sqlite.WithInstance(db, &sqlite.Config{})
	case DriverPostgres:
		instance, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, instance)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(db *sql.DB, driver string) error {
	m, err := NewMigrator(db, driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
