package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	// DriverSQLite はmodernc.org/sqliteのドライバ名。
	DriverSQLite = "sqlite"
	// DriverPostgres はlib/pqのドライバ名。
	DriverPostgres = "postgres"
)

func init() {
	// modernc.org/sqliteのドライバ名はsqlxの既定の対応表にないため登録する。
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// sqlitePragmas はSQLite接続ごとに適用するPRAGMA。
var sqlitePragmas = []string{
	"PRAGMA foreign_keys = ON;",
	"PRAGMA journal_mode = WAL;",
	"PRAGMA busy_timeout = 5000;",
}

// Open はドライバに応じたデータベース接続を開く。
// SQLiteの場合は書き込みロック競合を避けるため接続数を1に制限する。
// PostgreSQLの場合、sql.Openは接続を試行しないため、実際の接続確認にはPingを使用すること。
func Open(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		for _, pragma := range sqlitePragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	return db, nil
}
