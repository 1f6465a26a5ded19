// Package backends は設定に応じてストレージバックエンドを生成する。
package backends

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hitoshi/feedsync/internal/storage"
	"github.com/hitoshi/feedsync/internal/storage/objectstore"
	"github.com/hitoshi/feedsync/internal/storage/sqlstore"
)

// Options はバックエンド生成のパラメータ。
type Options struct {
	Kind storage.Kind

	// ObjectPath はKindObjectで使うファイルパス。
	ObjectPath string

	// SQLDriver とSQLDSN はKindSQLで使う接続情報。
	SQLDriver string
	SQLDSN    string

	Logger *slog.Logger
}

// Open はOptions.Kindに応じたバックエンドを開く。
func Open(ctx context.Context, opts Options) (storage.Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("backend", string(opts.Kind)))

	switch opts.Kind {
	case storage.KindObject:
		if opts.ObjectPath == "" {
			return nil, fmt.Errorf("object store path is required")
		}
		if err := os.MkdirAll(filepath.Dir(opts.ObjectPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create object store directory: %w", err)
		}
		return objectstore.Open(opts.ObjectPath, logger)
	case storage.KindSQL:
		if opts.SQLDSN == "" {
			return nil, fmt.Errorf("database url is required")
		}
		return sqlstore.Open(ctx, opts.SQLDriver, opts.SQLDSN, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", opts.Kind)
	}
}
