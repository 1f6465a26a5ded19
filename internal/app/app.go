package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/feedsync/internal/background"
	"github.com/hitoshi/feedsync/internal/config"
	"github.com/hitoshi/feedsync/internal/logger"
)

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envがあれば環境変数に読み込む。既存の環境変数は上書きしない
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		addr := os.Getenv("METRICS_ADDR")
		if addr == "" {
			addr = ":9090"
		}
		return runHealthcheck(addr)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("storage_backend", cfg.StorageBackend),
		slog.Bool("legacy_store", cfg.HasLegacyStore()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := NewEngine(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			slog.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}()

	if cmd == CommandMigrate {
		return runMigrate(ctx, engine, cfg)
	}

	// serve以外は移行の完了を待ってから実行する。serveでは更新だけが移行を待つ
	migrated := engine.Start(ctx)
	if cmd != CommandServe {
		if _, err := migrated.Wait(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	switch cmd {
	case CommandBackgroundFetch:
		return runBackgroundFetch(ctx, engine)
	case CommandImport:
		return runImport(ctx, engine, args[1:])
	case CommandExportOPML:
		return runExportOPML(ctx, engine)
	case CommandServe:
		return runServe(ctx, engine, cfg)
	default:
		return runRefresh(ctx, engine)
	}
}

// runRefresh は全フィードを1回更新する。
// フィード単位の失敗は警告として記録し、コマンド自体は成功とする。
func runRefresh(ctx context.Context, e *Engine) error {
	start := time.Now()
	res, err := e.Repository.UpdateFeeds(ctx).Wait(ctx)
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}

	for _, ferr := range res.Errors {
		slog.Warn("フィードを更新できません", slog.String("error", ferr.Error()))
	}
	slog.Info("refresh completed",
		slog.Int("feeds", len(res.Feeds)),
		slog.Int("new_articles", len(res.NewArticles)),
		slog.Int("changed_articles", len(res.ChangedArticles)),
		slog.Int("errors", len(res.Errors)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// runBackgroundFetch は実行期限付きで更新し、結果を報告する。
func runBackgroundFetch(ctx context.Context, e *Engine) error {
	done := make(chan background.Result, 1)
	e.Background.PerformFetch(ctx, func(res background.Result) {
		done <- res
	})
	res := <-done

	slog.Info("background fetch completed",
		slog.String("outcome", res.Outcome.String()),
		slog.Int("new_articles", len(res.Update.NewArticles)),
		slog.Int("badge", e.Badge.Count()),
	)
	if res.Outcome == background.OutcomeFailed {
		return fmt.Errorf("background fetch failed: %w", res.Err)
	}
	return nil
}

// runImport は引数のURLまたはファイルパスを取り込む。
func runImport(ctx context.Context, e *Engine, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: feedsync import <url|path>")
	}
	target := args[0]

	item, err := e.Importer.ScanForImportable(ctx, target)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	slog.Info("scanned import target",
		slog.String("url", target),
		slog.String("kind", item.Kind.String()),
		slog.Int("count", item.Count),
	)

	res, err := e.Importer.ImportItem(ctx, target)
	if err != nil {
		for _, c := range item.Candidates {
			slog.Info("feed candidate", slog.String("url", c))
		}
		return fmt.Errorf("import failed: %w", err)
	}

	for _, ferr := range res.Errors {
		slog.Warn("インポートしたフィードを更新できません", slog.String("error", ferr.Error()))
	}
	slog.Info("import completed",
		slog.Int("feeds", len(res.Feeds)),
		slog.Int("skipped", res.Skipped),
	)
	return nil
}

// runExportOPML は全フィードをOPMLファイルに書き出す。
func runExportOPML(ctx context.Context, e *Engine) error {
	path, err := e.OPML.WriteOPML(ctx)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	slog.Info("opml exported", slog.String("path", path))
	return nil
}

// runMigrate は旧ストレージから現行ストレージへの移行を実行する。
func runMigrate(ctx context.Context, e *Engine, cfg *config.Config) error {
	slog.Info("running storage migration",
		slog.String("legacy_database_url", maskDatabaseURL(cfg.LegacyDatabaseURL)),
		slog.String("state", e.Migration.State().String()),
	)

	report, err := e.Start(ctx).Wait(ctx)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if report.Err != nil {
		return fmt.Errorf("migration failed: %w", report.Err)
	}

	slog.Info("storage migration completed",
		slog.Int("feeds", report.Feeds),
		slog.Int("articles", report.Articles),
		slog.Int("duplicates", report.Duplicates),
		slog.Int("skipped", report.Skipped),
	)
	return nil
}

// runServe はメトリクスと更新トリガーのHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, e *Engine, cfg *config.Config) error {
	server := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      NewRouter(e, slog.Default()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.FetchTimeout*time.Duration(max(cfg.FetchMaxConcurrent, 1)) + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid METRICS_ADDR %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	url := fmt.Sprintf("http://%s/health", net.JoinHostPort(host, port))
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if url == "" {
		return ""
	}
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
