package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/feedsync/internal/async"
	"github.com/hitoshi/feedsync/internal/background"
	"github.com/hitoshi/feedsync/internal/config"
	"github.com/hitoshi/feedsync/internal/feed"
	"github.com/hitoshi/feedsync/internal/importer"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/migration"
	"github.com/hitoshi/feedsync/internal/notify"
	"github.com/hitoshi/feedsync/internal/opml"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/security"
	"github.com/hitoshi/feedsync/internal/storage"
	"github.com/hitoshi/feedsync/internal/storage/backends"
	"github.com/hitoshi/feedsync/internal/update"
)

// Engine は同期エンジンを構成する全コンポーネントを保持する。
type Engine struct {
	Registry   *prometheus.Registry
	Main       *async.Queue
	Repository *repository.Repository
	Migration  *migration.Coordinator
	Importer   *importer.UseCase
	OPML       *opml.Service
	Notifier   *notify.Handler
	Badge      *notify.CounterBadge
	Background *background.Coordinator

	logger  *slog.Logger
	current storage.Backend
	legacy  storage.Backend
}

// NewEngine はストレージを開き、依存関係をワイヤリングする。
// 移行はまだ開始しない。Startを呼ぶまでリポジトリの更新は待たされる。
func NewEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// 1. ストレージ
	current, err := backends.Open(ctx, backends.Options{
		Kind:       storage.Kind(cfg.StorageBackend),
		ObjectPath: cfg.ObjectStorePath,
		SQLDriver:  cfg.SQLDriver,
		SQLDSN:     cfg.DatabaseURL,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	var legacy storage.Backend
	if cfg.HasLegacyStore() {
		legacy, err = backends.Open(ctx, backends.Options{
			Kind:      storage.KindSQL,
			SQLDriver: cfg.LegacySQLDriver,
			SQLDSN:    cfg.LegacyDatabaseURL,
			Logger:    logger,
		})
		if err != nil {
			current.Close()
			return nil, fmt.Errorf("failed to open legacy storage: %w", err)
		}
	}

	// 2. メトリクスとメインキュー
	reg := prometheus.NewRegistry()
	mc := metrics.NewCollector(reg)
	main := async.NewQueue("main")

	// 3. 移行
	mig, err := migration.New(ctx, legacy, current, main, logger, mc)
	if err != nil {
		main.Close()
		closeBackends(current, legacy)
		return nil, fmt.Errorf("failed to inspect legacy storage: %w", err)
	}
	mig.AddSubscriber(migrationLogger{logger: logger})

	// 4. データリポジトリと更新処理
	repo := repository.New(repository.Options{
		Backend: current,
		Main:    main,
		Logger:  logger,
		Gate:    mig.Done(),
	})

	fetcher := feed.NewFetcher(security.NewSSRFGuard(cfg.AllowPrivateNetworks), cfg.FetchTimeout, cfg.FetchMaxSize, "")
	parser := feed.NewParser()
	repo.SetUpdater(update.New(update.Options{
		Fetcher:       fetcher,
		Parser:        parser,
		Reconciler:    update.NewReconciler(security.NewContentSanitizer(), feed.NewImageFetcher(fetcher, logger)),
		Committer:     repo,
		Metrics:       mc,
		Logger:        logger,
		MaxConcurrent: cfg.FetchMaxConcurrent,
		HostRate:      rate.Limit(cfg.FetchHostRate),
		HostBurst:     1,
	}))

	// 5. 購読者
	badge := &notify.CounterBadge{}
	notifier := notify.NewHandler(repo, notify.LogScheduler{Logger: logger}, badge, mc, logger)
	repo.AddSubscriber(notifier)

	opmlService := opml.NewService(repo, cfg.DocumentsDir, logger)
	repo.AddSubscriber(opmlService)

	return &Engine{
		Registry:   reg,
		Main:       main,
		Repository: repo,
		Migration:  mig,
		Importer:   importer.New(fetcher, parser, repo, opmlService, logger),
		OPML:       opmlService,
		Notifier:   notifier,
		Badge:      badge,
		Background: background.New(repo, main, background.Config{
			Budget: cfg.BackgroundFetchBudget,
			Margin: cfg.BackgroundFetchMargin,
		}, mc, logger),
		logger:  logger,
		current: current,
		legacy:  legacy,
	}, nil
}

// Start は移行を開始する。移行が不要な場合は即座に完了したFutureを返す。
func (e *Engine) Start(ctx context.Context) *async.Future[migration.Report] {
	return e.Migration.Begin(ctx)
}

// Close はキューを止め、ストレージを閉じる。
// メインキューに残った通知と、それを受けたOPMLの書き出しはClose前にすべて終わる。
func (e *Engine) Close() error {
	barrier := make(chan struct{})
	e.Main.Submit(func() { close(barrier) })
	<-barrier
	e.OPML.Wait()

	e.Repository.Close()
	e.Main.Close()
	return closeBackends(e.current, e.legacy)
}

func closeBackends(stores ...storage.Backend) error {
	var errs []error
	for _, b := range stores {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// migrationLogger は移行の進捗をログに出力する。
type migrationLogger struct {
	logger *slog.Logger
}

func (l migrationLogger) MigrationDidUpdateProgress(migrated, total int) {
	l.logger.Debug("ストレージ移行の進捗",
		slog.Int("migrated", migrated),
		slog.Int("total", total),
	)
}

func (l migrationLogger) MigrationDidFinish(report migration.Report) {
	if report.Complete() {
		return
	}
	attrs := []any{slog.Int("skipped", report.Skipped)}
	if report.Err != nil {
		attrs = append(attrs, slog.String("error", report.Err.Error()))
	}
	l.logger.Warn("一部のフィードを移行できませんでした", attrs...)
}
