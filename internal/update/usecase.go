// Package update はネットワークフィードの取得と反映を行う更新処理を提供する。
//
// 取得はセマフォで並列数を制限したワーカーで行い、ホストごとにレートを制限する。
// パース結果の反映と保存は、データリポジトリの直列キュー上で保存済みの最新のフィードに対して行う。
package update

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/feedsync/internal/async"
	"github.com/hitoshi/feedsync/internal/feed"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// DocumentFetcher はフィードドキュメントを取得する。
type DocumentFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*feed.Document, error)
}

// FeedParser はフィードドキュメントをパースする。
type FeedParser interface {
	Parse(body []byte, source string) (*model.ParsedFeed, error)
}

// Committer は保存済みの最新のフィードにapplyを適用して保存する。
// フィードが削除済みの場合はnilを返す。
type Committer interface {
	CommitFeed(ctx context.Context, f *model.Feed, apply func(latest *model.Feed)) *async.Future[*model.Feed]
}

// Options はUseCaseの生成オプション。
type Options struct {
	Fetcher    DocumentFetcher
	Parser     FeedParser
	Reconciler *Reconciler
	Committer  Committer
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
	// MaxConcurrent は同時に取得するフィード数の上限。0以下なら4。
	MaxConcurrent int
	// HostRate はホストごとの毎秒リクエスト数。0以下なら制限しない。
	HostRate  rate.Limit
	HostBurst int
}

// UseCase はフィード更新処理。repository.Updaterを実装する。
type UseCase struct {
	fetcher    DocumentFetcher
	parser     FeedParser
	reconciler *Reconciler
	committer  Committer
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	limiter    *hostLimiter
	maxWorkers int
}

var _ repository.Updater = (*UseCase)(nil)

// New はUseCaseを生成する。
func New(opts Options) *UseCase {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &UseCase{
		fetcher:    opts.Fetcher,
		parser:     opts.Parser,
		reconciler: opts.Reconciler,
		committer:  opts.Committer,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		limiter:    newHostLimiter(opts.HostRate, opts.HostBurst),
		maxWorkers: opts.MaxConcurrent,
	}
}

// feedOutcome は1フィードの処理結果。
type feedOutcome struct {
	// feed は保存後のフィード。削除済みならnil。
	feed    *model.Feed
	changes Changes
	err     error
}

// Update はネットワークフィードを取得して反映する。クエリフィードとスタブは対象外。
// 個々のフィードの失敗は結果のErrorsに集め、残りのフィードの処理は続ける。
func (u *UseCase) Update(ctx context.Context, feeds []*model.Feed, progress func(current, total int)) repository.UpdateResult {
	start := time.Now()

	var targets []*model.Feed
	for _, f := range feeds {
		if f.IsNetworkFeed() {
			targets = append(targets, f)
		}
	}

	outcomes := make([]feedOutcome, len(targets))
	var (
		mu   sync.Mutex
		done int
		wg   sync.WaitGroup
	)
	sem := make(chan struct{}, u.maxWorkers)

	for i, f := range targets {
		wg.Add(1)
		sem <- struct{}{}

		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcomes[i] = u.updateFeed(ctx, f)

			mu.Lock()
			done++
			current := done
			mu.Unlock()
			if progress != nil {
				progress(current, len(targets))
			}
		}()
	}
	wg.Wait()

	var res repository.UpdateResult
	for _, o := range outcomes {
		if o.feed != nil {
			res.Feeds = append(res.Feeds, o.feed)
		}
		if o.err != nil {
			res.Errors = append(res.Errors, o.err)
		}
		res.NewArticles = append(res.NewArticles, o.changes.Created...)
		res.ChangedArticles = append(res.ChangedArticles, o.changes.Changed...)
	}

	u.metrics.RecordArticles(len(res.NewArticles), len(res.ChangedArticles))
	u.metrics.RecordUpdateCycle(time.Since(start))
	return res
}

// updateFeed は1フィードを取得・パースし、最新の保存状態に反映して保存する。
// fは取得対象を決めるためだけに使い、反映先にはしない。
func (u *UseCase) updateFeed(ctx context.Context, f *model.Feed) feedOutcome {
	logger := u.logger.With(slog.String("feed_id", f.StoreID()), slog.String("feed_url", f.URL()))

	if n := f.RemainingWait(); n > 0 {
		u.metrics.RecordFeedSkipped(f.StoreID())
		logger.Debug("待機期間中のため取得を見送りました", slog.Int("remaining_wait", n-1))
		latest, err := u.committer.CommitFeed(ctx, f, func(latest *model.Feed) {
			latest.SetRemainingWait(max(latest.RemainingWait()-1, 0))
		}).Wait(ctx)
		return feedOutcome{feed: committed(f, latest, err), err: err}
	}

	if err := u.limiter.Wait(ctx, f.URL()); err != nil {
		return feedOutcome{feed: f, err: model.NewNetworkError(f.URL(), err)}
	}

	fetchStart := time.Now()
	doc, err := u.fetcher.Fetch(ctx, f.URL())
	u.metrics.RecordFetchLatency(time.Since(fetchStart))
	if err != nil {
		var se *model.SyncError
		if errors.As(err, &se) && se.Status != 0 {
			u.metrics.RecordHTTPStatus(se.Status)
		}
		u.metrics.RecordFetchFailure(f.StoreID(), failureReason(err))
		logger.Warn("フィードの取得に失敗しました", slog.String("error", err.Error()))
		return feedOutcome{feed: f, err: err}
	}

	u.metrics.RecordHTTPStatus(doc.StatusCode)

	parsed, err := u.parser.Parse(doc.Body, f.URL())
	if err != nil {
		u.metrics.RecordParseFailure(f.StoreID())
		logger.Warn("フィードのパースに失敗しました", slog.String("error", err.Error()))
		return feedOutcome{feed: f, err: err}
	}
	u.metrics.RecordFetchSuccess(f.StoreID())

	image := u.reconciler.FeedImage(ctx, f, parsed)
	var changes Changes
	latest, err := u.committer.CommitFeed(ctx, f, func(latest *model.Feed) {
		changes = u.reconciler.Merge(latest, parsed, image)
		ApplyBackoff(latest, changes.HasNewData())
	}).Wait(ctx)
	if err != nil {
		return feedOutcome{feed: f, err: err}
	}
	if latest == nil {
		logger.Info("更新中にフィードが削除されました")
		return feedOutcome{}
	}

	logger.Info("フィードを反映しました",
		slog.Int("items", len(parsed.Items)),
		slog.Int("created", len(changes.Created)),
		slog.Int("changed", len(changes.Changed)),
		slog.Int("wait_period", latest.WaitPeriod()),
		slog.Int("remaining_wait", latest.RemainingWait()),
	)
	return feedOutcome{feed: latest, changes: changes}
}

// committed はCommitFeedの結果から集計に使うフィードを選ぶ。
func committed(f, latest *model.Feed, err error) *model.Feed {
	if err != nil {
		return f
	}
	return latest
}

// failureReason はメトリクスのラベルに使う失敗理由を返す。
func failureReason(err error) string {
	var se *model.SyncError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	return "unknown"
}
