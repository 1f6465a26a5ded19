// Package repository はストレージバックエンドの前段に立つデータリポジトリを提供する。
//
// ストレージ操作はリポジトリ専用の直列キューで実行し、結果と変更通知はメインキューに配送する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/feedsync/internal/async"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/query"
	"github.com/hitoshi/feedsync/internal/storage"
)

// Updater はフィードを取得・反映する更新処理。
// progressは1フィードの処理が終わるごとに呼ばれる。
type Updater interface {
	Update(ctx context.Context, feeds []*model.Feed, progress func(current, total int)) UpdateResult
}

// Options はRepositoryの生成オプション。
type Options struct {
	Backend storage.Backend
	// Main は結果と通知を配送するキュー。
	Main async.Executor
	Logger *slog.Logger
	// Query はクエリフィードの評価器。nilなら新たに生成する。
	Query *query.Evaluator
	// Gate はcloseされるまで更新の開始を待たせるチャネル。nilなら待たない。
	Gate <-chan struct{}
}

// Repository はフィードと記事の読み書きを非同期に提供する。
type Repository struct {
	backend storage.Backend
	main    async.Executor
	bg      *async.Queue
	logger  *slog.Logger
	query   *query.Evaluator
	gate    <-chan struct{}

	mu          sync.Mutex
	subscribers []subscriberRef
	updater     Updater
	inflight    *async.Future[UpdateResult]
}

// New はRepositoryを生成する。
func New(opts Options) *Repository {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := opts.Query
	if q == nil {
		q = query.NewEvaluator(logger)
	}
	main := opts.Main
	if main == nil {
		main = async.Inline{}
	}
	return &Repository{
		backend: opts.Backend,
		main:    main,
		bg:      async.NewQueue("repository"),
		logger:  logger,
		query:   q,
		gate:    opts.Gate,
	}
}

// SetUpdater は更新処理を設定する。
func (r *Repository) SetUpdater(u Updater) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updater = u
}

// Close はバックグラウンドキューを停止する。投入済みの処理は完了まで実行される。
// バックエンドは閉じない。
func (r *Repository) Close() {
	r.bg.Close()
}

// run はfnをバックグラウンドキューで実行し、結果をメインキューで配送するFutureを返す。
func run[T any](r *Repository, fn func() (T, error)) *async.Future[T] {
	p := async.NewPromise[T](r.main)
	r.bg.Submit(func() {
		p.Complete(fn())
	})
	return p.Future()
}

func (r *Repository) logStorageError(op string, err error) {
	r.logger.Error("ストレージ操作に失敗しました",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}

// AllTags は全フィードのタグを返す。
func (r *Repository) AllTags(ctx context.Context) *async.Future[[]string] {
	return run(r, func() ([]string, error) {
		tags, err := r.backend.AllTags(ctx)
		if err != nil {
			r.logStorageError("all tags", err)
			return nil, err
		}
		return tags, nil
	})
}

// Feeds は全フィードを表示名順に返す。クエリフィードには一致する記事が入る。
func (r *Repository) Feeds(ctx context.Context) *async.Future[[]*model.Feed] {
	return run(r, func() ([]*model.Feed, error) {
		return r.loadFeeds(ctx)
	})
}

// FeedsMatchingTag はtagを部分文字列として含むタグを持つフィードを返す。
// tagが空なら全フィードを返す。
func (r *Repository) FeedsMatchingTag(ctx context.Context, tag string) *async.Future[[]*model.Feed] {
	return run(r, func() ([]*model.Feed, error) {
		feeds, err := r.loadFeeds(ctx)
		if err != nil || tag == "" {
			return feeds, err
		}
		var matched []*model.Feed
		for _, f := range feeds {
			for _, t := range f.Tags() {
				if strings.Contains(t, tag) {
					matched = append(matched, f)
					break
				}
			}
		}
		return matched, nil
	})
}

// ArticlesMatchingQuery は通常のフィードの記事のうちクエリ式を満たすものを返す。
// 式が不正ならKindParseのSyncErrorを返す。
func (r *Repository) ArticlesMatchingQuery(ctx context.Context, expr string) *async.Future[[]*model.Article] {
	return run(r, func() ([]*model.Article, error) {
		feeds, err := r.backend.Feeds(ctx, "")
		if err != nil {
			r.logStorageError("feeds", err)
			return nil, err
		}
		var articles []*model.Article
		for _, f := range feeds {
			if !f.IsQueryFeed() {
				articles = append(articles, f.Articles()...)
			}
		}
		matched, err := r.query.Filter(expr, articles)
		if err != nil {
			return nil, err
		}
		storage.SortArticles(matched)
		return matched, nil
	})
}

// SearchArticles はフィード内の記事をタイトル・概要・本文で検索する。
// feedがnilなら全記事を対象にする。
func (r *Repository) SearchArticles(ctx context.Context, feed *model.Feed, term string) *async.Future[[]*model.Article] {
	return run(r, func() ([]*model.Article, error) {
		q := storage.ArticleQuery{Search: term}
		if feed != nil && feed.IsQueryFeed() {
			var out []*model.Article
			for _, a := range feed.Articles() {
				if q.Match(a) {
					out = append(out, a)
				}
			}
			return out, nil
		}
		if feed != nil {
			if feed.StoreID() == "" {
				return nil, nil
			}
			q.FeedID = feed.StoreID()
		}
		articles, err := r.backend.Articles(ctx, q)
		if err != nil {
			r.logStorageError("search articles", err)
			return nil, err
		}
		return articles, nil
	})
}

// NewFeed はフィードを作成して保存する。
func (r *Repository) NewFeed(ctx context.Context, fields model.FeedFields) *async.Future[*model.Feed] {
	return run(r, func() (*model.Feed, error) {
		f := model.NewFeed(fields)
		if err := r.backend.SaveFeed(ctx, f); err != nil {
			r.logStorageError("new feed", err)
			return nil, err
		}
		return f, nil
	})
}

// SaveFeed はフィードと変更された記事を保存する。
func (r *Repository) SaveFeed(ctx context.Context, f *model.Feed) *async.Future[struct{}] {
	return run(r, func() (struct{}, error) {
		if err := r.backend.SaveFeed(ctx, f); err != nil {
			r.logStorageError("save feed", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
}

// DeleteFeed はフィードを削除し、残りのフィード数とともに購読者へ通知する。
func (r *Repository) DeleteFeed(ctx context.Context, f *model.Feed) *async.Future[struct{}] {
	return run(r, func() (struct{}, error) {
		if err := r.backend.DeleteFeed(ctx, f); err != nil {
			r.logStorageError("delete feed", err)
			return struct{}{}, err
		}
		left := 0
		if feeds, err := r.backend.Feeds(ctx, ""); err != nil {
			r.logStorageError("feeds", err)
		} else {
			left = len(feeds)
		}
		r.notify(func(s Subscriber) { s.DeletedFeed(f, left) })
		return struct{}{}, nil
	})
}

// MarkFeedAsRead はフィードの全記事を既読にし、変更した件数を返す。
func (r *Repository) MarkFeedAsRead(ctx context.Context, f *model.Feed) *async.Future[int] {
	return run(r, func() (int, error) {
		var unread []*model.Article
		for _, a := range f.Articles() {
			if !a.Read() {
				unread = append(unread, a)
			}
		}
		n, err := r.backend.MarkFeedRead(ctx, f, true)
		if err != nil {
			r.logStorageError("mark feed read", err)
			return 0, err
		}
		if len(unread) > 0 {
			r.notify(func(s Subscriber) { s.MarkedArticles(unread, true) })
		}
		return n, nil
	})
}

// CommitFeed は保存済みの最新のフィードを読み込み、applyで変更して保存する。
// 読み込みから保存までをバックグラウンドキューの1つのタスクで行う。
// 未保存のフィードにはfをそのまま使う。フィードが削除済みならapplyは呼ばずnilを返す。
func (r *Repository) CommitFeed(ctx context.Context, f *model.Feed, apply func(latest *model.Feed)) *async.Future[*model.Feed] {
	return run(r, func() (*model.Feed, error) {
		latest := f
		if id := f.StoreID(); id != "" {
			loaded, err := r.backend.Feed(ctx, id)
			if errors.Is(err, storage.ErrFeedNotFound) {
				r.logger.Debug("更新中に削除されたフィードを保存しません", slog.String("feed_id", id))
				return nil, nil
			}
			if err != nil {
				r.logStorageError("feed", err)
				return nil, err
			}
			latest = loaded
		}

		apply(latest)
		if err := r.backend.SaveFeed(ctx, latest); err != nil {
			r.logStorageError("commit feed", err)
			return nil, err
		}
		return latest, nil
	})
}

// SaveArticle は記事を保存する。
func (r *Repository) SaveArticle(ctx context.Context, a *model.Article) *async.Future[struct{}] {
	return run(r, func() (struct{}, error) {
		if err := r.backend.SaveArticle(ctx, a); err != nil {
			r.logStorageError("save article", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
}

// DeleteArticle は記事を削除し、所属フィードから外して購読者へ通知する。
func (r *Repository) DeleteArticle(ctx context.Context, a *model.Article) *async.Future[struct{}] {
	return run(r, func() (struct{}, error) {
		feed := a.Feed()
		if err := r.backend.DeleteArticle(ctx, a); err != nil {
			r.logStorageError("delete article", err)
			return struct{}{}, err
		}
		if feed != nil {
			r.main.Submit(func() { feed.RemoveArticle(a) })
		}
		r.notify(func(s Subscriber) { s.DeletedArticle(a) })
		return struct{}{}, nil
	})
}

// MarkArticle は記事の既読状態を変更する。状態が変わった場合だけ通知する。
func (r *Repository) MarkArticle(ctx context.Context, a *model.Article, read bool) *async.Future[struct{}] {
	return run(r, func() (struct{}, error) {
		if a.Read() == read {
			return struct{}{}, nil
		}
		if err := r.backend.MarkArticlesRead(ctx, []*model.Article{a}, read); err != nil {
			r.logStorageError("mark article", err)
			return struct{}{}, err
		}
		r.notify(func(s Subscriber) { s.MarkedArticles([]*model.Article{a}, read) })
		return struct{}{}, nil
	})
}

// UpdateFeeds は全フィードを更新する。
// 更新中に呼ばれた場合は新たに開始せず、進行中の更新のFutureを返す。
func (r *Repository) UpdateFeeds(ctx context.Context) *async.Future[UpdateResult] {
	r.mu.Lock()
	if r.inflight != nil {
		f := r.inflight
		r.mu.Unlock()
		r.logger.Debug("進行中の更新に合流します")
		return f
	}
	p := async.NewPromise[UpdateResult](r.main)
	r.inflight = p.Future()
	r.mu.Unlock()

	go func() {
		res := r.update(ctx, nil)
		r.mu.Lock()
		r.inflight = nil
		r.mu.Unlock()
		p.Resolve(res)
	}()
	return p.Future()
}

// UpdateFeed は1件のフィードを更新する。
func (r *Repository) UpdateFeed(ctx context.Context, f *model.Feed) *async.Future[UpdateResult] {
	p := async.NewPromise[UpdateResult](r.main)
	go func() {
		p.Resolve(r.update(ctx, []*model.Feed{f}))
	}()
	return p.Future()
}

// update は更新サイクルを1回実行する。feedsがnilなら保存済みの全フィードを対象にする。
func (r *Repository) update(ctx context.Context, feeds []*model.Feed) UpdateResult {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return UpdateResult{Errors: []error{model.NewTimeoutError(ctx.Err())}}
		}
	}

	if feeds == nil {
		loaded, err := run(r, func() ([]*model.Feed, error) {
			return r.backend.Feeds(ctx, "")
		}).Wait(ctx)
		if err != nil {
			r.logStorageError("feeds", err)
			return UpdateResult{Errors: []error{err}}
		}
		feeds = loaded
	}

	r.mu.Lock()
	u := r.updater
	r.mu.Unlock()
	if u == nil {
		r.logger.Warn("更新処理が設定されていません")
		return UpdateResult{Feeds: feeds}
	}

	start := time.Now()
	r.notify(func(s Subscriber) { s.WillUpdateFeeds() })
	res := u.Update(ctx, feeds, func(current, total int) {
		r.notify(func(s Subscriber) { s.DidUpdateFeedsProgress(current, total) })
	})

	updated := res.Feeds
	r.notify(func(s Subscriber) { s.DidUpdateFeeds(updated) })
	if len(res.NewArticles) > 0 {
		created := res.NewArticles
		r.notify(func(s Subscriber) {
			if ns, ok := s.(NewArticlesSubscriber); ok {
				ns.DidCreateArticles(created)
			}
		})
	}

	r.logger.Info("フィードを更新しました",
		slog.Int("feeds", len(res.Feeds)),
		slog.Int("new_articles", len(res.NewArticles)),
		slog.Int("changed_articles", len(res.ChangedArticles)),
		slog.Int("errors", len(res.Errors)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res
}

// loadFeeds はバックグラウンドキュー上で呼ばれ、クエリフィードを埋めたフィード一覧を返す。
func (r *Repository) loadFeeds(ctx context.Context) ([]*model.Feed, error) {
	feeds, err := r.backend.Feeds(ctx, "")
	if err != nil {
		r.logStorageError("feeds", err)
		return nil, err
	}
	r.query.Populate(feeds)
	return feeds, nil
}
