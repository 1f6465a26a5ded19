// Package migration は旧ストレージから現行ストレージへの一度きりのデータ移行を調整する。
package migration

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/hitoshi/feedsync/internal/async"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/storage"
)

// State は移行の状態。
type State int

const (
	// StateNotNeeded は旧ストレージにデータがなく移行が不要な状態。
	StateNotNeeded State = iota
	// StatePending は移行が必要だがまだ開始していない状態。
	StatePending
	// StateRunning は移行中の状態。
	StateRunning
	// StateFinished は移行が完了した状態。以後は変化しない。
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateNotNeeded:
		return "not_needed"
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Report は移行結果の集計。
type Report struct {
	// Total は旧ストレージのフィード数。
	Total int
	// Feeds は新たに作成したフィード数。
	Feeds int
	// Articles は新たに作成した記事数。
	Articles int
	// Duplicates は現行ストレージに既に存在したため作成しなかったレコード数。
	Duplicates int
	// Skipped は保存に失敗して移行できなかったフィード数。
	Skipped int
	// Err は旧ストレージの読み込みに失敗した場合のエラー。
	Err error
}

// Complete は取りこぼしなく移行できたかを返す。
func (r Report) Complete() bool {
	return r.Skipped == 0 && r.Err == nil
}

// Subscriber は移行の進捗と完了を受け取る。通知はメインキュー上で行われる。
type Subscriber interface {
	MigrationDidUpdateProgress(migrated, total int)
	MigrationDidFinish(report Report)
}

// Coordinator は移行の状態機械。
type Coordinator struct {
	legacy  storage.Backend
	current storage.Backend
	main    async.Executor
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	mu          sync.Mutex
	state       State
	future      *async.Future[Report]
	subscribers []Subscriber
	done        chan struct{}
}

// New は旧ストレージにフィードがあるかを確認してCoordinatorを生成する。
// legacyがnilの場合は移行不要として扱う。
func New(ctx context.Context, legacy, current storage.Backend, main async.Executor, logger *slog.Logger, mc metrics.MetricsCollector) (*Coordinator, error) {
	if mc == nil {
		mc = metrics.Nop{}
	}
	c := &Coordinator{
		legacy:  legacy,
		current: current,
		main:    main,
		logger:  logger,
		metrics: mc,
		state:   StateNotNeeded,
		done:    make(chan struct{}),
	}
	if legacy == nil {
		return c, nil
	}
	has, err := legacy.HasFeeds(ctx)
	if err != nil {
		return nil, err
	}
	if has {
		c.state = StatePending
	}
	return c, nil
}

// State は現在の状態を返す。
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done は移行完了時にcloseされるチャネルを返す。更新処理の開始条件として使う。
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// AddSubscriber は通知先を登録する。
func (c *Coordinator) AddSubscriber(s Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, s)
}

// Begin は移行を開始する。
// 移行が不要なら直ちに完了する。2回目以降の呼び出しは通知を行わず、最初の呼び出しと同じ結果を返す。
func (c *Coordinator) Begin(ctx context.Context) *async.Future[Report] {
	c.mu.Lock()
	if c.future != nil {
		f := c.future
		c.mu.Unlock()
		return f
	}
	p := async.NewPromise[Report](c.main)
	c.future = p.Future()

	if c.state == StateNotNeeded {
		c.mu.Unlock()
		c.finish(p, Report{})
		return p.Future()
	}
	c.state = StateRunning
	c.mu.Unlock()

	c.logger.Info("ストレージの移行を開始します",
		slog.String("from", string(c.legacy.Kind())),
		slog.String("to", string(c.current.Kind())),
	)
	go c.run(ctx, p)
	return p.Future()
}

func (c *Coordinator) run(ctx context.Context, p *async.Promise[Report]) {
	var report Report

	legacyFeeds, err := c.legacy.Feeds(ctx, "")
	if err != nil {
		c.logger.Error("旧ストレージの読み込みに失敗しました", slog.String("error", err.Error()))
		report.Err = err
		c.finish(p, report)
		return
	}
	existing, err := c.current.Feeds(ctx, "")
	if err != nil {
		c.logger.Error("現行ストレージの読み込みに失敗しました", slog.String("error", err.Error()))
		report.Err = err
		c.finish(p, report)
		return
	}

	targets := make(map[string]*model.Feed, len(existing))
	for _, f := range existing {
		targets[feedKey(f)] = f
	}

	report.Total = len(legacyFeeds)
	for i, old := range legacyFeeds {
		key := feedKey(old)
		target, found := targets[key]
		if found {
			report.Duplicates++
		} else {
			target = model.NewFeed(old.Fields())
		}

		created := copyArticles(old, target, &report)
		if err := c.current.SaveFeed(ctx, target); err != nil {
			c.logger.Warn("フィードの移行に失敗しました",
				slog.String("feed", old.DisplayTitle()),
				slog.String("error", err.Error()),
			)
			report.Skipped++
			for _, a := range created {
				target.RemoveArticle(a)
			}
		} else {
			report.Articles += len(created)
			if !found {
				report.Feeds++
				targets[key] = target
			}
		}

		c.progress(i+1, report.Total)
	}

	if report.Complete() {
		if err := c.legacy.DeleteEverything(ctx); err != nil {
			c.logger.Warn("旧ストレージの削除に失敗しました", slog.String("error", err.Error()))
		}
	}
	c.finish(p, report)
}

// copyArticles は旧フィードの記事のうち移行先にないものを複製して加え、加えた記事を返す。
func copyArticles(from, to *model.Feed, report *Report) []*model.Article {
	if from.IsQueryFeed() {
		return nil
	}
	var created []*model.Article
	for _, old := range from.Articles() {
		if to.ArticleByIdentifier(old.Identifier()) != nil {
			report.Duplicates++
			continue
		}
		a := model.NewArticle(old.Fields())
		for _, e := range old.Enclosures() {
			a.AddEnclosure(model.NewEnclosure(e.Fields()))
		}
		to.AddArticle(a)
		created = append(created, a)
	}
	return created
}

// feedKey は移行先での重複判定に使うキーを返す。
func feedKey(f *model.Feed) string {
	switch {
	case f.IsQueryFeed():
		return "query\x00" + f.Title() + "\x00" + f.Query()
	case f.URL() != "":
		return "url\x00" + f.URL()
	default:
		return "stub\x00" + f.Title()
	}
}

func (c *Coordinator) progress(migrated, total int) {
	subs := c.snapshot()
	c.main.Submit(func() {
		for _, s := range subs {
			s.MigrationDidUpdateProgress(migrated, total)
		}
	})
}

func (c *Coordinator) finish(p *async.Promise[Report], report Report) {
	c.mu.Lock()
	c.state = StateFinished
	close(c.done)
	subs := slices.Clone(c.subscribers)
	c.mu.Unlock()

	c.metrics.RecordMigration(report.Feeds, report.Skipped)
	c.logger.Info("ストレージの移行が完了しました",
		slog.Int("total", report.Total),
		slog.Int("feeds", report.Feeds),
		slog.Int("articles", report.Articles),
		slog.Int("duplicates", report.Duplicates),
		slog.Int("skipped", report.Skipped),
	)

	c.main.Submit(func() {
		for _, s := range subs {
			s.MigrationDidFinish(report)
		}
	})
	p.Resolve(report)
}

func (c *Coordinator) snapshot() []Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.subscribers)
}
