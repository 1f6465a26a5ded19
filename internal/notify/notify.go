// Package notify は更新結果を未読バッジとローカル通知に変換する。
package notify

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedsync/internal/async"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

const (
	// CategoryDefault は新着記事の通知カテゴリ。
	CategoryDefault = "default"
	// ActionRead は通知から記事を既読にするアクション。
	ActionRead = "read"
)

// Payload は通知に添付する記事の参照。
type Payload struct {
	Feed    string `json:"feed"`
	Article string `json:"article"`
}

// Notification はスケジュールするローカル通知。
type Notification struct {
	Body     string
	Category string
	Actions  []string
	Payload  Payload
	FireAt   time.Time
}

// Scheduler はローカル通知を登録する。
type Scheduler interface {
	Schedule(ctx context.Context, n Notification) error
}

// Badge は未読件数のバッジ。
type Badge interface {
	Add(delta int)
	Count() int
}

// LogScheduler は通知を構造化ログとして出力するScheduler。
type LogScheduler struct {
	Logger *slog.Logger
}

// Schedule は通知内容をログに出力する。
func (s LogScheduler) Schedule(_ context.Context, n Notification) error {
	logger := cmp.Or(s.Logger, slog.Default())
	logger.Info("新着記事の通知",
		slog.String("body", n.Body),
		slog.String("category", n.Category),
		slog.String("feed", n.Payload.Feed),
		slog.String("article", n.Payload.Article),
	)
	return nil
}

// CounterBadge はメモリ上の未読件数。0未満にはならない。
type CounterBadge struct {
	mu    sync.Mutex
	count int
}

func (b *CounterBadge) Add(delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count = max(b.count+delta, 0)
}

func (b *CounterBadge) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// ArticleStore は通知アクションの解決に使うデータリポジトリの操作。
type ArticleStore interface {
	Feeds(ctx context.Context) *async.Future[[]*model.Feed]
	MarkArticle(ctx context.Context, a *model.Article, read bool) *async.Future[struct{}]
}

// Handler はデータリポジトリの購読者として通知とバッジを管理する。
type Handler struct {
	repository.NopSubscriber

	store     ArticleStore
	scheduler Scheduler
	badge     Badge
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

var _ repository.NewArticlesSubscriber = (*Handler)(nil)

// NewHandler はHandlerを生成する。
func NewHandler(store ArticleStore, scheduler Scheduler, badge Badge, mc metrics.MetricsCollector, logger *slog.Logger) *Handler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     store,
		scheduler: scheduler,
		badge:     badge,
		metrics:   mc,
		logger:    logger,
		now:       time.Now,
	}
}

// DidCreateArticles は未読の新着記事ごとに通知を登録し、バッジを増やす。
func (h *Handler) DidCreateArticles(articles []*model.Article) {
	ctx := context.Background()
	scheduled := 0
	for _, a := range articles {
		if a.Read() {
			continue
		}
		n := Notification{
			Body:     body(a),
			Category: CategoryDefault,
			Actions:  []string{ActionRead},
			Payload:  Payload{Feed: a.FeedStoreID(), Article: a.Identifier()},
			FireAt:   h.now(),
		}
		if err := h.scheduler.Schedule(ctx, n); err != nil {
			h.logger.Warn("通知の登録に失敗しました",
				slog.String("article", a.Identifier()),
				slog.String("error", err.Error()),
			)
			continue
		}
		scheduled++
	}
	if scheduled == 0 {
		return
	}
	h.badge.Add(scheduled)
	h.metrics.RecordNotifications(scheduled)
}

func body(a *model.Article) string {
	feedTitle := ""
	if f := a.Feed(); f != nil {
		feedTitle = f.DisplayTitle()
	}
	return fmt.Sprintf("%sの新着記事: %s", feedTitle, a.Title())
}

// MarkedArticles は既読状態の変化をバッジに反映する。
func (h *Handler) MarkedArticles(articles []*model.Article, read bool) {
	if read {
		h.badge.Add(-len(articles))
	} else {
		h.badge.Add(len(articles))
	}
}

// DeletedArticle は未読記事の削除をバッジに反映する。
func (h *Handler) DeletedArticle(a *model.Article) {
	if !a.Read() {
		h.badge.Add(-1)
	}
}

// DeletedFeed は削除されたフィードの未読記事をバッジから除く。
func (h *Handler) DeletedFeed(f *model.Feed, _ int) {
	if n := f.UnreadCount(); n > 0 {
		h.badge.Add(-n)
	}
}

// HandleAction は通知のアクションを処理する。
// readなら通知が指す記事を既読にする。記事が見つからない場合は何もしない。
func (h *Handler) HandleAction(ctx context.Context, action string, payload Payload) error {
	if action != ActionRead {
		h.logger.Debug("未対応の通知アクションです", slog.String("action", action))
		return nil
	}

	feeds, err := h.store.Feeds(ctx).Wait(ctx)
	if err != nil {
		return fmt.Errorf("load feeds: %w", err)
	}

	for _, f := range feeds {
		if f.StoreID() != payload.Feed {
			continue
		}
		if a := f.ArticleByIdentifier(payload.Article); a != nil {
			_, err := h.store.MarkArticle(ctx, a, true).Wait(ctx)
			return err
		}
	}

	h.logger.Debug("通知の記事が見つかりません",
		slog.String("feed", payload.Feed),
		slog.String("article", payload.Article),
	)
	return nil
}
