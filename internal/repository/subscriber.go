package repository

import (
	"errors"
	"slices"
	"weak"

	"github.com/hitoshi/feedsync/internal/model"
)

// Subscriber はリポジトリの変更通知を受け取る。
// すべての通知はメインキュー上で呼ばれる。
type Subscriber interface {
	WillUpdateFeeds()
	DidUpdateFeedsProgress(current, total int)
	DidUpdateFeeds(feeds []*model.Feed)
	// MarkedArticles は既読状態が実際に変わった記事だけを受け取る。
	MarkedArticles(articles []*model.Article, read bool)
	DeletedArticle(article *model.Article)
	DeletedFeed(feed *model.Feed, feedsLeft int)
}

// NewArticlesSubscriber は更新サイクルで作成された記事を受け取るSubscriber。
type NewArticlesSubscriber interface {
	Subscriber
	DidCreateArticles(articles []*model.Article)
}

// NopSubscriber は何もしないSubscriber。必要な通知だけを実装する型に埋め込んで使う。
type NopSubscriber struct{}

func (NopSubscriber) WillUpdateFeeds() {}
func (NopSubscriber) DidUpdateFeedsProgress(int, int) {}
func (NopSubscriber) DidUpdateFeeds([]*model.Feed) {}
func (NopSubscriber) MarkedArticles([]*model.Article, bool) {}
func (NopSubscriber) DeletedArticle(*model.Article) {}
func (NopSubscriber) DeletedFeed(*model.Feed, int) {}

// UpdateResult は更新サイクルの集計結果。
type UpdateResult struct {
	// Feeds は更新対象になったフィード。
	Feeds []*model.Feed
	// Errors はフィードごとのネットワーク・パースエラー。
	Errors []error
	// NewArticles は新規作成された記事。
	NewArticles []*model.Article
	// ChangedArticles は内容が変わった既存の記事。
	ChangedArticles []*model.Article
}

// HasNewData は新規または変更された記事があるかを返す。
func (r UpdateResult) HasNewData() bool {
	return len(r.NewArticles) > 0 || len(r.ChangedArticles) > 0
}

// Err は収集したエラーを1つにまとめて返す。エラーがなければnil。
func (r UpdateResult) Err() error {
	return errors.Join(r.Errors...)
}

// subscriberRef は登録された通知先。弱参照の場合は解放済みならnilを返す。
type subscriberRef func() Subscriber

func strongRef(s Subscriber) subscriberRef {
	return func() Subscriber { return s }
}

func weakRef[T any, PT interface {
	*T
	Subscriber
}](s PT) subscriberRef {
	wp := weak.Make((*T)(s))
	return func() Subscriber {
		if p := wp.Value(); p != nil {
			return PT(p)
		}
		return nil
	}
}

// AddSubscriber は通知先を登録する。登録したSubscriberはRemoveSubscriberまで保持される。
func (r *Repository) AddSubscriber(s Subscriber) {
	r.addRef(strongRef(s))
}

// AddWeakSubscriber は通知先を弱参照で登録する。
// 呼び出し元がSubscriberを保持しなくなると通知対象から自動的に外れる。
func AddWeakSubscriber[T any, PT interface {
	*T
	Subscriber
}](r *Repository, s PT) {
	r.addRef(weakRef(s))
}

func (r *Repository) addRef(ref subscriberRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, ref)
}

// RemoveSubscriber は通知先の登録を解除する。Subscriberはポインタ型であること。
func (r *Repository) RemoveSubscriber(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = slices.DeleteFunc(r.subscribers, func(ref subscriberRef) bool {
		got := ref()
		return got == nil || got == s
	})
}

// liveSubscribers は解放済みの弱参照を取り除き、有効な通知先を返す。
func (r *Repository) liveSubscribers() []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make([]Subscriber, 0, len(r.subscribers))
	kept := r.subscribers[:0]
	for _, ref := range r.subscribers {
		if s := ref(); s != nil {
			live = append(live, s)
			kept = append(kept, ref)
		}
	}
	clear(r.subscribers[len(kept):])
	r.subscribers = kept
	return live
}

// notify は通知をメインキューに投入する。
func (r *Repository) notify(fn func(s Subscriber)) {
	subs := r.liveSubscribers()
	if len(subs) == 0 {
		return
	}
	r.main.Submit(func() {
		for _, s := range subs {
			fn(s)
		}
	})
}
