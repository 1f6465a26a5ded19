// Package storage はFeed/Article/Enclosureを永続化するバックエンドの共通契約を定義する。
//
// 実装はsqlstore（リレーショナル）とobjectstore（組み込みオブジェクトストア）の2つで、
// 同じ等価性とクエリの意味を持ち、相互に置き換え可能でなければならない。
package storage

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/hitoshi/feedsync/internal/model"
)

var (
	// ErrNoFeed は記事の所属フィードが永続化されていない場合に返る。
	ErrNoFeed = errors.New("article does not belong to a persisted feed")
	// ErrFeedNotFound は指定したフィードが保存されていない場合に返る。
	ErrFeedNotFound = errors.New("feed not found")
	// ErrDuplicateArticle は同じフィードに同じ識別子の記事が既にある場合に返る。
	ErrDuplicateArticle = errors.New("duplicate article identifier in feed")
)

// Kind はバックエンドの種類。
type Kind string

const (
	// KindSQL はリレーショナルストア（SQLite/PostgreSQL）。
	KindSQL Kind = "sql"
	// KindObject は組み込みオブジェクトストア。
	KindObject Kind = "object"
)

// Backend は永続化バックエンドのインターフェース。
// すべての操作は同期的だが、UIスレッド以外から安全に呼び出せる。
type Backend interface {
	Kind() Kind

	// AllTags は全フィードのタグを重複なく、大文字小文字を無視した順で返す。
	AllTags(ctx context.Context) ([]string, error)
	// Feeds はフィードを記事・添付ファイル込みで返す。tagが空でなければそのタグを持つものに限る。
	Feeds(ctx context.Context, tag string) ([]*model.Feed, error)
	// Feed は1件のフィードを記事・添付ファイル込みで返す。なければErrFeedNotFound。
	Feed(ctx context.Context, id string) (*model.Feed, error)
	// Articles は条件に一致する記事を返す。
	Articles(ctx context.Context, q ArticleQuery) ([]*model.Article, error)

	// SaveFeed はフィードと、未永続化または変更済みの記事・添付ファイルを保存する。
	// 1つのフィード内で記事の識別子は一意で、重複する記事を含む場合は何も保存しない。
	SaveFeed(ctx context.Context, f *model.Feed) error
	// SaveArticle は記事と、未永続化または変更済みの添付ファイルを保存する。
	SaveArticle(ctx context.Context, a *model.Article) error
	// DeleteFeed はフィードとその記事・添付ファイルを削除する。
	DeleteFeed(ctx context.Context, f *model.Feed) error
	// DeleteArticle は記事とその添付ファイルを削除する。
	DeleteArticle(ctx context.Context, a *model.Article) error

	// MarkFeedRead はフィードの全記事の既読状態を変更し、変更した件数を返す。
	MarkFeedRead(ctx context.Context, f *model.Feed, read bool) (int, error)
	// MarkArticlesRead は記事の既読状態を変更して保存する。
	MarkArticlesRead(ctx context.Context, articles []*model.Article, read bool) error

	// HasFeeds はフィードが1件以上保存されているかを返す。
	HasFeeds(ctx context.Context) (bool, error)
	// DeleteEverything は全レコードを削除する。
	DeleteEverything(ctx context.Context) error

	Close() error
}

// ArticleQuery は記事検索の条件。設定された条件はすべて満たす必要がある。
type ArticleQuery struct {
	FeedID      string
	Read        *bool
	Search      string
	Identifiers []string
}

// Unread は未読記事を表す条件を返す。
func Unread() *bool {
	v := false
	return &v
}

// Match は記事が条件に一致するかを返す。
// Searchはタイトル・概要・本文に対する大文字小文字を区別しない部分一致。
func (q ArticleQuery) Match(a *model.Article) bool {
	if q.FeedID != "" && a.FeedStoreID() != q.FeedID {
		return false
	}
	if q.Read != nil && a.Read() != *q.Read {
		return false
	}
	if len(q.Identifiers) > 0 && !slices.Contains(q.Identifiers, a.Identifier()) {
		return false
	}
	if q.Search != "" {
		term := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(a.Title()), term) &&
			!strings.Contains(strings.ToLower(a.Summary()), term) &&
			!strings.Contains(strings.ToLower(a.Content()), term) {
			return false
		}
	}
	return true
}

// SortFeeds は表示名（大文字小文字を無視）、識別子の順に並べる。
func SortFeeds(feeds []*model.Feed) {
	slices.SortStableFunc(feeds, func(a, b *model.Feed) int {
		return cmp.Or(
			cmp.Compare(strings.ToLower(a.DisplayTitle()), strings.ToLower(b.DisplayTitle())),
			cmp.Compare(a.StoreID(), b.StoreID()),
		)
	})
}

// SortArticles は公開日時の新しい順、識別子の順に並べる。
func SortArticles(articles []*model.Article) {
	slices.SortStableFunc(articles, func(a, b *model.Article) int {
		return cmp.Or(
			b.Published().Compare(a.Published()),
			cmp.Compare(a.Identifier(), b.Identifier()),
			cmp.Compare(a.StoreID(), b.StoreID()),
		)
	})
}

// NormalizeTags は重複を除き、大文字小文字を無視した順に並べる。
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b string) int {
		return cmp.Or(
			cmp.Compare(strings.ToLower(a), strings.ToLower(b)),
			cmp.Compare(a, b),
		)
	})
	return out
}

// ClearFeedGraph はフィードとその記事・添付ファイルの変更フラグを下ろす。
func ClearFeedGraph(f *model.Feed) {
	f.ResetUpdated()
	for _, a := range f.Articles() {
		if a.Feed() == f {
			ClearArticleGraph(a)
		}
	}
}

// ClearArticleGraph は記事とその添付ファイルの変更フラグを下ろす。
func ClearArticleGraph(a *model.Article) {
	a.ResetUpdated()
	for _, e := range a.Enclosures() {
		e.ResetUpdated()
	}
}

// NeedsSave は未永続化または変更済みかを返す。
func NeedsSave(storeID string, updated bool) bool {
	return storeID == "" || updated
}

// ArticleNeedsSave は記事自身または添付ファイルのいずれかが保存を要するかを返す。
func ArticleNeedsSave(a *model.Article) bool {
	if NeedsSave(a.StoreID(), a.Updated()) {
		return true
	}
	for _, e := range a.Enclosures() {
		if NeedsSave(e.StoreID(), e.Updated()) {
			return true
		}
	}
	return false
}

// OwnedArticlesToSave はフィードが所有する記事のうち保存を要するものを返す。
// クエリフィードは記事を所有しないため常に空になる。
func OwnedArticlesToSave(f *model.Feed) []*model.Article {
	if f.IsQueryFeed() {
		return nil
	}
	var out []*model.Article
	for _, a := range f.Articles() {
		if a.Feed() == f && ArticleNeedsSave(a) {
			out = append(out, a)
		}
	}
	return out
}

// ApplyRead は既読状態を変更し、実際に変わった記事だけを返す。
func ApplyRead(articles []*model.Article, read bool) []*model.Article {
	var changed []*model.Article
	for _, a := range articles {
		if a.Read() != read {
			a.SetRead(read)
			changed = append(changed, a)
		}
	}
	return changed
}

// ForgetFeedGraph は削除済みのフィードと所有する記事・添付ファイルの識別子を消す。
// 再度保存すると新しいレコードとして登録される。
func ForgetFeedGraph(f *model.Feed) {
	for _, a := range f.Articles() {
		if a.Feed() == f {
			ForgetArticleGraph(a)
		}
	}
	f.SetStoreID("")
}

// ForgetArticleGraph は削除済みの記事と添付ファイルの識別子を消す。
func ForgetArticleGraph(a *model.Article) {
	a.SetStoreID("")
	for _, e := range a.Enclosures() {
		e.SetStoreID("")
	}
}
