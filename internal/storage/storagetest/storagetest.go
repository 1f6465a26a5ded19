// Package storagetest はstorage.Backendの実装が満たすべき振る舞いを検証する共通テストを提供する。
package storagetest

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/storage"
)

// Factory はテストごとに空のバックエンドを生成する。
type Factory func(t *testing.T) storage.Backend

// Run はすべての共通テストをサブテストとして実行する。
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b storage.Backend)
	}{
		{"SaveFeedRoundTrip", testSaveFeedRoundTrip},
		{"SaveAssignsIdentifiers", testSaveAssignsIdentifiers},
		{"FeedByID", testFeedByID},
		{"DuplicateIdentifierRejected", testDuplicateIdentifier},
		{"FeedsMatchingTag", testFeedsMatchingTag},
		{"AllTags", testAllTags},
		{"FeedsSortedByDisplayTitle", testFeedsSorted},
		{"ArticlesQuery", testArticlesQuery},
		{"SaveFeedPersistsChangedArticles", testSaveFeedPersistsChanges},
		{"MoveArticleBetweenFeeds", testMoveArticle},
		{"RemoveEnclosure", testRemoveEnclosure},
		{"QueryFeedOwnsNoArticles", testQueryFeed},
		{"DeleteFeedCascades", testDeleteFeed},
		{"DeleteArticle", testDeleteArticle},
		{"MarkFeedRead", testMarkFeedRead},
		{"MarkArticlesRead", testMarkArticlesRead},
		{"SaveArticleWithoutFeed", testSaveArticleWithoutFeed},
		{"DeleteEverything", testDeleteEverything},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := open(t)
			t.Cleanup(func() { b.Close() })
			tt.fn(t, b)
		})
	}
}

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// newSampleFeed は記事2件（うち1件に添付ファイル）を持つフィードを生成する。
func newSampleFeed(title, url string, tags ...string) *model.Feed {
	f := model.NewFeed(model.FeedFields{
		Title:         title,
		URL:           url,
		Summary:       "summary of " + title,
		Tags:          tags,
		WaitPeriod:    3,
		RemainingWait: 1,
		Image:         []byte{0x89, 0x50, 0x4e, 0x47},
	})
	updated := baseTime.Add(time.Hour)
	a1 := model.NewArticle(model.ArticleFields{
		Identifier:           url + "#1",
		Title:                "First " + title,
		Link:                 "https://example.com/1",
		Summary:              "Hello World",
		Authors:              []model.Author{{Name: "Alice", Email: "alice@example.com"}},
		Published:            baseTime,
		UpdatedAt:            &updated,
		Content:              "<p>Body</p>",
		EstimatedReadingTime: 2,
		Flags:                []string{"starred"},
	})
	a1.AddEnclosure(model.NewEnclosure(model.EnclosureFields{URL: "https://example.com/1.mp3", Kind: "audio/mpeg"}))
	a2 := model.NewArticle(model.ArticleFields{
		Identifier: url + "#2",
		Title:      "Second " + title,
		Published:  baseTime.Add(24 * time.Hour),
		Read:       true,
	})
	f.AddArticle(a1)
	f.AddArticle(a2)
	return f
}

func mustSave(t *testing.T, b storage.Backend, f *model.Feed) {
	t.Helper()
	if err := b.SaveFeed(context.Background(), f); err != nil {
		t.Fatalf("SaveFeed() error = %v", err)
	}
}

func mustFeeds(t *testing.T, b storage.Backend, tag string) []*model.Feed {
	t.Helper()
	feeds, err := b.Feeds(context.Background(), tag)
	if err != nil {
		t.Fatalf("Feeds(%q) error = %v", tag, err)
	}
	return feeds
}

func mustArticles(t *testing.T, b storage.Backend, q storage.ArticleQuery) []*model.Article {
	t.Helper()
	articles, err := b.Articles(context.Background(), q)
	if err != nil {
		t.Fatalf("Articles() error = %v", err)
	}
	return articles
}

func identifiers(articles []*model.Article) []string {
	out := make([]string, 0, len(articles))
	for _, a := range articles {
		out = append(out, a.Identifier())
	}
	return out
}

func testSaveFeedRoundTrip(t *testing.T, b storage.Backend) {
	f := newSampleFeed("Go Blog", "https://go.dev/blog/feed.atom", "tech", "go")
	mustSave(t, b, f)

	feeds := mustFeeds(t, b, "")
	if len(feeds) != 1 {
		t.Fatalf("フィード数 = %d, want 1", len(feeds))
	}
	got := feeds[0]

	if got.StoreID() != f.StoreID() {
		t.Errorf("StoreID = %q, want %q", got.StoreID(), f.StoreID())
	}
	gotFields, wantFields := got.Fields(), f.Fields()
	if gotFields.Title != wantFields.Title || gotFields.URL != wantFields.URL || gotFields.Summary != wantFields.Summary {
		t.Errorf("Fields = %+v, want %+v", gotFields, wantFields)
	}
	if !slices.Equal(gotFields.Tags, []string{"tech", "go"}) {
		t.Errorf("Tags = %v, タグの順序は保存時のまま保持されるべき", gotFields.Tags)
	}
	if gotFields.WaitPeriod != 3 || gotFields.RemainingWait != 1 {
		t.Errorf("待機状態 = (%d, %d), want (3, 1)", gotFields.WaitPeriod, gotFields.RemainingWait)
	}
	if !slices.Equal(gotFields.Image, wantFields.Image) {
		t.Errorf("Image = %v, want %v", gotFields.Image, wantFields.Image)
	}
	if got.Updated() {
		t.Error("読み込んだフィードは未変更状態であるべき")
	}

	articles := got.Articles()
	if len(articles) != 2 {
		t.Fatalf("記事数 = %d, want 2", len(articles))
	}
	// 公開日時の新しい順
	if articles[0].Identifier() != f.URL()+"#2" {
		t.Errorf("先頭の記事 = %q, 公開日時の新しい順であるべき", articles[0].Identifier())
	}

	first := articles[1]
	orig := f.ArticleByIdentifier(first.Identifier())
	if first.Feed() != got {
		t.Error("記事の所属フィードが読み込んだフィードを指していない")
	}
	if first.Updated() {
		t.Error("読み込んだ記事は未変更状態であるべき")
	}
	if !first.Published().Equal(orig.Published()) {
		t.Errorf("Published = %v, want %v", first.Published(), orig.Published())
	}
	if first.UpdatedAt() == nil || !first.UpdatedAt().Equal(*orig.UpdatedAt()) {
		t.Errorf("UpdatedAt = %v, want %v", first.UpdatedAt(), orig.UpdatedAt())
	}
	if !slices.Equal(first.Authors(), orig.Authors()) {
		t.Errorf("Authors = %v, want %v", first.Authors(), orig.Authors())
	}
	if !slices.Equal(first.Flags(), []string{"starred"}) {
		t.Errorf("Flags = %v, want [starred]", first.Flags())
	}
	if first.Content() != "<p>Body</p>" || first.EstimatedReadingTime() != 2 || first.Read() {
		t.Errorf("記事の属性が保存時と異なる: content=%q ert=%d read=%v",
			first.Content(), first.EstimatedReadingTime(), first.Read())
	}

	enclosures := first.Enclosures()
	if len(enclosures) != 1 {
		t.Fatalf("添付ファイル数 = %d, want 1", len(enclosures))
	}
	if !enclosures[0].Matches("https://example.com/1.mp3", "audio/mpeg") {
		t.Errorf("添付ファイル = (%q, %q)", enclosures[0].URL(), enclosures[0].Kind())
	}
	if enclosures[0].Article() != first {
		t.Error("添付ファイルの所属記事が読み込んだ記事を指していない")
	}
	if !articles[0].Read() {
		t.Error("既読状態が保持されていない")
	}
}

func testSaveAssignsIdentifiers(t *testing.T, b storage.Backend) {
	f := newSampleFeed("Feed", "https://example.com/feed")
	mustSave(t, b, f)

	if f.StoreID() == "" {
		t.Fatal("保存後のフィードに識別子が割り当てられていない")
	}
	if f.Updated() {
		t.Error("保存後のフィードの変更フラグは下りるべき")
	}
	for _, a := range f.Articles() {
		if a.StoreID() == "" {
			t.Errorf("記事 %q に識別子が割り当てられていない", a.Identifier())
		}
		if a.Updated() {
			t.Errorf("記事 %q の変更フラグが下りていない", a.Identifier())
		}
		if a.FeedStoreID() != f.StoreID() {
			t.Errorf("FeedStoreID = %q, want %q", a.FeedStoreID(), f.StoreID())
		}
		for _, e := range a.Enclosures() {
			if e.StoreID() == "" || e.Updated() {
				t.Errorf("添付ファイルが保存済みになっていない: id=%q updated=%v", e.StoreID(), e.Updated())
			}
		}
	}

	id := f.StoreID()
	f.SetTitle("Renamed")
	mustSave(t, b, f)
	if f.StoreID() != id {
		t.Errorf("再保存で識別子が変わった: %q -> %q", id, f.StoreID())
	}
	feeds := mustFeeds(t, b, "")
	if len(feeds) != 1 || feeds[0].Title() != "Renamed" {
		t.Errorf("再保存は既存レコードを更新するべき: %d件", len(feeds))
	}
}

func testFeedsMatchingTag(t *testing.T, b storage.Backend) {
	mustSave(t, b, newSampleFeed("A", "https://a.example.com/feed", "news", "tech"))
	mustSave(t, b, newSampleFeed("B", "https://b.example.com/feed", "technology"))
	mustSave(t, b, newSampleFeed("C", "https://c.example.com/feed"))

	feeds := mustFeeds(t, b, "tech")
	if len(feeds) != 1 || feeds[0].Title() != "A" {
		t.Errorf("Feeds(tech) = %d件, タグの完全一致のみ返すべき", len(feeds))
	}
	if len(feeds) == 1 && len(feeds[0].Articles()) != 2 {
		t.Errorf("タグで絞り込んだフィードにも記事が含まれるべき: %d件", len(feeds[0].Articles()))
	}
	if got := mustFeeds(t, b, "missing"); len(got) != 0 {
		t.Errorf("Feeds(missing) = %d件, want 0", len(got))
	}
	if got := mustFeeds(t, b, ""); len(got) != 3 {
		t.Errorf("Feeds(\"\") = %d件, want 3", len(got))
	}
}

func testAllTags(t *testing.T, b storage.Backend) {
	mustSave(t, b, newSampleFeed("A", "https://a.example.com/feed", "news", "Tech"))
	mustSave(t, b, newSampleFeed("B", "https://b.example.com/feed", "apple", "news"))

	tags, err := b.AllTags(context.Background())
	if err != nil {
		t.Fatalf("AllTags() error = %v", err)
	}
	want := []string{"apple", "news", "Tech"}
	if !slices.Equal(tags, want) {
		t.Errorf("AllTags() = %v, want %v", tags, want)
	}
}

func testFeedsSorted(t *testing.T, b storage.Backend) {
	mustSave(t, b, model.NewFeed(model.FeedFields{Title: "zeta", URL: "https://z.example.com"}))
	mustSave(t, b, model.NewFeed(model.FeedFields{Title: "Alpha", URL: "https://a.example.com"}))
	mustSave(t, b, model.NewFeed(model.FeedFields{URL: "https://m.example.com"}))

	var got []string
	for _, f := range mustFeeds(t, b, "") {
		got = append(got, f.DisplayTitle())
	}
	want := []string{"Alpha", "https://m.example.com", "zeta"}
	if !slices.Equal(got, want) {
		t.Errorf("フィードの順序 = %v, want %v", got, want)
	}
}

func testArticlesQuery(t *testing.T, b storage.Backend) {
	f1 := newSampleFeed("One", "https://one.example.com/feed")
	f2 := newSampleFeed("Two", "https://two.example.com/feed")
	mustSave(t, b, f1)
	mustSave(t, b, f2)

	all := mustArticles(t, b, storage.ArticleQuery{})
	if len(all) != 4 {
		t.Fatalf("全記事 = %d件, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Published().After(all[i-1].Published()) {
			t.Errorf("記事は公開日時の新しい順であるべき: %v", identifiers(all))
		}
	}

	byFeed := mustArticles(t, b, storage.ArticleQuery{FeedID: f1.StoreID()})
	if len(byFeed) != 2 {
		t.Errorf("フィード指定 = %d件, want 2", len(byFeed))
	}
	for _, a := range byFeed {
		if a.FeedStoreID() != f1.StoreID() {
			t.Errorf("FeedStoreID = %q, want %q", a.FeedStoreID(), f1.StoreID())
		}
	}

	unread := mustArticles(t, b, storage.ArticleQuery{Read: storage.Unread()})
	if len(unread) != 2 {
		t.Errorf("未読 = %d件, want 2", len(unread))
	}

	search := mustArticles(t, b, storage.ArticleQuery{Search: "hello world"})
	if len(search) != 2 {
		t.Errorf("検索（大文字小文字を区別しない） = %d件, want 2", len(search))
	}

	combined := mustArticles(t, b, storage.ArticleQuery{FeedID: f2.StoreID(), Search: "SECOND"})
	if got := identifiers(combined); !slices.Equal(got, []string{"https://two.example.com/feed#2"}) {
		t.Errorf("複合条件 = %v", got)
	}

	byID := mustArticles(t, b, storage.ArticleQuery{Identifiers: []string{"https://one.example.com/feed#1", "missing"}})
	if got := identifiers(byID); !slices.Equal(got, []string{"https://one.example.com/feed#1"}) {
		t.Errorf("識別子指定 = %v", got)
	}
	if len(byID) == 1 && len(byID[0].Enclosures()) != 1 {
		t.Errorf("検索結果の記事にも添付ファイルが含まれるべき")
	}
}

func testSaveFeedPersistsChanges(t *testing.T, b storage.Backend) {
	f := newSampleFeed("Feed", "https://example.com/feed")
	mustSave(t, b, f)

	a := f.ArticleByIdentifier("https://example.com/feed#1")
	a.SetTitle("Edited")
	a.AddFlag("later")
	a.Enclosures()[0].SetKind("audio/ogg")
	f.AddArticle(model.NewArticle(model.ArticleFields{Identifier: "https://example.com/feed#3", Published: baseTime}))
	mustSave(t, b, f)

	got := mustFeeds(t, b, "")[0]
	if n := len(got.Articles()); n != 3 {
		t.Fatalf("記事数 = %d, want 3", n)
	}
	edited := got.ArticleByIdentifier("https://example.com/feed#1")
	if edited.Title() != "Edited" {
		t.Errorf("Title = %q, want Edited", edited.Title())
	}
	if !slices.Equal(edited.Flags(), []string{"starred", "later"}) {
		t.Errorf("Flags = %v", edited.Flags())
	}
	if encs := edited.Enclosures(); len(encs) != 1 || encs[0].Kind() != "audio/ogg" {
		t.Errorf("添付ファイルの変更が保存されていない")
	}
}

func testMoveArticle(t *testing.T, b storage.Backend) {
	from := newSampleFeed("From", "https://from.example.com/feed")
	to := model.NewFeed(model.FeedFields{Title: "To", URL: "https://to.example.com/feed"})
	mustSave(t, b, from)
	mustSave(t, b, to)

	a := from.ArticleByIdentifier("https://from.example.com/feed#1")
	to.AddArticle(a)
	mustSave(t, b, to)
	mustSave(t, b, from)

	moved := mustArticles(t, b, storage.ArticleQuery{FeedID: to.StoreID()})
	if got := identifiers(moved); !slices.Equal(got, []string{"https://from.example.com/feed#1"}) {
		t.Errorf("移動先の記事 = %v", got)
	}
	left := mustArticles(t, b, storage.ArticleQuery{FeedID: from.StoreID()})
	if len(left) != 1 {
		t.Errorf("移動元の記事 = %d件, want 1", len(left))
	}
}

func testRemoveEnclosure(t *testing.T, b storage.Backend) {
	f := newSampleFeed("Feed", "https://example.com/feed")
	mustSave(t, b, f)

	a := f.ArticleByIdentifier("https://example.com/feed#1")
	a.RemoveEnclosure(a.Enclosures()[0])
	a.AddEnclosure(model.NewEnclosure(model.EnclosureFields{URL: "https://example.com/v.mp4", Kind: "video/mp4"}))
	mustSave(t, b, f)

	got := mustArticles(t, b, storage.ArticleQuery{Identifiers: []string{a.Identifier()}})
	if len(got) != 1 {
		t.Fatalf("記事数 = %d, want 1", len(got))
	}
	encs := got[0].Enclosures()
	if len(encs) != 1 || !encs[0].Matches("https://example.com/v.mp4", "video/mp4") {
		t.Errorf("添付ファイル = %d件, 外したものは削除されるべき", len(encs))
	}
}

func testQueryFeed(t *testing.T, b storage.Backend) {
	source := newSampleFeed("Source", "https://example.com/feed")
	mustSave(t, b, source)

	q := model.NewFeed(model.FeedFields{Title: "Unread", Query: "!read", Tags: []string{"~Unread"}})
	for _, a := range source.Articles() {
		q.AddArticle(a)
	}
	mustSave(t, b, q)

	feeds := mustFeeds(t, b, "")
	if len(feeds) != 2 {
		t.Fatalf("フィード数 = %d, want 2", len(feeds))
	}
	for _, f := range feeds {
		if f.IsQueryFeed() {
			if f.Query() != "!read" {
				t.Errorf("Query = %q, want !read", f.Query())
			}
			if n := len(f.Articles()); n != 0 {
				t.Errorf("クエリフィードは記事を保存しない: %d件", n)
			}
		} else if n := len(f.Articles()); n != 2 {
			t.Errorf("元のフィードの記事 = %d件, want 2", n)
		}
	}
}

func testDeleteFeed(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	keep := newSampleFeed("Keep", "https://keep.example.com/feed", "x")
	gone := newSampleFeed("Gone", "https://gone.example.com/feed", "y")
	mustSave(t, b, keep)
	mustSave(t, b, gone)

	if err := b.DeleteFeed(ctx, gone); err != nil {
		t.Fatalf("DeleteFeed() error = %v", err)
	}
	if gone.StoreID() != "" {
		t.Error("削除したフィードの識別子は消えるべき")
	}

	feeds := mustFeeds(t, b, "")
	if len(feeds) != 1 || feeds[0].Title() != "Keep" {
		t.Errorf("残ったフィード = %d件", len(feeds))
	}
	if n := len(mustArticles(t, b, storage.ArticleQuery{})); n != 2 {
		t.Errorf("記事 = %d件, 削除したフィードの記事も削除されるべき", n)
	}
	tags, _ := b.AllTags(ctx)
	if !slices.Equal(tags, []string{"x"}) {
		t.Errorf("AllTags() = %v, want [x]", tags)
	}
}

func testDeleteArticle(t *testing.T, b storage.Backend) {
	f := newSampleFeed("Feed", "https://example.com/feed")
	mustSave(t, b, f)

	a := f.ArticleByIdentifier("https://example.com/feed#1")
	if err := b.DeleteArticle(context.Background(), a); err != nil {
		t.Fatalf("DeleteArticle() error = %v", err)
	}
	got := mustArticles(t, b, storage.ArticleQuery{})
	if ids := identifiers(got); !slices.Equal(ids, []string{"https://example.com/feed#2"}) {
		t.Errorf("残った記事 = %v", ids)
	}
	if a.StoreID() != "" {
		t.Error("削除した記事の識別子は消えるべき")
	}
}

func testMarkFeedRead(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	f := newSampleFeed("Feed", "https://example.com/feed")
	mustSave(t, b, f)

	n, err := b.MarkFeedRead(ctx, f, true)
	if err != nil {
		t.Fatalf("MarkFeedRead() error = %v", err)
	}
	if n != 1 {
		t.Errorf("変更件数 = %d, want 1", n)
	}
	if unread := mustArticles(t, b, storage.ArticleQuery{Read: storage.Unread()}); len(unread) != 0 {
		t.Errorf("未読 = %d件, want 0", len(unread))
	}

	n, err = b.MarkFeedRead(ctx, f, true)
	if err != nil || n != 0 {
		t.Errorf("2回目のMarkFeedRead() = (%d, %v), want (0, nil)", n, err)
	}

	n, _ = b.MarkFeedRead(ctx, f, false)
	if n != 2 {
		t.Errorf("未読に戻した件数 = %d, want 2", n)
	}
}

func testMarkArticlesRead(t *testing.T, b storage.Backend) {
	f := newSampleFeed("Feed", "https://example.com/feed")
	mustSave(t, b, f)

	a := f.ArticleByIdentifier("https://example.com/feed#1")
	if err := b.MarkArticlesRead(context.Background(), []*model.Article{a}, true); err != nil {
		t.Fatalf("MarkArticlesRead() error = %v", err)
	}
	if !a.Read() || a.Updated() {
		t.Errorf("記事の状態 = read:%v updated:%v, want read:true updated:false", a.Read(), a.Updated())
	}
	got := mustArticles(t, b, storage.ArticleQuery{Identifiers: []string{a.Identifier()}})
	if len(got) != 1 || !got[0].Read() {
		t.Error("既読状態が保存されていない")
	}
}

func testSaveArticleWithoutFeed(t *testing.T, b storage.Backend) {
	a := model.NewArticle(model.ArticleFields{Identifier: "orphan"})
	err := b.SaveArticle(context.Background(), a)
	if err == nil {
		t.Fatal("所属フィードのない記事の保存はエラーになるべき")
	}
	if !errors.Is(err, storage.ErrNoFeed) {
		t.Errorf("error = %v, want ErrNoFeed", err)
	}
	if !model.IsKind(err, model.KindStorage) {
		t.Errorf("error kind should be storage: %v", err)
	}
	if a.StoreID() != "" || len(mustArticles(t, b, storage.ArticleQuery{})) != 0 {
		t.Error("失敗した保存はエンティティもストアも変えてはならない")
	}
}

func testDeleteEverything(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	mustSave(t, b, newSampleFeed("A", "https://a.example.com/feed", "t"))

	has, err := b.HasFeeds(ctx)
	if err != nil || !has {
		t.Fatalf("HasFeeds() = (%v, %v), want (true, nil)", has, err)
	}
	if err := b.DeleteEverything(ctx); err != nil {
		t.Fatalf("DeleteEverything() error = %v", err)
	}
	has, _ = b.HasFeeds(ctx)
	if has {
		t.Error("DeleteEverything後はフィードが残ってはならない")
	}
	if n := len(mustArticles(t, b, storage.ArticleQuery{})); n != 0 {
		t.Errorf("記事 = %d件, want 0", n)
	}
	if tags, _ := b.AllTags(ctx); len(tags) != 0 {
		t.Errorf("AllTags() = %v, want []", tags)
	}
}

func testFeedByID(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	f := newSampleFeed("Feed", "https://example.com/feed", "tech")
	mustSave(t, b, f)
	mustSave(t, b, newSampleFeed("Other", "https://other.example.com/feed"))

	got, err := b.Feed(ctx, f.StoreID())
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if got.StoreID() != f.StoreID() || got.Title() != "Feed" {
		t.Errorf("Feed() = %s %q", got.StoreID(), got.Title())
	}
	if !slices.Equal(got.Tags(), []string{"tech"}) || len(got.Articles()) != 2 {
		t.Errorf("タグ %v・記事%d件, want [tech]・2件", got.Tags(), len(got.Articles()))
	}
	for _, a := range got.Articles() {
		if a.Feed() != got {
			t.Errorf("記事 %s の所属フィードが復元されていない", a.Identifier())
		}
	}

	if _, err := b.Feed(ctx, "missing"); !errors.Is(err, storage.ErrFeedNotFound) {
		t.Errorf("存在しないフィード: got %v, want ErrFeedNotFound", err)
	}
}

func testDuplicateIdentifier(t *testing.T, b storage.Backend) {
	f := newSampleFeed("Feed", "https://example.com/feed")
	mustSave(t, b, f)

	f.AddArticle(model.NewArticle(model.ArticleFields{Identifier: "https://example.com/feed#1", Title: "Copy"}))
	err := b.SaveFeed(context.Background(), f)
	if !errors.Is(err, storage.ErrDuplicateArticle) {
		t.Fatalf("重複した識別子の保存: got %v, want ErrDuplicateArticle", err)
	}

	got := mustArticles(t, b, storage.ArticleQuery{Identifiers: []string{"https://example.com/feed#1"}})
	if len(got) != 1 || got[0].Title() != "First Feed" {
		t.Errorf("保存済みの記事 = %d件, want 1", len(got))
	}

	// 別のフィードなら同じ識別子を使える
	other := model.NewFeed(model.FeedFields{Title: "Other", URL: "https://other.example.com/feed"})
	other.AddArticle(model.NewArticle(model.ArticleFields{Identifier: "https://example.com/feed#1"}))
	mustSave(t, b, other)
}
