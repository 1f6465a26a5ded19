package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/feedsync/internal/async"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/storage"
	"github.com/hitoshi/feedsync/internal/storage/objectstore"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingSubscriber struct {
	NopSubscriber

	mu          sync.Mutex
	will        int
	progress    [][2]int
	updated     [][]*model.Feed
	marked      []*model.Article
	markedRead  []bool
	deleted     []*model.Article
	deletedFeed []int
	created     []*model.Article
}

func (s *recordingSubscriber) WillUpdateFeeds() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.will++
}

func (s *recordingSubscriber) DidUpdateFeedsProgress(current, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, [2]int{current, total})
}

func (s *recordingSubscriber) DidUpdateFeeds(feeds []*model.Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, feeds)
}

func (s *recordingSubscriber) MarkedArticles(articles []*model.Article, read bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, articles...)
	s.markedRead = append(s.markedRead, read)
}

func (s *recordingSubscriber) DeletedArticle(a *model.Article) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, a)
}

func (s *recordingSubscriber) DeletedFeed(_ *model.Feed, left int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedFeed = append(s.deletedFeed, left)
}

func (s *recordingSubscriber) DidCreateArticles(articles []*model.Article) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, articles...)
}

type mockUpdater struct {
	mu      sync.Mutex
	calls   int
	block   chan struct{}
	started chan struct{}
	result  func(feeds []*model.Feed) UpdateResult
}

func (m *mockUpdater) Update(ctx context.Context, feeds []*model.Feed, progress func(int, int)) UpdateResult {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.block != nil {
		<-m.block
	}
	for i := range feeds {
		progress(i+1, len(feeds))
	}
	if m.result != nil {
		return m.result(feeds)
	}
	return UpdateResult{Feeds: feeds}
}

func newTestRepository(t *testing.T, gate <-chan struct{}) (*Repository, *async.Queue, storage.Backend) {
	t.Helper()
	backend, err := objectstore.Open(filepath.Join(t.TempDir(), "feeds.db"), testLogger)
	if err != nil {
		t.Fatalf("ストアを開けませんでした: %v", err)
	}
	main := async.NewQueue("main")
	r := New(Options{Backend: backend, Main: main, Logger: testLogger, Gate: gate})
	t.Cleanup(func() {
		r.Close()
		main.Close()
		backend.Close()
	})
	return r, main, backend
}

func await[T any](t *testing.T, f *async.Future[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("Futureがエラーで解決されました: %v", err)
	}
	return v
}

func drain(t *testing.T, q *async.Queue) {
	t.Helper()
	done := make(chan struct{})
	q.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("メインキューが処理されない")
	}
}

func seedFeed(t *testing.T, backend storage.Backend, title string, tags []string, articles ...*model.Article) *model.Feed {
	t.Helper()
	f := model.NewFeed(model.FeedFields{Title: title, URL: "https://example.com/" + title, Tags: tags})
	for _, a := range articles {
		f.AddArticle(a)
	}
	if err := backend.SaveFeed(context.Background(), f); err != nil {
		t.Fatalf("フィードを保存できませんでした: %v", err)
	}
	return f
}

func article(id, title string, read bool) *model.Article {
	return model.NewArticle(model.ArticleFields{
		Identifier: id,
		Title:      title,
		Read:       read,
		Published:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

func TestRepository_NewFeedAndFeeds(t *testing.T) {
	r, _, _ := newTestRepository(t, nil)
	ctx := context.Background()

	b := await(t, r.NewFeed(ctx, model.FeedFields{Title: "beta", URL: "https://b.example.com/feed"}))
	if b.StoreID() == "" {
		t.Fatal("保存後のフィードに識別子が付与されていない")
	}
	await(t, r.NewFeed(ctx, model.FeedFields{Title: "Alpha", URL: "https://a.example.com/feed"}))

	feeds := await(t, r.Feeds(ctx))
	if len(feeds) != 2 {
		t.Fatalf("フィード数: got %d, want 2", len(feeds))
	}
	if feeds[0].Title() != "Alpha" || feeds[1].Title() != "beta" {
		t.Errorf("表示名順に並んでいない: %q, %q", feeds[0].Title(), feeds[1].Title())
	}
}

func TestRepository_FeedsPopulatesQueryFeeds(t *testing.T) {
	r, _, backend := newTestRepository(t, nil)
	ctx := context.Background()

	seedFeed(t, backend, "go", nil, article("1", "Go 1.25", false), article("2", "Rust", false), article("3", "Go tips", true))
	q := model.NewFeed(model.FeedFields{Title: "unread go", Query: `!read && title contains "Go"`})
	if err := backend.SaveFeed(ctx, q); err != nil {
		t.Fatalf("クエリフィードを保存できませんでした: %v", err)
	}

	feeds := await(t, r.Feeds(ctx))
	var query *model.Feed
	for _, f := range feeds {
		if f.IsQueryFeed() {
			query = f
		}
	}
	if query == nil {
		t.Fatal("クエリフィードが返されていない")
	}
	got := query.Articles()
	if len(got) != 1 || got[0].Identifier() != "1" {
		t.Fatalf("クエリフィードの記事が正しくない: %d件", len(got))
	}
	if got[0].Feed() == query {
		t.Error("クエリフィードに記事の所属が移っている")
	}
}

func TestRepository_FeedsMatchingTag(t *testing.T) {
	r, _, backend := newTestRepository(t, nil)
	ctx := context.Background()

	seedFeed(t, backend, "a", []string{"programming"})
	seedFeed(t, backend, "b", []string{"news", "Programs"})
	seedFeed(t, backend, "c", nil)

	tests := []struct {
		tag  string
		want int
	}{
		{"", 3},
		{"gram", 2},
		{"Program", 1},
		{"sports", 0},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got := await(t, r.FeedsMatchingTag(ctx, tt.tag))
			if len(got) != tt.want {
				t.Errorf("FeedsMatchingTag(%q): got %d, want %d", tt.tag, len(got), tt.want)
			}
		})
	}

	tags := await(t, r.AllTags(ctx))
	if len(tags) != 3 || tags[0] != "news" {
		t.Errorf("AllTags: got %v", tags)
	}
}

func TestRepository_ArticlesMatchingQueryAndSearch(t *testing.T) {
	r, _, backend := newTestRepository(t, nil)
	ctx := context.Background()

	f := seedFeed(t, backend, "go", nil, article("1", "Generics in Go", false), article("2", "Error handling", true))

	matched := await(t, r.ArticlesMatchingQuery(ctx, "read"))
	if len(matched) != 1 || matched[0].Identifier() != "2" {
		t.Errorf("ArticlesMatchingQuery: got %d件", len(matched))
	}
	if _, err := r.ArticlesMatchingQuery(ctx, "title ==").Wait(ctx); !model.IsKind(err, model.KindParse) {
		t.Errorf("不正な式のエラー: got %v, want KindParse", err)
	}

	found := await(t, r.SearchArticles(ctx, f, "GENERICS"))
	if len(found) != 1 || found[0].Identifier() != "1" {
		t.Errorf("SearchArticles: got %d件", len(found))
	}
	if all := await(t, r.SearchArticles(ctx, nil, "")); len(all) != 2 {
		t.Errorf("SearchArticles(nil): got %d件, want 2", len(all))
	}
}

func TestRepository_MarkFeedAsRead(t *testing.T) {
	r, main, backend := newTestRepository(t, nil)
	sub := &recordingSubscriber{}
	r.AddSubscriber(sub)
	ctx := context.Background()

	f := seedFeed(t, backend, "f", nil, article("1", "a", false), article("2", "b", false), article("3", "c", true))

	if n := await(t, r.MarkFeedAsRead(ctx, f)); n != 2 {
		t.Errorf("1回目の変更件数: got %d, want 2", n)
	}
	if n := await(t, r.MarkFeedAsRead(ctx, f)); n != 0 {
		t.Errorf("2回目の変更件数: got %d, want 0", n)
	}
	drain(t, main)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.marked) != 2 {
		t.Errorf("通知された記事数: got %d, want 2", len(sub.marked))
	}
	if len(sub.markedRead) != 1 || !sub.markedRead[0] {
		t.Errorf("MarkedArticlesの通知回数または既読フラグが正しくない: %v", sub.markedRead)
	}
}

func TestRepository_MarkArticleNotifiesOnlyOnChange(t *testing.T) {
	r, main, backend := newTestRepository(t, nil)
	sub := &recordingSubscriber{}
	r.AddSubscriber(sub)
	ctx := context.Background()

	a := article("1", "a", false)
	seedFeed(t, backend, "f", nil, a)

	await(t, r.MarkArticle(ctx, a, false))
	await(t, r.MarkArticle(ctx, a, true))
	drain(t, main)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.marked) != 1 {
		t.Fatalf("通知回数: got %d, want 1", len(sub.marked))
	}
	if !a.Read() {
		t.Error("記事が既読になっていない")
	}

	stored, err := backend.Articles(ctx, storage.ArticleQuery{Read: storage.Unread()})
	if err != nil {
		t.Fatalf("Articles: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("未読記事が残っている: %d件", len(stored))
	}
}

func TestRepository_DeleteArticle(t *testing.T) {
	r, main, backend := newTestRepository(t, nil)
	sub := &recordingSubscriber{}
	r.AddSubscriber(sub)
	ctx := context.Background()

	a := article("1", "a", false)
	keep := article("2", "b", false)
	f := seedFeed(t, backend, "f", nil, a, keep)

	await(t, r.DeleteArticle(ctx, a))
	drain(t, main)

	if got := f.Articles(); len(got) != 1 || got[0] != keep {
		t.Errorf("削除した記事がフィードから外れていない: %d件", len(got))
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.deleted) != 1 || sub.deleted[0] != a {
		t.Errorf("DeletedArticleが通知されていない")
	}
}

func TestRepository_DeleteFeedReportsFeedsLeft(t *testing.T) {
	r, main, backend := newTestRepository(t, nil)
	sub := &recordingSubscriber{}
	r.AddSubscriber(sub)
	ctx := context.Background()

	a := seedFeed(t, backend, "a", nil)
	seedFeed(t, backend, "b", nil)

	await(t, r.DeleteFeed(ctx, a))
	drain(t, main)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.deletedFeed) != 1 || sub.deletedFeed[0] != 1 {
		t.Errorf("DeletedFeedの残数: got %v, want [1]", sub.deletedFeed)
	}
}

func TestRepository_UpdateFeedsNotifiesSubscribers(t *testing.T) {
	r, main, backend := newTestRepository(t, nil)
	sub := &recordingSubscriber{}
	r.AddSubscriber(sub)

	seedFeed(t, backend, "a", nil)
	seedFeed(t, backend, "b", nil)
	created := article("new", "new", false)
	r.SetUpdater(&mockUpdater{result: func(feeds []*model.Feed) UpdateResult {
		return UpdateResult{Feeds: feeds, NewArticles: []*model.Article{created}}
	}})

	res := await(t, r.UpdateFeeds(context.Background()))
	drain(t, main)

	if !res.HasNewData() {
		t.Error("HasNewDataがfalse")
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.will != 1 {
		t.Errorf("WillUpdateFeeds: got %d, want 1", sub.will)
	}
	if len(sub.progress) != 2 || sub.progress[1] != [2]int{2, 2} {
		t.Errorf("進捗通知が正しくない: %v", sub.progress)
	}
	if len(sub.updated) != 1 || len(sub.updated[0]) != 2 {
		t.Errorf("DidUpdateFeedsが正しくない: %v", sub.updated)
	}
	if len(sub.created) != 1 || sub.created[0] != created {
		t.Errorf("DidCreateArticlesが正しくない")
	}
}

func TestRepository_UpdateFeedsCoalescesConcurrentCallers(t *testing.T) {
	r, _, backend := newTestRepository(t, nil)
	seedFeed(t, backend, "a", nil)

	u := &mockUpdater{block: make(chan struct{}), started: make(chan struct{}, 1)}
	r.SetUpdater(u)

	ctx := context.Background()
	first := r.UpdateFeeds(ctx)
	<-u.started
	second := r.UpdateFeeds(ctx)
	if first != second {
		t.Error("更新中の呼び出しが合流していない")
	}
	close(u.block)
	await(t, first)

	u.mu.Lock()
	calls := u.calls
	u.mu.Unlock()
	if calls != 1 {
		t.Errorf("Updateの呼び出し回数: got %d, want 1", calls)
	}

	u.block = nil
	third := r.UpdateFeeds(ctx)
	<-u.started
	await(t, third)
	if third == first {
		t.Error("完了後の呼び出しで新しい更新が始まっていない")
	}
}

func TestRepository_UpdateFeedsWaitsForGate(t *testing.T) {
	gate := make(chan struct{})
	r, _, backend := newTestRepository(t, gate)
	seedFeed(t, backend, "a", nil)
	u := &mockUpdater{}
	r.SetUpdater(u)

	f := r.UpdateFeeds(context.Background())
	select {
	case <-f.Done():
		t.Fatal("ゲートが開く前に更新が完了した")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	await(t, f)
	if u.calls != 1 {
		t.Errorf("Updateの呼び出し回数: got %d, want 1", u.calls)
	}
}

func TestRepository_UpdateFeedsGateCancelled(t *testing.T) {
	r, _, _ := newTestRepository(t, make(chan struct{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := await(t, r.UpdateFeeds(ctx))
	if !model.IsKind(res.Err(), model.KindTimeout) {
		t.Errorf("ゲート待ちの中断がタイムアウトとして扱われていない: %v", res.Err())
	}
}

func TestRepository_RemoveSubscriber(t *testing.T) {
	r, main, backend := newTestRepository(t, nil)
	sub := &recordingSubscriber{}
	r.AddSubscriber(sub)
	r.RemoveSubscriber(sub)

	a := article("1", "a", false)
	seedFeed(t, backend, "f", nil, a)
	await(t, r.MarkArticle(context.Background(), a, true))
	drain(t, main)

	if len(sub.marked) != 0 {
		t.Error("登録解除後も通知されている")
	}
}

func TestRepository_WeakSubscriberIsDropped(t *testing.T) {
	r, _, _ := newTestRepository(t, nil)

	func() {
		AddWeakSubscriber(r, &recordingSubscriber{})
	}()
	kept := &recordingSubscriber{}
	AddWeakSubscriber(r, kept)

	runtime.GC()
	runtime.GC()

	live := r.liveSubscribers()
	if len(live) != 1 || live[0] != Subscriber(kept) {
		t.Errorf("解放された購読者が残っている: %d件", len(live))
	}
	runtime.KeepAlive(kept)
}

type failingBackend struct {
	storage.Backend
}

func (failingBackend) SaveFeed(context.Context, *model.Feed) error {
	return model.NewStorageError("save feed", errors.New("disk full"))
}

func TestRepository_SaveFeedFailureLeavesFeedUntouched(t *testing.T) {
	main := async.NewQueue("main")
	defer main.Close()
	r := New(Options{Backend: failingBackend{}, Main: main, Logger: testLogger})
	defer r.Close()

	f := model.NewFeed(model.FeedFields{Title: "a", URL: "https://example.com/a"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.SaveFeed(ctx, f).Wait(ctx)
	if !model.IsKind(err, model.KindStorage) {
		t.Fatalf("ストレージエラーが返されていない: %v", err)
	}
	if f.StoreID() != "" {
		t.Error("保存に失敗したフィードに識別子が付与されている")
	}
}

func TestUpdateResult(t *testing.T) {
	var empty UpdateResult
	if empty.HasNewData() || empty.Err() != nil {
		t.Error("空の結果が新着ありまたはエラーありになっている")
	}
	res := UpdateResult{
		ChangedArticles: []*model.Article{article("1", "a", false)},
		Errors:          []error{errors.New("x"), errors.New("y")},
	}
	if !res.HasNewData() {
		t.Error("変更記事があるのにHasNewDataがfalse")
	}
	if res.Err() == nil {
		t.Error("エラーがまとめられていない")
	}
}
