package opml

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/feedsync/internal/async"
	"github.com/hitoshi/feedsync/internal/model"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const sampleOPML = `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <head><title>subscriptions</title></head>
  <body>
    <outline text="Go Blog" title="Go Blog" type="rss" xmlUrl="https://go.dev/blog/feed.atom" tags="go,lang"/>
    <outline text="Tech">
      <outline text="Example" type="rss" xmlUrl="https://example.com/feed.xml"/>
    </outline>
    <outline type="query" title="Unread" tags="smart">!read</outline>
    <outline type="query" title="Empty"></outline>
  </body>
</opml>`

func TestParse(t *testing.T) {
	entries, err := Parse(strings.NewReader(sampleOPML))
	if err != nil {
		t.Fatalf("OPMLの解析に失敗: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("エントリ数: got %d, want 3", len(entries))
	}

	tests := []struct {
		idx   int
		title string
		url   string
		query string
		tags  []string
	}{
		{0, "Go Blog", "https://go.dev/blog/feed.atom", "", []string{"go", "lang"}},
		{1, "Example", "https://example.com/feed.xml", "", []string{"Tech"}},
		{2, "Unread", "", "!read", []string{"smart"}},
	}
	for _, tt := range tests {
		e := entries[tt.idx]
		if e.Title != tt.title || e.URL != tt.url || e.Query != tt.query {
			t.Errorf("entries[%d] = %+v", tt.idx, e)
		}
		if !slices.Equal(e.Tags, tt.tags) {
			t.Errorf("entries[%d].Tags = %v, want %v", tt.idx, e.Tags, tt.tags)
		}
	}
}

func TestParse_RejectsNonOPML(t *testing.T) {
	inputs := []string{
		`<rss version="2.0"><channel><title>x</title></channel></rss>`,
		`<html><head></head><body></body></html>`,
		`not xml`,
	}
	for _, in := range inputs {
		if _, err := Parse(strings.NewReader(in)); err == nil {
			t.Errorf("OPML以外がエラーにならなかった: %q", in)
		}
	}
}

func TestExportRoundTrip(t *testing.T) {
	feeds := []*model.Feed{
		model.NewFeed(model.FeedFields{Title: "A & B", URL: "https://example.com/a.xml", Tags: []string{"x", "y"}}),
		model.NewFeed(model.FeedFields{Title: "Unread", Query: `!read && title contains "<Go>"`}),
		model.NewFeed(model.FeedFields{Title: "stub"}),
	}

	data, err := Export("test", feeds)
	if err != nil {
		t.Fatalf("エクスポートに失敗: %v", err)
	}
	entries, err := Parse(strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("エクスポート結果の解析に失敗: %v\n%s", err, data)
	}
	if len(entries) != 2 {
		t.Fatalf("スタブが除外されていない: %d件", len(entries))
	}
	if entries[0].Title != "A & B" || !slices.Equal(entries[0].Tags, []string{"x", "y"}) {
		t.Errorf("ネットワークフィード: %+v", entries[0])
	}
	if entries[1].Query != `!read && title contains "<Go>"` {
		t.Errorf("クエリが保持されていない: %q", entries[1].Query)
	}
}

// fakeStore はFeedStoreのモック。
type fakeStore struct {
	mu      sync.Mutex
	feeds   []*model.Feed
	failURL string
}

func (s *fakeStore) Feeds(context.Context) *async.Future[[]*model.Feed] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return async.Resolved(nil, slices.Clone(s.feeds), nil)
}

func (s *fakeStore) NewFeed(_ context.Context, fields model.FeedFields) *async.Future[*model.Feed] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fields.URL != "" && fields.URL == s.failURL {
		return async.Resolved[*model.Feed](nil, nil, model.NewStorageError("new feed", errors.New("boom")))
	}
	f := model.NewFeed(fields)
	s.feeds = append(s.feeds, f)
	return async.Resolved(nil, f, nil)
}

func TestImportData_SkipsExistingFeeds(t *testing.T) {
	store := &fakeStore{feeds: []*model.Feed{
		model.NewFeed(model.FeedFields{URL: "https://go.dev/blog/feed.atom"}),
		model.NewFeed(model.FeedFields{Title: "Unread", Query: "!read"}),
	}}
	svc := NewService(store, t.TempDir(), testLogger)

	res, err := svc.ImportData(context.Background(), []byte(sampleOPML))
	if err != nil {
		t.Fatalf("インポートに失敗: %v", err)
	}
	if len(res.Feeds) != 1 || res.Feeds[0].URL() != "https://example.com/feed.xml" {
		t.Errorf("作成されたフィード: %v", res.Feeds)
	}
	if res.Skipped != 2 {
		t.Errorf("スキップ数: got %d, want 2", res.Skipped)
	}

	again, err := svc.ImportData(context.Background(), []byte(sampleOPML))
	if err != nil {
		t.Fatalf("2回目のインポートに失敗: %v", err)
	}
	if len(again.Feeds) != 0 || again.Skipped != 3 {
		t.Errorf("2回目のインポート: created=%d skipped=%d", len(again.Feeds), again.Skipped)
	}
}

func TestImportData_Errors(t *testing.T) {
	svc := NewService(&fakeStore{}, t.TempDir(), testLogger)
	if _, err := svc.ImportData(context.Background(), []byte("<rss/>")); !model.IsKind(err, model.KindParse) {
		t.Errorf("解析エラーが返されない: %v", err)
	}

	store := &fakeStore{failURL: "https://example.com/feed.xml"}
	svc = NewService(store, t.TempDir(), testLogger)
	doc := `<opml version="2.0"><body><outline type="rss" xmlUrl="https://example.com/feed.xml"/></body></opml>`
	res, err := svc.ImportData(context.Background(), []byte(doc))
	if !model.IsKind(err, model.KindStorage) {
		t.Errorf("全件失敗時にエラーが返されない: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Errorf("フィードごとのエラー数: got %d, want 1", len(res.Errors))
	}
}

func TestWriteOPML(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "docs")
	store := &fakeStore{feeds: []*model.Feed{
		model.NewFeed(model.FeedFields{Title: "Example", URL: "https://example.com/feed.xml", Tags: []string{"news"}}),
	}}
	svc := NewService(store, dir, testLogger)

	path, err := svc.WriteOPML(context.Background())
	if err != nil {
		t.Fatalf("書き出しに失敗: %v", err)
	}
	if path != filepath.Join(dir, ExportFileName) {
		t.Errorf("パス: got %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("書き出したファイルを読めない: %v", err)
	}
	if !strings.Contains(string(data), `xmlUrl="https://example.com/feed.xml"`) || !strings.Contains(string(data), `tags="news"`) {
		t.Errorf("書き出した内容が正しくない:\n%s", data)
	}
}

func TestDidUpdateFeedsRewritesExport(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, t.TempDir(), testLogger)
	done := make(chan error, 1)
	svc.written = func(_ string, err error) { done <- err }

	store.NewFeed(context.Background(), model.FeedFields{URL: "https://example.com/new.xml"})
	svc.DidUpdateFeeds(nil)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("書き出しに失敗: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("エクスポートが書き出されなかった")
	}
	data, _ := os.ReadFile(svc.ExportPath())
	if !strings.Contains(string(data), "https://example.com/new.xml") {
		t.Errorf("更新後のフィードが含まれていない:\n%s", data)
	}
}
