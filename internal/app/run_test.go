package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hitoshi/feedsync/internal/database"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/opml"
	"github.com/hitoshi/feedsync/internal/storage/objectstore"
	"github.com/hitoshi/feedsync/internal/storage/sqlstore"
)

const testRSS = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>Example</title>
<link>https://example.com/</link>
<item><title>First</title><guid>urn:first</guid><link>https://example.com/1</link></item>
<item><title>Second</title><guid>urn:second</guid><link>https://example.com/2</link></item>
</channel></rss>`

// newFeedServer は/feed.xmlでRSSを返すテスト用サーバーを起動する。
func newFeedServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/feed.xml" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		io.WriteString(w, testRSS)
	}))
	t.Cleanup(ts.Close)
	return ts
}

// storedFeeds はRun終了後のオブジェクトストアの内容を読み出す。
func storedFeeds(t *testing.T, dir string) []*model.Feed {
	t.Helper()
	store, err := objectstore.Open(filepath.Join(dir, "feeds.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("ストアを開けませんでした: %v", err)
	}
	defer store.Close()
	feeds, err := store.Feeds(context.Background(), "")
	if err != nil {
		t.Fatalf("フィードを読み込めませんでした: %v", err)
	}
	return feeds
}

func TestRun_RefreshOnEmptyStore(t *testing.T) {
	dir := setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"refresh"}); err != nil {
		t.Fatalf("Run(refresh) error = %v", err)
	}
	if !strings.Contains(buf.String(), "refresh completed") {
		t.Errorf("完了ログが出力されていない: %s", buf.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "feeds.db")); err != nil {
		t.Errorf("オブジェクトストアが作成されていない: %v", err)
	}
}

func TestRun_ImportThenRefresh(t *testing.T) {
	dir := setTestEnv(t)
	ts := newFeedServer(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"import", ts.URL + "/feed.xml"}); err != nil {
		t.Fatalf("Run(import) error = %v\n%s", err, buf.String())
	}

	feeds := storedFeeds(t, dir)
	if len(feeds) != 1 {
		t.Fatalf("フィード数: got %d, want 1", len(feeds))
	}
	if got := len(feeds[0].Articles()); got != 2 {
		t.Errorf("記事数: got %d, want 2", got)
	}

	buf.Reset()
	if err := Run(&buf, []string{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(storedFeeds(t, dir)[0].Articles()); got != 2 {
		t.Errorf("再更新後の記事数: got %d, want 2", got)
	}

	// 同じフィードの再インポートは失敗する
	if err := Run(&buf, []string{"import", ts.URL + "/feed.xml"}); err == nil {
		t.Error("重複したフィードのインポートがエラーにならない")
	}
}

func TestRun_ImportRequiresTarget(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"import"}); err == nil {
		t.Fatal("インポート対象なしでエラーにならない")
	}
}

func TestRun_ExportOPML(t *testing.T) {
	dir := setTestEnv(t)
	ts := newFeedServer(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"import", ts.URL + "/feed.xml"}); err != nil {
		t.Fatalf("Run(import) error = %v", err)
	}
	if err := Run(&buf, []string{"export-opml"}); err != nil {
		t.Fatalf("Run(export-opml) error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, opml.ExportFileName))
	if err != nil {
		t.Fatalf("エクスポートファイルを読めません: %v", err)
	}
	entries, err := opml.Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("エクスポートしたOPMLを解析できません: %v", err)
	}
	if len(entries) != 1 || entries[0].URL != ts.URL+"/feed.xml" {
		t.Errorf("エクスポート内容: got %+v", entries)
	}
}

func TestRun_BackgroundFetch(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"background-fetch"}); err != nil {
		t.Fatalf("Run(background-fetch) error = %v", err)
	}
	if !strings.Contains(buf.String(), `"outcome":"noData"`) {
		t.Errorf("結果がログに出力されていない: %s", buf.String())
	}
}

func TestRun_MigrateFromLegacyStore(t *testing.T) {
	dir := setTestEnv(t)
	legacyPath := filepath.Join(t.TempDir(), "legacy.db")

	ctx := context.Background()
	legacy, err := sqlstore.Open(ctx, database.DriverSQLite, legacyPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("旧ストアを開けませんでした: %v", err)
	}
	f := model.NewFeed(model.FeedFields{Title: "Legacy", URL: "https://example.com/legacy.xml"})
	f.AddArticle(model.NewArticle(model.ArticleFields{Identifier: "a1", Title: "Old post"}))
	if err := legacy.SaveFeed(ctx, f); err != nil {
		t.Fatalf("旧ストアに保存できませんでした: %v", err)
	}
	legacy.Close()

	t.Setenv("LEGACY_SQL_DRIVER", database.DriverSQLite)
	t.Setenv("LEGACY_DATABASE_URL", legacyPath)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate"}); err != nil {
		t.Fatalf("Run(migrate) error = %v\n%s", err, buf.String())
	}

	feeds := storedFeeds(t, dir)
	if len(feeds) != 1 || feeds[0].URL() != "https://example.com/legacy.xml" {
		t.Fatalf("移行後のフィード: got %d", len(feeds))
	}
	if a := feeds[0].ArticleByIdentifier("a1"); a == nil {
		t.Error("記事が移行されていない")
	}

	// 移行済みの旧ストアは空になり、再実行しても重複しない
	buf.Reset()
	if err := Run(&buf, []string{"migrate"}); err != nil {
		t.Fatalf("再実行 error = %v", err)
	}
	if got := len(storedFeeds(t, dir)); got != 1 {
		t.Errorf("再実行後のフィード数: got %d, want 1", got)
	}
}

func TestRun_WithInvalidConfig_ReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv("STORAGE_BACKEND", "redis")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"refresh"}); err == nil {
		t.Fatal("Run with invalid config should return error")
	}
}

func TestRunHealthcheck(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	addr := strings.TrimPrefix(ts.URL, "http://")
	if err := runHealthcheck(addr); err != nil {
		t.Errorf("runHealthcheck(%s) error = %v", addr, err)
	}

	if err := runHealthcheck("no-port"); err == nil {
		t.Error("不正なアドレスでエラーにならない")
	}
}
