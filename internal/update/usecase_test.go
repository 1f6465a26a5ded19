package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedsync/internal/async"
	"github.com/hitoshi/feedsync/internal/feed"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/security"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const twoItemRSS = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>Test Feed</title>
<link>https://example.com/</link>
<item><title>One</title><guid>urn:1</guid><link>https://example.com/1</link></item>
<item><title>Two</title><guid>urn:2</guid><link>https://example.com/2</link></item>
</channel></rss>`

// recordingCommitter は渡されたフィードにそのまま反映して記録するCommitterのモック。
type recordingCommitter struct {
	mu    sync.Mutex
	saved []*model.Feed
	err   error
}

func (c *recordingCommitter) CommitFeed(_ context.Context, f *model.Feed, apply func(*model.Feed)) *async.Future[*model.Feed] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return async.Resolved[*model.Feed](nil, nil, c.err)
	}
	apply(f)
	c.saved = append(c.saved, f)
	return async.Resolved(nil, f, nil)
}

func newFeedServer(t *testing.T, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/feed.xml":
			w.Header().Set("Content-Type", "application/rss+xml")
			io.WriteString(w, body)
		case "/broken.xml":
			io.WriteString(w, "<html>not a feed</html>")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func newTestUseCase(committer Committer, mc metrics.MetricsCollector) *UseCase {
	sanitizer := security.NewContentSanitizer()
	return New(Options{
		Fetcher:       feed.NewFetcher(security.NewSSRFGuard(true), 5*time.Second, 1<<20, ""),
		Parser:        feed.NewParser(),
		Reconciler:    NewReconciler(sanitizer, nil),
		Committer:     committer,
		Metrics:       mc,
		Logger:        testLogger,
		MaxConcurrent: 2,
	})
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestUpdate_NewArticlesResetBackoff(t *testing.T) {
	ts, _ := newFeedServer(t, twoItemRSS)
	committer := &recordingCommitter{}
	reg := prometheus.NewRegistry()
	u := newTestUseCase(committer, metrics.NewCollector(reg))

	f := model.NewFeed(model.FeedFields{URL: ts.URL + "/feed.xml", WaitPeriod: 4})
	var progress [][2]int
	var mu sync.Mutex
	res := u.Update(context.Background(), []*model.Feed{f}, func(current, total int) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, [2]int{current, total})
	})

	if err := res.Err(); err != nil {
		t.Fatalf("更新でエラー: %v", err)
	}
	if len(res.NewArticles) != 2 {
		t.Fatalf("新規記事数: got %d, want 2", len(res.NewArticles))
	}
	for _, a := range f.Articles() {
		if a.Read() {
			t.Errorf("新規記事 %s が既読になっている", a.Identifier())
		}
	}
	if f.WaitPeriod() != 0 || f.RemainingWait() != 0 {
		t.Errorf("バックオフが解除されていない: %d/%d", f.WaitPeriod(), f.RemainingWait())
	}
	if f.Title() != "Test Feed" {
		t.Errorf("フィードタイトル: got %q", f.Title())
	}
	if len(committer.saved) != 1 || committer.saved[0] != f {
		t.Errorf("フィードが保存されていない")
	}
	if len(progress) != 1 || progress[0] != [2]int{1, 1} {
		t.Errorf("進捗通知: got %v", progress)
	}
	if got := counterValue(t, reg, "feedsync_fetch_success_total"); got != 1 {
		t.Errorf("feedsync_fetch_success_total: got %v, want 1", got)
	}
	if got := counterValue(t, reg, "feedsync_articles_total"); got != 2 {
		t.Errorf("feedsync_articles_total: got %v, want 2", got)
	}
}

func TestUpdate_NoChangeAppliesBackoff(t *testing.T) {
	ts, _ := newFeedServer(t, twoItemRSS)
	u := newTestUseCase(&recordingCommitter{}, nil)

	f := model.NewFeed(model.FeedFields{URL: ts.URL + "/feed.xml"})
	u.Update(context.Background(), []*model.Feed{f}, nil)
	f.SetWaitPeriod(2)

	res := u.Update(context.Background(), []*model.Feed{f}, nil)
	if res.HasNewData() {
		t.Fatalf("変更がないのに新着ありになった: %d/%d", len(res.NewArticles), len(res.ChangedArticles))
	}
	if f.WaitPeriod() != 3 || f.RemainingWait() != 1 {
		t.Errorf("got waitPeriod=%d remainingWait=%d, want 3/1", f.WaitPeriod(), f.RemainingWait())
	}
}

func TestUpdate_RemainingWaitSkipsFetch(t *testing.T) {
	ts, hits := newFeedServer(t, twoItemRSS)
	committer := &recordingCommitter{}
	reg := prometheus.NewRegistry()
	u := newTestUseCase(committer, metrics.NewCollector(reg))

	f := model.NewFeed(model.FeedFields{URL: ts.URL + "/feed.xml", WaitPeriod: 4, RemainingWait: 2})
	var calls int
	res := u.Update(context.Background(), []*model.Feed{f}, func(int, int) { calls++ })

	if hits.Load() != 0 {
		t.Errorf("待機中のフィードが取得された")
	}
	if res.Err() != nil || res.HasNewData() {
		t.Errorf("待機中のフィードの結果が正しくない: %v", res.Err())
	}
	if f.RemainingWait() != 1 || f.WaitPeriod() != 4 {
		t.Errorf("got waitPeriod=%d remainingWait=%d, want 4/1", f.WaitPeriod(), f.RemainingWait())
	}
	if len(committer.saved) != 1 {
		t.Error("残り待機回数が保存されていない")
	}
	if calls != 1 {
		t.Errorf("進捗通知: got %d, want 1", calls)
	}
	if got := counterValue(t, reg, "feedsync_feeds_skipped_total"); got != 1 {
		t.Errorf("feedsync_feeds_skipped_total: got %v, want 1", got)
	}
}

func TestUpdate_CollectsErrorsAndContinues(t *testing.T) {
	ts, _ := newFeedServer(t, twoItemRSS)
	reg := prometheus.NewRegistry()
	u := newTestUseCase(&recordingCommitter{}, metrics.NewCollector(reg))

	missing := model.NewFeed(model.FeedFields{URL: ts.URL + "/missing.xml", WaitPeriod: 2})
	broken := model.NewFeed(model.FeedFields{URL: ts.URL + "/broken.xml"})
	ok := model.NewFeed(model.FeedFields{URL: ts.URL + "/feed.xml"})
	query := model.NewFeed(model.FeedFields{Title: "q", Query: "!read"})
	stub := model.NewFeed(model.FeedFields{Title: "stub"})

	res := u.Update(context.Background(), []*model.Feed{missing, broken, ok, query, stub}, nil)

	if len(res.Feeds) != 3 {
		t.Errorf("対象フィード数: got %d, want 3", len(res.Feeds))
	}
	if len(res.Errors) != 2 {
		t.Fatalf("エラー数: got %d, want 2 (%v)", len(res.Errors), res.Errors)
	}
	if !model.IsKind(res.Errors[0], model.KindNetwork) || !model.IsKind(res.Errors[1], model.KindParse) {
		t.Errorf("エラー種別が正しくない: %v", res.Errors)
	}
	if missing.WaitPeriod() != 2 {
		t.Errorf("通信失敗でwaitPeriodが変わった: %d", missing.WaitPeriod())
	}
	if len(res.NewArticles) != 2 {
		t.Errorf("正常なフィードの記事が反映されていない: %d件", len(res.NewArticles))
	}
	if got := counterValue(t, reg, "feedsync_parse_fail_total"); got != 1 {
		t.Errorf("feedsync_parse_fail_total: got %v, want 1", got)
	}
}

func TestUpdate_PersistFailureIsReported(t *testing.T) {
	ts, _ := newFeedServer(t, twoItemRSS)
	committer := &recordingCommitter{err: model.NewStorageError("save feed", errors.New("disk full"))}
	u := newTestUseCase(committer, nil)

	res := u.Update(context.Background(), []*model.Feed{model.NewFeed(model.FeedFields{URL: ts.URL + "/feed.xml"})}, nil)
	if len(res.Errors) != 1 || !model.IsKind(res.Errors[0], model.KindStorage) {
		t.Errorf("保存失敗がエラーとして集計されていない: %v", res.Errors)
	}
	if len(res.NewArticles) != 0 {
		t.Error("保存に失敗したフィードの記事が新着として数えられた")
	}
}

func TestUpdate_BoundedConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		io.WriteString(w, twoItemRSS)
	}))
	defer ts.Close()

	u := newTestUseCase(&recordingCommitter{}, nil)
	var feeds []*model.Feed
	for i := range 6 {
		feeds = append(feeds, model.NewFeed(model.FeedFields{URL: fmt.Sprintf("%s/feed%d.xml", ts.URL, i)}))
	}
	res := u.Update(context.Background(), feeds, nil)

	if res.Err() != nil {
		t.Fatalf("更新でエラー: %v", res.Err())
	}
	if peak.Load() > 2 {
		t.Errorf("同時取得数が上限を超えた: %d", peak.Load())
	}
}
