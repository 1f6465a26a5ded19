// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 更新処理・バックグラウンドフェッチ・移行処理から利用する。
type MetricsCollector interface {
	RecordFetchSuccess(feedID string)
	RecordFetchFailure(feedID string, reason string)
	RecordParseFailure(feedID string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordFeedSkipped(feedID string)
	RecordArticles(created, changed int)
	RecordUpdateCycle(duration time.Duration)
	RecordBackgroundFetch(outcome string)
	RecordMigration(migrated, skipped int)
	RecordNotifications(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess    prometheus.Counter
	fetchFail       *prometheus.CounterVec
	parseFail       prometheus.Counter
	httpStatus      *prometheus.CounterVec
	fetchLatency    prometheus.Histogram
	feedsSkipped    prometheus.Counter
	articles        *prometheus.CounterVec
	updateCycle     prometheus.Histogram
	backgroundFetch *prometheus.CounterVec
	migration       *prometheus.CounterVec
	notifications   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_fetch_success_total",
			Help: "フィードフェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_fetch_fail_total",
			Help: "理由別のフィードフェッチ失敗の合計数",
		}, []string{"reason"}),
		parseFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_parse_fail_total",
			Help: "フィードパース失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedsync_fetch_latency_seconds",
			Help:    "フィードフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		feedsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_feeds_skipped_total",
			Help: "待機期間中のため取得を見送ったフィードの合計数",
		}),
		articles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_articles_total",
			Help: "更新処理で新規作成または変更された記事の合計数",
		}, []string{"kind"}),
		updateCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedsync_update_cycle_seconds",
			Help:    "更新サイクル全体の所要時間（秒）",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		backgroundFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_background_fetch_total",
			Help: "結果別のバックグラウンドフェッチ回数",
		}, []string{"outcome"}),
		migration: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_migration_records_total",
			Help: "ストレージ移行で処理したフィードの件数",
		}, []string{"result"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_notifications_scheduled_total",
			Help: "登録したローカル通知の合計数",
		}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.parseFail,
		c.httpStatus,
		c.fetchLatency,
		c.feedsSkipped,
		c.articles,
		c.updateCycle,
		c.backgroundFetch,
		c.migration,
		c.notifications,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(feedID string) {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗を記録する。
func (c *Collector) RecordFetchFailure(feedID string, reason string) {
	c.fetchFail.WithLabelValues(reason).Inc()
}

// RecordParseFailure はパース失敗を記録する。
func (c *Collector) RecordParseFailure(feedID string) {
	c.parseFail.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordFeedSkipped は待機期間中のフィードを記録する。
func (c *Collector) RecordFeedSkipped(feedID string) {
	c.feedsSkipped.Inc()
}

// RecordArticles は新規作成・変更された記事数を記録する。
func (c *Collector) RecordArticles(created, changed int) {
	c.articles.WithLabelValues("created").Add(float64(created))
	c.articles.WithLabelValues("changed").Add(float64(changed))
}

// RecordUpdateCycle は更新サイクルの所要時間を記録する。
func (c *Collector) RecordUpdateCycle(duration time.Duration) {
	c.updateCycle.Observe(duration.Seconds())
}

// RecordBackgroundFetch はバックグラウンドフェッチの結果を記録する。
func (c *Collector) RecordBackgroundFetch(outcome string) {
	c.backgroundFetch.WithLabelValues(outcome).Inc()
}

// RecordMigration は移行したフィード数とスキップしたフィード数を記録する。
func (c *Collector) RecordMigration(migrated, skipped int) {
	c.migration.WithLabelValues("migrated").Add(float64(migrated))
	c.migration.WithLabelValues("skipped").Add(float64(skipped))
}

// RecordNotifications は登録した通知数を記録する。
func (c *Collector) RecordNotifications(count int) {
	c.notifications.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordFetchSuccess(string) {}
func (Nop) RecordFetchFailure(string, string) {}
func (Nop) RecordParseFailure(string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordFetchLatency(time.Duration) {}
func (Nop) RecordFeedSkipped(string) {}
func (Nop) RecordArticles(int, int) {}
func (Nop) RecordUpdateCycle(time.Duration) {}
func (Nop) RecordBackgroundFetch(string) {}
func (Nop) RecordMigration(int, int) {}
func (Nop) RecordNotifications(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
