// Package background はOSの実行期限内にフィード更新を終えるためのバックグラウンドフェッチを提供する。
package background

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedsync/internal/async"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// ErrAlreadyFetching はフェッチ中に再度PerformFetchが呼ばれた場合のエラー。
var ErrAlreadyFetching = errors.New("background fetch already in progress")

// Outcome はバックグラウンドフェッチの結果種別。
type Outcome int

const (
	OutcomeNoData Outcome = iota
	OutcomeNewData
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNewData:
		return "newData"
	case OutcomeFailed:
		return "failed"
	default:
		return "noData"
	}
}

// State はCoordinatorの状態。
type State int

const (
	StateIdle State = iota
	StateFetching
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Result はcompletionに渡される結果。
type Result struct {
	Outcome Outcome
	// Update は更新処理の結果。期限切れの場合は空。
	Update repository.UpdateResult
	Err    error
}

// Refresher は全フィードの更新を開始する。
type Refresher interface {
	UpdateFeeds(ctx context.Context) *async.Future[repository.UpdateResult]
}

// Config はCoordinatorの設定。
type Config struct {
	// Budget はOSから与えられる実行時間。
	Budget time.Duration
	// Margin は期限前に結果を報告するための余裕。
	Margin time.Duration
}

// Coordinator は更新処理にタイマーを掛け、期限前に必ず一度だけ結果を報告する。
type Coordinator struct {
	refresher Refresher
	main      async.Executor
	cfg       Config
	metrics   metrics.MetricsCollector
	logger    *slog.Logger

	mu    sync.Mutex
	state State
}

// New はCoordinatorを生成する。mainはcompletionを呼ぶキュー。
func New(refresher Refresher, main async.Executor, cfg Config, mc metrics.MetricsCollector, logger *slog.Logger) *Coordinator {
	if main == nil {
		main = async.Inline{}
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		refresher: refresher,
		main:      main,
		cfg:       cfg,
		metrics:   mc,
		logger:    logger,
	}
}

// State は現在の状態を返す。
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PerformFetch は全フィードを更新し、結果をcompletionで報告する。
// Budget-Marginが経過しても更新が終わらなければ更新を取り消してOutcomeFailedを報告し、
// その後に届いた結果は捨てる。completionはメインキュー上で必ず一度だけ呼ばれる。
func (c *Coordinator) PerformFetch(ctx context.Context, completion func(Result)) {
	c.mu.Lock()
	if c.state == StateFetching {
		c.mu.Unlock()
		c.logger.Warn("バックグラウンドフェッチが既に実行中です")
		c.metrics.RecordBackgroundFetch(OutcomeFailed.String())
		c.main.Submit(func() { completion(Result{Outcome: OutcomeFailed, Err: ErrAlreadyFetching}) })
		return
	}
	c.state = StateFetching
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	start := time.Now()

	var once sync.Once
	finish := func(res Result) {
		once.Do(func() {
			cancel()
			c.mu.Lock()
			if res.Outcome == OutcomeFailed {
				c.state = StateFailed
			} else {
				c.state = StateCompleted
			}
			c.mu.Unlock()

			c.metrics.RecordBackgroundFetch(res.Outcome.String())
			c.logger.Info("バックグラウンドフェッチが終了しました",
				slog.String("outcome", res.Outcome.String()),
				slog.Duration("elapsed", time.Since(start)),
			)
			c.main.Submit(func() { completion(res) })
		})
	}

	timer := time.AfterFunc(max(c.cfg.Budget-c.cfg.Margin, 0), func() {
		err := model.NewTimeoutError(context.DeadlineExceeded)
		c.logger.Warn("バックグラウンドフェッチが期限内に終わりませんでした",
			slog.Duration("budget", c.cfg.Budget),
			slog.String("error", err.Error()),
		)
		finish(Result{Outcome: OutcomeFailed, Err: err})
	})

	future := c.refresher.UpdateFeeds(ctx)
	go func() {
		update, err := future.Wait(ctx)
		timer.Stop()
		if err != nil {
			finish(Result{Outcome: OutcomeFailed, Err: model.NewTimeoutError(err)})
			return
		}
		finish(outcomeOf(update))
	}()
}

func outcomeOf(update repository.UpdateResult) Result {
	switch {
	case len(update.Errors) > 0:
		return Result{Outcome: OutcomeFailed, Update: update, Err: update.Err()}
	case update.HasNewData():
		return Result{Outcome: OutcomeNewData, Update: update}
	default:
		return Result{Outcome: OutcomeNoData, Update: update}
	}
}
