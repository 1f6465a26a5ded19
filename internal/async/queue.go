// Package async は直列実行キューと一度だけ解決されるFutureを提供する。
//
// ストレージI/Oはバックグラウンドキューで、コールバックと購読者通知は
// メインキューで実行する。
package async

import (
	"log/slog"
	"sync"
)

// Executor は関数を非同期に実行する実行コンテキスト。
type Executor interface {
	Submit(fn func())
}

// Queue は投入された関数を1つのゴルーチンで順番に実行する直列キュー。
// 投入はブロックしないため、キュー上のタスクから同じキューへ投入してもデッドロックしない。
type Queue struct {
	name   string
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

// NewQueue は直列キューを生成し、実行ゴルーチンを開始する。
func NewQueue(name string) *Queue {
	q := &Queue{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Name はキュー名を返す。
func (q *Queue) Name() string { return q.name }

// Submit は関数をキューの末尾に追加する。Close後の投入は破棄される。
func (q *Queue) Submit(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		slog.Warn("停止済みキューへの投入を破棄しました", slog.String("queue", q.name))
		return
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
}

// Close は新規投入を止め、投入済みのタスクをすべて実行してから戻る。
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Signal()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(fn)
	}
}

func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("キュー上のタスクがpanicしました",
				slog.String("queue", q.name),
				slog.Any("panic", r),
			)
		}
	}()
	fn()
}

// Inline は投入された関数をその場で実行するExecutor。テストや単純なCLIで使う。
type Inline struct{}

// Submit は関数を呼び出し元のゴルーチンで実行する。
func (Inline) Submit(fn func()) { fn() }
