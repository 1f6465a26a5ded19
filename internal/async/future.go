package async

import (
	"context"
	"sync"
)

// Future は一度だけ解決される非同期処理の結果。
// Thenで登録したコールバックは生成時に指定したExecutor上で呼ばれる。
type Future[T any] struct {
	exec      Executor
	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	value     T
	err       error
	callbacks []func(T, error)
}

// Promise はFutureを解決する側のハンドル。
type Promise[T any] struct {
	f *Future[T]
}

// NewPromise はコールバックをexec上で配送するPromiseを生成する。
// execがnilの場合、コールバックは解決したゴルーチンで直接呼ばれる。
func NewPromise[T any](exec Executor) *Promise[T] {
	return &Promise[T]{f: &Future[T]{exec: exec, done: make(chan struct{})}}
}

// Resolved は解決済みのFutureを返す。
func Resolved[T any](exec Executor, v T, err error) *Future[T] {
	p := NewPromise[T](exec)
	p.Complete(v, err)
	return p.Future()
}

// Future は対応するFutureを返す。
func (p *Promise[T]) Future() *Future[T] { return p.f }

// Resolve は値でFutureを解決する。既に解決済みならfalseを返し何もしない。
func (p *Promise[T]) Resolve(v T) bool { return p.f.complete(v, nil) }

// Reject はエラーでFutureを解決する。既に解決済みならfalseを返し何もしない。
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.f.complete(zero, err)
}

// Complete は値とエラーでFutureを解決する。既に解決済みならfalseを返し何もしない。
func (p *Promise[T]) Complete(v T, err error) bool { return p.f.complete(v, err) }

func (f *Future[T]) complete(v T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.value, f.err = v, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		f.dispatch(cb, v, err)
	}
	return true
}

func (f *Future[T]) dispatch(cb func(T, error), v T, err error) {
	if f.exec == nil {
		cb(v, err)
		return
	}
	f.exec.Submit(func() { cb(v, err) })
}

// Then は解決時に呼ばれるコールバックを登録する。解決済みなら直ちに配送する。
func (f *Future[T]) Then(cb func(T, error)) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	f.dispatch(cb, v, err)
}

// Done は解決時にcloseされるチャネルを返す。
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait は解決されるかctxが終了するまで待つ。
// 配送先のキュー上から呼ぶとそのキューを塞ぐため、キュー上では使わないこと。
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
