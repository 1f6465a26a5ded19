package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// NewRecoveryMiddleware はハンドラのpanicを回復し、WriteSyncErrorでエラーレスポンスを返す。
// panicの値がSyncErrorならその分類のステータスを使い、それ以外は500を返す。
// レスポンスを書き始めた後のpanicはログだけを記録する。
// http.ErrAbortHandlerは回復せずそのまま再送出する。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err := panicError(rec)
				logger.Error("ハンドラでpanicが発生しました",
					slog.String("error", err.Error()),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Bool("response_started", sr.written),
					slog.String("stack", string(debug.Stack())),
				)
				if !sr.written {
					WriteSyncError(sr, err)
				}
			}()
			next.ServeHTTP(sr, r)
		})
	}
}

func panicError(rec any) error {
	if err, ok := rec.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", rec)
}
