package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/feedsync/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, body ErrorResponseBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteSyncError はエラーの分類に応じたステータスでレスポンスを書き込む。
// SyncError以外のエラーは内部エラーとして扱い、詳細は返さない。
func WriteSyncError(w http.ResponseWriter, err error) {
	var se *model.SyncError
	if !errors.As(err, &se) {
		WriteInternalServerError(w)
		return
	}

	status := http.StatusInternalServerError
	switch se.Kind {
	case model.KindNetwork:
		status = http.StatusBadGateway
	case model.KindParse:
		status = http.StatusUnprocessableEntity
	case model.KindTimeout:
		status = http.StatusGatewayTimeout
	}

	WriteErrorResponse(w, status, ErrorResponseBody{
		Code:    se.Code,
		Message: se.Message,
		Kind:    string(se.Kind),
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, ErrorResponseBody{
		Code:    "INTERNAL_ERROR",
		Message: "内部エラーが発生しました。",
	})
}
