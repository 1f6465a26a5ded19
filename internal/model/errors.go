// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind は同期処理で発生するエラーの分類。
type ErrorKind string

const (
	// KindNetwork は通信失敗または2xx以外のレスポンス。
	KindNetwork ErrorKind = "network"
	// KindParse はフィード/OPML/HTMLの解析失敗。
	KindParse ErrorKind = "parse"
	// KindStorage はストレージへの書き込み失敗。
	KindStorage ErrorKind = "storage"
	// KindTimeout はバックグラウンドフェッチの期限超過。
	KindTimeout ErrorKind = "timeout"
)

// 定義済みエラーコード
const (
	ErrCodeFetchFailed   = "FETCH_FAILED"
	ErrCodeHTTPStatus    = "HTTP_STATUS"
	ErrCodeParseFailed   = "PARSE_FAILED"
	ErrCodeStorageFailed = "STORAGE_FAILED"
	ErrCodeDeadline      = "DEADLINE_EXCEEDED"
	ErrCodeSSRFBlocked   = "SSRF_BLOCKED"
	ErrCodeInvalidURL    = "INVALID_URL"
)

// SyncError は同期エンジンの統一エラーフォーマットを表す。
// 利用者向けの報告（"フィードを更新できません: <理由>"）に使われる。
type SyncError struct {
	Kind    ErrorKind
	Code    string
	Message string
	// Status は2xx以外のレスポンスを受けた場合のHTTPステータス。
	Status int
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsKind はerrのチェーンに指定種別のSyncErrorが含まれるかを返す。
func IsKind(err error, kind ErrorKind) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// NewNetworkError は通信失敗エラーを生成する。
func NewNetworkError(url string, err error) *SyncError {
	return &SyncError{
		Kind:    KindNetwork,
		Code:    ErrCodeFetchFailed,
		Message: fmt.Sprintf("URLの取得に失敗しました: %s", url),
		Err:     err,
	}
}

// NewHTTPStatusError は2xx以外のレスポンスによるエラーを生成する。
func NewHTTPStatusError(url string, status int) *SyncError {
	return &SyncError{
		Kind:    KindNetwork,
		Code:    ErrCodeHTTPStatus,
		Message: fmt.Sprintf("HTTPステータス %d が返されました: %s", status, url),
		Status:  status,
	}
}

// NewSSRFBlockedError はSSRFポリシーで拒否されたURLのエラーを生成する。
func NewSSRFBlockedError(url string, err error) *SyncError {
	return &SyncError{
		Kind:    KindNetwork,
		Code:    ErrCodeSSRFBlocked,
		Message: fmt.Sprintf("セキュリティポリシーによりアクセスがブロックされました: %s", url),
		Err:     err,
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(url string, err error) *SyncError {
	return &SyncError{
		Kind:    KindNetwork,
		Code:    ErrCodeInvalidURL,
		Message: fmt.Sprintf("無効なURLです: %s", url),
		Err:     err,
	}
}

// NewParseError はパース失敗エラーを生成する。
func NewParseError(source string, err error) *SyncError {
	return &SyncError{
		Kind:    KindParse,
		Code:    ErrCodeParseFailed,
		Message: fmt.Sprintf("ドキュメントの解析に失敗しました: %s", source),
		Err:     err,
	}
}

// NewStorageError はストレージ操作の失敗エラーを生成する。
func NewStorageError(op string, err error) *SyncError {
	return &SyncError{
		Kind:    KindStorage,
		Code:    ErrCodeStorageFailed,
		Message: fmt.Sprintf("ストレージ操作に失敗しました: %s", op),
		Err:     err,
	}
}

// NewTimeoutError はバックグラウンドフェッチの期限超過エラーを生成する。
func NewTimeoutError(err error) *SyncError {
	return &SyncError{
		Kind:    KindTimeout,
		Code:    ErrCodeDeadline,
		Message: "バックグラウンドフェッチの実行期限を超過しました",
		Err:     err,
	}
}
