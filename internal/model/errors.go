// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, directory, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeStateMismatch     = "STATE_MISMATCH"
	ErrCodeProviderAuthError = "PROVIDER_AUTH_ERROR"
	ErrCodeUserSyncFailed    = "USER_SYNC_FAILED"
	ErrCodeUserNotFound      = "USER_NOT_FOUND"
	ErrCodeMissingField      = "MISSING_FIELD"
	ErrCodeDirectoryError    = "DIRECTORY_ERROR"
	ErrCodeForbidden         = "FORBIDDEN"
)

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUserSyncFailedError はIdPクレームとローカルユーザーの同期に失敗した場合のエラーを生成する。
func NewUserSyncFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeUserSyncFailed,
		Message:  "ユーザー情報の同期に失敗しました。",
		Category: "auth",
		Action:   "しばらく待ってから再度ログインしてください。",
	}
}

// NewMissingFieldError は必須フィールド未指定エラーを生成する。
func NewMissingFieldError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingField,
		Message:  fmt.Sprintf("必須フィールドが指定されていません: %s", field),
		Category: "validation",
		Action:   "すべての必須フィールドを入力してください。",
	}
}

// NewDirectoryError はGraph APIがエラーを返した場合のエラーを生成する。
// プロバイダーのエラーメッセージをそのまま保持する。
func NewDirectoryError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeDirectoryError,
		Message:  message,
		Category: "directory",
		Action:   "入力内容を確認し、再度お試しください。",
	}
}

// NewForbiddenError はディレクトリ管理者権限がない場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作にはディレクトリ管理者権限が必要です。",
		Category: "auth",
		Action:   "管理者アカウントでログインしてください。",
	}
}
