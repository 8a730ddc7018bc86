// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string            // エラーコード
	Message  string            // エラーメッセージ
	Category string            // カテゴリ: auth, validation, opportunity, signup, system
	Action   string            // ユーザー向け対処方法
	Details  map[string]string // 補足情報（フィールドエラー、遷移元/遷移先など）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Retryable は呼び出し側が自動リトライしてよいエラーかどうかを返す。
// ロック競合（BUSY）のみがリトライ可能。
func (e *APIError) Retryable() bool {
	return e.Code == ErrCodeBusy
}

// 定義済みエラーコード
const (
	ErrCodeOpportunityNotFound = "OPPORTUNITY_NOT_FOUND"
	ErrCodeSignupNotFound      = "SIGNUP_NOT_FOUND"
	ErrCodeVolunteerNotFound   = "VOLUNTEER_NOT_FOUND"
	ErrCodeNotOpen             = "NOT_OPEN"
	ErrCodeDuplicateSignup     = "DUPLICATE_SIGNUP"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeBusy                = "BUSY"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewOpportunityNotFoundError は奉仕募集が見つからない場合のエラーを生成する。
// 論理削除済み（is_active=false）の募集も同じエラーになる。
func NewOpportunityNotFoundError(opportunityID string) *APIError {
	return &APIError{
		Code:     ErrCodeOpportunityNotFound,
		Message:  fmt.Sprintf("指定された奉仕募集が見つかりません: %s", opportunityID),
		Category: "opportunity",
		Action:   "募集IDを確認してください。",
	}
}

// NewSignupNotFoundError は申込が見つからない場合のエラーを生成する。
func NewSignupNotFoundError(signupID string) *APIError {
	return &APIError{
		Code:     ErrCodeSignupNotFound,
		Message:  fmt.Sprintf("指定された申込が見つかりません: %s", signupID),
		Category: "signup",
		Action:   "申込IDと募集IDの組み合わせを確認してください。",
	}
}

// NewVolunteerNotFoundError はボランティア情報が見つからない場合のエラーを生成する。
func NewVolunteerNotFoundError(volunteerID string) *APIError {
	return &APIError{
		Code:     ErrCodeVolunteerNotFound,
		Message:  fmt.Sprintf("ボランティア情報が見つかりません: %s", volunteerID),
		Category: "signup",
		Action:   "メンバー情報にスキルと希望ミニストリーが登録されているか確認してください。",
	}
}

// NewNotOpenError は募集が受付中でない場合のエラーを生成する。
func NewNotOpenError(status OpportunityStatus) *APIError {
	return &APIError{
		Code:     ErrCodeNotOpen,
		Message:  fmt.Sprintf("この奉仕募集は現在受付していません（状態: %s）。", status),
		Category: "opportunity",
		Action:   "受付中の別の募集を選んでください。",
	}
}

// NewDuplicateSignupError は有効な申込が既に存在する場合のエラーを生成する。
func NewDuplicateSignupError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateSignup,
		Message:  "この募集（同じ日程）には既に申し込んでいます。",
		Category: "signup",
		Action:   "申込状況を確認してください。別の日程であれば日付を指定して申し込めます。",
	}
}

// NewInvalidTransitionError は状態遷移が許可されていない場合のエラーを生成する。
// 現在の状態と要求された状態を必ず含める。
func NewInvalidTransitionError(current, requested SignupStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("申込の状態を %s から %s に変更することはできません。", current, requested),
		Category: "signup",
		Action:   "申込の現在の状態を確認してから操作してください。",
		Details: map[string]string{
			"current":   string(current),
			"requested": string(requested),
		},
	}
}

// NewValidationError はリクエスト内容が不正な場合のエラーを生成する。
// fieldsにはフィールド名ごとのエラー内容を渡す（nil可）。
func NewValidationError(message string, fields map[string]string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "入力内容を修正して再度送信してください。",
		Details:  fields,
	}
}

// NewInvalidRequestError はリクエストボディの解析に失敗した場合のエラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewForbiddenError は操作権限がない場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "募集のコーディネーターまたは管理者に依頼してください。",
	}
}

// NewUnauthorizedError は認証情報がない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewBusyError は同じ募集への操作が混み合っている場合のエラーを生成する。
// 業務エラーとは区別され、呼び出し側は自動リトライしてよい。
func NewBusyError(opportunityID string) *APIError {
	return &APIError{
		Code:     ErrCodeBusy,
		Message:  fmt.Sprintf("奉仕募集への申込処理が混み合っています: %s", opportunityID),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はリクエスト数が上限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーの統一レスポンスを生成する。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
