// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string `json:"code"`     // エラーコード
	Message  string `json:"message"`  // エラーメッセージ
	Category string `json:"category"` // カテゴリ: auth, tenant, system
	Action   string `json:"action"`   // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNotAuthenticated    = "NOT_AUTHENTICATED"
	ErrCodeRefreshFailed       = "REFRESH_FAILED"
	ErrCodeConnectionsFailed   = "CONNECTIONS_FAILED"
	ErrCodeNoAuthorizedTenants = "NO_AUTHORIZED_TENANTS"
	ErrCodeTenantFetchFailed   = "TENANT_FETCH_FAILED"
	ErrCodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	ErrCodeCSRFInvalid         = "CSRF_INVALID"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

var (
	// ErrNotAuthenticated は資格情報がストアに存在しないことを表す。
	// 呼び出し元は再サインインを要求する。
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrRefreshFailed は資格情報のリフレッシュに失敗したことを表す。
	// 黙ってリトライせず、ErrNotAuthenticatedと同様にセッションを無効化する。
	ErrRefreshFailed = errors.New("credential refresh failed")

	// ErrCredentialRejected はIdPがリフレッシュトークンを拒否したことを表す。
	// ErrRefreshFailedを細分化したもので、この場合ストアは資格情報を破棄する。
	ErrCredentialRejected = errors.New("credential rejected by identity provider")

	// ErrNoAuthorizedTenants はアクセス可能なテナントが1件もないことを表す。
	// エラーではなく、表示層が区別して扱う終端状態。
	ErrNoAuthorizedTenants = errors.New("no authorized tenants")
)

// TenantFetchErrorの失敗理由
const (
	FetchReasonTimeout       = "timeout"
	FetchReasonNetwork       = "network"
	FetchReasonHTTPStatus    = "http_status"
	FetchReasonMalformedBody = "malformed_body"
	FetchReasonAPIStatus     = "api_status"
)

// TenantFetchError は1テナント分の下流API呼び出しの失敗を表す。
// 集約処理は他テナントの処理を継続し、該当スロットにこのエラーを記録する。
type TenantFetchError struct {
	TenantID uuid.UUID
	Reason   string
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *TenantFetchError) Error() string {
	return fmt.Sprintf("tenant %s fetch failed (%s): %v", e.TenantID, e.Reason, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *TenantFetchError) Unwrap() error {
	return e.Err
}

// NewNotAuthenticatedError は未認証エラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "サインインが必要です。",
		Category: "auth",
		Action:   "もう一度サインインしてください。",
	}
}

// NewRefreshFailedError は資格情報のリフレッシュ失敗エラーを生成する。
func NewRefreshFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeRefreshFailed,
		Message:  "認証情報の有効期限が切れたか、取り消されました。",
		Category: "auth",
		Action:   "もう一度サインインしてください。",
	}
}

// NewConnectionsFailedError はテナント接続一覧の取得失敗エラーを生成する。
func NewConnectionsFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeConnectionsFailed,
		Message:  "アクセス可能なテナントの一覧を取得できませんでした。",
		Category: "tenant",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewNoAuthorizedTenantsError はアクセス可能なテナントがない状態の表示用メッセージを生成する。
// 認証失敗とは区別し、200レスポンスに添えて返す。
func NewNoAuthorizedTenantsError() *APIError {
	return &APIError{
		Code:     ErrCodeNoAuthorizedTenants,
		Message:  "アクセス可能なPractice Managerの組織がありません。",
		Category: "tenant",
		Action:   "組織の管理者にアクセス権の付与を依頼してください。",
	}
}

// NewTenantFetchFailedError は1テナント分の取得失敗を表示用に変換する。
func NewTenantFetchFailedError(tenantID uuid.UUID) *APIError {
	return &APIError{
		Code:     ErrCodeTenantFetchFailed,
		Message:  fmt.Sprintf("テナントのクライアント一覧を取得できませんでした: %s", tenantID),
		Category: "tenant",
		Action:   "他のテナントの結果は表示されています。しばらく待ってから再読み込みしてください。",
	}
}

// NewRateLimitExceededError はレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewCSRFInvalidError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "リクエストを検証できませんでした。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInvalidRequestError は不正なリクエストのエラーを生成する。
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  message,
		Category: "auth",
		Action:   "もう一度サインインからやり直してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
