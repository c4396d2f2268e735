package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/tenantlens/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// CredentialAPIError は資格情報の取得失敗をセッション破棄用のAPIエラーに変換する。
// ストレージ障害などセッションを破棄すべきでないエラーの場合はnilを返す。
func CredentialAPIError(err error) *model.APIError {
	switch {
	case errors.Is(err, model.ErrRefreshFailed):
		return model.NewRefreshFailedError()
	case errors.Is(err, model.ErrNotAuthenticated):
		return model.NewNotAuthenticatedError()
	default:
		return nil
	}
}
