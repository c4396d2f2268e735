// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tenantlens/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var sessionContextKey = contextKey("session")

// CookieConfig はミドルウェアとハンドラーが発行するCookieの共通属性。
type CookieConfig struct {
	Secure bool
	Domain string
}

// SessionStore はセッションの検索と破棄に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionStore interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	DeleteByID(ctx context.Context, id string) error
}

// CredentialValidator はセッションに紐づく資格情報の有効性を検証する。auth.Guardが実装する。
type CredentialValidator interface {
	Validate(ctx context.Context, user model.UserIdentity) error
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを読み取り、
// セッションと資格情報の両方が有効な場合のみ後続に処理を渡すミドルウェアを返す。
// 資格情報が存在しないかリフレッシュに失敗した場合、セッションを破棄しCookieを消して401を返す。
// 認証済みのセッションをリクエストコンテキストに注入する。資格情報そのものは注入しない。
func NewSessionMiddleware(sessions SessionStore, validator CredentialValidator, cookie CookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie(SessionCookieName)
			if err != nil || c.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
				return
			}

			session, err := sessions.FindByID(r.Context(), c.Value)
			if err != nil {
				slog.Error("failed to find session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if session == nil {
				ClearSessionCookie(w, cookie)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
				return
			}

			noteUser(r.Context(), session.UserIdentity)

			if err := validator.Validate(r.Context(), session.UserIdentity); err != nil {
				apiErr := CredentialAPIError(err)
				if apiErr == nil {
					slog.Error("failed to validate credential",
						slog.String("user", session.UserIdentity.String()),
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}

				if derr := sessions.DeleteByID(r.Context(), session.ID); derr != nil {
					slog.Error("failed to delete rejected session",
						slog.String("error", derr.Error()),
					)
				}
				slog.Info("session rejected",
					slog.String("user", session.UserIdentity.String()),
					slog.String("reason", err.Error()),
				)

				ClearSessionCookie(w, cookie)
				WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
		})
	}
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, cookie CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionFromContext(ctx context.Context) (*model.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*model.Session)
	return session, ok && session != nil
}

// IdentityFromContext はリクエストコンテキストからユーザーIDを取得する。
func IdentityFromContext(ctx context.Context) (model.UserIdentity, error) {
	session, ok := SessionFromContext(ctx)
	if !ok || !session.UserIdentity.Valid() {
		return "", model.ErrNotAuthenticated
	}
	return session.UserIdentity, nil
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}
