package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tenantlens/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger              *slog.Logger
	Sessions            middleware.SessionStore
	CredentialValidator middleware.CredentialValidator
	StatusRecorder      middleware.StatusRecorder
	CORSAllowedOrigin   string
	RateLimiter         *middleware.RateLimiter

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// テナント集約
	Credentials CredentialGetter
	Tenants     TenantLister
	Aggregator  ClientAggregator

	// 運用
	HealthCheck HealthCheckFunc
	Metrics     http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Session → RateLimit(General) → CSRF
//
// /health、/metrics、OAuthフロー（/auth/login, /auth/callback）はセッション検証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cookie := deps.AuthConfig.Cookie

	r.Use(middleware.NewRecoveryMiddleware(deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	clientsHandler := NewClientsHandler(deps.Credentials, deps.Tenants, deps.Aggregator, deps.Sessions, cookie)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthCheck))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", authHandler.Login)
		r.Get("/callback", authHandler.Callback)

		// 資格情報が失効していてもログアウトできるよう、セッション検証は通さない
		r.With(middleware.NewCSRFMiddleware(cookie)).Post("/logout", authHandler.Logout)
	})

	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(cookie).ServeHTTP)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Sessions, deps.CredentialValidator, cookie))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(cookie))

		r.Get("/api/me", authHandler.Me)

		// テナント数に比例して下流呼び出しが発生するため専用のレート制限を追加する
		r.With(deps.RateLimiter.AggregationMiddleware()).Get("/api/clients", clientsHandler.ListClients)
	})

	return r
}
