package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/tenantlens/internal/auth"
	"github.com/hitoshi/tenantlens/internal/config"
	"github.com/hitoshi/tenantlens/internal/credential"
	"github.com/hitoshi/tenantlens/internal/database"
	"github.com/hitoshi/tenantlens/internal/handler"
	"github.com/hitoshi/tenantlens/internal/logger"
	"github.com/hitoshi/tenantlens/internal/metrics"
	"github.com/hitoshi/tenantlens/internal/middleware"
	"github.com/hitoshi/tenantlens/internal/security"
	"github.com/hitoshi/tenantlens/internal/tenant"
	"github.com/hitoshi/tenantlens/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 検証済みのログレベルで再設定する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, known := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	if !known {
		slog.Warn("unknown command, falling back to serve", slog.String("arg", args[0]))
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("storage_backend", cfg.StorageBackend),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// validateEndpoints は設定された外部エンドポイントを起動時に検証する。
// 未設定のものは組み込みのデフォルト（https）が使われるため検証しない。
func validateEndpoints(cfg *config.Config) error {
	endpoints := map[string]string{
		"IDP_AUTH_URL":        cfg.IDPAuthURL,
		"IDP_TOKEN_URL":       cfg.IDPTokenURL,
		"IDP_JWKS_URL":        cfg.IDPJWKSURL,
		"CONNECTIONS_URL":     cfg.ConnectionsURL,
		"TENANT_API_BASE_URL": cfg.TenantAPIBaseURL,
	}
	for name, url := range endpoints {
		if url == "" {
			continue
		}
		if err := security.ValidateEndpoint(url, cfg.AllowInsecureEndpoints); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// newRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// buildRouter は設定とストレージから全依存関係をワイヤリングしたルーターを構築する。
// 戻り値のstopはバックグラウンド処理を停止する。
func buildRouter(cfg *config.Config, st *storage) (http.Handler, func(), error) {
	if err := validateEndpoints(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid endpoint configuration: %w", err)
	}

	reg, collector := newRegistry()

	// 1. 外部通信用HTTPクライアント
	idpClient := security.NewOutboundClient(cfg.CredentialRefreshTimeout, cfg.AllowInsecureEndpoints)
	tenantClient := security.NewOutboundClient(cfg.TenantFetchTimeout, cfg.AllowInsecureEndpoints)

	// 2. 認証と資格情報
	provider := auth.NewOIDCProvider(auth.OIDCConfig{
		ClientID:      cfg.IDPClientID,
		ClientSecret:  cfg.IDPClientSecret,
		RedirectURL:   cfg.IDPRedirectURL,
		Scopes:        cfg.IDPScopes,
		SubjectClaim:  cfg.IDPSubjectClaim,
		RefreshMargin: cfg.CredentialRefreshMargin,
		AuthURL:       cfg.IDPAuthURL,
		TokenURL:      cfg.IDPTokenURL,
		Issuer:        cfg.IDPIssuer,
		JWKSURL:       cfg.IDPJWKSURL,
		HTTPClient:    idpClient,
	})

	store := credential.NewStore(st.credentials, provider, slog.Default(), collector)
	store.RefreshTimeout = cfg.CredentialRefreshTimeout

	guard := auth.NewGuard(store, collector)
	authService := auth.NewService(provider, store, st.sessions, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
	})

	// 3. テナント解決と集約
	resolver := tenant.NewResolver(
		tenant.NewConnectionsClient(cfg.ConnectionsURL, tenantClient),
		cfg.TenantType,
	)
	clientAPI := tenant.NewClientAPI(cfg.TenantAPIBaseURL, cfg.TenantIDHeader, tenantClient, security.NewTextSanitizer())
	aggregator := tenant.NewAggregator(clientAPI, slog.Default(), collector)
	aggregator.Timeout = cfg.TenantFetchTimeout
	aggregator.MaxConcurrent = cfg.TenantFetchMaxConcurrent

	// 4. ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral))
	stops := []func(){provider.Close, rateLimiter.Stop}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:              slog.Default(),
		Sessions:            st.sessions,
		CredentialValidator: guard,
		StatusRecorder:      collector,
		CORSAllowedOrigin:   cfg.CORSAllowedOrigin,
		RateLimiter:         rateLimiter,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL: cfg.BaseURL,
			Cookie: middleware.CookieConfig{
				Secure: cfg.CookieSecure,
				Domain: cfg.CookieDomain,
			},
			SessionMaxAge: cfg.SessionMaxAge,
		},

		Credentials: store,
		Tenants:     resolver,
		Aggregator:  aggregator,

		HealthCheck: st.health,
		Metrics:     metrics.SetupMetricsRoute(reg),
	})

	// インメモリのセッションはworkerプロセスから見えないため、サーバー内で掃除する
	if !st.sharedSessions() {
		ctx, cancel := context.WithCancel(context.Background())
		job := cleanup.NewCleanupJob(st.sessions, slog.Default(), collector)
		go job.Start(ctx, cfg.SessionCleanupInterval)
		stops = append(stops, cancel)
	}

	stop := func() {
		for _, s := range stops {
			s()
		}
	}
	return router, stop, nil
}

// runServe はAPIサーバーモードで起動する。
// ストレージに接続し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	st, err := openStorage(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer st.close()

	router, stopBackground, err := buildRouter(cfg, st)
	if err != nil {
		return err
	}
	defer stopBackground()

	// 集約APIはテナント数に応じて時間がかかるため、書き込みタイムアウトはフェッチタイムアウトより長くする
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.TenantFetchTimeout + cfg.CredentialRefreshTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-stop:
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 共有ストレージ上の期限切れセッションを定期的に削除する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	st, err := openStorage(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer st.close()

	if !st.sharedSessions() {
		return fmt.Errorf("worker requires a shared storage backend (postgres or redis), got %q", cfg.StorageBackend)
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	_, collector := newRegistry()
	job := cleanup.NewCleanupJob(st.sessions, slog.Default(), collector)

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StorageBackend != config.StoragePostgres {
		return fmt.Errorf("migrate requires STORAGE_BACKEND=postgres, got %q", cfg.StorageBackend)
	}

	slog.Info("running database migrations",
		slog.String("database_url", database.RedactURL(cfg.DatabaseURL)),
	)

	result, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if !result.Changed() {
		slog.Info("database schema is up to date",
			slog.Uint64("version", uint64(result.To)),
		)
		return nil
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("from", uint64(result.From)),
		slog.Uint64("to", uint64(result.To)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
