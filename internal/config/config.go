package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ストレージバックエンドの種類。
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StorageBackend string `validate:"oneof=memory postgres redis"`
	DatabaseURL    string `validate:"required_if=StorageBackend postgres"`
	RedisURL       string `validate:"required_if=StorageBackend redis"`

	// Identity provider
	IDPClientID     string `validate:"required"`
	IDPClientSecret string `validate:"required"`
	IDPRedirectURL  string `validate:"required,url"`
	IDPAuthURL      string `validate:"omitempty,url"`
	IDPTokenURL     string `validate:"omitempty,url"`
	IDPIssuer       string
	IDPJWKSURL      string `validate:"omitempty,url"`
	IDPScopes       []string
	IDPSubjectClaim string

	// Credential
	CredentialRefreshMargin  time.Duration `validate:"gte=0"`
	CredentialRefreshTimeout time.Duration `validate:"gt=0"`

	// Tenant
	ConnectionsURL           string `validate:"omitempty,url"`
	TenantAPIBaseURL         string `validate:"omitempty,url"`
	TenantType               string `validate:"required"`
	TenantIDHeader           string `validate:"required"`
	TenantFetchTimeout       time.Duration `validate:"gt=0"`
	TenantFetchMaxConcurrent int           `validate:"gt=0"`

	// Session
	SessionMaxAge          int           `validate:"gt=0"`
	SessionCleanupInterval time.Duration `validate:"gt=0"`

	// Rate Limit
	RateLimitGeneral int `validate:"gt=0"`

	// Logging
	LogLevel string `validate:"oneof=debug info warn error"`

	// Server
	ServerPort string `validate:"required,numeric"`
	BaseURL    string `validate:"required,url"`

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// http/ループバックのIdP・APIエンドポイントを許可する（ローカル開発用）
	AllowInsecureEndpoints bool
}

var validate = validator.New()

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.IDPClientID = os.Getenv("IDP_CLIENT_ID")
	if cfg.IDPClientID == "" {
		missing = append(missing, "IDP_CLIENT_ID")
	}

	cfg.IDPClientSecret = os.Getenv("IDP_CLIENT_SECRET")
	if cfg.IDPClientSecret == "" {
		missing = append(missing, "IDP_CLIENT_SECRET")
	}

	cfg.IDPRedirectURL = os.Getenv("IDP_REDIRECT_URL")
	if cfg.IDPRedirectURL == "" {
		missing = append(missing, "IDP_REDIRECT_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.StorageBackend = strings.ToLower(getEnvString("STORAGE_BACKEND", StorageMemory))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StorageBackend == StoragePostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.StorageBackend == StorageRedis && cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.IDPAuthURL = os.Getenv("IDP_AUTH_URL")
	cfg.IDPTokenURL = os.Getenv("IDP_TOKEN_URL")
	cfg.IDPIssuer = os.Getenv("IDP_ISSUER")
	cfg.IDPJWKSURL = os.Getenv("IDP_JWKS_URL")
	cfg.IDPScopes = strings.Fields(os.Getenv("IDP_SCOPES"))
	cfg.IDPSubjectClaim = os.Getenv("IDP_SUBJECT_CLAIM")
	cfg.CredentialRefreshMargin = getEnvDuration("CREDENTIAL_REFRESH_MARGIN", 60*time.Second)
	cfg.CredentialRefreshTimeout = getEnvDuration("CREDENTIAL_REFRESH_TIMEOUT", 30*time.Second)
	cfg.ConnectionsURL = os.Getenv("CONNECTIONS_URL")
	cfg.TenantAPIBaseURL = os.Getenv("TENANT_API_BASE_URL")
	cfg.TenantType = getEnvString("TENANT_TYPE", "PRACTICEMANAGER")
	cfg.TenantIDHeader = getEnvString("TENANT_ID_HEADER", "Xero-Tenant-Id")
	cfg.TenantFetchTimeout = getEnvDuration("TENANT_FETCH_TIMEOUT", 30*time.Second)
	cfg.TenantFetchMaxConcurrent = getEnvInt("TENANT_FETCH_MAX_CONCURRENT", 4)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.AllowInsecureEndpoints = getEnvBool("ALLOW_INSECURE_ENDPOINTS", false)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は構造体タグに従って設定値を検証する。
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	invalid := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		invalid = append(invalid, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(invalid, ", "))
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
