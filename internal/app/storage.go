package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/tenantlens/internal/config"
	"github.com/hitoshi/tenantlens/internal/database"
	"github.com/hitoshi/tenantlens/internal/handler"
	"github.com/hitoshi/tenantlens/internal/repository"
)

// storage はSTORAGE_BACKENDに応じて選択した資格情報・セッションの保存先。
type storage struct {
	backend     string
	credentials repository.CredentialRepository
	sessions    repository.SessionRepository
	health      handler.HealthCheckFunc
	close       func() error
}

// openStorage は設定されたバックエンドに接続し、リポジトリを生成する。
func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established",
			slog.String("database_url", database.RedactURL(cfg.DatabaseURL)),
		)
		return &storage{
			backend:     cfg.StorageBackend,
			credentials: repository.NewPostgresCredentialRepo(db),
			sessions:    repository.NewPostgresSessionRepo(db),
			health:      db.PingContext,
			close:       db.Close,
		}, nil

	case config.StorageRedis:
		client, err := database.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		slog.Info("redis connection established",
			slog.String("redis_url", database.RedactURL(cfg.RedisURL)),
		)
		return &storage{
			backend:     cfg.StorageBackend,
			credentials: repository.NewRedisCredentialRepo(client),
			sessions:    repository.NewRedisSessionRepo(client),
			health: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
			close: client.Close,
		}, nil

	case config.StorageMemory, "":
		slog.Warn("using in-memory storage; credentials and sessions are lost on restart")
		return &storage{
			backend:     config.StorageMemory,
			credentials: repository.NewMemoryCredentialRepo(),
			sessions:    repository.NewMemorySessionRepo(),
			close:       func() error { return nil },
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.StorageBackend)
	}
}

// sharedSessions はセッションが別プロセスから参照できるバックエンドかを返す。
func (s *storage) sharedSessions() bool {
	return s.backend != config.StorageMemory
}
