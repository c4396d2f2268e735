package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/tenantlens/internal/model"
)

const (
	redisCredentialPrefix  = "tenantlens:credential:"
	redisSessionPrefix     = "tenantlens:session:"
	redisUserSessionPrefix = "tenantlens:user_sessions:"
)

// RedisCredentialRepo はRedisハッシュを使用した資格情報リポジトリ。
type RedisCredentialRepo struct {
	client redis.UniversalClient
}

// NewRedisCredentialRepo はRedisCredentialRepoを生成する。
func NewRedisCredentialRepo(client redis.UniversalClient) *RedisCredentialRepo {
	return &RedisCredentialRepo{client: client}
}

// Get は指定ユーザーの資格情報を取得する。見つからない場合はnilを返す。
func (r *RedisCredentialRepo) Get(ctx context.Context, user model.UserIdentity) (*model.Credential, error) {
	fields, err := r.client.HGetAll(ctx, redisCredentialPrefix+string(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	cred := &model.Credential{
		AccessToken:  fields["access_token"],
		RefreshToken: fields["refresh_token"],
	}
	if v := fields["expires_at"]; v != "" {
		unix, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse credential expiry: %w", err)
		}
		cred.ExpiresAt = time.Unix(0, unix).UTC()
	}
	return cred, nil
}

// Set は資格情報を保存する。ハッシュ全体をトランザクション内で置き換える。
func (r *RedisCredentialRepo) Set(ctx context.Context, user model.UserIdentity, cred model.Credential) error {
	key := redisCredentialPrefix + string(user)
	expiresAt := ""
	if !cred.ExpiresAt.IsZero() {
		expiresAt = strconv.FormatInt(cred.ExpiresAt.UnixNano(), 10)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"access_token", cred.AccessToken,
			"refresh_token", cred.RefreshToken,
			"expires_at", expiresAt,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set credential: %w", err)
	}
	return nil
}

// Delete は資格情報を削除する。
func (r *RedisCredentialRepo) Delete(ctx context.Context, user model.UserIdentity) error {
	if err := r.client.Del(ctx, redisCredentialPrefix+string(user)).Err(); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// redisSession はRedisに保存するセッションのJSON表現。
type redisSession struct {
	ID           string    `json:"id"`
	UserIdentity string    `json:"user_identity"`
	DisplayName  string    `json:"display_name"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// RedisSessionRepo はRedisを使用したセッションリポジトリ。
// 期限切れのキーはRedisのTTLで失効する。
type RedisSessionRepo struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisSessionRepo はRedisSessionRepoを生成する。
func NewRedisSessionRepo(client redis.UniversalClient) *RedisSessionRepo {
	return &RedisSessionRepo{client: client, now: time.Now}
}

// Create はセッションを作成する。
func (r *RedisSessionRepo) Create(ctx context.Context, session *model.Session) error {
	ttl := session.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return fmt.Errorf("failed to create session: already expired")
	}

	data, err := json.Marshal(redisSession{
		ID:           session.ID,
		UserIdentity: string(session.UserIdentity),
		DisplayName:  session.DisplayName,
		ExpiresAt:    session.ExpiresAt,
		CreatedAt:    session.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	userKey := redisUserSessionPrefix + string(session.UserIdentity)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisSessionPrefix+session.ID, data, ttl)
		pipe.SAdd(ctx, userKey, session.ID)
		pipe.ExpireGT(ctx, userKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *RedisSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	data, err := r.client.Get(ctx, redisSessionPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	var rs redisSession
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}

	session := &model.Session{
		ID:           rs.ID,
		UserIdentity: model.UserIdentity(rs.UserIdentity),
		DisplayName:  rs.DisplayName,
		ExpiresAt:    rs.ExpiresAt,
		CreatedAt:    rs.CreatedAt,
	}
	if session.Expired(r.now()) {
		return nil, nil
	}
	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *RedisSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, redisSessionPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *RedisSessionRepo) DeleteByUserID(ctx context.Context, user model.UserIdentity) error {
	userKey := redisUserSessionPrefix + string(user)
	ids, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list user sessions: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, redisSessionPrefix+id)
	}
	keys = append(keys, userKey)

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// DeleteExpired はRedisのTTLに任せるため何もしない。
func (r *RedisSessionRepo) DeleteExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// compile-time interface check
var (
	_ CredentialRepository = (*RedisCredentialRepo)(nil)
	_ SessionRepository    = (*RedisSessionRepo)(nil)
)
