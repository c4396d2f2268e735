package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/tenantlens/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用した資格情報リポジトリ。
// 複数インスタンス構成でリフレッシュ済みトークンを共有するために使用する。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// Get は指定ユーザーの資格情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) Get(ctx context.Context, user model.UserIdentity) (*model.Credential, error) {
	cred := &model.Credential{}
	var expiresAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at
		 FROM credentials
		 WHERE user_identity = $1`,
		string(user),
	).Scan(&cred.AccessToken, &cred.RefreshToken, &expiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	if expiresAt.Valid {
		cred.ExpiresAt = expiresAt.Time.UTC()
	}
	return cred, nil
}

// Set は資格情報をUPSERTする。
func (r *PostgresCredentialRepo) Set(ctx context.Context, user model.UserIdentity, cred model.Credential) error {
	var expiresAt sql.NullTime
	if !cred.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: cred.ExpiresAt.UTC(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (user_identity, access_token, refresh_token, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (user_identity) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = now()`,
		string(user), cred.AccessToken, cred.RefreshToken, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// Delete は資格情報を削除する。
func (r *PostgresCredentialRepo) Delete(ctx context.Context, user model.UserIdentity) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_identity = $1`,
		string(user),
	)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
