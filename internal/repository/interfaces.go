// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/tenantlens/internal/model"
)

// CredentialRepository はユーザーごとのOAuth2資格情報の永続化インターフェース。
// 1ユーザーにつき最大1件を保持する。排他制御は呼び出し側（credential.Store）が行う。
type CredentialRepository interface {
	// Get は指定ユーザーの資格情報を取得する。見つからない場合はnilを返す。
	Get(ctx context.Context, user model.UserIdentity) (*model.Credential, error)

	// Set は資格情報を保存する。既存のエントリは置き換える。
	Set(ctx context.Context, user model.UserIdentity, cred model.Credential) error

	// Delete は資格情報を削除する。存在しない場合も成功とする。
	Delete(ctx context.Context, user model.UserIdentity) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, user model.UserIdentity) error
	// DeleteExpired はbefore時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
