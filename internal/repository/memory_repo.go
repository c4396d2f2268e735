package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/tenantlens/internal/model"
)

// MemoryCredentialRepo はプロセス内マップを使用した資格情報リポジトリ。
// 単一インスタンス構成（STORAGE_BACKEND=memory）のデフォルト。
type MemoryCredentialRepo struct {
	mu    sync.RWMutex
	creds map[model.UserIdentity]model.Credential
}

// NewMemoryCredentialRepo はMemoryCredentialRepoを生成する。
func NewMemoryCredentialRepo() *MemoryCredentialRepo {
	return &MemoryCredentialRepo{
		creds: make(map[model.UserIdentity]model.Credential),
	}
}

// Get は指定ユーザーの資格情報を取得する。見つからない場合はnilを返す。
func (r *MemoryCredentialRepo) Get(_ context.Context, user model.UserIdentity) (*model.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cred, ok := r.creds[user]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

// Set は資格情報を保存する。
func (r *MemoryCredentialRepo) Set(_ context.Context, user model.UserIdentity, cred model.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.creds[user] = cred
	return nil
}

// Delete は資格情報を削除する。
func (r *MemoryCredentialRepo) Delete(_ context.Context, user model.UserIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.creds, user)
	return nil
}

// MemorySessionRepo はプロセス内マップを使用したセッションリポジトリ。
type MemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	now      func() time.Time
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{
		sessions: make(map[string]model.Session),
		now:      time.Now,
	}
}

// Create はセッションを作成する。
func (r *MemorySessionRepo) Create(_ context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[session.ID] = *session
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *MemorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok || session.Expired(r.now()) {
		return nil, nil
	}
	return &session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *MemorySessionRepo) DeleteByUserID(_ context.Context, user model.UserIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		if s.UserIdentity == user {
			delete(r.sessions, id)
		}
	}
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (r *MemorySessionRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, s := range r.sessions {
		if s.Expired(before) {
			delete(r.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

// compile-time interface check
var (
	_ CredentialRepository = (*MemoryCredentialRepo)(nil)
	_ SessionRepository    = (*MemorySessionRepo)(nil)
)
