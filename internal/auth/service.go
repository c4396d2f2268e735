// Package auth はOAuth認証フロー、資格情報の検証、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/tenantlens/internal/model"
	"github.com/hitoshi/tenantlens/internal/repository"
)

// OAuthUserInfo は認可コード交換で得たユーザー情報と資格情報を表す。
type OAuthUserInfo struct {
	Identity    model.UserIdentity
	DisplayName string
	Email       string
	Credential  model.Credential
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。verifierはPKCEのcode_verifier。
	GetLoginURL(state, verifier string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code, verifier string) (*OAuthUserInfo, error)
}

// CredentialWriter は資格情報の書き込みインターフェース。credential.Storeが実装する。
type CredentialWriter interface {
	Set(ctx context.Context, user model.UserIdentity, cred model.Credential) error
	Delete(ctx context.Context, user model.UserIdentity) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	credentials CredentialWriter
	sessionRepo repository.SessionRepository
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	credentials CredentialWriter,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		credentials: credentials,
		sessionRepo: sessionRepo,
		config:      config,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state, verifier string) string {
	return s.oauth.GetLoginURL(state, verifier)
}

// HandleCallback はOAuthコールバックを処理し、資格情報を保存してセッションを発行する。
// 資格情報はIDトークンのsubjectクレームから導出したユーザーIDをキーに保存する。
func (s *Service) HandleCallback(ctx context.Context, code, verifier string) (*model.Session, error) {
	userInfo, err := s.oauth.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}
	if !userInfo.Identity.Valid() {
		return nil, fmt.Errorf("identity provider returned empty subject")
	}

	if err := s.credentials.Set(ctx, userInfo.Identity, userInfo.Credential); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	session, err := s.createSession(ctx, userInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user signed in",
		slog.String("user", userInfo.Identity.String()),
		slog.Time("credential_expires_at", userInfo.Credential.ExpiresAt),
	)
	return session, nil
}

// Logout はセッションを破棄し、ユーザーの資格情報と他のセッションも削除する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to find session: %w", err)
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if session == nil {
		return nil
	}

	if err := s.credentials.Delete(ctx, session.UserIdentity); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if err := s.sessionRepo.DeleteByUserID(ctx, session.UserIdentity); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}

	slog.Info("user logged out",
		slog.String("session_id", sessionID),
		slog.String("user", session.UserIdentity.String()),
	)
	return nil
}

// CurrentSession はセッションIDから現在のセッションを取得する。
func (s *Service) CurrentSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session not found or expired")
	}
	return session, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userInfo *OAuthUserInfo) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:           sessionID,
		UserIdentity: userInfo.Identity,
		DisplayName:  userInfo.DisplayName,
		ExpiresAt:    now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt:    now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
