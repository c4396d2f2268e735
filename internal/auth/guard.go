package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/tenantlens/internal/model"
)

// CredentialGetter は資格情報の取得インターフェース。credential.Storeが実装する。
type CredentialGetter interface {
	Get(ctx context.Context, user model.UserIdentity) (model.Credential, error)
}

// RejectionRecorder はセッション拒否の記録インターフェース。
type RejectionRecorder interface {
	RecordSessionRejection(reason string)
}

// Guard はリクエストごとにセッションと資格情報の寿命を同期させる。
// 資格情報が存在しない、またはリフレッシュに失敗した場合はセッションを拒否する。
type Guard struct {
	credentials CredentialGetter
	metrics     RejectionRecorder
}

// NewGuard はGuardを生成する。metricsはnilでもよい。
func NewGuard(credentials CredentialGetter, metrics RejectionRecorder) *Guard {
	return &Guard{credentials: credentials, metrics: metrics}
}

// Validate はユーザーの資格情報が現在有効であることを確認する。
// 資格情報の取得はリフレッシュを伴うことがあるが、値そのものは返さない。
// 拒否すべき場合はmodel.ErrNotAuthenticatedまたはmodel.ErrRefreshFailedを返す。
// ストレージ障害やctxのキャンセルなどそれ以外のエラーではセッションを拒否しない。
func (g *Guard) Validate(ctx context.Context, user model.UserIdentity) error {
	_, err := g.credentials.Get(ctx, user)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, model.ErrNotAuthenticated):
		g.record("not_authenticated")
		return err
	case errors.Is(err, model.ErrRefreshFailed):
		g.record("refresh_failed")
		return err
	default:
		return fmt.Errorf("failed to validate credential: %w", err)
	}
}

// Rejected はValidateのエラーがセッションの拒否を意味するかを返す。
func Rejected(err error) bool {
	return errors.Is(err, model.ErrNotAuthenticated) || errors.Is(err, model.ErrRefreshFailed)
}

func (g *Guard) record(reason string) {
	if g.metrics != nil {
		g.metrics.RecordSessionRejection(reason)
	}
}
