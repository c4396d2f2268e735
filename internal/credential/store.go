// Package credential はユーザーごとのOAuth2資格情報を保持し、読み出し時に透過的にリフレッシュする。
//
// 資格情報の書き込みはStoreのみが行う。呼び出し元は常に値のコピーを受け取る。
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/tenantlens/internal/model"
	"github.com/hitoshi/tenantlens/internal/repository"
)

// Refresher はIdPとの境界。保存済みの資格情報を受け取り、現在有効な資格情報を返す。
// 有効期限に余裕があれば入力をそのまま返し、期限切れ間近ならリフレッシュする。
// IdPがリフレッシュトークンを拒否した場合はmodel.ErrCredentialRejectedをラップして返す。
type Refresher interface {
	CurrentValid(ctx context.Context, cred model.Credential) (model.Credential, error)
}

// MetricsRecorder はリフレッシュ結果の記録インターフェース。
type MetricsRecorder interface {
	RecordCredentialRefresh(outcome string)
}

// リフレッシュ結果のラベル値
const (
	OutcomeReused     = "reused"
	OutcomeRefreshed  = "refreshed"
	OutcomeSuperseded = "superseded"
	OutcomeRejected   = "rejected"
	OutcomeFailed     = "failed"
)

// DefaultRefreshTimeout は共有リフレッシュ処理のデフォルトタイムアウト。
const DefaultRefreshTimeout = 30 * time.Second

// maxSupersededRetries はリフレッシュ中に保存値が置き換えられた場合のやり直し回数。
const maxSupersededRetries = 1

// errCredentialChurn はやり直し中にも保存値が置き換えられ続け、有効な値を確定できなかったことを示す。
// セッションを破棄すべき失敗ではないため、ErrRefreshFailedはラップしない。
var errCredentialChurn = errors.New("credential was replaced repeatedly during refresh")

type noopMetrics struct{}

func (noopMetrics) RecordCredentialRefresh(string) {}

// Store はユーザーIDをキーとする資格情報ストア。
//
// 同一ユーザーに対する並行なGetは1回のリフレッシュを共有する。
// リフレッシュ結果はユーザー単位のロック下でcompare-and-setにより書き戻し、
// ネットワーク呼び出し中はロックを保持しない。
// リフレッシュ中にSet/Deleteが行われた場合はそちらを優先し、リフレッシュ結果は破棄する。
type Store struct {
	repo      repository.CredentialRepository
	refresher Refresher
	logger    *slog.Logger
	metrics   MetricsRecorder

	group singleflight.Group
	locks *keyedMutex

	RefreshTimeout time.Duration // 共有リフレッシュのタイムアウト（デフォルト: 30秒）
}

// NewStore は新しいStoreを生成する。metricsがnilの場合は記録しない。
func NewStore(
	repo repository.CredentialRepository,
	refresher Refresher,
	logger *slog.Logger,
	metrics MetricsRecorder,
) *Store {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:           repo,
		refresher:      refresher,
		logger:         logger,
		metrics:        metrics,
		locks:          newKeyedMutex(),
		RefreshTimeout: DefaultRefreshTimeout,
	}
}

// Get は指定ユーザーの現在有効な資格情報を返す。
//
// エントリが存在しない場合はmodel.ErrNotAuthenticatedを返す。
// リフレッシュに失敗した場合はmodel.ErrRefreshFailedをラップしたエラーを返す。
// ctxのキャンセルは待機を打ち切るだけで、共有リフレッシュ自体は継続する。
func (s *Store) Get(ctx context.Context, user model.UserIdentity) (model.Credential, error) {
	if !user.Valid() {
		return model.Credential{}, model.ErrNotAuthenticated
	}

	ch := s.group.DoChan(string(user), func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.RefreshTimeout)
		defer cancel()
		return s.load(loadCtx, user)
	})

	select {
	case <-ctx.Done():
		return model.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.Credential{}, res.Err
		}
		return res.Val.(model.Credential), nil
	}
}

// Set は資格情報を無条件に上書きする。サインイン完了時に呼び出す。
func (s *Store) Set(ctx context.Context, user model.UserIdentity, cred model.Credential) error {
	if !user.Valid() {
		return fmt.Errorf("credential store: empty user identity")
	}

	unlock := s.locks.Lock(user)
	defer unlock()

	if err := s.repo.Set(ctx, user, cred); err != nil {
		return fmt.Errorf("failed to set credential: %w", err)
	}
	return nil
}

// Delete は資格情報を削除する。以降のGetはmodel.ErrNotAuthenticatedを返す。
func (s *Store) Delete(ctx context.Context, user model.UserIdentity) error {
	unlock := s.locks.Lock(user)
	defer unlock()

	if err := s.repo.Delete(ctx, user); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// load は保存済みの資格情報を読み出し、必要に応じてリフレッシュして書き戻す。
// singleflightによりユーザーごとに同時に1つだけ実行される。
//
// リフレッシュ中に保存値が置き換えられた場合は、新しい保存値を入力として
// maxSupersededRetries回までやり直す。置き換えられた値も期限切れの可能性があるため。
func (s *Store) load(ctx context.Context, user model.UserIdentity) (model.Credential, error) {
	stored, err := s.read(ctx, user)
	if err != nil {
		return model.Credential{}, err
	}
	if stored == nil {
		return model.Credential{}, model.ErrNotAuthenticated
	}
	original := *stored

	for retries := 0; ; retries++ {
		cred, next, err := s.refreshOnce(ctx, user, original)
		if next == nil {
			return cred, err
		}
		if retries >= maxSupersededRetries {
			return acceptSuperseded(*next)
		}
		original = *next
	}
}

// refreshOnce はoriginalを入力に1回リフレッシュを試みる。
// 戻り値のnextが非nilの場合、保存値が置き換えられていたため結果は破棄されている。
func (s *Store) refreshOnce(ctx context.Context, user model.UserIdentity, original model.Credential) (model.Credential, *model.Credential, error) {
	fresh, err := s.refresher.CurrentValid(ctx, original)
	if err != nil {
		return s.handleRefreshError(ctx, user, original, err)
	}
	return s.commit(ctx, user, original, fresh)
}

// acceptSuperseded はやり直し上限に達した後の保存値を返す。期限切れの値は返さない。
func acceptSuperseded(current model.Credential) (model.Credential, error) {
	if current.Expired(time.Now()) {
		return model.Credential{}, errCredentialChurn
	}
	return current, nil
}

func (s *Store) read(ctx context.Context, user model.UserIdentity) (*model.Credential, error) {
	unlock := s.locks.Lock(user)
	defer unlock()

	stored, err := s.repo.Get(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	return stored, nil
}

// commit はリフレッシュ結果を書き戻す。
// 保存値が読み出し時から変化していない場合のみ書き込み、値が同一なら書き込みを省略する。
func (s *Store) commit(ctx context.Context, user model.UserIdentity, original, fresh model.Credential) (model.Credential, *model.Credential, error) {
	unlock := s.locks.Lock(user)
	defer unlock()

	current, err := s.repo.Get(ctx, user)
	if err != nil {
		return model.Credential{}, nil, fmt.Errorf("failed to read credential: %w", err)
	}
	if superseded, err := s.supersededBy(user, current, original); superseded {
		return model.Credential{}, current, err
	}

	if fresh.Equal(original) {
		s.metrics.RecordCredentialRefresh(OutcomeReused)
		return fresh, nil, nil
	}

	if err := s.repo.Set(ctx, user, fresh); err != nil {
		s.metrics.RecordCredentialRefresh(OutcomeFailed)
		s.logger.Error("リフレッシュ済み資格情報の保存に失敗しました",
			slog.String("user", user.String()),
			slog.String("error", err.Error()),
		)
		return model.Credential{}, nil, fmt.Errorf("%w: failed to store refreshed credential: %w", model.ErrRefreshFailed, err)
	}

	s.metrics.RecordCredentialRefresh(OutcomeRefreshed)
	s.logger.Info("資格情報をリフレッシュしました",
		slog.String("user", user.String()),
		slog.Time("expires_at", fresh.ExpiresAt),
	)
	return fresh, nil, nil
}

// handleRefreshError はリフレッシュ失敗を処理する。
// IdPに拒否された資格情報は、保存値が変化していなければ削除する。
func (s *Store) handleRefreshError(ctx context.Context, user model.UserIdentity, original model.Credential, refreshErr error) (model.Credential, *model.Credential, error) {
	unlock := s.locks.Lock(user)
	defer unlock()

	current, err := s.repo.Get(ctx, user)
	if err != nil {
		return model.Credential{}, nil, fmt.Errorf("failed to read credential: %w", err)
	}
	if superseded, err := s.supersededBy(user, current, original); superseded {
		return model.Credential{}, current, err
	}

	outcome := OutcomeFailed
	if errors.Is(refreshErr, model.ErrCredentialRejected) {
		outcome = OutcomeRejected
		if err := s.repo.Delete(ctx, user); err != nil {
			s.logger.Error("拒否された資格情報の削除に失敗しました",
				slog.String("user", user.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	s.metrics.RecordCredentialRefresh(outcome)
	s.logger.Warn("資格情報のリフレッシュに失敗しました",
		slog.String("user", user.String()),
		slog.String("outcome", outcome),
		slog.String("error", refreshErr.Error()),
	)

	if errors.Is(refreshErr, model.ErrRefreshFailed) {
		return model.Credential{}, nil, refreshErr
	}
	return model.Credential{}, nil, fmt.Errorf("%w: %w", model.ErrRefreshFailed, refreshErr)
}

// supersededBy はリフレッシュ中に保存値が変更されたかを判定する。
// 削除されていた場合はErrNotAuthenticatedを返す。
// 呼び出し元はユーザー単位のロックを保持していること。
func (s *Store) supersededBy(user model.UserIdentity, current *model.Credential, original model.Credential) (bool, error) {
	if current != nil && current.Equal(original) {
		return false, nil
	}

	s.metrics.RecordCredentialRefresh(OutcomeSuperseded)
	s.logger.Debug("リフレッシュ中に資格情報が更新されたため結果を破棄しました",
		slog.String("user", user.String()),
		slog.Bool("deleted", current == nil),
	)
	if current == nil {
		return true, model.ErrNotAuthenticated
	}
	return true, nil
}
