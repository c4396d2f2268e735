package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/tenantlens/internal/model"
	"github.com/hitoshi/tenantlens/internal/repository"
)

// mockRefresher はRefresherのテスト用モック。
type mockRefresher struct {
	currentValidFn func(ctx context.Context, cred model.Credential) (model.Credential, error)
	calls          atomic.Int32
}

func (m *mockRefresher) CurrentValid(ctx context.Context, cred model.Credential) (model.Credential, error) {
	m.calls.Add(1)
	return m.currentValidFn(ctx, cred)
}

// countingRepo はSet/Delete呼び出し回数を数えるリポジトリ。
type countingRepo struct {
	*repository.MemoryCredentialRepo
	sets    atomic.Int32
	deletes atomic.Int32
}

func newCountingRepo() *countingRepo {
	return &countingRepo{MemoryCredentialRepo: repository.NewMemoryCredentialRepo()}
}

func (r *countingRepo) Set(ctx context.Context, user model.UserIdentity, cred model.Credential) error {
	r.sets.Add(1)
	return r.MemoryCredentialRepo.Set(ctx, user, cred)
}

func (r *countingRepo) Delete(ctx context.Context, user model.UserIdentity) error {
	r.deletes.Add(1)
	return r.MemoryCredentialRepo.Delete(ctx, user)
}

// recordingMetrics はリフレッシュ結果を記録するモック。
type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *recordingMetrics) RecordCredentialRefresh(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) count(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.outcomes {
		if o == outcome {
			n++
		}
	}
	return n
}

var (
	staleCred = model.Credential{AccessToken: "at-old", RefreshToken: "rt-old", ExpiresAt: time.Now().Add(-time.Minute)}
	freshCred = model.Credential{AccessToken: "at-new", RefreshToken: "rt-new", ExpiresAt: time.Now().Add(30 * time.Minute)}
)

// refreshStale は期限切れならfreshCredを、そうでなければ入力をそのまま返すRefresher関数。
func refreshStale(_ context.Context, cred model.Credential) (model.Credential, error) {
	if cred.Equal(staleCred) {
		return freshCred, nil
	}
	return cred, nil
}

func seed(t *testing.T, repo repository.CredentialRepository, user model.UserIdentity, cred model.Credential) {
	t.Helper()
	if err := repo.Set(context.Background(), user, cred); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestStore_Get_EmptyStoreReturnsNotAuthenticated(t *testing.T) {
	refresher := &mockRefresher{currentValidFn: refreshStale}
	store := NewStore(repository.NewMemoryCredentialRepo(), refresher, nil, nil)

	_, err := store.Get(context.Background(), "user-1")
	if !errors.Is(err, model.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if refresher.calls.Load() != 0 {
		t.Errorf("refresher should not be called for missing entry, called %d times", refresher.calls.Load())
	}
}

func TestStore_Get_EmptyIdentity(t *testing.T) {
	store := NewStore(repository.NewMemoryCredentialRepo(), &mockRefresher{currentValidFn: refreshStale}, nil, nil)

	if _, err := store.Get(context.Background(), ""); !errors.Is(err, model.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

// 有効期限内の資格情報はそのまま返され、書き戻しも発生しない
func TestStore_Get_ValidCredentialIsNotWrittenBack(t *testing.T) {
	repo := newCountingRepo()
	seed(t, repo.MemoryCredentialRepo, "user-1", freshCred)
	metrics := &recordingMetrics{}
	store := NewStore(repo, &mockRefresher{currentValidFn: refreshStale}, nil, metrics)

	got, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(freshCred) {
		t.Errorf("Get = %+v, want %+v", got, freshCred)
	}
	if repo.sets.Load() != 0 {
		t.Errorf("expected no write-back, got %d Set calls", repo.sets.Load())
	}
	if metrics.count(OutcomeReused) != 1 {
		t.Errorf("expected one reused outcome, got %v", metrics.outcomes)
	}
}

// 期限切れの資格情報はリフレッシュされ、新しい値が保存される
func TestStore_Get_ExpiredCredentialIsRefreshedAndStored(t *testing.T) {
	repo := newCountingRepo()
	seed(t, repo.MemoryCredentialRepo, "user-1", staleCred)
	store := NewStore(repo, &mockRefresher{currentValidFn: refreshStale}, nil, nil)

	got, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(freshCred) {
		t.Errorf("Get = %+v, want %+v", got, freshCred)
	}

	stored, _ := repo.Get(context.Background(), "user-1")
	if stored == nil || !stored.Equal(freshCred) {
		t.Errorf("stored = %+v, want %+v", stored, freshCred)
	}
	if repo.sets.Load() != 1 {
		t.Errorf("expected exactly one write-back, got %d", repo.sets.Load())
	}
}

// IdPに拒否された資格情報は削除され、以降のGetはErrNotAuthenticatedになる
func TestStore_Get_RejectedCredentialIsDeleted(t *testing.T) {
	repo := newCountingRepo()
	seed(t, repo.MemoryCredentialRepo, "user-1", staleCred)
	refresher := &mockRefresher{currentValidFn: func(context.Context, model.Credential) (model.Credential, error) {
		return model.Credential{}, fmt.Errorf("invalid_grant: %w", model.ErrCredentialRejected)
	}}
	metrics := &recordingMetrics{}
	store := NewStore(repo, refresher, nil, metrics)

	_, err := store.Get(context.Background(), "user-1")
	if !errors.Is(err, model.ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if !errors.Is(err, model.ErrCredentialRejected) {
		t.Errorf("expected ErrCredentialRejected in chain, got %v", err)
	}
	if repo.deletes.Load() != 1 {
		t.Errorf("expected credential to be deleted once, got %d", repo.deletes.Load())
	}
	if metrics.count(OutcomeRejected) != 1 {
		t.Errorf("expected one rejected outcome, got %v", metrics.outcomes)
	}

	if _, err := store.Get(context.Background(), "user-1"); !errors.Is(err, model.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated after rejection, got %v", err)
	}
}

// 通信エラーによる失敗では資格情報を保持する
func TestStore_Get_TransportFailureKeepsEntry(t *testing.T) {
	repo := newCountingRepo()
	seed(t, repo.MemoryCredentialRepo, "user-1", staleCred)
	refresher := &mockRefresher{currentValidFn: func(context.Context, model.Credential) (model.Credential, error) {
		return model.Credential{}, errors.New("dial tcp: connection refused")
	}}
	store := NewStore(repo, refresher, nil, nil)

	_, err := store.Get(context.Background(), "user-1")
	if !errors.Is(err, model.ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if errors.Is(err, model.ErrCredentialRejected) {
		t.Errorf("transport error must not be reported as rejection")
	}
	if repo.deletes.Load() != 0 {
		t.Errorf("expected entry to be kept, got %d deletes", repo.deletes.Load())
	}
}

func TestStore_SetThenDelete(t *testing.T) {
	store := NewStore(repository.NewMemoryCredentialRepo(), &mockRefresher{currentValidFn: refreshStale}, nil, nil)
	ctx := context.Background()

	if err := store.Set(ctx, "user-1", freshCred); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := store.Get(ctx, "user-1")
	if err != nil || !got.Equal(freshCred) {
		t.Fatalf("Get = %+v, %v; want %+v", got, err, freshCred)
	}

	if err := store.Delete(ctx, "user-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "user-1"); !errors.Is(err, model.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated after Delete, got %v", err)
	}
	if store.locks.size() != 0 {
		t.Errorf("expected lock table to be empty, got %d entries", store.locks.size())
	}
}

// 同一ユーザーへの並行Getは1回のリフレッシュと1回の書き戻しを共有する
func TestStore_Get_ConcurrentCallersShareOneRefresh(t *testing.T) {
	repo := newCountingRepo()
	seed(t, repo.MemoryCredentialRepo, "user-1", staleCred)

	var refreshes atomic.Int32
	release := make(chan struct{})
	refresher := &mockRefresher{currentValidFn: func(ctx context.Context, cred model.Credential) (model.Credential, error) {
		if cred.Equal(staleCred) {
			refreshes.Add(1)
			<-release
			return freshCred, nil
		}
		return cred, nil
	}}
	store := NewStore(repo, refresher, nil, nil)

	const callers = 32
	var wg sync.WaitGroup
	results := make([]model.Credential, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.Get(context.Background(), "user-1")
		}(i)
	}

	// 先行するリフレッシュが開始されるまで待ってから解放する
	deadline := time.After(5 * time.Second)
	for refreshes.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("refresh never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, errs[i])
		}
		if !results[i].Equal(freshCred) {
			t.Errorf("caller %d: got %+v, want %+v", i, results[i], freshCred)
		}
	}
	if refreshes.Load() != 1 {
		t.Errorf("expected exactly one refresh, got %d", refreshes.Load())
	}
	if repo.sets.Load() != 1 {
		t.Errorf("expected exactly one write-back, got %d", repo.sets.Load())
	}
}

// リフレッシュ中のSetが優先され、リフレッシュ結果は破棄される
func TestStore_Get_SetDuringRefreshWins(t *testing.T) {
	tests := []struct {
		name      string
		signedIn  model.Credential
		wantToken string
		wantCalls int32
	}{
		{
			name:      "valid credential is returned as is",
			signedIn:  model.Credential{AccessToken: "at-signin", RefreshToken: "rt-signin", ExpiresAt: time.Now().Add(time.Hour)},
			wantToken: "at-signin",
			wantCalls: 2,
		},
		{
			name:      "expired credential is refreshed again",
			signedIn:  model.Credential{AccessToken: "at-signin", RefreshToken: "rt-signin", ExpiresAt: time.Now().Add(-time.Minute)},
			wantToken: "at-signin-refreshed",
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newCountingRepo()
			seed(t, repo.MemoryCredentialRepo, "user-1", staleCred)

			started := make(chan struct{})
			release := make(chan struct{})
			var first sync.Once
			refresher := &mockRefresher{currentValidFn: func(ctx context.Context, cred model.Credential) (model.Credential, error) {
				blocked := false
				first.Do(func() { blocked = true })
				if blocked {
					close(started)
					<-release
					return freshCred, nil
				}
				if cred.Expired(time.Now()) {
					cred.AccessToken += "-refreshed"
					cred.ExpiresAt = time.Now().Add(30 * time.Minute)
				}
				return cred, nil
			}}
			store := NewStore(repo, refresher, nil, nil)

			done := make(chan struct{})
			var got model.Credential
			var err error
			go func() {
				defer close(done)
				got, err = store.Get(context.Background(), "user-1")
			}()

			<-started
			if setErr := store.Set(context.Background(), "user-1", tt.signedIn); setErr != nil {
				t.Fatalf("Set: %v", setErr)
			}
			close(release)
			<-done

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.AccessToken != tt.wantToken || got.Expired(time.Now()) {
				t.Errorf("Get = %+v, want unexpired %q", got, tt.wantToken)
			}
			if got.AccessToken == freshCred.AccessToken {
				t.Error("refresh result of the replaced credential must be discarded")
			}
			stored, _ := repo.Get(context.Background(), "user-1")
			if stored == nil || !stored.Equal(got) {
				t.Errorf("stored = %+v, want %+v", stored, got)
			}
			if n := refresher.calls.Load(); n != tt.wantCalls {
				t.Errorf("refresher calls = %d, want %d", n, tt.wantCalls)
			}
		})
	}
}

// 置き換えが続く場合は期限切れの値を返さず、資格情報も削除しない
func TestStore_Get_RepeatedSetDuringRefreshNeverReturnsExpired(t *testing.T) {
	repo := newCountingRepo()
	seed(t, repo.MemoryCredentialRepo, "user-1", staleCred)

	expired := func(n int) model.Credential {
		return model.Credential{
			AccessToken:  fmt.Sprintf("at-signin-%d", n),
			RefreshToken: fmt.Sprintf("rt-signin-%d", n),
			ExpiresAt:    time.Now().Add(-time.Minute),
		}
	}

	var store *Store
	refresher := &mockRefresher{}
	refresher.currentValidFn = func(ctx context.Context, cred model.Credential) (model.Credential, error) {
		// リフレッシュのたびに別のサインインが割り込む
		n := int(refresher.calls.Load())
		if err := store.Set(ctx, "user-1", expired(n)); err != nil {
			t.Errorf("Set: %v", err)
		}
		return freshCred, nil
	}
	store = NewStore(repo, refresher, nil, nil)

	got, err := store.Get(context.Background(), "user-1")
	if err == nil {
		t.Fatalf("Get = %+v, want error", got)
	}
	if errors.Is(err, model.ErrRefreshFailed) || errors.Is(err, model.ErrNotAuthenticated) {
		t.Errorf("err = %v, must not reject the session", err)
	}
	if n := refresher.calls.Load(); n != 1+maxSupersededRetries {
		t.Errorf("refresher calls = %d, want %d", n, 1+maxSupersededRetries)
	}
	if repo.deletes.Load() != 0 {
		t.Error("credential should not be deleted")
	}
	stored, _ := repo.Get(context.Background(), "user-1")
	if stored == nil || stored.AccessToken != expired(1+maxSupersededRetries).AccessToken {
		t.Errorf("stored = %+v, latest Set must be kept", stored)
	}
}

// リフレッシュ中のDeleteが優先される
func TestStore_Get_DeleteDuringRefreshWins(t *testing.T) {
	repo := newCountingRepo()
	seed(t, repo.MemoryCredentialRepo, "user-1", staleCred)

	started := make(chan struct{})
	release := make(chan struct{})
	refresher := &mockRefresher{currentValidFn: func(ctx context.Context, cred model.Credential) (model.Credential, error) {
		close(started)
		<-release
		return freshCred, nil
	}}
	store := NewStore(repo, refresher, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := store.Get(context.Background(), "user-1")
		done <- err
	}()

	<-started
	if err := store.Delete(context.Background(), "user-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, model.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
	if stored, _ := repo.Get(context.Background(), "user-1"); stored != nil {
		t.Errorf("expected entry to stay deleted, got %+v", stored)
	}
}

// 呼び出し元のキャンセルは待機のみを打ち切り、共有リフレッシュは完了する
func TestStore_Get_CallerCancellationDoesNotAbortRefresh(t *testing.T) {
	repo := newCountingRepo()
	seed(t, repo.MemoryCredentialRepo, "user-1", staleCred)

	started := make(chan struct{})
	release := make(chan struct{})
	var refreshCtxErr atomic.Value
	refresher := &mockRefresher{currentValidFn: func(ctx context.Context, cred model.Credential) (model.Credential, error) {
		if !cred.Equal(staleCred) {
			return cred, nil
		}
		close(started)
		<-release
		if ctx.Err() != nil {
			refreshCtxErr.Store(ctx.Err())
		}
		return freshCred, nil
	}}
	store := NewStore(repo, refresher, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := store.Get(ctx, "user-1")
		done <- err
	}()

	<-started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(release)

	got, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(freshCred) {
		t.Errorf("Get = %+v, want %+v", got, freshCred)
	}
	if v := refreshCtxErr.Load(); v != nil {
		t.Errorf("shared refresh context was cancelled: %v", v)
	}
}

// 異なるユーザーのリフレッシュは互いにブロックしない
func TestStore_Get_DifferentUsersDoNotContend(t *testing.T) {
	repo := newCountingRepo()
	slow := model.Credential{AccessToken: "slow", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Minute)}
	seed(t, repo.MemoryCredentialRepo, "slow-user", slow)
	seed(t, repo.MemoryCredentialRepo, "fast-user", freshCred)

	started := make(chan struct{})
	release := make(chan struct{})
	refresher := &mockRefresher{currentValidFn: func(ctx context.Context, cred model.Credential) (model.Credential, error) {
		if cred.AccessToken == "slow" {
			close(started)
			<-release
			return freshCred, nil
		}
		return cred, nil
	}}
	store := NewStore(repo, refresher, nil, nil)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		store.Get(context.Background(), "slow-user")
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := store.Get(ctx, "fast-user")
	if err != nil {
		t.Fatalf("fast user blocked by slow refresh: %v", err)
	}
	if !got.Equal(freshCred) {
		t.Errorf("Get = %+v, want %+v", got, freshCred)
	}

	close(release)
	<-slowDone
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
