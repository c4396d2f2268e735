package tenant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/tenantlens/internal/model"
)

const (
	// DefaultFetchTimeout はテナント1件あたりのデフォルトタイムアウト。
	DefaultFetchTimeout = 30 * time.Second
	// DefaultMaxConcurrent は同時に実行するテナント呼び出し数のデフォルト。
	DefaultMaxConcurrent = 4
)

// ClientLister はテナント単位のクライアント一覧取得インターフェース。
type ClientLister interface {
	ListClients(ctx context.Context, cred model.Credential, tenantID uuid.UUID) (*model.ClientListResponse, error)
}

// FetchRecorder はテナント呼び出し結果の記録インターフェース。
type FetchRecorder interface {
	RecordTenantFetch(outcome, reason string, duration time.Duration)
}

// Aggregator はテナントごとの下流API呼び出しを並行に実行し、入力順に結果をまとめる。
// 1テナントの失敗は他のテナントに影響しない。
type Aggregator struct {
	clients ClientLister
	logger  *slog.Logger
	metrics FetchRecorder

	Timeout       time.Duration // テナント1件あたりのタイムアウト
	MaxConcurrent int           // 同時実行数の上限
}

// NewAggregator はAggregatorを生成する。metricsはnilでもよい。
func NewAggregator(clients ClientLister, logger *slog.Logger, metrics FetchRecorder) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		clients:       clients,
		logger:        logger,
		metrics:       metrics,
		Timeout:       DefaultFetchTimeout,
		MaxConcurrent: DefaultMaxConcurrent,
	}
}

// FetchAll は全テナントのクライアント一覧を取得する。
// 結果はtenantsと同じ順序・同じ件数で、各要素は成功時の一覧か失敗のどちらかを持つ。
func (a *Aggregator) FetchAll(ctx context.Context, cred model.Credential, tenants []model.TenantConnection) model.AggregationResult {
	results := make(model.AggregationResult, len(tenants))
	if len(tenants) == 0 {
		return results
	}

	var g errgroup.Group
	if a.MaxConcurrent > 0 {
		g.SetLimit(a.MaxConcurrent)
	}

	for i, tc := range tenants {
		g.Go(func() error {
			results[i] = a.fetchOne(ctx, cred, tc)
			return nil
		})
	}
	g.Wait()

	return results
}

// fetchOne は1テナント分を取得する。失敗はエラーとして返さず結果に記録する。
func (a *Aggregator) fetchOne(ctx context.Context, cred model.Credential, tc model.TenantConnection) model.TenantResult {
	result := model.TenantResult{TenantID: tc.TenantID, TenantName: tc.TenantName}
	start := time.Now()

	tctx := ctx
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	list, err := a.clients.ListClients(tctx, cred, tc.TenantID)
	duration := time.Since(start)

	if err != nil {
		fetchErr := classify(tctx, tc.TenantID, err)
		result.Err = fetchErr
		a.record("failure", fetchErr.Reason, duration)
		a.logger.Warn("テナントのクライアント一覧取得に失敗しました",
			slog.String("tenant_id", tc.TenantID.String()),
			slog.String("reason", fetchErr.Reason),
			slog.String("error", fetchErr.Err.Error()),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return result
	}

	result.Clients = list
	a.record("success", "", duration)
	a.logger.Debug("テナントのクライアント一覧を取得しました",
		slog.String("tenant_id", tc.TenantID.String()),
		slog.Int("client_count", len(list.Clients)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return result
}

// classify はエラーを*model.TenantFetchErrorに正規化する。
// タイムアウトまたはキャンセルで打ち切られた場合は理由をtimeoutとする。
func classify(ctx context.Context, tenantID uuid.UUID, err error) *model.TenantFetchError {
	var fetchErr *model.TenantFetchError
	if !errors.As(err, &fetchErr) {
		fetchErr = &model.TenantFetchError{TenantID: tenantID, Reason: model.FetchReasonNetwork, Err: err}
	}
	if ctx.Err() != nil && fetchErr.Reason == model.FetchReasonNetwork {
		fetchErr.Reason = model.FetchReasonTimeout
	}
	return fetchErr
}

func (a *Aggregator) record(outcome, reason string, duration time.Duration) {
	if a.metrics != nil {
		a.metrics.RecordTenantFetch(outcome, reason, duration)
	}
}
