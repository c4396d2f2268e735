package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hitoshi/tenantlens/internal/middleware"
	"github.com/hitoshi/tenantlens/internal/model"
)

// CredentialGetter はリクエストごとに現在有効な資格情報を取得する。credential.Storeが実装する。
type CredentialGetter interface {
	Get(ctx context.Context, user model.UserIdentity) (model.Credential, error)
}

// TenantLister はアクセス可能なテナントを列挙する。tenant.Resolverが実装する。
type TenantLister interface {
	List(ctx context.Context, cred model.Credential) ([]model.TenantConnection, error)
}

// ClientAggregator は全テナントのクライアント一覧を取得する。tenant.Aggregatorが実装する。
type ClientAggregator interface {
	FetchAll(ctx context.Context, cred model.Credential, tenants []model.TenantConnection) model.AggregationResult
}

// SessionDeleter は拒否された資格情報に紐づくセッションを削除する。
type SessionDeleter interface {
	DeleteByID(ctx context.Context, id string) error
}

// 集約結果の状態
const (
	StateOK                  = "ok"
	StatePartial             = "partial"
	StateNoAuthorizedTenants = "no_authorized_tenants"
)

// ClientsHandler はテナント横断のクライアント一覧を返すハンドラー。
type ClientsHandler struct {
	credentials CredentialGetter
	tenants     TenantLister
	aggregator  ClientAggregator
	sessions    SessionDeleter
	cookie      middleware.CookieConfig
}

// NewClientsHandler はClientsHandlerを生成する。
func NewClientsHandler(credentials CredentialGetter, tenants TenantLister, aggregator ClientAggregator, sessions SessionDeleter, cookie middleware.CookieConfig) *ClientsHandler {
	return &ClientsHandler{
		credentials: credentials,
		tenants:     tenants,
		aggregator:  aggregator,
		sessions:    sessions,
		cookie:      cookie,
	}
}

// clientsResponse はGET /api/clientsのレスポンス。
type clientsResponse struct {
	User           string          `json:"user"`
	State          string          `json:"state"`
	Partial        bool            `json:"partial"`
	Tenants        []tenantView    `json:"tenants"`
	FailedTenants  []uuid.UUID     `json:"failed_tenants,omitempty"`
	NoTenantsError *model.APIError `json:"notice,omitempty"`
}

type tenantView struct {
	TenantID   uuid.UUID       `json:"tenant_id"`
	TenantName string          `json:"tenant_name"`
	Status     string          `json:"status"`
	APIMethod  string          `json:"api_method,omitempty"`
	Clients    []clientView    `json:"clients,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Error      *model.APIError `json:"error,omitempty"`
}

type clientView struct {
	model.ClientRecord
	Prospect bool `json:"is_prospect"`
	Archived bool `json:"is_archived"`
	Deleted  bool `json:"is_deleted"`
}

// ListClients はアクセス可能な全テナントのクライアント一覧を集約して返す。
// GET /api/clients
//
// 一部テナントの失敗は200のままpartialとして返す。
// テナントが1件もない場合は認証失敗と区別してno_authorized_tenantsを返す。
func (h *ClientsHandler) ListClients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, err := middleware.IdentityFromContext(ctx)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	cred, err := h.credentials.Get(ctx, user)
	if err != nil {
		h.writeCredentialError(w, r, user, err)
		return
	}

	tenants, err := h.tenants.List(ctx, cred)
	if err != nil {
		slog.Error("failed to resolve tenants",
			slog.String("user", user.String()),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewConnectionsFailedError())
		return
	}

	resp := clientsResponse{
		User:    user.String(),
		State:   StateOK,
		Tenants: []tenantView{},
	}

	if len(tenants) == 0 {
		resp.State = StateNoAuthorizedTenants
		resp.NoTenantsError = model.NewNoAuthorizedTenantsError()
		writeJSON(w, http.StatusOK, resp)
		return
	}

	result := h.aggregator.FetchAll(ctx, cred, tenants)
	for _, tr := range result {
		resp.Tenants = append(resp.Tenants, toTenantView(tr))
	}
	if result.HasFailures() {
		resp.State = StatePartial
		resp.Partial = true
		resp.FailedTenants = result.Failed()
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeCredentialError は資格情報取得の失敗をHTTPレスポンスに変換する。
// ガード通過後にリフレッシュが失敗した場合も、セッションミドルウェアと同じくセッションを破棄する。
func (h *ClientsHandler) writeCredentialError(w http.ResponseWriter, r *http.Request, user model.UserIdentity, err error) {
	if apiErr := middleware.CredentialAPIError(err); apiErr != nil {
		if session, ok := middleware.SessionFromContext(r.Context()); ok {
			if derr := h.sessions.DeleteByID(r.Context(), session.ID); derr != nil {
				slog.Error("failed to delete rejected session",
					slog.String("user", user.String()),
					slog.String("error", derr.Error()),
				)
			}
		}
		middleware.ClearSessionCookie(w, h.cookie)
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
		return
	}
	slog.Error("failed to load credential",
		slog.String("user", user.String()),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

func toTenantView(tr model.TenantResult) tenantView {
	v := tenantView{
		TenantID:   tr.TenantID,
		TenantName: tr.TenantName,
	}

	if tr.Err != nil {
		v.Status = "failed"
		v.Error = model.NewTenantFetchFailedError(tr.TenantID)
		var fetchErr *model.TenantFetchError
		if errors.As(tr.Err, &fetchErr) {
			v.Reason = fetchErr.Reason
		}
		return v
	}

	v.Status = "ok"
	v.Clients = []clientView{}
	if tr.Clients != nil {
		v.APIMethod = tr.Clients.APIMethod
		for _, c := range tr.Clients.Clients {
			v.Clients = append(v.Clients, clientView{
				ClientRecord: c,
				Prospect:     c.Prospect(),
				Archived:     c.Archived(),
				Deleted:      c.Deleted(),
			})
		}
	}
	return v
}
