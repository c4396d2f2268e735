// Package tenant はアクセス可能なテナントの解決と、テナントごとの下流API呼び出しの集約を提供する。
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/hitoshi/tenantlens/internal/model"
)

// DefaultConnectionsURL は認可サービスの接続一覧エンドポイント。
const DefaultConnectionsURL = "https://api.xero.com/connections"

const maxConnectionsBody = 1 << 20

// UpstreamStatusError は上流サービスが2xx以外を返したことを表す。
type UpstreamStatusError struct {
	StatusCode int
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// connectionDTO は接続一覧エンドポイントのレスポンス要素。
type connectionDTO struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenantId"`
	TenantType string    `json:"tenantType"`
	TenantName string    `json:"tenantName"`
}

// ConnectionsClient は認可サービスから、アクセストークンが認可されたテナント接続の一覧を取得する。
type ConnectionsClient struct {
	url    string
	client *http.Client
}

// NewConnectionsClient はConnectionsClientを生成する。
func NewConnectionsClient(url string, client *http.Client) *ConnectionsClient {
	if url == "" {
		url = DefaultConnectionsURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &ConnectionsClient{url: url, client: client}
}

// List はテナント接続の一覧を上流の順序のまま返す。キャッシュはしない。
func (c *ConnectionsClient) List(ctx context.Context, cred model.Credential) ([]model.TenantConnection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connections request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxConnectionsBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read connections response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	var dtos []connectionDTO
	if err := json.Unmarshal(body, &dtos); err != nil {
		return nil, fmt.Errorf("failed to parse connections response: %w", err)
	}

	conns := make([]model.TenantConnection, 0, len(dtos))
	for _, d := range dtos {
		conns = append(conns, model.TenantConnection{
			ID:         d.ID,
			TenantID:   d.TenantID,
			TenantType: d.TenantType,
			TenantName: d.TenantName,
		})
	}
	return conns, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
