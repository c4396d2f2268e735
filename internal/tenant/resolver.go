package tenant

import (
	"context"
	"fmt"

	"github.com/hitoshi/tenantlens/internal/model"
)

// ConnectionLister はテナント接続一覧の取得インターフェース。
type ConnectionLister interface {
	List(ctx context.Context, cred model.Credential) ([]model.TenantConnection, error)
}

// Resolver は接続一覧を製品のテナント種別で絞り込む。
type Resolver struct {
	connections ConnectionLister
	tenantType  string
}

// NewResolver はResolverを生成する。tenantTypeが空の場合はPRACTICEMANAGERを使用する。
func NewResolver(connections ConnectionLister, tenantType string) *Resolver {
	if tenantType == "" {
		tenantType = model.TenantTypePracticeManager
	}
	return &Resolver{connections: connections, tenantType: tenantType}
}

// List はアクセス可能なテナントを上流の順序のまま返す。
// 該当するテナントがない場合は空のスライスを返し、エラーにはしない。
func (r *Resolver) List(ctx context.Context, cred model.Credential) ([]model.TenantConnection, error) {
	conns, err := r.connections.List(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant connections: %w", err)
	}

	tenants := make([]model.TenantConnection, 0, len(conns))
	for _, c := range conns {
		if c.TenantType == r.tenantType {
			tenants = append(tenants, c)
		}
	}
	return tenants, nil
}
