package tenant

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/html/charset"

	"github.com/hitoshi/tenantlens/internal/model"
)

const (
	// DefaultAPIBaseURL は下流APIのベースURL。
	DefaultAPIBaseURL = "https://api.xero.com/practicemanager/3.0/"
	// DefaultTenantIDHeader はテナントIDを渡すルーティングヘッダー名。
	DefaultTenantIDHeader = "Xero-Tenant-Id"

	clientListPath  = "client.api/list"
	maxResponseBody = 10 << 20
)

// Sanitizer は下流から受け取った自由記述テキストの無害化インターフェース。
type Sanitizer interface {
	Sanitize(text string) string
}

// ClientAPI はテナント単位でクライアント一覧APIを呼び出す。
type ClientAPI struct {
	baseURL      string
	tenantHeader string
	client       *http.Client
	sanitizer    Sanitizer
}

// NewClientAPI はClientAPIを生成する。sanitizerがnilの場合はテキストを加工しない。
func NewClientAPI(baseURL, tenantHeader string, client *http.Client, sanitizer Sanitizer) *ClientAPI {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if tenantHeader == "" {
		tenantHeader = DefaultTenantIDHeader
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &ClientAPI{
		baseURL:      baseURL,
		tenantHeader: tenantHeader,
		client:       client,
		sanitizer:    sanitizer,
	}
}

// ListClients は指定テナントのクライアント一覧を取得する。
// 失敗時は理由を分類した*model.TenantFetchErrorを返す。
func (a *ClientAPI) ListClients(ctx context.Context, cred model.Credential, tenantID uuid.UUID) (*model.ClientListResponse, error) {
	fail := func(reason string, err error) error {
		return &model.TenantFetchError{TenantID: tenantID, Reason: reason, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+clientListPath, nil)
	if err != nil {
		return nil, fail(model.FetchReasonNetwork, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set(a.tenantHeader, tenantID.String())
	req.Header.Set("Accept", "application/xml, text/xml")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fail(model.FetchReasonTimeout, err)
		}
		return nil, fail(model.FetchReasonNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fail(model.FetchReasonHTTPStatus, &UpstreamStatusError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	var list model.ClientListResponse
	dec := xml.NewDecoder(io.LimitReader(resp.Body, maxResponseBody))
	dec.CharsetReader = charset.NewReaderLabel
	if err := dec.Decode(&list); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fail(model.FetchReasonTimeout, err)
		}
		return nil, fail(model.FetchReasonMalformedBody, fmt.Errorf("failed to parse client list: %w", err))
	}

	if list.Status != model.StatusOK {
		return nil, fail(model.FetchReasonAPIStatus, fmt.Errorf("api status %q: %s", list.Status, list.ErrorDesc))
	}

	a.sanitize(&list)
	return &list, nil
}

func (a *ClientAPI) sanitize(list *model.ClientListResponse) {
	if a.sanitizer == nil {
		return
	}
	s := a.sanitizer.Sanitize
	for i := range list.Clients {
		c := &list.Clients[i]
		for _, f := range []*string{
			&c.Name, &c.Address, &c.City, &c.Region, &c.PostCode, &c.Country,
			&c.PostalAddress, &c.PostalCity, &c.PostalRegion, &c.PostalPostCode, &c.PostalCountry,
			&c.Phone, &c.Fax, &c.Website, &c.ReferralSource, &c.ExportCode, &c.Contacts,
		} {
			*f = s(*f)
		}
		if c.AccountManager != nil {
			c.AccountManager.Name = s(c.AccountManager.Name)
		}
		if c.JobManager != nil {
			c.JobManager.Name = s(c.JobManager.Name)
		}
	}
}
