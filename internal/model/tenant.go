package model

import (
	"encoding/xml"
	"strings"

	"github.com/google/uuid"
)

// TenantTypePracticeManager はPractice Manager APIにアクセス可能なテナント種別。
const TenantTypePracticeManager = "PRACTICEMANAGER"

// TenantConnection は認可サービスが返すテナント接続を表す。
type TenantConnection struct {
	ID         uuid.UUID // 接続ID
	TenantID   uuid.UUID
	TenantType string
	TenantName string
}

// AccountManager はクライアントに割り当てられたアカウントマネージャー。
type AccountManager struct {
	UUID string `xml:"UUID" json:"uuid"`
	Name string `xml:"Name" json:"name"`
}

// JobManager はクライアントに割り当てられたジョブマネージャー。
type JobManager struct {
	UUID string `xml:"UUID" json:"uuid"`
	Name string `xml:"Name" json:"name"`
}

// ClientRecord は下流APIから取得したクライアント1件。読み取り専用の外部データ。
// フラグ類はワイヤ上の文字列をそのまま保持し、判定はメソッドで行う。
type ClientRecord struct {
	UUID           string          `xml:"UUID" json:"uuid"`
	Name           string          `xml:"Name" json:"name"`
	Address        string          `xml:"Address" json:"address,omitempty"`
	City           string          `xml:"City" json:"city,omitempty"`
	Region         string          `xml:"Region" json:"region,omitempty"`
	PostCode       string          `xml:"PostCode" json:"post_code,omitempty"`
	Country        string          `xml:"Country" json:"country,omitempty"`
	PostalAddress  string          `xml:"PostalAddress" json:"postal_address,omitempty"`
	PostalCity     string          `xml:"PostalCity" json:"postal_city,omitempty"`
	PostalRegion   string          `xml:"PostalRegion" json:"postal_region,omitempty"`
	PostalPostCode string          `xml:"PostalPostCode" json:"postal_post_code,omitempty"`
	PostalCountry  string          `xml:"PostalCountry" json:"postal_country,omitempty"`
	Phone          string          `xml:"Phone" json:"phone,omitempty"`
	Fax            string          `xml:"Fax" json:"fax,omitempty"`
	Website        string          `xml:"Website" json:"website,omitempty"`
	ReferralSource string          `xml:"ReferralSource" json:"referral_source,omitempty"`
	ExportCode     string          `xml:"ExportCode" json:"export_code,omitempty"`
	IsProspect     string          `xml:"IsProspect" json:"-"`
	IsArchived     string          `xml:"IsArchived" json:"-"`
	IsDeleted      string          `xml:"IsDeleted" json:"-"`
	AccountManager *AccountManager `xml:"AccountManager" json:"account_manager,omitempty"`
	JobManager     *JobManager     `xml:"JobManager" json:"job_manager,omitempty"`
	Contacts       string          `xml:"Contacts" json:"contacts,omitempty"`
}

// Prospect は見込み客フラグを返す。
func (c ClientRecord) Prospect() bool { return parseWireBool(c.IsProspect) }

// Archived はアーカイブ済みフラグを返す。
func (c ClientRecord) Archived() bool { return parseWireBool(c.IsArchived) }

// Deleted は削除済みフラグを返す。
func (c ClientRecord) Deleted() bool { return parseWireBool(c.IsDeleted) }

func parseWireBool(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "yes") ||
		strings.EqualFold(strings.TrimSpace(v), "true")
}

// ClientListResponse は client.api/list のレスポンスボディ。
type ClientListResponse struct {
	XMLName   xml.Name       `xml:"Response" json:"-"`
	APIMethod string         `xml:"api-method,attr" json:"api_method"`
	Status    string         `xml:"Status" json:"status"`
	ErrorDesc string         `xml:"ErrorDescription" json:"error_description,omitempty"`
	Clients   []ClientRecord `xml:"Clients>Client" json:"clients"`
}

// StatusOK は下流APIが成功時に返すStatus値。
const StatusOK = "OK"

// TenantResult は1テナント分の集約結果。ClientsとErrのどちらか一方が設定される。
type TenantResult struct {
	TenantID   uuid.UUID
	TenantName string
	Clients    *ClientListResponse
	Err        error
}

// OK は取得に成功したかを返す。
func (r TenantResult) OK() bool {
	return r.Err == nil
}

// AggregationResult はテナントごとの結果を、リゾルバが返した順序のまま保持する。
type AggregationResult []TenantResult

// HasFailures は1件以上の失敗を含むかを返す。
func (a AggregationResult) HasFailures() bool {
	for _, r := range a {
		if r.Err != nil {
			return true
		}
	}
	return false
}

// Failed は失敗したテナントIDを入力順で返す。
func (a AggregationResult) Failed() []uuid.UUID {
	var ids []uuid.UUID
	for _, r := range a {
		if r.Err != nil {
			ids = append(ids, r.TenantID)
		}
	}
	return ids
}
