package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"

	"github.com/hitoshi/tenantlens/internal/model"
)

const (
	defaultAuthURL      = "https://login.xero.com/identity/connect/authorize"
	defaultTokenURL     = "https://identity.xero.com/connect/token"
	defaultIssuer       = "https://identity.xero.com"
	defaultJWKSURL      = "https://identity.xero.com/.well-known/openid-configuration/jwks"
	defaultSubjectClaim = "xero_userid"

	// DefaultRefreshMargin は有効期限のこの時間前からリフレッシュ対象とする。
	DefaultRefreshMargin = 60 * time.Second
)

// DefaultScopes はデフォルトで要求するスコープ。
var DefaultScopes = []string{"offline_access", "openid", "profile", "email", "practicemanager"}

// OIDCConfig はOpenID Connectプロバイダーの設定。
type OIDCConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// ユーザーIDとして使用するIDトークンのクレーム名
	SubjectClaim string

	// 有効期限がこの時間以内に迫った資格情報をリフレッシュする
	RefreshMargin time.Duration

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
	Issuer   string
	JWKSURL  string

	// IdPへのリクエストに使用するHTTPクライアント。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// OIDCProvider はOAuth2認可コードフロー（PKCE付き）とIDトークン検証、
// リフレッシュトークンによる資格情報の更新を提供する。
type OIDCProvider struct {
	config OIDCConfig
	oauth  *oauth2.Config
	jwks   *jwksCache
}

// NewOIDCProvider はOIDCProviderを生成する。
func NewOIDCProvider(config OIDCConfig) *OIDCProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultTokenURL
	}
	if config.Issuer == "" {
		config.Issuer = defaultIssuer
	}
	if config.JWKSURL == "" {
		config.JWKSURL = defaultJWKSURL
	}
	if len(config.Scopes) == 0 {
		config.Scopes = DefaultScopes
	}
	if config.SubjectClaim == "" {
		config.SubjectClaim = defaultSubjectClaim
	}
	if config.RefreshMargin <= 0 {
		config.RefreshMargin = DefaultRefreshMargin
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	return &OIDCProvider{
		config: config,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       config.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		jwks: newJWKSCache(config.JWKSURL, config.HTTPClient, jwksMinRefreshInterval),
	}
}

// Close は公開鍵セットのバックグラウンド再取得を停止する。
func (p *OIDCProvider) Close() {
	p.jwks.close()
}

// GetLoginURL は認可エンドポイントのURLを生成する。
// verifierはPKCEのcode_verifierで、S256チャレンジとして送信する。
func (p *OIDCProvider) GetLoginURL(state, verifier string) string {
	return p.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// ExchangeCode は認可コードを資格情報に交換し、IDトークンを検証してユーザー情報を返す。
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code, verifier string) (*OAuthUserInfo, error) {
	ctx = p.clientContext(ctx)

	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, fmt.Errorf("id_token missing from token response")
	}

	idToken, err := p.verifyIDToken(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id_token: %w", err)
	}

	identity := stringClaim(idToken, p.config.SubjectClaim)
	if identity == "" {
		return nil, fmt.Errorf("claim %q missing from id_token", p.config.SubjectClaim)
	}

	return &OAuthUserInfo{
		Identity:    model.UserIdentity(identity),
		DisplayName: displayName(idToken),
		Email:       stringClaim(idToken, "email"),
		Credential:  credentialFromToken(tok),
	}, nil
}

// CurrentValid は資格情報が有効期限内ならそのまま返し、期限切れ間近ならリフレッシュする。
// IdPがリフレッシュを拒否した場合はmodel.ErrCredentialRejectedをラップして返す。
func (p *OIDCProvider) CurrentValid(ctx context.Context, cred model.Credential) (model.Credential, error) {
	if !cred.ExpiresWithin(time.Now(), p.config.RefreshMargin) && cred.Valid() {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return model.Credential{}, fmt.Errorf("refresh token not set: %w", model.ErrCredentialRejected)
	}

	ctx = p.clientContext(ctx)
	current := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.ExpiresAt,
	}
	src := oauth2.ReuseTokenSourceWithExpiry(
		current,
		p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}),
		p.config.RefreshMargin,
	)

	tok, err := src.Token()
	if err != nil {
		if isRejection(err) {
			return model.Credential{}, fmt.Errorf("refresh rejected: %w: %w", model.ErrCredentialRejected, err)
		}
		return model.Credential{}, fmt.Errorf("refresh request failed: %w", err)
	}

	return credentialFromToken(tok), nil
}

// verifyIDToken はJWKSで署名を検証し、issuer・audience・有効期限をチェックする。
func (p *OIDCProvider) verifyIDToken(ctx context.Context, raw string) (jwt.Token, error) {
	set, err := p.jwks.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jwks: %w", err)
	}

	return jwt.Parse([]byte(raw),
		jwt.WithKeySet(set),
		jwt.WithIssuer(p.config.Issuer),
		jwt.WithAudience(p.config.ClientID),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30*time.Second),
	)
}

func (p *OIDCProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.config.HTTPClient)
}

// isRejection はトークンエンドポイントがリフレッシュトークンを拒否したかを判定する。
// 4xxは資格情報自体の問題、5xxや通信エラーは一時的な失敗として扱う。
func isRejection(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	if re.Response != nil {
		return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
	}
	return false
}

func credentialFromToken(tok *oauth2.Token) model.Credential {
	cred := model.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		cred.ExpiresAt = tok.Expiry.UTC()
	}
	return cred
}

func stringClaim(tok jwt.Token, name string) string {
	v, ok := tok.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// displayName は "名 姓" 形式の表示名を返す。取得できない場合はname、emailの順に使用する。
func displayName(tok jwt.Token) string {
	name := strings.TrimSpace(stringClaim(tok, "given_name") + " " + stringClaim(tok, "family_name"))
	if name != "" {
		return name
	}
	if name = stringClaim(tok, "name"); name != "" {
		return name
	}
	return stringClaim(tok, "email")
}

// compile-time interface check
var _ OAuthProvider = (*OIDCProvider)(nil)
