package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/hitoshi/tenantlens/internal/model"
)

const (
	testIssuer   = "https://identity.test"
	testClientID = "test-client-id"
)

// testIdP はJWKSとトークンエンドポイントを提供するテスト用IdP。
type testIdP struct {
	t          *testing.T
	server     *httptest.Server
	signingKey jwk.Key

	idTokenClaims map[string]interface{}
	exchangeHits  atomic.Int32
	refreshHits   atomic.Int32
	jwksHits      atomic.Int32
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	priv, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatalf("failed to build jwk: %v", err)
	}
	priv.Set(jwk.KeyIDKey, "test-kid")
	priv.Set(jwk.AlgorithmKey, jwa.RS256)

	pub, err := jwk.PublicKeyOf(priv)
	if err != nil {
		t.Fatalf("failed to derive public key: %v", err)
	}
	pub.Set(jwk.KeyIDKey, "test-kid")
	pub.Set(jwk.AlgorithmKey, jwa.RS256)

	set := jwk.NewSet()
	set.AddKey(pub)

	idp := &testIdP{
		t:          t,
		signingKey: priv,
		idTokenClaims: map[string]interface{}{
			jwt.IssuerKey:   testIssuer,
			jwt.AudienceKey: testClientID,
			jwt.SubjectKey:  "sub-abc",
			"xero_userid":   "user-123",
			"given_name":    "Jane",
			"family_name":   "Doe",
			"email":         "jane@example.com",
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		idp.jwksHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/token", idp.handleToken)
	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)

	return idp
}

func (idp *testIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	clientID, secret, ok := r.BasicAuth()
	if !ok || clientID != testClientID || secret != "test-secret" {
		writeTokenError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		idp.exchangeHits.Add(1)
		if r.PostForm.Get("code_verifier") == "" {
			writeTokenError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		resp := map[string]interface{}{
			"access_token":  "at-initial",
			"token_type":    "Bearer",
			"expires_in":    1800,
			"refresh_token": "rt-initial",
		}
		if r.PostForm.Get("code") != "no-id-token" {
			resp["id_token"] = idp.signIDToken()
		}
		writeJSON(w, resp)

	case "refresh_token":
		idp.refreshHits.Add(1)
		switch r.PostForm.Get("refresh_token") {
		case "rt-revoked":
			writeTokenError(w, http.StatusBadRequest, "invalid_grant")
		case "rt-unavailable":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			writeJSON(w, map[string]interface{}{
				"access_token":  "at-refreshed",
				"token_type":    "Bearer",
				"expires_in":    1800,
				"refresh_token": "rt-rotated",
			})
		}

	default:
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (idp *testIdP) signIDToken() string {
	tok := jwt.New()
	for k, v := range idp.idTokenClaims {
		tok.Set(k, v)
	}
	now := time.Now()
	tok.Set(jwt.IssuedAtKey, now)
	tok.Set(jwt.ExpirationKey, now.Add(5*time.Minute))

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, idp.signingKey))
	if err != nil {
		idp.t.Fatalf("failed to sign id_token: %v", err)
	}
	return string(signed)
}

func (idp *testIdP) provider() *OIDCProvider {
	p := NewOIDCProvider(OIDCConfig{
		ClientID:     testClientID,
		ClientSecret: "test-secret",
		RedirectURL:  "http://localhost:8080/auth/callback",
		AuthURL:      idp.server.URL + "/authorize",
		TokenURL:     idp.server.URL + "/token",
		Issuer:       testIssuer,
		JWKSURL:      idp.server.URL + "/jwks",
		HTTPClient:   idp.server.Client(),
	})
	idp.t.Cleanup(p.Close)
	return p
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeTokenError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func TestOIDCProvider_GetLoginURL_ContainsRequiredParams(t *testing.T) {
	provider := NewOIDCProvider(OIDCConfig{
		ClientID:    testClientID,
		RedirectURL: "http://localhost:8080/auth/callback",
	})

	url := provider.GetLoginURL("test-state-value", "test-verifier-0123456789012345678901234567890123")

	tests := []struct {
		name     string
		contains string
	}{
		{"authorize endpoint", defaultAuthURL},
		{"client_id", "client_id=" + testClientID},
		{"redirect_uri", "redirect_uri="},
		{"state", "state=test-state-value"},
		{"response_type", "response_type=code"},
		{"pkce challenge", "code_challenge="},
		{"pkce method", "code_challenge_method=S256"},
		{"scope offline_access", "offline_access"},
		{"scope practicemanager", "practicemanager"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(url, tt.contains) {
				t.Errorf("URL should contain %q, got %q", tt.contains, url)
			}
		})
	}

	if strings.Contains(url, "test-verifier") {
		t.Error("URL must not contain the raw code_verifier")
	}
}

func TestOIDCProvider_ExchangeCode_Success(t *testing.T) {
	idp := newTestIdP(t)
	provider := idp.provider()

	info, err := provider.ExchangeCode(context.Background(), "auth-code", "verifier")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if info.Identity != "user-123" {
		t.Errorf("Identity = %q, want %q", info.Identity, "user-123")
	}
	if info.DisplayName != "Jane Doe" {
		t.Errorf("DisplayName = %q, want %q", info.DisplayName, "Jane Doe")
	}
	if info.Email != "jane@example.com" {
		t.Errorf("Email = %q, want %q", info.Email, "jane@example.com")
	}
	if info.Credential.AccessToken != "at-initial" || info.Credential.RefreshToken != "rt-initial" {
		t.Errorf("unexpected credential: %+v", info.Credential)
	}
	if remaining := time.Until(info.Credential.ExpiresAt); remaining < 25*time.Minute || remaining > 31*time.Minute {
		t.Errorf("unexpected expiry: %v remaining", remaining)
	}
	if info.Credential.ExpiresAt.Location() != time.UTC {
		t.Errorf("expected UTC expiry, got %v", info.Credential.ExpiresAt.Location())
	}
}

func TestOIDCProvider_ExchangeCode_SubjectClaimOverride(t *testing.T) {
	idp := newTestIdP(t)
	provider := NewOIDCProvider(OIDCConfig{
		ClientID:     testClientID,
		ClientSecret: "test-secret",
		TokenURL:     idp.server.URL + "/token",
		Issuer:       testIssuer,
		JWKSURL:      idp.server.URL + "/jwks",
		SubjectClaim: "sub",
		HTTPClient:   idp.server.Client(),
	})
	t.Cleanup(provider.Close)

	info, err := provider.ExchangeCode(context.Background(), "auth-code", "verifier")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if info.Identity != "sub-abc" {
		t.Errorf("Identity = %q, want %q", info.Identity, "sub-abc")
	}
}

func TestOIDCProvider_ExchangeCode_RejectsWrongAudience(t *testing.T) {
	idp := newTestIdP(t)
	idp.idTokenClaims[jwt.AudienceKey] = "someone-else"

	if _, err := idp.provider().ExchangeCode(context.Background(), "auth-code", "verifier"); err == nil {
		t.Fatal("expected error for id_token with wrong audience")
	}
}

func TestOIDCProvider_ExchangeCode_RejectsWrongIssuer(t *testing.T) {
	idp := newTestIdP(t)
	idp.idTokenClaims[jwt.IssuerKey] = "https://evil.test"

	if _, err := idp.provider().ExchangeCode(context.Background(), "auth-code", "verifier"); err == nil {
		t.Fatal("expected error for id_token with wrong issuer")
	}
}

func TestOIDCProvider_ExchangeCode_MissingIDToken(t *testing.T) {
	idp := newTestIdP(t)

	if _, err := idp.provider().ExchangeCode(context.Background(), "no-id-token", "verifier"); err == nil {
		t.Fatal("expected error when id_token is missing")
	}
}

func TestOIDCProvider_ExchangeCode_CachesJWKS(t *testing.T) {
	idp := newTestIdP(t)
	provider := idp.provider()

	for i := 0; i < 3; i++ {
		if _, err := provider.ExchangeCode(context.Background(), "auth-code", "verifier"); err != nil {
			t.Fatalf("ExchangeCode() #%d error = %v", i, err)
		}
	}
	if hits := idp.jwksHits.Load(); hits != 1 {
		t.Errorf("expected JWKS to be fetched once, got %d", hits)
	}
}

// 有効期限内の資格情報ではトークンエンドポイントを呼び出さない
func TestOIDCProvider_CurrentValid_NoRefreshInsideValidityWindow(t *testing.T) {
	idp := newTestIdP(t)
	provider := idp.provider()
	cred := model.Credential{AccessToken: "at-valid", RefreshToken: "rt-valid", ExpiresAt: time.Now().Add(20 * time.Minute)}

	for i := 0; i < 2; i++ {
		got, err := provider.CurrentValid(context.Background(), cred)
		if err != nil {
			t.Fatalf("CurrentValid() error = %v", err)
		}
		if got.AccessToken != "at-valid" {
			t.Errorf("AccessToken = %q, want at-valid", got.AccessToken)
		}
	}
	if hits := idp.refreshHits.Load(); hits != 0 {
		t.Errorf("expected no refresh calls, got %d", hits)
	}
}

func TestOIDCProvider_CurrentValid_RefreshesExpired(t *testing.T) {
	idp := newTestIdP(t)
	provider := idp.provider()
	cred := model.Credential{AccessToken: "at-old", RefreshToken: "rt-old", ExpiresAt: time.Now().Add(-time.Minute)}

	got, err := provider.CurrentValid(context.Background(), cred)
	if err != nil {
		t.Fatalf("CurrentValid() error = %v", err)
	}
	if got.AccessToken != "at-refreshed" || got.RefreshToken != "rt-rotated" {
		t.Errorf("unexpected refreshed credential: %+v", got)
	}
	if !got.ExpiresAt.After(time.Now().Add(20 * time.Minute)) {
		t.Errorf("refreshed expiry not updated: %v", got.ExpiresAt)
	}
	if hits := idp.refreshHits.Load(); hits != 1 {
		t.Errorf("expected one refresh call, got %d", hits)
	}
}

// リフレッシュマージン以内に期限が迫った資格情報はリフレッシュする
func TestOIDCProvider_CurrentValid_RefreshesInsideMargin(t *testing.T) {
	idp := newTestIdP(t)
	provider := idp.provider()
	cred := model.Credential{AccessToken: "at-old", RefreshToken: "rt-old", ExpiresAt: time.Now().Add(DefaultRefreshMargin / 2)}

	got, err := provider.CurrentValid(context.Background(), cred)
	if err != nil {
		t.Fatalf("CurrentValid() error = %v", err)
	}
	if got.AccessToken != "at-refreshed" {
		t.Errorf("AccessToken = %q, want at-refreshed", got.AccessToken)
	}
}

func TestOIDCProvider_CurrentValid_RevokedIsRejected(t *testing.T) {
	idp := newTestIdP(t)
	cred := model.Credential{AccessToken: "at-old", RefreshToken: "rt-revoked", ExpiresAt: time.Now().Add(-time.Minute)}

	_, err := idp.provider().CurrentValid(context.Background(), cred)
	if !errors.Is(err, model.ErrCredentialRejected) {
		t.Fatalf("expected ErrCredentialRejected, got %v", err)
	}
}

func TestOIDCProvider_CurrentValid_ServerErrorIsNotRejection(t *testing.T) {
	idp := newTestIdP(t)
	cred := model.Credential{AccessToken: "at-old", RefreshToken: "rt-unavailable", ExpiresAt: time.Now().Add(-time.Minute)}

	_, err := idp.provider().CurrentValid(context.Background(), cred)
	if err == nil {
		t.Fatal("expected error for 503 from token endpoint")
	}
	if errors.Is(err, model.ErrCredentialRejected) {
		t.Errorf("5xx must not be treated as rejection: %v", err)
	}
}

func TestOIDCProvider_CurrentValid_MissingRefreshToken(t *testing.T) {
	provider := NewOIDCProvider(OIDCConfig{ClientID: testClientID})
	cred := model.Credential{AccessToken: "at-old", ExpiresAt: time.Now().Add(-time.Minute)}

	_, err := provider.CurrentValid(context.Background(), cred)
	if !errors.Is(err, model.ErrCredentialRejected) {
		t.Fatalf("expected ErrCredentialRejected, got %v", err)
	}
}
