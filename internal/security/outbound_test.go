package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewOutboundClientTimeout はタイムアウト設定が反映されることをテストする。
func TestNewOutboundClientTimeout(t *testing.T) {
	for _, insecure := range []bool{false, true} {
		client := NewOutboundClient(5*time.Second, insecure)
		if client.Timeout != 5*time.Second {
			t.Errorf("insecure=%v: expected timeout 5s, got %v", insecure, client.Timeout)
		}
		if client.Transport == nil || client.Transport == http.DefaultTransport {
			t.Errorf("insecure=%v: expected wrapped transport", insecure)
		}
	}
}

// TestNewOutboundClientBlocksLoopback は制限付きクライアントがループバックをブロックすることをテストする。
func TestNewOutboundClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewOutboundClient(5*time.Second, false)
	resp, err := client.Get(ts.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected error for loopback address request, got nil")
	}
}

// TestNewOutboundClientInsecureAllowsLoopback はローカル開発モードでループバックに接続できることをテストする。
func TestNewOutboundClientInsecureAllowsLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := NewOutboundClient(5*time.Second, true)
	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
}

// TestValidateEndpoint_Public は公開HTTPSエンドポイントが許可されることをテストする。
func TestValidateEndpoint_Public(t *testing.T) {
	urls := []string{
		"https://identity.xero.com/connect/token",
		"https://api.xero.com/connections",
		"https://api.xero.com/practicemanager/3.0/",
	}
	for _, u := range urls {
		t.Run(u, func(t *testing.T) {
			if err := ValidateEndpoint(u, false); err != nil {
				t.Errorf("ValidateEndpoint(%q) returned error: %v", u, err)
			}
		})
	}
}

// TestValidateEndpoint_Rejected は危険または平文のエンドポイントが拒否されることをテストする。
func TestValidateEndpoint_Rejected(t *testing.T) {
	urls := []string{
		"",
		"not-a-url",
		"http://api.example.com/",
		"ftp://example.com/",
		"https://10.0.0.1/",
		"https://192.168.1.100/",
		"https://127.0.0.1/",
		"https://localhost/",
		"https://169.254.169.254/latest/meta-data/",
		"https://[::1]/",
	}
	for _, u := range urls {
		t.Run(u, func(t *testing.T) {
			if err := ValidateEndpoint(u, false); err == nil {
				t.Errorf("ValidateEndpoint(%q) should have returned error", u)
			}
		})
	}
}

// TestValidateEndpoint_Insecure はローカル開発モードでhttpとループバックが許可されることをテストする。
func TestValidateEndpoint_Insecure(t *testing.T) {
	for _, u := range []string{"http://127.0.0.1:8081/token", "http://localhost:9000/"} {
		if err := ValidateEndpoint(u, true); err != nil {
			t.Errorf("ValidateEndpoint(%q, true) returned error: %v", u, err)
		}
	}
	if err := ValidateEndpoint("ftp://localhost/", true); err == nil {
		t.Error("expected ftp scheme to be rejected even in insecure mode")
	}
}
