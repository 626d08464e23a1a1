package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "API_ADDR", "FLOW_BASE_URL", "PY_AI_BASE_URL", "SAML_ENTRY_POINT", "SAML_IDP_CERT", "SAML_IDP_CERT_FILE", "CHAT_HISTORY_LIMIT"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":3000" {
		t.Errorf("Addr = %q, want :3000", cfg.Addr)
	}
	if cfg.FlowBaseURL != "http://127.0.0.1:8001" {
		t.Errorf("FlowBaseURL = %q", cfg.FlowBaseURL)
	}
	if cfg.ChatHistoryLimit != 20 {
		t.Errorf("ChatHistoryLimit = %d, want 20", cfg.ChatHistoryLimit)
	}
	if cfg.SSO.Enabled() {
		t.Error("SSO should be disabled without entry point and certificate")
	}
	if cfg.SSO.CallbackURL != "http://localhost:3000/api/auth/callback" {
		t.Errorf("CallbackURL = %q", cfg.SSO.CallbackURL)
	}
}

func TestLoadFlowBaseURLFallsBackToLegacyName(t *testing.T) {
	t.Setenv("FLOW_BASE_URL", "")
	t.Setenv("PY_AI_BASE_URL", "http://flow.internal:8000/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.FlowBaseURL != "http://flow.internal:8000" {
		t.Fatalf("FlowBaseURL = %q", cfg.FlowBaseURL)
	}
}

func TestLoadPortForms(t *testing.T) {
	cases := map[string]string{
		"8080":         ":8080",
		":9090":        ":9090",
		"0.0.0.0:7000": "0.0.0.0:7000",
	}
	for port, want := range cases {
		t.Setenv("API_ADDR", "")
		t.Setenv("PORT", port)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Addr != want {
			t.Errorf("PORT=%q: Addr = %q, want %q", port, cfg.Addr, want)
		}
	}
}

func TestLoadSSOEnabledFromCertFile(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "idp.pem")
	if err := os.WriteFile(certPath, []byte("  MIIBcert  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SAML_IDP_CERT", "")
	t.Setenv("SAML_IDP_CERT_FILE", certPath)
	t.Setenv("SAML_ENTRY_POINT", "https://idp.example.com/sso")
	t.Setenv("SSO_SESSION_TTL_SECONDS", "60")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.SSO.Enabled() {
		t.Fatal("expected SSO to be enabled")
	}
	if cfg.SSO.IDPCert != "MIIBcert" {
		t.Errorf("IDPCert = %q", cfg.SSO.IDPCert)
	}
	if cfg.SSOSessionTTL != time.Minute {
		t.Errorf("SSOSessionTTL = %v", cfg.SSOSessionTTL)
	}
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("CHAT_HISTORY_LIMIT", "twenty")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed CHAT_HISTORY_LIMIT")
	}
}

func TestLoadDBPool(t *testing.T) {
	t.Setenv("DB_MAX_OPEN_CONNS", "")
	t.Setenv("DB_MAX_IDLE_CONNS", "")
	t.Setenv("DB_CONN_MAX_LIFETIME_SECONDS", "")
	t.Setenv("DB_CONN_MAX_IDLE_SECONDS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := DBPoolConfig{MaxOpenConns: 20, MaxIdleConns: 10, ConnMaxLifetime: 30 * time.Minute, ConnMaxIdleTime: 5 * time.Minute}
	if cfg.DBPool != want {
		t.Errorf("DBPool = %+v, want %+v", cfg.DBPool, want)
	}

	t.Setenv("DB_MAX_OPEN_CONNS", "50")
	t.Setenv("DB_MAX_IDLE_CONNS", "25")
	t.Setenv("DB_CONN_MAX_LIFETIME_SECONDS", "600")
	t.Setenv("DB_CONN_MAX_IDLE_SECONDS", "30")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want = DBPoolConfig{MaxOpenConns: 50, MaxIdleConns: 25, ConnMaxLifetime: 10 * time.Minute, ConnMaxIdleTime: 30 * time.Second}
	if cfg.DBPool != want {
		t.Errorf("DBPool = %+v, want %+v", cfg.DBPool, want)
	}

	t.Setenv("DB_MAX_OPEN_CONNS", "lots")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed DB_MAX_OPEN_CONNS")
	}
}
