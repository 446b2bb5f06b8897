package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockSecrets is a test double for SecretStore.
type mockSecrets struct {
	values map[string]string
	err    error
}

func (m *mockSecrets) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[service+"/"+account]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (m *mockSecrets) Set(service, account, value string) error {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[service+"/"+account] = value
	return nil
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(writeTempConfig(t, `{}`), &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Server.MCPEnabled {
		t.Error("Server.MCPEnabled = true, want false")
	}
	if cfg.Embedding.Provider != "ollama" {
		t.Errorf("Embedding.Provider = %q, want ollama", cfg.Embedding.Provider)
	}
	if cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("Ollama.EmbedModel = %q", cfg.Ollama.EmbedModel)
	}
	if cfg.Classifier.TopK != 3 {
		t.Errorf("Classifier.TopK = %d, want 3", cfg.Classifier.TopK)
	}
	if cfg.Parser.Timezone != "America/Bogota" {
		t.Errorf("Parser.Timezone = %q", cfg.Parser.Timezone)
	}
	if d, err := cfg.RefreshInterval(); err != nil || d != 15*time.Minute {
		t.Errorf("RefreshInterval = %v, %v", d, err)
	}
	if cfg.Export.BigQueryEnabled() || cfg.Export.ArchiveEnabled() {
		t.Error("exports enabled by default")
	}
}

func TestFileValues(t *testing.T) {
	b := writeTempConfig(t, `{
		"server.port": 5000,
		"server.mcp_enabled": true,
		"storage.data_dir": "/tmp/gastos-test",
		"embedding.provider": "ollama",
		"ollama.base_url": "http://custom:11434",
		"classifier.top_k": 5,
		"refresh.interval": "1h",
		"export.gcp_project": "p",
		"export.bigquery_dataset": "d"
	}`)
	cfg, err := loadWith(b, &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 || !cfg.Server.MCPEnabled {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Storage.DataDir != "/tmp/gastos-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Ollama.BaseURL != "http://custom:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Classifier.TopK != 5 {
		t.Errorf("Classifier.TopK = %d", cfg.Classifier.TopK)
	}
	if !cfg.Export.BigQueryEnabled() {
		t.Error("BigQueryEnabled = false")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("GASTOS_SERVER_PORT", "6000")
	t.Setenv("GASTOS_OLLAMA_EMBED_MODEL", "env-embed")
	t.Setenv("GASTOS_SERVER_MCP_ENABLED", "true")

	cfg, err := loadWith(writeTempConfig(t, `{"server.port": 5000}`), &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Ollama.EmbedModel != "env-embed" {
		t.Errorf("Ollama.EmbedModel = %q", cfg.Ollama.EmbedModel)
	}
	if !cfg.Server.MCPEnabled {
		t.Error("MCPEnabled = false, want true")
	}
}

func TestEnvOverride_InvalidIntKeepsValue(t *testing.T) {
	t.Setenv("GASTOS_SERVER_PORT", "not-a-port")
	cfg, err := loadWith(writeTempConfig(t, `{}`), &mockSecrets{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}
}

func TestGeminiRequiresKey(t *testing.T) {
	t.Setenv("GASTOS_GEMINI_API_KEY", "")
	b := writeTempConfig(t, `{"embedding.provider": "gemini"}`)

	_, err := loadWith(b, &mockSecrets{})
	if err == nil || !strings.Contains(err.Error(), "missing required config") {
		t.Fatalf("error = %v, want missing required config", err)
	}

	secrets := &mockSecrets{values: map[string]string{"gastos/gemini_api_key": "stored-key"}}
	cfg, err := loadWith(b, secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gemini.APIKey != "stored-key" {
		t.Errorf("Gemini.APIKey = %q", cfg.Gemini.APIKey)
	}

	t.Setenv("GASTOS_GEMINI_API_KEY", "env-key")
	cfg, err = loadWith(b, secrets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gemini.APIKey != "env-key" {
		t.Errorf("Gemini.APIKey = %q, want env-key", cfg.Gemini.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"provider", `{"embedding.provider": "openai"}`, "embedding.provider"},
		{"timezone", `{"parser.timezone": "Mars/Olympus"}`, "parser.timezone"},
		{"interval", `{"refresh.interval": "soon"}`, "refresh.interval"},
		{"negative interval", `{"refresh.interval": "-1m"}`, "refresh.interval"},
		{"top k", `{"classifier.top_k": 0}`, "classifier.top_k"},
		{"port", `{"server.port": 70000}`, "server.port"},
		{"workers", `{"worker.concurrency": 0}`, "worker.concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWith(writeTempConfig(t, tt.json), &mockSecrets{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestFileBackend_InvalidInt(t *testing.T) {
	_, err := loadWith(writeTempConfig(t, `{"server.port": 1.5}`), &mockSecrets{})
	if err == nil {
		t.Fatal("expected error for fractional port")
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gastos", "config.json")
	b := newFileBackend(path)

	if err := setKey(b, "classifier.top_k", "7"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "server.mcp_enabled", "yes"); err == nil {
		t.Error("expected error for invalid bool")
	}
	if err := setKey(b, "server.mcp_enabled", "true"); err != nil {
		t.Fatalf("setKey bool: %v", err)
	}
	if err := setKey(b, "classifier.top_k", "many"); err == nil {
		t.Error("expected error for invalid int")
	}
	if err := setKey(b, "gemini.api_key", "x"); err == nil || !strings.Contains(err.Error(), "secret") {
		t.Errorf("setting secret: err = %v", err)
	}
	if err := setKey(b, "nope", "x"); err == nil || !strings.Contains(err.Error(), "classifier.top_k") {
		t.Errorf("unknown key: err = %v, want the valid keys listed", err)
	}
	for key, value := range map[string]string{
		"parser.timezone":    "Mars/Olympus",
		"refresh.interval":   "often",
		"embedding.provider": "openai",
		"server.port":        "70000",
		"classifier.top_k":   "0",
	} {
		if err := setKey(b, key, value); err == nil {
			t.Errorf("setKey(%s, %s) accepted an invalid value", key, value)
		}
	}

	cfg, err := loadWith(newFileBackend(path), &mockSecrets{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Classifier.TopK != 7 || !cfg.Server.MCPEnabled {
		t.Errorf("reloaded config = %+v / %+v", cfg.Classifier, cfg.Server)
	}
}

func TestShowAll_HidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Gemini.APIKey = "hidden"
	var sawKey bool
	for _, k := range ShowAll(cfg) {
		if k.Value == "hidden" {
			t.Errorf("ShowAll exposed secret %+v", k)
		}
		if k.Key == "gemini.api_key" {
			sawKey = true
			if !k.Secret || k.Value != "(set)" {
				t.Errorf("gemini.api_key row = %+v, want a secret marked (set)", k)
			}
		}
	}
	if !sawKey {
		t.Error("ShowAll omitted gemini.api_key")
	}
	for _, k := range ValidKeys() {
		if k == "gemini.api_key" {
			t.Error("ValidKeys lists a secret")
		}
	}
}

func TestGetAPIToken(t *testing.T) {
	t.Setenv("GASTOS_API_TOKEN", "")
	store := NewFileSecrets(filepath.Join(t.TempDir(), "secrets.json"))

	first, err := GetAPIToken(store)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64", len(first))
	}
	second, err := GetAPIToken(store)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if first != second {
		t.Error("token changed between calls")
	}

	t.Setenv("GASTOS_API_TOKEN", "from-env")
	if tok, _ := GetAPIToken(store); tok != "from-env" {
		t.Errorf("token = %q, want from-env", tok)
	}
}

func TestGetAPIToken_StoreError(t *testing.T) {
	t.Setenv("GASTOS_API_TOKEN", "")
	cause := errors.New("disk on fire")
	if _, err := GetAPIToken(&mockSecrets{err: cause}); !errors.Is(err, cause) {
		t.Errorf("error = %v, want %v", err, cause)
	}
}

func TestFileSecrets_RoundTrip(t *testing.T) {
	store := NewFileSecrets(filepath.Join(t.TempDir(), "nested", "secrets.json"))
	if _, err := store.Get("gastos", "missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get missing = %v, want ErrSecretNotFound", err)
	}
	if err := SetGeminiAPIKey(store, "k"); err != nil {
		t.Fatalf("SetGeminiAPIKey: %v", err)
	}
	if v, err := store.Get("gastos", "gemini_api_key"); err != nil || v != "k" {
		t.Errorf("Get = %q, %v", v, err)
	}
	if err := SetGeminiAPIKey(store, ""); err == nil {
		t.Error("expected error for empty key")
	}
}
