package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	secretService = "gastos"
	geminiAccount = "gemini_api_key"
	tokenAccount  = "api_token"

	apiTokenEnv = "GASTOS_API_TOKEN"
)

// ErrSecretNotFound is returned when a secret has not been stored.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore reads and writes secrets outside the plain config file.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// FileSecrets keeps secrets in a 0600 JSON file shaped
// {"service": {"account": "value"}}.
type FileSecrets struct {
	path string
	mu   sync.Mutex
}

// NewSecretStore returns the secrets file under $XDG_DATA_HOME/gastos.
func NewSecretStore() *FileSecrets {
	return &FileSecrets{path: secretsFilePath()}
}

// NewFileSecrets returns a secret store backed by path.
func NewFileSecrets(path string) *FileSecrets {
	return &FileSecrets{path: path}
}

func secretsFilePath() string {
	dir := dataHome()
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "gastos", "secrets.json")
}

func (f *FileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = map[string]map[string]string{}
	}
	return secrets, nil
}

func (f *FileSecrets) Get(service, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
	}
	return val, nil
}

func (f *FileSecrets) Set(service, account, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// GetAPIToken returns the bearer token for the HTTP API. GASTOS_API_TOKEN wins;
// otherwise the stored token is used, and a random one is generated and stored
// on first use.
func GetAPIToken(store SecretStore) (string, error) {
	if tok := os.Getenv(apiTokenEnv); tok != "" {
		return tok, nil
	}
	tok, err := store.Get(secretService, tokenAccount)
	if err == nil && tok != "" {
		return tok, nil
	}
	if err != nil && !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := store.Set(secretService, tokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// SetGeminiAPIKey stores the Gemini API key in the secret store.
func SetGeminiAPIKey(store SecretStore, key string) error {
	if key == "" {
		return fmt.Errorf("empty Gemini API key")
	}
	return store.Set(secretService, geminiAccount, key)
}
