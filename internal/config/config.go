package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Parser     ParserConfig
	Embedding  EmbeddingConfig
	Ollama     OllamaConfig
	Gemini     GeminiConfig
	Classifier ClassifierConfig
	Refresh    RefreshConfig
	Worker     WorkerConfig
	Export     ExportConfig
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type ParserConfig struct {
	// Timezone is the IANA zone notification timestamps are written in.
	Timezone string
}

type EmbeddingConfig struct {
	Provider string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type GeminiConfig struct {
	APIKey     string
	EmbedModel string
}

type ClassifierConfig struct {
	TopK int
}

type RefreshConfig struct {
	Interval string
}

type WorkerConfig struct {
	Concurrency int
	BatchSize   int
}

type ExportConfig struct {
	GCPProject      string
	BigQueryDataset string
	BigQueryTable   string
	GCSBucket       string
	GCSPrefix       string
	CredentialsFile string
}

// BigQueryEnabled reports whether the transaction export is configured.
func (e ExportConfig) BigQueryEnabled() bool {
	return e.GCPProject != "" && e.BigQueryDataset != ""
}

// ArchiveEnabled reports whether snapshots are archived to GCS.
func (e ExportConfig) ArchiveEnabled() bool {
	return e.GCSBucket != ""
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Parser: ParserConfig{
			Timezone: "America/Bogota",
		},
		Embedding: EmbeddingConfig{
			Provider: "ollama",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Gemini: GeminiConfig{
			EmbedModel: "text-embedding-004",
		},
		Classifier: ClassifierConfig{
			TopK: 3,
		},
		Refresh: RefreshConfig{
			Interval: "15m",
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			BatchSize:   16,
		},
		Export: ExportConfig{
			BigQueryTable: "transactions",
			GCSPrefix:     "snapshots",
		},
	}
}

// Location returns the parser time zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Parser.Timezone)
	if err != nil {
		return nil, fmt.Errorf("parser.timezone %q: %w", c.Parser.Timezone, err)
	}
	return loc, nil
}

// RefreshInterval returns refresh.interval as a duration.
func (c Config) RefreshInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Refresh.Interval)
	if err != nil {
		return 0, fmt.Errorf("refresh.interval %q: %w", c.Refresh.Interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("refresh.interval must be positive, got %s", d)
	}
	return d, nil
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/gastos/config.json, then applies GASTOS_* environment
// overrides. Secrets come from the environment or the secrets file.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Gemini.APIKey == "" {
		if key, err := secrets.Get(secretService, geminiAccount); err == nil && key != "" {
			cfg.Gemini.APIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch strings.ToLower(c.Embedding.Provider) {
	case "ollama":
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("missing required config: Gemini API key. " +
				"Set it via environment variable GASTOS_GEMINI_API_KEY or the secrets file")
		}
	default:
		return fmt.Errorf("embedding.provider must be ollama or gemini, got %q", c.Embedding.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Classifier.TopK <= 0 {
		return fmt.Errorf("classifier.top_k must be positive, got %d", c.Classifier.TopK)
	}
	if c.Worker.Concurrency <= 0 || c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.concurrency (%d) and worker.batch_size (%d) must be positive", c.Worker.Concurrency, c.Worker.BatchSize)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.RefreshInterval(); err != nil {
		return err
	}
	return nil
}
