package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "GASTOS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "GASTOS_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "storage.data_dir", typ: kString, env: "GASTOS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "GASTOS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "parser.timezone", typ: kString, env: "GASTOS_PARSER_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Parser.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Parser.Timezone },
	},
	{
		key: "embedding.provider", typ: kString, env: "GASTOS_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "ollama.base_url", typ: kString, env: "GASTOS_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "GASTOS_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "gemini.embed_model", typ: kString, env: "GASTOS_GEMINI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.EmbedModel },
	},
	{
		key: "gemini.api_key", typ: kString, env: "GASTOS_GEMINI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "classifier.top_k", typ: kInt, env: "GASTOS_CLASSIFIER_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Classifier.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Classifier.TopK },
	},
	{
		key: "refresh.interval", typ: kString, env: "GASTOS_REFRESH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Refresh.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Refresh.Interval },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "GASTOS_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.batch_size", typ: kInt, env: "GASTOS_WORKER_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Worker.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.BatchSize },
	},
	{
		key: "export.gcp_project", typ: kString, env: "GASTOS_EXPORT_GCP_PROJECT",
		apply:   func(cfg *Config, v any) { cfg.Export.GCPProject = v.(string) },
		extract: func(cfg Config) any { return cfg.Export.GCPProject },
	},
	{
		key: "export.bigquery_dataset", typ: kString, env: "GASTOS_EXPORT_BIGQUERY_DATASET",
		apply:   func(cfg *Config, v any) { cfg.Export.BigQueryDataset = v.(string) },
		extract: func(cfg Config) any { return cfg.Export.BigQueryDataset },
	},
	{
		key: "export.bigquery_table", typ: kString, env: "GASTOS_EXPORT_BIGQUERY_TABLE",
		apply:   func(cfg *Config, v any) { cfg.Export.BigQueryTable = v.(string) },
		extract: func(cfg Config) any { return cfg.Export.BigQueryTable },
	},
	{
		key: "export.gcs_bucket", typ: kString, env: "GASTOS_EXPORT_GCS_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Export.GCSBucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Export.GCSBucket },
	},
	{
		key: "export.gcs_prefix", typ: kString, env: "GASTOS_EXPORT_GCS_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Export.GCSPrefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Export.GCSPrefix },
	},
	{
		key: "export.credentials_file", typ: kString, env: "GASTOS_EXPORT_CREDENTIALS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Export.CredentialsFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Export.CredentialsFile },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
