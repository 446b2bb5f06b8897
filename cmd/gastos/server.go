package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/gastos/internal/api"
	"github.com/kalambet/gastos/internal/classifier"
	"github.com/kalambet/gastos/internal/config"
	"github.com/kalambet/gastos/internal/embedding"
	"github.com/kalambet/gastos/internal/export"
	"github.com/kalambet/gastos/internal/ingest"
	"github.com/kalambet/gastos/internal/parser"
	"github.com/kalambet/gastos/internal/refresh"
	"github.com/kalambet/gastos/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gastos server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gastos server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gastos system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "gastos.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func newProvider(ctx context.Context, cfg config.Config) (embedding.Provider, error) {
	return embedding.Detect(ctx, embedding.DetectConfig{
		Provider:      cfg.Embedding.Provider,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OllamaModel:   cfg.Ollama.EmbedModel,
		GeminiAPIKey:  cfg.Gemini.APIKey,
		GeminiModel:   cfg.Gemini.EmbedModel,
	})
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "gastos version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log.Level))

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	refreshInterval, err := cfg.RefreshInterval()
	if err != nil {
		return err
	}

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("gastos is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("gastos is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("configuring embedding provider: %w", err)
	}
	if err := provider.EnsureReady(ctx, os.Stderr); err != nil {
		return err
	}
	slog.Info("embedding provider ready", "provider", provider.Name(), "model", provider.Model())

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Jobs left running by a previous process never finished.
	if n, err := store.RequeueStale(time.Now()); err != nil {
		slog.Warn("requeueing stale jobs failed", "error", err)
	} else if n > 0 {
		slog.Info("requeued stale jobs", "count", n)
	}

	holder := &classifier.SnapshotHolder{}
	cls := classifier.New(provider, classifier.WithTopK(cfg.Classifier.TopK))
	processor := parser.NewProcessor(nil, parser.WithLocation(loc))

	refreshOpts := []refresh.Option{refresh.WithLogger(slog.Default())}
	if cfg.Export.ArchiveEnabled() {
		archiver, err := export.NewGCSArchiver(ctx, cfg.Export.GCSBucket, cfg.Export.GCSPrefix, cfg.Export.CredentialsFile)
		if err != nil {
			return fmt.Errorf("configuring snapshot archive: %w", err)
		}
		defer archiver.Close()
		refreshOpts = append(refreshOpts, refresh.WithArchiver(archiver))
		slog.Info("snapshot archive enabled", "bucket", cfg.Export.GCSBucket, "prefix", cfg.Export.GCSPrefix)
	}
	refresher := refresh.New(store, provider, holder, refreshOpts...)
	go refresher.Run(ctx, refreshInterval)

	worker := ingest.NewWorker(store, processor, cls, holder, ingest.Config{
		BatchSize:   cfg.Worker.BatchSize,
		Concurrency: cfg.Worker.Concurrency,
	})
	worker.SetLogger(slog.Default())
	go worker.Run(ctx)

	handler := api.NewAppHandler(api.AppDeps{
		Store:      store,
		Processor:  processor,
		Classifier: cls,
		Snapshots:  holder,
		Refresher:  refresher,
		Token:      apiToken,
		Logger:     slog.Default(),
	})

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:      store,
			Processor:  processor,
			Classifier: cls,
			Snapshots:  holder,
			Refresher:  refresher,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "gastos listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("gastos is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop gastos (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to gastos (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		printError("%v", err)
		return nil
	}
	client.httpClient.Timeout = 2 * time.Second

	if err := printServerStatus(ctx, client, cfg.Server.Port); err != nil {
		printStatus("Server", "stopped")
	}

	printStatus("Embeddings", "%s", cfg.Embedding.Provider)
	switch cfg.Embedding.Provider {
	case "gemini":
		printStatus("Embed model", "%s", cfg.Gemini.EmbedModel)
	default:
		printStatus("Embed model", "%s at %s", cfg.Ollama.EmbedModel, cfg.Ollama.BaseURL)
	}
	printStatus("Timezone", "%s", cfg.Parser.Timezone)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	if cfg.Export.BigQueryEnabled() {
		printStatus("BigQuery", "%s.%s.%s", cfg.Export.GCPProject, cfg.Export.BigQueryDataset, cfg.Export.BigQueryTable)
	}
	if cfg.Export.ArchiveEnabled() {
		printStatus("Archive", "gs://%s/%s", cfg.Export.GCSBucket, cfg.Export.GCSPrefix)
	}
	return nil
}

func printServerStatus(ctx context.Context, client *apiClient, port int) error {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, nil); err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}
	printStatus("Server", "running on port %d", port)

	var snap api.SnapshotStatus
	if resp, err := client.get(ctx, "/snapshot"); err == nil && decodeJSON(resp, &snap) == nil {
		if snap.Available {
			printStatus("Snapshot", "%s (%d references, %s)", shortID(snap.Version), snap.References, snap.Model)
		} else {
			printStatus("Snapshot", "unavailable, add labels with \"gastos labels add\"")
		}
	}

	var stats storage.Stats
	if resp, err := client.get(ctx, "/stats"); err == nil && decodeJSON(resp, &stats) == nil {
		printStatus("Emails", "%d parsed, %d failed, %d pending",
			stats.Emails[storage.EmailParsed], stats.Emails[storage.EmailFailed], stats.Emails[storage.EmailPending])
		printStatus("Transactions", "%d (%d to review)", stats.Transactions, stats.NeedsReview)
		printStatus("Labels", "%d", stats.Labels)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
