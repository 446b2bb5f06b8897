package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/gastos/internal/api"
	"github.com/kalambet/gastos/internal/config"
	"github.com/kalambet/gastos/internal/export"
	"github.com/kalambet/gastos/internal/mailbox"
	"github.com/kalambet/gastos/internal/parser"
	"github.com/kalambet/gastos/internal/storage"
)

// readInput returns --text, else the contents of --file, else stdin when --file is "-".
func readInput(cmd *cobra.Command) (string, error) {
	text, _ := cmd.Flags().GetString("text")
	file, _ := cmd.Flags().GetString("file")
	switch {
	case text != "":
		return text, nil
	case file == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	}
	return "", errors.New("one of --text or --file is required")
}

// --- parse ---

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Parse a notification locally and print the transaction",
	Long: `Parse a Bancolombia notification without the server and print the
normalized transaction as JSON.

Examples:
  gastos parse --text "Bancolombia: Compraste COP50.000,00 en EXITO ..."
  gastos parse --file ./alert.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readInput(cmd)
		if err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		loc, err := cfg.Location()
		if err != nil {
			return err
		}

		p := parser.NewProcessor(nil, parser.WithLocation(loc))
		info, err := p.Process(parser.RawEmail{Text: text, ReceivedAt: time.Now()})
		if err != nil {
			return fmt.Errorf("%s: %w", parser.Reason(err), err)
		}
		return printJSON(cmd.OutOrStdout(), info)
	},
}

func init() {
	parseCmd.Flags().String("text", "", "notification text")
	parseCmd.Flags().String("file", "", "file holding the notification text (- for stdin)")
}

// --- classify ---

var classifyCmd = &cobra.Command{
	Use:   "classify <merchant>...",
	Short: "Assign a category to one or more merchants",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/classify", map[string]any{"merchant": args})
		if err != nil {
			return err
		}
		var results []api.ClassifyResult
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, r := range results {
			if r.Error != "" {
				fmt.Fprintf(w, "%s\t%s\n", r.Merchant, colorize(colorRed, r.Error))
				continue
			}
			mark := ""
			if r.FastPath {
				mark = " (exact)"
			}
			fmt.Fprintf(w, "%s\t%s\t%.3f%s\n", r.Merchant, colorize(colorBold, string(r.Category)), r.Confidence, mark)
		}
		return w.Flush()
	},
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Queue notification emails for parsing",
	Long: `Queue notification emails for parsing and classification.

A .eml file is read as an email and skipped unless it comes from a known
Bancolombia sender. A .pdf file is split into its notifications and each one
is queued. Anything else is queued as plain notification text.

Examples:
  gastos ingest --text "Bancolombia: Recibiste una transferencia ..."
  gastos ingest --file ./alert.eml
  gastos ingest --file ./statement.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		anySender, _ := cmd.Flags().GetBool("any-sender")

		var reqs []api.EmailRequest
		switch {
		case text != "":
			reqs = []api.EmailRequest{{Text: text}}
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			reqs, err = emailRequests(file, data, anySender)
			if err != nil {
				return err
			}
		default:
			return errors.New("one of --text or --file is required")
		}

		if len(reqs) == 0 {
			printWarning("Nothing to ingest")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var failed int
		for _, req := range reqs {
			resp, err := client.post(cmd.Context(), "/emails", req)
			if err != nil {
				return err
			}
			var result struct {
				ID    string `json:"id"`
				JobID string `json:"job_id"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				var apiErr *apiError
				if errors.As(err, &apiErr) && apiErr.Type == "conflict" {
					printWarning("Already ingested %s", req.LogID)
					continue
				}
				printError("%v", err)
				failed++
				continue
			}
			printSuccess("Queued email %s", result.ID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d emails failed to queue", failed, len(reqs))
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "notification text")
	ingestCmd.Flags().String("file", "", "notification file (.eml, .pdf or text)")
	ingestCmd.Flags().Bool("any-sender", false, "accept .eml files from any sender")
}

// emailRequests turns an input file into submissions based on its extension.
func emailRequests(name string, data []byte, anySender bool) ([]api.EmailRequest, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".eml":
		msg, err := mailbox.ReadMessageBytes(data)
		if err != nil {
			return nil, err
		}
		if !anySender && !msg.FromSender(mailbox.DefaultSenders) {
			printWarning("Skipping %s: sender %s is not a known bank address", name, msg.From)
			return nil, nil
		}
		req := api.EmailRequest{
			Text:    msg.Text,
			LogID:   msg.MessageID,
			Sender:  msg.From,
			Subject: msg.Subject,
		}
		if !msg.Date.IsZero() {
			req.ReceivedAt = &msg.Date
		}
		return []api.EmailRequest{req}, nil
	case ".pdf":
		notes, err := mailbox.PDFNotifications(data)
		if err != nil {
			return nil, err
		}
		reqs := make([]api.EmailRequest, len(notes))
		for i, n := range notes {
			reqs[i] = api.EmailRequest{Text: n}
		}
		return reqs, nil
	default:
		return []api.EmailRequest{{Text: string(data)}}, nil
	}
}

// --- transactions ---

var transactionsCmd = &cobra.Command{
	Use:     "transactions",
	Aliases: []string{"tx"},
	Short:   "List, inspect and label transactions",
}

var transactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List transactions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		review, _ := cmd.Flags().GetBool("review")
		merchant, _ := cmd.Flags().GetString("merchant")

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		q.Set("offset", fmt.Sprint(offset))
		if review {
			q.Set("review", "true")
		}
		if merchant != "" {
			q.Set("merchant", merchant)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/transactions?"+q.Encode())
		if err != nil {
			return err
		}
		var txs []storage.Transaction
		if err := decodeJSON(resp, &txs); err != nil {
			return err
		}

		if len(txs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No transactions found.")
			return nil
		}
		printTransactions(cmd.OutOrStdout(), txs)
		return nil
	},
}

func printTransactions(out io.Writer, txs []storage.Transaction) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, t := range txs {
		date := "-"
		if t.OccurredAt != nil {
			date = t.OccurredAt.Format("2006-01-02 15:04")
		}
		category := t.Category
		if category == "" {
			category = "?"
		}
		if t.NeedsReview {
			category = colorize(colorYellow, category+"*")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			colorize(colorCyan, shortID(t.ID)), date, formatAmount(t.Amount, t.IsIncome), truncate(t.Merchant, 32), category)
	}
	w.Flush()
}

var transactionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/transactions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var tx storage.Transaction
		if err := decodeJSON(resp, &tx); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), tx)
	},
}

var transactionsLabelCmd = &cobra.Command{
	Use:   "label <id> <category>",
	Short: "Set a transaction's category and remember it for the merchant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/transactions/"+url.PathEscape(args[0])+"/category",
			map[string]string{"category": args[1]})
		if err != nil {
			return err
		}
		var tx storage.Transaction
		if err := decodeJSON(resp, &tx); err != nil {
			return err
		}
		printSuccess("Labeled %s as %s", tx.Merchant, tx.Category)
		return nil
	},
}

func init() {
	transactionsListCmd.Flags().Int("limit", 20, "maximum number of transactions to list")
	transactionsListCmd.Flags().Int("offset", 0, "number of transactions to skip")
	transactionsListCmd.Flags().Bool("review", false, "only transactions that need review")
	transactionsListCmd.Flags().String("merchant", "", "only transactions for this merchant")
	transactionsCmd.AddCommand(transactionsListCmd, transactionsShowCmd, transactionsLabelCmd)
}

// --- labels ---

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Manage the labeled merchant reference set",
}

var labelsAddCmd = &cobra.Command{
	Use:   "add <merchant> <category>",
	Short: "Label a merchant with a category",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postLabels(cmd, []api.LabelRequest{{Merchant: args[0], Category: args[1]}})
	},
}

var labelsImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import merchant,category rows from a CSV file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		labels, err := readLabelsCSV(f)
		if err != nil {
			return err
		}
		if len(labels) == 0 {
			printWarning("No labels found in %s", args[0])
			return nil
		}
		return postLabels(cmd, labels)
	},
}

// readLabelsCSV reads merchant,category rows. A first row naming the columns is skipped.
func readLabelsCSV(r io.Reader) ([]api.LabelRequest, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	cr.TrimLeadingSpace = true

	var labels []api.LabelRequest
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return labels, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading labels: %w", err)
		}
		if line == 1 && strings.EqualFold(rec[0], "merchant") && strings.EqualFold(rec[1], "category") {
			continue
		}
		labels = append(labels, api.LabelRequest{Merchant: rec[0], Category: rec[1], Source: storage.SourceImport})
	}
}

func postLabels(cmd *cobra.Command, labels []api.LabelRequest) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(cmd.Context(), "/labels", map[string]any{"labels": labels})
	if err != nil {
		return err
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Saved %d labels, snapshot refresh scheduled", result.Count)
	return nil
}

var labelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List labeled merchants",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/labels")
		if err != nil {
			return err
		}
		var labels []storage.MerchantLabel
		if err := decodeJSON(resp, &labels); err != nil {
			return err
		}
		if len(labels) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No labels found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, l := range labels {
			fmt.Fprintf(w, "%s\t%s\t%s\n", l.Merchant, colorize(colorBold, l.Category), l.Source)
		}
		return w.Flush()
	},
}

var labelsRemoveCmd = &cobra.Command{
	Use:   "remove <merchant>",
	Short: "Remove a merchant label",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/labels/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Removed label for %s", args[0])
		return nil
	},
}

func init() {
	labelsCmd.AddCommand(labelsAddCmd, labelsImportCmd, labelsListCmd, labelsRemoveCmd)
}

// --- snapshot ---

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect or rebuild the reference snapshot",
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active reference snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/snapshot")
		if err != nil {
			return err
		}
		var status api.SnapshotStatus
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), status)
	},
}

var snapshotRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rebuild the reference snapshot from the current labels",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Embedding labeled merchants...")
		resp, err := client.post(cmd.Context(), "/snapshot/refresh", nil)
		if err != nil {
			return err
		}
		var status api.SnapshotStatus
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}
		if !status.Available {
			printWarning("No labels yet, the classifier stays unavailable")
			return nil
		}
		printSuccess("Snapshot %s built with %d references", shortID(status.Version), status.References)
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotShowCmd, snapshotRefreshCmd)
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export transactions to external stores",
}

var exportBigQueryCmd = &cobra.Command{
	Use:   "bigquery",
	Short: "Append transactions updated since the last export to BigQuery",
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceStr, _ := cmd.Flags().GetString("since")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if !cfg.Export.BigQueryEnabled() {
			return errors.New("BigQuery export is not configured (set export.gcp_project and export.bigquery_dataset)")
		}

		ctx := cmd.Context()
		sink, err := export.NewBigQuerySink(ctx, export.BigQueryConfig{
			Project:         cfg.Export.GCPProject,
			Dataset:         cfg.Export.BigQueryDataset,
			Table:           cfg.Export.BigQueryTable,
			CredentialsFile: cfg.Export.CredentialsFile,
		})
		if err != nil {
			return err
		}
		defer sink.Close()

		var since time.Time
		if sinceStr != "" {
			since, err = time.Parse(time.RFC3339, sinceStr)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
		} else if since, err = sink.Watermark(ctx); err != nil {
			return err
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		printStep("Exporting transactions updated after %s", since.Format(time.RFC3339))
		n, err := export.Transactions(ctx, store, sink, since)
		if err != nil {
			return err
		}
		printSuccess("Exported %d transactions", n)
		return nil
	},
}

func init() {
	exportBigQueryCmd.Flags().String("since", "", "export rows updated after this RFC 3339 time (default: table watermark)")
	exportCmd.AddCommand(exportBigQueryCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if key == "gemini.api_key" {
			if err := config.SetGeminiAPIKey(config.NewSecretStore(), value); err != nil {
				return err
			}
			printSuccess("Stored gemini.api_key in the secret store")
			return nil
		}
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
