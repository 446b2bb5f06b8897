package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/gastos/internal/config"
	"github.com/kalambet/gastos/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			if strings.HasPrefix(resp, `{"error"`) {
				w.WriteHeader(http.StatusConflict)
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points every command at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

// isolateConfig keeps config and secrets inside a temp dir.
func isolateConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("GASTOS_EMBEDDING_PROVIDER", "")
}

// runCmd executes the root command with args and returns what it wrote to stdout.
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags restores flag defaults, since cobra keeps values between executions.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

var ctx = context.Background()

const purchaseText = "Bancolombia le informa Compra por $999.999,00 en ESTABLECIMIENTO 19:45. 31/07/2023 T.Cred *9999. Inquietudes al 6045109095/018000931987."

func TestIngestCommand_Text(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /emails": `{"id":"email-123","job_id":"job-1","status":"queued"}`,
	})
	useServer(t, ts)

	if _, err := runCmd(t, "ingest", "--text", purchaseText); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/emails" {
		t.Errorf("request = %s %s, want POST /emails", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["text"] != purchaseText {
		t.Errorf("body.text = %v", body["text"])
	}
}

func TestIngestCommand_Duplicate(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /emails": `{"error":{"message":"email already ingested","type":"conflict"}}`,
	})
	useServer(t, ts)

	if _, err := runCmd(t, "ingest", "--text", purchaseText); err != nil {
		t.Errorf("duplicate should only warn, got %v", err)
	}
}

func TestIngestCommand_MissingArgs(t *testing.T) {
	_, err := runCmd(t, "ingest")
	if err == nil {
		t.Fatal("expected error when no flags provided")
	}
	if !strings.Contains(err.Error(), "--text or --file") {
		t.Errorf("error = %q, want mention of --text or --file", err)
	}
}

const bankEML = "From: Bancolombia <AlertasyNotificaciones@notificacionesbancolombia.com>\r\n" +
	"To: someone@example.com\r\n" +
	"Subject: Alertas y Notificaciones\r\n" +
	"Message-ID: <abc-123@bancolombia>\r\n" +
	"Date: Mon, 31 Jul 2023 19:46:00 -0500\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	purchaseText + "\r\n"

func TestEmailRequests_EML(t *testing.T) {
	reqs, err := emailRequests("alert.eml", []byte(bankEML), false)
	if err != nil {
		t.Fatalf("emailRequests: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	req := reqs[0]
	if !strings.Contains(req.Text, "ESTABLECIMIENTO") {
		t.Errorf("text = %q", req.Text)
	}
	if req.LogID == "" {
		t.Error("log ID not taken from Message-ID")
	}
	if req.ReceivedAt == nil || req.ReceivedAt.Year() != 2023 {
		t.Errorf("received_at = %v", req.ReceivedAt)
	}
}

func TestEmailRequests_UnknownSender(t *testing.T) {
	eml := strings.Replace(bankEML, "AlertasyNotificaciones@notificacionesbancolombia.com", "promo@example.com", 1)

	reqs, err := emailRequests("promo.eml", []byte(eml), false)
	if err != nil {
		t.Fatalf("emailRequests: %v", err)
	}
	if len(reqs) != 0 {
		t.Errorf("got %d requests for an unknown sender, want 0", len(reqs))
	}

	reqs, err = emailRequests("promo.eml", []byte(eml), true)
	if err != nil || len(reqs) != 1 {
		t.Errorf("with anySender got %d requests, err %v; want 1", len(reqs), err)
	}
}

func TestEmailRequests_PlainText(t *testing.T) {
	reqs, err := emailRequests("alert.txt", []byte(purchaseText), false)
	if err != nil {
		t.Fatalf("emailRequests: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Text != purchaseText {
		t.Errorf("reqs = %+v", reqs)
	}
}

func TestParseCommand(t *testing.T) {
	isolateConfig(t)

	out, err := runCmd(t, "parse", "--text", purchaseText)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var info struct {
		TransactionType string `json:"transaction_type"`
		Merchant        string `json:"merchant"`
		IsIncome        bool   `json:"is_income"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if info.TransactionType != "Purchase" || info.Merchant != "ESTABLECIMIENTO" || info.IsIncome {
		t.Errorf("info = %+v", info)
	}
}

func TestParseCommand_Unrecognized(t *testing.T) {
	isolateConfig(t)

	_, err := runCmd(t, "parse", "--text", "Hola, tu clave ha sido cambiada.")
	if err == nil {
		t.Fatal("expected error for a non-transaction message")
	}
}

func TestClassifyCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /classify": `[{"merchant":"EXITO","category":"mercado","confidence":1,"fast_path":true},` +
			`{"merchant":"NUEVO","category":"","confidence":0,"fast_path":false,"error":"embedding provider failed"}]`,
	})
	useServer(t, ts)

	out, err := runCmd(t, "classify", "EXITO", "NUEVO")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !strings.Contains(out, "mercado") || !strings.Contains(out, "embedding provider failed") {
		t.Errorf("output = %q", out)
	}

	var body struct {
		Merchant []string `json:"merchant"`
	}
	json.Unmarshal([]byte(ts.requests[0].Body), &body)
	if len(body.Merchant) != 2 {
		t.Errorf("merchants sent = %v", body.Merchant)
	}
}

func TestTransactionsList_Query(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /transactions": `[{"id":"3f1c9a7e-0000","merchant":"TIENDA D1","amount":"45900","is_income":false,"category":"mercado","needs_review":true}]`,
	})
	useServer(t, ts)

	out, err := runCmd(t, "transactions", "list", "--review", "--merchant", "TIENDA D1", "--limit", "5")
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	path := ts.requests[0].Path
	for _, want := range []string{"review=true", "limit=5", "merchant=TIENDA+D1"} {
		if !strings.Contains(path, want) {
			t.Errorf("path %q missing %q", path, want)
		}
	}
	if !strings.Contains(out, "-$45.900,00") || !strings.Contains(out, "3f1c9a7e") {
		t.Errorf("output = %q", out)
	}
}

func TestTransactionsLabel(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PATCH /transactions/tx-1/category": `{"id":"tx-1","merchant":"EXITO","category":"mercado","amount":"1"}`,
	})
	useServer(t, ts)

	if _, err := runCmd(t, "transactions", "label", "tx-1", "mercado"); err != nil {
		t.Fatalf("label: %v", err)
	}
	if got := ts.requests[0].Body; !strings.Contains(got, `"category":"mercado"`) {
		t.Errorf("body = %s", got)
	}
}

func TestReadLabelsCSV(t *testing.T) {
	in := "merchant,category\nEXITO,mercado\n\"UBER, TRIP\", movilidad\n"
	labels, err := readLabelsCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("readLabelsCSV: %v", err)
	}
	if len(labels) != 2 {
		t.Fatalf("got %d labels, want 2", len(labels))
	}
	if labels[1].Merchant != "UBER, TRIP" || labels[1].Category != "movilidad" {
		t.Errorf("labels[1] = %+v", labels[1])
	}
	for _, l := range labels {
		if l.Source != storage.SourceImport {
			t.Errorf("source = %q, want %q", l.Source, storage.SourceImport)
		}
	}

	if _, err := readLabelsCSV(strings.NewReader("EXITO\n")); err == nil {
		t.Error("expected error for a row without a category")
	}
}

func TestLabelsImportCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /labels": `{"count":2}`,
	})
	useServer(t, ts)

	path := filepath.Join(t.TempDir(), "labels.csv")
	if err := os.WriteFile(path, []byte("EXITO,mercado\nCINE COLOMBIA,diversion\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCmd(t, "labels", "import", path); err != nil {
		t.Fatalf("import: %v", err)
	}

	var body struct {
		Labels []struct {
			Merchant string `json:"merchant"`
			Source   string `json:"source"`
		} `json:"labels"`
	}
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Labels) != 2 || body.Labels[1].Merchant != "CINE COLOMBIA" || body.Labels[0].Source != "import" {
		t.Errorf("labels sent = %+v", body.Labels)
	}
}

func TestLabelsRemove_EscapesMerchant(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /labels/PAGO PSE": `{"status":"deleted"}`,
	})
	useServer(t, ts)

	if _, err := runCmd(t, "labels", "remove", "PAGO PSE"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := ts.requests[0].Path; got != "/labels/PAGO%20PSE" {
		t.Errorf("path = %q, want /labels/PAGO%%20PSE", got)
	}
}

func TestSnapshotShow(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /snapshot": `{"available":true,"version":"0123456789abcdef","model":"nomic-embed-text","references":12}`,
	})
	useServer(t, ts)

	out, err := runCmd(t, "snapshot", "show")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, `"references": 12`) {
		t.Errorf("output = %q", out)
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health":   `{"status":"ok"}`,
		"GET /snapshot": `{"available":false,"references":0}`,
		"GET /stats":    `{"emails":{"parsed":3},"transactions":3,"needs_review":1,"labels":0}`,
	})

	if err := printServerStatus(ctx, ts.client(), 4100); err != nil {
		t.Fatalf("printServerStatus: %v", err)
	}
	if len(ts.requests) != 3 {
		t.Errorf("expected 3 requests, got %d", len(ts.requests))
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.client()
	ts.server.Close()

	if err := printServerStatus(ctx, c, 4100); err == nil {
		t.Error("expected error when server is down")
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want Bearer my-secret-token", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client().get(ctx, "/nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %T is not *apiError", err)
	}
	if apiErr.Status != 404 || apiErr.Type != "not_found" || apiErr.Message != "not found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.Gemini.APIKey = "AIza-secret"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("ShowAll returned no keys")
	}

	found := map[string]string{}
	for _, k := range keys {
		found[k.Key] = k.Value
	}
	if found["server.port"] != "4100" {
		t.Errorf("server.port = %q, want 4100", found["server.port"])
	}
	if strings.Contains(found["gemini.api_key"], "AIza-secret") {
		t.Errorf("gemini.api_key shown in clear: %q", found["gemini.api_key"])
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount string
		income bool
		want   string
	}{
		{"999999", false, "-$999.999,00"},
		{"45900.5", true, "+$45.900,50"},
		{"12.99", false, "-$12,99"},
		{"0", true, "+$0,00"},
		{"1234567.891", false, "-$1.234.567,89"},
	}
	for _, tt := range tests {
		got := formatAmount(decimal.RequireFromString(tt.amount), tt.income)
		if got != tt.want {
			t.Errorf("formatAmount(%s, %v) = %q, want %q", tt.amount, tt.income, got, tt.want)
		}
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still readable after removal")
	}
}
