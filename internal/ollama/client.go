package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// defaultBatchSize bounds how many merchant names go into one /api/embed call.
const defaultBatchSize = 64

// ErrInconsistentDimensions is returned when a batch comes back with vectors of
// different lengths, which happens when the model changes mid-request.
var ErrInconsistentDimensions = errors.New("ollama: embeddings have inconsistent dimensions")

// Client calls the embedding and model-management endpoints of an Ollama server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	batchSize  int
}

// Option configures a Client.
type Option func(*Client)

// WithBatchSize caps the inputs sent per embed request. Larger slices are split.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithHTTPClient replaces the default client, which has no overall timeout
// because model pulls stream for minutes.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		batchSize:  defaultBatchSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-200 answer from Ollama, with the server's message if it sent one.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ollama %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("ollama %s: unexpected status %d", e.Op, e.StatusCode)
}

// send issues a request with an optional JSON body and returns the response when the
// status is 200. The caller closes the body.
func (c *Client) send(ctx context.Context, op, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("ollama %s: encoding request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("ollama %s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama %s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Message: e.Error}
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	resp, err := c.send(ctx, op, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ollama %s: decoding response: %w", op, err)
	}
	return nil
}

// Version returns the server version. It doubles as a liveness probe.
func (c *Client) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var v struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "version", http.MethodGet, "/api/version", nil, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// Models lists the locally installed model names, tags included.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.call(ctx, "list models", http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, err
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// hasModel matches name against installed models. An untagged name matches any tag
// of that model, so "nomic-embed-text" finds "nomic-embed-text:latest".
func hasModel(installed []string, name string) bool {
	for _, m := range installed {
		if m == name || (!strings.Contains(name, ":") && strings.HasPrefix(m, name+":")) {
			return true
		}
	}
	return false
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Pull downloads a model and reads the progress stream to the end. onProgress may be nil.
func (c *Client) Pull(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := c.send(ctx, "pull "+name, http.MethodPost, "/api/pull", map[string]any{"name": name, "stream": true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("ollama pull %s: reading progress: %w", name, err)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one vector per text, in input order. Inputs beyond the batch size are
// sent as consecutive requests; the first failing request aborts the whole call.
func (c *Client) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))

		var resp embedResponse
		if err := c.call(ctx, "embed", http.MethodPost, "/api/embed", embedRequest{Model: model, Input: texts[start:end]}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != end-start {
			return nil, fmt.Errorf("ollama embed: got %d embeddings for %d inputs", len(resp.Embeddings), end-start)
		}
		out = append(out, resp.Embeddings...)
	}

	dim := len(out[0])
	for _, v := range out {
		if len(v) == 0 || len(v) != dim {
			return nil, ErrInconsistentDimensions
		}
	}
	return out, nil
}
