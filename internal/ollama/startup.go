package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

// warmupText is embedded once at startup so the model is resident before the first batch.
const warmupText = "TIENDA D1"

// EnsureReady verifies the server answers, pulls embedModel when it is not
// installed and warms it up. Progress goes to w. A failed warm-up is reported
// but does not fail startup.
func EnsureReady(ctx context.Context, c *Client, embedModel string, w io.Writer) error {
	version, err := c.Version(ctx)
	if err != nil {
		return fmt.Errorf("Ollama is not running at %s (start it with: ollama serve): %w", c.baseURL, err)
	}
	fmt.Fprintf(w, "ollama %s at %s\n", version, c.baseURL)

	installed, err := c.Models(ctx)
	if err != nil {
		return err
	}
	if !hasModel(installed, embedModel) {
		fmt.Fprintf(w, "model %s: pulling...\n", embedModel)
		if err := c.Pull(ctx, embedModel, progressPrinter(w)); err != nil {
			return fmt.Errorf("pulling model %s: %w", embedModel, err)
		}
	}
	fmt.Fprintf(w, "model %s: ready\n", embedModel)

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	vecs, err := c.Embed(warmCtx, embedModel, []string{warmupText})
	if err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", embedModel, err)
		return nil
	}
	fmt.Fprintf(w, "model %s: warm (%d dimensions)\n", embedModel, len(vecs[0]))
	return nil
}

// progressPrinter reports status changes and download progress in 25% steps.
func progressPrinter(w io.Writer) func(PullProgress) {
	var lastStatus string
	lastStep := -1
	return func(p PullProgress) {
		if p.Total > 0 {
			step := int(p.Completed * 4 / p.Total)
			if p.Status == lastStatus && step == lastStep {
				return
			}
			lastStep = step
			fmt.Fprintf(w, "  %s %d%%\n", p.Status, step*25)
		} else if p.Status != lastStatus {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
		lastStatus = p.Status
	}
}
