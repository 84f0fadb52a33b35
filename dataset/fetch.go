package dataset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// FetchOptions control dataset download behavior.
type FetchOptions struct {
	// Attempts bounds the number of download tries. Defaults to 3.
	Attempts int

	// Backoff is the delay before the second attempt; it doubles on each
	// further attempt (5s, 10s, 20s with the defaults).
	Backoff time.Duration

	// Client overrides the HTTP client (tests).
	Client *http.Client
}

// Fetch downloads the Parquet dataset from url to destPath unless a valid
// copy already exists there. A cached file that fails the integrity check
// is discarded and re-fetched rather than served. Transient failures are
// retried with exponential backoff; exhausting the budget returns the last
// error.
func Fetch(ctx context.Context, url, destPath string, opts FetchOptions) error {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	// Reuse a previously downloaded copy only if it is intact.
	if err := VerifyParquet(destPath); err == nil {
		slog.Info("using cached dataset", "path", destPath)
		return nil
	} else if _, statErr := os.Stat(destPath); statErr == nil {
		slog.Warn("cached dataset failed integrity check, re-fetching", "path", destPath, "error", err)
		os.Remove(destPath)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	var lastErr error
	delay := opts.Backoff
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if attempt > 1 {
			slog.Warn("dataset download failed, retrying",
				"attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		lastErr = download(ctx, client, url, destPath)
		if lastErr != nil {
			continue
		}

		if err := VerifyParquet(destPath); err != nil {
			os.Remove(destPath)
			lastErr = err
			continue
		}

		slog.Info("dataset downloaded", "url", url, "path", destPath)
		return nil
	}

	return fmt.Errorf("downloading dataset after %d attempts: %w", opts.Attempts, lastErr)
}

// download streams url into destPath via a temp file so a partial download
// never lands at the final path.
func download(ctx context.Context, client *http.Client, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing dataset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing dataset file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("moving dataset into place: %w", err)
	}
	return nil
}
