package dataset

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func parquetServer(t *testing.T) (*httptest.Server, []byte) {
	t.Helper()

	src := filepath.Join(t.TempDir(), "served.parquet")
	writeParquet(t, src, 5)
	payload, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv, payload
}

func TestFetchDownloads(t *testing.T) {
	srv, payload := parquetServer(t)
	dest := filepath.Join(t.TempDir(), "data", "matches.parquet")

	err := Fetch(context.Background(), srv.URL, dest, FetchOptions{Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("downloaded %d bytes, want %d", len(got), len(payload))
	}
}

func TestFetchReusesValidCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "should not be called", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "cached.parquet")
	writeParquet(t, dest, 3)

	err := Fetch(context.Background(), srv.URL, dest, FetchOptions{Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("fetch with valid cache: %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("server hit %d times despite valid cache", hits.Load())
	}
}

func TestFetchReplacesCorruptCache(t *testing.T) {
	srv, _ := parquetServer(t)

	dest := filepath.Join(t.TempDir(), "corrupt.parquet")
	if err := os.WriteFile(dest, []byte("not parquet"), 0644); err != nil {
		t.Fatalf("writing corrupt cache: %v", err)
	}

	err := Fetch(context.Background(), srv.URL, dest, FetchOptions{Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("fetch over corrupt cache: %v", err)
	}
	if err := VerifyParquet(dest); err != nil {
		t.Fatalf("replacement failed verification: %v", err)
	}
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	src := filepath.Join(t.TempDir(), "retry.parquet")
	writeParquet(t, src, 2)
	payload, _ := os.ReadFile(src)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "matches.parquet")
	err := Fetch(context.Background(), srv.URL, dest, FetchOptions{
		Attempts: 3,
		Backoff:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("fetch should succeed on third attempt: %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestFetchExhaustsAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "never.parquet")
	err := Fetch(context.Background(), srv.URL, dest, FetchOptions{
		Attempts: 3,
		Backoff:  time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if hits.Load() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", hits.Load())
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatal("failed download must not leave a file at the destination")
	}
}

func TestFetchRejectsNonParquetPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not a dataset</html>"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "html.parquet")
	err := Fetch(context.Background(), srv.URL, dest, FetchOptions{
		Attempts: 2,
		Backoff:  time.Millisecond,
	})
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for non-parquet payload, got %v", err)
	}
}

func TestFetchHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "fail", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "cancelled.parquet")
	err := Fetch(ctx, srv.URL, dest, FetchOptions{Attempts: 3, Backoff: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
