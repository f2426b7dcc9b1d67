package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testThreshold = 1024

func newTestFetcher() *Fetcher {
	return New(testThreshold, 5*time.Second, zerolog.Nop())
}

func serveBytes(t *testing.T, payload []byte, announceLength bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if announceLength {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		}
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchExactThresholdStaysInMemory(t *testing.T) {
	payload := bytes.Repeat([]byte{'a'}, testThreshold)
	srv := serveBytes(t, payload, true)

	res, err := newTestFetcher().Fetch(context.Background(), srv.URL, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer Cleanup(res)
	if res.Path != "" {
		t.Fatalf("payload of exactly the threshold must stay in memory, got spill to %s", res.Path)
	}
	if !bytes.Equal(res.Bytes, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestFetchOneByteOverSpillsToDisk(t *testing.T) {
	payload := bytes.Repeat([]byte{'b'}, testThreshold+1)
	srv := serveBytes(t, payload, true)

	res, err := newTestFetcher().Fetch(context.Background(), srv.URL, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer Cleanup(res)
	if res.Path == "" {
		t.Fatalf("payload over the threshold must spill to disk")
	}
	got, err := res.Open()
	if err != nil {
		t.Fatalf("open spilled result: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("spilled payload mismatch")
	}
}

func TestFetchSpillsRetroactivelyWithoutContentLength(t *testing.T) {
	payload := bytes.Repeat([]byte{'c'}, testThreshold*2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// chunked transfer, no Content-Length
		w.(http.Flusher).Flush()
		w.Write(payload)
	}))
	defer srv.Close()

	res, err := newTestFetcher().Fetch(context.Background(), srv.URL, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer Cleanup(res)
	if res.Path == "" {
		t.Fatalf("oversized payload without Content-Length must spill retroactively")
	}
}

func TestFetchNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	res, err := newTestFetcher().Fetch(context.Background(), srv.URL, time.Second)
	if err == nil {
		t.Fatalf("expected error for 404")
	}
	if !res.Empty() {
		t.Fatalf("expected empty result on failure")
	}
}

func TestCleanupRemovesSpilledFileAndIsIdempotent(t *testing.T) {
	payload := bytes.Repeat([]byte{'d'}, testThreshold+10)
	srv := serveBytes(t, payload, true)

	res, err := newTestFetcher().Fetch(context.Background(), srv.URL, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Path == "" {
		t.Fatalf("expected a spilled result")
	}
	Cleanup(res)
	if _, err := os.Stat(res.Path); !os.IsNotExist(err) {
		t.Fatalf("temp file must be removed, stat err=%v", err)
	}
	// second cleanup is a no-op
	Cleanup(res)
	Cleanup(Result{Bytes: []byte("x")})
}
