package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const spillChunkSize = 64 * 1024

// Result is a downloaded payload: bytes when it fit in memory, a temp file
// path when it spilled to disk. The zero value means "nothing".
type Result struct {
	Bytes []byte
	Path  string
}

// Empty reports whether the result carries no payload.
func (r Result) Empty() bool {
	return len(r.Bytes) == 0 && r.Path == ""
}

// Open materializes the payload as bytes, reading the temp file when spilled.
func (r Result) Open() ([]byte, error) {
	if r.Path != "" {
		return os.ReadFile(r.Path)
	}
	return r.Bytes, nil
}

// Cleanup removes the temp file behind a spilled result. Safe no-op for
// in-memory results and already-removed paths.
func Cleanup(r Result) {
	if r.Path == "" {
		return
	}
	if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
		// best effort only
		_ = err
	}
}

// Fetcher downloads one-shot payloads through a shared pooled client and
// spills anything larger than maxInMemory to a temp file.
type Fetcher struct {
	client      *http.Client
	maxInMemory int64
	log         zerolog.Logger
}

// New builds the process-wide fetcher.
func New(maxInMemory int64, timeout time.Duration, logger zerolog.Logger) *Fetcher {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &Fetcher{
		client:      &http.Client{Transport: transport},
		maxInMemory: maxInMemory,
		log:         logger,
	}
}

// Client exposes the pooled client for callers that issue their own requests.
func (f *Fetcher) Client() *http.Client {
	return f.client
}

// Fetch downloads url within timeout. A payload whose advertised or actual
// size exceeds the in-memory threshold is streamed to a temp file and the
// path is returned instead of bytes.
func (f *Fetcher) Fetch(ctx context.Context, url string, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		f.log.Debug().Err(err).Str("url", url).Msg("fetch: bad request")
		return Result{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Debug().Err(err).Str("url", url).Msg("fetch: transport failure")
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
		f.log.Debug().Err(err).Msg("fetch: non-2xx")
		return Result{}, err
	}

	if resp.ContentLength > f.maxInMemory {
		return f.spillStream(resp.Body, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		f.log.Debug().Err(err).Str("url", url).Msg("fetch: read failure")
		return Result{}, err
	}
	if int64(len(data)) > f.maxInMemory {
		// Content-Length lied or was absent; spill retroactively.
		return f.spillBytes(data, url)
	}
	f.log.Debug().Str("url", url).Int("bytes", len(data)).Msg("fetch: in memory")
	return Result{Bytes: data}, nil
}

func (f *Fetcher) spillStream(body io.Reader, url string) (Result, error) {
	tmp, err := os.CreateTemp("", "fetch-*")
	if err != nil {
		return Result{}, err
	}
	buf := make([]byte, spillChunkSize)
	if _, err := io.CopyBuffer(tmp, body, buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		f.log.Debug().Err(err).Str("url", url).Msg("fetch: spill write failure")
		return Result{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Result{}, err
	}
	f.log.Debug().Str("url", url).Str("path", tmp.Name()).Msg("fetch: spilled to disk")
	return Result{Path: tmp.Name()}, nil
}

func (f *Fetcher) spillBytes(data []byte, url string) (Result, error) {
	tmp, err := os.CreateTemp("", "fetch-*")
	if err != nil {
		return Result{}, err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		f.log.Debug().Err(err).Str("url", url).Msg("fetch: spill write failure")
		return Result{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Result{}, err
	}
	f.log.Debug().Str("url", url).Str("path", tmp.Name()).Int("bytes", len(data)).Msg("fetch: spilled to disk by actual size")
	return Result{Path: tmp.Name()}, nil
}
