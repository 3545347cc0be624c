package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Workspace is the scratch area a single job writes its artifacts to.
type Workspace interface {
	RawPath() string
	ConvertedPath() string
	// Track registers an extra artifact so it is removed with the workspace.
	Track(path string)
}

// Fetcher retrieves the bytes behind a source reference into dest.
type Fetcher interface {
	Fetch(ctx context.Context, source *url.URL, dest string) error
}

const userAgent = "transcribe-worker"

type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

type HTTPOption func(*HTTPFetcher)

// WithMaxBytes rejects downloads larger than n bytes; n <= 0 disables the cap.
func WithMaxBytes(n int64) HTTPOption {
	return func(f *HTTPFetcher) {
		f.maxBytes = n
	}
}

func NewHTTPFetcher(timeout time.Duration, opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, source *url.URL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.String(), nil)
	if err != nil {
		return FetchError("build request", 0, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchError("request failed", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain a little so the connection can be reused
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return FetchError(fmt.Sprintf("unexpected response %s", resp.Status), resp.StatusCode, nil)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return FetchError(fmt.Sprintf("source is %d bytes, limit is %d", resp.ContentLength, f.maxBytes), resp.StatusCode, nil)
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	n, err := writeFile(dest, body)
	if err != nil {
		return FetchError("download interrupted", resp.StatusCode, err)
	}
	if f.maxBytes > 0 && n > f.maxBytes {
		_ = os.Remove(dest)
		return FetchError(fmt.Sprintf("source exceeds %d bytes", f.maxBytes), resp.StatusCode, nil)
	}
	return nil
}

// writeFile streams r into path. A partially written file is removed on error.
func writeFile(path string, r io.Reader) (int64, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(out, r)
	closeErr := out.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path)
		return n, err
	}
	return n, nil
}

// SchemeFetcher dispatches on the URL scheme of the source reference.
type SchemeFetcher struct {
	byScheme map[string]Fetcher
}

func NewSchemeFetcher() *SchemeFetcher {
	return &SchemeFetcher{byScheme: make(map[string]Fetcher)}
}

func (s *SchemeFetcher) Register(fetcher Fetcher, schemes ...string) *SchemeFetcher {
	for _, scheme := range schemes {
		s.byScheme[strings.ToLower(scheme)] = fetcher
	}
	return s
}

func (s *SchemeFetcher) Fetch(ctx context.Context, source *url.URL, dest string) error {
	fetcher, ok := s.byScheme[strings.ToLower(source.Scheme)]
	if !ok {
		return FetchError(fmt.Sprintf("unsupported scheme %q", source.Scheme), 0, nil)
	}
	return fetcher.Fetch(ctx, source, dest)
}

// ParseSource validates a caller-supplied source reference.
func ParseSource(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, FetchError("source reference is empty", 0, nil)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, FetchError("malformed source reference", 0, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, FetchError(fmt.Sprintf("source reference %q needs a scheme and host", raw), 0, nil)
	}
	return u, nil
}
