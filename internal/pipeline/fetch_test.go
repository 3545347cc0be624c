package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestHTTPFetcher_WritesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "transcribe-worker", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("OggS-audio"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "input")
	err := NewHTTPFetcher(5*time.Second).Fetch(context.Background(), mustParse(t, srv.URL+"/voice.ogg"), dest)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "OggS-audio", string(data))
}

func TestHTTPFetcher_NonSuccessDoesNotWriteFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "<html>not found</html>", http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "input")
	err := NewHTTPFetcher(5*time.Second).Fetch(context.Background(), mustParse(t, srv.URL+"/missing.ogg"), dest)
	require.Error(t, err)

	var pErr *Error
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, KindFetch, pErr.Kind)
	assert.Equal(t, http.StatusNotFound, pErr.StatusCode)
	assert.NoFileExists(t, dest)
}

func TestHTTPFetcher_MaxBytes(t *testing.T) {
	body := strings.Repeat("a", 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no Content-Length so the streaming cap is exercised
		w.Header().Set("Transfer-Encoding", "chunked")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "input")
	err := NewHTTPFetcher(5*time.Second, WithMaxBytes(16)).
		Fetch(context.Background(), mustParse(t, srv.URL), dest)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindFetch))
	assert.NoFileExists(t, dest)

	err = NewHTTPFetcher(5*time.Second, WithMaxBytes(64)).
		Fetch(context.Background(), mustParse(t, srv.URL), dest)
	require.NoError(t, err)
}

func TestHTTPFetcher_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	err := NewHTTPFetcher(time.Second).Fetch(context.Background(), mustParse(t, addr), filepath.Join(t.TempDir(), "input"))
	require.Error(t, err)

	var pErr *Error
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, 0, pErr.StatusCode)
}

func TestSchemeFetcher_Routes(t *testing.T) {
	var got string
	f := NewSchemeFetcher().Register(fetchFunc(func(_ context.Context, u *url.URL, _ string) error {
		got = u.Scheme
		return nil
	}), "http", "HTTPS")

	require.NoError(t, f.Fetch(context.Background(), mustParse(t, "https://a.example/x"), "/dev/null"))
	assert.Equal(t, "https", got)

	err := f.Fetch(context.Background(), mustParse(t, "ftp://a.example/x"), "/dev/null")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindFetch))
}

func TestParseSource(t *testing.T) {
	_, err := ParseSource("https://cdn.discordapp.com/attachments/1/2/voice-message.ogg")
	require.NoError(t, err)

	for _, raw := range []string{"", "   ", "/local/path.ogg", "://bad"} {
		_, err := ParseSource(raw)
		assert.Error(t, err, raw)
		assert.True(t, IsKind(err, KindFetch), raw)
	}
}

func TestRedactSource(t *testing.T) {
	assert.Equal(t, "https://cdn.example.com/a.ogg", RedactSource("https://user:pw@cdn.example.com/a.ogg?X-Amz-Signature=abc"))
}
