package upload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"goa.design/clue/log"

	"github.com/stretchr/testify/require"
)

func testContext() context.Context {
	return log.Context(context.Background())
}

func TestUploadAllPostsBase64Content(t *testing.T) {
	var got request
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(TokenHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(response{URL: "https://files.example/" + got.Filename})
	}))
	defer srv.Close()

	root := t.TempDir()
	path := filepath.Join(root, "docs", "report.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("# hi"), 0o644))

	atts := New().UploadAll(testContext(), srv.URL, "tok-1", root, []string{path})
	require.Len(t, atts, 1)
	require.Equal(t, "docs/report.md", atts[0].Name)
	require.Equal(t, "https://files.example/docs/report.md", atts[0].URL)
	require.Equal(t, "text/markdown", atts[0].ContentType)

	require.Equal(t, "tok-1", gotToken)
	require.Equal(t, "docs/report.md", got.Filename)
	decoded, err := base64.StdEncoding.DecodeString(got.Content)
	require.NoError(t, err)
	require.Equal(t, "# hi", string(decoded))
}

func TestUploadAllSkipsFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(response{URL: "https://files.example/ok"})
	}))
	defer srv.Close()

	root := t.TempDir()
	rejected := filepath.Join(root, "rejected.txt")
	accepted := filepath.Join(root, "accepted.txt")
	require.NoError(t, os.WriteFile(rejected, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(accepted, []byte("b"), 0o644))
	missing := filepath.Join(root, "missing.txt")

	atts := New().UploadAll(testContext(), srv.URL, "tok", root, []string{rejected, missing, accepted})
	require.Len(t, atts, 1)
	require.Equal(t, "https://files.example/ok", atts[0].URL)
}

func TestUploadAllSkipsOversizedFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("oversized file must not be posted")
	}))
	defer srv.Close()

	root := t.TempDir()
	big := filepath.Join(root, "big.bin")
	f, err := os.Create(big)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(MaxFileBytes+1))
	require.NoError(t, f.Close())

	atts := New().UploadAll(testContext(), srv.URL, "tok", root, []string{big})
	require.Empty(t, atts)
}

func TestNewWithLimitSetsSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(response{URL: "https://files.example/ok"})
	}))
	defer srv.Close()

	root := t.TempDir()
	path := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))

	atts := NewWithLimit(16).UploadAll(testContext(), srv.URL, "tok", root, []string{path})
	require.Empty(t, atts)

	atts = NewWithLimit(128).UploadAll(testContext(), srv.URL, "tok", root, []string{path})
	require.Len(t, atts, 1)
}

func TestContentType(t *testing.T) {
	require.Equal(t, "application/json", ContentType("data.JSON"))
	require.Equal(t, "image/png", ContentType("chart.png"))
	require.Equal(t, "application/octet-stream", ContentType("blob.xyz"))
}

func TestRelNameOutsideRoot(t *testing.T) {
	require.Equal(t, "file.txt", relName("/root/a", "/elsewhere/file.txt"))
}
