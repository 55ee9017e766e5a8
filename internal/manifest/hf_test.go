package manifest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const hubTreeListing = `[
	{"type":"directory","path":"weights","size":0},
	{"type":"file","path":"README.md","size":1200},
	{"type":"file","path":"weights/model.gguf","size":130,
	 "lfs":{"oid":"c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a1b2c3d4","size":4815162342}}
]`

func newHubServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/models/acme/tiny-model/tree/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, hubTreeListing)
	}))
}

func TestHubFetcherResolvesLFSArtifact(t *testing.T) {
	server := newHubServer(t)
	defer server.Close()

	f := NewHubFetcher(server.URL, 5*time.Second, nil)
	dm, err := f.FetchManifest(context.Background(), "acme/tiny-model", "", "weights/model.gguf")
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}

	if dm.ChecksumSHA256 != "c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0c1d2e3f4a5b6c7d8e9f0a1b2c3d4" {
		t.Errorf("unexpected checksum %q", dm.ChecksumSHA256)
	}
	if dm.SizeBytes != 4815162342 {
		t.Errorf("expected LFS size, got %d", dm.SizeBytes)
	}
	if dm.Version != "main" {
		t.Errorf("empty revision should default to main, got %q", dm.Version)
	}
	want := server.URL + "/acme/tiny-model/resolve/main/weights/model.gguf"
	if dm.DownloadURL != want {
		t.Errorf("download URL = %q, want %q", dm.DownloadURL, want)
	}
}

func TestHubFetcherRejectsNonLFSArtifact(t *testing.T) {
	server := newHubServer(t)
	defer server.Close()

	f := NewHubFetcher(server.URL, 5*time.Second, nil)
	_, err := f.FetchManifest(context.Background(), "acme/tiny-model", "main", "README.md")
	if err == nil || !strings.Contains(err.Error(), "LFS") {
		t.Errorf("expected LFS rejection, got %v", err)
	}

	// Unsupported upstream data, not a connectivity problem, so the
	// rejection must classify as a client error.
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 status error, got %v", err)
	}
}

func TestHubFetcherMissingArtifact(t *testing.T) {
	server := newHubServer(t)
	defer server.Close()

	f := NewHubFetcher(server.URL, 5*time.Second, nil)
	_, err := f.FetchManifest(context.Background(), "acme/tiny-model", "main", "weights/other.gguf")

	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 status error, got %v", err)
	}
}

func TestHubFetcherUnknownRepository(t *testing.T) {
	server := newHubServer(t)
	defer server.Close()

	f := NewHubFetcher(server.URL, 5*time.Second, nil)
	_, err := f.FetchManifest(context.Background(), "nobody/nothing", "main", "model.gguf")

	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 status error, got %v", err)
	}
}
