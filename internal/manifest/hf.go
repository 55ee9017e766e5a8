package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultHubURL = "https://huggingface.co"

// HubFetcher resolves manifests from a Hugging Face style model hub. The
// checksum comes from the LFS pointer metadata in the repository tree
// listing; the download URL is the hub's resolve endpoint.
type HubFetcher struct {
	baseURL    string
	httpClient *http.Client
	token      TokenFunc
}

// NewHubFetcher creates a hub fetcher. An empty baseURL targets the
// public hub; token may be nil for anonymous access.
func NewHubFetcher(baseURL string, timeout time.Duration, token TokenFunc) *HubFetcher {
	if baseURL == "" {
		baseURL = defaultHubURL
	}
	return &HubFetcher{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		token:      token,
	}
}

// treeEntry is one file in the hub's repository tree listing.
type treeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	LFS  *struct {
		OID  string `json:"oid"` // sha256 of the actual blob
		Size int64  `json:"size"`
	} `json:"lfs,omitempty"`
}

// FetchManifest resolves provenance data for one artifact in a hub
// repository. Artifacts must be LFS-tracked; plain git blobs carry no
// SHA-256 and are rejected.
func (f *HubFetcher) FetchManifest(ctx context.Context, repository, revision, artifactPath string) (*DownloadManifest, error) {
	if revision == "" {
		revision = "main"
	}

	url := fmt.Sprintf("%s/api/models/%s/tree/%s?recursive=true", f.baseURL, repository, revision)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Lumen-Client")
	req.Header.Set("Accept", "application/json")
	if f.token != nil {
		if tok := f.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub tree request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Cleanup, error not critical

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("hub rejected tree listing for %s", repository)}
	}

	var entries []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode tree listing: %w", err)
	}

	for _, e := range entries {
		if e.Type != "file" || e.Path != artifactPath {
			continue
		}
		if e.LFS == nil || e.LFS.OID == "" {
			return nil, &StatusError{
				StatusCode: http.StatusUnprocessableEntity,
				Message:    fmt.Sprintf("artifact %s in %s is not LFS-tracked, no checksum available", artifactPath, repository),
			}
		}
		size := e.LFS.Size
		if size == 0 {
			size = e.Size
		}
		return &DownloadManifest{
			ModelID:        repository,
			Version:        revision,
			ChecksumSHA256: e.LFS.OID,
			SizeBytes:      size,
			DownloadURL:    fmt.Sprintf("%s/%s/resolve/%s/%s", f.baseURL, repository, revision, artifactPath),
		}, nil
	}

	return nil, &StatusError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("artifact %s not found in %s", artifactPath, repository)}
}
