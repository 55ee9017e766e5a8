package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CatalogClient talks to the first-party model catalog.
type CatalogClient interface {
	GetManifest(ctx context.Context, modelID, version string) (*ManifestResponse, error)
	ReportVerification(ctx context.Context, modelID string, req *VerificationRequest) (*VerificationResponse, error)
}

// ThirdPartyFetcher resolves a manifest from a third-party model
// repository. Implemented outside the acquisition core.
type ThirdPartyFetcher interface {
	FetchManifest(ctx context.Context, repository, revision, artifactPath string) (*DownloadManifest, error)
}

// ManifestResponse is the catalog's wire shape for a manifest.
type ManifestResponse struct {
	ModelID          string `json:"model_id"`
	Version          string `json:"version"`
	ChecksumSHA256   string `json:"checksum_sha256"`
	SizeBytes        int64  `json:"size_bytes"`
	DownloadURL      string `json:"download_url"`
	Signature        string `json:"signature,omitempty"`
	ExpiresAtUnix    int64  `json:"expires_at,omitempty"`
	ReleaseNotes     string `json:"release_notes,omitempty"`
}

// VerificationRequest tells the catalog whether a downloaded artifact
// matched its manifest.
type VerificationRequest struct {
	Version       string              `json:"version"`
	Checksum      string              `json:"checksum"`
	Outcome       VerificationOutcome `json:"outcome"`
	FailureReason string              `json:"failure_reason,omitempty"`
	DeviceID      string              `json:"device_id"`
}

// VerificationResponse is the catalog's disposition for a report.
type VerificationResponse struct {
	Status                string `json:"status"` // ACCEPTED or RETRY
	NextRetryAfterSeconds int    `json:"next_retry_after_seconds,omitempty"`
}

// errorEnvelope is the catalog's structured error body.
type errorEnvelope struct {
	Error struct {
		Code              string `json:"code"`
		Message           string `json:"message"`
		RetryAfterSeconds int    `json:"retry_after_seconds"`
	} `json:"error"`
}

// StatusError is a non-2xx catalog answer, carrying the server's message
// and retry hint when the body had a structured envelope.
type StatusError struct {
	StatusCode        int
	Message           string
	RetryAfterSeconds int
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("catalog returned HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("catalog returned HTTP %d", e.StatusCode)
}

// TokenFunc supplies the current bearer token, or "" when unauthenticated.
type TokenFunc func() string

// HTTPCatalogClient implements CatalogClient over HTTPS.
type HTTPCatalogClient struct {
	baseURL    string
	httpClient *http.Client
	token      TokenFunc
}

// NewHTTPCatalogClient creates a catalog client. token may be nil for
// anonymous access. Timeouts are fixed once here and shared by every call.
func NewHTTPCatalogClient(baseURL string, timeout time.Duration, token TokenFunc) *HTTPCatalogClient {
	return &HTTPCatalogClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		token:      token,
	}
}

// GetManifest fetches the manifest for (modelID, version).
func (c *HTTPCatalogClient) GetManifest(ctx context.Context, modelID, version string) (*ManifestResponse, error) {
	url := fmt.Sprintf("%s/v1/models/%s/versions/%s/manifest", c.baseURL, modelID, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Cleanup, error not critical

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var mr ManifestResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &mr, nil
}

// ReportVerification posts a verification outcome for modelID.
func (c *HTTPCatalogClient) ReportVerification(ctx context.Context, modelID string, vr *VerificationRequest) (*VerificationResponse, error) {
	body, err := json.Marshal(vr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode verification report: %w", err)
	}

	url := fmt.Sprintf("%s/v1/models/%s/verification", c.baseURL, modelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verification report failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Cleanup, error not critical

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out VerificationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode verification response: %w", err)
	}
	return &out, nil
}

func (c *HTTPCatalogClient) decorate(req *http.Request) {
	req.Header.Set("User-Agent", "Lumen-Client")
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
}

// statusError reads the structured error envelope if present; the raw
// status code is kept either way.
func statusError(resp *http.Response) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return se
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		se.Message = env.Error.Message
		se.RetryAfterSeconds = env.Error.RetryAfterSeconds
	}
	return se
}
