package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"lumen/internal/database"
	"lumen/internal/migrations"
	"lumen/internal/outcome"
)

const goodChecksum = "a3f5b8c2d4e6f8a0b2c4d6e8f0a2b4c6d8e0f2a4b6c8d0e2f4a6b8c0d2e4f6a8"

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := migrations.Run(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []reportRecord
}

type reportRecord struct {
	source  string
	kind    outcome.Kind
	message string
	context map[string]string
}

func (f *fakeReporter) Report(source string, kind outcome.Kind, message string, ctx map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, reportRecord{source, kind, message, ctx})
	return fmt.Sprintf("report-%d", len(f.reports))
}

func (f *fakeReporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

type staticIdentity struct{}

func (staticIdentity) DeviceID() string { return "device-test" }

func seedModel(t *testing.T, db *sql.DB, modelID, version, manifestURL string) {
	t.Helper()
	err := database.UpsertModelPackage(db, &database.ModelPackage{
		ModelID:      modelID,
		DisplayName:  "Test Model",
		Version:      version,
		ProviderType: "first_party",
		DeliveryType: "download",
		SizeBytes:    1024,
		ManifestURL:  manifestURL,
	})
	if err != nil {
		t.Fatalf("Failed to seed model: %v", err)
	}
}

func newTestRepository(t *testing.T, db *sql.DB, baseURL string) (*Repository, *fakeReporter) {
	t.Helper()
	reporter := &fakeReporter{}
	client := NewHTTPCatalogClient(baseURL, 5*time.Second, nil)
	repo := NewRepository(db, client, nil, reporter, staticIdentity{}, "support@lumen.app")
	return repo, reporter
}

func manifestHandler(t *testing.T, mr ManifestResponse, hits *int32, mu *sync.Mutex, delay time.Duration) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if mu != nil {
			mu.Lock()
			*hits++
			mu.Unlock()
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(mr); err != nil {
			t.Errorf("Failed to encode response: %v", err)
		}
	}
}

func TestRefreshManifestSuccess(t *testing.T) {
	db := newTestDB(t)

	server := httptest.NewServer(manifestHandler(t, ManifestResponse{
		ModelID:        "m1",
		Version:        "1.0",
		ChecksumSHA256: strings.ToUpper(goodChecksum),
		SizeBytes:      2048,
		DownloadURL:    "https://cdn.lumen.app/m1.bin",
		Signature:      "sig-abc",
	}, nil, nil, 0))
	defer server.Close()

	repo, reporter := newTestRepository(t, db, server.URL)
	seedModel(t, db, "m1", "1.0", server.URL+"/v1/models/m1/manifest")

	res := repo.RefreshManifest(context.Background(), "m1", "1.0")
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %v: %s", res.Kind, res.Message)
	}
	if res.Value.ChecksumSHA256 != goodChecksum {
		t.Errorf("expected lowercase checksum, got %q", res.Value.ChecksumSHA256)
	}
	if reporter.count() != 0 {
		t.Errorf("expected no telemetry reports on success, got %d", reporter.count())
	}

	cached, err := database.GetCachedManifest(db, "m1", "1.0")
	if err != nil || cached == nil {
		t.Fatalf("expected manifest in cache, got %v err=%v", cached, err)
	}
	if cached.DownloadURL != "https://cdn.lumen.app/m1.bin" {
		t.Errorf("unexpected cached download URL %q", cached.DownloadURL)
	}

	pkg, err := database.GetModelPackage(db, "m1")
	if err != nil || pkg == nil {
		t.Fatalf("expected model package, got err=%v", err)
	}
	if !pkg.ChecksumSHA256.Valid || pkg.ChecksumSHA256.String != goodChecksum {
		t.Errorf("expected integrity checksum on package, got %+v", pkg.ChecksumSHA256)
	}
}

func TestRefreshManifestRejectsBadChecksum(t *testing.T) {
	db := newTestDB(t)

	server := httptest.NewServer(manifestHandler(t, ManifestResponse{
		ModelID:        "m1",
		Version:        "1.0",
		ChecksumSHA256: "invalid-not-hex",
		SizeBytes:      2048,
		DownloadURL:    "https://cdn.lumen.app/m1.bin",
	}, nil, nil, 0))
	defer server.Close()

	repo, reporter := newTestRepository(t, db, server.URL)

	res := repo.RefreshManifest(context.Background(), "m1", "1.0")
	if !res.IsFatal() {
		t.Fatalf("expected fatal outcome, got %v", res.Kind)
	}
	if !strings.Contains(res.Message, "checksum") {
		t.Errorf("expected message to mention checksum, got %q", res.Message)
	}
	if res.SupportContact != "support@lumen.app" {
		t.Errorf("expected support contact, got %q", res.SupportContact)
	}
	if reporter.count() != 1 {
		t.Errorf("expected exactly one telemetry report, got %d", reporter.count())
	}
	if res.TelemetryID == "" {
		t.Errorf("expected telemetry id on failure")
	}

	cached, _ := database.GetCachedManifest(db, "m1", "1.0")
	if cached != nil {
		t.Errorf("rejected manifest must not be cached")
	}
}

func TestRefreshManifestRejectsPlainHTTP(t *testing.T) {
	db := newTestDB(t)

	server := httptest.NewServer(manifestHandler(t, ManifestResponse{
		ModelID:        "m1",
		Version:        "1.0",
		ChecksumSHA256: goodChecksum,
		SizeBytes:      2048,
		DownloadURL:    "http://cdn.lumen.app/m1.bin",
	}, nil, nil, 0))
	defer server.Close()

	repo, _ := newTestRepository(t, db, server.URL)

	res := repo.RefreshManifest(context.Background(), "m1", "1.0")
	if !res.IsFatal() {
		t.Fatalf("expected fatal outcome, got %v", res.Kind)
	}
	if !strings.Contains(res.Message, "HTTPS") {
		t.Errorf("expected message to mention HTTPS, got %q", res.Message)
	}
}

func TestRefreshManifestRejectsBlankSignature(t *testing.T) {
	db := newTestDB(t)

	server := httptest.NewServer(manifestHandler(t, ManifestResponse{
		ModelID:        "m1",
		Version:        "1.0",
		ChecksumSHA256: goodChecksum,
		SizeBytes:      2048,
		DownloadURL:    "https://cdn.lumen.app/m1.bin",
		Signature:      "   ",
	}, nil, nil, 0))
	defer server.Close()

	repo, _ := newTestRepository(t, db, server.URL)

	res := repo.RefreshManifest(context.Background(), "m1", "1.0")
	if !res.IsFatal() {
		t.Fatalf("expected fatal outcome, got %v", res.Kind)
	}
	if !strings.Contains(res.Message, "signature") {
		t.Errorf("expected message to mention signature, got %q", res.Message)
	}
}

func TestRefreshManifestServerErrorIsRecoverable(t *testing.T) {
	db := newTestDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"error":{"code":"MAINTENANCE","message":"catalog is down","retry_after_seconds":12}}`)
	}))
	defer server.Close()

	repo, reporter := newTestRepository(t, db, server.URL)

	res := repo.RefreshManifest(context.Background(), "m1", "1.0")
	if !res.IsRecoverable() {
		t.Fatalf("expected recoverable outcome, got %v", res.Kind)
	}
	if res.RetryAfter != 12*time.Second {
		t.Errorf("expected retry hint from envelope, got %v", res.RetryAfter)
	}
	if res.Context["statusCode"] != "503" {
		t.Errorf("expected statusCode context, got %v", res.Context)
	}
	if reporter.count() != 1 {
		t.Errorf("expected exactly one telemetry report, got %d", reporter.count())
	}
}

func TestRefreshManifestClientErrorIsFatal(t *testing.T) {
	db := newTestDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	repo, _ := newTestRepository(t, db, server.URL)

	res := repo.RefreshManifest(context.Background(), "missing", "1.0")
	if !res.IsFatal() {
		t.Fatalf("expected fatal outcome for HTTP 404, got %v", res.Kind)
	}
	if res.Context["statusCode"] != "404" {
		t.Errorf("expected statusCode context, got %v", res.Context)
	}
}

func TestRefreshManifestNetworkErrorIsRecoverable(t *testing.T) {
	db := newTestDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	repo, _ := newTestRepository(t, db, server.URL)

	res := repo.RefreshManifest(context.Background(), "m1", "1.0")
	if !res.IsRecoverable() {
		t.Fatalf("expected recoverable outcome for network error, got %v", res.Kind)
	}
	if res.RetryAfter <= 0 {
		t.Errorf("expected a retry hint, got %v", res.RetryAfter)
	}
}

func TestRefreshManifestCoalescesConcurrentCalls(t *testing.T) {
	db := newTestDB(t)

	var hits int32
	var hitsMu sync.Mutex
	server := httptest.NewServer(manifestHandler(t, ManifestResponse{
		ModelID:        "m1",
		Version:        "1.0",
		ChecksumSHA256: goodChecksum,
		SizeBytes:      2048,
		DownloadURL:    "https://cdn.lumen.app/m1.bin",
	}, &hits, &hitsMu, 150*time.Millisecond))
	defer server.Close()

	repo, _ := newTestRepository(t, db, server.URL)

	var wg sync.WaitGroup
	results := make([]outcome.Result[DownloadManifest], 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = repo.RefreshManifest(context.Background(), "m1", "1.0")
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if !res.IsSuccess() {
			t.Errorf("caller %d: expected success, got %v: %s", i, res.Kind, res.Message)
		}
	}

	hitsMu.Lock()
	got := hits
	hitsMu.Unlock()
	if got != 1 {
		t.Errorf("expected concurrent refreshes to coalesce into one fetch, got %d", got)
	}
}

func TestManifestPrefersCachedEntry(t *testing.T) {
	db := newTestDB(t)

	// Server is closed up front; a cache hit must not touch the network.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	repo, _ := newTestRepository(t, db, server.URL)

	err := database.PutCachedManifest(db, &database.CachedManifest{
		ModelID:        "m1",
		Version:        "1.0",
		ChecksumSHA256: goodChecksum,
		SizeBytes:      2048,
		DownloadURL:    "https://cdn.lumen.app/m1.bin",
		FetchedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("Failed to seed cache: %v", err)
	}

	res := repo.Manifest(context.Background(), "m1", "1.0")
	if !res.IsSuccess() {
		t.Fatalf("expected cached manifest, got %v: %s", res.Kind, res.Message)
	}
	if res.Value.ChecksumSHA256 != goodChecksum {
		t.Errorf("unexpected checksum %q", res.Value.ChecksumSHA256)
	}
}

func TestReportVerificationAccepted(t *testing.T) {
	db := newTestDB(t)

	var body VerificationRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ACCEPTED"}`)
	}))
	defer server.Close()

	repo, reporter := newTestRepository(t, db, server.URL)

	res := repo.ReportVerification(context.Background(), "m1", "1.0", goodChecksum, VerificationSuccess, "")
	if !res.IsSuccess() {
		t.Fatalf("expected success, got %v: %s", res.Kind, res.Message)
	}
	if body.DeviceID != "device-test" {
		t.Errorf("expected device id in report, got %q", body.DeviceID)
	}
	if body.Outcome != VerificationSuccess {
		t.Errorf("unexpected outcome %q", body.Outcome)
	}
	if reporter.count() != 0 {
		t.Errorf("expected no telemetry reports, got %d", reporter.count())
	}
}

func TestReportVerificationRetryIsRecoverable(t *testing.T) {
	db := newTestDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"RETRY","next_retry_after_seconds":9}`)
	}))
	defer server.Close()

	repo, reporter := newTestRepository(t, db, server.URL)

	res := repo.ReportVerification(context.Background(), "m1", "1.0", goodChecksum, VerificationCorrupted, "checksum mismatch")
	if !res.IsRecoverable() {
		t.Fatalf("expected recoverable outcome, got %v", res.Kind)
	}
	if res.RetryAfter != 9*time.Second {
		t.Errorf("expected retry hint from response, got %v", res.RetryAfter)
	}
	if reporter.count() != 1 {
		t.Errorf("expected exactly one telemetry report, got %d", reporter.count())
	}
}

func TestReportVerificationSkipsThirdPartyModels(t *testing.T) {
	db := newTestDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("verification endpoint must not be called for third-party models")
	}))
	defer server.Close()

	repo, _ := newTestRepository(t, db, server.URL)
	seedModel(t, db, "tp1", "1.0", "hf://acme/tiny-model/model.gguf")

	res := repo.ReportVerification(context.Background(), "tp1", "1.0", goodChecksum, VerificationSuccess, "")
	if !res.IsSuccess() {
		t.Fatalf("expected trivial success, got %v: %s", res.Kind, res.Message)
	}
}

func TestRefreshManifestThirdPartyWithoutFetcher(t *testing.T) {
	db := newTestDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	repo, _ := newTestRepository(t, db, server.URL)
	seedModel(t, db, "tp1", "1.0", "hf://acme/tiny-model/model.gguf")

	res := repo.RefreshManifest(context.Background(), "tp1", "1.0")
	if !res.IsFatal() {
		t.Fatalf("expected fatal outcome without a fetcher, got %v", res.Kind)
	}
}

type erringFetcher struct {
	err error
}

func (f erringFetcher) FetchManifest(ctx context.Context, repository, revision, artifactPath string) (*DownloadManifest, error) {
	return nil, f.err
}

func TestRefreshManifestThirdPartyUnsupportedArtifactIsFatal(t *testing.T) {
	db := newTestDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	reporter := &fakeReporter{}
	client := NewHTTPCatalogClient(server.URL, 5*time.Second, nil)
	fetcher := erringFetcher{err: &StatusError{
		StatusCode: http.StatusUnprocessableEntity,
		Message:    "artifact README.md in acme/tiny-model is not LFS-tracked, no checksum available",
	}}
	repo := NewRepository(db, client, fetcher, reporter, staticIdentity{}, "support@lumen.app")
	seedModel(t, db, "tp2", "1.0", "hf://acme/tiny-model/README.md")

	res := repo.RefreshManifest(context.Background(), "tp2", "1.0")
	if !res.IsFatal() {
		t.Fatalf("expected fatal outcome for an unsupported artifact, got %v", res.Kind)
	}
	if res.Context["statusCode"] != "422" {
		t.Errorf("expected status code in context, got %q", res.Context["statusCode"])
	}
}
