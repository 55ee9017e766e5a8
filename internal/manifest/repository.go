package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"lumen/internal/cache"
	"lumen/internal/database"
	"lumen/internal/identity"
	"lumen/internal/logging"
	"lumen/internal/outcome"
	"lumen/internal/telemetry"
)

const (
	defaultRetryAfter = 30 * time.Second
	hotCacheTTL       = 5 * time.Minute
)

var checksumPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Repository resolves download manifests, validates them and keeps the
// local cache and per-model integrity columns in sync.
type Repository struct {
	db             *sql.DB
	client         CatalogClient
	thirdParty     ThirdPartyFetcher
	reporter       telemetry.Reporter
	identity       identity.Provider
	supportContact string

	hot *cache.Cache[DownloadManifest]

	mu       sync.Mutex
	inflight map[string]*refreshCall
}

// refreshCall is one in-flight refresh; followers wait on done and share
// the leader's result.
type refreshCall struct {
	done   chan struct{}
	result outcome.Result[DownloadManifest]
}

// NewRepository creates a manifest repository. thirdParty may be nil when
// the client is built without third-party repository support.
func NewRepository(db *sql.DB, client CatalogClient, thirdParty ThirdPartyFetcher, reporter telemetry.Reporter, ident identity.Provider, supportContact string) *Repository {
	return &Repository{
		db:             db,
		client:         client,
		thirdParty:     thirdParty,
		reporter:       reporter,
		identity:       ident,
		supportContact: supportContact,
		hot:            cache.New[DownloadManifest](hotCacheTTL),
		inflight:       make(map[string]*refreshCall),
	}
}

// RefreshManifest fetches, validates and caches the manifest for
// (modelID, version). Concurrent calls for the same pair are coalesced
// into a single fetch whose result every caller receives.
func (r *Repository) RefreshManifest(ctx context.Context, modelID, version string) outcome.Result[DownloadManifest] {
	key := modelID + "@" + version

	r.mu.Lock()
	if call, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.result
		case <-ctx.Done():
			return outcome.Recoverable[DownloadManifest]("manifest refresh interrupted", ctx.Err()).
				WithRetryAfter(defaultRetryAfter)
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	r.inflight[key] = call
	r.mu.Unlock()

	call.result = r.doRefresh(ctx, modelID, version)

	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
	close(call.done)

	return call.result
}

// Manifest returns a cached manifest when a fresh one is available and
// falls back to a network refresh otherwise.
func (r *Repository) Manifest(ctx context.Context, modelID, version string) outcome.Result[DownloadManifest] {
	if dm, ok := r.hot.Get(modelID + "@" + version); ok {
		return outcome.Ok(dm)
	}

	row, err := database.GetCachedManifest(r.db, modelID, version)
	if err == nil && row != nil {
		dm := manifestFromRow(row)
		r.hot.Set(modelID+"@"+version, dm)
		return outcome.Ok(dm)
	}

	return r.RefreshManifest(ctx, modelID, version)
}

func (r *Repository) doRefresh(ctx context.Context, modelID, version string) outcome.Result[DownloadManifest] {
	tctx := map[string]string{"modelId": modelID, "version": version}

	if strings.TrimSpace(modelID) == "" || strings.TrimSpace(version) == "" {
		return r.fatal("model id and version are required", nil, tctx)
	}

	pkg, err := database.GetModelPackage(r.db, modelID)
	if err != nil {
		return r.recoverable("failed to read model record", err, tctx, defaultRetryAfter)
	}

	manifestURL := ""
	if pkg != nil {
		manifestURL = pkg.ManifestURL
	}
	loc := ParseLocator(manifestURL)

	var dm *DownloadManifest
	if loc.IsThirdParty {
		if r.thirdParty == nil {
			return r.fatal("no third-party repository support is configured", nil, tctx)
		}
		dm, err = r.thirdParty.FetchManifest(ctx, loc.Repository, loc.Revision, loc.ArtifactPath)
		if err != nil {
			return r.translateFetchError(err, tctx)
		}
	} else {
		var mr *ManifestResponse
		mr, err = r.client.GetManifest(ctx, modelID, version)
		if err != nil {
			return r.translateFetchError(err, tctx)
		}
		dm = manifestFromResponse(mr)
	}

	dm.ChecksumSHA256 = strings.ToLower(dm.ChecksumSHA256)
	if msg := validateManifest(dm); msg != "" {
		return r.fatal(msg, nil, tctx)
	}
	dm.FetchedAt = time.Now().UTC()

	r.store(modelID, version, dm, pkg != nil)

	return outcome.Ok(*dm)
}

// ReportVerification tells the catalog whether a downloaded artifact
// matched its manifest. Third-party models have no verification endpoint,
// so reports for them succeed trivially.
func (r *Repository) ReportVerification(ctx context.Context, modelID, version, checksum string, result VerificationOutcome, failureReason string) outcome.Result[outcome.Unit] {
	tctx := map[string]string{"modelId": modelID, "version": version}

	pkg, err := database.GetModelPackage(r.db, modelID)
	if err != nil {
		res := r.recoverable("failed to read model record", err, tctx, defaultRetryAfter)
		return outcome.MapFailure[outcome.Unit](res)
	}
	if pkg != nil && ParseLocator(pkg.ManifestURL).IsThirdParty {
		return outcome.Ok(outcome.Unit{})
	}

	req := &VerificationRequest{
		Version:       version,
		Checksum:      checksum,
		Outcome:       result,
		FailureReason: failureReason,
		DeviceID:      r.identity.DeviceID(),
	}

	resp, err := r.client.ReportVerification(ctx, modelID, req)
	if err != nil {
		res := r.translateFetchError(err, tctx)
		return outcome.MapFailure[outcome.Unit](res)
	}

	if resp.Status == ReportRetry {
		retryAfter := defaultRetryAfter
		if resp.NextRetryAfterSeconds > 0 {
			retryAfter = time.Duration(resp.NextRetryAfterSeconds) * time.Second
		}
		res := r.recoverable("verification report deferred by catalog", nil, tctx, retryAfter)
		return outcome.MapFailure[outcome.Unit](res)
	}

	return outcome.Ok(outcome.Unit{})
}

// store persists the manifest to the durable cache, the hot cache and,
// when a model record exists, its integrity columns. Persistence failures
// are logged but do not fail the refresh.
func (r *Repository) store(modelID, version string, dm *DownloadManifest, haveRecord bool) {
	row := &database.CachedManifest{
		ModelID:        modelID,
		Version:        version,
		ChecksumSHA256: dm.ChecksumSHA256,
		SizeBytes:      dm.SizeBytes,
		DownloadURL:    dm.DownloadURL,
		FetchedAt:      dm.FetchedAt,
		ReleaseNotes:   dm.ReleaseNotes,
	}
	if dm.Signature != "" {
		row.Signature = sql.NullString{String: dm.Signature, Valid: true}
	}
	if !dm.ExpiresAt.IsZero() {
		row.ExpiresAt = sql.NullTime{Time: dm.ExpiresAt, Valid: true}
	}

	if err := database.PutCachedManifest(r.db, row); err != nil {
		logging.Warning("Failed to cache manifest for %s@%s: %v", modelID, version, err)
	}
	if haveRecord {
		if err := database.UpdateModelIntegrity(r.db, modelID, dm.ChecksumSHA256, dm.Signature); err != nil {
			logging.Warning("Failed to update integrity for %s: %v", modelID, err)
		}
	}

	r.hot.Set(modelID+"@"+version, *dm)
}

// translateFetchError maps transport failures onto the outcome taxonomy.
// Client errors are fatal except rate limiting; everything else, including
// plain network failures, is recoverable.
func (r *Repository) translateFetchError(err error, tctx map[string]string) outcome.Result[DownloadManifest] {
	var se *StatusError
	if errors.As(err, &se) {
		tctx["statusCode"] = strconv.Itoa(se.StatusCode)

		retryAfter := defaultRetryAfter
		if se.RetryAfterSeconds > 0 {
			retryAfter = time.Duration(se.RetryAfterSeconds) * time.Second
		}

		if se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
			return r.fatal(fmt.Sprintf("catalog rejected the request (HTTP %d)", se.StatusCode), se, tctx)
		}
		return r.recoverable(fmt.Sprintf("catalog is unavailable (HTTP %d)", se.StatusCode), se, tctx, retryAfter)
	}

	return r.recoverable("network error while contacting the catalog", err, tctx, defaultRetryAfter)
}

// fatal builds a FatalError, reporting it exactly once.
func (r *Repository) fatal(message string, cause error, tctx map[string]string) outcome.Result[DownloadManifest] {
	id := r.reporter.Report("manifest", outcome.KindFatal, message, tctx)
	res := outcome.Fatal[DownloadManifest](message, cause).
		WithSupportContact(r.supportContact).
		WithContext(tctx)
	res.TelemetryID = id
	return res
}

// recoverable builds a RecoverableError, reporting it exactly once.
func (r *Repository) recoverable(message string, cause error, tctx map[string]string, retryAfter time.Duration) outcome.Result[DownloadManifest] {
	id := r.reporter.Report("manifest", outcome.KindRecoverable, message, tctx)
	res := outcome.Recoverable[DownloadManifest](message, cause).
		WithRetryAfter(retryAfter).
		WithContext(tctx)
	res.TelemetryID = id
	return res
}

// validateManifest returns a rejection message, or "" when the manifest
// is acceptable. The checksum must already be lowercased.
func validateManifest(dm *DownloadManifest) string {
	if strings.TrimSpace(dm.ModelID) == "" {
		return "manifest is missing a model id"
	}
	if strings.TrimSpace(dm.Version) == "" {
		return "manifest is missing a version"
	}
	if !checksumPattern.MatchString(dm.ChecksumSHA256) {
		return "manifest checksum is not a 64-character SHA-256 hex digest"
	}
	if !strings.HasPrefix(dm.DownloadURL, "https://") {
		return "manifest download URL must use HTTPS"
	}
	if dm.SizeBytes <= 0 {
		return "manifest size must be a positive byte count"
	}
	if dm.Signature != "" && strings.TrimSpace(dm.Signature) == "" {
		return "manifest signature must not be blank"
	}
	return ""
}

func manifestFromResponse(mr *ManifestResponse) *DownloadManifest {
	dm := &DownloadManifest{
		ModelID:        mr.ModelID,
		Version:        mr.Version,
		ChecksumSHA256: mr.ChecksumSHA256,
		SizeBytes:      mr.SizeBytes,
		DownloadURL:    mr.DownloadURL,
		Signature:      mr.Signature,
		ReleaseNotes:   mr.ReleaseNotes,
	}
	if mr.ExpiresAtUnix > 0 {
		dm.ExpiresAt = time.Unix(mr.ExpiresAtUnix, 0).UTC()
	}
	return dm
}

func manifestFromRow(row *database.CachedManifest) DownloadManifest {
	dm := DownloadManifest{
		ModelID:        row.ModelID,
		Version:        row.Version,
		ChecksumSHA256: row.ChecksumSHA256,
		SizeBytes:      row.SizeBytes,
		DownloadURL:    row.DownloadURL,
		FetchedAt:      row.FetchedAt,
		ReleaseNotes:   row.ReleaseNotes,
	}
	if row.Signature.Valid {
		dm.Signature = row.Signature.String
	}
	if row.ExpiresAt.Valid {
		dm.ExpiresAt = row.ExpiresAt.Time
	}
	return dm
}
