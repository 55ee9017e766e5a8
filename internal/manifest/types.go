// Package manifest resolves, validates and caches cryptographic provenance
// data for model versions from the first-party catalog or a third-party
// repository.
package manifest

import "time"

// DownloadManifest is the validated integrity metadata for one
// (modelID, version) pair. Values are immutable once fetched.
type DownloadManifest struct {
	ModelID        string
	Version        string
	ChecksumSHA256 string // lowercase 64-hex
	SizeBytes      int64
	DownloadURL    string // HTTPS only
	Signature      string // optional; non-blank when present
	ExpiresAt      time.Time
	FetchedAt      time.Time
	ReleaseNotes   string
}

// VerificationOutcome is the result of comparing a downloaded artifact
// against its manifest.
type VerificationOutcome string

const (
	// VerificationSuccess means the artifact matched its checksum.
	VerificationSuccess VerificationOutcome = "SUCCESS"
	// VerificationCorrupted means the artifact failed checksum comparison.
	VerificationCorrupted VerificationOutcome = "CORRUPTED"
)

// Verification report server dispositions.
const (
	ReportAccepted = "ACCEPTED"
	ReportRetry    = "RETRY"
)

