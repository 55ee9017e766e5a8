package database

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Download task statuses. QUEUED is the only initial state; COMPLETED and
// CANCELLED are terminal; FAILED is retryable.
const (
	TaskQueued      = "queued"
	TaskDownloading = "downloading"
	TaskPaused      = "paused"
	TaskCompleted   = "completed"
	TaskFailed      = "failed"
	TaskCancelled   = "cancelled"
)

// IsTerminalTaskStatus reports whether a task status closes the task record.
func IsTerminalTaskStatus(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Model install states.
const (
	InstallNotInstalled = "not_installed"
	InstallDownloading  = "downloading"
	InstallInstalled    = "installed"
	InstallFailed       = "failed"
)

// DownloadTask is one persisted download attempt for a model. Tasks are
// never deleted by the manager; a retry resets the row in place.
type DownloadTask struct {
	TaskID          string
	ModelID         string
	Status          string
	Progress        float64
	BytesDownloaded int64
	StartedAt       time.Time
	FinishedAt      sql.NullTime
	ErrorMessage    sql.NullString
}

// ModelPackage is a catalog entry plus its local install and integrity
// state. Integrity fields are written only by the manifest repository;
// install state and task linkage only by the download manager.
type ModelPackage struct {
	ModelID        string
	DisplayName    string
	Version        string
	ProviderType   string
	DeliveryType   string
	SizeBytes      int64
	Capabilities   []string
	InstallState   string
	DownloadTaskID sql.NullString
	ManifestURL    string
	ChecksumSHA256 sql.NullString
	Signature      sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func encodeCapabilities(caps []string) string {
	if len(caps) == 0 {
		return "[]"
	}
	data, err := json.Marshal(caps)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeCapabilities(raw string) []string {
	if raw == "" {
		return nil
	}
	var caps []string
	if err := json.Unmarshal([]byte(raw), &caps); err != nil {
		return nil
	}
	return caps
}

// CachedManifest is one manifest_cache row keyed by (model_id, version).
type CachedManifest struct {
	ModelID        string
	Version        string
	ChecksumSHA256 string
	SizeBytes      int64
	DownloadURL    string
	Signature      sql.NullString
	ExpiresAt      sql.NullTime
	FetchedAt      time.Time
	ReleaseNotes   string
}
