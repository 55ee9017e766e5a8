package database

import (
	"database/sql"
	"fmt"
	"time"
)

// PutCachedManifest stores or replaces the cache entry for one
// (model_id, version) pair.
func PutCachedManifest(db *sql.DB, m *CachedManifest) error {
	_, err := db.Exec(`
		INSERT INTO manifest_cache
			(model_id, version, checksum_sha256, size_bytes, download_url,
			 signature, expires_at, fetched_at, release_notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id, version) DO UPDATE SET
			checksum_sha256 = excluded.checksum_sha256,
			size_bytes = excluded.size_bytes,
			download_url = excluded.download_url,
			signature = excluded.signature,
			expires_at = excluded.expires_at,
			fetched_at = excluded.fetched_at,
			release_notes = excluded.release_notes`,
		m.ModelID, m.Version, m.ChecksumSHA256, m.SizeBytes, m.DownloadURL,
		m.Signature, m.ExpiresAt, m.FetchedAt, m.ReleaseNotes)
	if err != nil {
		return fmt.Errorf("failed to cache manifest: %w", err)
	}
	return nil
}

// GetCachedManifest retrieves a cache entry. Entries whose expiry has
// passed are treated as absent and removed opportunistically.
func GetCachedManifest(db *sql.DB, modelID, version string) (*CachedManifest, error) {
	var m CachedManifest
	err := db.QueryRow(`
		SELECT model_id, version, checksum_sha256, size_bytes, download_url,
		       signature, expires_at, fetched_at, release_notes
		FROM manifest_cache WHERE model_id = ? AND version = ?`, modelID, version).Scan(
		&m.ModelID, &m.Version, &m.ChecksumSHA256, &m.SizeBytes, &m.DownloadURL,
		&m.Signature, &m.ExpiresAt, &m.FetchedAt, &m.ReleaseNotes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached manifest: %w", err)
	}

	if m.ExpiresAt.Valid && time.Now().After(m.ExpiresAt.Time) {
		_, _ = db.Exec(`DELETE FROM manifest_cache WHERE model_id = ? AND version = ?`, modelID, version)
		return nil, nil
	}
	return &m, nil
}

// PruneExpiredManifests deletes every cache entry whose expiry has passed.
func PruneExpiredManifests(db *sql.DB) (int64, error) {
	result, err := db.Exec(`
		DELETE FROM manifest_cache
		WHERE expires_at IS NOT NULL AND expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired manifests: %w", err)
	}
	return result.RowsAffected()
}
