package database

import (
	"database/sql"
	"fmt"
)

// UpsertModelPackage inserts or refreshes a catalog entry. Install state,
// integrity fields and task linkage are preserved on conflict; only the
// catalog-owned attributes are refreshed.
func UpsertModelPackage(db *sql.DB, pkg *ModelPackage) error {
	if pkg.InstallState == "" {
		pkg.InstallState = InstallNotInstalled
	}
	_, err := db.Exec(`
		INSERT INTO model_packages
			(model_id, display_name, version, provider_type, delivery_type,
			 size_bytes, capabilities, install_state, manifest_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(model_id) DO UPDATE SET
			display_name = excluded.display_name,
			version = excluded.version,
			provider_type = excluded.provider_type,
			delivery_type = excluded.delivery_type,
			size_bytes = excluded.size_bytes,
			capabilities = excluded.capabilities,
			manifest_url = excluded.manifest_url,
			updated_at = CURRENT_TIMESTAMP`,
		pkg.ModelID, pkg.DisplayName, pkg.Version, pkg.ProviderType, pkg.DeliveryType,
		pkg.SizeBytes, encodeCapabilities(pkg.Capabilities), pkg.InstallState, pkg.ManifestURL)
	if err != nil {
		return fmt.Errorf("failed to upsert model package: %w", err)
	}
	return nil
}

// GetModelPackage retrieves a model by id. Returns (nil, nil) when absent.
func GetModelPackage(db *sql.DB, modelID string) (*ModelPackage, error) {
	var m ModelPackage
	var capabilities string
	err := db.QueryRow(`
		SELECT model_id, display_name, version, provider_type, delivery_type,
		       size_bytes, capabilities, install_state, download_task_id,
		       manifest_url, checksum_sha256, signature, created_at, updated_at
		FROM model_packages WHERE model_id = ?`, modelID).Scan(
		&m.ModelID, &m.DisplayName, &m.Version, &m.ProviderType, &m.DeliveryType,
		&m.SizeBytes, &capabilities, &m.InstallState, &m.DownloadTaskID,
		&m.ManifestURL, &m.ChecksumSHA256, &m.Signature, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model package: %w", err)
	}
	m.Capabilities = decodeCapabilities(capabilities)
	return &m, nil
}

// ListModelPackages retrieves every persisted model ordered by display name.
func ListModelPackages(db *sql.DB) ([]ModelPackage, error) {
	rows, err := db.Query(`
		SELECT model_id, display_name, version, provider_type, delivery_type,
		       size_bytes, capabilities, install_state, download_task_id,
		       manifest_url, checksum_sha256, signature, created_at, updated_at
		FROM model_packages ORDER BY display_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query model packages: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Cleanup, error not critical

	var models []ModelPackage
	for rows.Next() {
		var m ModelPackage
		var capabilities string
		err := rows.Scan(&m.ModelID, &m.DisplayName, &m.Version, &m.ProviderType, &m.DeliveryType,
			&m.SizeBytes, &capabilities, &m.InstallState, &m.DownloadTaskID,
			&m.ManifestURL, &m.ChecksumSHA256, &m.Signature, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model package: %w", err)
		}
		m.Capabilities = decodeCapabilities(capabilities)
		models = append(models, m)
	}
	return models, rows.Err()
}

// UpdateModelInstallState sets the install state and optional task
// back-reference. Pass an empty taskID to clear the linkage.
func UpdateModelInstallState(db *sql.DB, modelID, installState, taskID string) error {
	var taskRef sql.NullString
	if taskID != "" {
		taskRef = sql.NullString{String: taskID, Valid: true}
	}
	_, err := db.Exec(`
		UPDATE model_packages
		SET install_state = ?, download_task_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE model_id = ?`, installState, taskRef, modelID)
	if err != nil {
		return fmt.Errorf("failed to update install state: %w", err)
	}
	return nil
}

// UpdateModelIntegrity writes the checksum and signature obtained from a
// fresh manifest. Writes are last-write-wins; callers are the manifest
// repository only.
func UpdateModelIntegrity(db *sql.DB, modelID, checksumSHA256, signature string) error {
	var sig sql.NullString
	if signature != "" {
		sig = sql.NullString{String: signature, Valid: true}
	}
	_, err := db.Exec(`
		UPDATE model_packages
		SET checksum_sha256 = ?, signature = ?, updated_at = CURRENT_TIMESTAMP
		WHERE model_id = ?`, checksumSHA256, sig, modelID)
	if err != nil {
		return fmt.Errorf("failed to update model integrity: %w", err)
	}
	return nil
}
