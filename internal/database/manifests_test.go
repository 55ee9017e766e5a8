package database

import (
	"database/sql"
	"testing"
	"time"
)

func sampleManifest(modelID, version string, expiresAt time.Time) *CachedManifest {
	m := &CachedManifest{
		ModelID:        modelID,
		Version:        version,
		ChecksumSHA256: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		SizeBytes:      1024,
		DownloadURL:    "https://cdn.lumen.app/models/m1.bin",
		FetchedAt:      time.Now().UTC(),
		ReleaseNotes:   "initial release",
	}
	if !expiresAt.IsZero() {
		m.ExpiresAt = sql.NullTime{Time: expiresAt, Valid: true}
	}
	return m
}

func TestManifestCacheRoundTrip(t *testing.T) {
	db := newTestDB(t)

	put := sampleManifest("m1", "1.0", time.Time{})
	if err := PutCachedManifest(db, put); err != nil {
		t.Fatalf("PutCachedManifest: %v", err)
	}

	got, err := GetCachedManifest(db, "m1", "1.0")
	if err != nil {
		t.Fatalf("GetCachedManifest: %v", err)
	}
	if got == nil {
		t.Fatal("manifest not found")
	}
	if got.ChecksumSHA256 != put.ChecksumSHA256 || got.DownloadURL != put.DownloadURL {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestManifestCacheMissForOtherVersion(t *testing.T) {
	db := newTestDB(t)
	if err := PutCachedManifest(db, sampleManifest("m1", "1.0", time.Time{})); err != nil {
		t.Fatal(err)
	}

	got, err := GetCachedManifest(db, "m1", "2.0")
	if err != nil {
		t.Fatalf("GetCachedManifest: %v", err)
	}
	if got != nil {
		t.Errorf("expected miss for other version, got %+v", got)
	}
}

func TestExpiredManifestTreatedAsAbsent(t *testing.T) {
	db := newTestDB(t)
	expired := sampleManifest("m1", "1.0", time.Now().Add(-time.Hour))
	if err := PutCachedManifest(db, expired); err != nil {
		t.Fatal(err)
	}

	got, err := GetCachedManifest(db, "m1", "1.0")
	if err != nil {
		t.Fatalf("GetCachedManifest: %v", err)
	}
	if got != nil {
		t.Errorf("expired entry should be absent, got %+v", got)
	}
}

func TestPruneExpiredManifests(t *testing.T) {
	db := newTestDB(t)
	if err := PutCachedManifest(db, sampleManifest("m1", "1.0", time.Now().Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := PutCachedManifest(db, sampleManifest("m2", "1.0", time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := PutCachedManifest(db, sampleManifest("m3", "1.0", time.Time{})); err != nil {
		t.Fatal(err)
	}

	n, err := PruneExpiredManifests(db)
	if err != nil {
		t.Fatalf("PruneExpiredManifests: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
	if got, _ := GetCachedManifest(db, "m2", "1.0"); got == nil {
		t.Error("unexpired entry should survive")
	}
	if got, _ := GetCachedManifest(db, "m3", "1.0"); got == nil {
		t.Error("entry without expiry should survive")
	}
}

func TestModelPackageIntegrityFields(t *testing.T) {
	db := newTestDB(t)
	pkg := &ModelPackage{
		ModelID:      "m1",
		DisplayName:  "Test Model",
		Version:      "1.0",
		ProviderType: "first_party",
		DeliveryType: "download",
		SizeBytes:    2048,
		Capabilities: []string{"chat", "code"},
		ManifestURL:  "https://catalog.lumen.app/models/m1/manifest",
	}
	if err := UpsertModelPackage(db, pkg); err != nil {
		t.Fatalf("UpsertModelPackage: %v", err)
	}

	if err := UpdateModelIntegrity(db, "m1",
		"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "sig-1"); err != nil {
		t.Fatalf("UpdateModelIntegrity: %v", err)
	}

	got, err := GetModelPackage(db, "m1")
	if err != nil {
		t.Fatalf("GetModelPackage: %v", err)
	}
	if !got.ChecksumSHA256.Valid || got.ChecksumSHA256.String == "" {
		t.Error("checksum not persisted")
	}
	if !got.Signature.Valid || got.Signature.String != "sig-1" {
		t.Errorf("Signature = %v", got.Signature)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != "chat" {
		t.Errorf("Capabilities = %v", got.Capabilities)
	}

	// Re-upserting catalog data must not clobber integrity fields.
	if err := UpsertModelPackage(db, pkg); err != nil {
		t.Fatal(err)
	}
	got, _ = GetModelPackage(db, "m1")
	if !got.ChecksumSHA256.Valid {
		t.Error("upsert clobbered checksum")
	}
}

func TestUpdateModelInstallState(t *testing.T) {
	db := newTestDB(t)
	if err := UpsertModelPackage(db, &ModelPackage{
		ModelID: "m1", DisplayName: "Test", Version: "1.0",
	}); err != nil {
		t.Fatal(err)
	}

	if err := UpdateModelInstallState(db, "m1", InstallDownloading, "t1"); err != nil {
		t.Fatalf("UpdateModelInstallState: %v", err)
	}
	got, _ := GetModelPackage(db, "m1")
	if got.InstallState != InstallDownloading {
		t.Errorf("InstallState = %q", got.InstallState)
	}
	if !got.DownloadTaskID.Valid || got.DownloadTaskID.String != "t1" {
		t.Errorf("DownloadTaskID = %v", got.DownloadTaskID)
	}

	if err := UpdateModelInstallState(db, "m1", InstallInstalled, ""); err != nil {
		t.Fatal(err)
	}
	got, _ = GetModelPackage(db, "m1")
	if got.DownloadTaskID.Valid {
		t.Error("task linkage should be cleared")
	}
}
