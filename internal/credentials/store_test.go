package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "credential.bin"), "test-device-id")
}

func TestCredentialEmptyStore(t *testing.T) {
	s := newTestStore(t)
	cred, err := s.Credential()
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if cred != nil {
		t.Errorf("expected nil credential, got %+v", cred)
	}
}

func TestSaveAndReadBack(t *testing.T) {
	s := newTestStore(t)

	rotates := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	err := s.SaveAccessToken("tok-123", SourceOAuth, rotates, map[string]string{"login": "alice"})
	if err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}

	cred, err := s.Credential()
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if cred == nil {
		t.Fatal("credential missing after save")
	}
	if cred.AccessToken != "tok-123" || cred.Source != SourceOAuth {
		t.Errorf("credential = %+v", cred)
	}
	if cred.Metadata["login"] != "alice" {
		t.Errorf("metadata = %v", cred.Metadata)
	}
	if !cred.RotatesAfter.Equal(rotates) {
		t.Errorf("RotatesAfter = %v, want %v", cred.RotatesAfter, rotates)
	}
}

func TestTokenNotStoredInPlaintext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credential.bin")
	s := NewFileStore(path, "test-device-id")

	if err := s.SaveAccessToken("super-secret-token", SourcePersonalAccessToken, time.Time{}, nil); err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(raw), "super-secret-token") {
		t.Error("token appears in plaintext on disk")
	}
}

func TestWrongDeviceCannotUnseal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credential.bin")

	if err := NewFileStore(path, "device-a").SaveAccessToken("tok", SourceOAuth, time.Time{}, nil); err != nil {
		t.Fatalf("SaveAccessToken: %v", err)
	}

	if _, err := NewFileStore(path, "device-b").Credential(); err == nil {
		t.Error("credential sealed for another device should not unseal")
	}
}

func TestClearAccessToken(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveAccessToken("tok", SourceOAuth, time.Time{}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearAccessToken(); err != nil {
		t.Fatalf("ClearAccessToken: %v", err)
	}
	cred, err := s.Credential()
	if err != nil || cred != nil {
		t.Errorf("store not empty after clear: %v %v", cred, err)
	}

	// Clearing again is fine.
	if err := s.ClearAccessToken(); err != nil {
		t.Errorf("second clear errored: %v", err)
	}
}
