package identity

import "testing"

func TestDeviceIDStable(t *testing.T) {
	p := NewHostProvider()
	first := p.DeviceID()
	if first == "" {
		t.Fatal("DeviceID returned empty string")
	}
	if len(first) != 32 {
		t.Errorf("DeviceID length = %d, want 32 hex chars", len(first))
	}
	if second := p.DeviceID(); second != first {
		t.Errorf("DeviceID not stable: %q then %q", first, second)
	}
}
