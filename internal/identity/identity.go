// Package identity derives a stable device identifier for verification
// reports sent to the catalog backend.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/host"
)

// Provider supplies a stable device id.
type Provider interface {
	DeviceID() string
}

// HostProvider reads the machine id from the OS. The raw id is hashed so a
// hardware identifier never leaves the device verbatim.
type HostProvider struct {
	once sync.Once
	id   string
}

// NewHostProvider returns a host-backed identity provider.
func NewHostProvider() *HostProvider {
	return &HostProvider{}
}

// DeviceID returns the hashed host id. The value is computed once and
// reused; if the OS cannot supply a machine id, the hostname is used.
func (p *HostProvider) DeviceID() string {
	p.once.Do(func() {
		raw, err := host.HostID()
		if err != nil || raw == "" {
			raw, _ = os.Hostname()
		}
		sum := sha256.Sum256([]byte("lumen-device:" + raw))
		p.id = hex.EncodeToString(sum[:16])
	})
	return p.id
}
