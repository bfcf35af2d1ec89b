package vault

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"tm-go/internal/tm"
)

// MemoryVault keeps metadata items in memory. It is safe for concurrent use.
type MemoryVault struct {
	mu       sync.RWMutex
	items    map[string][]byte // "hostID/name" -> bytes
	versions map[string]int64
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		items:    make(map[string][]byte),
		versions: make(map[string]int64),
	}
}

func metadataKey(hostID, name string) string {
	return hostID + "/" + name
}

func (m *MemoryVault) PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := metadataKey(hostID, name)
	m.items[key] = data
	m.versions[key] = version
	return nil
}

func (m *MemoryVault) GetMetadataVersion(hostID string, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.versions[metadataKey(hostID, name)], nil
}

func (m *MemoryVault) GetMetadata(hostID string, name string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.items[metadataKey(hostID, name)]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s for host %s", ErrNotFound, name, hostID)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup() error {
	return nil
}

// Compile-time check that MemoryVault implements tm.Vault interface
var _ tm.Vault = (*MemoryVault)(nil)
