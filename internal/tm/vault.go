package tm

import "io"

// Vault stores exported copies of the metadata catalog.
// Operations stream through io.Reader/io.Writer.
type Vault interface {
	// PutMetadata stores a named metadata item for a host.
	// size is the number of bytes that will be read from r.
	// version is stored alongside for consistency checks.
	PutMetadata(hostID string, name string, r io.Reader, size int64, version int64) error

	// GetMetadata writes a named metadata item for a host to w.
	GetMetadata(hostID string, name string, w io.Writer) error

	// GetMetadataVersion returns the stored version, or 0 when absent.
	GetMetadataVersion(hostID string, name string) (int64, error)

	// ValidateSetup verifies that the vault is accessible.
	ValidateSetup() error
}
