package tm

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Hasher produces content checksums. The algorithm is selectable per profile.
type Hasher interface {
	// Algorithm returns the name recorded alongside each checksum.
	Algorithm() string

	// New returns a fresh hash state.
	New() hash.Hash
}

// HashFile computes the hex checksum of the file at path.
func HashFile(fsys FileSystem, h Hasher, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	digest := h.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
