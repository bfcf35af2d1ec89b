// Package checksum provides the content hashers selectable per profile.
package checksum

import (
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"

	"tm-go/internal/tm"
)

// Algorithm names as recorded in file records.
const (
	SHA256 = "sha256"
	XXH3   = "xxh3"
	BLAKE3 = "blake3"
)

// Names lists the supported algorithms.
var Names = []string{SHA256, XXH3, BLAKE3}

// New returns the hasher for name. An empty name selects SHA256.
func New(name string) (tm.Hasher, error) {
	switch name {
	case "", SHA256:
		return sha256Hasher{}, nil
	case XXH3:
		return xxh3Hasher{}, nil
	case BLAKE3:
		return blake3Hasher{}, nil
	default:
		return nil, fmt.Errorf("unknown checksum algorithm: %q", name)
	}
}

type sha256Hasher struct{}

func (sha256Hasher) Algorithm() string { return SHA256 }
func (sha256Hasher) New() hash.Hash    { return sha256.New() }

type blake3Hasher struct{}

func (blake3Hasher) Algorithm() string { return BLAKE3 }
func (blake3Hasher) New() hash.Hash    { return blake3.New() }

type xxh3Hasher struct{}

func (xxh3Hasher) Algorithm() string { return XXH3 }
func (xxh3Hasher) New() hash.Hash    { return &xxh3Hash128{h: xxh3.New()} }

// xxh3Hash128 exposes the 128-bit XXH3 digest through hash.Hash. The
// streaming hasher's own Sum appends only 64 bits.
type xxh3Hash128 struct {
	h *xxh3.Hasher
}

func (x *xxh3Hash128) Write(p []byte) (int, error) { return x.h.Write(p) }
func (x *xxh3Hash128) Reset()                      { x.h.Reset() }
func (x *xxh3Hash128) Size() int                   { return 16 }
func (x *xxh3Hash128) BlockSize() int              { return x.h.BlockSize() }

func (x *xxh3Hash128) Sum(b []byte) []byte {
	sum := x.h.Sum128().Bytes()
	return append(b, sum[:]...)
}
