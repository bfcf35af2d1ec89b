// Package compression implements the catalog export codec.
package compression

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"tm-go/internal/tm"
)

// Zstd compresses with zstandard. Levels 0-9 map onto the encoder's speed
// presets: 0-3 fastest, 4-5 default, 6-9 better compression.
type Zstd struct {
	level int
}

var _ tm.Compressor = (*Zstd)(nil)

// NewZstd returns a compressor for level 0-9.
func NewZstd(level int) (*Zstd, error) {
	if level < 0 || level > 9 {
		return nil, fmt.Errorf("compression level %d out of range 0-9", level)
	}
	return &Zstd{level: level}, nil
}

// Level returns the configured 0-9 level.
func (z *Zstd) Level() int {
	return z.level
}

func (z *Zstd) encoderLevel() zstd.EncoderLevel {
	return zstd.EncoderLevelFromZstd(z.level)
}

// Compress reads r to EOF and writes a zstd frame to w.
func (z *Zstd) Compress(r io.Reader, w io.Writer) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(z.encoderLevel()))
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return fmt.Errorf("compressing data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalizing compression: %w", err)
	}
	return nil
}

// Decompress reads a zstd stream from r and writes plaintext to w.
func (z *Zstd) Decompress(r io.Reader, w io.Writer) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	if _, err := io.Copy(w, dec); err != nil {
		return fmt.Errorf("decompressing data: %w", err)
	}
	return nil
}
