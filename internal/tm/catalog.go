package tm

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CatalogName is the vault item name of the exported metadata catalog.
const CatalogName = "catalog"

// CatalogExporter copies the metadata store into a vault after each
// completed run, optionally compressed and encrypted.
type CatalogExporter struct {
	db         Database
	vault      Vault
	compressor Compressor
	encryptor  Encryptor
	hostID     string
	logger     Logger
}

// NewCatalogExporter creates an exporter. compressor and encryptor may be nil.
func NewCatalogExporter(db Database, vault Vault, compressor Compressor, encryptor Encryptor, hostID string, logger Logger) *CatalogExporter {
	return &CatalogExporter{
		db:         db,
		vault:      vault,
		compressor: compressor,
		encryptor:  encryptor,
		hostID:     hostID,
		logger:     logger,
	}
}

// Export snapshots the metadata store and stores it in the vault under
// CatalogName with the given version.
func (c *CatalogExporter) Export(version int64) error {
	tmpDir, err := os.MkdirTemp("", "tm-catalog-*")
	if err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "catalog.db")
	if err := c.db.BackupTo(path); err != nil {
		return fmt.Errorf("snapshotting metadata: %w", err)
	}

	if c.compressor != nil {
		path, err = transformFile(path, path+".zst", c.compressor.Compress)
		if err != nil {
			return fmt.Errorf("compressing catalog: %w", err)
		}
	}
	if c.encryptor != nil {
		path, err = transformFile(path, path+".age", c.encryptor.Encrypt)
		if err != nil {
			return fmt.Errorf("encrypting catalog: %w", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening catalog for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat catalog: %w", err)
	}

	if err := c.vault.PutMetadata(c.hostID, CatalogName, f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading catalog: %w", err)
	}
	c.logger.Info("catalog exported", "host", c.hostID, "version", version, "size", info.Size())
	return nil
}

// Fetch reads the exported catalog back from the vault and writes the plain
// SQLite database to w. dec is required when the exporter encrypts.
func (c *CatalogExporter) Fetch(w io.Writer, dec DecryptionContext) error {
	var buf bytes.Buffer
	if err := c.vault.GetMetadata(c.hostID, CatalogName, &buf); err != nil {
		return fmt.Errorf("downloading catalog: %w", err)
	}

	var r io.Reader = &buf
	if c.encryptor != nil {
		if dec == nil {
			return fmt.Errorf("catalog is encrypted: a decryption context is required")
		}
		var plain bytes.Buffer
		if err := dec.Decrypt(r, &plain); err != nil {
			return fmt.Errorf("decrypting catalog: %w", err)
		}
		r = &plain
	}
	if c.compressor != nil {
		return c.compressor.Decompress(r, w)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("writing catalog: %w", err)
	}
	return nil
}

// transformFile streams src through fn into dst and returns dst.
func transformFile(src, dst string, fn func(io.Reader, io.Writer) error) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if err := fn(in, out); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}
