package tm

import "io"

// Encryptor encrypts exported catalogs with a public key and unlocks the
// private key with a passphrase for reading them back.
type Encryptor interface {
	// Setup generates a key pair, stores the public key in plaintext, and
	// encrypts the private key with the passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key using the passphrase.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	// Decrypt decrypts data read from r and writes plaintext to w.
	Decrypt(r io.Reader, w io.Writer) error
}

// Compressor compresses exported catalogs.
type Compressor interface {
	Compress(r io.Reader, w io.Writer) error
	Decompress(r io.Reader, w io.Writer) error
}
