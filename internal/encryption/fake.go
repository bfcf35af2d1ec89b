package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"tm-go/internal/tm"
)

// fakeHeader is prepended by FakeEncryptor so output differs from plaintext.
var fakeHeader = []byte("TMENC\x00\x00\x01")

// ErrWrongPassphrase is returned by FakeEncryptor.Unlock when the
// passphrase differs from the one given to Setup.
var ErrWrongPassphrase = errors.New("wrong passphrase")

// FakeEncryptor is a deterministic, reversible encryptor without crypto,
// selected with encryption type "test".
type FakeEncryptor struct {
	passphrase string
	configured bool
}

var _ tm.Encryptor = (*FakeEncryptor)(nil)

func NewFakeEncryptor() *FakeEncryptor {
	return &FakeEncryptor{}
}

func (e *FakeEncryptor) Setup(passphrase string) error {
	e.passphrase = passphrase
	e.configured = true
	return nil
}

func (e *FakeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(fakeHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

// Unlock accepts any passphrase until Setup has been called.
func (e *FakeEncryptor) Unlock(passphrase string) (tm.DecryptionContext, error) {
	if e.configured && passphrase != e.passphrase {
		return nil, ErrWrongPassphrase
	}
	return fakeDecryptionContext{}, nil
}

func (e *FakeEncryptor) IsConfigured() bool {
	return true
}

type fakeDecryptionContext struct{}

func (fakeDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(fakeHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(header, fakeHeader) {
		return errors.New("invalid header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
