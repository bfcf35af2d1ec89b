package encryption

import (
	"path/filepath"
	"testing"

	"tm-go/internal/config"
)

func TestNewEncryptorFromConfig(t *testing.T) {
	dir := t.TempDir()
	base := config.EncryptionConfig{
		PublicKeyPath:  filepath.Join(dir, "tm.pub"),
		PrivateKeyPath: filepath.Join(dir, "tm.key"),
	}

	t.Run("age by default", func(t *testing.T) {
		got, err := NewEncryptorFromConfig(base, "")
		if err != nil {
			t.Fatalf("NewEncryptorFromConfig() error = %v", err)
		}
		age, ok := got.(*AgeEncryptor)
		if !ok {
			t.Fatalf("NewEncryptorFromConfig() = %T, want *AgeEncryptor", got)
		}
		if age.publicKeyPath != base.PublicKeyPath {
			t.Errorf("publicKeyPath = %q, want %q", age.publicKeyPath, base.PublicKeyPath)
		}
	})

	t.Run("profile key overrides public key", func(t *testing.T) {
		cfg := base
		cfg.Type = "age"
		got, err := NewEncryptorFromConfig(cfg, "/keys/offsite.pub")
		if err != nil {
			t.Fatalf("NewEncryptorFromConfig() error = %v", err)
		}
		age := got.(*AgeEncryptor)
		if age.publicKeyPath != "/keys/offsite.pub" {
			t.Errorf("publicKeyPath = %q, want %q", age.publicKeyPath, "/keys/offsite.pub")
		}
		if age.privateKeyPath != base.PrivateKeyPath {
			t.Errorf("privateKeyPath = %q, want %q", age.privateKeyPath, base.PrivateKeyPath)
		}
	})

	t.Run("test type", func(t *testing.T) {
		cfg := base
		cfg.Type = "test"
		got, err := NewEncryptorFromConfig(cfg, "")
		if err != nil {
			t.Fatalf("NewEncryptorFromConfig() error = %v", err)
		}
		if _, ok := got.(*FakeEncryptor); !ok {
			t.Errorf("NewEncryptorFromConfig() = %T, want *FakeEncryptor", got)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		cfg := base
		cfg.Type = "rot13"
		if _, err := NewEncryptorFromConfig(cfg, ""); err == nil {
			t.Error("NewEncryptorFromConfig() expected error for unknown type")
		}
	})
}
