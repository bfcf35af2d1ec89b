package encryption

import (
	"fmt"

	"tm-go/internal/config"
	"tm-go/internal/tm"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// publicKeyPath overrides cfg.PublicKeyPath when set, so a profile can
// encrypt to a different recipient.
func NewEncryptorFromConfig(cfg config.EncryptionConfig, publicKeyPath string) (tm.Encryptor, error) {
	if publicKeyPath == "" {
		publicKeyPath = cfg.PublicKeyPath
	}
	switch cfg.Type {
	case "age", "":
		return NewAgeEncryptor(publicKeyPath, cfg.PrivateKeyPath), nil
	case "test":
		return NewFakeEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
