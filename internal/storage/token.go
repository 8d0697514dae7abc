package storage

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/xkilldash9x/coupon-clipper/internal/config"
)

// tokenUser is the keyring account the repository token is filed under.
const tokenUser = "data-repository-token"

var (
	keyringSet    = keyring.Set
	keyringGet    = keyring.Get
	keyringDelete = keyring.Delete
)

// ResolveToken returns the configured repository token, falling back to the
// OS keyring. A missing keyring entry is not an error.
func ResolveToken(cfg config.StorageConfig) (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}
	if cfg.KeyringService == "" {
		return "", nil
	}
	token, err := keyringGet(cfg.KeyringService, tokenUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read repository token from keyring: %w", err)
	}
	return token, nil
}

// SaveToken stores token in the OS keyring.
func SaveToken(cfg config.StorageConfig, token string) error {
	if cfg.KeyringService == "" {
		return errors.New("storage.keyring_service is not set")
	}
	if token == "" {
		return errors.New("token must not be empty")
	}
	if err := keyringSet(cfg.KeyringService, tokenUser, token); err != nil {
		return fmt.Errorf("failed to store repository token: %w", err)
	}
	return nil
}

// DeleteToken removes the stored token. Deleting a missing token succeeds.
func DeleteToken(cfg config.StorageConfig) error {
	if cfg.KeyringService == "" {
		return errors.New("storage.keyring_service is not set")
	}
	err := keyringDelete(cfg.KeyringService, tokenUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete repository token: %w", err)
	}
	return nil
}
