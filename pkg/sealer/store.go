package sealer

import (
	"context"
	"fmt"

	"github.com/fleetctl/deployctl/pkg/storage"
	"github.com/fleetctl/deployctl/pkg/types"
)

// SecretStore hands out per-service generated secrets, minting one on
// first request and returning the same value on every later request so
// a service's password survives redeploys and node replacements.
// Values are sealed before they ever touch storage.
type SecretStore struct {
	store storage.Store
	seal  *Sealer
}

// NewSecretStore builds a SecretStore backed by store, sealing values
// with seal.
func NewSecretStore(store storage.Store, seal *Sealer) *SecretStore {
	return &SecretStore{store: store, seal: seal}
}

// GetOrCreate returns the current value of the named secret for key,
// generating and persisting a new 32-character password the first
// time it's requested.
func (s *SecretStore) GetOrCreate(ctx context.Context, key types.ServiceKey, name string) (string, error) {
	storageKey := fmt.Sprintf("%s/%s", key.String(), name)

	sealed, found, err := s.store.GetSecret(storageKey)
	if err != nil {
		return "", fmt.Errorf("sealer: load secret %s: %w", storageKey, err)
	}
	if found {
		return s.seal.Open(string(sealed))
	}

	password, err := GeneratePassword(32, false)
	if err != nil {
		return "", fmt.Errorf("sealer: generate secret %s: %w", storageKey, err)
	}
	sealedValue, err := s.seal.Seal(password)
	if err != nil {
		return "", fmt.Errorf("sealer: seal secret %s: %w", storageKey, err)
	}
	if err := s.store.PutSecret(storageKey, []byte(sealedValue)); err != nil {
		return "", fmt.Errorf("sealer: persist secret %s: %w", storageKey, err)
	}
	return password, nil
}
