package sealer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/deployctl/pkg/storage"
	"github.com/fleetctl/deployctl/pkg/types"
)

func newTestSecretStore(t *testing.T) *SecretStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	seal, err := FromPassphrase("test-token")
	require.NoError(t, err)
	return NewSecretStore(store, seal)
}

func TestSecretStoreGeneratesOnce(t *testing.T) {
	s := newTestSecretStore(t)
	key := types.ServiceKey{User: "u1", Project: "shop", Env: "prod", Service: "postgres"}

	first, err := s.GetOrCreate(context.Background(), key, "POSTGRES_PASSWORD")
	require.NoError(t, err)
	assert.Len(t, first, 32)

	second, err := s.GetOrCreate(context.Background(), key, "POSTGRES_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSecretStoreIsPerNamePerService(t *testing.T) {
	s := newTestSecretStore(t)
	key := types.ServiceKey{User: "u1", Project: "shop", Env: "prod", Service: "postgres"}
	otherKey := types.ServiceKey{User: "u1", Project: "shop", Env: "prod", Service: "redis"}

	a, err := s.GetOrCreate(context.Background(), key, "POSTGRES_PASSWORD")
	require.NoError(t, err)
	b, err := s.GetOrCreate(context.Background(), key, "OTHER_SECRET")
	require.NoError(t, err)
	c, err := s.GetOrCreate(context.Background(), otherKey, "POSTGRES_PASSWORD")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}
