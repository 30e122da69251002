package lock

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/deployctl/pkg/storage"
)

func newTestLock(t *testing.T) *Lock {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, zerolog.Nop())
}

func TestAcquireAndRelease(t *testing.T) {
	l := newTestLock(t)

	ok, err := l.Acquire(t.Context(), "healer", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(t.Context(), "healer", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder should not acquire a live lease")

	require.NoError(t, l.Release(t.Context(), "healer", "node-a"))

	ok, err = l.Acquire(t.Context(), "healer", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released lease should be acquirable")
}

func TestAcquireExpiredLease(t *testing.T) {
	l := newTestLock(t)

	ok, err := l.Acquire(t.Context(), "healer", "node-a", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = l.Acquire(t.Context(), "healer", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is treated as unheld")
}

func TestRenewRequiresCurrentHolder(t *testing.T) {
	l := newTestLock(t)

	_, err := l.Acquire(t.Context(), "healer", "node-a", time.Minute)
	require.NoError(t, err)

	ok, err := l.Renew(t.Context(), "healer", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Renew(t.Context(), "healer", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	l := newTestLock(t)

	_, err := l.Acquire(t.Context(), "healer", "node-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.Release(t.Context(), "healer", "node-b"))

	holder, _, err := l.Holder(t.Context(), "healer")
	require.NoError(t, err)
	assert.Equal(t, "node-a", holder)
}

func TestHolderReportsEmptyForExpiredLeaseBeforeJanitorSweeps(t *testing.T) {
	l := newTestLock(t)

	_, err := l.Acquire(t.Context(), "healer", "node-a", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	holder, _, err := l.Holder(t.Context(), "healer")
	require.NoError(t, err)
	assert.Empty(t, holder, "an expired lease should read back as unheld even before the janitor sweeps it")
}

func TestJanitorReclaimsExpiredLease(t *testing.T) {
	l := newTestLock(t)

	_, err := l.Acquire(t.Context(), "healer", "node-a", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	j := NewJanitor(l, []string{"healer"}, time.Hour)
	j.sweep()

	holder, _, err := l.Holder(t.Context(), "healer")
	require.NoError(t, err)
	assert.Equal(t, "", holder)
}
