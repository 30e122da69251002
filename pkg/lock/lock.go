// Package lock implements the Infrastructure Lock: a TTL'd lease that
// mediates mutual exclusion between the Healer and the Auto-Scaler.
// The lease is a (holder, expiry) pair persisted through the same
// durable store as the Node Inventory and State Index, and a janitor
// reclaims expired leases so a crashed holder cannot wedge the fleet.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetctl/deployctl/pkg/storage"
)

// ErrLockHeld is returned when Acquire or Renew cannot obtain the
// lease because another holder's lease has not yet expired.
var ErrLockHeld = fmt.Errorf("lock: held by another holder")

// Lock is the Infrastructure Lock. It satisfies ports.Lock.
type Lock struct {
	mu    sync.Mutex
	store storage.Store
	log   zerolog.Logger
}

// New builds a Lock backed by store.
func New(store storage.Store, log zerolog.Logger) *Lock {
	return &Lock{store: store, log: log.With().Str("component", "infra_lock").Logger()}
}

// Acquire obtains name's lease for holder if it is unheld or expired.
// It returns false, nil (not an error) if another live holder has it.
func (l *Lock) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, found, err := l.store.GetLockState(name)
	if err != nil {
		return false, fmt.Errorf("lock: acquire: %w", err)
	}

	now := time.Now()
	if found && state.Holder != "" && state.Holder != holder && state.ExpiresAt > now.Unix() {
		return false, nil
	}

	if err := l.store.PutLockState(name, storage.LockState{
		Holder:    holder,
		ExpiresAt: now.Add(ttl).Unix(),
	}); err != nil {
		return false, fmt.Errorf("lock: acquire: persist: %w", err)
	}

	l.log.Info().Str("name", name).Str("holder", holder).Dur("ttl", ttl).Msg("lock acquired")
	return true, nil
}

// Renew extends name's lease for holder, failing if holder is not the
// current live holder.
func (l *Lock) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, found, err := l.store.GetLockState(name)
	if err != nil {
		return false, fmt.Errorf("lock: renew: %w", err)
	}

	now := time.Now()
	if !found || state.Holder != holder || state.ExpiresAt <= now.Unix() {
		return false, nil
	}

	if err := l.store.PutLockState(name, storage.LockState{
		Holder:    holder,
		ExpiresAt: now.Add(ttl).Unix(),
	}); err != nil {
		return false, fmt.Errorf("lock: renew: persist: %w", err)
	}
	return true, nil
}

// Release relinquishes name's lease if holder currently owns it. It is
// idempotent: releasing an already-expired or foreign lease is a no-op,
// matching the "mandatory to release on every exit path" invariant
// without panicking a defer-based caller.
func (l *Lock) Release(ctx context.Context, name, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, found, err := l.store.GetLockState(name)
	if err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	if !found || state.Holder != holder {
		return nil
	}

	if err := l.store.PutLockState(name, storage.LockState{}); err != nil {
		return fmt.Errorf("lock: release: persist: %w", err)
	}
	l.log.Info().Str("name", name).Str("holder", holder).Msg("lock released")
	return nil
}

// Holder returns the current live holder and lease expiry for name. An
// expired lease is reported the same as no lease at all, matching the
// way Acquire and Renew already treat expiry, so a crashed holder's
// stale lease never makes a caller think the lock is still contended.
func (l *Lock) Holder(ctx context.Context, name string) (string, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, found, err := l.store.GetLockState(name)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("lock: holder: %w", err)
	}
	if !found || state.ExpiresAt <= time.Now().Unix() {
		return "", time.Time{}, nil
	}
	return state.Holder, time.Unix(state.ExpiresAt, 0), nil
}

// Janitor periodically reclaims expired leases so a crashed holder's
// lock cannot wedge the fleet past its TTL. Since Acquire already
// treats an expired lease as unheld, the janitor's role is limited to
// clearing the stale holder field so Holder() reports accurately.
type Janitor struct {
	lock     *Lock
	names    []string
	interval time.Duration
	stopCh   chan struct{}
}

// NewJanitor builds a Janitor that sweeps the given lock names.
func NewJanitor(l *Lock, names []string, interval time.Duration) *Janitor {
	return &Janitor{lock: l, names: names, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the sweep loop.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				j.sweep()
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-j.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the sweep loop.
func (j *Janitor) Stop() {
	close(j.stopCh)
}

func (j *Janitor) sweep() {
	now := time.Now()
	for _, name := range j.names {
		state, found, err := j.lock.store.GetLockState(name)
		if err != nil || !found || state.Holder == "" {
			continue
		}
		if state.ExpiresAt <= now.Unix() {
			_ = j.lock.store.PutLockState(name, storage.LockState{})
			j.lock.log.Warn().Str("name", name).Str("stale_holder", state.Holder).Msg("janitor reclaimed expired lease")
		}
	}
}
