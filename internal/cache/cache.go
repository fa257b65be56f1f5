// Package cache memoizes platform lookups keyed by their string argument.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/fido"
	"github.com/codeGROOVE-dev/fido/pkg/store/cloudrun"
	"github.com/codeGROOVE-dev/fido/pkg/store/null"
)

// Backend names accepted by NewStore.
const (
	BackendMemory   = "memory"
	BackendCloudRun = "cloudrun"
)

// DefaultTTL is used when a Memo is created with a non-positive TTL.
const DefaultTTL = 15 * time.Minute

// ErrUnknownBackend is returned by NewStore for unsupported backend names.
var ErrUnknownBackend = errors.New("unknown cache backend")

// NewStore returns the persistence tier for a memo named name.
// The memory backend keeps values in-process only; cloudrun persists them
// to Datastore (auto-detected by fido when running on Cloud Run).
func NewStore[V any](ctx context.Context, backend, name string) (fido.Store[string, V], error) {
	switch backend {
	case "", BackendMemory:
		return null.New[string, V](), nil
	case BackendCloudRun:
		s, err := cloudrun.New[string, V](ctx, name)
		if err != nil {
			return nil, fmt.Errorf("create %s store: %w", name, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// Memo stores results of a lookup function by key.
//
// Concurrent misses for the same key may each call the lookup; the last
// successful result wins. Failed lookups are never stored.
type Memo[V any] struct {
	tier   *fido.TieredCache[string, V]
	name   string
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a memo on top of store.
func New[V any](store fido.Store[string, V], ttl time.Duration, name string) (*Memo[V], error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	tier, err := fido.NewTiered(store, fido.TTL(ttl))
	if err != nil {
		return nil, fmt.Errorf("create %s cache: %w", name, err)
	}

	slog.Debug("initialized cache", "name", name, "ttl", ttl)
	return &Memo[V]{tier: tier, name: name}, nil
}

// NewMemory creates an in-process memo.
func NewMemory[V any](ttl time.Duration, name string) (*Memo[V], error) {
	return New(null.New[string, V](), ttl, name)
}

// Do returns the value stored for key, calling fetch on a miss.
func (m *Memo[V]) Do(ctx context.Context, key string, fetch func(context.Context) (V, error)) (V, error) {
	k := hashKey(key)

	v, found, err := m.tier.Get(ctx, k)
	if err != nil {
		// A broken tier degrades to an uncached lookup.
		slog.Debug("cache lookup error", "name", m.name, "error", err)
	}
	if found && err == nil {
		m.hits.Add(1)
		return v, nil
	}
	m.misses.Add(1)

	v, err = fetch(ctx)
	if err != nil {
		var zero V
		return zero, err
	}

	if err := m.tier.Set(ctx, k, v); err != nil {
		slog.Warn("failed to store cache entry", "name", m.name, "error", err)
	}
	return v, nil
}

// Stats returns hit and miss counts since creation.
func (m *Memo[V]) Stats() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}

// Close releases the underlying tier.
func (m *Memo[V]) Close() error {
	if err := m.tier.Close(); err != nil {
		return fmt.Errorf("close %s cache: %w", m.name, err)
	}
	return nil
}

// hashKey keeps raw credentials out of persistent tiers.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
