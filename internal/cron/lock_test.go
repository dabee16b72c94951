package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	values map[string]string
	ttls   map[string]time.Duration
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	m.ttls[key] = ttl
	return true, nil
}

func (m *memoryStore) DelIfValue(_ context.Context, key, value string) (bool, error) {
	if m.values[key] != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func TestRedisLockIsExclusive(t *testing.T) {
	store := newMemoryStore()
	first, err := NewRedisLock(store, "aff:lock:cron", 0)
	require.NoError(t, err)
	second, err := NewRedisLock(store, "aff:lock:cron", 0)
	require.NoError(t, err)

	ok, err := first.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, defaultLockTTL, store.ttls["aff:lock:cron"])

	ok, err = second.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, second.Release(context.Background()))
	assert.Contains(t, store.values, "aff:lock:cron", "non-owner release leaves the lock")

	require.NoError(t, first.Release(context.Background()))
	assert.NotContains(t, store.values, "aff:lock:cron")

	ok, err = second.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockDoesNotReleaseTakenOverLease(t *testing.T) {
	store := newMemoryStore()
	stale, err := NewRedisLock(store, "aff:lock:cron", time.Minute)
	require.NoError(t, err)
	ok, err := stale.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// the lease expires and another worker takes it
	delete(store.values, "aff:lock:cron")
	fresh, err := NewRedisLock(store, "aff:lock:cron", time.Minute)
	require.NoError(t, err)
	ok, err = fresh.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, stale.Release(context.Background()))
	assert.Contains(t, store.values, "aff:lock:cron")
	require.NoError(t, fresh.Release(context.Background()))
	assert.NotContains(t, store.values, "aff:lock:cron")
}

func TestNewRedisLockValidation(t *testing.T) {
	_, err := NewRedisLock(nil, "key", time.Minute)
	assert.Error(t, err)
	_, err = NewRedisLock(newMemoryStore(), "", time.Minute)
	assert.Error(t, err)
}
