package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReplayCacheRoundTrip(t *testing.T) {
	cache, err := NewReplayCache(filepath.Join(t.TempDir(), "replay.db"), time.Hour)
	require.NoError(t, err)
	defer cache.Close()

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, cache.Store("key-1", "hash-a", []byte(`{"ok":true}`), now))

	body, ok, err := cache.Lookup("key-1", "hash-a", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"ok":true}`, string(body))

	_, ok, err = cache.Lookup("missing", "hash-a", now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReplayCacheRejectsMismatchedRequest(t *testing.T) {
	cache, err := NewReplayCache(filepath.Join(t.TempDir(), "replay.db"), time.Hour)
	require.NoError(t, err)
	defer cache.Close()

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, cache.Store("key-1", "hash-a", []byte(`{}`), now))

	_, _, err = cache.Lookup("key-1", "hash-b", now)
	require.ErrorIs(t, err, ErrIdempotencyMismatch)
}

func TestReplayCacheExpiresRecords(t *testing.T) {
	cache, err := NewReplayCache(filepath.Join(t.TempDir(), "replay.db"), time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, cache.Store("key-1", "hash-a", []byte(`{}`), now))

	_, ok, err := cache.Lookup("key-1", "hash-a", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	// The expired record is dropped, so a later lookup inside a fresh TTL
	// window still misses.
	_, ok, err = cache.Lookup("key-1", "hash-a", now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReplayCachePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.db")
	now := time.Unix(1_700_000_000, 0)

	cache, err := NewReplayCache(path, time.Hour)
	require.NoError(t, err)
	require.NoError(t, cache.Store("key-1", "hash-a", []byte(`{"n":1}`), now))
	require.NoError(t, cache.Close())

	reopened, err := NewReplayCache(path, time.Hour)
	require.NoError(t, err)
	defer reopened.Close()

	body, ok, err := reopened.Lookup("key-1", "hash-a", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"n":1}`, string(body))
}
