package hwsstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivet-dev/runner-go/pkg/protocol"
	"github.com/rivet-dev/runner-go/pkg/runner"
)

func sampleMeta(b byte) runner.HibernatingWebSocketMetadata {
	return runner.HibernatingWebSocketMetadata{
		GatewayID:          protocol.GatewayID{b, b, b, b},
		RequestID:          protocol.RequestID{b, 0, 0, b},
		ClientMessageIndex: 3,
		ServerMessageIndex: 9,
		Path:               "/chat",
		Headers:            map[string]string{"X-Session": "s1"},
	}
}

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, store Store) {
	ctx := context.Background()
	meta1 := sampleMeta(1)
	meta2 := sampleMeta(2)

	t.Run("put and list", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "actor-a", meta1))
		require.NoError(t, store.Put(ctx, "actor-a", meta2))
		require.NoError(t, store.Put(ctx, "actor-b", sampleMeta(3)))

		metas, err := store.List(ctx, "actor-a")
		require.NoError(t, err)
		assert.Len(t, metas, 2)

		byKey := make(map[protocol.RequestKey]runner.HibernatingWebSocketMetadata)
		for _, m := range metas {
			byKey[m.Key()] = m
		}
		got, ok := byKey[meta1.Key()]
		require.True(t, ok)
		assert.Equal(t, meta1.ClientMessageIndex, got.ClientMessageIndex)
		assert.Equal(t, meta1.ServerMessageIndex, got.ServerMessageIndex)
		assert.Equal(t, meta1.Path, got.Path)
		assert.Equal(t, meta1.Headers, got.Headers)
	})

	t.Run("put updates in place", func(t *testing.T) {
		updated := meta1
		updated.ServerMessageIndex = 10
		require.NoError(t, store.Put(ctx, "actor-a", updated))

		metas, err := store.List(ctx, "actor-a")
		require.NoError(t, err)
		assert.Len(t, metas, 2)
		for _, m := range metas {
			if m.Key() == meta1.Key() {
				assert.Equal(t, uint16(10), m.ServerMessageIndex)
			}
		}
	})

	t.Run("delete one", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "actor-a", meta1.Key()))
		metas, err := store.List(ctx, "actor-a")
		require.NoError(t, err)
		assert.Len(t, metas, 1)

		// Deleting a missing record is not an error.
		require.NoError(t, store.Delete(ctx, "actor-a", meta1.Key()))
	})

	t.Run("delete actor", func(t *testing.T) {
		require.NoError(t, store.DeleteActor(ctx, "actor-a"))
		metas, err := store.List(ctx, "actor-a")
		require.NoError(t, err)
		assert.Empty(t, metas)

		// Other actors are untouched.
		metas, err = store.List(ctx, "actor-b")
		require.NoError(t, err)
		assert.Len(t, metas, 1)
	})

	t.Run("list unknown actor", func(t *testing.T) {
		metas, err := store.List(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, metas)
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	runStoreSuite(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "hws.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	runStoreSuite(t, store)
}

func TestRedisStore(t *testing.T) {
	redisURL := os.Getenv("HWS_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("HWS_TEST_REDIS_URL not set")
	}

	store, err := NewRedisStore(context.Background(), redisURL)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	runStoreSuite(t, store)
}
