package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{
		"mem":  NewMemStore(),
		"bolt": bolt,
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range stores(t) {
		s := s
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func TestPutIfAbsentRejectsOverwrite(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.PutIfAbsent("f1", []byte("hello")))
		err := s.PutIfAbsent("f1", []byte("world"))
		assert.ErrorIs(t, err, ErrAlreadyExists)

		got, err := s.Get("f1")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
	})
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListByPrefix(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.PutIfAbsent("shard-1/file-a", []byte("a")))
		require.NoError(t, s.PutIfAbsent("shard-1/file-b", []byte("b")))
		require.NoError(t, s.PutIfAbsent("shard-2/file-c", []byte("c")))

		keys, err := s.ListByPrefix("shard-1/")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"shard-1/file-a", "shard-1/file-b"}, keys)
	})
}

func TestDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.PutIfAbsent("f1", []byte("hello")))
		require.NoError(t, s.Delete("f1"))

		_, err := s.Get("f1")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.Delete("f1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
