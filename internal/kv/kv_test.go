package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/stbridge/internal/db"
)

func buckets(t *testing.T) []Bucket {
	database, err := db.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return []Bucket{
		NewSQLiteBucket(database.DB, "test"),
		NewMemoryBucket("test"),
	}
}

func TestBucket_RoundTrip(t *testing.T) {
	for _, b := range buckets(t) {
		t.Run(b.Name(), func(t *testing.T) {
			_, ok, err := b.Get("missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.Put("a", "1"))
			require.NoError(t, b.Put("a", "2"))
			require.NoError(t, b.Put("b", "3"))

			v, ok, err := b.Get("a")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "2", v)

			keys, err := b.Keys()
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, keys)

			require.NoError(t, b.Delete("a"))
			require.NoError(t, b.Delete("a"))
			_, ok, _ = b.Get("a")
			assert.False(t, ok)
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	type identity struct {
		InstalledAppID string `json:"installedAppId"`
	}

	for _, b := range buckets(t) {
		t.Run(b.Name(), func(t *testing.T) {
			var got identity
			ok, err := GetJSON(b, "identity", &got)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, PutJSON(b, "identity", identity{InstalledAppID: "app-1"}))
			ok, err = GetJSON(b, "identity", &got)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "app-1", got.InstalledAppID)

			require.NoError(t, b.Put("broken", "{"))
			_, err = GetJSON(b, "broken", &got)
			assert.Error(t, err)
		})
	}
}
