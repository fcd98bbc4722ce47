package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"profile-feed/feed"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSqliteFile(t *testing.T) {
	tbl := []struct {
		dsn, want string
	}{
		{"var/profile-feed.sqlite", "var/profile-feed.sqlite"},
		{"file:var/feed.db?cache=shared", "var/feed.db"},
		{":memory:", ""},
		{"file::memory:?cache=shared", ""},
		{"", ""},
	}
	for _, tt := range tbl {
		assert.Equal(t, tt.want, sqliteFile(tt.dsn), tt.dsn)
	}
}

func TestOpenStore_SqliteCreatesDirectory(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "var", "nested", "profile-feed.sqlite")
	store, err := openStore(context.Background(), options{StorageMode: "sql", SQLDriver: "sqlite", SQLDSN: fname})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(context.Background(), feed.UsersCollection, "u1", map[string]any{"username": "jinuman"}))
	_, err = os.Stat(fname)
	require.NoError(t, err)
}

func TestOpenStore_UnknownMode(t *testing.T) {
	_, err := openStore(context.Background(), options{StorageMode: "tape"})
	require.Error(t, err)
}
