package boltimpl

import (
	"context"
	"math"
	"path/filepath"
	"sort"
	"testing"

	"profile-feed/feed"
	"profile-feed/feed/storetest"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var ctx = context.Background()

func TestBoltStore(t *testing.T) {
	s := &storetest.StoreSuite{}
	s.NewStore = func() feed.OrderedStore {
		store, err := NewBoltStore(filepath.Join(s.T().TempDir(), "feed.db"), feed.DefaultOrderField)
		require.NoError(s.T(), err)
		return store
	}
	suite.Run(t, s)
}

func TestEncodeOrder_PreservesOrder(t *testing.T) {
	values := []float64{-math.MaxFloat64, -1e9, -1.5, -1, math.Copysign(0, -1), 0, 1e-9, 1, 1.5, 1700000000.123, math.MaxFloat64}
	encoded := make([]string, len(values))
	for i, v := range values {
		encoded[i] = string(encodeOrder(v))
		require.Equal(t, v, decodeOrder([]byte(encoded[i])))
	}
	require.True(t, sort.StringsAreSorted(encoded))
}

func TestBoltStore_SetMovesIndexEntry(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "feed.db"), feed.DefaultOrderField)
	require.NoError(t, err)
	defer store.Close()

	coll := feed.PostsCollection("u1")
	require.NoError(t, store.Set(ctx, coll, "p1", storetest.PostValue(1)))
	require.NoError(t, store.Set(ctx, coll, "p2", storetest.PostValue(2)))
	require.NoError(t, store.Set(ctx, coll, "p1", storetest.PostValue(3)))

	records, err := store.RangeQuery(ctx, coll, feed.Query{OrderBy: feed.DefaultOrderField, LimitToLast: 4})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "p2", records[0].Key)
	require.Equal(t, "p1", records[1].Key)
}

func TestBoltStore_ReopenKeepsData(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sub", "feed.db")
	store, err := NewBoltStore(file, "")
	require.NoError(t, err)
	rec, err := store.Push(ctx, feed.PostsCollection("u1"), storetest.PostValue(5))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.False(t, store.IsReady(ctx))

	store, err = NewBoltStore(file, "")
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get(ctx, feed.PostsCollection("u1"), rec.Key)
	require.NoError(t, err)
	require.Equal(t, float64(5), got.Value["creationDate"])
}

func TestBoltStore_Unindexed(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "feed.db"), feed.DefaultOrderField)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.RangeQuery(ctx, "posts/u1", feed.Query{OrderBy: "likeCount", LimitToLast: 4})
	require.ErrorIs(t, err, feed.ErrUnindexed)
}
