package httpapi

import (
	"testing"
	"time"

	"profile-feed/feed"
	"profile-feed/feed/inmemoryimpl"
	"profile-feed/feed/storetest"

	"github.com/stretchr/testify/require"
)

func newRegistryStore(t *testing.T) *inmemoryimpl.InMemoryStore {
	store := inmemoryimpl.NewInMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Set(ctx, feed.UsersCollection, "u1", map[string]any{"username": "jinuman"}))
	for i := 1; i <= 3; i++ {
		_, err := store.Push(ctx, feed.PostsCollection("u1"), storetest.PostValue(i))
		require.NoError(t, err)
	}
	return store
}

func TestRegistry_IdleFeedIsClosed(t *testing.T) {
	reg := NewRegistry(newRegistryStore(t), 50*time.Millisecond, feed.Options{})

	f, err := reg.Open(ctx, nil, "u1", feed.Grid)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	require.Eventually(t, func() bool { return f.session.State().Closed }, 5*time.Second, 10*time.Millisecond)
	_, found := reg.Get(f.id)
	require.False(t, found)
}

func TestRegistry_GetDropsClosedFeed(t *testing.T) {
	reg := NewRegistry(newRegistryStore(t), time.Minute, feed.Options{})

	f, err := reg.Open(ctx, nil, "u1", feed.Grid)
	require.NoError(t, err)
	got, found := reg.Get(f.id)
	require.True(t, found)
	require.Same(t, f, got)

	require.NoError(t, f.session.Close())
	_, found = reg.Get(f.id)
	require.False(t, found)
	require.Equal(t, 0, reg.Len())
	_, found = reg.Get(f.id)
	require.False(t, found)
}

func TestRegistry_CloseAll(t *testing.T) {
	reg := NewRegistry(newRegistryStore(t), time.Minute, feed.Options{})

	var opened []*OpenFeed
	for i := 0; i < 3; i++ {
		f, err := reg.Open(ctx, nil, "u1", feed.List)
		require.NoError(t, err)
		opened = append(opened, f)
	}
	require.Equal(t, 3, reg.Len())

	require.NoError(t, reg.CloseAll(ctx))
	require.Equal(t, 0, reg.Len())
	for _, f := range opened {
		require.True(t, f.session.State().Closed)
	}
}

func TestOpenFeed_WaitWakesOnChange(t *testing.T) {
	store := newRegistryStore(t)
	reg := NewRegistry(store, time.Minute, feed.Options{})
	f, err := reg.Open(ctx, nil, "u1", feed.Grid)
	require.NoError(t, err)
	version := f.session.State().Version

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = store.Push(ctx, feed.PostsCollection("u1"), storetest.PostValue(4))
	}()
	st := f.wait(ctx, version)
	require.Greater(t, st.Version, version)
	require.Len(t, st.Posts, 4)

	require.True(t, reg.Close(f.id))
	require.False(t, reg.Close(f.id))
	require.True(t, f.wait(ctx, st.Version).Closed)
}

func TestSanitizeCaption(t *testing.T) {
	tbl := []struct{ in, out string }{
		{"plain caption", "plain caption"},
		{"<b>bold</b> move", "bold move"},
		{"&lt;script&gt;alert(1)&lt;/script&gt;hi", "hi"},
		{"  fish &amp; chips  ", "fish & chips"},
	}
	for _, tt := range tbl {
		require.Equal(t, tt.out, sanitizeCaption(tt.in))
	}
}
