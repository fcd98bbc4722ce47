package inmemoryimpl

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"profile-feed/feed"
	"profile-feed/feed/storetest"
)

func TestInMemoryStore(t *testing.T) {
	suite.Run(t, &storetest.StoreSuite{NewStore: func() feed.OrderedStore { return NewInMemoryStore() }})
}

func TestInMemoryStore_QueryHonoursContext(t *testing.T) {
	store := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.RangeQuery(ctx, "posts/u1", feed.Query{OrderBy: feed.DefaultOrderField, LimitToLast: 4})
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestInMemoryStore_SetAnnouncesWithDoneContext(t *testing.T) {
	store := NewInMemoryStore()
	defer store.Close()
	sub, err := store.SubscribeChildAdded(context.Background(), "posts/u1", feed.DefaultOrderField)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 20; i++ {
		require.NoError(t, store.Set(ctx, "posts/u1", fmt.Sprintf("p%02d", i), storetest.PostValue(i)))
	}
	for i := 0; i < 20; i++ {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, fmt.Sprintf("p%02d", i), ev.Record.Key)
		case <-time.After(time.Second):
			t.Fatalf("child-added event %d lost", i)
		}
	}
}
