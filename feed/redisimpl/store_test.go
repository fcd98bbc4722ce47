package redisimpl

import (
	"context"
	"testing"

	"profile-feed/feed"
	"profile-feed/feed/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

var ctx = context.Background()

func TestRedisStore(t *testing.T) {
	suite.Run(t, new(RedisStoreSuite))
}

type RedisStoreSuite struct {
	storetest.StoreSuite

	mini *miniredis.Miniredis
}

func (s *RedisStoreSuite) SetupSuite() {
	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mini = mr
	s.NewStore = func() feed.OrderedStore {
		return NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), feed.DefaultOrderField)
	}
}

func (s *RedisStoreSuite) TearDownSuite() {
	if s.mini != nil {
		s.mini.Close()
	}
}

func (s *RedisStoreSuite) SetupTest() {
	// flush redis between tests
	s.mini.FlushAll()
	s.StoreSuite.SetupTest()
}

func (s *RedisStoreSuite) TestSet_IndexesOrderField() {
	coll := s.Collection()
	s.Require().NoError(s.Store.Set(ctx, coll, "p1", storetest.PostValue(42)))

	score, err := s.mini.ZScore(orderKey(coll, feed.DefaultOrderField), "p1")
	s.Require().NoError(err)
	s.Require().Equal(float64(42), score)
	s.Require().True(s.mini.Exists(recordsKey(coll)))

	// losing the order value drops the record from the index
	s.Require().NoError(s.Store.Set(ctx, coll, "p1", map[string]any{"caption": "draft"}))
	members, err := s.mini.ZMembers(orderKey(coll, feed.DefaultOrderField))
	s.Require().ErrorIs(err, miniredis.ErrKeyNotFound)
	s.Require().Empty(members)
}

func (s *RedisStoreSuite) TestRangeQuery_UnindexedField() {
	_, err := s.Store.RangeQuery(ctx, s.Collection(), feed.Query{OrderBy: "likeCount", LimitToLast: 4})
	s.Require().ErrorIs(err, feed.ErrUnindexed)

	_, err = s.Store.SubscribeChildAdded(ctx, s.Collection(), "likeCount")
	s.Require().ErrorIs(err, feed.ErrUnindexed)
}

func (s *RedisStoreSuite) TestRangeQuery_ManyEqualScoresAboveCursor() {
	coll := s.Collection()
	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"} {
		s.Require().NoError(s.Store.Set(ctx, coll, key, storetest.PostValue(7)))
	}

	records, err := s.Store.RangeQuery(ctx, coll, feed.Query{
		OrderBy:     feed.DefaultOrderField,
		EndingAt:    &feed.Cursor{Value: 7, Key: "b"},
		LimitToLast: 4,
	})
	s.Require().NoError(err)
	s.Require().Len(records, 2)
	s.Require().Equal("a", records[0].Key)
	s.Require().Equal("b", records[1].Key)
}

func (s *RedisStoreSuite) TestSubscribe_OverwriteIsNotAnnounced() {
	coll := s.Collection()
	s.Require().NoError(s.Store.Set(ctx, coll, "p1", storetest.PostValue(1)))

	sub, err := s.Store.SubscribeChildAdded(ctx, coll, feed.DefaultOrderField)
	s.Require().NoError(err)
	defer sub.Close()

	s.Require().NoError(s.Store.Set(ctx, coll, "p1", storetest.PostValue(1)))
	s.Require().NoError(s.Store.Set(ctx, coll, "p2", storetest.PostValue(2)))

	ev := s.NextEvent(sub)
	s.Require().NoError(ev.Err)
	s.Require().Equal("p2", ev.Record.Key)
}

func (s *RedisStoreSuite) TestIsReady_FalseWhenDown() {
	s.mini.Close()
	defer func() { s.Require().NoError(s.mini.Restart()) }()
	s.Require().False(s.Store.IsReady(ctx))
}
