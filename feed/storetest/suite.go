// Package storetest holds the behaviour every feed.OrderedStore backend must
// share. Backends run StoreSuite from their own tests.
package storetest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"profile-feed/feed"
)

var ctx = context.Background()

type StoreSuite struct {
	suite.Suite

	// NewStore returns a fresh store for every test.
	NewStore func() feed.OrderedStore
	// Settle is waited after subscribing for backends whose subscriptions
	// become active asynchronously.
	Settle time.Duration

	Store feed.OrderedStore
}

func (s *StoreSuite) SetupTest() {
	s.Require().NotNil(s.NewStore, "NewStore is not set")
	s.Store = s.NewStore()
}

func (s *StoreSuite) TearDownTest() {
	if s.Store != nil {
		s.Require().NoError(s.Store.Close())
	}
}

// Collection returns a collection name not used by any other test.
func (s *StoreSuite) Collection() string {
	return feed.PostsCollection(uuid.NewString())
}

// AddPosts stores posts with creation dates 1..n in insertion order and
// returns their keys.
func (s *StoreSuite) AddPosts(collection string, n int) []string {
	keys := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		rec, err := s.Store.Push(ctx, collection, PostValue(i))
		s.Require().NoError(err)
		s.Require().NotEmpty(rec.Key)
		keys = append(keys, rec.Key)
	}
	return keys
}

// PostValue is a valid raw post created at second ts.
func PostValue(ts int) map[string]any {
	return map[string]any{
		"caption":      fmt.Sprintf("This is post number %d", ts),
		"imageUrl":     fmt.Sprintf("https://img.example.com/%d.jpg", ts),
		"imageWidth":   float64(1080),
		"imageHeight":  float64(1080),
		"creationDate": float64(ts),
	}
}

// NextEvent waits for one event of sub.
func (s *StoreSuite) NextEvent(sub feed.Subscription) feed.Event {
	select {
	case ev, ok := <-sub.Events():
		s.Require().True(ok, "subscription ended")
		return ev
	case <-time.After(5 * time.Second):
		s.FailNow("no event within 5s")
	}
	return feed.Event{}
}

func timestamps(records []feed.Record) []float64 {
	res := make([]float64, 0, len(records))
	for _, rec := range records {
		v, _ := feed.OrderValue(rec.Value, feed.DefaultOrderField)
		res = append(res, v)
	}
	return res
}

func (s *StoreSuite) TestGetMissing() {
	_, err := s.Store.Get(ctx, feed.UsersCollection, uuid.NewString())
	s.Require().ErrorIs(err, feed.ErrNotFound)
}

func (s *StoreSuite) TestSetAndGet() {
	uid := uuid.NewString()
	s.Require().NoError(s.Store.Set(ctx, feed.UsersCollection, uid, map[string]any{"username": "jinuman"}))

	rec, err := s.Store.Get(ctx, feed.UsersCollection, uid)
	s.Require().NoError(err)
	s.Require().Equal(uid, rec.Key)
	s.Require().Equal("jinuman", rec.Value["username"])

	s.Require().NoError(s.Store.Set(ctx, feed.UsersCollection, uid, map[string]any{"username": "jinwoo"}))
	rec, err = s.Store.Get(ctx, feed.UsersCollection, uid)
	s.Require().NoError(err)
	s.Require().Equal("jinwoo", rec.Value["username"])
}

func (s *StoreSuite) TestPushAssignsKey() {
	coll := s.Collection()
	keys := s.AddPosts(coll, 3)
	s.Require().Len(keys, 3)
	s.Require().NotEqual(keys[0], keys[1])

	rec, err := s.Store.Get(ctx, coll, keys[1])
	s.Require().NoError(err)
	s.Require().Equal("This is post number 2", rec.Value["caption"])
}

func (s *StoreSuite) TestRangeQueryLimitToLast() {
	coll := s.Collection()
	keys := s.AddPosts(coll, 10)

	records, err := s.Store.RangeQuery(ctx, coll, feed.Query{OrderBy: feed.DefaultOrderField, LimitToLast: 4})
	s.Require().NoError(err)
	s.Require().Equal([]float64{7, 8, 9, 10}, timestamps(records))
	s.Require().Equal(keys[6], records[0].Key)
	s.Require().Equal(keys[9], records[3].Key)
}

func (s *StoreSuite) TestRangeQueryEndingAtIsInclusive() {
	coll := s.Collection()
	keys := s.AddPosts(coll, 10)

	records, err := s.Store.RangeQuery(ctx, coll, feed.Query{
		OrderBy:     feed.DefaultOrderField,
		EndingAt:    &feed.Cursor{Value: 7},
		LimitToLast: 4,
	})
	s.Require().NoError(err)
	s.Require().Equal([]float64{4, 5, 6, 7}, timestamps(records))

	records, err = s.Store.RangeQuery(ctx, coll, feed.Query{
		OrderBy:     feed.DefaultOrderField,
		EndingAt:    &feed.Cursor{Value: 4, Key: keys[3]},
		LimitToLast: 4,
	})
	s.Require().NoError(err)
	s.Require().Equal([]float64{1, 2, 3, 4}, timestamps(records))

	records, err = s.Store.RangeQuery(ctx, coll, feed.Query{
		OrderBy:     feed.DefaultOrderField,
		EndingAt:    &feed.Cursor{Value: 1, Key: keys[0]},
		LimitToLast: 4,
	})
	s.Require().NoError(err)
	s.Require().Equal([]float64{1}, timestamps(records))
}

func (s *StoreSuite) TestRangeQueryBreaksTiesByKey() {
	coll := s.Collection()
	for _, key := range []string{"c", "a", "b"} {
		s.Require().NoError(s.Store.Set(ctx, coll, key, PostValue(5)))
	}
	s.Require().NoError(s.Store.Set(ctx, coll, "z", PostValue(4)))

	records, err := s.Store.RangeQuery(ctx, coll, feed.Query{
		OrderBy:     feed.DefaultOrderField,
		EndingAt:    &feed.Cursor{Value: 5, Key: "b"},
		LimitToLast: 3,
	})
	s.Require().NoError(err)
	s.Require().Len(records, 3)
	s.Require().Equal("z", records[0].Key)
	s.Require().Equal("a", records[1].Key)
	s.Require().Equal("b", records[2].Key)

	records, err = s.Store.RangeQuery(ctx, coll, feed.Query{OrderBy: feed.DefaultOrderField, LimitToLast: 2})
	s.Require().NoError(err)
	s.Require().Equal("b", records[0].Key)
	s.Require().Equal("c", records[1].Key)
}

func (s *StoreSuite) TestRangeQuerySkipsUnorderedRecords() {
	coll := s.Collection()
	s.AddPosts(coll, 2)
	s.Require().NoError(s.Store.Set(ctx, coll, "draft", map[string]any{"caption": "no date yet"}))

	records, err := s.Store.RangeQuery(ctx, coll, feed.Query{OrderBy: feed.DefaultOrderField, LimitToLast: 4})
	s.Require().NoError(err)
	s.Require().Equal([]float64{1, 2}, timestamps(records))
}

func (s *StoreSuite) TestRangeQueryEmptyCollection() {
	records, err := s.Store.RangeQuery(ctx, s.Collection(), feed.Query{OrderBy: feed.DefaultOrderField, LimitToLast: 4})
	s.Require().NoError(err)
	s.Require().Empty(records)
}

func (s *StoreSuite) TestRangeQueryRejectsInvalidQuery() {
	_, err := s.Store.RangeQuery(ctx, s.Collection(), feed.Query{OrderBy: feed.DefaultOrderField})
	s.Require().ErrorIs(err, feed.ErrInvalidQuery)
	_, err = s.Store.RangeQuery(ctx, s.Collection(), feed.Query{LimitToLast: 4})
	s.Require().ErrorIs(err, feed.ErrInvalidQuery)
}

func (s *StoreSuite) TestSubscribeChildAdded() {
	coll := s.Collection()
	s.AddPosts(coll, 2)

	sub, err := s.Store.SubscribeChildAdded(ctx, coll, feed.DefaultOrderField)
	s.Require().NoError(err)
	time.Sleep(s.Settle)

	_, err = s.Store.Push(ctx, s.Collection(), PostValue(100))
	s.Require().NoError(err)
	created, err := s.Store.Push(ctx, coll, PostValue(3))
	s.Require().NoError(err)

	ev := s.NextEvent(sub)
	s.Require().NoError(ev.Err)
	s.Require().Equal(created.Key, ev.Record.Key)
	s.Require().Equal("This is post number 3", ev.Record.Value["caption"])

	s.Require().NoError(sub.Close())
	s.Eventually(func() bool {
		for {
			select {
			case _, ok := <-sub.Events():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func (s *StoreSuite) TestIsReady() {
	s.Require().True(s.Store.IsReady(ctx))
}
