package redisimpl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"profile-feed/feed"
	"strconv"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/redis/go-redis/v9"
)

func recordsKey(collection string) string { return "feed:" + collection + ":records" }

func orderKey(collection, field string) string { return "feed:" + collection + ":order:" + field }

func addedChannel(collection string) string { return "feed:" + collection + ":added" }

// RedisStore keeps record values in a hash per collection and their order
// in a sorted set scored by the order field. Child-added events go through
// a pub/sub channel per collection.
type RedisStore struct {
	client     *redis.Client
	orderField string

	mu   sync.Mutex
	subs map[*feed.Stream]struct{}
}

func NewRedisStore(client *redis.Client, orderField string) *RedisStore {
	if orderField == "" {
		orderField = feed.DefaultOrderField
	}
	return &RedisStore{
		client:     client,
		orderField: orderField,
		subs:       make(map[*feed.Stream]struct{}),
	}
}

// wireRecord is the pub/sub payload.
type wireRecord struct {
	Key   string         `json:"key"`
	Value map[string]any `json:"value"`
}

func (r *RedisStore) Push(ctx context.Context, collection string, value map[string]any) (feed.Record, error) {
	key, err := feed.NewRecordKey()
	if err != nil {
		return feed.Record{}, fmt.Errorf("key for %s: %v - %w", collection, err, feed.ErrStorage)
	}
	if err := r.Set(ctx, collection, key, value); err != nil {
		return feed.Record{}, err
	}
	return feed.Record{Key: key, Value: value}, nil
}

// Set stores the value and keeps the order index in the same transaction.
// Only a key seen for the first time is announced as added.
func (r *RedisStore) Set(ctx context.Context, collection string, key string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %v - %w", collection, key, err, feed.ErrStorage)
	}

	var added *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.HSet(ctx, recordsKey(collection), key, raw)
		if v, ok := feed.OrderValue(value, r.orderField); ok {
			pipe.ZAdd(ctx, orderKey(collection, r.orderField), redis.Z{Score: v, Member: key})
		} else {
			pipe.ZRem(ctx, orderKey(collection, r.orderField), key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store %s/%s: %v - %w", collection, key, err, feed.ErrStorage)
	}
	if added.Val() == 0 {
		return nil
	}

	msg, err := json.Marshal(wireRecord{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("encode event %s/%s: %v - %w", collection, key, err, feed.ErrStorage)
	}
	if err := r.client.Publish(ctx, addedChannel(collection), msg).Err(); err != nil {
		log.Printf("[WARN] failed to announce %s/%s, %v", collection, key, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, collection string, key string) (feed.Record, error) {
	raw, err := r.client.HGet(ctx, recordsKey(collection), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return feed.Record{}, feed.ErrNotFound
	}
	if err != nil {
		return feed.Record{}, fmt.Errorf("get %s/%s: %v - %w", collection, key, err, feed.ErrStorage)
	}
	return decodeRecord(key, raw)
}

// RangeQuery walks the sorted set downwards from the cursor. Members sharing
// the cursor score but sorting after the cursor key are skipped, so the walk
// may need more than one batch.
func (r *RedisStore) RangeQuery(ctx context.Context, collection string, q feed.Query) ([]feed.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.OrderBy != r.orderField {
		return nil, fmt.Errorf("order by %q: %w", q.OrderBy, feed.ErrUnindexed)
	}

	limit := int64(q.LimitToLast)
	upper := "+inf"
	if q.EndingAt != nil {
		upper = strconv.FormatFloat(q.EndingAt.Value, 'g', -1, 64)
	}

	var picked []string
	for offset := int64(0); int64(len(picked)) < limit; offset += limit {
		batch, err := r.client.ZRevRangeByScoreWithScores(ctx, orderKey(collection, q.OrderBy), &redis.ZRangeBy{
			Min: "-inf", Max: upper, Offset: offset, Count: limit,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("range %s: %v - %w", collection, err, feed.ErrStorage)
		}
		for _, z := range batch {
			key, _ := z.Member.(string)
			if q.EndingAt != nil && !q.EndingAt.Admits(z.Score, key) {
				continue
			}
			picked = append(picked, key)
			if int64(len(picked)) == limit {
				break
			}
		}
		if int64(len(batch)) < limit {
			break
		}
	}
	if len(picked) == 0 {
		return []feed.Record{}, nil
	}

	values, err := r.client.HMGet(ctx, recordsKey(collection), picked...).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %v - %w", collection, err, feed.ErrStorage)
	}
	result := make([]feed.Record, 0, len(picked))
	for i := len(picked) - 1; i >= 0; i-- {
		raw, ok := values[i].(string)
		if !ok {
			// removed between the two reads
			continue
		}
		rec, err := decodeRecord(picked[i], []byte(raw))
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, nil
}

// SubscribeChildAdded returns once the channel subscription is confirmed,
// so records added afterwards are never missed.
func (r *RedisStore) SubscribeChildAdded(ctx context.Context, collection string, orderField string) (feed.Subscription, error) {
	if orderField != r.orderField {
		return nil, fmt.Errorf("subscribe to %s by %q: %w", collection, orderField, feed.ErrUnindexed)
	}
	pubsub := r.client.Subscribe(ctx, addedChannel(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %v - %w", collection, err, feed.ErrStorage)
	}

	var stream *feed.Stream
	stream = feed.NewStream(64, func() error {
		r.mu.Lock()
		delete(r.subs, stream)
		r.mu.Unlock()
		return pubsub.Close()
	})
	r.mu.Lock()
	r.subs[stream] = struct{}{}
	r.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			var wr wireRecord
			ev := feed.Event{}
			if err := json.Unmarshal([]byte(msg.Payload), &wr); err != nil {
				ev.Err = fmt.Errorf("decode event on %s: %v - %w", msg.Channel, err, feed.ErrStorage)
			} else {
				ev.Record = feed.Record{Key: wr.Key, Value: wr.Value}
			}
			if !stream.Send(context.Background(), ev) {
				return
			}
		}
	}()
	return stream, nil
}

func (r *RedisStore) IsReady(ctx context.Context) bool {
	if r.client == nil {
		return false
	}
	return r.client.Ping(ctx).Err() == nil
}

// Close ends open subscriptions and the client.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	open := make([]*feed.Stream, 0, len(r.subs))
	for s := range r.subs {
		open = append(open, s)
	}
	r.mu.Unlock()
	for _, s := range open {
		_ = s.Close()
	}
	return r.client.Close()
}

func decodeRecord(key string, raw []byte) (feed.Record, error) {
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return feed.Record{}, fmt.Errorf("decode %s: %v - %w", key, err, feed.ErrStorage)
	}
	return feed.Record{Key: key, Value: value}, nil
}
