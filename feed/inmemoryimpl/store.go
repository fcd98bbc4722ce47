package inmemoryimpl

import (
	"context"
	"fmt"
	"maps"
	"profile-feed/feed"
	"sort"
	"sync"
)

type InMemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	hub         *feed.Hub
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		collections: make(map[string]map[string]map[string]any),
		hub:         feed.NewHub(),
	}
}

func (store *InMemoryStore) Push(ctx context.Context, collection string, value map[string]any) (feed.Record, error) {
	key, err := feed.NewRecordKey()
	if err != nil {
		return feed.Record{}, fmt.Errorf("key for %s: %v - %w", collection, err, feed.ErrStorage)
	}
	if err := store.Set(ctx, collection, key, value); err != nil {
		return feed.Record{}, err
	}
	return feed.Record{Key: key, Value: maps.Clone(value)}, nil
}

func (store *InMemoryStore) Set(ctx context.Context, collection string, key string, value map[string]any) error {
	store.mu.Lock()
	records, ok := store.collections[collection]
	if !ok {
		records = make(map[string]map[string]any)
		store.collections[collection] = records
	}
	_, existed := records[key]
	records[key] = maps.Clone(value)
	store.mu.Unlock()

	if !existed {
		store.hub.Publish(collection, feed.Record{Key: key, Value: maps.Clone(value)})
	}
	return nil
}

func (store *InMemoryStore) Get(_ context.Context, collection string, key string) (feed.Record, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	value, ok := store.collections[collection][key]
	if !ok {
		return feed.Record{}, feed.ErrNotFound
	}
	return feed.Record{Key: key, Value: maps.Clone(value)}, nil
}

type ordered struct {
	order float64
	rec   feed.Record
}

func (store *InMemoryStore) RangeQuery(ctx context.Context, collection string, q feed.Query) ([]feed.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mu.RLock()
	var matched []ordered
	for key, value := range store.collections[collection] {
		v, ok := feed.OrderValue(value, q.OrderBy)
		if !ok {
			continue
		}
		if q.EndingAt != nil && !q.EndingAt.Admits(v, key) {
			continue
		}
		matched = append(matched, ordered{order: v, rec: feed.Record{Key: key, Value: maps.Clone(value)}})
	}
	store.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return feed.CompareOrdered(matched[i].order, matched[i].rec.Key, matched[j].order, matched[j].rec.Key) < 0
	})
	if len(matched) > q.LimitToLast {
		matched = matched[len(matched)-q.LimitToLast:]
	}
	result := make([]feed.Record, 0, len(matched))
	for _, m := range matched {
		result = append(result, m.rec)
	}
	return result, nil
}

func (store *InMemoryStore) SubscribeChildAdded(_ context.Context, collection string, orderField string) (feed.Subscription, error) {
	if orderField == "" {
		return nil, fmt.Errorf("subscribe to %s: order field is empty - %w", collection, feed.ErrInvalidQuery)
	}
	return store.hub.Subscribe(collection), nil
}

func (store *InMemoryStore) IsReady(_ context.Context) bool {
	return true
}

func (store *InMemoryStore) Close() error {
	store.hub.CloseAll()
	return nil
}
