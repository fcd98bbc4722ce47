package feed_test

import (
	"context"
	"sync"

	"profile-feed/feed"
)

var ctx = context.Background()

// recordingStore records every range query and lets a test hold or fail it
// before it reaches the wrapped store, or hold its result after the read.
type recordingStore struct {
	feed.OrderedStore

	mu      sync.Mutex
	queries []feed.Query
	before  func(ctx context.Context, q feed.Query) error
	after   func(ctx context.Context, q feed.Query) error
	sub     feed.Subscription
}

func (r *recordingStore) RangeQuery(ctx context.Context, collection string, q feed.Query) ([]feed.Record, error) {
	r.mu.Lock()
	r.queries = append(r.queries, q)
	hook, afterHook := r.before, r.after
	r.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, q); err != nil {
			return nil, err
		}
	}
	recs, err := r.OrderedStore.RangeQuery(ctx, collection, q)
	if err != nil || afterHook == nil {
		return recs, err
	}
	if err := afterHook(ctx, q); err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *recordingStore) SubscribeChildAdded(ctx context.Context, collection string, orderField string) (feed.Subscription, error) {
	r.mu.Lock()
	sub := r.sub
	r.mu.Unlock()
	if sub != nil {
		return sub, nil
	}
	return r.OrderedStore.SubscribeChildAdded(ctx, collection, orderField)
}

func (r *recordingStore) setBefore(hook func(ctx context.Context, q feed.Query) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.before = hook
}

func (r *recordingStore) setAfter(hook func(ctx context.Context, q feed.Query) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.after = hook
}

func (r *recordingStore) Queries() []feed.Query {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]feed.Query(nil), r.queries...)
}

// gate holds range queries until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

// hold blocks a query until release is closed, or until its context is done
// when honourCtx is set.
func (g *gate) hold(honourCtx bool) func(ctx context.Context, q feed.Query) error {
	return func(ctx context.Context, _ feed.Query) error {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		if !honourCtx {
			<-g.release
			return nil
		}
		select {
		case <-g.release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func timestamps(st feed.State) []float64 {
	res := make([]float64, 0, len(st.Posts))
	for _, p := range st.Posts {
		res = append(res, p.Timestamp)
	}
	return res
}

func countID(st feed.State, id string) int {
	n := 0
	for _, p := range st.Posts {
		if p.ID == id {
			n++
		}
	}
	return n
}
