package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Observer is notified after every page load, live insert and close.
type Observer interface {
	OnStateChanged(State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(State)

// OnStateChanged calls f.
func (f ObserverFunc) OnStateChanged(s State) { f(s) }

// Options tune a feed engine. Zero values are replaced by defaults. Posts
// are always ordered by DefaultOrderField, the field DecodePost reads the
// timestamp from.
type Options struct {
	PageSize     int
	QueryTimeout time.Duration
	Observer     Observer
}

func (o *Options) setDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = PageSize
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 10 * time.Second
	}
}

// Engine pages backwards through a user's posts and owns the feed state.
// All state mutations go through the engine lock.
type Engine struct {
	store      OrderedStore
	owner      User
	collection string
	opts       Options

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state feedState
}

// NewEngine makes an engine for the posts of owner. Nothing is loaded until
// RequestNextPage is called.
func NewEngine(store OrderedStore, owner User, opts Options) *Engine {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		owner:      owner,
		collection: PostsCollection(owner.ID),
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		state:      newFeedState(),
	}
}

// State returns a snapshot of the feed.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.snapshot()
}

// RequestNextPage loads the next older page. It is a no-op while a page is
// in flight, after the end of data was reached, or once the engine is
// closed. A result arriving after Close is discarded and ErrClosed returned.
func (e *Engine) RequestNextPage(ctx context.Context) error {
	e.mu.Lock()
	if e.state.closed || !e.state.hasMore || e.state.loading {
		e.mu.Unlock()
		return nil
	}
	e.state.loading = true
	q := Query{OrderBy: DefaultOrderField, LimitToLast: e.opts.PageSize}
	if e.state.cursor != nil {
		c := *e.state.cursor
		q.EndingAt = &c
	}
	e.mu.Unlock()

	raw, err := e.query(ctx, q)
	if err != nil {
		return e.pageFailed(q, err)
	}

	// newest first
	page := make([]decodedRecord, len(raw))
	for i, rec := range raw {
		d := decodedRecord{rec: rec}
		d.post, d.err = DecodePost(e.owner, rec)
		if d.err != nil {
			log.Printf("[WARN] skip post %s of %s, %v", rec.Key, e.collection, d.err)
		}
		page[len(raw)-1-i] = d
	}

	e.mu.Lock()
	if e.state.closed {
		e.mu.Unlock()
		log.Printf("[DEBUG] discard page of %s, feed closed", e.collection)
		return ErrClosed
	}
	e.state.loading = false
	e.state.pageError = ""
	added := e.state.mergePage(page, len(raw), e.opts.PageSize, e.oldestCursor(raw))
	e.state.version++
	snap := e.state.snapshot()
	e.mu.Unlock()

	log.Printf("[DEBUG] page of %s ending at %v: raw=%d added=%d total=%d more=%v",
		e.collection, q.EndingAt, len(raw), added, len(snap.Posts), snap.HasMore)
	e.notify(snap)
	return nil
}

// Close marks the feed closed and abandons in-flight queries.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.state.closed {
		e.mu.Unlock()
		return
	}
	e.state.closed = true
	e.state.loading = false
	e.state.version++
	snap := e.state.snapshot()
	e.mu.Unlock()

	e.cancel()
	e.notify(snap)
}

// insertLive merges a record delivered by the live listener.
func (e *Engine) insertLive(rec Record) bool {
	post, err := DecodePost(e.owner, rec)
	if err != nil {
		log.Printf("[WARN] skip live post %s of %s, %v", rec.Key, e.collection, err)
		return false
	}

	e.mu.Lock()
	if e.state.closed || !e.state.acceptLive(post) {
		e.mu.Unlock()
		return false
	}
	e.state.version++
	snap := e.state.snapshot()
	e.mu.Unlock()

	e.notify(snap)
	return true
}

// liveFailed records a subscription failure; paging is unaffected.
func (e *Engine) liveFailed(err error) {
	e.mu.Lock()
	if e.state.closed {
		e.mu.Unlock()
		return
	}
	e.state.liveError = err.Error()
	e.state.version++
	snap := e.state.snapshot()
	e.mu.Unlock()

	e.notify(snap)
}

func (e *Engine) pageFailed(q Query, err error) error {
	e.mu.Lock()
	if e.state.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.state.loading = false
	e.state.pageError = err.Error()
	e.state.replayDeferred()
	e.state.version++
	snap := e.state.snapshot()
	e.mu.Unlock()

	log.Printf("[WARN] failed to paginate %s ending at %v, %v", e.collection, q.EndingAt, err)
	e.notify(snap)
	return fmt.Errorf("page of %s - %w: %w", e.collection, ErrQuery, err)
}

// query runs a range query bounded by the caller context, the engine
// lifetime and the query timeout.
func (e *Engine) query(ctx context.Context, q Query) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.QueryTimeout)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()
	return e.store.RangeQuery(ctx, e.collection, q)
}

// oldestCursor is the position of the oldest ordered record of a page given
// in ascending order.
func (e *Engine) oldestCursor(asc []Record) *Cursor {
	for _, rec := range asc {
		if v, ok := OrderValue(rec.Value, DefaultOrderField); ok {
			return &Cursor{Value: v, Key: rec.Key}
		}
	}
	return nil
}

func (e *Engine) notify(s State) {
	if e.opts.Observer != nil {
		e.opts.Observer.OnStateChanged(s)
	}
}
