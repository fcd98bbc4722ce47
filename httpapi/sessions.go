package httpapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"profile-feed/feed"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
)

// OpenFeed is a feed session held for a client between requests.
type OpenFeed struct {
	id       string
	viewMode feed.ViewMode
	session  *feed.Session

	mu      sync.Mutex
	changed chan struct{}
}

// OnStateChanged wakes up every waiting long-poll.
func (f *OpenFeed) OnStateChanged(feed.State) {
	f.mu.Lock()
	close(f.changed)
	f.changed = make(chan struct{})
	f.mu.Unlock()
}

// wait returns the state once its version is above after, the feed is
// closed or ctx is done.
func (f *OpenFeed) wait(ctx context.Context, after uint64) feed.State {
	for {
		f.mu.Lock()
		changed := f.changed
		f.mu.Unlock()

		st := f.session.State()
		if st.Version > after || st.Closed {
			return st
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return f.session.State()
		}
	}
}

// Registry keeps open feeds until they are closed or idle for too long.
type Registry struct {
	store feed.OrderedStore
	opts  feed.Options
	feeds *cache.Cache
}

func NewRegistry(store feed.OrderedStore, idleTTL time.Duration, opts feed.Options) *Registry {
	if idleTTL <= 0 {
		idleTTL = 15 * time.Minute
	}
	c := cache.New(idleTTL, idleTTL/2)
	c.OnEvicted(func(id string, v any) {
		f := v.(*OpenFeed)
		if err := f.session.Close(); err != nil {
			log.Printf("[WARN] failed to close feed %s, %v", id, err)
		}
		log.Printf("[DEBUG] feed %s released", id)
	})
	return &Registry{store: store, opts: opts, feeds: c}
}

// Open starts a feed session for userID, or for the signed in user when
// userID is empty.
func (r *Registry) Open(ctx context.Context, who feed.Authenticator, userID string, mode feed.ViewMode) (*OpenFeed, error) {
	f := &OpenFeed{id: uuid.NewString(), viewMode: mode, changed: make(chan struct{})}
	opts := r.opts
	opts.Observer = f

	session, err := feed.Open(ctx, r.store, who, userID, opts)
	if err != nil {
		return nil, err
	}
	f.session = session
	r.feeds.SetDefault(f.id, f)
	return f, nil
}

// Get returns an open feed and extends its idle timeout. A feed evicted or
// closed meanwhile is reported as missing and never put back.
func (r *Registry) Get(id string) (*OpenFeed, bool) {
	v, found := r.feeds.Get(id)
	if !found {
		return nil, false
	}
	f := v.(*OpenFeed)
	if f.session.State().Closed {
		r.feeds.Delete(id)
		return nil, false
	}
	if err := r.feeds.Replace(id, f, cache.DefaultExpiration); err != nil {
		return nil, false
	}
	return f, true
}

// Close releases a feed. It reports false for an unknown id.
func (r *Registry) Close(id string) bool {
	if _, found := r.feeds.Get(id); !found {
		return false
	}
	r.feeds.Delete(id)
	return true
}

// Len is the number of open feeds.
func (r *Registry) Len() int {
	return r.feeds.ItemCount()
}

// CloseAll releases every feed concurrently.
func (r *Registry) CloseAll(ctx context.Context) error {
	items := r.feeds.Items()
	r.feeds.Flush()

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	swg := syncs.NewSizedGroup(8)
	for id, item := range items {
		id, f := id, item.Object.(*OpenFeed)
		swg.Go(func(context.Context) {
			if err := f.session.Close(); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("close feed %s: %w", id, err))
				mu.Unlock()
			}
		})
	}

	done := make(chan struct{})
	go func() {
		swg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Printf("[INFO] closed %d feeds", len(items))
	return errs.ErrorOrNil()
}
