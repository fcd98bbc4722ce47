package feed

import (
	"context"
	"fmt"
	"sync"

	log "github.com/go-pkgz/lgr"
)

// Listener feeds records created after it started into an engine. The
// engine's seen set keeps a record delivered both live and by paging from
// appearing twice.
type Listener struct {
	engine *Engine
	sub    Subscription
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// StartListener subscribes to child-added events of the engine's collection.
func StartListener(ctx context.Context, engine *Engine) (*Listener, error) {
	sub, err := engine.store.SubscribeChildAdded(ctx, engine.collection, DefaultOrderField)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s - %w: %w", engine.collection, ErrSubscription, err)
	}
	l := &Listener{engine: engine, sub: sub, done: make(chan struct{})}
	go l.run()
	return l, nil
}

func (l *Listener) run() {
	defer close(l.done)
	for ev := range l.sub.Events() {
		if ev.Err != nil {
			err := fmt.Errorf("%w: %w", ErrSubscription, ev.Err)
			log.Printf("[WARN] live updates of %s failed, %v", l.engine.collection, err)
			l.engine.liveFailed(err)
			continue
		}
		if l.engine.insertLive(ev.Record) {
			log.Printf("[DEBUG] live post %s inserted into %s", ev.Record.Key, l.engine.collection)
		}
	}
}

// Close ends the subscription and waits for the delivery goroutine.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.sub.Close()
		<-l.done
	})
	return l.closeErr
}
