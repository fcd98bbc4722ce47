package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/go-pkgz/lgr"
)

// Session is one opened profile feed: the paging engine plus its live
// listener, released together by Close.
type Session struct {
	Owner User

	engine   *Engine
	listener *Listener

	closeOnce sync.Once
	closeErr  error
}

// Open resolves the feed owner, starts live updates and loads the first
// page. An empty userID opens the feed of the authenticated user. A failed
// first page does not fail Open; it is reported in State().PageError and
// may be retried with RequestNextPage.
func Open(ctx context.Context, store OrderedStore, who Authenticator, userID string, opts Options) (*Session, error) {
	if userID == "" {
		if who == nil || !who.IsAuthenticated() {
			return nil, ErrNotAuthenticated
		}
		userID = who.CurrentUserID()
	}

	owner, err := FetchUser(ctx, store, userID)
	if err != nil {
		return nil, err
	}

	engine := NewEngine(store, owner, opts)
	listener, err := StartListener(ctx, engine)
	if err != nil {
		engine.Close()
		return nil, err
	}
	log.Printf("[INFO] feed of %s (%s) opened", owner.ID, owner.Username)
	sess := &Session{Owner: owner, engine: engine, listener: listener}
	if err := engine.RequestNextPage(ctx); err != nil {
		log.Printf("[WARN] first page of %s not loaded, %v", owner.ID, err)
	}
	return sess, nil
}

// FetchUser loads and decodes a user record.
func FetchUser(ctx context.Context, store OrderedStore, userID string) (User, error) {
	rec, err := store.Get(ctx, UsersCollection, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, fmt.Errorf("user %s - %w", userID, ErrNotFound)
		}
		return User{}, fmt.Errorf("fetch user %s - %w", userID, err)
	}
	return DecodeUser(rec)
}

// RequestNextPage loads the next older page of the feed.
func (s *Session) RequestNextPage(ctx context.Context) error {
	return s.engine.RequestNextPage(ctx)
}

// State returns a snapshot of the feed.
func (s *Session) State() State {
	return s.engine.State()
}

// Close stops live updates and discards any page still in flight.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.engine.Close()
		if err := s.listener.Close(); err != nil {
			s.closeErr = fmt.Errorf("close live updates of %s: %w", s.Owner.ID, err)
		}
		log.Printf("[INFO] feed of %s closed", s.Owner.ID)
	})
	return s.closeErr
}
