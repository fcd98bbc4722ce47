package feed

import (
	"context"
	"fmt"
)

// Record is a single child of a collection snapshot.
type Record struct {
	Key   string
	Value map[string]any
}

// Cursor bounds a backward range query. Key breaks ties between records
// sharing the same order value; an empty Key bounds by Value alone.
type Cursor struct {
	Value float64 `json:"value"`
	Key   string  `json:"key,omitempty"`
}

// Admits reports whether a record with the given order value and key falls
// at or below the cursor.
func (c Cursor) Admits(value float64, key string) bool {
	if value != c.Value {
		return value < c.Value
	}
	return c.Key == "" || key <= c.Key
}

// Query selects the last LimitToLast records of a collection ordered by
// OrderBy, optionally ending at (and including) EndingAt.
type Query struct {
	OrderBy     string
	EndingAt    *Cursor
	LimitToLast int
}

// Validate checks the query shape shared by every backend.
func (q Query) Validate() error {
	if q.OrderBy == "" {
		return fmt.Errorf("order field is empty - %w", ErrInvalidQuery)
	}
	if q.LimitToLast <= 0 {
		return fmt.Errorf("limit %d must be positive - %w", q.LimitToLast, ErrInvalidQuery)
	}
	return nil
}

// Event is delivered by a Subscription. Exactly one of Record or Err is set.
type Event struct {
	Record Record
	Err    error
}

// Subscription streams child-added events until closed. The events channel
// is closed once the subscription ends.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// OrderedStore is an ordered key-value service with range queries and a
// child-added stream. RangeQuery returns records in ascending
// (order value, key) order; records without a numeric order value are not
// part of ordered results.
type OrderedStore interface {
	Push(ctx context.Context, collection string, value map[string]any) (Record, error)
	Set(ctx context.Context, collection string, key string, value map[string]any) error
	Get(ctx context.Context, collection string, key string) (Record, error)
	RangeQuery(ctx context.Context, collection string, q Query) ([]Record, error)
	SubscribeChildAdded(ctx context.Context, collection string, orderField string) (Subscription, error)
	IsReady(ctx context.Context) bool
	Close() error
}

// Authenticator is the auth collaborator seen by a feed session.
type Authenticator interface {
	IsAuthenticated() bool
	CurrentUserID() string
	SignOut() error
}
