package feed

import (
	"golang.org/x/exp/slices"
)

// State is a read-only snapshot of a feed. Posts are newest first.
type State struct {
	Posts     []Post  `json:"posts"`
	HasMore   bool    `json:"hasMore"`
	Cursor    *Cursor `json:"cursor,omitempty"`
	Loading   bool    `json:"loading"`
	Closed    bool    `json:"closed"`
	Version   uint64  `json:"version"`
	PageError string  `json:"pageError,omitempty"`
	LiveError string  `json:"liveError,omitempty"`
}

// feedState is mutated only under the engine lock. seen holds every key
// merged by either the paging or the live path.
type feedState struct {
	posts     []Post
	seen      map[string]struct{}
	deferred  []Post
	hasMore   bool
	cursor    *Cursor
	loading   bool
	closed    bool
	version   uint64
	pageError string
	liveError string
}

func newFeedState() feedState {
	return feedState{seen: make(map[string]struct{}), hasMore: true}
}

func (s *feedState) snapshot() State {
	st := State{
		Posts:     slices.Clone(s.posts),
		HasMore:   s.hasMore,
		Loading:   s.loading,
		Closed:    s.closed,
		Version:   s.version,
		PageError: s.pageError,
		LiveError: s.liveError,
	}
	if st.Posts == nil {
		st.Posts = []Post{}
	}
	if s.cursor != nil {
		c := *s.cursor
		st.Cursor = &c
	}
	return st
}

// decodedRecord pairs a raw record with its decode outcome.
type decodedRecord struct {
	rec  Record
	post Post
	err  error
}

// mergePage applies a newest-first page. rawLen is the page length before
// dedup and cursor is the oldest ordered record of the page, if any.
func (s *feedState) mergePage(page []decodedRecord, rawLen, pageSize int, cursor *Cursor) (added int) {
	for _, d := range page {
		if _, dup := s.seen[d.rec.Key]; dup {
			continue
		}
		s.seen[d.rec.Key] = struct{}{}
		if d.err != nil {
			continue
		}
		s.insert(d.post)
		added++
	}

	moved := cursor != nil && (s.cursor == nil || *cursor != *s.cursor)
	if cursor != nil {
		s.cursor = cursor
	}
	switch {
	case rawLen < pageSize:
		s.hasMore = false
	case added == 0 && !moved:
		// a full page of known records that leaves the cursor in place
		// would be requested forever
		s.hasMore = false
	}
	return added + s.replayDeferred()
}

// acceptLive decides where a live post goes. Posts older than the cursor
// are left to paging while history remains. While a page is in flight its
// result may predate such a post, so the decision waits for the merge.
func (s *feedState) acceptLive(p Post) bool {
	if _, dup := s.seen[p.ID]; dup {
		return false
	}
	if s.hasMore && s.cursor != nil && s.cursor.Admits(p.Timestamp, p.ID) {
		if s.loading {
			s.deferred = append(s.deferred, p)
		}
		return false
	}
	s.seen[p.ID] = struct{}{}
	s.insert(p)
	return true
}

// replayDeferred runs live posts held back during a page load against the
// cursor the page left behind.
func (s *feedState) replayDeferred() (inserted int) {
	pending := s.deferred
	s.deferred = nil
	for _, p := range pending {
		if s.acceptLive(p) {
			inserted++
		}
	}
	return inserted
}

// insert keeps posts sorted newest first by (timestamp, id). A post newer
// than the head lands at position 0, a paged post at the tail.
func (s *feedState) insert(p Post) {
	i, _ := slices.BinarySearchFunc(s.posts, p, func(have, want Post) int {
		return CompareOrdered(want.Timestamp, want.ID, have.Timestamp, have.ID)
	})
	s.posts = slices.Insert(s.posts, i, p)
}
