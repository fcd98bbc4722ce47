package feed

import (
	"fmt"
	"math"
	"time"
)

// User is the owner of a profile feed.
type User struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
}

// Post is a decoded record of a user's posts collection.
type Post struct {
	ID          string  `json:"id"`
	Owner       User    `json:"owner"`
	Caption     string  `json:"caption"`
	ImageURL    string  `json:"imageUrl"`
	ImageWidth  float64 `json:"imageWidth,omitempty"`
	ImageHeight float64 `json:"imageHeight,omitempty"`
	Timestamp   float64 `json:"creationDate"`
	LikeCount   int     `json:"likeCount"`
	HasLiked    bool    `json:"hasLiked"`
}

// CreatedAt converts the creation timestamp to time.
func (p Post) CreatedAt() time.Time {
	sec, frac := math.Modf(p.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// PostInput holds the writable fields of a new post.
type PostInput struct {
	Caption     string
	ImageURL    string
	ImageWidth  float64
	ImageHeight float64
	CreatedAt   time.Time
}

// EncodePost builds the raw record value stored for a post.
func EncodePost(in PostInput) map[string]any {
	return map[string]any{
		"caption":      in.Caption,
		"imageUrl":     in.ImageURL,
		"imageWidth":   in.ImageWidth,
		"imageHeight":  in.ImageHeight,
		"creationDate": float64(in.CreatedAt.UnixNano()) / 1e9,
	}
}

// EncodeUser builds the raw record value stored for a user.
func EncodeUser(u User) map[string]any {
	value := map[string]any{"username": u.Username}
	if u.ProfileImageURL != "" {
		value["profileImageUrl"] = u.ProfileImageURL
	}
	return value
}

// DecodeUser validates a users record.
func DecodeUser(rec Record) (User, error) {
	f := fields{rec: rec}
	u := User{
		ID:              rec.Key,
		Username:        f.requiredString("username"),
		ProfileImageURL: f.optionalString("profileImageUrl"),
	}
	if f.err != nil {
		return User{}, f.err
	}
	return u, nil
}

// DecodePost turns a raw posts record into a Post owned by owner. It never
// returns a partially populated Post: any missing required field or field
// of the wrong type yields ErrDecode.
func DecodePost(owner User, rec Record) (Post, error) {
	f := fields{rec: rec}
	p := Post{
		ID:          rec.Key,
		Owner:       owner,
		ImageURL:    f.requiredString("imageUrl"),
		Timestamp:   f.requiredNumber(DefaultOrderField),
		Caption:     f.optionalString("caption"),
		ImageWidth:  f.optionalNumber("imageWidth"),
		ImageHeight: f.optionalNumber("imageHeight"),
		LikeCount:   f.optionalCount("likeCount"),
		HasLiked:    f.optionalBool("hasLiked"),
	}
	if f.err == nil && rec.Key == "" {
		f.err = fmt.Errorf("record has no key - %w", ErrDecode)
	}
	if f.err != nil {
		return Post{}, f.err
	}
	return p, nil
}

// fields reads typed values from a record, keeping the first failure.
type fields struct {
	rec Record
	err error
}

func (f *fields) fail(name, problem string) {
	if f.err == nil {
		f.err = fmt.Errorf("record %q field %q %s - %w", f.rec.Key, name, problem, ErrDecode)
	}
}

func (f *fields) requiredString(name string) string {
	raw, ok := f.rec.Value[name]
	if !ok || raw == nil {
		f.fail(name, "is missing")
		return ""
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		f.fail(name, "is not a non-empty string")
		return ""
	}
	return s
}

func (f *fields) optionalString(name string) string {
	raw, ok := f.rec.Value[name]
	if !ok || raw == nil {
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		f.fail(name, "is not a string")
	}
	return s
}

func (f *fields) requiredNumber(name string) float64 {
	raw, ok := f.rec.Value[name]
	if !ok || raw == nil {
		f.fail(name, "is missing")
		return 0
	}
	n, ok := toFloat(raw)
	if !ok {
		f.fail(name, "is not numeric")
	}
	return n
}

func (f *fields) optionalNumber(name string) float64 {
	raw, ok := f.rec.Value[name]
	if !ok || raw == nil {
		return 0
	}
	n, ok := toFloat(raw)
	if !ok {
		f.fail(name, "is not numeric")
	}
	return n
}

func (f *fields) optionalCount(name string) int {
	n := f.optionalNumber(name)
	if n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
		f.fail(name, "is not a whole number of at least zero")
		return 0
	}
	return int(n)
}

func (f *fields) optionalBool(name string) bool {
	raw, ok := f.rec.Value[name]
	if !ok || raw == nil {
		return false
	}
	b, ok := raw.(bool)
	if !ok {
		f.fail(name, "is not a boolean")
	}
	return b
}

// ViewMode is the rendering preference of a feed client. The feed layer
// never depends on it.
type ViewMode string

const (
	Grid ViewMode = "grid"
	List ViewMode = "list"
)

// ParseViewMode defaults to Grid for an empty value.
func ParseViewMode(s string) (ViewMode, error) {
	switch ViewMode(s) {
	case "", Grid:
		return Grid, nil
	case List:
		return List, nil
	}
	return "", fmt.Errorf("unknown view mode %q", s)
}
