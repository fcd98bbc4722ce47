package feed

import (
	"cmp"
	"math"

	"github.com/google/uuid"
)

const (
	// PageSize is the number of records requested per page.
	PageSize = 4
	// DefaultOrderField is the child every post collection is ordered by.
	DefaultOrderField = "creationDate"

	UsersCollection = "users"
)

// PostsCollection names the collection holding the posts of a user.
func PostsCollection(userID string) string {
	return "posts/" + userID
}

// NewRecordKey returns a store key that sorts by creation time.
func NewRecordKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// OrderValue extracts the numeric order value of a record value.
func OrderValue(value map[string]any, field string) (float64, bool) {
	raw, ok := value[field]
	if !ok {
		return 0, false
	}
	return toFloat(raw)
}

// CompareOrdered orders records by order value, then key.
func CompareOrdered(av float64, ak string, bv float64, bk string) int {
	if c := cmp.Compare(av, bv); c != 0 {
		return c
	}
	return cmp.Compare(ak, bk)
}

func toFloat(raw any) (float64, bool) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint32:
		f = float64(v)
	case uint64:
		f = float64(v)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
