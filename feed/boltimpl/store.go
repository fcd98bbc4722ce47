package boltimpl

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path"
	"profile-feed/feed"
	"time"

	log "github.com/go-pkgz/lgr"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketOrder   = []byte("order")
)

// BoltStore keeps each collection in its own bucket with two children:
// records by key and an order index whose keys sort by (order value, key).
type BoltStore struct {
	db         *bolt.DB
	orderField string
	hub        *feed.Hub
}

func NewBoltStore(dbFile string, orderField string) (*BoltStore, error) {
	log.Printf("[INFO] bolt (persistent) store, %s", dbFile)
	if err := os.MkdirAll(path.Dir(dbFile), 0700); err != nil {
		return nil, err
	}

	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: 1 * time.Second}) // nolint
	if err != nil {
		return nil, err
	}
	if orderField == "" {
		orderField = feed.DefaultOrderField
	}
	return &BoltStore{db: db, orderField: orderField, hub: feed.NewHub()}, nil
}

func (b *BoltStore) Push(ctx context.Context, collection string, value map[string]any) (feed.Record, error) {
	key, err := feed.NewRecordKey()
	if err != nil {
		return feed.Record{}, fmt.Errorf("key for %s: %v - %w", collection, err, feed.ErrStorage)
	}
	if err := b.Set(ctx, collection, key, value); err != nil {
		return feed.Record{}, err
	}
	return feed.Record{Key: key, Value: value}, nil
}

// Set replaces the record and its index entry. Subscribers hear about new
// keys once the transaction is committed.
func (b *BoltStore) Set(ctx context.Context, collection string, key string, value map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %v - %w", collection, key, err, feed.ErrStorage)
	}

	var created bool
	err = b.db.Update(func(tx *bolt.Tx) error {
		root, e := tx.CreateBucketIfNotExists([]byte(collection))
		if e != nil {
			return e
		}
		records, e := root.CreateBucketIfNotExists(bucketRecords)
		if e != nil {
			return e
		}
		index, e := root.CreateBucketIfNotExists(bucketOrder)
		if e != nil {
			return e
		}

		if old := records.Get([]byte(key)); old != nil {
			var prev map[string]any
			if e := json.Unmarshal(old, &prev); e == nil {
				if v, ok := feed.OrderValue(prev, b.orderField); ok {
					if e := index.Delete(indexKey(v, key)); e != nil {
						return e
					}
				}
			}
		} else {
			created = true
		}

		if e := records.Put([]byte(key), data); e != nil {
			return e
		}
		if v, ok := feed.OrderValue(value, b.orderField); ok {
			return index.Put(indexKey(v, key), nil)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store %s/%s: %v - %w", collection, key, err, feed.ErrStorage)
	}

	if created {
		b.hub.Publish(collection, feed.Record{Key: key, Value: value})
	}
	return nil
}

func (b *BoltStore) Get(ctx context.Context, collection string, key string) (feed.Record, error) {
	if err := ctx.Err(); err != nil {
		return feed.Record{}, err
	}
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		records := recordsBucket(tx, collection)
		if records == nil {
			return nil
		}
		if v := records.Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return feed.Record{}, fmt.Errorf("get %s/%s: %v - %w", collection, key, err, feed.ErrStorage)
	}
	if data == nil {
		return feed.Record{}, feed.ErrNotFound
	}
	return decodeRecord(key, data)
}

// RangeQuery positions an index cursor just past the last admitted entry
// and walks backwards.
func (b *BoltStore) RangeQuery(ctx context.Context, collection string, q feed.Query) ([]feed.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.OrderBy != b.orderField {
		return nil, fmt.Errorf("order by %q: %w", q.OrderBy, feed.ErrUnindexed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var desc []feed.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(collection))
		if root == nil {
			return nil
		}
		index, records := root.Bucket(bucketOrder), root.Bucket(bucketRecords)
		if index == nil || records == nil {
			return nil
		}

		c := index.Cursor()
		var k []byte
		if q.EndingAt == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Seek(encodeOrder(q.EndingAt.Value))
			for k != nil {
				v, key := decodeIndexKey(k)
				if !q.EndingAt.Admits(v, key) {
					break
				}
				k, _ = c.Next()
			}
			if k == nil {
				k, _ = c.Last()
			} else {
				k, _ = c.Prev()
			}
		}

		for ; k != nil && len(desc) < q.LimitToLast; k, _ = c.Prev() {
			v, key := decodeIndexKey(k)
			if q.EndingAt != nil && !q.EndingAt.Admits(v, key) {
				continue
			}
			data := records.Get([]byte(key))
			if data == nil {
				log.Printf("[WARN] index of %s points to missing record %s", collection, key)
				continue
			}
			rec, e := decodeRecord(key, data)
			if e != nil {
				return e
			}
			desc = append(desc, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("range %s: %v - %w", collection, err, feed.ErrStorage)
	}

	result := make([]feed.Record, len(desc))
	for i, rec := range desc {
		result[len(desc)-1-i] = rec
	}
	return result, nil
}

func (b *BoltStore) SubscribeChildAdded(_ context.Context, collection string, orderField string) (feed.Subscription, error) {
	if orderField != b.orderField {
		return nil, fmt.Errorf("subscribe to %s by %q: %w", collection, orderField, feed.ErrUnindexed)
	}
	return b.hub.Subscribe(collection), nil
}

func (b *BoltStore) IsReady(_ context.Context) bool {
	return b.db.View(func(*bolt.Tx) error { return nil }) == nil
}

func (b *BoltStore) Close() error {
	b.hub.CloseAll()
	return b.db.Close()
}

func recordsBucket(tx *bolt.Tx, collection string) *bolt.Bucket {
	root := tx.Bucket([]byte(collection))
	if root == nil {
		return nil
	}
	return root.Bucket(bucketRecords)
}

// encodeOrder maps a float to 8 bytes whose byte order matches numeric order.
func encodeOrder(v float64) []byte {
	if v == 0 {
		v = 0 // no negative zero
	}
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}

func decodeOrder(buf []byte) float64 {
	bits := binary.BigEndian.Uint64(buf)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

func indexKey(v float64, key string) []byte {
	return append(encodeOrder(v), key...)
}

func decodeIndexKey(k []byte) (float64, string) {
	return decodeOrder(k[:8]), string(k[8:])
}

func decodeRecord(key string, data []byte) (feed.Record, error) {
	var value map[string]any
	if err := json.Unmarshal(data, &value); err != nil {
		return feed.Record{}, fmt.Errorf("decode %s: %v - %w", key, err, feed.ErrStorage)
	}
	return feed.Record{Key: key, Value: value}, nil
}
