package sqlimpl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"profile-feed/feed"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// recordRow is one child of a collection. Seq grows with every new record
// and drives the child-added polling.
type recordRow struct {
	Seq        uint64   `gorm:"primaryKey;autoIncrement"`
	Collection string   `gorm:"type:varchar(255);not null;uniqueIndex:idx_record_key,priority:1;index:idx_record_order,priority:1"`
	RecordKey  string   `gorm:"type:varchar(255);not null;uniqueIndex:idx_record_key,priority:2;index:idx_record_order,priority:3"`
	OrderValue *float64 `gorm:"index:idx_record_order,priority:2"`
	Value      string   `gorm:"type:text;not null"`
}

func (recordRow) TableName() string { return "feed_records" }

// Options of the SQL store. Zero values are replaced by defaults.
type Options struct {
	OrderField   string
	PollInterval time.Duration
}

// SQLStore keeps records in a single table indexed by
// (collection, order value, key).
type SQLStore struct {
	db   *gorm.DB
	opts Options

	mu   sync.Mutex
	subs map[*feed.Stream]struct{}
}

func NewSQLStore(db *gorm.DB, opts Options) (*SQLStore, error) {
	if opts.OrderField == "" {
		opts.OrderField = feed.DefaultOrderField
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return nil, fmt.Errorf("migrate records: %w", err)
	}
	log.Printf("[INFO] sql store (%s), poll every %v", db.Dialector.Name(), opts.PollInterval)
	return &SQLStore{db: db, opts: opts, subs: make(map[*feed.Stream]struct{})}, nil
}

func (s *SQLStore) Push(ctx context.Context, collection string, value map[string]any) (feed.Record, error) {
	key, err := feed.NewRecordKey()
	if err != nil {
		return feed.Record{}, fmt.Errorf("key for %s: %v - %w", collection, err, feed.ErrStorage)
	}
	if err := s.Set(ctx, collection, key, value); err != nil {
		return feed.Record{}, err
	}
	return feed.Record{Key: key, Value: value}, nil
}

// Set inserts or replaces a record. A replaced record keeps its seq and is
// not reported as added again.
func (s *SQLStore) Set(ctx context.Context, collection string, key string, value map[string]any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %v - %w", collection, key, err, feed.ErrStorage)
	}
	row := &recordRow{Collection: collection, RecordKey: key, Value: string(data)}
	if v, ok := feed.OrderValue(value, s.opts.OrderField); ok {
		row.OrderValue = &v
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"order_value", "value"}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("store %s/%s: %v - %w", collection, key, err, feed.ErrStorage)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, collection string, key string) (feed.Record, error) {
	var row recordRow
	err := s.db.WithContext(ctx).Where("collection = ? AND record_key = ?", collection, key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return feed.Record{}, feed.ErrNotFound
	}
	if err != nil {
		return feed.Record{}, fmt.Errorf("get %s/%s: %v - %w", collection, key, err, feed.ErrStorage)
	}
	return row.record()
}

func (s *SQLStore) RangeQuery(ctx context.Context, collection string, q feed.Query) ([]feed.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.OrderBy != s.opts.OrderField {
		return nil, fmt.Errorf("order by %q: %w", q.OrderBy, feed.ErrUnindexed)
	}

	tx := s.db.WithContext(ctx).Where("collection = ? AND order_value IS NOT NULL", collection)
	switch {
	case q.EndingAt != nil && q.EndingAt.Key == "":
		tx = tx.Where("order_value <= ?", q.EndingAt.Value)
	case q.EndingAt != nil:
		tx = tx.Where("(order_value < ? OR (order_value = ? AND record_key <= ?))",
			q.EndingAt.Value, q.EndingAt.Value, q.EndingAt.Key)
	}

	var rows []recordRow
	if err := tx.Order("order_value DESC, record_key DESC").Limit(q.LimitToLast).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("range %s: %v - %w", collection, err, feed.ErrStorage)
	}

	result := make([]feed.Record, len(rows))
	for i, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		result[len(rows)-1-i] = rec
	}
	return result, nil
}

// SubscribeChildAdded polls for rows with a seq above the highest one seen
// when subscribing.
func (s *SQLStore) SubscribeChildAdded(ctx context.Context, collection string, orderField string) (feed.Subscription, error) {
	if orderField != s.opts.OrderField {
		return nil, fmt.Errorf("subscribe to %s by %q: %w", collection, orderField, feed.ErrUnindexed)
	}
	var last uint64
	err := s.db.WithContext(ctx).Model(&recordRow{}).
		Where("collection = ?", collection).
		Select("COALESCE(MAX(seq), 0)").Scan(&last).Error
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %v - %w", collection, err, feed.ErrStorage)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	var stream *feed.Stream
	stream = feed.NewStream(64, func() error {
		cancel()
		s.mu.Lock()
		delete(s.subs, stream)
		s.mu.Unlock()
		return nil
	})
	s.mu.Lock()
	s.subs[stream] = struct{}{}
	s.mu.Unlock()

	go s.poll(pollCtx, stream, collection, last)
	return stream, nil
}

func (s *SQLStore) poll(ctx context.Context, stream *feed.Stream, collection string, last uint64) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var rows []recordRow
		err := s.db.WithContext(ctx).Where("collection = ? AND seq > ?", collection, last).
			Order("seq").Find(&rows).Error
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !stream.Send(ctx, feed.Event{Err: fmt.Errorf("poll %s: %v - %w", collection, err, feed.ErrStorage)}) {
				return
			}
			continue
		}
		for _, row := range rows {
			last = row.Seq
			ev := feed.Event{}
			ev.Record, ev.Err = row.record()
			if !stream.Send(ctx, ev) {
				return
			}
		}
	}
}

func (s *SQLStore) IsReady(ctx context.Context) bool {
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

// Close stops polling and closes the connection pool.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	open := make([]*feed.Stream, 0, len(s.subs))
	for st := range s.subs {
		open = append(open, st)
	}
	s.mu.Unlock()
	for _, st := range open {
		_ = st.Close()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r recordRow) record() (feed.Record, error) {
	var value map[string]any
	if err := json.Unmarshal([]byte(r.Value), &value); err != nil {
		return feed.Record{}, fmt.Errorf("decode %s/%s: %v - %w", r.Collection, r.RecordKey, err, feed.ErrStorage)
	}
	return feed.Record{Key: r.RecordKey, Value: value}, nil
}
