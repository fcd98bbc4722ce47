package mongoimpl

import (
	"context"
	"errors"
	"fmt"
	"profile-feed/feed"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collName = "records"

func docID(collection, key string) string { return collection + "/" + key }

// recordDoc is one child of a collection. Order duplicates the order field
// of Value so that range queries use a single index. The id is prefixed by
// the collection, so ids of one collection sort like their keys.
type recordDoc struct {
	ID         string         `bson:"_id"`
	Key        string         `bson:"key"`
	Collection string         `bson:"collection"`
	Order      *float64       `bson:"order,omitempty"`
	Value      map[string]any `bson:"value"`
}

type MongoStore struct {
	records    *mongo.Collection
	client     *mongo.Client
	orderField string

	mu   sync.Mutex
	subs map[*feed.Stream]struct{}
}

func ensureIndexes(ctx context.Context, collection *mongo.Collection) error {
	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "collection", Value: 1}, {Key: "order", Value: -1}, {Key: "_id", Value: -1}},
		},
	}
	opts := options.CreateIndexes().SetMaxTime(10 * time.Second)

	if _, err := collection.Indexes().CreateMany(ctx, indexModels, opts); err != nil {
		return fmt.Errorf("failed to ensure indexes %w", err)
	}
	return nil
}

func NewMongoStore(ctx context.Context, mongoURL string, dbName string, orderField string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURL))
	if err != nil {
		return nil, err
	}

	collection := client.Database(dbName).Collection(collName)
	if err := ensureIndexes(ctx, collection); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	if orderField == "" {
		orderField = feed.DefaultOrderField
	}
	log.Printf("[INFO] mongo store, db %s", dbName)

	return &MongoStore{
		records:    collection,
		client:     client,
		orderField: orderField,
		subs:       make(map[*feed.Stream]struct{}),
	}, nil
}

func (m *MongoStore) IsReady(ctx context.Context) bool {
	// Ping the database
	if err := m.client.Ping(ctx, nil); err != nil {
		return false
	}
	return true
}

func (m *MongoStore) Push(ctx context.Context, collection string, value map[string]any) (feed.Record, error) {
	key, err := feed.NewRecordKey()
	if err != nil {
		return feed.Record{}, fmt.Errorf("key for %s: %v - %w", collection, err, feed.ErrStorage)
	}
	if err := m.Set(ctx, collection, key, value); err != nil {
		return feed.Record{}, err
	}
	return feed.Record{Key: key, Value: value}, nil
}

// Set upserts the record. A first write shows up as an insert on the change
// stream.
func (m *MongoStore) Set(ctx context.Context, collection string, key string, value map[string]any) error {
	doc := recordDoc{ID: docID(collection, key), Key: key, Collection: collection, Value: value}
	if v, ok := feed.OrderValue(value, m.orderField); ok {
		doc.Order = &v
	}
	_, err := m.records.ReplaceOne(ctx,
		bson.M{"_id": doc.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("store %s/%s: %v - %w", collection, key, err, feed.ErrStorage)
	}
	return nil
}

func (m *MongoStore) Get(ctx context.Context, collection string, key string) (feed.Record, error) {
	var doc recordDoc
	err := m.records.FindOne(ctx, bson.M{"_id": docID(collection, key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return feed.Record{}, feed.ErrNotFound
	}
	if err != nil {
		return feed.Record{}, fmt.Errorf("get %s/%s: %v - %w", collection, key, err, feed.ErrStorage)
	}
	return feed.Record{Key: doc.Key, Value: doc.Value}, nil
}

func (m *MongoStore) RangeQuery(ctx context.Context, collection string, q feed.Query) ([]feed.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.OrderBy != m.orderField {
		return nil, fmt.Errorf("order by %q: %w", q.OrderBy, feed.ErrUnindexed)
	}

	filter := bson.M{"collection": collection, "order": bson.M{"$ne": nil}}
	switch {
	case q.EndingAt != nil && q.EndingAt.Key == "":
		filter["order"] = bson.M{"$lte": q.EndingAt.Value}
	case q.EndingAt != nil:
		filter["$or"] = bson.A{
			bson.M{"order": bson.M{"$lt": q.EndingAt.Value}},
			bson.M{"order": q.EndingAt.Value, "_id": bson.M{"$lte": docID(collection, q.EndingAt.Key)}},
		}
	}

	cursor, err := m.records.Find(
		ctx,
		filter,
		options.Find().SetSort(bson.D{{Key: "order", Value: -1}, {Key: "_id", Value: -1}}),
		options.Find().SetLimit(int64(q.LimitToLast)),
	)
	if err != nil {
		return nil, fmt.Errorf("range %s: %v - %w", collection, err, feed.ErrStorage)
	}
	defer cursor.Close(ctx)

	var desc []feed.Record
	for cursor.Next(ctx) {
		var doc recordDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s: %v - %w", collection, err, feed.ErrStorage)
		}
		desc = append(desc, feed.Record{Key: doc.Key, Value: doc.Value})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("range %s: %v - %w", collection, err, feed.ErrStorage)
	}

	result := make([]feed.Record, len(desc))
	for i, rec := range desc {
		result[len(desc)-1-i] = rec
	}
	return result, nil
}

// SubscribeChildAdded watches inserts into the collection. The change
// stream is open when this returns.
func (m *MongoStore) SubscribeChildAdded(ctx context.Context, collection string, orderField string) (feed.Subscription, error) {
	if orderField != m.orderField {
		return nil, fmt.Errorf("subscribe to %s by %q: %w", collection, orderField, feed.ErrUnindexed)
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.collection", Value: collection},
		}}},
	}
	cs, err := m.records.Watch(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %v - %w", collection, err, feed.ErrStorage)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	var stream *feed.Stream
	stream = feed.NewStream(64, func() error {
		cancel()
		m.mu.Lock()
		delete(m.subs, stream)
		m.mu.Unlock()
		return nil
	})
	m.mu.Lock()
	m.subs[stream] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer cs.Close(context.Background())
		for cs.Next(watchCtx) {
			var change struct {
				FullDocument recordDoc `bson:"fullDocument"`
			}
			ev := feed.Event{}
			if err := cs.Decode(&change); err != nil {
				ev.Err = fmt.Errorf("decode change of %s: %v - %w", collection, err, feed.ErrStorage)
			} else {
				ev.Record = feed.Record{Key: change.FullDocument.Key, Value: change.FullDocument.Value}
			}
			if !stream.Send(watchCtx, ev) {
				return
			}
		}
		if err := cs.Err(); err != nil && watchCtx.Err() == nil {
			stream.Send(watchCtx, feed.Event{Err: fmt.Errorf("watch %s: %v - %w", collection, err, feed.ErrStorage)})
		}
		_ = stream.Close()
	}()
	return stream, nil
}

// Close ends open change streams and disconnects.
func (m *MongoStore) Close() error {
	m.mu.Lock()
	open := make([]*feed.Stream, 0, len(m.subs))
	for s := range m.subs {
		open = append(open, s)
	}
	m.mu.Unlock()
	for _, s := range open {
		_ = s.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
