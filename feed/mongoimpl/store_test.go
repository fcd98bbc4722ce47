package mongoimpl

import (
	"context"
	"os"
	"testing"
	"time"

	"profile-feed/feed"
	"profile-feed/feed/storetest"

	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ctx = context.Background()

// change streams need a replica set, e.g. mongodb://localhost:27017/?replicaSet=rs0
func TestMongoStore(t *testing.T) {
	mongoURL := os.Getenv("MONGO_URL")
	if mongoURL == "" {
		t.Skip("MONGO_URL is not set")
	}
	suite.Run(t, &MongoStoreSuite{mongoAddr: mongoURL, mongodbName: "profile_feed_test"})
}

type MongoStoreSuite struct {
	storetest.StoreSuite

	mongoAddr   string
	mongodbName string
	mongoClient *mongo.Client
}

func (s *MongoStoreSuite) SetupSuite() {
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(s.mongoAddr))
	s.Require().NoError(err)
	s.mongoClient = mongoClient
	s.Settle = 200 * time.Millisecond

	s.NewStore = func() feed.OrderedStore {
		store, err := NewMongoStore(ctx, s.mongoAddr, s.mongodbName, feed.DefaultOrderField)
		s.Require().NoError(err)
		return store
	}
}

func (s *MongoStoreSuite) TearDownSuite() {
	if s.mongoClient != nil {
		_ = s.mongoClient.Disconnect(ctx)
	}
}

func (s *MongoStoreSuite) SetupTest() {
	s.Require().NoError(s.mongoClient.Database(s.mongodbName).Drop(ctx))
	s.StoreSuite.SetupTest()
}

func (s *MongoStoreSuite) TestSet_StoresOrderAlongsideValue() {
	coll := s.Collection()
	s.Require().NoError(s.Store.Set(ctx, coll, "p1", storetest.PostValue(3)))

	var doc recordDoc
	err := s.mongoClient.Database(s.mongodbName).Collection(collName).
		FindOne(ctx, bson.M{"_id": docID(coll, "p1")}).Decode(&doc)
	s.Require().NoError(err)
	s.Require().Equal("p1", doc.Key)
	s.Require().Equal(coll, doc.Collection)
	s.Require().NotNil(doc.Order)
	s.Require().Equal(float64(3), *doc.Order)
}

func (s *MongoStoreSuite) TestRangeQuery_UnindexedField() {
	_, err := s.Store.RangeQuery(ctx, s.Collection(), feed.Query{OrderBy: "likeCount", LimitToLast: 4})
	s.Require().ErrorIs(err, feed.ErrUnindexed)
}
