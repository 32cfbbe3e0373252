package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/bashirmohd/bigdataexpress-C/common/types"
)

const (
	// DefaultMongoDatabase is the name of the database used by the BigData Express site store.
	DefaultMongoDatabase = "bde"
)

// MongoStore is a DocumentStore backed by MongoDB. Each Collection is a MongoDB collection of the same name,
// and the id of a document is its "_id".
type MongoStore struct {
	uri      string
	database string

	client *mongo.Client
	db     *mongo.Database

	logger        *zap.Logger
	sugaredLogger *zap.SugaredLogger
}

func NewMongoStore(uri string, database string) *MongoStore {
	if database == "" {
		database = DefaultMongoDatabase
	}

	store := &MongoStore{
		uri:      uri,
		database: database,
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	store.logger = logger
	store.sugaredLogger = logger.Sugar()

	return store
}

func (s *MongoStore) Connect(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.uri))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrDisconnected, err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		s.logger.Error("Failed to connect to MongoDB.", zap.String("uri", s.uri), zap.Error(err))
		_ = client.Disconnect(ctx)
		return fmt.Errorf("%w: %v", types.ErrDisconnected, err)
	}

	s.client = client
	s.db = client.Database(s.database)

	s.sugaredLogger.Debugf("Connected to MongoDB database %s.", s.database)
	return nil
}

func (s *MongoStore) Close() error {
	if s.client == nil {
		return nil
	}

	return s.client.Disconnect(context.Background())
}

// toBSON converts a JSON document into a BSON document whose "_id" is id.
func toBSON(id string, document []byte) (bson.D, error) {
	var fields bson.D
	if err := bson.UnmarshalExtJSON(document, false, &fields); err != nil {
		return nil, fmt.Errorf("failed to convert document %s: %w", id, err)
	}

	result := make(bson.D, 0, len(fields)+1)
	result = append(result, bson.E{Key: "_id", Value: id})

	for _, field := range fields {
		if field.Key != "_id" {
			result = append(result, field)
		}
	}

	return result, nil
}

// fromBSON converts a BSON document back into the JSON document it was created from.
func fromBSON(document bson.D) ([]byte, error) {
	fields := make(bson.D, 0, len(document))
	for _, field := range document {
		if field.Key != "_id" {
			fields = append(fields, field)
		}
	}

	return bson.MarshalExtJSON(fields, false, false)
}

func byId(id string) bson.D {
	return bson.D{{Key: "_id", Value: id}}
}

func (s *MongoStore) Find(ctx context.Context, collection Collection, id string) ([]byte, error) {
	if err := checkKey(collection, id); err != nil {
		return nil, err
	}

	var document bson.D
	err := s.db.Collection(string(collection)).FindOne(ctx, byId(id)).Decode(&document)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrNotFound, collection, id)
	} else if err != nil {
		return nil, err
	}

	return fromBSON(document)
}

func (s *MongoStore) List(ctx context.Context, collection Collection) ([][]byte, error) {
	if err := collection.Validate(); err != nil {
		return nil, err
	}

	cursor, err := s.db.Collection(string(collection)).Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}

	var documents []bson.D
	if err = cursor.All(ctx, &documents); err != nil {
		return nil, err
	}

	result := make([][]byte, 0, len(documents))
	for _, document := range documents {
		encoded, err := fromBSON(document)
		if err != nil {
			return nil, err
		}

		result = append(result, encoded)
	}

	return result, nil
}

func (s *MongoStore) Insert(ctx context.Context, collection Collection, id string, document []byte) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}

	doc, err := toBSON(id, document)
	if err != nil {
		return err
	}

	_, err = s.db.Collection(string(collection)).InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s/%s already exists", types.ErrConflict, collection, id)
	}

	return err
}

func (s *MongoStore) replace(ctx context.Context, collection Collection, id string, document []byte, upsert bool) (*mongo.UpdateResult, error) {
	if err := checkKey(collection, id); err != nil {
		return nil, err
	}

	doc, err := toBSON(id, document)
	if err != nil {
		return nil, err
	}

	return s.db.Collection(string(collection)).ReplaceOne(ctx, byId(id), doc, options.Replace().SetUpsert(upsert))
}

func (s *MongoStore) Update(ctx context.Context, collection Collection, id string, document []byte) error {
	result, err := s.replace(ctx, collection, id, document, false)
	if err != nil {
		return err
	}

	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: %s/%s", types.ErrNotFound, collection, id)
	}

	return nil
}

func (s *MongoStore) Put(ctx context.Context, collection Collection, id string, document []byte) error {
	_, err := s.replace(ctx, collection, id, document, true)
	return err
}

func (s *MongoStore) Remove(ctx context.Context, collection Collection, id string) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}

	result, err := s.db.Collection(string(collection)).DeleteOne(ctx, byId(id))
	if err != nil {
		return err
	}

	if result.DeletedCount == 0 {
		return fmt.Errorf("%w: %s/%s", types.ErrNotFound, collection, id)
	}

	return nil
}

func (s *MongoStore) Clear(ctx context.Context, collection Collection) error {
	if err := collection.Validate(); err != nil {
		return err
	}

	result, err := s.db.Collection(string(collection)).DeleteMany(ctx, bson.D{})
	if err != nil {
		return err
	}

	s.sugaredLogger.Debugf("Removed %d document(s) from %s.", result.DeletedCount, collection)
	return nil
}
