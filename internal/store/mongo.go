package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoCollections maps logical collections to MongoDB collection names.
var mongoCollections = map[Collection]string{
	CollectionCreds:    "auth_creds",
	CollectionKeys:     "auth_keys",
	CollectionSessions: "user_state",
}

type mongoDocument struct {
	ID        string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// MongoStore implements Backend on MongoDB. Every document is stored as
// {_id, value, updatedAt}.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongo connects to uri and selects database dbName.
func NewMongo(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(dbName)}, nil
}

func (s *MongoStore) coll(c Collection) *mongo.Collection {
	name, ok := mongoCollections[c]
	if !ok {
		name = string(c)
	}
	return s.db.Collection(name)
}

// Get retrieves one document.
func (s *MongoStore) Get(ctx context.Context, c Collection, id string) ([]byte, error) {
	var doc mongoDocument
	err := s.coll(c).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find %s/%s: %w", c, id, err)
	}
	return doc.Value, nil
}

// Put upserts one document.
func (s *MongoStore) Put(ctx context.Context, c Collection, id string, value []byte) error {
	update := bson.M{"$set": bson.M{"value": value, "updatedAt": time.Now().UTC()}}
	_, err := s.coll(c).UpdateOne(ctx, bson.M{"_id": id}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", c, id, err)
	}
	return nil
}

// Delete removes one document.
func (s *MongoStore) Delete(ctx context.Context, c Collection, id string) error {
	if _, err := s.coll(c).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", c, id, err)
	}
	return nil
}

// List returns every document in a collection.
func (s *MongoStore) List(ctx context.Context, c Collection) (map[string][]byte, error) {
	cursor, err := s.coll(c).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", c, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	out := make(map[string][]byte)
	for cursor.Next(ctx) {
		var doc mongoDocument
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		out[doc.ID] = doc.Value
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", c, err)
	}
	return out, nil
}

// Clear removes every document in a collection.
func (s *MongoStore) Clear(ctx context.Context, c Collection) error {
	if _, err := s.coll(c).DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("clear %s: %w", c, err)
	}
	return nil
}

// Ping verifies server connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongodb: %w", err)
	}
	return nil
}
