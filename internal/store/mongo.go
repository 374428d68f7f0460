package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/eldtechnologies/relay/internal/models"
)

const messagesCollection = "messages"

// MongoStore keeps the conversation log in a MongoDB collection.
type MongoStore struct {
	client   *mongo.Client
	messages *mongo.Collection
}

// NewMongoStore connects to MongoDB and ensures the message indexes exist.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	coll := client.Database(database).Collection(messagesCollection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "from", Value: 1}, {Key: "to", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "to", Value: 1}, {Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return &MongoStore{client: client, messages: coll}, nil
}

// Close disconnects the client.
func (s *MongoStore) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.client.Disconnect(ctx)
}

// Ping checks the MongoDB connection.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Append inserts a message document.
func (s *MongoStore) Append(ctx context.Context, msg *models.Message) error {
	// BSON dates carry millisecond precision
	stamp(msg, time.Millisecond)
	_, err := s.messages.InsertOne(ctx, msg)
	return err
}

// Conversation retrieves the messages exchanged between a and b.
func (s *MongoStore) Conversation(ctx context.Context, a, b string) ([]models.Message, error) {
	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "from", Value: a}, {Key: "to", Value: b}},
		bson.D{{Key: "from", Value: b}, {Key: "to", Value: a}},
	}}}
	return s.find(ctx, filter)
}

// History retrieves every message sent to or from identity.
func (s *MongoStore) History(ctx context.Context, identity string) ([]models.Message, error) {
	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "from", Value: identity}},
		bson.D{{Key: "to", Value: identity}},
	}}}
	return s.find(ctx, filter)
}

// CountMessages returns the number of stored messages.
func (s *MongoStore) CountMessages(ctx context.Context) (int64, error) {
	return s.messages.CountDocuments(ctx, bson.D{})
}

func (s *MongoStore) find(ctx context.Context, filter bson.D) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	messages := []models.Message{}
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i].Timestamp = messages[i].Timestamp.UTC()
	}
	return messages, nil
}
