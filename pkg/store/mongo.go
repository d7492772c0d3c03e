package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const messagesCollection = "messages"

// messageDoc mirrors the document shape of the messages collection:
// an unordered participant array queried with $all, the sender, and a nested
// message.text body.
type messageDoc struct {
	Users     []string  `bson:"users"`
	Sender    string    `bson:"sender"`
	Message   msgBody   `bson:"message"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type msgBody struct {
	Text string `bson:"text"`
}

// MongoStore implements MessageStore against MongoDB.
type MongoStore struct {
	client   *mongo.Client
	messages *mongo.Collection
}

// NewMongoStore connects to MongoDB and prepares the messages collection.
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo store: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo store: ping: %w", err)
	}

	coll := client.Database(dbName).Collection(messagesCollection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "users", Value: 1}, {Key: "updatedAt", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo store: create indexes: %w", err)
	}

	return &MongoStore{client: client, messages: coll}, nil
}

func (s *MongoStore) CreateMessageRecord(ctx context.Context, sender, recipient, body string) (*MessageRecord, error) {
	now := time.Now().UTC()
	doc := messageDoc{
		Users:     []string{sender, recipient},
		Sender:    sender,
		Message:   msgBody{Text: body},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("mongo store: insert message: %w", err)
	}
	return recordFromDoc(doc), nil
}

func (s *MongoStore) FindMessagesBetween(ctx context.Context, userA, userB string) ([]MessageRecord, error) {
	filter := bson.M{"users": bson.M{"$all": bson.A{userA, userB}}}
	cursor, err := s.messages.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo store: find messages: %w", err)
	}

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo store: decode messages: %w", err)
	}

	records := make([]MessageRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, *recordFromDoc(doc))
	}
	return records, nil
}

func (s *MongoStore) FindConversations(ctx context.Context, user string) ([]Conversation, error) {
	filter := bson.M{"users": bson.M{"$in": bson.A{user}}}
	cursor, err := s.messages.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongo store: find conversations: %w", err)
	}

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo store: decode conversations: %w", err)
	}

	records := make([]MessageRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, *recordFromDoc(doc))
	}
	return latestPerPartner(user, records), nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func recordFromDoc(doc messageDoc) *MessageRecord {
	rec := &MessageRecord{
		Sender:    doc.Sender,
		Body:      doc.Message.Text,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	if len(doc.Users) == 2 {
		rec.Participants[0], rec.Participants[1] = PairKey(doc.Users[0], doc.Users[1])
	}
	return rec
}
