package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/toycart/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoCartDoc struct {
	UserID    string    `bson:"user_id"`
	Lines     []lineDoc `bson:"lines"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type MongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		collection: db.Collection("carts"),
	}
}

func (m *MongoRepository) GetCart(ctx context.Context, userID string) (*domain.RemoteCart, error) {
	var doc mongoCartDoc

	err := m.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	lines, err := docsToLines(doc.Lines)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cart: %w", err)
	}

	return &domain.RemoteCart{UserID: doc.UserID, Lines: lines, UpdatedAt: doc.UpdatedAt}, nil
}

func (m *MongoRepository) ReplaceCart(ctx context.Context, userID string, lines []domain.CartLine) error {
	doc := mongoCartDoc{
		UserID:    userID,
		Lines:     linesToDocs(lines),
		UpdatedAt: time.Now().UTC(),
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := m.collection.ReplaceOne(ctx, bson.M{"user_id": userID}, doc, opts); err != nil {
		return fmt.Errorf("failed to replace cart: %w", err)
	}

	return nil
}

// CreateIndexes adds the unique user index. Old carts are never dropped by
// the database; the sync engine decides when a cart has expired.
func (m *MongoRepository) CreateIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}
