package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/fjod/go_cart/toycart/internal/domain"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// firestoreCartDoc lives at carts/{userID}. A zero UpdatedAt is replaced by the
// server's commit time on write.
type firestoreCartDoc struct {
	Lines     []lineDoc `firestore:"lines"`
	UpdatedAt time.Time `firestore:"updatedAt,serverTimestamp"`
}

type FirestoreRepository struct {
	client *firestore.Client
}

// NewFirestoreClient uses Application Default Credentials when
// credentialsFile is empty.
func NewFirestoreClient(ctx context.Context, projectID, credentialsFile string) (*firestore.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return client, nil
}

func NewFirestoreRepository(client *firestore.Client) *FirestoreRepository {
	return &FirestoreRepository{client: client}
}

func (r *FirestoreRepository) doc(userID string) (*firestore.DocumentRef, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("firestore repository: userID is empty")
	}
	return r.client.Collection("carts").Doc(uid), nil
}

func (r *FirestoreRepository) GetCart(ctx context.Context, userID string) (*domain.RemoteCart, error) {
	ref, err := r.doc(userID)
	if err != nil {
		return nil, err
	}

	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	var doc firestoreCartDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode cart: %w", err)
	}

	lines, err := docsToLines(doc.Lines)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cart: %w", err)
	}

	return &domain.RemoteCart{UserID: userID, Lines: lines, UpdatedAt: doc.UpdatedAt}, nil
}

func (r *FirestoreRepository) ReplaceCart(ctx context.Context, userID string, lines []domain.CartLine) error {
	ref, err := r.doc(userID)
	if err != nil {
		return err
	}

	// Set without merge options overwrites the whole document.
	if _, err := ref.Set(ctx, firestoreCartDoc{Lines: linesToDocs(lines)}); err != nil {
		return fmt.Errorf("failed to replace cart: %w", err)
	}
	return nil
}
