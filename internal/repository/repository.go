package repository

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/toycart/internal/domain"
)

var ErrCartNotFound = errors.New("cart not found")

// CartRepository is the remote per-user cart document. ReplaceCart overwrites
// the whole document and stamps it with the store's current time.
type CartRepository interface {
	GetCart(ctx context.Context, userID string) (*domain.RemoteCart, error)
	ReplaceCart(ctx context.Context, userID string, lines []domain.CartLine) error
}
