package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindStockLimit   Kind = "stock_limit"
	KindExpiringSoon Kind = "expiring_soon"
	KindExpired      Kind = "expired"
)

// Notification is a one-way message for the shopper. UserID is empty for
// guests.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	Kind      Kind      `json:"kind"`
	UserID    string    `json:"user_id,omitempty"`
	ProductID string    `json:"product_id,omitempty"`
	Available int       `json:"available,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Notifier delivers notifications. Delivery is best effort: implementations
// log their own failures and never block the caller for long.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

func StockLimit(userID, productID, name string, available int, at time.Time) Notification {
	label := name
	if label == "" {
		label = productID
	}
	return Notification{
		ID:        uuid.New(),
		Kind:      KindStockLimit,
		UserID:    userID,
		ProductID: productID,
		Available: available,
		Message:   fmt.Sprintf("Only %d of %s left in the toy box.", available, label),
		At:        at,
	}
}

func ExpiringSoon(userID string, expiresAt, at time.Time) Notification {
	days := int(expiresAt.Sub(at).Hours()/24) + 1
	return Notification{
		ID:      uuid.New(),
		Kind:    KindExpiringSoon,
		UserID:  userID,
		Message: fmt.Sprintf("Your cart will be emptied in %d day(s). Check out soon to keep your toys!", days),
		At:      at,
	}
}

func Expired(userID string, at time.Time) Notification {
	return Notification{
		ID:      uuid.New(),
		Kind:    KindExpired,
		UserID:  userID,
		Message: "Your cart sat untouched for too long and has been emptied.",
		At:      at,
	}
}

// Multi fans a notification out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(ctx, n)
		}
	}
}

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}
