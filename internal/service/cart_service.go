package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/toycart/internal/domain"
	"github.com/fjod/go_cart/toycart/internal/localstore"
	"github.com/fjod/go_cart/toycart/internal/notify"
)

// Session is the part of the sync engine the cart service needs.
type Session interface {
	CurrentUserID() string
	Flush(ctx context.Context) error
}

type CartService struct {
	store    *localstore.Store
	session  Session
	notifier notify.Notifier
	now      func() time.Time
	log      *slog.Logger
}

func NewCartService(store *localstore.Store, session Session, notifier notify.Notifier, log *slog.Logger) *CartService {
	return &CartService{
		store:    store,
		session:  session,
		notifier: notifier,
		now:      time.Now,
		log:      log,
	}
}

func (s *CartService) GetCart(_ context.Context) localstore.Snapshot {
	return s.store.Snapshot()
}

func (s *CartService) AddItem(ctx context.Context, p domain.Product) (localstore.Snapshot, error) {
	snap, err := s.store.AddLine(ctx, p)
	if err != nil {
		s.reportStockLimit(ctx, err, p.Name)
		return snap, err
	}
	return snap, nil
}

func (s *CartService) UpdateQuantity(ctx context.Context, productID string, qty int) (localstore.Snapshot, error) {
	snap, err := s.store.SetQuantity(ctx, productID, qty)
	if err != nil {
		name := ""
		if i := domain.IndexOf(snap.Lines, productID); i >= 0 {
			name = snap.Lines[i].Name
		}
		s.reportStockLimit(ctx, err, name)
		return snap, err
	}
	return snap, nil
}

func (s *CartService) RemoveItem(ctx context.Context, productID string) (localstore.Snapshot, error) {
	return s.store.RemoveLine(ctx, productID)
}

func (s *CartService) ClearCart(ctx context.Context) (localstore.Snapshot, error) {
	return s.store.Clear(ctx)
}

// ClearForUser empties the cart after userID completed a checkout and pushes
// the empty cart right away. Nothing happens unless userID is signed in here.
func (s *CartService) ClearForUser(ctx context.Context, userID string) (bool, error) {
	if userID == "" || s.session.CurrentUserID() != userID {
		return false, nil
	}
	if _, err := s.store.Clear(ctx); err != nil {
		return true, err
	}
	if err := s.session.Flush(ctx); err != nil {
		s.log.WarnContext(ctx, "emptied cart not pushed yet, will retry", "user_id", userID, "error", err)
	}
	return true, nil
}

func (s *CartService) reportStockLimit(ctx context.Context, err error, name string) {
	var stockErr *localstore.StockLimitError
	if !errors.As(err, &stockErr) {
		return
	}
	s.notifier.Notify(ctx, notify.StockLimit(s.session.CurrentUserID(), stockErr.ProductID, name, stockErr.Available, s.now()))
}
