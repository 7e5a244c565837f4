package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/toycart/internal/domain"
	"github.com/sony/gobreaker/v2"
)

// BreakerRepository fails fast while the remote store keeps erroring, so a
// dead backend costs one quick error per sync tick instead of a full timeout.
// A missing cart is a normal answer and never trips the breaker.
type BreakerRepository struct {
	next CartRepository
	cb   *gobreaker.CircuitBreaker[*domain.RemoteCart]
}

type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func NewBreakerRepository(next CartRepository, s BreakerSettings, log *slog.Logger) *BreakerRepository {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 3
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCartNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("remote cart breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &BreakerRepository{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[*domain.RemoteCart](settings),
	}
}

func (b *BreakerRepository) GetCart(ctx context.Context, userID string) (*domain.RemoteCart, error) {
	return b.cb.Execute(func() (*domain.RemoteCart, error) {
		return b.next.GetCart(ctx, userID)
	})
}

func (b *BreakerRepository) ReplaceCart(ctx context.Context, userID string, lines []domain.CartLine) error {
	_, err := b.cb.Execute(func() (*domain.RemoteCart, error) {
		return nil, b.next.ReplaceCart(ctx, userID, lines)
	})
	return err
}

func (b *BreakerRepository) State() gobreaker.State {
	return b.cb.State()
}
