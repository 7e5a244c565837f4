package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	CheckoutTopic = "checkout-outbox"
	consumerGroup = "toycart-checkout-consumer"
	retryDelay    = time.Second
)

// CartClearer empties the local cart when userID is the signed-in user.
type CartClearer interface {
	ClearForUser(ctx context.Context, userID string) (bool, error)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Poller empties the cart once the shopper's checkout completes.
type Poller struct {
	reader  messageReader
	clearer CartClearer
	log     *slog.Logger
}

func NewPoller(clearer CartClearer, log *slog.Logger, brokers ...string) *Poller {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    CheckoutTopic,
		GroupID:  consumerGroup,
		MaxBytes: 10e6, // 10MB
	})
	return &Poller{reader: reader, clearer: clearer, log: log}
}

func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.handleNext(ctx); err != nil && ctx.Err() == nil {
			p.log.ErrorContext(ctx, "failed to read checkout event", "error", err)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.log.Error("error closing checkout reader", "error", err)
	}
}

type checkoutEvent struct {
	CheckoutID string          `json:"checkout_id"`
	UserID     json.RawMessage `json:"user_id"`
}

// handleNext only returns reader errors; bad payloads are logged and skipped.
func (p *Poller) handleNext(ctx context.Context) error {
	m, err := p.reader.ReadMessage(ctx)
	if err != nil {
		return err
	}

	var ev checkoutEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		p.log.WarnContext(ctx, "skipping malformed checkout event", "offset", m.Offset, "error", err)
		return nil
	}
	userID, err := parseUserID(ev.UserID)
	if err != nil {
		p.log.WarnContext(ctx, "skipping checkout event without user id", "offset", m.Offset, "error", err)
		return nil
	}

	cleared, err := p.clearer.ClearForUser(ctx, userID)
	if err != nil {
		p.log.ErrorContext(ctx, "failed to clear cart after checkout", "user_id", userID, "checkout_id", ev.CheckoutID, "error", err)
		return nil
	}
	if cleared {
		p.log.InfoContext(ctx, "cart cleared after checkout", "user_id", userID, "checkout_id", ev.CheckoutID)
	}
	return nil
}

var errMissingUserID = errors.New("missing or invalid user_id")

// parseUserID accepts the id as a JSON string or number.
func parseUserID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errMissingUserID
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", errMissingUserID
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: %s", errMissingUserID, raw)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", fmt.Errorf("%w: %s", errMissingUserID, raw)
	}
	return n.String(), nil
}
