package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fjod/go_cart/toycart/internal/domain"
	"github.com/fjod/go_cart/toycart/internal/logger"
	"github.com/fjod/go_cart/toycart/internal/storage"
)

// Durable storage keys.
const (
	CartKey        = "cart"
	CartUpdatedKey = "cart_lastUpdated"
)

var (
	ErrStockLimit     = errors.New("stock limit reached")
	ErrLineNotFound   = errors.New("line not found in cart")
	ErrInvalidProduct = errors.New("product id is required")
)

// StockLimitError is returned when a quantity increase would exceed the
// product's last-known stock. The cart is left unchanged.
type StockLimitError struct {
	ProductID string
	Requested int
	Available int
}

func (e *StockLimitError) Error() string {
	return fmt.Sprintf("stock limit reached for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *StockLimitError) Is(target error) bool {
	return target == ErrStockLimit
}

// Snapshot is a copy of the cart state.
type Snapshot struct {
	Lines          []domain.CartLine `json:"lines"`
	LastModifiedAt *time.Time        `json:"lastModifiedAt,omitempty"`
	Dirty          bool              `json:"dirty"`
	Syncing        bool              `json:"syncing"`
	LastSyncedAt   *time.Time        `json:"lastSyncedAt,omitempty"`
}

// FlushTicket is what a flush sends to the remote document. Revision lets
// EndSync tell whether the cart changed while the flush was in flight.
type FlushTicket struct {
	Lines    []domain.CartLine
	Revision uint64
}

// Store is the client-side cart. Every mutation is written to durable storage
// before the call returns.
//
// A cleared cart is stored as an empty "cart" array with no "cart_lastUpdated"
// key. Hydrate reads that the same way as a store that was never written.
type Store struct {
	mu      sync.Mutex
	storage storage.Storage
	policy  domain.ExpiryPolicy
	now     func() time.Time
	log     *slog.Logger

	lines          []domain.CartLine
	lastModifiedAt *time.Time
	dirty          bool
	syncing        bool
	revision       uint64
	lastSyncedAt   *time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func New(st storage.Storage, policy domain.ExpiryPolicy, opts ...Option) *Store {
	s := &Store{
		storage: st,
		policy:  policy,
		now:     time.Now,
		log:     logger.Discard(),
		lines:   []domain.CartLine{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hydrate loads the cart from durable storage. A cart whose timestamp is older
// than the expiry age is discarded and its keys removed.
func (s *Store) Hydrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.storage.Get(ctx, CartKey)
	if errors.Is(err, storage.ErrNotFound) {
		raw = ""
	} else if err != nil {
		return fmt.Errorf("failed to read cart: %w", err)
	}

	var modifiedAt *time.Time
	tsRaw, err := s.storage.Get(ctx, CartUpdatedKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to read cart timestamp: %w", err)
	default:
		ms, perr := strconv.ParseInt(tsRaw, 10, 64)
		if perr != nil {
			s.log.WarnContext(ctx, "ignoring malformed cart timestamp", "value", tsRaw, "error", perr)
			break
		}
		t := time.UnixMilli(ms)
		modifiedAt = &t
	}

	s.lines = []domain.CartLine{}
	s.lastModifiedAt = nil
	s.dirty = false

	if modifiedAt != nil && s.policy.Expired(*modifiedAt, s.now()) {
		s.log.InfoContext(ctx, "discarding expired local cart", "last_modified_at", modifiedAt.UTC())
		if err := s.storage.Write(ctx, storage.Batch{Delete: []string{CartKey, CartUpdatedKey}}); err != nil {
			return fmt.Errorf("failed to remove expired cart: %w", err)
		}
		return nil
	}

	if raw != "" {
		var lines []domain.CartLine
		if err := json.Unmarshal([]byte(raw), &lines); err != nil {
			s.log.WarnContext(ctx, "ignoring unreadable local cart", "error", err)
			return nil
		}
		s.lines = domain.NormalizeLines(lines)
	}
	s.lastModifiedAt = modifiedAt
	return nil
}

// AddLine adds one unit of p, inserting a new line when needed.
func (s *Store) AddLine(ctx context.Context, p domain.Product) (Snapshot, error) {
	if p.ID == "" {
		return s.Snapshot(), ErrInvalidProduct
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := domain.IndexOf(s.lines, p.ID)
	if idx >= 0 {
		line := &s.lines[idx]
		hint := line.StockHint
		if p.StockHint != nil {
			hint = p.StockHint
		}
		next := line.Quantity + 1
		if domain.ExceedsStock(hint, next) {
			return s.snapshotLocked(), &StockLimitError{ProductID: p.ID, Requested: next, Available: *hint}
		}
		line.Quantity = next
		if p.StockHint != nil {
			v := *p.StockHint
			line.StockHint = &v
		}
	} else {
		if domain.ExceedsStock(p.StockHint, 1) {
			return s.snapshotLocked(), &StockLimitError{ProductID: p.ID, Requested: 1, Available: *p.StockHint}
		}
		s.lines = append(s.lines, domain.CartLine{
			ID:        p.ID,
			Name:      p.Name,
			UnitPrice: p.UnitPrice,
			Quantity:  1,
			ImageRef:  p.ImageRef,
			StockHint: p.StockHint,
		}.Clone())
	}

	return s.commitLocked(ctx)
}

// SetQuantity sets the quantity of an existing line. Quantities below one are
// ignored; removal goes through RemoveLine.
func (s *Store) SetQuantity(ctx context.Context, id string, qty int) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if qty < 1 {
		return s.snapshotLocked(), nil
	}
	idx := domain.IndexOf(s.lines, id)
	if idx < 0 {
		return s.snapshotLocked(), ErrLineNotFound
	}
	line := &s.lines[idx]
	if domain.ExceedsStock(line.StockHint, qty) {
		return s.snapshotLocked(), &StockLimitError{ProductID: id, Requested: qty, Available: *line.StockHint}
	}
	line.Quantity = qty

	return s.commitLocked(ctx)
}

// RemoveLine deletes the line for id. Removing an absent line is a no-op.
func (s *Store) RemoveLine(ctx context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := domain.IndexOf(s.lines, id)
	if idx < 0 {
		return s.snapshotLocked(), nil
	}
	s.lines = append(s.lines[:idx], s.lines[idx+1:]...)

	return s.commitLocked(ctx)
}

// Clear empties the cart and resets its timestamp.
func (s *Store) Clear(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lines = []domain.CartLine{}
	s.lastModifiedAt = nil
	s.dirty = true
	s.revision++

	return s.snapshotLocked(), s.persistLocked(ctx)
}

// ReplaceFromServer overwrites the cart with lines that are already known to
// match the remote document.
func (s *Store) ReplaceFromServer(ctx context.Context, lines []domain.CartLine) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.lines = domain.NormalizeLines(lines)
	s.lastModifiedAt = &now
	s.dirty = false
	s.revision++

	return s.snapshotLocked(), s.persistLocked(ctx)
}

// MergeFromServer folds remote lines into the current cart and records the
// result as matching the remote document. The merge and the write happen under
// one lock, so a mutation can only land before or after it.
func (s *Store) MergeFromServer(ctx context.Context, remote []domain.CartLine) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.lines = domain.MergeLines(s.lines, remote)
	s.lastModifiedAt = &now
	s.dirty = false
	s.revision++

	return s.snapshotLocked(), s.persistLocked(ctx)
}

// MarkDirty flags the current lines as not yet persisted remotely.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
	s.revision++
}

// BeginSync claims the single flush slot. It returns false when a flush is
// already in flight, or when requireDirty is set and there is nothing to send.
func (s *Store) BeginSync(requireDirty bool) (FlushTicket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.syncing || (requireDirty && !s.dirty) {
		return FlushTicket{}, false
	}
	s.syncing = true
	return FlushTicket{Lines: domain.CloneLines(s.lines), Revision: s.revision}, true
}

// EndSync releases the flush slot. A successful flush clears the dirty flag
// only if nothing changed since BeginSync.
func (s *Store) EndSync(ticket FlushTicket, flushErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncing = false
	if flushErr != nil {
		return
	}
	now := s.now()
	s.lastSyncedAt = &now
	if s.revision == ticket.Revision {
		s.dirty = false
	}
}

func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Store) LastModifiedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTime(s.lastModifiedAt)
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Lines:          domain.CloneLines(s.lines),
		LastModifiedAt: copyTime(s.lastModifiedAt),
		Dirty:          s.dirty,
		Syncing:        s.syncing,
		LastSyncedAt:   copyTime(s.lastSyncedAt),
	}
}

// commitLocked records a user mutation: dirty, timestamp bump, persist.
func (s *Store) commitLocked(ctx context.Context) (Snapshot, error) {
	now := s.now()
	if s.lastModifiedAt != nil && now.Before(*s.lastModifiedAt) {
		now = *s.lastModifiedAt
	}
	s.lastModifiedAt = &now
	s.dirty = true
	s.revision++

	return s.snapshotLocked(), s.persistLocked(ctx)
}

// persistLocked writes the full cart. On failure the in-memory state is kept.
func (s *Store) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(s.lines)
	if err != nil {
		return fmt.Errorf("failed to marshal cart: %w", err)
	}

	batch := storage.Batch{Set: map[string]string{CartKey: string(data)}}
	if s.lastModifiedAt != nil {
		batch.Set[CartUpdatedKey] = strconv.FormatInt(s.lastModifiedAt.UnixMilli(), 10)
	} else {
		batch.Delete = []string{CartUpdatedKey}
	}

	if err := s.storage.Write(ctx, batch); err != nil {
		s.log.ErrorContext(ctx, "failed to persist cart locally", "error", err)
		return fmt.Errorf("failed to persist cart: %w", err)
	}
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
