package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/toycart/internal/domain"
	"github.com/fjod/go_cart/toycart/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingStorage struct {
	storage.Storage
	writeErr error
}

func (f *failingStorage) Write(ctx context.Context, b storage.Batch) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	return f.Storage.Write(ctx, b)
}

func intPtr(v int) *int { return &v }

func robot(stock *int) domain.Product {
	return domain.Product{
		ID:        "sku1",
		Name:      "Wind-up Robot",
		UnitPrice: decimal.RequireFromString("12.50"),
		ImageRef:  "products/robot.png",
		StockHint: stock,
	}
}

func newTestStore(t *testing.T) (*Store, *storage.MemoryStorage, *testClock) {
	t.Helper()
	mem := storage.NewMemoryStorage()
	clock := newTestClock()
	return New(mem, domain.DefaultExpiryPolicy(), WithClock(clock.Now)), mem, clock
}

func storedLines(t *testing.T, mem *storage.MemoryStorage) []domain.CartLine {
	t.Helper()
	raw, err := mem.Get(context.Background(), CartKey)
	require.NoError(t, err)
	var lines []domain.CartLine
	require.NoError(t, json.Unmarshal([]byte(raw), &lines))
	return lines
}

func TestAddLine_InsertsThenIncrements(t *testing.T) {
	s, mem, clock := newTestStore(t)
	ctx := context.Background()

	snap, err := s.AddLine(ctx, robot(nil))
	require.NoError(t, err)
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, 1, snap.Lines[0].Quantity)
	assert.Equal(t, "Wind-up Robot", snap.Lines[0].Name)
	assert.True(t, snap.Dirty)
	require.NotNil(t, snap.LastModifiedAt)
	assert.True(t, snap.LastModifiedAt.Equal(clock.Now()))

	snap, err = s.AddLine(ctx, robot(nil))
	require.NoError(t, err)
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, 2, snap.Lines[0].Quantity)

	lines := storedLines(t, mem)
	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.True(t, lines[0].UnitPrice.Equal(decimal.RequireFromString("12.50")))

	ts, err := mem.Get(ctx, CartUpdatedKey)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(clock.Now().UnixMilli(), 10), ts)
}

func TestAddLine_RejectsEmptyID(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.AddLine(context.Background(), domain.Product{})
	assert.ErrorIs(t, err, ErrInvalidProduct)
	assert.False(t, s.Dirty())
}

func TestAddLine_StockLimitIsNonMutating(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddLine(ctx, robot(intPtr(2)))
	require.NoError(t, err)
	_, err = s.AddLine(ctx, robot(intPtr(2)))
	require.NoError(t, err)

	before := s.Snapshot()
	beforeJSON, _ := json.Marshal(before.Lines)
	storedBefore, _ := mem.Get(ctx, CartKey)

	snap, err := s.AddLine(ctx, robot(intPtr(2)))
	require.ErrorIs(t, err, ErrStockLimit)

	var limitErr *StockLimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, "sku1", limitErr.ProductID)
	assert.Equal(t, 3, limitErr.Requested)
	assert.Equal(t, 2, limitErr.Available)

	afterJSON, _ := json.Marshal(snap.Lines)
	assert.Equal(t, string(beforeJSON), string(afterJSON))
	storedAfter, _ := mem.Get(ctx, CartKey)
	assert.Equal(t, storedBefore, storedAfter)
	assert.Equal(t, before.LastModifiedAt, s.Snapshot().LastModifiedAt)
}

func TestAddLine_OutOfStockNewLine(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.AddLine(context.Background(), robot(intPtr(0)))
	assert.ErrorIs(t, err, ErrStockLimit)
	assert.Empty(t, s.Snapshot().Lines)
	assert.False(t, s.Dirty())
}

func TestAddLine_FresherStockHintApplies(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddLine(ctx, robot(intPtr(5)))
	require.NoError(t, err)

	// stock dropped to 1 since the line was added
	_, err = s.AddLine(ctx, robot(intPtr(1)))
	assert.ErrorIs(t, err, ErrStockLimit)

	_, err = s.SetQuantity(ctx, "sku1", 1)
	require.NoError(t, err)
	_, err = s.AddLine(ctx, robot(intPtr(7)))
	require.NoError(t, err)
	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Lines[0].Quantity)
	assert.Equal(t, 7, *snap.Lines[0].StockHint)
}

func TestSetQuantity(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddLine(ctx, robot(intPtr(5)))
	require.NoError(t, err)

	snap, err := s.SetQuantity(ctx, "sku1", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Lines[0].Quantity)

	snap, err = s.SetQuantity(ctx, "sku1", 6)
	assert.ErrorIs(t, err, ErrStockLimit)
	assert.Equal(t, 4, snap.Lines[0].Quantity)

	_, err = s.SetQuantity(ctx, "missing", 2)
	assert.ErrorIs(t, err, ErrLineNotFound)
}

func TestSetQuantity_BelowOneIsNoop(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddLine(ctx, robot(nil))
	require.NoError(t, err)

	ticket, ok := s.BeginSync(true)
	require.True(t, ok)
	s.EndSync(ticket, nil)
	require.False(t, s.Dirty())

	for _, q := range []int{0, -1, -100} {
		snap, err := s.SetQuantity(ctx, "sku1", q)
		require.NoError(t, err)
		assert.Equal(t, 1, snap.Lines[0].Quantity)
	}
	assert.False(t, s.Dirty())
}

func TestNoZeroOrNegativeLines(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddLine(ctx, robot(nil))
	require.NoError(t, err)
	_, err = s.AddLine(ctx, domain.Product{ID: "sku2", Name: "Kite"})
	require.NoError(t, err)

	ops := []func(){
		func() { _, _ = s.SetQuantity(ctx, "sku1", 0) },
		func() { _, _ = s.SetQuantity(ctx, "sku2", -3) },
		func() { _, _ = s.SetQuantity(ctx, "sku1", 3) },
		func() { _, _ = s.RemoveLine(ctx, "sku2") },
		func() { _, _ = s.SetQuantity(ctx, "sku2", 4) },
		func() { _, _ = s.RemoveLine(ctx, "sku1") },
		func() { _, _ = s.RemoveLine(ctx, "sku1") },
	}
	for _, op := range ops {
		op()
		for _, l := range s.Snapshot().Lines {
			assert.GreaterOrEqual(t, l.Quantity, 1)
		}
	}
	assert.Empty(t, s.Snapshot().Lines)
}

func TestRemoveLine(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddLine(ctx, robot(nil))
	require.NoError(t, err)

	snap, err := s.RemoveLine(ctx, "sku1")
	require.NoError(t, err)
	assert.Empty(t, snap.Lines)
	assert.True(t, snap.Dirty)
	assert.Empty(t, storedLines(t, mem))

	// absent line: no-op, no new revision
	ticket, ok := s.BeginSync(true)
	require.True(t, ok)
	s.EndSync(ticket, nil)
	_, err = s.RemoveLine(ctx, "sku1")
	require.NoError(t, err)
	assert.False(t, s.Dirty())
}

func TestClear_PersistsEmptyWithoutTimestamp(t *testing.T) {
	s, mem, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddLine(ctx, robot(nil))
	require.NoError(t, err)

	snap, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Lines)
	assert.Nil(t, snap.LastModifiedAt)
	assert.True(t, snap.Dirty)

	raw, err := mem.Get(ctx, CartKey)
	require.NoError(t, err)
	assert.Equal(t, "[]", raw)
	_, err = mem.Get(ctx, CartUpdatedKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLastModifiedAt_MonotonicUnderClockSkew(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddLine(ctx, robot(nil))
	require.NoError(t, err)
	first := *s.LastModifiedAt()

	clock.Advance(-time.Hour)
	_, err = s.AddLine(ctx, robot(nil))
	require.NoError(t, err)
	assert.False(t, s.LastModifiedAt().Before(first))
}

func TestDirtyDiscipline(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, ok := s.BeginSync(true)
	assert.False(t, ok, "clean cart has nothing to flush")

	_, err := s.AddLine(ctx, robot(nil))
	require.NoError(t, err)
	assert.True(t, s.Dirty())

	ticket, ok := s.BeginSync(true)
	require.True(t, ok)
	assert.True(t, s.Snapshot().Syncing)

	_, ok = s.BeginSync(false)
	assert.False(t, ok, "only one flush may be in flight")

	s.EndSync(ticket, nil)
	snap := s.Snapshot()
	assert.False(t, snap.Dirty)
	assert.False(t, snap.Syncing)
	assert.NotNil(t, snap.LastSyncedAt)
}

func TestDirtyDiscipline_MutationDuringFlush(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddLine(ctx, robot(nil))
	require.NoError(t, err)

	ticket, ok := s.BeginSync(true)
	require.True(t, ok)
	require.Len(t, ticket.Lines, 1)

	_, err = s.AddLine(ctx, domain.Product{ID: "sku2", Name: "Kite"})
	require.NoError(t, err)

	s.EndSync(ticket, nil)
	assert.True(t, s.Dirty(), "mutation made during the flush still needs a flush")

	ticket, ok = s.BeginSync(true)
	require.True(t, ok)
	assert.Len(t, ticket.Lines, 2)
	s.EndSync(ticket, nil)
	assert.False(t, s.Dirty())
}

func TestDirtyDiscipline_FailedFlushKeepsDirty(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddLine(ctx, robot(nil))
	require.NoError(t, err)

	ticket, ok := s.BeginSync(true)
	require.True(t, ok)
	s.EndSync(ticket, errors.New("unavailable"))

	snap := s.Snapshot()
	assert.True(t, snap.Dirty)
	assert.False(t, snap.Syncing)
	assert.Nil(t, snap.LastSyncedAt)
}

func TestTicketDoesNotAliasState(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddLine(ctx, robot(intPtr(4)))
	require.NoError(t, err)

	ticket, ok := s.BeginSync(true)
	require.True(t, ok)
	ticket.Lines[0].Quantity = 99
	*ticket.Lines[0].StockHint = 0

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Lines[0].Quantity)
	assert.Equal(t, 4, *snap.Lines[0].StockHint)
}

func TestReplaceFromServer(t *testing.T) {
	s, mem, clock := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddLine(ctx, robot(nil))
	require.NoError(t, err)
	clock.Advance(time.Minute)

	snap, err := s.ReplaceFromServer(ctx, []domain.CartLine{
		{ID: "sku9", Name: "Yo-yo", Quantity: 3},
		{ID: "bad", Quantity: 0},
	})
	require.NoError(t, err)
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, "sku9", snap.Lines[0].ID)
	assert.False(t, snap.Dirty)
	assert.True(t, snap.LastModifiedAt.Equal(clock.Now()))
	assert.Len(t, storedLines(t, mem), 1)
}

func TestMergeFromServer_UsesCurrentLines(t *testing.T) {
	s, mem, clock := newTestStore(t)
	ctx := context.Background()
	_, err := s.AddLine(ctx, robot(nil))
	require.NoError(t, err)
	_, err = s.AddLine(ctx, domain.Product{ID: "sku2", Name: "Kite"})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	snap, err := s.MergeFromServer(ctx, []domain.CartLine{{ID: "sku1", Quantity: 2}, {ID: "sku3", Quantity: 1}})
	require.NoError(t, err)

	got := map[string]int{}
	for _, l := range snap.Lines {
		got[l.ID] = l.Quantity
	}
	assert.Equal(t, map[string]int{"sku1": 3, "sku2": 1, "sku3": 1}, got)
	assert.False(t, snap.Dirty)
	assert.True(t, snap.LastModifiedAt.Equal(clock.Now()))
	assert.Len(t, storedLines(t, mem), 3)
}

func TestMergeFromServer_ConcurrentAddIsKept(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.AddLine(ctx, robot(nil))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := s.MergeFromServer(ctx, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, 20, snap.Lines[0].Quantity)
}

func TestMarkDirty(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.ReplaceFromServer(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, s.Dirty())

	s.MarkDirty()
	assert.True(t, s.Dirty())
}

func TestHydrate_LoadsStoredCart(t *testing.T) {
	mem := storage.NewMemoryStorage()
	clock := newTestClock()
	ctx := context.Background()
	ts := clock.Now().Add(-2 * 24 * time.Hour)
	require.NoError(t, mem.Write(ctx, storage.Batch{Set: map[string]string{
		CartKey:        `[{"id":"sku1","name":"Robot","price":12.5,"quantity":2,"image":"r.png","stock":4}]`,
		CartUpdatedKey: strconv.FormatInt(ts.UnixMilli(), 10),
	}}))

	s := New(mem, domain.DefaultExpiryPolicy(), WithClock(clock.Now))
	require.NoError(t, s.Hydrate(ctx))

	snap := s.Snapshot()
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, 2, snap.Lines[0].Quantity)
	assert.True(t, snap.Lines[0].UnitPrice.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, 4, *snap.Lines[0].StockHint)
	assert.False(t, snap.Dirty)
	require.NotNil(t, snap.LastModifiedAt)
	assert.Equal(t, ts.UnixMilli(), snap.LastModifiedAt.UnixMilli())
}

func TestHydrate_DiscardsExpiredCart(t *testing.T) {
	mem := storage.NewMemoryStorage()
	clock := newTestClock()
	ctx := context.Background()
	ts := clock.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, mem.Write(ctx, storage.Batch{Set: map[string]string{
		CartKey:        `[{"id":"sku1","quantity":2}]`,
		CartUpdatedKey: strconv.FormatInt(ts.UnixMilli(), 10),
	}}))

	s := New(mem, domain.DefaultExpiryPolicy(), WithClock(clock.Now))
	require.NoError(t, s.Hydrate(ctx))

	snap := s.Snapshot()
	assert.Empty(t, snap.Lines)
	assert.Nil(t, snap.LastModifiedAt)
	assert.False(t, snap.Dirty)

	_, err := mem.Get(ctx, CartKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = mem.Get(ctx, CartUpdatedKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHydrate_ClearedAndNeverWrittenLookTheSame(t *testing.T) {
	ctx := context.Background()

	fresh, _, _ := newTestStore(t)
	require.NoError(t, fresh.Hydrate(ctx))

	mem := storage.NewMemoryStorage()
	cleared := New(mem, domain.DefaultExpiryPolicy())
	_, err := cleared.AddLine(ctx, robot(nil))
	require.NoError(t, err)
	_, err = cleared.Clear(ctx)
	require.NoError(t, err)

	reloaded := New(mem, domain.DefaultExpiryPolicy())
	require.NoError(t, reloaded.Hydrate(ctx))

	assert.Equal(t, fresh.Snapshot(), reloaded.Snapshot())
}

func TestHydrate_CorruptDataStartsEmpty(t *testing.T) {
	mem := storage.NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, mem.Write(ctx, storage.Batch{Set: map[string]string{
		CartKey:        `{not json`,
		CartUpdatedKey: "yesterday",
	}}))

	s := New(mem, domain.DefaultExpiryPolicy())
	require.NoError(t, s.Hydrate(ctx))
	assert.Empty(t, s.Snapshot().Lines)
	assert.Nil(t, s.Snapshot().LastModifiedAt)
}

func TestPersistFailureIsReported(t *testing.T) {
	fs := &failingStorage{Storage: storage.NewMemoryStorage(), writeErr: errors.New("disk full")}
	s := New(fs, domain.DefaultExpiryPolicy())

	snap, err := s.AddLine(context.Background(), robot(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	// in-memory state still holds the mutation and is queued for the remote copy
	assert.Len(t, snap.Lines, 1)
	assert.True(t, snap.Dirty)
}
