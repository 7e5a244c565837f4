package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func quantities(lines []CartLine) map[string]int {
	out := make(map[string]int, len(lines))
	for _, l := range lines {
		out[l.ID] = l.Quantity
	}
	return out
}

func TestMergeLines_SumsSharedQuantities(t *testing.T) {
	local := []CartLine{{ID: "A", Quantity: 2}}
	remote := []CartLine{{ID: "A", Quantity: 3}}

	assert.Equal(t, map[string]int{"A": 5}, quantities(MergeLines(local, remote)))
	assert.Equal(t, map[string]int{"A": 5}, quantities(MergeLines(remote, local)))
}

func TestMergeLines_CommutativeOnQuantity(t *testing.T) {
	a := []CartLine{{ID: "A", Quantity: 2}, {ID: "B", Quantity: 1}}
	b := []CartLine{{ID: "B", Quantity: 4}, {ID: "C", Quantity: 7}}

	assert.Equal(t, quantities(MergeLines(a, b)), quantities(MergeLines(b, a)))
	assert.Equal(t, map[string]int{"A": 2, "B": 5, "C": 7}, quantities(MergeLines(a, b)))
}

func TestMergeLines_PrefersRemoteMetadata(t *testing.T) {
	local := []CartLine{{
		ID: "A", Name: "Local Robot", UnitPrice: decimal.RequireFromString("9.99"),
		Quantity: 1, ImageRef: "local.png", StockHint: intPtr(3),
	}}
	remote := []CartLine{{
		ID: "A", Name: "Robot", UnitPrice: decimal.RequireFromString("12.50"), Quantity: 1,
	}}

	merged := MergeLines(local, remote)
	require.Len(t, merged, 1)
	assert.Equal(t, "Robot", merged[0].Name)
	assert.True(t, merged[0].UnitPrice.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, "local.png", merged[0].ImageRef, "missing remote image falls back to local")
	require.NotNil(t, merged[0].StockHint)
	assert.Equal(t, 3, *merged[0].StockHint)
}

func TestMergeLines_RemoteOrderFirst(t *testing.T) {
	local := []CartLine{{ID: "L", Quantity: 1}, {ID: "S", Quantity: 1}}
	remote := []CartLine{{ID: "S", Quantity: 1}, {ID: "R", Quantity: 1}}

	merged := MergeLines(local, remote)
	ids := make([]string, 0, len(merged))
	for _, l := range merged {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []string{"S", "R", "L"}, ids)
}

func TestMergeLines_DoesNotClampToStock(t *testing.T) {
	local := []CartLine{{ID: "A", Quantity: 2, StockHint: intPtr(3)}}
	remote := []CartLine{{ID: "A", Quantity: 2, StockHint: intPtr(3)}}

	merged := MergeLines(local, remote)
	require.Len(t, merged, 1)
	assert.Equal(t, 4, merged[0].Quantity)
}

func TestMergeLines_DoesNotAliasInputs(t *testing.T) {
	hint := intPtr(5)
	local := []CartLine{{ID: "A", Quantity: 1, StockHint: hint}}

	merged := MergeLines(local, nil)
	*merged[0].StockHint = 1
	merged[0].Quantity = 9

	assert.Equal(t, 5, *hint)
	assert.Equal(t, 1, local[0].Quantity)
}

func TestNormalizeLines(t *testing.T) {
	lines := []CartLine{
		{ID: "A", Quantity: 1},
		{ID: "", Quantity: 3},
		{ID: "B", Quantity: 0},
		{ID: "C", Quantity: -2},
		{ID: "A", Quantity: 2},
	}

	assert.Equal(t, map[string]int{"A": 3}, quantities(NormalizeLines(lines)))
}

func TestExceedsStock(t *testing.T) {
	assert.False(t, ExceedsStock(nil, 1000))
	assert.False(t, ExceedsStock(intPtr(3), 3))
	assert.True(t, ExceedsStock(intPtr(3), 4))
	assert.True(t, ExceedsStock(intPtr(0), 1))
}

func TestExpiryPolicy(t *testing.T) {
	p := DefaultExpiryPolicy()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name    string
		age     time.Duration
		expired bool
		warn    bool
	}{
		{"fresh", 2 * day, false, false},
		{"just below warning", 25*day - time.Millisecond, false, false},
		{"warning starts", 25 * day, false, true},
		{"inside warning", 29 * day, false, true},
		{"exactly expiry age", 30 * day, false, false},
		{"expired", 31 * day, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := now.Add(-tt.age)
			assert.Equal(t, tt.expired, p.Expired(ts, now))
			assert.Equal(t, tt.warn, p.InWarningWindow(ts, now))
		})
	}
}

func TestLatest(t *testing.T) {
	a := time.UnixMilli(1000)
	b := time.UnixMilli(2000)
	zero := time.Time{}

	got, ok := Latest(&a, nil, &b, &zero)
	require.True(t, ok)
	assert.True(t, got.Equal(b))

	_, ok = Latest(nil, &zero)
	assert.False(t, ok)
}
