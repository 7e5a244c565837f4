package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is what the storefront hands to the cart when a shopper taps "add".
type Product struct {
	ID        string
	Name      string
	UnitPrice decimal.Decimal
	ImageRef  string
	StockHint *int
}

// CartLine is one product entry in a cart. JSON names match the storefront's
// localStorage shape.
type CartLine struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	ImageRef  string          `json:"image,omitempty"`
	StockHint *int            `json:"stock,omitempty"`
}

// RemoteCart is the per-user cart document kept in the remote store.
type RemoteCart struct {
	UserID    string
	Lines     []CartLine
	UpdatedAt time.Time
}

func (l CartLine) Clone() CartLine {
	if l.StockHint != nil {
		hint := *l.StockHint
		l.StockHint = &hint
	}
	return l
}

// ExceedsStock reports whether qty is above the line's last-known stock.
// Unknown stock never limits.
func ExceedsStock(stockHint *int, qty int) bool {
	return stockHint != nil && qty > *stockHint
}

func CloneLines(lines []CartLine) []CartLine {
	if lines == nil {
		return []CartLine{}
	}
	out := make([]CartLine, len(lines))
	for i, l := range lines {
		out[i] = l.Clone()
	}
	return out
}

func IndexOf(lines []CartLine, id string) int {
	for i := range lines {
		if lines[i].ID == id {
			return i
		}
	}
	return -1
}

// NormalizeLines drops lines without an id or with a non-positive quantity and
// folds duplicate ids into the first occurrence by summing quantities.
func NormalizeLines(lines []CartLine) []CartLine {
	out := make([]CartLine, 0, len(lines))
	seen := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.ID == "" || l.Quantity < 1 {
			continue
		}
		if i, ok := seen[l.ID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		seen[l.ID] = len(out)
		out = append(out, l.Clone())
	}
	return out
}

// MergeLines combines a local and a remote cart. Quantities of shared products
// are summed; name, image and stock come from the remote line when it has them,
// price always comes from the remote line. Remote lines keep their order and
// local-only lines follow.
//
// The summed quantity is not checked against StockHint.
func MergeLines(local, remote []CartLine) []CartLine {
	merged := NormalizeLines(remote)
	index := make(map[string]int, len(merged)+len(local))
	for i, l := range merged {
		index[l.ID] = i
	}

	for _, l := range NormalizeLines(local) {
		i, ok := index[l.ID]
		if !ok {
			index[l.ID] = len(merged)
			merged = append(merged, l)
			continue
		}

		m := &merged[i]
		m.Quantity += l.Quantity
		if m.Name == "" {
			m.Name = l.Name
		}
		if m.ImageRef == "" {
			m.ImageRef = l.ImageRef
		}
		if m.StockHint == nil && l.StockHint != nil {
			hint := *l.StockHint
			m.StockHint = &hint
		}
	}
	return merged
}
