package repository

import (
	"fmt"

	"github.com/fjod/go_cart/toycart/internal/domain"
	"github.com/shopspring/decimal"
)

// lineDoc is the stored shape of a cart line. Prices travel as strings so no
// backend has to understand decimal.Decimal.
type lineDoc struct {
	ID       string `bson:"id" firestore:"id" json:"id"`
	Name     string `bson:"name" firestore:"name" json:"name"`
	Price    string `bson:"price" firestore:"price" json:"price"`
	Quantity int    `bson:"quantity" firestore:"quantity" json:"quantity"`
	Image    string `bson:"image,omitempty" firestore:"image,omitempty" json:"image,omitempty"`
	Stock    *int   `bson:"stock,omitempty" firestore:"stock,omitempty" json:"stock,omitempty"`
}

func linesToDocs(lines []domain.CartLine) []lineDoc {
	docs := make([]lineDoc, 0, len(lines))
	for _, l := range lines {
		l = l.Clone()
		docs = append(docs, lineDoc{
			ID:       l.ID,
			Name:     l.Name,
			Price:    l.UnitPrice.String(),
			Quantity: l.Quantity,
			Image:    l.ImageRef,
			Stock:    l.StockHint,
		})
	}
	return docs
}

func docsToLines(docs []lineDoc) ([]domain.CartLine, error) {
	lines := make([]domain.CartLine, 0, len(docs))
	for _, d := range docs {
		price := decimal.Zero
		if d.Price != "" {
			p, err := decimal.NewFromString(d.Price)
			if err != nil {
				return nil, fmt.Errorf("invalid price %q for line %s: %w", d.Price, d.ID, err)
			}
			price = p
		}
		lines = append(lines, domain.CartLine{
			ID:        d.ID,
			Name:      d.Name,
			UnitPrice: price,
			Quantity:  d.Quantity,
			ImageRef:  d.Image,
			StockHint: d.Stock,
		})
	}
	return domain.NormalizeLines(lines), nil
}
