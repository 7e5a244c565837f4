package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/go_cart/toycart/internal/domain"
	"github.com/fjod/go_cart/toycart/internal/localstore"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type CartService interface {
	GetCart(ctx context.Context) localstore.Snapshot
	AddItem(ctx context.Context, p domain.Product) (localstore.Snapshot, error)
	UpdateQuantity(ctx context.Context, productID string, qty int) (localstore.Snapshot, error)
	RemoveItem(ctx context.Context, productID string) (localstore.Snapshot, error)
	ClearCart(ctx context.Context) (localstore.Snapshot, error)
}

type CartHandler struct {
	svc     CartService
	timeout time.Duration
	log     *slog.Logger
}

func NewCartHandler(svc CartService, timeout time.Duration, log *slog.Logger) *CartHandler {
	return &CartHandler{svc: svc, timeout: timeout, log: log}
}

type AddItemRequestDTO struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Image     string          `json:"image,omitempty"`
	Stock     *int            `json:"stock,omitempty"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity"`
}

type CartResponseDTO struct {
	Items          []domain.CartLine `json:"items"`
	ItemCount      int               `json:"item_count"`
	Total          decimal.Decimal   `json:"total"`
	LastModifiedAt *time.Time        `json:"last_modified_at,omitempty"`
	Dirty          bool              `json:"dirty"`
	Syncing        bool              `json:"syncing"`
	LastSyncedAt   *time.Time        `json:"last_synced_at,omitempty"`
}

type stockLimitDetails struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func toCartResponse(s localstore.Snapshot) CartResponseDTO {
	resp := CartResponseDTO{
		Items:          s.Lines,
		Total:          decimal.Zero,
		LastModifiedAt: s.LastModifiedAt,
		Dirty:          s.Dirty,
		Syncing:        s.Syncing,
		LastSyncedAt:   s.LastSyncedAt,
	}
	for _, l := range s.Lines {
		resp.ItemCount += l.Quantity
		resp.Total = resp.Total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return resp
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, toCartResponse(h.svc.GetCart(r.Context())))
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.ProductID == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id is required")
		return
	}
	if req.Price.IsNegative() {
		respondError(w, http.StatusBadRequest, "invalid_price", "price must not be negative")
		return
	}
	if req.Stock != nil && *req.Stock < 0 {
		respondError(w, http.StatusBadRequest, "invalid_stock", "stock must not be negative")
		return
	}

	snap, err := h.svc.AddItem(ctx, domain.Product{
		ID:        req.ProductID,
		Name:      req.Name,
		UnitPrice: req.Price,
		ImageRef:  req.Image,
		StockHint: req.Stock,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toCartResponse(snap))
}

func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID := chi.URLParam(r, "product_id")
	var req UpdateQuantityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Quantity < 1 {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be at least 1")
		return
	}

	snap, err := h.svc.UpdateQuantity(ctx, productID, req.Quantity)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(snap))
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.svc.RemoveItem(ctx, chi.URLParam(r, "product_id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(snap))
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.svc.ClearCart(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartResponse(snap))
}

func (h *CartHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var stockErr *localstore.StockLimitError
	switch {
	case errors.As(err, &stockErr):
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  "stock_limit",
			Details: stockLimitDetails{
				ProductID: stockErr.ProductID,
				Requested: stockErr.Requested,
				Available: stockErr.Available,
			},
		})
	case errors.Is(err, localstore.ErrLineNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, localstore.ErrInvalidProduct):
		respondError(w, http.StatusBadRequest, "invalid_product_id", err.Error())
	default:
		h.log.ErrorContext(r.Context(), "cart request failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
		respondError(w, http.StatusInternalServerError, "storage_error", "cart could not be saved")
	}
}
