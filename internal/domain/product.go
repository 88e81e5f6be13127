package domain

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product is owned by the catalog; this service reads price and stock and
// writes stock decrements.
type Product struct {
	ID             uuid.UUID       `json:"id"`
	SellerID       string          `json:"seller_id"`
	Title          string          `json:"title"`
	Price          decimal.Decimal `json:"price"`
	Currency       string          `json:"currency"`
	StockQuantity  int             `json:"stock_quantity"`
	DigitalContent json.RawMessage `json:"digital_content,omitempty"`
}

type ProductVariant struct {
	ID        uuid.UUID       `json:"id"`
	ProductID uuid.UUID       `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
}

type CatalogRepository interface {
	GetProduct(ctx context.Context, id uuid.UUID) (*Product, error)
	// FirstVariant returns nil, nil when the product has no sellable variant.
	FirstVariant(ctx context.Context, productID uuid.UUID) (*ProductVariant, error)
	// DecrementStock lowers stock by qty and fails with ErrOutOfStock rather
	// than going below zero.
	DecrementStock(ctx context.Context, productID uuid.UUID, qty int) error
}
