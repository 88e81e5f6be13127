package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"

	PaymentStatusPaid     = "paid"
	PaymentStatusRefunded = "refunded"

	PaymentMethodWallet = "wallet"

	DeliveryStatusCompleted = "completed"
)

type Order struct {
	ID            uuid.UUID       `json:"id"`
	BuyerID       string          `json:"buyer_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"payment_status"`
	PaymentMethod string          `json:"payment_method"`
	Items         []OrderItem     `json:"items,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type OrderItem struct {
	ID                      uuid.UUID       `json:"id"`
	OrderID                 uuid.UUID       `json:"order_id"`
	ProductID               uuid.UUID       `json:"product_id"`
	VariantID               uuid.UUID       `json:"variant_id"`
	SellerID                string          `json:"seller_id"`
	Quantity                int             `json:"quantity"`
	UnitPrice               decimal.Decimal `json:"unit_price"`
	TotalPrice              decimal.Decimal `json:"total_price"`
	DeliveryStatus          string          `json:"delivery_status"`
	DigitalContentDelivered json.RawMessage `json:"digital_content_delivered,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *Order) error
	CreateOrderItem(ctx context.Context, item *OrderItem) error
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status, paymentStatus string) error
	// GetOrder loads the order together with its items.
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
}
