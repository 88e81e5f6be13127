package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

type orderRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewOrderRepository(db SQLExecutor, logger *slog.Logger) domain.OrderRepository {
	return &orderRepository{
		db:     db,
		logger: logger,
	}
}

func (r *orderRepository) CreateOrder(ctx context.Context, order *domain.Order) error {
	query := `
		INSERT INTO orders (id, buyer_id, total_amount, currency, status, payment_status, payment_method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		query,
		order.ID,
		order.BuyerID,
		order.TotalAmount.String(),
		order.Currency,
		order.Status,
		order.PaymentStatus,
		order.PaymentMethod,
		now,
	)
	if err != nil {
		r.logger.Error("Failed to create order", "order_id", order.ID, "buyer_id", order.BuyerID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to create order").WithDetails(err.Error())
	}

	order.CreatedAt = now
	order.UpdatedAt = now
	r.logger.Info("Order created", "order_id", order.ID, "buyer_id", order.BuyerID)
	return nil
}

func (r *orderRepository) CreateOrderItem(ctx context.Context, item *domain.OrderItem) error {
	query := `
		INSERT INTO order_items
		(id, order_id, product_id, variant_id, seller_id, quantity, unit_price, total_price, delivery_status, digital_content_delivered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	var content interface{}
	if len(item.DigitalContentDelivered) > 0 {
		content = string(item.DigitalContentDelivered)
	}

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		query,
		item.ID,
		item.OrderID,
		item.ProductID,
		item.VariantID,
		item.SellerID,
		item.Quantity,
		item.UnitPrice.String(),
		item.TotalPrice.String(),
		item.DeliveryStatus,
		content,
		now,
	)
	if err != nil {
		r.logger.Error("Failed to create order item", "order_id", item.OrderID, "product_id", item.ProductID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to create order item").WithDetails(err.Error())
	}

	item.CreatedAt = now
	return nil
}

func (r *orderRepository) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status, paymentStatus string) error {
	query := `UPDATE orders SET status = $1, payment_status = $2, updated_at = $3 WHERE id = $4`

	result, err := r.db.ExecContext(ctx, query, status, paymentStatus, time.Now().UTC(), id)
	if err != nil {
		r.logger.Error("Failed to update order status", "order_id", id, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to update order status").WithDetails(err.Error())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to get rows affected").WithDetails(err.Error())
	}
	if rowsAffected == 0 {
		return errors.ErrOrderNotFound
	}

	r.logger.Info("Order status updated", "order_id", id, "status", status, "payment_status", paymentStatus)
	return nil
}

func (r *orderRepository) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	query := `
		SELECT id, buyer_id, total_amount, currency, status, payment_status, payment_method, created_at, updated_at
		FROM orders WHERE id = $1
	`

	var order domain.Order
	var totalStr string
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&order.ID,
		&order.BuyerID,
		&totalStr,
		&order.Currency,
		&order.Status,
		&order.PaymentStatus,
		&order.PaymentMethod,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrOrderNotFound
		}
		r.logger.Error("Failed to get order", "order_id", id, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get order").WithDetails(err.Error())
	}

	if order.TotalAmount, err = decimal.NewFromString(totalStr); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to parse order total").WithDetails(err.Error())
	}

	items, err := r.getOrderItems(ctx, id)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return &order, nil
}

func (r *orderRepository) getOrderItems(ctx context.Context, orderID uuid.UUID) ([]domain.OrderItem, error) {
	query := `
		SELECT id, order_id, product_id, variant_id, seller_id, quantity, unit_price, total_price,
		       delivery_status, digital_content_delivered, created_at
		FROM order_items WHERE order_id = $1 ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		r.logger.Error("Failed to get order items", "order_id", orderID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get order items").WithDetails(err.Error())
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		var unitStr, totalStr string
		var content []byte
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.VariantID,
			&item.SellerID,
			&item.Quantity,
			&unitStr,
			&totalStr,
			&item.DeliveryStatus,
			&content,
			&item.CreatedAt,
		); err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to scan order item").WithDetails(err.Error())
		}
		if item.UnitPrice, err = decimal.NewFromString(unitStr); err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to parse unit price").WithDetails(err.Error())
		}
		if item.TotalPrice, err = decimal.NewFromString(totalStr); err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to parse total price").WithDetails(err.Error())
		}
		if len(content) > 0 {
			item.DigitalContentDelivered = append([]byte(nil), content...)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to get order items").WithDetails(err.Error())
	}
	return items, nil
}
