package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

type orderRepository struct{ s *Store }

func (r *orderRepository) CreateOrder(_ context.Context, order *domain.Order) error {
	defer r.s.write()()
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	row := *order
	row.Items = nil
	r.s.st.orders[row.ID] = row
	return nil
}

func (r *orderRepository) CreateOrderItem(_ context.Context, item *domain.OrderItem) error {
	defer r.s.write()()
	if _, ok := r.s.st.orders[item.OrderID]; !ok {
		return errors.ErrOrderNotFound
	}
	item.CreatedAt = time.Now().UTC()
	r.s.st.orderItems[item.OrderID] = append(r.s.st.orderItems[item.OrderID], *item)
	return nil
}

func (r *orderRepository) UpdateOrderStatus(_ context.Context, id uuid.UUID, status, paymentStatus string) error {
	defer r.s.write()()
	row, ok := r.s.st.orders[id]
	if !ok {
		return errors.ErrOrderNotFound
	}
	row.Status = status
	row.PaymentStatus = paymentStatus
	row.UpdatedAt = time.Now().UTC()
	r.s.st.orders[id] = row
	return nil
}

func (r *orderRepository) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	defer r.s.read()()
	row, ok := r.s.st.orders[id]
	if !ok {
		return nil, errors.ErrOrderNotFound
	}
	row.Items = append([]domain.OrderItem(nil), r.s.st.orderItems[id]...)
	return &row, nil
}
