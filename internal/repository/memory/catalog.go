package memory

import (
	"context"

	"github.com/google/uuid"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

type catalogRepository struct{ s *Store }

func (r *catalogRepository) GetProduct(_ context.Context, id uuid.UUID) (*domain.Product, error) {
	defer r.s.read()()
	p, ok := r.s.st.products[id]
	if !ok {
		return nil, errors.ErrProductNotFound
	}
	return &p, nil
}

func (r *catalogRepository) FirstVariant(_ context.Context, productID uuid.UUID) (*domain.ProductVariant, error) {
	defer r.s.read()()
	variants := r.s.st.variants[productID]
	if len(variants) == 0 {
		return nil, nil
	}
	v := variants[0]
	return &v, nil
}

func (r *catalogRepository) DecrementStock(_ context.Context, productID uuid.UUID, qty int) error {
	defer r.s.write()()
	p, ok := r.s.st.products[productID]
	if !ok {
		return errors.ErrProductNotFound
	}
	if p.StockQuantity < qty {
		return errors.ErrOutOfStock
	}
	p.StockQuantity -= qty
	r.s.st.products[productID] = p
	return nil
}
