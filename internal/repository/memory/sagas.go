package memory

import (
	"context"
	"fmt"
	"time"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

type sagaRepository struct{ s *Store }

func (r *sagaRepository) CreateSaga(_ context.Context, saga *domain.PurchaseSagaRecord) error {
	defer r.s.write()()
	if _, exists := r.s.st.sagas[saga.AttemptID]; exists {
		return errors.ErrDuplicateAttempt
	}
	now := time.Now().UTC()
	saga.CreatedAt = now
	saga.UpdatedAt = now
	saga.StockPending = false
	r.s.st.sagas[saga.AttemptID] = *saga
	return nil
}

func (r *sagaRepository) GetSaga(_ context.Context, attemptID string) (*domain.PurchaseSagaRecord, error) {
	defer r.s.read()()
	saga, ok := r.s.st.sagas[attemptID]
	if !ok {
		return nil, errors.ErrSagaNotFound
	}
	return &saga, nil
}

func (r *sagaRepository) UpdateSaga(_ context.Context, saga *domain.PurchaseSagaRecord, from domain.SagaState) error {
	defer r.s.write()()
	existing, ok := r.s.st.sagas[saga.AttemptID]
	if !ok {
		return errors.ErrSagaNotFound
	}
	if existing.State != from {
		return errors.ErrSagaConflict.WithDetails(fmt.Sprintf("expected %s, found %s", from, existing.State))
	}

	stored := *saga
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	stored.StockPending = existing.StockPending
	r.s.st.sagas[saga.AttemptID] = stored

	saga.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *sagaRepository) SetStockPending(_ context.Context, attemptID string, pending bool) (bool, error) {
	defer r.s.write()()
	existing, ok := r.s.st.sagas[attemptID]
	if !ok || existing.StockPending == pending {
		return false, nil
	}
	existing.StockPending = pending
	existing.UpdatedAt = time.Now().UTC()
	r.s.st.sagas[attemptID] = existing
	return true, nil
}
