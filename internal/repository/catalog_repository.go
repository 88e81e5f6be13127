package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/errors"
)

type catalogRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewCatalogRepository(db SQLExecutor, logger *slog.Logger) domain.CatalogRepository {
	return &catalogRepository{
		db:     db,
		logger: logger,
	}
}

func (r *catalogRepository) GetProduct(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	query := `
		SELECT id, seller_id, title, price, currency, stock_quantity, digital_content
		FROM products WHERE id = $1
	`

	var p domain.Product
	var priceStr string
	var content []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.SellerID,
		&p.Title,
		&priceStr,
		&p.Currency,
		&p.StockQuantity,
		&content,
	)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			r.logger.Warn("Product not found", "product_id", id)
			return nil, errors.ErrProductNotFound
		}
		r.logger.Error("Failed to get product", "product_id", id, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get product").WithDetails(err.Error())
	}

	if p.Price, err = decimal.NewFromString(priceStr); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to parse price").WithDetails(err.Error())
	}
	if len(content) > 0 {
		p.DigitalContent = append([]byte(nil), content...)
	}
	return &p, nil
}

func (r *catalogRepository) FirstVariant(ctx context.Context, productID uuid.UUID) (*domain.ProductVariant, error) {
	query := `
		SELECT id, product_id, name, price
		FROM product_variants WHERE product_id = $1
		ORDER BY created_at, id
		LIMIT 1
	`

	var v domain.ProductVariant
	var priceStr string
	err := r.db.QueryRowContext(ctx, query, productID).Scan(&v.ID, &v.ProductID, &v.Name, &priceStr)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get product variant", "product_id", productID, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get product variant").WithDetails(err.Error())
	}

	if v.Price, err = decimal.NewFromString(priceStr); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to parse variant price").WithDetails(err.Error())
	}
	return &v, nil
}

func (r *catalogRepository) DecrementStock(ctx context.Context, productID uuid.UUID, qty int) error {
	query := `
		UPDATE products
		SET stock_quantity = stock_quantity - $1, updated_at = NOW()
		WHERE id = $2 AND stock_quantity >= $1
	`

	result, err := r.db.ExecContext(ctx, query, qty, productID)
	if err != nil {
		r.logger.Error("Failed to decrement stock", "product_id", productID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to decrement stock").WithDetails(err.Error())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to get rows affected").WithDetails(err.Error())
	}
	if rowsAffected == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
			return errors.NewAppError(errors.InternalError, "failed to check product").WithDetails(err.Error())
		}
		if !exists {
			return errors.ErrProductNotFound
		}
		return errors.ErrOutOfStock
	}

	r.logger.Info("Stock decremented", "product_id", productID, "quantity", qty)
	return nil
}
