package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ValidationError        ErrorCode = "validation_error"
	InvalidAmount          ErrorCode = "invalid_amount"
	NotFound               ErrorCode = "not_found"
	WalletNotFound         ErrorCode = "wallet_not_found"
	TransactionNotFound    ErrorCode = "transaction_not_found"
	OrderNotFound          ErrorCode = "order_not_found"
	OutOfStock             ErrorCode = "out_of_stock"
	InsufficientFunds      ErrorCode = "insufficient_funds"
	ConfigurationError     ErrorCode = "configuration_error"
	TransactionFailed      ErrorCode = "transaction_failed"
	GatewayError           ErrorCode = "gateway_error"
	SignatureInvalid       ErrorCode = "signature_invalid"
	ReconciliationRequired ErrorCode = "reconciliation_required"
	ReconciliationNotDue   ErrorCode = "reconciliation_not_due"
	PurchaseInProgress     ErrorCode = "purchase_in_progress"
	DuplicateTransaction   ErrorCode = "duplicate_transaction"
	DuplicateAttempt       ErrorCode = "duplicate_attempt"
	BalanceConflict        ErrorCode = "balance_conflict"
	PayoutNotPending       ErrorCode = "payout_not_pending"
	InternalError          ErrorCode = "internal_error"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code and message so predefined errors still compare equal
// after WithDetails has produced a copy.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy so the shared predefined errors are never mutated.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ValidationError, InvalidAmount, SignatureInvalid:
		return http.StatusBadRequest
	case NotFound, WalletNotFound, TransactionNotFound, OrderNotFound:
		return http.StatusNotFound
	case OutOfStock, InsufficientFunds:
		return http.StatusUnprocessableEntity
	case ReconciliationRequired, ReconciliationNotDue, PurchaseInProgress,
		DuplicateTransaction, DuplicateAttempt, BalanceConflict, PayoutNotPending:
		return http.StatusConflict
	case GatewayError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Predefined errors for common cases
var (
	ErrInvalidInput            = NewAppError(ValidationError, "invalid input")
	ErrInvalidAmount           = NewAppError(InvalidAmount, "amount must be positive")
	ErrProductNotFound         = NewAppError(NotFound, "product not found")
	ErrWalletNotFound          = NewAppError(WalletNotFound, "wallet not found")
	ErrTransactionNotFound     = NewAppError(TransactionNotFound, "transaction not found")
	ErrOrderNotFound           = NewAppError(OrderNotFound, "order not found")
	ErrSagaNotFound            = NewAppError(NotFound, "purchase attempt not found")
	ErrOutOfStock              = NewAppError(OutOfStock, "product is out of stock")
	ErrInsufficientFunds       = NewAppError(InsufficientFunds, "insufficient funds")
	ErrNoVariant               = NewAppError(ConfigurationError, "product configuration error: no variant found")
	ErrTransactionFailed       = NewAppError(TransactionFailed, "transaction failed")
	ErrGateway                 = NewAppError(GatewayError, "payment gateway error")
	ErrSignatureInvalid        = NewAppError(SignatureInvalid, "gateway event signature invalid")
	ErrReconciliationRequired  = NewAppError(ReconciliationRequired, "transaction requires reconciliation")
	ErrReconciliationNotDue    = NewAppError(ReconciliationNotDue, "transaction is still inside the reconciliation window")
	ErrPurchaseInProgress      = NewAppError(PurchaseInProgress, "purchase attempt is still in progress")
	ErrSagaConflict            = NewAppError(PurchaseInProgress, "purchase attempt was advanced concurrently")
	ErrDuplicateTransaction    = NewAppError(DuplicateTransaction, "transaction already recorded")
	ErrDuplicateAttempt        = NewAppError(DuplicateAttempt, "purchase attempt already exists")
	ErrBalanceConflict         = NewAppError(BalanceConflict, "wallet was modified concurrently")
	ErrCannotBeginTransaction  = NewAppError(InternalError, "store cannot begin a transaction")
	ErrCompensationFailed      = NewAppError(TransactionFailed, "transaction failed, refund pending")
	ErrPayoutNotPending        = NewAppError(PayoutNotPending, "payout is no longer pending")
	ErrInvalidStatusTransition = NewAppError(InternalError, "invalid transaction status transition")
)

// CodeOf extracts the code of an AppError, or InternalError for anything else.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return InternalError
}

// AsAppError unwraps err into an AppError, wrapping unknown errors as internal.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return NewAppError(InternalError, "an unexpected error occurred").WithDetails(err.Error())
}
