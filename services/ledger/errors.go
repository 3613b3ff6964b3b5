package main

import (
	"errors"
	"fmt"
)

// Erros sentinela da taxonomia do ledger
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrCommitConflict     = errors.New("commit conflict")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Erros do contrato dos stores
	ErrStockWouldGoNegative = errors.New("stock would go negative")
	ErrAlreadyExists        = errors.New("already exists")
	ErrInvalidTx            = errors.New("invalid transaction handle")
)

// ValidationError representa uma requisição malformada
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NotFoundError indica que o recurso não existe ou pertence a outro business
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// InsufficientStockError é a rejeição de negócio de uma venda sem estoque
type InsufficientStockError struct {
	ProductID string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s. Available: %d, Required: %d", e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// StockAdjustError é devolvido pelo AdjustStock quando o delta deixaria o estoque negativo
type StockAdjustError struct {
	ProductID string
	Stock     int
	Delta     int
}

func (e *StockAdjustError) Error() string {
	return fmt.Sprintf("stock would go negative for product %s: stock=%d delta=%d", e.ProductID, e.Stock, e.Delta)
}

func (e *StockAdjustError) Is(target error) bool {
	return target == ErrStockWouldGoNegative
}

// IsRetryable indica falhas transitórias do commit que podem ser repetidas
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCommitConflict) || errors.Is(err, ErrStorageUnavailable)
}

// IsBusinessRejection indica falhas de regra de negócio (nunca repetidas)
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientStock)
}

// rejectionReason classifica o erro para logs e métricas
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrCommitConflict):
		return "commit_conflict"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "internal"
	}
}
