package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		sentinel  error
		retryable bool
		business  bool
		reason    string
	}{
		{
			name:     "validation",
			err:      &ValidationError{Field: "type", Message: "is required"},
			sentinel: ErrInvalidInput,
			business: true,
			reason:   "invalid_input",
		},
		{
			name:     "not found",
			err:      &NotFoundError{Resource: "product", ID: "p-1"},
			sentinel: ErrNotFound,
			business: true,
			reason:   "not_found",
		},
		{
			name:     "insufficient stock",
			err:      &InsufficientStockError{ProductID: "p-1", Available: 0, Requested: 1},
			sentinel: ErrInsufficientStock,
			business: true,
			reason:   "insufficient_stock",
		},
		{
			name:      "wrapped conflict",
			err:       fmt.Errorf("commit: %w", ErrCommitConflict),
			sentinel:  ErrCommitConflict,
			retryable: true,
			reason:    "commit_conflict",
		},
		{
			name:      "unavailable",
			err:       fmt.Errorf("begin: %w", ErrStorageUnavailable),
			sentinel:  ErrStorageUnavailable,
			retryable: true,
			reason:    "storage_unavailable",
		},
		{
			name:     "stock adjust",
			err:      &StockAdjustError{ProductID: "p-1", Stock: 1, Delta: -2},
			sentinel: ErrStockWouldGoNegative,
			reason:   "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.business, IsBusinessRejection(tt.err))
			assert.Equal(t, tt.reason, rejectionReason(tt.err))
		})
	}
}

func TestInsufficientStockError_Message(t *testing.T) {
	err := &InsufficientStockError{ProductID: "p-1", Available: 4, Requested: 6}

	assert.Equal(t, "insufficient stock for product p-1. Available: 4, Required: 6", err.Error())

	var target *InsufficientStockError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &target))
	assert.Equal(t, 4, target.Available)
}

func TestNotFoundError_Message(t *testing.T) {
	assert.Equal(t, "product not found: p-9", (&NotFoundError{Resource: "product", ID: "p-9"}).Error())
}
