package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestBuildMongoTransactionFilter(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	t.Run("business only", func(t *testing.T) {
		assert.Equal(t, bson.D{{Key: "business_id", Value: testBusiness}}, buildMongoTransactionFilter(testBusiness, TransactionFilter{}))
	})

	t.Run("type and range", func(t *testing.T) {
		filter := buildMongoTransactionFilter(testBusiness, TransactionFilter{Type: TransactionTypePurchase, From: &from, To: &to})

		assert.Equal(t, bson.D{
			{Key: "business_id", Value: testBusiness},
			{Key: "type", Value: "purchase"},
			{Key: "occurred_at", Value: bson.D{
				{Key: "$gte", Value: from},
				{Key: "$lte", Value: to},
			}},
		}, filter)
	})

	t.Run("open ended range", func(t *testing.T) {
		filter := buildMongoTransactionFilter(testBusiness, TransactionFilter{From: &from})

		assert.Equal(t, bson.D{
			{Key: "business_id", Value: testBusiness},
			{Key: "occurred_at", Value: bson.D{{Key: "$gte", Value: from}}},
		}, filter)
	})
}

func TestBuildStockAdjustFilter(t *testing.T) {
	tests := []struct {
		name  string
		delta int
		stock any
	}{
		{name: "sale needs enough stock", delta: -3, stock: bson.M{"$gte": 3}},
		{name: "purchase stays under the column limit", delta: 5, stock: bson.M{"$lte": MaxQuantity - 5}},
		{name: "zero delta has no guard", delta: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter := buildStockAdjustFilter(testBusiness, "p-1", tt.delta)

			assert.Equal(t, "p-1", filter["_id"])
			assert.Equal(t, testBusiness, filter["business_id"])
			assert.Equal(t, tt.stock, filter["stock"])
		})
	}
}

func TestBuildProductUpdate(t *testing.T) {
	name := "Caderno A5"
	price := decimal.RequireFromString("12.5")

	update, err := buildProductUpdate(ProductUpdate{Name: &name, Price: &price})
	require.NoError(t, err)

	set := update["$set"].(bson.M)
	assert.Equal(t, name, set["name"])
	assert.Equal(t, "12.5", set["price"].(primitive.Decimal128).String())
	assert.NotContains(t, set, "category")
	assert.NotContains(t, set, "stock")
	assert.Contains(t, set, "updated_at")
}

func TestBuildMongoContactFilter(t *testing.T) {
	t.Run("type only", func(t *testing.T) {
		assert.Equal(t, bson.D{
			{Key: "business_id", Value: testBusiness},
			{Key: "type", Value: "customer"},
		}, buildMongoContactFilter(testBusiness, ContactFilter{Type: ContactTypeCustomer}))
	})

	t.Run("search is quoted and case insensitive", func(t *testing.T) {
		filter := buildMongoContactFilter(testBusiness, ContactFilter{Search: "a.b"})

		pattern := primitive.Regex{Pattern: `a\.b`, Options: "i"}
		assert.Equal(t, bson.D{
			{Key: "business_id", Value: testBusiness},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "name", Value: pattern}},
				bson.D{{Key: "email", Value: pattern}},
				bson.D{{Key: "phone", Value: pattern}},
			}},
		}, filter)
	})
}

func TestTransactionDocument_PreservesExactAmounts(t *testing.T) {
	// Arrange
	occurredAt := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	transaction := NewTransaction("tx-1", testBusiness, TransactionTypeSale, "c-1", []LineItem{
		item("p-1", 3, "0.10"),
		item("p-2", 1, "1234567.8901"),
	}, occurredAt)

	// Act
	doc, err := newTransactionDocument(transaction)
	require.NoError(t, err)

	back, err := doc.toTransaction()
	require.NoError(t, err)

	// Assert
	assert.Equal(t, "1234568.1901", back.TotalAmount.String())
	assert.True(t, back.LineItems[0].UnitPrice.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, transaction.ID, back.ID)
	assert.Equal(t, transaction.Type, back.Type)
	assert.Equal(t, occurredAt, back.OccurredAt)
	assert.Len(t, back.LineItems, 2)
}

func TestProductDocument_RoundTrip(t *testing.T) {
	product := NewProduct("p-1", testBusiness, "Caderno", "papelaria", decimal.RequireFromString("19.90"), 7)

	doc, err := newProductDocument(product)
	require.NoError(t, err)

	back, err := doc.toProduct()
	require.NoError(t, err)

	assert.True(t, back.Price.Equal(product.Price))
	assert.Equal(t, 7, back.Stock)
	assert.Equal(t, testBusiness, back.BusinessID)
}

func TestClassifyMongoError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{
			name:     "duplicate key",
			err:      mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}},
			expected: ErrAlreadyExists,
		},
		{
			name:     "transient transaction",
			err:      mongo.CommandError{Code: 251, Labels: []string{"TransientTransactionError"}},
			expected: ErrCommitConflict,
		},
		{
			name:     "write conflict",
			err:      mongo.CommandError{Code: mongoWriteConflictCode, Name: "WriteConflict"},
			expected: ErrCommitConflict,
		},
		{
			name:     "unknown commit result",
			err:      mongo.CommandError{Code: 50, Labels: []string{"UnknownTransactionCommitResult"}},
			expected: ErrStorageUnavailable,
		},
		{
			name:     "deadline",
			err:      context.DeadlineExceeded,
			expected: ErrCommitConflict,
		},
		{
			name:     "canceled",
			err:      context.Canceled,
			expected: ErrStorageUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyMongoError(tt.err), tt.expected)
		})
	}

	t.Run("other errors pass through", func(t *testing.T) {
		err := errors.New("boom")
		assert.Same(t, err, classifyMongoError(err))
	})
}

func TestMongoSessionContext_RejectsForeignTx(t *testing.T) {
	repo := &MongoRepository{}

	_, err := repo.sessionContext(context.Background(), &MemoryTx{})

	assert.ErrorIs(t, err, ErrInvalidTx)
}
