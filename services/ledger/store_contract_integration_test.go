//go:build integration

package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"
)

// contractOptions ajusta as expectativas ao controle de concorrência do store
type contractOptions struct {
	// lockBased indica lock de linha (FOR UPDATE): disputas esperam em vez de abortar
	lockBased bool
}

// newContractUseCase usa um retry mais generoso que o dos testes unitários,
// já que o mongo aborta com WriteConflict em vez de esperar o lock
func newContractUseCase(t *testing.T, repository Repository) *TransactionUseCase {
	t.Helper()

	metrics, err := NewLedgerMetrics(metricnoop.NewMeterProvider().Meter("integration"))
	require.NoError(t, err)

	return NewTransactionUseCase(
		repository,
		tracenoop.NewTracerProvider().Tracer("integration"),
		metrics,
		zaptest.NewLogger(t),
		RetryPolicy{
			MaxAttempts:    25,
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
			CommitTimeout:  10 * time.Second,
		},
	)
}

// uniqueID evita colisão entre subtestes que dividem o mesmo container
func uniqueID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// runStoreContract exercita as garantias de atomicidade e concorrência do
// Repository contra um datastore real
func runStoreContract(t *testing.T, repo Repository, opts contractOptions) {
	t.Run("concurrent sales over the stock commit exactly one", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		uc := newContractUseCase(t, repo)
		businessID := uniqueID("biz")
		productID := uniqueID("p")
		customerID := uniqueID("customer")
		seedProduct(t, repo, businessID, productID, "2.50", 10)
		seedContact(t, repo, businessID, customerID, ContactTypeCustomer)

		req := sale(customerID, item(productID, 6, "2.50"))
		req.BusinessID = businessID

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			errs  = make([]error, 2)
		)

		// Act
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[i] = uc.SubmitTransaction(ctx, req)
			}()
		}
		close(start)
		wg.Wait()

		// Assert
		committed, rejected := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				committed++
			case errors.Is(err, ErrInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, committed)
		assert.Equal(t, 1, rejected)
		assert.Equal(t, 4, stockOf(t, repo, businessID, productID))

		transactions, total, err := repo.ListTransactions(ctx, businessID, TransactionFilter{}, Pagination{})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, transactions, 1)
		assert.True(t, transactions[0].TotalAmount.Equal(decimal.NewFromInt(15)), "got %s", transactions[0].TotalAmount)
	})

	t.Run("failure inside the unit leaves nothing behind", func(t *testing.T) {
		// Arrange
		ctx := context.Background()
		first := uniqueID("p-a")
		second := uniqueID("p-b")
		customerID := uniqueID("customer")
		seedProduct(t, repo, testBusiness, first, "1", 10)
		seedProduct(t, repo, testBusiness, second, "1", 1)
		seedContact(t, repo, testBusiness, customerID, ContactTypeCustomer)

		transaction := NewTransaction(uuid.NewString(), testBusiness, TransactionTypeSale, customerID,
			[]LineItem{item(first, 3, "1"), item(second, 2, "1")}, time.Now())

		tx, err := repo.BeginTx(ctx)
		require.NoError(t, err)
		require.NoError(t, repo.InsertTransaction(ctx, tx, transaction))

		stock, err := repo.AdjustStock(ctx, tx, testBusiness, first, -3)
		require.NoError(t, err)
		assert.Equal(t, 7, stock)

		// Act
		_, err = repo.AdjustStock(ctx, tx, testBusiness, second, -2)
		require.ErrorIs(t, err, ErrStockWouldGoNegative)
		require.NoError(t, tx.Rollback(ctx))

		// Assert
		assert.Equal(t, 10, stockOf(t, repo, testBusiness, first))
		assert.Equal(t, 1, stockOf(t, repo, testBusiness, second))
		_, err = repo.GetTransaction(ctx, testBusiness, transaction.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("stock ceiling is invalid input, not a driver error", func(t *testing.T) {
		ctx := context.Background()
		productID := uniqueID("p")
		seedProduct(t, repo, testBusiness, productID, "1", MaxQuantity-1)

		tx, err := repo.BeginTx(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)

		_, err = repo.AdjustStock(ctx, tx, testBusiness, productID, 2)

		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.False(t, IsRetryable(err))
		assert.Equal(t, MaxQuantity-1, stockOf(t, repo, testBusiness, productID))
	})

	t.Run("opposite item order across products neither deadlocks nor loses updates", func(t *testing.T) {
		// Arrange
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		uc := newContractUseCase(t, repo)
		first := uniqueID("p-a")
		second := uniqueID("p-b")
		customerID := uniqueID("customer")
		seedProduct(t, repo, testBusiness, first, "1", 100)
		seedProduct(t, repo, testBusiness, second, "1", 100)
		seedContact(t, repo, testBusiness, customerID, ContactTypeCustomer)

		const workers = 8
		var (
			wg        sync.WaitGroup
			start     = make(chan struct{})
			committed atomic.Int64
			conflicts atomic.Int64
		)

		// Act
		for i := 0; i < workers; i++ {
			items := []LineItem{item(first, 1, "1"), item(second, 1, "1")}
			if i%2 == 1 {
				items[0], items[1] = items[1], items[0]
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := uc.SubmitTransaction(ctx, sale(customerID, items...))
				switch {
				case err == nil:
					committed.Add(1)
				case errors.Is(err, ErrCommitConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		// Assert
		require.NoError(t, ctx.Err(), "submissions must finish without deadlocking")
		done := int(committed.Load())
		assert.Equal(t, 100-done, stockOf(t, repo, testBusiness, first))
		assert.Equal(t, 100-done, stockOf(t, repo, testBusiness, second))
		if opts.lockBased {
			assert.Equal(t, workers, done)
			assert.Zero(t, conflicts.Load())
		} else {
			assert.Positive(t, done)
		}
	})

	t.Run("catalog edits keep stock and exact prices", func(t *testing.T) {
		ctx := context.Background()
		catalog := NewCatalogUseCase(repo, zaptest.NewLogger(t))
		productID := uniqueID("p")
		seedProduct(t, repo, testBusiness, productID, "10", 6)

		price := decimal.RequireFromString("12.3456")
		updated, err := catalog.UpdateProduct(ctx, testBusiness, productID, ProductUpdate{Price: &price})

		require.NoError(t, err)
		assert.True(t, updated.Price.Equal(price), "got %s", updated.Price)
		assert.Equal(t, 6, updated.Stock)

		_, err = catalog.UpdateProduct(ctx, otherTestBusiness, productID, ProductUpdate{Price: &price})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("directory lists by type and search", func(t *testing.T) {
		ctx := context.Background()
		businessID := uniqueID("biz")
		seedContact(t, repo, businessID, uniqueID("customer"), ContactTypeCustomer)
		vendor := NewContact(uniqueID("vendor"), businessID, "Distribuidora 100% Sul", "+55 51 3000-0000", "", "", ContactTypeVendor)
		require.NoError(t, repo.CreateContact(ctx, vendor))

		vendors, total, err := repo.ListContacts(ctx, businessID, ContactFilter{Type: ContactTypeVendor}, Pagination{})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, vendors, 1)
		assert.Equal(t, vendor.ID, vendors[0].ID)

		found, total, err := repo.ListContacts(ctx, businessID, ContactFilter{Search: "100% sul"}, Pagination{})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, vendor.ID, found[0].ID)

		_, total, err = repo.ListContacts(ctx, businessID, ContactFilter{Search: "100_"}, Pagination{})
		require.NoError(t, err)
		assert.Zero(t, total, "search is literal")

		phone := "+55 51 3111-1111"
		updated, err := repo.UpdateContact(ctx, businessID, vendor.ID, ContactUpdate{Phone: &phone})
		require.NoError(t, err)
		assert.Equal(t, phone, updated.Phone)
		assert.Equal(t, ContactTypeVendor, updated.Type)
	})
}
