package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_AdjustStockVisibleOnlyAfterCommit(t *testing.T) {
	// Arrange
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedProduct(t, repo, testBusiness, "p-1", "10", 10)

	tx, err := repo.BeginTx(ctx)
	require.NoError(t, err)

	// Act
	stock, err := repo.AdjustStock(ctx, tx, testBusiness, "p-1", -3)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, 7, stock)
	assert.Equal(t, 10, stockOf(t, repo, testBusiness, "p-1"), "staged delta must not be visible")

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 7, stockOf(t, repo, testBusiness, "p-1"))
}

func TestMemoryRepository_AdjustStockAccumulatesWithinTx(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedProduct(t, repo, testBusiness, "p-1", "10", 5)

	tx, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = repo.AdjustStock(ctx, tx, testBusiness, "p-1", -3)
	require.NoError(t, err)

	_, err = repo.AdjustStock(ctx, tx, testBusiness, "p-1", -3)

	var adjustErr *StockAdjustError
	require.ErrorAs(t, err, &adjustErr)
	assert.Equal(t, 2, adjustErr.Stock)
	assert.Equal(t, -3, adjustErr.Delta)
	assert.ErrorIs(t, err, ErrStockWouldGoNegative)
}

func TestMemoryRepository_RollbackDiscardsAndReleasesLock(t *testing.T) {
	// Arrange
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedProduct(t, repo, testBusiness, "p-1", "10", 10)

	first, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	_, err = repo.AdjustStock(ctx, first, testBusiness, "p-1", -10)
	require.NoError(t, err)
	require.NoError(t, repo.InsertTransaction(ctx, first, NewTransaction("tx-1", testBusiness, TransactionTypeSale, "c-1", []LineItem{item("p-1", 10, "1")}, time.Now())))

	// Act
	require.NoError(t, first.Rollback(ctx))
	require.NoError(t, first.Rollback(ctx), "rollback must be idempotent")

	// Assert
	assert.Equal(t, 10, stockOf(t, repo, testBusiness, "p-1"))
	_, err = repo.GetTransaction(ctx, testBusiness, "tx-1")
	assert.ErrorIs(t, err, ErrNotFound)

	second, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	lockCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = repo.AdjustStock(lockCtx, second, testBusiness, "p-1", -1)
	assert.NoError(t, err, "lock must be free after rollback")
	require.NoError(t, second.Commit(ctx))
}

func TestMemoryRepository_LockWaitRespectsContext(t *testing.T) {
	// Arrange
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedProduct(t, repo, testBusiness, "p-1", "10", 10)

	holder, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	defer holder.Rollback(ctx)
	_, err = repo.AdjustStock(ctx, holder, testBusiness, "p-1", -1)
	require.NoError(t, err)

	waiter, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	defer waiter.Rollback(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	// Act
	_, err = repo.AdjustStock(waitCtx, waiter, testBusiness, "p-1", -1)

	// Assert
	assert.ErrorIs(t, err, ErrCommitConflict)
	assert.True(t, IsRetryable(err))
}

func TestMemoryRepository_TxCannotBeReused(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedProduct(t, repo, testBusiness, "p-1", "10", 10)

	tx, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	_, err = repo.AdjustStock(ctx, tx, testBusiness, "p-1", 1)
	assert.ErrorIs(t, err, ErrInvalidTx)
	assert.ErrorIs(t, tx.Commit(ctx), ErrInvalidTx)
}

func TestMemoryRepository_BusinessScoping(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedProduct(t, repo, testBusiness, "p-1", "10", 10)
	seedContact(t, repo, testBusiness, "c-1", ContactTypeCustomer)

	_, err := repo.GetProduct(ctx, otherTestBusiness, "p-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.GetContact(ctx, otherTestBusiness, "c-1", ContactTypeCustomer)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.GetContact(ctx, testBusiness, "c-1", ContactTypeVendor)
	assert.ErrorIs(t, err, ErrNotFound)

	tx, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	_, err = repo.AdjustStock(ctx, tx, otherTestBusiness, "p-1", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_ReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedProduct(t, repo, testBusiness, "p-1", "10", 10)

	product, err := repo.GetProduct(ctx, testBusiness, "p-1")
	require.NoError(t, err)
	product.Stock = 999

	assert.Equal(t, 10, stockOf(t, repo, testBusiness, "p-1"))
}

func TestMemoryRepository_DuplicateTransaction(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	transaction := NewTransaction("tx-1", testBusiness, TransactionTypePurchase, "v-1", []LineItem{item("p-1", 1, "1")}, time.Now())

	tx, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.InsertTransaction(ctx, tx, transaction))
	require.NoError(t, tx.Commit(ctx))

	again, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	defer again.Rollback(ctx)

	assert.ErrorIs(t, repo.InsertTransaction(ctx, again, transaction), ErrAlreadyExists)

	product := seedProduct(t, repo, testBusiness, "p-1", "1", 1)
	assert.ErrorIs(t, repo.CreateProduct(ctx, product), ErrAlreadyExists)
}

func TestMemoryRepository_ListTransactions(t *testing.T) {
	// Arrange
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 25; i++ {
		txType := TransactionTypeSale
		if i%5 == 0 {
			txType = TransactionTypePurchase
		}
		transaction := NewTransaction(fmt.Sprintf("tx-%02d", i), testBusiness, txType, "c-1",
			[]LineItem{item("p-1", 1, "1")}, base.Add(time.Duration(i)*time.Hour))

		tx, err := repo.BeginTx(ctx)
		require.NoError(t, err)
		require.NoError(t, repo.InsertTransaction(ctx, tx, transaction))
		require.NoError(t, tx.Commit(ctx))
	}

	other := NewTransaction("tx-other", otherTestBusiness, TransactionTypeSale, "c-9", []LineItem{item("p-9", 1, "1")}, base)
	tx, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.InsertTransaction(ctx, tx, other))
	require.NoError(t, tx.Commit(ctx))

	t.Run("newest first with default page", func(t *testing.T) {
		items, total, err := repo.ListTransactions(ctx, testBusiness, TransactionFilter{}, Pagination{})
		require.NoError(t, err)
		assert.Equal(t, 25, total)
		require.Len(t, items, DefaultPageLimit)
		assert.Equal(t, "tx-24", items[0].ID)
		assert.Equal(t, "tx-15", items[9].ID)
	})

	t.Run("last page", func(t *testing.T) {
		items, total, err := repo.ListTransactions(ctx, testBusiness, TransactionFilter{}, Pagination{Page: 3, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 25, total)
		require.Len(t, items, 5)
		assert.Equal(t, "tx-00", items[4].ID)
	})

	t.Run("page beyond the end", func(t *testing.T) {
		items, total, err := repo.ListTransactions(ctx, testBusiness, TransactionFilter{}, Pagination{Page: 9, Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 25, total)
		assert.Empty(t, items)
	})

	t.Run("type and inclusive date range", func(t *testing.T) {
		from := base.Add(5 * time.Hour)
		to := base.Add(15 * time.Hour)
		items, total, err := repo.ListTransactions(ctx, testBusiness,
			TransactionFilter{Type: TransactionTypePurchase, From: &from, To: &to}, Pagination{Limit: 100})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, items, 3)
		assert.Equal(t, []string{"tx-15", "tx-10", "tx-05"}, []string{items[0].ID, items[1].ID, items[2].ID})
	})
}

func TestMemoryRepository_CommitValidatesEveryDeltaBeforeApplying(t *testing.T) {
	ctx := context.Background()

	// a ordem do map de deltas varia entre execuções
	for i := 0; i < 20; i++ {
		// Arrange
		repo := NewMemoryRepository()
		seedProduct(t, repo, testBusiness, "p-a", "1", 5)
		seedProduct(t, repo, testBusiness, "p-b", "1", 5)

		tx, err := repo.BeginTx(ctx)
		require.NoError(t, err)
		_, err = repo.AdjustStock(ctx, tx, testBusiness, "p-a", -1)
		require.NoError(t, err)
		_, err = repo.AdjustStock(ctx, tx, testBusiness, "p-b", -5)
		require.NoError(t, err)

		// estoque commitado muda por fora depois do AdjustStock
		repo.mu.Lock()
		repo.products["p-b"].Stock = 2
		repo.mu.Unlock()

		// Act
		err = tx.Commit(ctx)

		// Assert
		require.ErrorIs(t, err, ErrStockWouldGoNegative)
		assert.Equal(t, 5, stockOf(t, repo, testBusiness, "p-a"), "no delta may be applied when one fails")
		assert.Equal(t, 2, stockOf(t, repo, testBusiness, "p-b"))
	}
}

func TestMemoryRepository_LocksOnlyExistingProducts(t *testing.T) {
	// Arrange
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedProduct(t, repo, otherTestBusiness, "p-foreign", "1", 5)

	tx, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	// Act
	for i := 0; i < 100; i++ {
		_, err := repo.AdjustStock(ctx, tx, testBusiness, fmt.Sprintf("ghost-%d", i), -1)
		require.ErrorIs(t, err, ErrNotFound)
	}
	_, err = repo.AdjustStock(ctx, tx, testBusiness, "p-foreign", -1)

	// Assert
	assert.ErrorIs(t, err, ErrNotFound)
	repo.locksMu.Lock()
	defer repo.locksMu.Unlock()
	assert.Empty(t, repo.locks)
}

func TestMemoryRepository_AdjustStockCeiling(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedProduct(t, repo, testBusiness, "p-1", "1", 10)

	tx, err := repo.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	stock, err := repo.AdjustStock(ctx, tx, testBusiness, "p-1", MaxQuantity-10)
	require.NoError(t, err)
	assert.Equal(t, MaxQuantity, stock)

	_, err = repo.AdjustStock(ctx, tx, testBusiness, "p-1", 1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryRepository_UpdateProductKeepsStock(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedProduct(t, repo, testBusiness, "p-1", "10", 3)

	name := "Lápis"
	updated, err := repo.UpdateProduct(ctx, testBusiness, "p-1", ProductUpdate{Name: &name})
	require.NoError(t, err)

	assert.Equal(t, name, updated.Name)
	assert.Equal(t, 3, updated.Stock)

	// cópia devolvida não aponta para o estado interno
	updated.Stock = 99
	assert.Equal(t, 3, stockOf(t, repo, testBusiness, "p-1"))

	_, err = repo.UpdateProduct(ctx, otherTestBusiness, "p-1", ProductUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_ListProductsAndContacts(t *testing.T) {
	// Arrange
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		product := NewProduct(fmt.Sprintf("p-%d", i), testBusiness, "P", "c", decimal.RequireFromString("1"), i)
		product.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, repo.CreateProduct(ctx, product))
	}
	seedProduct(t, repo, otherTestBusiness, "p-foreign", "1", 1)

	customer := NewContact("c-1", testBusiness, "Ana", "1", "ana@loja.com", "", ContactTypeCustomer)
	customer.CreatedAt = base
	require.NoError(t, repo.CreateContact(ctx, customer))
	vendor := NewContact("v-1", testBusiness, "Distribuidora Ana", "2", "", "", ContactTypeVendor)
	vendor.CreatedAt = base.Add(time.Hour)
	require.NoError(t, repo.CreateContact(ctx, vendor))
	seedContact(t, repo, otherTestBusiness, "c-foreign", ContactTypeCustomer)

	// Act
	products, total, err := repo.ListProducts(ctx, testBusiness, Pagination{Page: 1, Limit: 2})
	require.NoError(t, err)

	// Assert
	assert.Equal(t, 3, total)
	require.Len(t, products, 2)
	assert.Equal(t, "p-2", products[0].ID)
	assert.Equal(t, "p-1", products[1].ID)

	contacts, total, err := repo.ListContacts(ctx, testBusiness, ContactFilter{Search: "ana"}, Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "v-1", contacts[0].ID)

	vendors, total, err := repo.ListContacts(ctx, testBusiness, ContactFilter{Type: ContactTypeVendor}, Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "v-1", vendors[0].ID)

	email := "compras@distribuidora.com"
	updated, err := repo.UpdateContact(ctx, testBusiness, "v-1", ContactUpdate{Email: &email})
	require.NoError(t, err)
	assert.Equal(t, email, updated.Email)
	assert.Equal(t, ContactTypeVendor, updated.Type)
}
