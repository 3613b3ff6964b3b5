package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"
)

const (
	testBusiness      = "biz-1"
	otherTestBusiness = "biz-2"
)

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		CommitTimeout:  2 * time.Second,
	}
}

func newTestUseCase(t *testing.T, repository Repository) *TransactionUseCase {
	t.Helper()

	metrics, err := NewLedgerMetrics(metricnoop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	return NewTransactionUseCase(
		repository,
		tracenoop.NewTracerProvider().Tracer("test"),
		metrics,
		zaptest.NewLogger(t),
		testRetryPolicy(),
	)
}

func seedProduct(t *testing.T, repo Repository, businessID, id string, price string, stock int) *Product {
	t.Helper()
	product := NewProduct(id, businessID, "Product "+id, "general", decimal.RequireFromString(price), stock)
	require.NoError(t, repo.CreateProduct(context.Background(), product))
	return product
}

func seedContact(t *testing.T, repo Repository, businessID, id string, contactType ContactType) *Contact {
	t.Helper()
	contact := NewContact(id, businessID, "Contact "+id, "+55 11 99999-0000", id+"@example.com", "", contactType)
	require.NoError(t, repo.CreateContact(context.Background(), contact))
	return contact
}

func stockOf(t *testing.T, repo Repository, businessID, productID string) int {
	t.Helper()
	product, err := repo.GetProduct(context.Background(), businessID, productID)
	require.NoError(t, err)
	return product.Stock
}

func item(productID string, quantity int, unitPrice string) LineItem {
	return LineItem{ProductID: productID, Quantity: quantity, UnitPrice: decimal.RequireFromString(unitPrice)}
}

// commitOutcome programa o resultado do Commit de uma tentativa
type commitOutcome struct {
	err         error
	afterCommit bool
}

// scriptedTx envolve a tx em memória e devolve o resultado programado no Commit
type scriptedTx struct {
	Tx
	outcome *commitOutcome
}

func (t *scriptedTx) Commit(ctx context.Context) error {
	if t.outcome == nil {
		return t.Tx.Commit(ctx)
	}
	if t.outcome.afterCommit {
		if err := t.Tx.Commit(ctx); err != nil {
			return err
		}
		return t.outcome.err
	}
	_ = t.Tx.Rollback(ctx)
	return t.outcome.err
}

// scriptedRepository é o repositório em memória com falhas programadas por tentativa
type scriptedRepository struct {
	*MemoryRepository

	mu         sync.Mutex
	script     []commitOutcome
	begins     int
	adjustErrs map[string]error
	staleStock map[string]int
}

func newScriptedRepository() *scriptedRepository {
	return &scriptedRepository{
		MemoryRepository: NewMemoryRepository(),
		adjustErrs:       map[string]error{},
		staleStock:       map[string]int{},
	}
}

func (r *scriptedRepository) beginCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.begins
}

func (r *scriptedRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.MemoryRepository.BeginTx(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.begins++

	var outcome *commitOutcome
	if len(r.script) > 0 {
		next := r.script[0]
		r.script = r.script[1:]
		outcome = &next
	}
	return &scriptedTx{Tx: tx, outcome: outcome}, nil
}

func innerTx(tx Tx) Tx {
	if scripted, ok := tx.(*scriptedTx); ok {
		return scripted.Tx
	}
	return tx
}

// GetProduct devolve um estoque desatualizado quando programado
func (r *scriptedRepository) GetProduct(ctx context.Context, businessID, productID string) (*Product, error) {
	product, err := r.MemoryRepository.GetProduct(ctx, businessID, productID)
	if err != nil {
		return nil, err
	}
	if stale, ok := r.staleStock[productID]; ok {
		product.Stock = stale
	}
	return product, nil
}

func (r *scriptedRepository) AdjustStock(ctx context.Context, tx Tx, businessID, productID string, delta int) (int, error) {
	if err, ok := r.adjustErrs[productID]; ok {
		return 0, err
	}
	return r.MemoryRepository.AdjustStock(ctx, innerTx(tx), businessID, productID, delta)
}

func (r *scriptedRepository) InsertTransaction(ctx context.Context, tx Tx, transaction *Transaction) error {
	return r.MemoryRepository.InsertTransaction(ctx, innerTx(tx), transaction)
}
