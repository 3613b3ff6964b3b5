package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sales é o subconjunto do cliente usado pelo benchmark
type Sales interface {
	CreateProduct(ctx context.Context, stock int, price string) (string, error)
	CreateCustomer(ctx context.Context) (string, error)
	SubmitSale(ctx context.Context, customerID, productID string, quantity int, unitPrice string) (int, error)
	ProductStock(ctx context.Context, productID string) (int, error)
}

// Report resume o resultado de uma rodada
type Report struct {
	ProductID    string
	InitialStock int
	Quantity     int
	Sales        int
	Committed    int
	Rejected     int
	Other        int
	FinalStock   int
	Elapsed      time.Duration
}

var ErrInvariantViolated = errors.New("stock invariant violated")

// Verify confere a conservação do estoque observada pela rodada
func (r Report) Verify() error {
	expected := r.InitialStock - r.Committed*r.Quantity
	if r.FinalStock != expected {
		return fmt.Errorf("%w: final stock %d, expected %d (%d committed x %d)",
			ErrInvariantViolated, r.FinalStock, expected, r.Committed, r.Quantity)
	}
	if r.FinalStock < 0 {
		return fmt.Errorf("%w: final stock is negative (%d)", ErrInvariantViolated, r.FinalStock)
	}
	if r.Sales*r.Quantity > r.InitialStock && r.Rejected == 0 {
		return fmt.Errorf("%w: demand %d exceeds stock %d but no sale was rejected",
			ErrInvariantViolated, r.Sales*r.Quantity, r.InitialStock)
	}
	return nil
}

// RunBenchmark dispara vendas sobrepostas contra um único produto
func RunBenchmark(ctx context.Context, client Sales, cfg Config, logger *zap.Logger) (Report, error) {
	report := Report{
		InitialStock: cfg.InitialStock,
		Quantity:     cfg.Quantity,
		Sales:        cfg.Sales,
	}

	productID, err := client.CreateProduct(ctx, cfg.InitialStock, cfg.UnitPrice)
	if err != nil {
		return report, err
	}
	report.ProductID = productID

	customerID, err := client.CreateCustomer(ctx)
	if err != nil {
		return report, err
	}

	logger.Info("🚀 [LOADGEN] starting",
		zap.String("product_id", productID),
		zap.Int("initial_stock", cfg.InitialStock),
		zap.Int("sales", cfg.Sales),
		zap.Int("quantity", cfg.Quantity),
		zap.Int("concurrency", cfg.Concurrency),
	)

	var committed, rejected, other atomic.Int64

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i := 0; i < cfg.Sales; i++ {
		g.Go(func() error {
			status, err := client.SubmitSale(gctx, customerID, productID, cfg.Quantity, cfg.UnitPrice)
			switch {
			case err != nil:
				other.Add(1)
				logger.Warn("⚠️ [LOADGEN] request failed", zap.Error(err))
			case status == http.StatusCreated:
				committed.Add(1)
			case status == http.StatusUnprocessableEntity:
				rejected.Add(1)
			default:
				other.Add(1)
				logger.Warn("⚠️ [LOADGEN] unexpected status", zap.Int("status", status))
			}
			return nil
		})
	}
	_ = g.Wait()
	report.Elapsed = time.Since(start)

	report.Committed = int(committed.Load())
	report.Rejected = int(rejected.Load())
	report.Other = int(other.Load())

	if err := ctx.Err(); err != nil {
		return report, err
	}

	report.FinalStock, err = client.ProductStock(ctx, productID)
	if err != nil {
		return report, err
	}

	logger.Info("🏁 [LOADGEN] finished",
		zap.Int("committed", report.Committed),
		zap.Int("rejected", report.Rejected),
		zap.Int("other", report.Other),
		zap.Int("final_stock", report.FinalStock),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}
