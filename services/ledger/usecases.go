package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RetryPolicy controla as novas tentativas do commit atômico
type RetryPolicy struct {
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CommitTimeout  time.Duration
}

// DefaultRetryPolicy retorna a política padrão do commit
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
		CommitTimeout:  5 * time.Second,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	return b
}

// SubmitTransactionRequest é a entrada do SubmitTransaction
type SubmitTransactionRequest struct {
	BusinessID     string
	Type           TransactionType
	CounterpartyID string
	LineItems      []LineItem
	OccurredAt     *time.Time
}

// TransactionUseCaseInterface é o que os handlers precisam do engine
type TransactionUseCaseInterface interface {
	SubmitTransaction(ctx context.Context, req SubmitTransactionRequest) (*Transaction, error)
	GetTransaction(ctx context.Context, businessID, transactionID string) (*Transaction, error)
	ListTransactions(ctx context.Context, businessID string, filter TransactionFilter, page Pagination) ([]*Transaction, int, error)
}

// TransactionUseCase contém a lógica do ledger de vendas e compras
type TransactionUseCase struct {
	repository Repository
	tracer     trace.Tracer
	metrics    *LedgerMetrics
	logger     *zap.Logger
	policy     RetryPolicy
	newID      func() string
	now        func() time.Time
}

// NewTransactionUseCase cria uma nova instância de TransactionUseCase
func NewTransactionUseCase(
	repository Repository,
	tracer trace.Tracer,
	metrics *LedgerMetrics,
	logger *zap.Logger,
	policy RetryPolicy,
) *TransactionUseCase {
	return &TransactionUseCase{
		repository: repository,
		tracer:     tracer,
		metrics:    metrics,
		logger:     logger,
		policy:     policy,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// SubmitTransaction registra uma venda ou compra.
// Toda a validação roda antes de abrir a unidade atômica; só pedidos válidos
// chegam ao commit, que grava a transação e todos os deltas de estoque juntos.
func (uc *TransactionUseCase) SubmitTransaction(ctx context.Context, req SubmitTransactionRequest) (*Transaction, error) {
	ctx, span := uc.tracer.Start(ctx, "ledger.SubmitTransaction")
	defer span.End()

	span.SetAttributes(
		attribute.String("business_id", req.BusinessID),
		attribute.String("type", string(req.Type)),
		attribute.String("counterparty_id", req.CounterpartyID),
		attribute.Int("line_items", len(req.LineItems)),
	)

	transaction, err := uc.submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, rejectionReason(err))
		uc.metrics.recordRejected(ctx, err)

		fields := []zap.Field{
			zap.String("business_id", req.BusinessID),
			zap.String("type", string(req.Type)),
			zap.String("reason", rejectionReason(err)),
			zap.Error(err),
		}
		if IsBusinessRejection(err) {
			uc.logger.Warn("❌ [SUBMIT] rejected", fields...)
		} else {
			uc.logger.Error("❌ [SUBMIT] failed", fields...)
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("transaction_id", transaction.ID))
	uc.metrics.recordCommitted(ctx, transaction.Type)
	uc.logger.Info("✅ [COMMIT] transaction recorded",
		zap.String("transaction_id", transaction.ID),
		zap.String("business_id", transaction.BusinessID),
		zap.String("type", string(transaction.Type)),
		zap.String("total_amount", transaction.TotalAmount.String()),
	)
	return transaction, nil
}

func (uc *TransactionUseCase) submit(ctx context.Context, req SubmitTransactionRequest) (*Transaction, error) {
	// 1. Validação do formato
	if err := validateSubmitRequest(req); err != nil {
		return nil, err
	}

	// 2. Contraparte com o tipo exigido (antes de qualquer leitura de produto)
	contact, err := uc.repository.GetContact(ctx, req.BusinessID, req.CounterpartyID, req.Type.CounterpartyType())
	if err != nil {
		return nil, err
	}

	// 3. Produtos de cada item
	products := make(map[string]*Product, len(req.LineItems))
	for _, item := range req.LineItems {
		if _, ok := products[item.ProductID]; ok {
			continue
		}
		product, err := uc.repository.GetProduct(ctx, req.BusinessID, item.ProductID)
		if err != nil {
			return nil, err
		}
		products[item.ProductID] = product
	}

	// 4. Estoque resultante de cada produto, com os itens repetidos somados
	if err := checkAvailability(req.Type, req.LineItems, products); err != nil {
		return nil, err
	}

	// 5. Monta a transação; o id vale para todas as tentativas do commit
	occurredAt := uc.now()
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}
	transaction := NewTransaction(uc.newID(), req.BusinessID, req.Type, req.CounterpartyID, req.LineItems, occurredAt)
	adjustments := BuildStockAdjustments(req.Type, req.LineItems)

	// 6. Commit atômico com retry
	stored, err := uc.commit(ctx, transaction, adjustments)
	if err != nil {
		return nil, err
	}

	// 7. Enriquecimento com o que já foi lido
	stored.Counterparty = contact.Summary()
	for i := range stored.LineItems {
		if product, ok := products[stored.LineItems[i].ProductID]; ok {
			stored.LineItems[i].Product = product.Summary()
		}
	}
	return stored, nil
}

func validateSubmitRequest(req SubmitTransactionRequest) error {
	if req.BusinessID == "" {
		return &ValidationError{Field: "business_id", Message: "is required"}
	}
	if !req.Type.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("must be sale or purchase, got %q", req.Type)}
	}
	if req.CounterpartyID == "" {
		return &ValidationError{Field: "counterparty_id", Message: "is required"}
	}
	if len(req.LineItems) == 0 {
		return &ValidationError{Field: "line_items", Message: "must not be empty"}
	}
	for i, item := range req.LineItems {
		if item.ProductID == "" {
			return &ValidationError{Field: fmt.Sprintf("line_items[%d].product_id", i), Message: "is required"}
		}
		if item.Quantity < 1 {
			return &ValidationError{Field: fmt.Sprintf("line_items[%d].quantity", i), Message: "must be at least 1"}
		}
		if item.Quantity > MaxQuantity {
			return &ValidationError{Field: fmt.Sprintf("line_items[%d].quantity", i), Message: fmt.Sprintf("must be at most %d", MaxQuantity)}
		}
		if err := ValidateMoney(fmt.Sprintf("line_items[%d].unit_price", i), item.UnitPrice); err != nil {
			return err
		}
	}

	requested := RequestedQuantities(req.LineItems)
	for _, item := range req.LineItems {
		if requested[item.ProductID] > MaxQuantity {
			return &ValidationError{
				Field:   "line_items",
				Message: fmt.Sprintf("total quantity of product %s must be at most %d", item.ProductID, MaxQuantity),
			}
		}
	}

	return ValidateMoney("total_amount", TotalAmount(req.LineItems))
}

// checkAvailability aplica a quantidade somada por produto ao estoque lido, na
// ordem em que os produtos aparecem nos itens
func checkAvailability(txType TransactionType, items []LineItem, products map[string]*Product) error {
	requested := RequestedQuantities(items)
	checked := make(map[string]bool, len(requested))
	for _, item := range items {
		if checked[item.ProductID] {
			continue
		}
		checked[item.ProductID] = true

		product := products[item.ProductID]
		_, err := NextStock(item.ProductID, product.Stock, txType.StockDelta(requested[item.ProductID]))

		var adjustErr *StockAdjustError
		if errors.As(err, &adjustErr) {
			return &InsufficientStockError{
				ProductID: item.ProductID,
				Available: product.Stock,
				Requested: requested[item.ProductID],
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// commit aplica a unidade atômica com backoff exponencial nas falhas
// transitórias. O caller vê um único sucesso ou uma única falha terminal.
func (uc *TransactionUseCase) commit(ctx context.Context, transaction *Transaction, adjustments []StockAdjustment) (*Transaction, error) {
	var (
		attempt uint
		lastErr error
	)

	operation := func() (*Transaction, error) {
		attempt++
		err := uc.commitAttempt(ctx, transaction, adjustments, attempt)
		if err == nil {
			return transaction.Clone(), nil
		}
		lastErr = err

		// Uma tentativa anterior commitou mas a confirmação se perdeu
		if attempt > 1 && errors.Is(err, ErrAlreadyExists) {
			existing, getErr := uc.repository.GetTransaction(ctx, transaction.BusinessID, transaction.ID)
			if getErr == nil {
				uc.logger.Info("ℹ️ [IDEMPOTENCY] transaction already committed by a previous attempt",
					zap.String("transaction_id", transaction.ID),
					zap.Uint("attempt", attempt),
				)
				return existing, nil
			}
			return nil, getErr
		}

		var adjustErr *StockAdjustError
		if errors.As(err, &adjustErr) {
			return nil, backoff.Permanent(&InsufficientStockError{
				ProductID: adjustErr.ProductID,
				Available: adjustErr.Stock,
				Requested: -adjustErr.Delta,
			})
		}

		if !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	notify := func(err error, wait time.Duration) {
		uc.logger.Warn("🔁 [COMMIT] retrying",
			zap.String("transaction_id", transaction.ID),
			zap.Uint("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	stored, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(uc.policy.backOff()),
		backoff.WithMaxTries(uc.policy.MaxAttempts),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			if lastErr != nil && IsRetryable(lastErr) {
				return nil, lastErr
			}
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return nil, err
	}
	return stored, nil
}

// commitAttempt abre a unidade atômica, grava a transação, aplica os deltas na
// ordem dos product ids e commita. Qualquer saída antecipada faz rollback.
func (uc *TransactionUseCase) commitAttempt(ctx context.Context, transaction *Transaction, adjustments []StockAdjustment, attempt uint) (err error) {
	ctx, cancel := context.WithTimeout(ctx, uc.policy.CommitTimeout)
	defer cancel()

	ctx, span := uc.tracer.Start(ctx, "ledger.commit", trace.WithAttributes(
		attribute.String("transaction_id", transaction.ID),
		attribute.Int("attempt", int(attempt)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		uc.metrics.recordAttempt(ctx, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, rejectionReason(err))
		}
	}()

	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := uc.repository.InsertTransaction(ctx, tx, transaction); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	for _, adjustment := range adjustments {
		stock, err := uc.repository.AdjustStock(ctx, tx, transaction.BusinessID, adjustment.ProductID, adjustment.Delta)
		if err != nil {
			return fmt.Errorf("adjust stock: %w", err)
		}
		uc.logger.Debug("[ADJUST] stock staged",
			zap.String("transaction_id", transaction.ID),
			zap.String("product_id", adjustment.ProductID),
			zap.Int("delta", adjustment.Delta),
			zap.Int("stock", stock),
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetTransaction busca uma transação do business já enriquecida
func (uc *TransactionUseCase) GetTransaction(ctx context.Context, businessID, transactionID string) (*Transaction, error) {
	if businessID == "" {
		return nil, &ValidationError{Field: "business_id", Message: "is required"}
	}

	transaction, err := uc.repository.GetTransaction(ctx, businessID, transactionID)
	if err != nil {
		return nil, err
	}

	uc.newEnricher(businessID).enrich(ctx, transaction)
	return transaction, nil
}

// ListTransactions lista as transações commitadas do business, mais recentes primeiro
func (uc *TransactionUseCase) ListTransactions(ctx context.Context, businessID string, filter TransactionFilter, page Pagination) ([]*Transaction, int, error) {
	ctx, span := uc.tracer.Start(ctx, "ledger.ListTransactions")
	defer span.End()

	if businessID == "" {
		return nil, 0, &ValidationError{Field: "business_id", Message: "is required"}
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, 0, &ValidationError{Field: "type", Message: fmt.Sprintf("must be sale or purchase, got %q", filter.Type)}
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, 0, &ValidationError{Field: "startDate", Message: "must not be after endDate"}
	}

	page = page.Normalize()
	span.SetAttributes(
		attribute.String("business_id", businessID),
		attribute.Int("page", page.Page),
		attribute.Int("limit", page.Limit),
	)

	transactions, total, err := uc.repository.ListTransactions(ctx, businessID, filter, page)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, rejectionReason(err))
		return nil, 0, err
	}

	enricher := uc.newEnricher(businessID)
	for _, transaction := range transactions {
		enricher.enrich(ctx, transaction)
	}

	span.SetAttributes(attribute.Int("total", total))
	return transactions, total, nil
}

// enricher resolve contrapartes e produtos com cache por chamada
type enricher struct {
	uc         *TransactionUseCase
	businessID string
	contacts   map[string]*ContactSummary
	products   map[string]*ProductSummary
}

func (uc *TransactionUseCase) newEnricher(businessID string) *enricher {
	return &enricher{
		uc:         uc,
		businessID: businessID,
		contacts:   map[string]*ContactSummary{},
		products:   map[string]*ProductSummary{},
	}
}

func (e *enricher) enrich(ctx context.Context, transaction *Transaction) {
	transaction.Counterparty = e.contact(ctx, transaction)
	for i := range transaction.LineItems {
		transaction.LineItems[i].Product = e.product(ctx, transaction.LineItems[i].ProductID)
	}
}

func (e *enricher) contact(ctx context.Context, transaction *Transaction) *ContactSummary {
	if summary, ok := e.contacts[transaction.CounterpartyID]; ok {
		return copyContactSummary(summary)
	}

	var summary *ContactSummary
	contact, err := e.uc.repository.GetContact(ctx, e.businessID, transaction.CounterpartyID, transaction.Type.CounterpartyType())
	if err == nil {
		summary = contact.Summary()
	} else {
		e.uc.logger.Warn("[ENRICH] counterparty lookup failed",
			zap.String("transaction_id", transaction.ID),
			zap.String("counterparty_id", transaction.CounterpartyID),
			zap.Error(err),
		)
	}
	e.contacts[transaction.CounterpartyID] = summary
	return copyContactSummary(summary)
}

func (e *enricher) product(ctx context.Context, productID string) *ProductSummary {
	if summary, ok := e.products[productID]; ok {
		return copyProductSummary(summary)
	}

	var summary *ProductSummary
	product, err := e.uc.repository.GetProduct(ctx, e.businessID, productID)
	if err == nil {
		summary = product.Summary()
	} else {
		e.uc.logger.Warn("[ENRICH] product lookup failed",
			zap.String("product_id", productID),
			zap.Error(err),
		)
	}
	e.products[productID] = summary
	return copyProductSummary(summary)
}

func copyContactSummary(s *ContactSummary) *ContactSummary {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func copyProductSummary(s *ProductSummary) *ProductSummary {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// CreateProductRequest é a entrada do CreateProduct
type CreateProductRequest struct {
	BusinessID string
	Name       string
	Category   string
	Price      decimal.Decimal
	Stock      int
}

// CreateContactRequest é a entrada do CreateContact
type CreateContactRequest struct {
	BusinessID string
	Name       string
	Phone      string
	Email      string
	Address    string
	Type       ContactType
}

// CatalogUseCase cuida do cadastro de produtos e contatos, fora da atomicidade do ledger
type CatalogUseCase struct {
	repository Repository
	logger     *zap.Logger
	newID      func() string
}

// NewCatalogUseCase cria uma nova instância de CatalogUseCase
func NewCatalogUseCase(repository Repository, logger *zap.Logger) *CatalogUseCase {
	return &CatalogUseCase{
		repository: repository,
		logger:     logger,
		newID:      uuid.NewString,
	}
}

func (uc *CatalogUseCase) CreateProduct(ctx context.Context, req CreateProductRequest) (*Product, error) {
	switch {
	case req.BusinessID == "":
		return nil, &ValidationError{Field: "business_id", Message: "is required"}
	case strings.TrimSpace(req.Name) == "":
		return nil, &ValidationError{Field: "name", Message: "is required"}
	case req.Stock < 0:
		return nil, &ValidationError{Field: "stock", Message: "must not be negative"}
	case req.Stock > MaxQuantity:
		return nil, &ValidationError{Field: "stock", Message: fmt.Sprintf("must be at most %d", MaxQuantity)}
	}
	if err := ValidateMoney("price", req.Price); err != nil {
		return nil, err
	}

	product := NewProduct(uc.newID(), req.BusinessID, req.Name, req.Category, req.Price, req.Stock)
	if err := uc.repository.CreateProduct(ctx, product); err != nil {
		return nil, err
	}

	uc.logger.Info("✅ [CATALOG] product created",
		zap.String("product_id", product.ID),
		zap.String("business_id", product.BusinessID),
		zap.Int("stock", product.Stock),
	)
	return product, nil
}

func (uc *CatalogUseCase) GetProduct(ctx context.Context, businessID, productID string) (*Product, error) {
	if businessID == "" {
		return nil, &ValidationError{Field: "business_id", Message: "is required"}
	}
	return uc.repository.GetProduct(ctx, businessID, productID)
}

// UpdateProduct edita nome, categoria e preço. Transações já gravadas mantêm
// o preço unitário que capturaram.
func (uc *CatalogUseCase) UpdateProduct(ctx context.Context, businessID, productID string, update ProductUpdate) (*Product, error) {
	if businessID == "" {
		return nil, &ValidationError{Field: "business_id", Message: "is required"}
	}
	if update.Name == nil && update.Category == nil && update.Price == nil {
		return nil, &ValidationError{Field: "product", Message: "at least one of name, category or price is required"}
	}
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return nil, &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if update.Category != nil && strings.TrimSpace(*update.Category) == "" {
		return nil, &ValidationError{Field: "category", Message: "must not be empty"}
	}
	if update.Price != nil {
		if err := ValidateMoney("price", *update.Price); err != nil {
			return nil, err
		}
	}

	product, err := uc.repository.UpdateProduct(ctx, businessID, productID, update)
	if err != nil {
		return nil, err
	}

	uc.logger.Info("✅ [CATALOG] product updated",
		zap.String("product_id", product.ID),
		zap.String("business_id", product.BusinessID),
		zap.String("price", product.Price.String()),
	)
	return product, nil
}

func (uc *CatalogUseCase) ListProducts(ctx context.Context, businessID string, page Pagination) ([]*Product, int, error) {
	if businessID == "" {
		return nil, 0, &ValidationError{Field: "business_id", Message: "is required"}
	}
	return uc.repository.ListProducts(ctx, businessID, page.Normalize())
}

func (uc *CatalogUseCase) CreateContact(ctx context.Context, req CreateContactRequest) (*Contact, error) {
	switch {
	case req.BusinessID == "":
		return nil, &ValidationError{Field: "business_id", Message: "is required"}
	case strings.TrimSpace(req.Name) == "":
		return nil, &ValidationError{Field: "name", Message: "is required"}
	case strings.TrimSpace(req.Phone) == "":
		return nil, &ValidationError{Field: "phone", Message: "is required"}
	case !req.Type.Valid():
		return nil, &ValidationError{Field: "type", Message: fmt.Sprintf("must be customer or vendor, got %q", req.Type)}
	}

	contact := NewContact(uc.newID(), req.BusinessID, req.Name, req.Phone, req.Email, req.Address, req.Type)
	if err := uc.repository.CreateContact(ctx, contact); err != nil {
		return nil, err
	}

	uc.logger.Info("✅ [DIRECTORY] contact created",
		zap.String("contact_id", contact.ID),
		zap.String("business_id", contact.BusinessID),
		zap.String("type", string(contact.Type)),
	)
	return contact, nil
}

// GetContact busca o contato sem exigir tipo (tenta customer e depois vendor)
func (uc *CatalogUseCase) GetContact(ctx context.Context, businessID, contactID string) (*Contact, error) {
	if businessID == "" {
		return nil, &ValidationError{Field: "business_id", Message: "is required"}
	}

	contact, err := uc.repository.GetContact(ctx, businessID, contactID, ContactTypeCustomer)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return contact, err
	}

	contact, err = uc.repository.GetContact(ctx, businessID, contactID, ContactTypeVendor)
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Resource: "contact", ID: contactID}
	}
	return contact, err
}

// UpdateContact edita os dados do contato; o tipo não muda depois do cadastro
func (uc *CatalogUseCase) UpdateContact(ctx context.Context, businessID, contactID string, update ContactUpdate) (*Contact, error) {
	if businessID == "" {
		return nil, &ValidationError{Field: "business_id", Message: "is required"}
	}
	if update.Name == nil && update.Phone == nil && update.Email == nil && update.Address == nil {
		return nil, &ValidationError{Field: "contact", Message: "at least one of name, phone, email or address is required"}
	}
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return nil, &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if update.Phone != nil && strings.TrimSpace(*update.Phone) == "" {
		return nil, &ValidationError{Field: "phone", Message: "must not be empty"}
	}

	contact, err := uc.repository.UpdateContact(ctx, businessID, contactID, update)
	if err != nil {
		return nil, err
	}

	uc.logger.Info("✅ [DIRECTORY] contact updated",
		zap.String("contact_id", contact.ID),
		zap.String("business_id", contact.BusinessID),
	)
	return contact, nil
}

func (uc *CatalogUseCase) ListContacts(ctx context.Context, businessID string, filter ContactFilter, page Pagination) ([]*Contact, int, error) {
	if businessID == "" {
		return nil, 0, &ValidationError{Field: "business_id", Message: "is required"}
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, 0, &ValidationError{Field: "type", Message: fmt.Sprintf("must be customer or vendor, got %q", filter.Type)}
	}
	return uc.repository.ListContacts(ctx, businessID, filter, page.Normalize())
}
