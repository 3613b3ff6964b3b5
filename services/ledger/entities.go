package main

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType representa os tipos de transação do ledger
type TransactionType string

const (
	TransactionTypeSale     TransactionType = "sale"
	TransactionTypePurchase TransactionType = "purchase"
)

// Valid indica se o tipo é sale ou purchase
func (t TransactionType) Valid() bool {
	return t == TransactionTypeSale || t == TransactionTypePurchase
}

// CounterpartyType retorna o tipo de contato exigido pela transação
func (t TransactionType) CounterpartyType() ContactType {
	if t == TransactionTypeSale {
		return ContactTypeCustomer
	}
	return ContactTypeVendor
}

// StockDelta converte a quantidade no delta de estoque (venda tira, compra põe)
func (t TransactionType) StockDelta(quantity int) int {
	if t == TransactionTypeSale {
		return -quantity
	}
	return quantity
}

// ContactType representa os tipos de contato do diretório
type ContactType string

const (
	ContactTypeCustomer ContactType = "customer"
	ContactTypeVendor   ContactType = "vendor"
)

// Valid indica se o tipo é customer ou vendor
func (c ContactType) Valid() bool {
	return c == ContactTypeCustomer || c == ContactTypeVendor
}

// Product representa um produto do catálogo de um business
type Product struct {
	ID         string          `json:"id"`
	BusinessID string          `json:"business_id"`
	Name       string          `json:"name"`
	Category   string          `json:"category"`
	Price      decimal.Decimal `json:"price"`
	Stock      int             `json:"stock"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewProduct cria uma nova instância de Product
func NewProduct(id, businessID, name, category string, price decimal.Decimal, stock int) *Product {
	now := time.Now().UTC()
	return &Product{
		ID:         id,
		BusinessID: businessID,
		Name:       name,
		Category:   category,
		Price:      price,
		Stock:      stock,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Summary retorna a visão resumida usada no enriquecimento das transações
func (p *Product) Summary() *ProductSummary {
	return &ProductSummary{ID: p.ID, Name: p.Name, Category: p.Category}
}

// ProductUpdate representa a edição parcial de um produto. Estoque fica de
// fora: ele só muda por transações.
type ProductUpdate struct {
	Name     *string
	Category *string
	Price    *decimal.Decimal
}

// Apply aplica os campos presentes ao produto
func (u ProductUpdate) Apply(p *Product) {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Category != nil {
		p.Category = *u.Category
	}
	if u.Price != nil {
		p.Price = *u.Price
	}
	p.UpdatedAt = time.Now().UTC()
}

// Contact representa um cliente ou fornecedor de um business
type Contact struct {
	ID         string      `json:"id"`
	BusinessID string      `json:"business_id"`
	Name       string      `json:"name"`
	Phone      string      `json:"phone"`
	Email      string      `json:"email,omitempty"`
	Address    string      `json:"address,omitempty"`
	Type       ContactType `json:"type"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// NewContact cria uma nova instância de Contact
func NewContact(id, businessID, name, phone, email, address string, contactType ContactType) *Contact {
	now := time.Now().UTC()
	return &Contact{
		ID:         id,
		BusinessID: businessID,
		Name:       name,
		Phone:      phone,
		Email:      email,
		Address:    address,
		Type:       contactType,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Summary retorna a visão resumida da contraparte
func (c *Contact) Summary() *ContactSummary {
	return &ContactSummary{ID: c.ID, Name: c.Name, Phone: c.Phone, Email: c.Email}
}

// ContactUpdate representa a edição parcial de um contato. O tipo é fixo
// depois do cadastro.
type ContactUpdate struct {
	Name    *string
	Phone   *string
	Email   *string
	Address *string
}

// Apply aplica os campos presentes ao contato
func (u ContactUpdate) Apply(c *Contact) {
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Phone != nil {
		c.Phone = *u.Phone
	}
	if u.Email != nil {
		c.Email = *u.Email
	}
	if u.Address != nil {
		c.Address = *u.Address
	}
	c.UpdatedAt = time.Now().UTC()
}

// ContactSummary é a contraparte resolvida devolvida junto da transação
type ContactSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

// ProductSummary é o produto resolvido devolvido em cada item
type ProductSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// LineItem representa um item de transação. UnitPrice é capturado no momento
// da transação e não acompanha mudanças posteriores no preço do catálogo.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Product   *ProductSummary `json:"product,omitempty"`
}

// Subtotal retorna quantity * unitPrice
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Transaction representa uma venda ou compra registrada no ledger (imutável)
type Transaction struct {
	ID             string          `json:"id"`
	BusinessID     string          `json:"business_id"`
	Type           TransactionType `json:"type"`
	CounterpartyID string          `json:"counterparty_id"`
	LineItems      []LineItem      `json:"line_items"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CreatedAt      time.Time       `json:"created_at"`
	Counterparty   *ContactSummary `json:"counterparty,omitempty"`
}

// NewTransaction cria uma nova instância de Transaction com o total calculado
func NewTransaction(id, businessID string, txType TransactionType, counterpartyID string, items []LineItem, occurredAt time.Time) *Transaction {
	lineItems := make([]LineItem, len(items))
	copy(lineItems, items)

	return &Transaction{
		ID:             id,
		BusinessID:     businessID,
		Type:           txType,
		CounterpartyID: counterpartyID,
		LineItems:      lineItems,
		TotalAmount:    TotalAmount(lineItems),
		OccurredAt:     occurredAt.UTC(),
		CreatedAt:      time.Now().UTC(),
	}
}

// TotalAmount soma quantity * unitPrice de todos os itens
func TotalAmount(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// Clone retorna uma cópia profunda da transação
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	clone.LineItems = make([]LineItem, len(t.LineItems))
	for i, item := range t.LineItems {
		clone.LineItems[i] = item
		if item.Product != nil {
			summary := *item.Product
			clone.LineItems[i].Product = &summary
		}
	}
	if t.Counterparty != nil {
		summary := *t.Counterparty
		clone.Counterparty = &summary
	}
	return &clone
}

// Limites de grandeza aceitos pelo ledger. MaxQuantity acompanha a coluna
// INTEGER do estoque e maxMoney a NUMERIC(18, 4) dos valores.
const (
	MaxQuantity = math.MaxInt32
	MoneyScale  = 4
)

var maxMoney = decimal.New(1, 18-MoneyScale)

// ValidateMoney garante que o valor cabe na coluna de dinheiro sem arredondar
func ValidateMoney(field string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &ValidationError{Field: field, Message: "must not be negative"}
	}
	if !amount.Equal(amount.Truncate(MoneyScale)) {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must have at most %d decimal places", MoneyScale)}
	}
	if amount.GreaterThanOrEqual(maxMoney) {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be less than %s", maxMoney.String())}
	}
	return nil
}

// NextStock aplica o delta ao estoque sem deixar negativo nem estourar MaxQuantity
func NextStock(productID string, stock, delta int) (int, error) {
	if delta < 0 && stock+delta < 0 {
		return stock, &StockAdjustError{ProductID: productID, Stock: stock, Delta: delta}
	}
	if delta > 0 && stock > MaxQuantity-delta {
		return stock, &ValidationError{
			Field:   "quantity",
			Message: fmt.Sprintf("stock of product %s would exceed %d", productID, MaxQuantity),
		}
	}
	return stock + delta, nil
}

// StockAdjustment representa o delta de estoque de um produto dentro de uma transação
type StockAdjustment struct {
	ProductID string
	Delta     int
}

// RequestedQuantities agrega as quantidades por produto (itens repetidos somam).
// A soma satura em math.MaxInt em vez de dar a volta.
func RequestedQuantities(items []LineItem) map[string]int {
	requested := make(map[string]int, len(items))
	for _, item := range items {
		current := requested[item.ProductID]
		if item.Quantity > 0 && current > math.MaxInt-item.Quantity {
			requested[item.ProductID] = math.MaxInt
			continue
		}
		requested[item.ProductID] = current + item.Quantity
	}
	return requested
}

// BuildStockAdjustments monta os deltas ordenados por product id, que é a
// ordem de aquisição dos locks no commit.
func BuildStockAdjustments(txType TransactionType, items []LineItem) []StockAdjustment {
	requested := RequestedQuantities(items)

	adjustments := make([]StockAdjustment, 0, len(requested))
	for productID, quantity := range requested {
		adjustments = append(adjustments, StockAdjustment{
			ProductID: productID,
			Delta:     txType.StockDelta(quantity),
		})
	}

	sort.Slice(adjustments, func(i, j int) bool {
		return adjustments[i].ProductID < adjustments[j].ProductID
	})

	return adjustments
}

// TransactionFilter representa os filtros da listagem do ledger
type TransactionFilter struct {
	Type TransactionType
	From *time.Time
	To   *time.Time
}

// Matches indica se a transação passa pelos filtros (limites inclusivos)
func (f TransactionFilter) Matches(t *Transaction) bool {
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.From != nil && t.OccurredAt.Before(*f.From) {
		return false
	}
	if f.To != nil && t.OccurredAt.After(*f.To) {
		return false
	}
	return true
}

// ContactFilter representa os filtros da listagem do diretório
type ContactFilter struct {
	Type   ContactType
	Search string
}

// Matches aplica o tipo e a busca sem diferenciar maiúsculas em nome, email e telefone
func (f ContactFilter) Matches(c *Contact) bool {
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	if f.Search == "" {
		return true
	}
	search := strings.ToLower(f.Search)
	for _, field := range []string{c.Name, c.Email, c.Phone} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// Pagination representa a paginação por página/limite da listagem
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Normalize aplica os defaults (página 1, limite 10, máximo 100)
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// Offset retorna quantos registros pular
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Pages retorna o total de páginas para um total de registros
func (p Pagination) Pages(total int) int {
	if p.Limit < 1 {
		return 0
	}
	return (total + p.Limit - 1) / p.Limit
}
