package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository implementa Repository em memória. O estado commitado fica
// sob mu; cada produto tem um lock próprio que a tx segura do AdjustStock até
// o Commit/Rollback.
type MemoryRepository struct {
	mu           sync.RWMutex
	products     map[string]*Product
	contacts     map[string]*Contact
	transactions map[string]*Transaction

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryRepository cria uma nova instância de MemoryRepository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		products:     map[string]*Product{},
		contacts:     map[string]*Contact{},
		transactions: map[string]*Transaction{},
		locks:        map[string]chan struct{}{},
	}
}

// MemoryTx implementa a interface Tx guardando os deltas e inserts pendentes
type MemoryTx struct {
	repo    *MemoryRepository
	held    map[string]bool
	deltas  map[string]int
	inserts []*Transaction
	done    bool
}

// BeginTx inicia uma nova transação
func (r *MemoryRepository) BeginTx(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &MemoryTx{
		repo:   r,
		held:   map[string]bool{},
		deltas: map[string]int{},
	}, nil
}

func (t *MemoryTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("%w: already finished", ErrInvalidTx)
	}
	defer t.release()

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	for _, transaction := range t.inserts {
		if _, exists := t.repo.transactions[transaction.ID]; exists {
			return fmt.Errorf("%w: transaction %s", ErrAlreadyExists, transaction.ID)
		}
	}

	// Valida todos os deltas antes de aplicar qualquer um
	next := make(map[string]int, len(t.deltas))
	for productID, delta := range t.deltas {
		stock, err := NextStock(productID, t.repo.products[productID].Stock, delta)
		if err != nil {
			return err
		}
		next[productID] = stock
	}

	now := time.Now().UTC()
	for productID, stock := range next {
		product := t.repo.products[productID]
		product.Stock = stock
		product.UpdatedAt = now
	}

	for _, transaction := range t.inserts {
		t.repo.transactions[transaction.ID] = transaction
	}

	return nil
}

func (t *MemoryTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.release()
	return nil
}

// release solta os locks dos produtos e encerra a tx
func (t *MemoryTx) release() {
	for productID := range t.held {
		t.repo.unlockProduct(productID)
	}
	t.held = nil
	t.deltas = nil
	t.inserts = nil
	t.done = true
}

func (r *MemoryRepository) memoryTx(tx Tx) (*MemoryTx, error) {
	memTx, ok := tx.(*MemoryTx)
	if !ok || memTx.done || memTx.repo != r {
		return nil, ErrInvalidTx
	}
	return memTx, nil
}

func (r *MemoryRepository) productLock(productID string) chan struct{} {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	lock, ok := r.locks[productID]
	if !ok {
		lock = make(chan struct{}, 1)
		r.locks[productID] = lock
	}
	return lock
}

// lockProduct espera pelo lock do produto respeitando o contexto
func (r *MemoryRepository) lockProduct(ctx context.Context, productID string) error {
	select {
	case r.productLock(productID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting lock for product %s: %v", ErrCommitConflict, productID, ctx.Err())
	}
}

func (r *MemoryRepository) unlockProduct(productID string) {
	<-r.productLock(productID)
}

// CreateProduct grava um produto novo
func (r *MemoryRepository) CreateProduct(ctx context.Context, product *Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.products[product.ID]; exists {
		return fmt.Errorf("%w: product %s", ErrAlreadyExists, product.ID)
	}
	stored := *product
	r.products[product.ID] = &stored
	return nil
}

// GetProduct busca o produto commitado do business
func (r *MemoryRepository) GetProduct(ctx context.Context, businessID, productID string) (*Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	product, ok := r.products[productID]
	if !ok || product.BusinessID != businessID {
		return nil, &NotFoundError{Resource: "product", ID: productID}
	}
	found := *product
	return &found, nil
}

// AdjustStock trava o produto até o fim da tx e valida o delta sobre o estoque
// commitado somado ao que a própria tx já moveu.
func (r *MemoryRepository) AdjustStock(ctx context.Context, tx Tx, businessID, productID string, delta int) (int, error) {
	memTx, err := r.memoryTx(tx)
	if err != nil {
		return 0, err
	}

	// Produtos nunca são removidos: só ids existentes ganham lock
	if _, err := r.GetProduct(ctx, businessID, productID); err != nil {
		return 0, err
	}

	if !memTx.held[productID] {
		if err := r.lockProduct(ctx, productID); err != nil {
			return 0, err
		}
		memTx.held[productID] = true
	}

	r.mu.RLock()
	stock := r.products[productID].Stock
	r.mu.RUnlock()

	current := stock + memTx.deltas[productID]
	next, err := NextStock(productID, current, delta)
	if err != nil {
		return 0, err
	}

	memTx.deltas[productID] += delta
	return next, nil
}

// UpdateProduct edita o produto commitado sem mexer no estoque
func (r *MemoryRepository) UpdateProduct(ctx context.Context, businessID, productID string, update ProductUpdate) (*Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	product, ok := r.products[productID]
	if !ok || product.BusinessID != businessID {
		return nil, &NotFoundError{Resource: "product", ID: productID}
	}
	update.Apply(product)
	updated := *product
	return &updated, nil
}

// ListProducts ordena os produtos do business por created_at desc e pagina
func (r *MemoryRepository) ListProducts(ctx context.Context, businessID string, page Pagination) ([]*Product, int, error) {
	page = page.Normalize()

	r.mu.RLock()
	matched := make([]*Product, 0)
	for _, product := range r.products {
		if product.BusinessID == businessID {
			found := *product
			matched = append(matched, &found)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	start, end := pageBounds(len(matched), page)
	return matched[start:end], len(matched), nil
}

// CreateContact grava um contato novo
func (r *MemoryRepository) CreateContact(ctx context.Context, contact *Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contacts[contact.ID]; exists {
		return fmt.Errorf("%w: contact %s", ErrAlreadyExists, contact.ID)
	}
	stored := *contact
	r.contacts[contact.ID] = &stored
	return nil
}

// GetContact busca o contato do business com o tipo exigido
func (r *MemoryRepository) GetContact(ctx context.Context, businessID, contactID string, contactType ContactType) (*Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	contact, ok := r.contacts[contactID]
	if !ok || contact.BusinessID != businessID || contact.Type != contactType {
		return nil, &NotFoundError{Resource: string(contactType), ID: contactID}
	}
	found := *contact
	return &found, nil
}

// UpdateContact edita o contato commitado (o tipo não muda)
func (r *MemoryRepository) UpdateContact(ctx context.Context, businessID, contactID string, update ContactUpdate) (*Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contact, ok := r.contacts[contactID]
	if !ok || contact.BusinessID != businessID {
		return nil, &NotFoundError{Resource: "contact", ID: contactID}
	}
	update.Apply(contact)
	updated := *contact
	return &updated, nil
}

// ListContacts filtra, ordena por created_at desc e pagina
func (r *MemoryRepository) ListContacts(ctx context.Context, businessID string, filter ContactFilter, page Pagination) ([]*Contact, int, error) {
	page = page.Normalize()

	r.mu.RLock()
	matched := make([]*Contact, 0)
	for _, contact := range r.contacts {
		if contact.BusinessID == businessID && filter.Matches(contact) {
			found := *contact
			matched = append(matched, &found)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	start, end := pageBounds(len(matched), page)
	return matched[start:end], len(matched), nil
}

// InsertTransaction agenda a gravação da transação para o Commit
func (r *MemoryRepository) InsertTransaction(ctx context.Context, tx Tx, transaction *Transaction) error {
	memTx, err := r.memoryTx(tx)
	if err != nil {
		return err
	}

	r.mu.RLock()
	_, exists := r.transactions[transaction.ID]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: transaction %s", ErrAlreadyExists, transaction.ID)
	}

	stored := transaction.Clone()
	stored.Counterparty = nil
	for i := range stored.LineItems {
		stored.LineItems[i].Product = nil
	}
	memTx.inserts = append(memTx.inserts, stored)
	return nil
}

// GetTransaction busca uma transação commitada do business
func (r *MemoryRepository) GetTransaction(ctx context.Context, businessID, transactionID string) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	transaction, ok := r.transactions[transactionID]
	if !ok || transaction.BusinessID != businessID {
		return nil, &NotFoundError{Resource: "transaction", ID: transactionID}
	}
	return transaction.Clone(), nil
}

// ListTransactions filtra, ordena por occurred_at desc e pagina
func (r *MemoryRepository) ListTransactions(ctx context.Context, businessID string, filter TransactionFilter, page Pagination) ([]*Transaction, int, error) {
	page = page.Normalize()

	r.mu.RLock()
	matched := make([]*Transaction, 0)
	for _, transaction := range r.transactions {
		if transaction.BusinessID == businessID && filter.Matches(transaction) {
			matched = append(matched, transaction)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.After(b.OccurredAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	total := len(matched)
	start, end := pageBounds(total, page)

	result := make([]*Transaction, 0, end-start)
	for _, transaction := range matched[start:end] {
		result = append(result, transaction.Clone())
	}
	return result, total, nil
}

// pageBounds converte a página nos índices [start, end) de uma lista com total itens
func pageBounds(total int, page Pagination) (int, int) {
	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return start, end
}

// Close não tem recursos para liberar
func (r *MemoryRepository) Close(ctx context.Context) error {
	return nil
}
