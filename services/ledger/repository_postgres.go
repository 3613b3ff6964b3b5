package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresRepository implementa Repository usando PostgreSQL
type PostgresRepository struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository cria uma nova instância de PostgresRepository.
// lockTimeout limita a espera pelo lock de linha de um produto dentro da tx.
func NewPostgresRepository(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresRepository {
	return &PostgresRepository{
		db:          db,
		lockTimeout: lockTimeout,
	}
}

// PostgresTx implementa a interface Tx
type PostgresTx struct {
	tx pgx.Tx
}

func (t *PostgresTx) Commit(ctx context.Context) error {
	return classifyPgError(t.tx.Commit(ctx))
}

func (t *PostgresTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return classifyPgError(err)
}

// BeginTx inicia uma nova transação
func (r *PostgresRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, classifyPgError(err)
	}

	if r.lockTimeout > 0 {
		query := fmt.Sprintf("SET LOCAL lock_timeout = %d", r.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, query); err != nil {
			_ = tx.Rollback(ctx)
			return nil, classifyPgError(err)
		}
	}

	return &PostgresTx{tx: tx}, nil
}

func pgTxFrom(tx Tx) (pgx.Tx, error) {
	pgTx, ok := tx.(*PostgresTx)
	if !ok || pgTx.tx == nil {
		return nil, ErrInvalidTx
	}
	return pgTx.tx, nil
}

// classifyPgError traduz erros do driver para a taxonomia do ledger
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", ErrCommitConflict, err)
		case "23505":
			return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
		case "23514":
			return fmt.Errorf("%w: %w", ErrStockWouldGoNegative, err)
		case "23503":
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case "57P01", "57P02", "57P03", "53300":
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		case "22003":
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCommitConflict, err)
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.Timeout(err) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	return err
}

// CreateProduct grava um produto novo
func (r *PostgresRepository) CreateProduct(ctx context.Context, product *Product) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO products (id, business_id, name, category, price, stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
	`, product.ID, product.BusinessID, product.Name, product.Category, product.Price.String(),
		product.Stock, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", classifyPgError(err))
	}
	return nil
}

const productColumns = `id, business_id, name, category, price::text, stock, created_at, updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var (
		product Product
		price   string
	)
	err := row.Scan(
		&product.ID,
		&product.BusinessID,
		&product.Name,
		&product.Category,
		&price,
		&product.Stock,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	product.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("invalid price for product %s: %w", product.ID, err)
	}
	product.CreatedAt = product.CreatedAt.UTC()
	product.UpdatedAt = product.UpdatedAt.UTC()
	return &product, nil
}

// GetProduct busca o produto commitado do business
func (r *PostgresRepository) GetProduct(ctx context.Context, businessID, productID string) (*Product, error) {
	product, err := scanProduct(r.db.QueryRow(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1 AND business_id = $2
	`, productID, businessID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "product", ID: productID}
	}
	if err != nil {
		return nil, classifyPgError(err)
	}
	return product, nil
}

// getProductForUpdate obtém o produto com lock pessimista (FOR UPDATE)
func (r *PostgresRepository) getProductForUpdate(ctx context.Context, pgTx pgx.Tx, businessID, productID string) (*Product, error) {
	product, err := scanProduct(pgTx.QueryRow(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1 AND business_id = $2
		FOR UPDATE
	`, productID, businessID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "product", ID: productID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product with lock: %w", classifyPgError(err))
	}
	return product, nil
}

// AdjustStock trava a linha do produto, confere o delta e atualiza o estoque.
// O lock só é solto no Commit/Rollback da tx.
func (r *PostgresRepository) AdjustStock(ctx context.Context, tx Tx, businessID, productID string, delta int) (int, error) {
	pgTx, err := pgTxFrom(tx)
	if err != nil {
		return 0, err
	}

	product, err := r.getProductForUpdate(ctx, pgTx, businessID, productID)
	if err != nil {
		return 0, err
	}

	if _, err := NextStock(productID, product.Stock, delta); err != nil {
		return 0, err
	}

	var stock int
	err = pgTx.QueryRow(ctx, `
		UPDATE products
		SET stock = stock + $1,
		    updated_at = NOW()
		WHERE id = $2
		RETURNING stock
	`, delta, productID).Scan(&stock)
	if err != nil {
		err = classifyPgError(err)
		if errors.Is(err, ErrStockWouldGoNegative) {
			return 0, &StockAdjustError{ProductID: productID, Stock: product.Stock, Delta: delta}
		}
		return 0, fmt.Errorf("failed to adjust stock: %w", err)
	}

	return stock, nil
}

// UpdateProduct edita os campos presentes; o estoque fica como está
func (r *PostgresRepository) UpdateProduct(ctx context.Context, businessID, productID string, update ProductUpdate) (*Product, error) {
	var price *string
	if update.Price != nil {
		value := update.Price.String()
		price = &value
	}

	product, err := scanProduct(r.db.QueryRow(ctx, `
		UPDATE products
		SET name = COALESCE($3, name),
		    category = COALESCE($4, category),
		    price = COALESCE($5::numeric, price),
		    updated_at = $6
		WHERE id = $1 AND business_id = $2
		RETURNING `+productColumns,
		productID, businessID, update.Name, update.Category, price, time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "product", ID: productID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update product: %w", classifyPgError(err))
	}
	return product, nil
}

// ListProducts pagina os produtos do business, mais novos primeiro
func (r *PostgresRepository) ListProducts(ctx context.Context, businessID string, page Pagination) ([]*Product, int, error) {
	page = page.Normalize()

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM products WHERE business_id = $1`, businessID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", classifyPgError(err))
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE business_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, businessID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list products: %w", classifyPgError(err))
	}
	defer rows.Close()

	products := make([]*Product, 0, page.Limit)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classifyPgError(err)
	}
	return products, total, nil
}

// CreateContact grava um contato novo
func (r *PostgresRepository) CreateContact(ctx context.Context, contact *Contact) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO contacts (id, business_id, name, phone, email, address, type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, contact.ID, contact.BusinessID, contact.Name, contact.Phone, contact.Email, contact.Address,
		string(contact.Type), contact.CreatedAt, contact.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert contact: %w", classifyPgError(err))
	}
	return nil
}

const contactColumns = `id, business_id, name, phone, email, address, type, created_at, updated_at`

func scanContact(row pgx.Row) (*Contact, error) {
	var (
		contact    Contact
		storedType string
	)
	err := row.Scan(
		&contact.ID,
		&contact.BusinessID,
		&contact.Name,
		&contact.Phone,
		&contact.Email,
		&contact.Address,
		&storedType,
		&contact.CreatedAt,
		&contact.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	contact.Type = ContactType(storedType)
	contact.CreatedAt = contact.CreatedAt.UTC()
	contact.UpdatedAt = contact.UpdatedAt.UTC()
	return &contact, nil
}

// GetContact busca o contato do business com o tipo exigido
func (r *PostgresRepository) GetContact(ctx context.Context, businessID, contactID string, contactType ContactType) (*Contact, error) {
	contact, err := scanContact(r.db.QueryRow(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE id = $1 AND business_id = $2 AND type = $3
	`, contactID, businessID, string(contactType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: string(contactType), ID: contactID}
	}
	if err != nil {
		return nil, classifyPgError(err)
	}
	return contact, nil
}

// UpdateContact edita os campos presentes do contato
func (r *PostgresRepository) UpdateContact(ctx context.Context, businessID, contactID string, update ContactUpdate) (*Contact, error) {
	contact, err := scanContact(r.db.QueryRow(ctx, `
		UPDATE contacts
		SET name = COALESCE($3, name),
		    phone = COALESCE($4, phone),
		    email = COALESCE($5, email),
		    address = COALESCE($6, address),
		    updated_at = $7
		WHERE id = $1 AND business_id = $2
		RETURNING `+contactColumns,
		contactID, businessID, update.Name, update.Phone, update.Email, update.Address, time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "contact", ID: contactID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update contact: %w", classifyPgError(err))
	}
	return contact, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// buildContactFilter monta o WHERE da listagem de contatos e seus argumentos
func buildContactFilter(businessID string, filter ContactFilter) (string, []any) {
	clauses := []string{"business_id = $1"}
	args := []any{businessID}

	if filter.Type != "" {
		args = append(args, string(filter.Type))
		clauses = append(clauses, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+likeEscaper.Replace(filter.Search)+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf("(name ILIKE $%d OR email ILIKE $%d OR phone ILIKE $%d)", n, n, n))
	}

	return strings.Join(clauses, " AND "), args
}

// ListContacts filtra, ordena por created_at desc e pagina
func (r *PostgresRepository) ListContacts(ctx context.Context, businessID string, filter ContactFilter, page Pagination) ([]*Contact, int, error) {
	page = page.Normalize()
	where, args := buildContactFilter(businessID, filter)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM contacts WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count contacts: %w", classifyPgError(err))
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM contacts
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, contactColumns, where, len(args)+1, len(args)+2)

	rows, err := r.db.Query(ctx, query, append(args, page.Limit, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list contacts: %w", classifyPgError(err))
	}
	defer rows.Close()

	contacts := make([]*Contact, 0, page.Limit)
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, 0, err
		}
		contacts = append(contacts, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classifyPgError(err)
	}
	return contacts, total, nil
}

// InsertTransaction grava o cabeçalho e os itens (via batch) dentro da tx
func (r *PostgresRepository) InsertTransaction(ctx context.Context, tx Tx, transaction *Transaction) error {
	pgTx, err := pgTxFrom(tx)
	if err != nil {
		return err
	}

	_, err = pgTx.Exec(ctx, `
		INSERT INTO transactions (id, business_id, type, counterparty_id, total_amount, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
	`, transaction.ID, transaction.BusinessID, string(transaction.Type), transaction.CounterpartyID,
		transaction.TotalAmount.String(), transaction.OccurredAt, transaction.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", classifyPgError(err))
	}

	batch := &pgx.Batch{}
	for i, item := range transaction.LineItems {
		batch.Queue(`
			INSERT INTO transaction_line_items (transaction_id, position, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5::numeric)
		`, transaction.ID, i, item.ProductID, item.Quantity, item.UnitPrice.String())
	}
	if err := pgTx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert line items: %w", classifyPgError(err))
	}

	return nil
}

const transactionColumns = `id, business_id, type, counterparty_id, total_amount::text, occurred_at, created_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var (
		transaction Transaction
		txType      string
		total       string
	)
	err := row.Scan(
		&transaction.ID,
		&transaction.BusinessID,
		&txType,
		&transaction.CounterpartyID,
		&total,
		&transaction.OccurredAt,
		&transaction.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	transaction.TotalAmount, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("invalid total for transaction %s: %w", transaction.ID, err)
	}
	transaction.Type = TransactionType(txType)
	transaction.OccurredAt = transaction.OccurredAt.UTC()
	transaction.CreatedAt = transaction.CreatedAt.UTC()
	transaction.LineItems = []LineItem{}
	return &transaction, nil
}

// GetTransaction busca uma transação commitada do business
func (r *PostgresRepository) GetTransaction(ctx context.Context, businessID, transactionID string) (*Transaction, error) {
	transaction, err := scanTransaction(r.db.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = $1 AND business_id = $2
	`, transactionID, businessID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Resource: "transaction", ID: transactionID}
	}
	if err != nil {
		return nil, classifyPgError(err)
	}

	if err := r.loadLineItems(ctx, []*Transaction{transaction}); err != nil {
		return nil, err
	}
	return transaction, nil
}

// buildTransactionFilter monta o WHERE da listagem e seus argumentos
func buildTransactionFilter(businessID string, filter TransactionFilter) (string, []any) {
	clauses := []string{"business_id = $1"}
	args := []any{businessID}

	if filter.Type != "" {
		args = append(args, string(filter.Type))
		clauses = append(clauses, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		clauses = append(clauses, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		clauses = append(clauses, fmt.Sprintf("occurred_at <= $%d", len(args)))
	}

	return strings.Join(clauses, " AND "), args
}

// ListTransactions filtra, ordena por occurred_at desc e pagina
func (r *PostgresRepository) ListTransactions(ctx context.Context, businessID string, filter TransactionFilter, page Pagination) ([]*Transaction, int, error) {
	page = page.Normalize()
	where, args := buildTransactionFilter(businessID, filter)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", classifyPgError(err))
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM transactions
		WHERE %s
		ORDER BY occurred_at DESC, created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, transactionColumns, where, len(args)+1, len(args)+2)

	rows, err := r.db.Query(ctx, query, append(args, page.Limit, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", classifyPgError(err))
	}
	defer rows.Close()

	transactions := make([]*Transaction, 0, page.Limit)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classifyPgError(err)
	}

	if err := r.loadLineItems(ctx, transactions); err != nil {
		return nil, 0, err
	}
	return transactions, total, nil
}

// loadLineItems carrega os itens das transações numa única query
func (r *PostgresRepository) loadLineItems(ctx context.Context, transactions []*Transaction) error {
	if len(transactions) == 0 {
		return nil
	}

	byID := make(map[string]*Transaction, len(transactions))
	ids := make([]string, 0, len(transactions))
	for _, transaction := range transactions {
		byID[transaction.ID] = transaction
		ids = append(ids, transaction.ID)
	}

	rows, err := r.db.Query(ctx, `
		SELECT transaction_id, product_id, quantity, unit_price::text
		FROM transaction_line_items
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to load line items: %w", classifyPgError(err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			transactionID string
			item          LineItem
			unitPrice     string
		)
		if err := rows.Scan(&transactionID, &item.ProductID, &item.Quantity, &unitPrice); err != nil {
			return err
		}
		item.UnitPrice, err = decimal.NewFromString(unitPrice)
		if err != nil {
			return fmt.Errorf("invalid unit price on transaction %s: %w", transactionID, err)
		}
		if transaction, ok := byID[transactionID]; ok {
			transaction.LineItems = append(transaction.LineItems, item)
		}
	}
	return classifyPgError(rows.Err())
}

// Close fecha o pool
func (r *PostgresRepository) Close(ctx context.Context) error {
	r.db.Close()
	return nil
}
