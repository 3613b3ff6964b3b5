package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const (
	productsCollection     = "products"
	contactsCollection     = "contacts"
	transactionsCollection = "transactions"

	mongoWriteConflictCode = 112
)

// MongoRepository implementa Repository usando MongoDB (replica set, por causa das transações)
type MongoRepository struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoRepository cria uma nova instância de MongoRepository
func NewMongoRepository(client *mongo.Client, database string) *MongoRepository {
	return &MongoRepository{
		client: client,
		db:     client.Database(database),
	}
}

type productDocument struct {
	ID         string               `bson:"_id"`
	BusinessID string               `bson:"business_id"`
	Name       string               `bson:"name"`
	Category   string               `bson:"category"`
	Price      primitive.Decimal128 `bson:"price"`
	Stock      int                  `bson:"stock"`
	CreatedAt  time.Time            `bson:"created_at"`
	UpdatedAt  time.Time            `bson:"updated_at"`
}

type contactDocument struct {
	ID         string    `bson:"_id"`
	BusinessID string    `bson:"business_id"`
	Name       string    `bson:"name"`
	Phone      string    `bson:"phone"`
	Email      string    `bson:"email,omitempty"`
	Address    string    `bson:"address,omitempty"`
	Type       string    `bson:"type"`
	CreatedAt  time.Time `bson:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

type lineItemDocument struct {
	ProductID string               `bson:"product_id"`
	Quantity  int                  `bson:"quantity"`
	UnitPrice primitive.Decimal128 `bson:"unit_price"`
}

type transactionDocument struct {
	ID             string               `bson:"_id"`
	BusinessID     string               `bson:"business_id"`
	Type           string               `bson:"type"`
	CounterpartyID string               `bson:"counterparty_id"`
	LineItems      []lineItemDocument   `bson:"line_items"`
	TotalAmount    primitive.Decimal128 `bson:"total_amount"`
	OccurredAt     time.Time            `bson:"occurred_at"`
	CreatedAt      time.Time            `bson:"created_at"`
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	return primitive.ParseDecimal128(d.String())
}

func fromDecimal128(d primitive.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(d.String())
}

func newProductDocument(p *Product) (*productDocument, error) {
	price, err := toDecimal128(p.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid price: %w", err)
	}
	return &productDocument{
		ID:         p.ID,
		BusinessID: p.BusinessID,
		Name:       p.Name,
		Category:   p.Category,
		Price:      price,
		Stock:      p.Stock,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}, nil
}

func (d *productDocument) toProduct() (*Product, error) {
	price, err := fromDecimal128(d.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid price for product %s: %w", d.ID, err)
	}
	return &Product{
		ID:         d.ID,
		BusinessID: d.BusinessID,
		Name:       d.Name,
		Category:   d.Category,
		Price:      price,
		Stock:      d.Stock,
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}, nil
}

func (d *contactDocument) toContact() *Contact {
	return &Contact{
		ID:         d.ID,
		BusinessID: d.BusinessID,
		Name:       d.Name,
		Phone:      d.Phone,
		Email:      d.Email,
		Address:    d.Address,
		Type:       ContactType(d.Type),
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
}

func newTransactionDocument(t *Transaction) (*transactionDocument, error) {
	total, err := toDecimal128(t.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid total: %w", err)
	}

	items := make([]lineItemDocument, 0, len(t.LineItems))
	for _, item := range t.LineItems {
		unitPrice, err := toDecimal128(item.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("invalid unit price for product %s: %w", item.ProductID, err)
		}
		items = append(items, lineItemDocument{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: unitPrice,
		})
	}

	return &transactionDocument{
		ID:             t.ID,
		BusinessID:     t.BusinessID,
		Type:           string(t.Type),
		CounterpartyID: t.CounterpartyID,
		LineItems:      items,
		TotalAmount:    total,
		OccurredAt:     t.OccurredAt,
		CreatedAt:      t.CreatedAt,
	}, nil
}

func (d *transactionDocument) toTransaction() (*Transaction, error) {
	total, err := fromDecimal128(d.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid total for transaction %s: %w", d.ID, err)
	}

	items := make([]LineItem, 0, len(d.LineItems))
	for _, item := range d.LineItems {
		unitPrice, err := fromDecimal128(item.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("invalid unit price on transaction %s: %w", d.ID, err)
		}
		items = append(items, LineItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: unitPrice,
		})
	}

	return &Transaction{
		ID:             d.ID,
		BusinessID:     d.BusinessID,
		Type:           TransactionType(d.Type),
		CounterpartyID: d.CounterpartyID,
		LineItems:      items,
		TotalAmount:    total,
		OccurredAt:     d.OccurredAt.UTC(),
		CreatedAt:      d.CreatedAt.UTC(),
	}, nil
}

// classifyMongoError traduz erros do driver para a taxonomia do ledger
func classifyMongoError(err error) error {
	if err == nil {
		return nil
	}

	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		if serverErr.HasErrorLabel("TransientTransactionError") || serverErr.HasErrorCode(mongoWriteConflictCode) {
			return fmt.Errorf("%w: %w", ErrCommitConflict, err)
		}
		if serverErr.HasErrorLabel("UnknownTransactionCommitResult") {
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCommitConflict, err)
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	return err
}

// MongoTx implementa a interface Tx sobre uma sessão com transação aberta
type MongoTx struct {
	session mongo.Session
	done    bool
}

func (t *MongoTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("%w: already finished", ErrInvalidTx)
	}
	t.done = true
	defer t.session.EndSession(context.WithoutCancel(ctx))

	return classifyMongoError(t.session.CommitTransaction(ctx))
}

func (t *MongoTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.session.EndSession(ctx)

	return classifyMongoError(t.session.AbortTransaction(ctx))
}

// BeginTx abre uma sessão com transação snapshot / majority
func (r *MongoRepository) BeginTx(ctx context.Context) (Tx, error) {
	session, err := r.client.StartSession()
	if err != nil {
		return nil, classifyMongoError(err)
	}

	txOptions := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := session.StartTransaction(txOptions); err != nil {
		session.EndSession(ctx)
		return nil, classifyMongoError(err)
	}

	return &MongoTx{session: session}, nil
}

func (r *MongoRepository) sessionContext(ctx context.Context, tx Tx) (mongo.SessionContext, error) {
	mongoTx, ok := tx.(*MongoTx)
	if !ok || mongoTx.done {
		return nil, ErrInvalidTx
	}
	return mongo.NewSessionContext(ctx, mongoTx.session), nil
}

// EnsureIndexes cria os índices das coleções
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		productsCollection: {
			{Keys: bson.D{{Key: "business_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		contactsCollection: {
			{Keys: bson.D{{Key: "business_id", Value: 1}, {Key: "type", Value: 1}}},
			{Keys: bson.D{{Key: "business_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		transactionsCollection: {
			{Keys: bson.D{{Key: "business_id", Value: 1}, {Key: "type", Value: 1}, {Key: "occurred_at", Value: -1}}},
			{Keys: bson.D{{Key: "business_id", Value: 1}, {Key: "occurred_at", Value: -1}}},
		},
	}

	for collection, models := range indexes {
		if _, err := r.db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", collection, classifyMongoError(err))
		}
	}
	return nil
}

// CreateProduct grava um produto novo
func (r *MongoRepository) CreateProduct(ctx context.Context, product *Product) error {
	doc, err := newProductDocument(product)
	if err != nil {
		return &ValidationError{Field: "price", Message: err.Error()}
	}
	if _, err := r.db.Collection(productsCollection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert product: %w", classifyMongoError(err))
	}
	return nil
}

func (r *MongoRepository) findProduct(ctx context.Context, businessID, productID string) (*Product, error) {
	var doc productDocument
	err := r.db.Collection(productsCollection).
		FindOne(ctx, bson.M{"_id": productID, "business_id": businessID}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &NotFoundError{Resource: "product", ID: productID}
	}
	if err != nil {
		return nil, classifyMongoError(err)
	}
	return doc.toProduct()
}

// GetProduct busca o produto commitado do business
func (r *MongoRepository) GetProduct(ctx context.Context, businessID, productID string) (*Product, error) {
	return r.findProduct(ctx, businessID, productID)
}

// buildStockAdjustFilter casa o produto só se o delta mantiver o estoque entre
// zero e MaxQuantity
func buildStockAdjustFilter(businessID, productID string, delta int) bson.M {
	filter := bson.M{"_id": productID, "business_id": businessID}
	switch {
	case delta < 0:
		filter["stock"] = bson.M{"$gte": -delta}
	case delta > 0:
		filter["stock"] = bson.M{"$lte": MaxQuantity - delta}
	}
	return filter
}

// AdjustStock aplica o delta com um $inc condicional aos limites do estoque.
// Escritas concorrentes no mesmo documento abortam com WriteConflict.
func (r *MongoRepository) AdjustStock(ctx context.Context, tx Tx, businessID, productID string, delta int) (int, error) {
	sctx, err := r.sessionContext(ctx, tx)
	if err != nil {
		return 0, err
	}

	update := bson.M{
		"$inc": bson.M{"stock": delta},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}

	var doc productDocument
	err = r.db.Collection(productsCollection).
		FindOneAndUpdate(sctx, buildStockAdjustFilter(businessID, productID, delta), update,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&doc)
	if err == nil {
		return doc.Stock, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("failed to adjust stock: %w", classifyMongoError(err))
	}

	// Nenhum documento casou: produto ausente ou delta fora dos limites
	product, err := r.findProduct(sctx, businessID, productID)
	if err != nil {
		return 0, err
	}
	if _, err := NextStock(productID, product.Stock, delta); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: stock of product %s changed during adjust", ErrCommitConflict, productID)
}

// buildProductUpdate monta o $set da edição de produto
func buildProductUpdate(update ProductUpdate) (bson.M, error) {
	set := bson.M{"updated_at": time.Now().UTC()}
	if update.Name != nil {
		set["name"] = *update.Name
	}
	if update.Category != nil {
		set["category"] = *update.Category
	}
	if update.Price != nil {
		price, err := toDecimal128(*update.Price)
		if err != nil {
			return nil, &ValidationError{Field: "price", Message: err.Error()}
		}
		set["price"] = price
	}
	return bson.M{"$set": set}, nil
}

// UpdateProduct edita os campos presentes; o estoque fica como está
func (r *MongoRepository) UpdateProduct(ctx context.Context, businessID, productID string, update ProductUpdate) (*Product, error) {
	changes, err := buildProductUpdate(update)
	if err != nil {
		return nil, err
	}

	var doc productDocument
	err = r.db.Collection(productsCollection).
		FindOneAndUpdate(ctx, bson.M{"_id": productID, "business_id": businessID}, changes,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &NotFoundError{Resource: "product", ID: productID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update product: %w", classifyMongoError(err))
	}
	return doc.toProduct()
}

var createdDescending = bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}

// ListProducts pagina os produtos do business, mais novos primeiro
func (r *MongoRepository) ListProducts(ctx context.Context, businessID string, page Pagination) ([]*Product, int, error) {
	page = page.Normalize()
	query := bson.M{"business_id": businessID}
	collection := r.db.Collection(productsCollection)

	total, err := collection.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", classifyMongoError(err))
	}

	cursor, err := collection.Find(ctx, query, options.Find().
		SetSort(createdDescending).
		SetSkip(int64(page.Offset())).
		SetLimit(int64(page.Limit)))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list products: %w", classifyMongoError(err))
	}
	defer cursor.Close(ctx)

	var docs []productDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, classifyMongoError(err)
	}

	products := make([]*Product, 0, len(docs))
	for i := range docs {
		product, err := docs[i].toProduct()
		if err != nil {
			return nil, 0, err
		}
		products = append(products, product)
	}
	return products, int(total), nil
}

// CreateContact grava um contato novo
func (r *MongoRepository) CreateContact(ctx context.Context, contact *Contact) error {
	doc := &contactDocument{
		ID:         contact.ID,
		BusinessID: contact.BusinessID,
		Name:       contact.Name,
		Phone:      contact.Phone,
		Email:      contact.Email,
		Address:    contact.Address,
		Type:       string(contact.Type),
		CreatedAt:  contact.CreatedAt,
		UpdatedAt:  contact.UpdatedAt,
	}
	if _, err := r.db.Collection(contactsCollection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert contact: %w", classifyMongoError(err))
	}
	return nil
}

// GetContact busca o contato do business com o tipo exigido
func (r *MongoRepository) GetContact(ctx context.Context, businessID, contactID string, contactType ContactType) (*Contact, error) {
	var doc contactDocument
	err := r.db.Collection(contactsCollection).
		FindOne(ctx, bson.M{"_id": contactID, "business_id": businessID, "type": string(contactType)}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &NotFoundError{Resource: string(contactType), ID: contactID}
	}
	if err != nil {
		return nil, classifyMongoError(err)
	}
	return doc.toContact(), nil
}

// buildContactUpdate monta o $set da edição de contato
func buildContactUpdate(update ContactUpdate) bson.M {
	set := bson.M{"updated_at": time.Now().UTC()}
	if update.Name != nil {
		set["name"] = *update.Name
	}
	if update.Phone != nil {
		set["phone"] = *update.Phone
	}
	if update.Email != nil {
		set["email"] = *update.Email
	}
	if update.Address != nil {
		set["address"] = *update.Address
	}
	return bson.M{"$set": set}
}

// UpdateContact edita os campos presentes do contato
func (r *MongoRepository) UpdateContact(ctx context.Context, businessID, contactID string, update ContactUpdate) (*Contact, error) {
	var doc contactDocument
	err := r.db.Collection(contactsCollection).
		FindOneAndUpdate(ctx, bson.M{"_id": contactID, "business_id": businessID}, buildContactUpdate(update),
			options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &NotFoundError{Resource: "contact", ID: contactID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update contact: %w", classifyMongoError(err))
	}
	return doc.toContact(), nil
}

// buildMongoContactFilter monta o filtro da listagem de contatos
func buildMongoContactFilter(businessID string, filter ContactFilter) bson.D {
	query := bson.D{{Key: "business_id", Value: businessID}}
	if filter.Type != "" {
		query = append(query, bson.E{Key: "type", Value: string(filter.Type)})
	}
	if filter.Search != "" {
		pattern := primitive.Regex{Pattern: regexp.QuoteMeta(filter.Search), Options: "i"}
		query = append(query, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "name", Value: pattern}},
			bson.D{{Key: "email", Value: pattern}},
			bson.D{{Key: "phone", Value: pattern}},
		}})
	}
	return query
}

// ListContacts filtra, ordena por created_at desc e pagina
func (r *MongoRepository) ListContacts(ctx context.Context, businessID string, filter ContactFilter, page Pagination) ([]*Contact, int, error) {
	page = page.Normalize()
	query := buildMongoContactFilter(businessID, filter)
	collection := r.db.Collection(contactsCollection)

	total, err := collection.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count contacts: %w", classifyMongoError(err))
	}

	cursor, err := collection.Find(ctx, query, options.Find().
		SetSort(createdDescending).
		SetSkip(int64(page.Offset())).
		SetLimit(int64(page.Limit)))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list contacts: %w", classifyMongoError(err))
	}
	defer cursor.Close(ctx)

	var docs []contactDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, classifyMongoError(err)
	}

	contacts := make([]*Contact, 0, len(docs))
	for i := range docs {
		contacts = append(contacts, docs[i].toContact())
	}
	return contacts, int(total), nil
}

// InsertTransaction grava a transação com os itens embutidos dentro da sessão
func (r *MongoRepository) InsertTransaction(ctx context.Context, tx Tx, transaction *Transaction) error {
	sctx, err := r.sessionContext(ctx, tx)
	if err != nil {
		return err
	}

	doc, err := newTransactionDocument(transaction)
	if err != nil {
		return err
	}

	if _, err := r.db.Collection(transactionsCollection).InsertOne(sctx, doc); err != nil {
		return fmt.Errorf("failed to insert transaction: %w", classifyMongoError(err))
	}
	return nil
}

// GetTransaction busca uma transação commitada do business
func (r *MongoRepository) GetTransaction(ctx context.Context, businessID, transactionID string) (*Transaction, error) {
	var doc transactionDocument
	err := r.db.Collection(transactionsCollection).
		FindOne(ctx, bson.M{"_id": transactionID, "business_id": businessID}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &NotFoundError{Resource: "transaction", ID: transactionID}
	}
	if err != nil {
		return nil, classifyMongoError(err)
	}
	return doc.toTransaction()
}

// buildMongoTransactionFilter monta o filtro da listagem
func buildMongoTransactionFilter(businessID string, filter TransactionFilter) bson.D {
	query := bson.D{{Key: "business_id", Value: businessID}}
	if filter.Type != "" {
		query = append(query, bson.E{Key: "type", Value: string(filter.Type)})
	}

	occurred := bson.D{}
	if filter.From != nil {
		occurred = append(occurred, bson.E{Key: "$gte", Value: *filter.From})
	}
	if filter.To != nil {
		occurred = append(occurred, bson.E{Key: "$lte", Value: *filter.To})
	}
	if len(occurred) > 0 {
		query = append(query, bson.E{Key: "occurred_at", Value: occurred})
	}
	return query
}

// ListTransactions filtra, ordena por occurred_at desc e pagina
func (r *MongoRepository) ListTransactions(ctx context.Context, businessID string, filter TransactionFilter, page Pagination) ([]*Transaction, int, error) {
	page = page.Normalize()
	query := buildMongoTransactionFilter(businessID, filter)
	collection := r.db.Collection(transactionsCollection)

	total, err := collection.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", classifyMongoError(err))
	}

	findOptions := options.Find().
		SetSort(bson.D{{Key: "occurred_at", Value: -1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(page.Offset())).
		SetLimit(int64(page.Limit))

	cursor, err := collection.Find(ctx, query, findOptions)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", classifyMongoError(err))
	}
	defer cursor.Close(ctx)

	var docs []transactionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, classifyMongoError(err)
	}

	transactions := make([]*Transaction, 0, len(docs))
	for i := range docs {
		transaction, err := docs[i].toTransaction()
		if err != nil {
			return nil, 0, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, int(total), nil
}

// Close desconecta o client
func (r *MongoRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}
