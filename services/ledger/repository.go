package main

import (
	"context"
)

// Tx é a unidade atômica do commit: tudo que for feito com ela aparece junto
// no Commit ou some no Rollback. Rollback depois de Commit não faz nada.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxManager abre unidades atômicas
type TxManager interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// CatalogRepository define as operações do catálogo de produtos
type CatalogRepository interface {
	CreateProduct(ctx context.Context, product *Product) error

	// GetProduct busca o produto do business (leitura de dados commitados)
	GetProduct(ctx context.Context, businessID, productID string) (*Product, error)

	// UpdateProduct edita nome, categoria e preço. O estoque não é tocado.
	UpdateProduct(ctx context.Context, businessID, productID string, update ProductUpdate) (*Product, error)

	// ListProducts devolve a página pedida ordenada por created_at desc e o total
	ListProducts(ctx context.Context, businessID string, page Pagination) ([]*Product, int, error)

	// AdjustStock aplica o delta de forma atômica por produto dentro da tx e
	// devolve o novo estoque. Falha com StockAdjustError se ficaria negativo e
	// com ValidationError se passaria de MaxQuantity.
	AdjustStock(ctx context.Context, tx Tx, businessID, productID string, delta int) (int, error)
}

// DirectoryRepository define as operações do diretório de contatos
type DirectoryRepository interface {
	CreateContact(ctx context.Context, contact *Contact) error

	// GetContact busca o contato do business com o tipo exigido
	GetContact(ctx context.Context, businessID, contactID string, contactType ContactType) (*Contact, error)

	UpdateContact(ctx context.Context, businessID, contactID string, update ContactUpdate) (*Contact, error)

	// ListContacts devolve a página pedida ordenada por created_at desc e o total filtrado
	ListContacts(ctx context.Context, businessID string, filter ContactFilter, page Pagination) ([]*Contact, int, error)
}

// LedgerRepository define as operações do ledger (append-only, sem update/delete)
type LedgerRepository interface {
	// InsertTransaction grava a transação dentro da tx. Falha com ErrAlreadyExists
	// se o id já foi commitado.
	InsertTransaction(ctx context.Context, tx Tx, transaction *Transaction) error

	GetTransaction(ctx context.Context, businessID, transactionID string) (*Transaction, error)

	// ListTransactions devolve a página pedida ordenada por occurred_at desc e o total filtrado
	ListTransactions(ctx context.Context, businessID string, filter TransactionFilter, page Pagination) ([]*Transaction, int, error)
}

// Repository agrega os três stores sobre o mesmo datastore
type Repository interface {
	TxManager
	CatalogRepository
	DirectoryRepository
	LedgerRepository
	Close(ctx context.Context) error
}
