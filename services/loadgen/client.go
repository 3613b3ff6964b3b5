package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const businessHeader = "X-Business-ID"

// LedgerClient fala com a API HTTP do ledger em nome de um business
type LedgerClient struct {
	http    *resty.Client
	baseURL string
}

// NewLedgerClient cria um cliente resty com o header de business fixo
func NewLedgerClient(baseURL, businessID string, timeout time.Duration) *LedgerClient {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader(businessHeader, businessID).
		SetHeader("Content-Type", "application/json")

	return &LedgerClient{
		http:    client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type productResponse struct {
	Product struct {
		ID    string `json:"id"`
		Stock int    `json:"stock"`
	} `json:"product"`
}

type contactResponse struct {
	Contact struct {
		ID string `json:"id"`
	} `json:"contact"`
}

// CreateProduct cadastra o produto disputado pelo benchmark
func (c *LedgerClient) CreateProduct(ctx context.Context, stock int, price string) (string, error) {
	var result productResponse
	var failure apiError

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"name":     "loadgen-" + uuid.NewString()[:8],
			"category": "benchmark",
			"price":    price,
			"stock":    stock,
		}).
		SetResult(&result).
		SetError(&failure).
		Post(c.baseURL + "/api/products")
	if err != nil {
		return "", fmt.Errorf("create product: %w", err)
	}
	if resp.StatusCode() != http.StatusCreated {
		return "", fmt.Errorf("create product: status %d: %s", resp.StatusCode(), failure.Error)
	}
	return result.Product.ID, nil
}

// CreateCustomer cadastra o cliente das vendas
func (c *LedgerClient) CreateCustomer(ctx context.Context) (string, error) {
	var result contactResponse
	var failure apiError

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"name":  "Loadgen Customer",
			"phone": "+55 11 99999-0000",
			"type":  "customer",
		}).
		SetResult(&result).
		SetError(&failure).
		Post(c.baseURL + "/api/contacts")
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	if resp.StatusCode() != http.StatusCreated {
		return "", fmt.Errorf("create customer: status %d: %s", resp.StatusCode(), failure.Error)
	}
	return result.Contact.ID, nil
}

// SubmitSale envia uma venda e devolve o status HTTP recebido
func (c *LedgerClient) SubmitSale(ctx context.Context, customerID, productID string, quantity int, unitPrice string) (int, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"type":            "sale",
			"counterparty_id": customerID,
			"line_items": []map[string]any{
				{"product_id": productID, "quantity": quantity, "unit_price": unitPrice},
			},
		}).
		Post(c.baseURL + "/api/transactions")
	if err != nil {
		return 0, fmt.Errorf("submit sale: %w", err)
	}
	return resp.StatusCode(), nil
}

// ProductStock lê o estoque atual do produto
func (c *LedgerClient) ProductStock(ctx context.Context, productID string) (int, error) {
	var result productResponse
	var failure apiError

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&failure).
		Get(c.baseURL + "/api/products/" + productID)
	if err != nil {
		return 0, fmt.Errorf("get product: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get product: status %d: %s", resp.StatusCode(), failure.Error)
	}
	return result.Product.Stock, nil
}
