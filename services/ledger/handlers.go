package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	businessHeader = "X-Business-ID"
	businessKey    = "business_id"
)

// LedgerHandler contém os handlers HTTP do ledger, do catálogo e do diretório
type LedgerHandler struct {
	transactions TransactionUseCaseInterface
	catalog      *CatalogUseCase
	logger       *zap.Logger
}

// NewLedgerHandler cria uma nova instância de LedgerHandler
func NewLedgerHandler(transactions TransactionUseCaseInterface, catalog *CatalogUseCase, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		transactions: transactions,
		catalog:      catalog,
		logger:       logger,
	}
}

// RegisterRoutes registra as rotas da API
func (h *LedgerHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api", requireBusiness())
	api.POST("/transactions", h.SubmitTransaction)
	api.GET("/transactions", h.ListTransactions)
	api.GET("/transactions/:id", h.GetTransaction)

	api.POST("/products", h.CreateProduct)
	api.GET("/products", h.ListProducts)
	api.GET("/products/:id", h.GetProduct)
	api.PUT("/products/:id", h.UpdateProduct)

	api.POST("/contacts", h.CreateContact)
	api.GET("/contacts", h.ListContacts)
	api.GET("/contacts/:id", h.GetContact)
	api.PUT("/contacts/:id", h.UpdateContact)
}

// requireBusiness exige o business definido pela camada de autenticação
func requireBusiness() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessID := c.GetHeader(businessHeader)
		if businessID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing business context",
				"code":  "unauthorized",
			})
			return
		}

		trace.SpanFromContext(c.Request.Context()).SetAttributes(attribute.String("business_id", businessID))
		c.Set(businessKey, businessID)
		c.Next()
	}
}

type lineItemRequest struct {
	ProductID string          `json:"product_id" binding:"required"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type submitTransactionRequest struct {
	Type           string            `json:"type" binding:"required"`
	CounterpartyID string            `json:"counterparty_id" binding:"required"`
	LineItems      []lineItemRequest `json:"line_items" binding:"dive"`
	OccurredAt     *time.Time        `json:"occurred_at"`
}

// SubmitTransaction registra uma venda ou compra
func (h *LedgerHandler) SubmitTransaction(c *gin.Context) {
	var req submitTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("failed to bind transaction request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}

	items := make([]LineItem, 0, len(req.LineItems))
	for _, item := range req.LineItems {
		items = append(items, LineItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	transaction, err := h.transactions.SubmitTransaction(c.Request.Context(), SubmitTransactionRequest{
		BusinessID:     c.GetString(businessKey),
		Type:           TransactionType(req.Type),
		CounterpartyID: req.CounterpartyID,
		LineItems:      items,
		OccurredAt:     req.OccurredAt,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": transaction})
}

type listTransactionsQuery struct {
	Type      string `form:"type"`
	StartDate string `form:"startDate"`
	EndDate   string `form:"endDate"`
	Page      int    `form:"page"`
	Limit     int    `form:"limit"`
}

// ListTransactions lista as transações com filtros e paginação
func (h *LedgerHandler) ListTransactions(c *gin.Context) {
	var query listTransactionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}

	filter := TransactionFilter{Type: TransactionType(query.Type)}

	var err error
	if filter.From, err = parseDateParam("startDate", query.StartDate, false); err != nil {
		h.writeError(c, err)
		return
	}
	if filter.To, err = parseDateParam("endDate", query.EndDate, true); err != nil {
		h.writeError(c, err)
		return
	}

	page := Pagination{Page: query.Page, Limit: query.Limit}.Normalize()

	transactions, total, err := h.transactions.ListTransactions(c.Request.Context(), c.GetString(businessKey), filter, page)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": transactions,
		"pagination":   paginationBody(page, total),
	})
}

func paginationBody(page Pagination, total int) gin.H {
	return gin.H{
		"total": total,
		"pages": page.Pages(total),
		"page":  page.Page,
		"limit": page.Limit,
	}
}

type pageQuery struct {
	Page  int `form:"page"`
	Limit int `form:"limit"`
}

// parseDateParam aceita RFC3339 ou só a data; endDate só com data vale até o fim do dia
func parseDateParam(field, value string, endOfDay bool) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}

	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}

	parsed, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil, &ValidationError{Field: field, Message: fmt.Sprintf("invalid date %q", value)}
	}
	if endOfDay {
		parsed = parsed.Add(24*time.Hour - time.Nanosecond)
	}
	return &parsed, nil
}

// GetTransaction busca uma transação pelo id
func (h *LedgerHandler) GetTransaction(c *gin.Context) {
	transaction, err := h.transactions.GetTransaction(c.Request.Context(), c.GetString(businessKey), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": transaction})
}

type createProductRequest struct {
	Name     string          `json:"name" binding:"required"`
	Category string          `json:"category"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock" binding:"gte=0"`
}

// CreateProduct cadastra um produto
func (h *LedgerHandler) CreateProduct(c *gin.Context) {
	var req createProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}

	product, err := h.catalog.CreateProduct(c.Request.Context(), CreateProductRequest{
		BusinessID: c.GetString(businessKey),
		Name:       req.Name,
		Category:   req.Category,
		Price:      req.Price,
		Stock:      req.Stock,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"product": product})
}

// GetProduct busca um produto pelo id
func (h *LedgerHandler) GetProduct(c *gin.Context) {
	product, err := h.catalog.GetProduct(c.Request.Context(), c.GetString(businessKey), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product})
}

type updateProductRequest struct {
	Name     *string          `json:"name"`
	Category *string          `json:"category"`
	Price    *decimal.Decimal `json:"price"`
	Stock    *int             `json:"stock"`
}

// UpdateProduct edita nome, categoria e preço de um produto
func (h *LedgerHandler) UpdateProduct(c *gin.Context) {
	var req updateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}
	if req.Stock != nil {
		h.writeError(c, &ValidationError{Field: "stock", Message: "changes only through sale and purchase transactions"})
		return
	}

	product, err := h.catalog.UpdateProduct(c.Request.Context(), c.GetString(businessKey), c.Param("id"), ProductUpdate{
		Name:     req.Name,
		Category: req.Category,
		Price:    req.Price,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product})
}

// ListProducts lista o catálogo com paginação
func (h *LedgerHandler) ListProducts(c *gin.Context) {
	var query pageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}

	page := Pagination{Page: query.Page, Limit: query.Limit}.Normalize()
	products, total, err := h.catalog.ListProducts(c.Request.Context(), c.GetString(businessKey), page)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"products":   products,
		"pagination": paginationBody(page, total),
	})
}

type createContactRequest struct {
	Name    string `json:"name" binding:"required"`
	Phone   string `json:"phone" binding:"required"`
	Email   string `json:"email" binding:"omitempty,email"`
	Address string `json:"address"`
	Type    string `json:"type" binding:"required,oneof=customer vendor"`
}

// CreateContact cadastra um cliente ou fornecedor
func (h *LedgerHandler) CreateContact(c *gin.Context) {
	var req createContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}

	contact, err := h.catalog.CreateContact(c.Request.Context(), CreateContactRequest{
		BusinessID: c.GetString(businessKey),
		Name:       req.Name,
		Phone:      req.Phone,
		Email:      req.Email,
		Address:    req.Address,
		Type:       ContactType(req.Type),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contact": contact})
}

// GetContact busca um contato pelo id
func (h *LedgerHandler) GetContact(c *gin.Context) {
	contact, err := h.catalog.GetContact(c.Request.Context(), c.GetString(businessKey), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contact": contact})
}

type updateContactRequest struct {
	Name    *string `json:"name"`
	Phone   *string `json:"phone"`
	Email   *string `json:"email" binding:"omitempty,email"`
	Address *string `json:"address"`
	Type    *string `json:"type"`
}

// UpdateContact edita os dados de um contato
func (h *LedgerHandler) UpdateContact(c *gin.Context) {
	var req updateContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}
	if req.Type != nil {
		h.writeError(c, &ValidationError{Field: "type", Message: "cannot change after the contact is created"})
		return
	}

	contact, err := h.catalog.UpdateContact(c.Request.Context(), c.GetString(businessKey), c.Param("id"), ContactUpdate{
		Name:    req.Name,
		Phone:   req.Phone,
		Email:   req.Email,
		Address: req.Address,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contact": contact})
}

type listContactsQuery struct {
	pageQuery
	Type   string `form:"type"`
	Search string `form:"search"`
}

// ListContacts lista o diretório, opcionalmente por tipo e busca
func (h *LedgerHandler) ListContacts(c *gin.Context) {
	var query listContactsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
		return
	}

	page := Pagination{Page: query.Page, Limit: query.Limit}.Normalize()
	filter := ContactFilter{Type: ContactType(query.Type), Search: query.Search}
	contacts, total, err := h.catalog.ListContacts(c.Request.Context(), c.GetString(businessKey), filter, page)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"contacts":   contacts,
		"pagination": paginationBody(page, total),
	})
}

// HealthCheck é o endpoint de health check
func (h *LedgerHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// writeError converte a taxonomia de erros do ledger em status HTTP
func (h *LedgerHandler) writeError(c *gin.Context, err error) {
	var stockErr *InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      err.Error(),
			"code":       "insufficient_stock",
			"product_id": stockErr.ProductID,
			"available":  stockErr.Available,
			"requested":  stockErr.Requested,
		})
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_input"})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, ErrCommitConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "commit conflict, try again", "code": "commit_conflict"})
	case errors.Is(err, ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "already_exists"})
	case errors.Is(err, ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable", "code": "storage_unavailable"})
	default:
		h.logger.Error("❌ [HTTP] unexpected error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
	}
}
