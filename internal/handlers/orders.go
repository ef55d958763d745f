package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nizigama/trading-platform-be/internal/storage"
	"github.com/nizigama/trading-platform-be/internal/validation"
	"github.com/nizigama/trading-platform-be/libs/auth"
	"github.com/nizigama/trading-platform-be/libs/httpmiddleware"
)

// OrderEngine is the trading surface the HTTP layer drives.
type OrderEngine interface {
	SubmitOrder(ctx context.Context, in storage.NewOrder, correlationID string) (storage.Order, *storage.MatchResult, error)
	Cancel(ctx context.Context, userID, orderID int64) (storage.Order, error)
}

// MarketStore serves the read side: symbols, order listings, profiles.
type MarketStore interface {
	ListSymbols(ctx context.Context) ([]storage.Symbol, error)
	GetSymbolByName(ctx context.Context, name string) (storage.Symbol, error)
	ListOrdersForSymbol(ctx context.Context, userID, symbolID int64) ([]storage.OrderView, error)
	GetProfile(ctx context.Context, userID int64) (storage.Profile, error)
}

type OrderHandler struct {
	Engine OrderEngine
	Store  MarketStore
	Logger *slog.Logger
}

type createOrderRequest struct {
	SymbolID int64  `json:"symbol_id"`
	Side     int16  `json:"side"`
	Price    string `json:"price"`
	Amount   string `json:"amount"`
}

type orderBody struct {
	ID     int64  `json:"id"`
	Side   int16  `json:"side"`
	Price  string `json:"price"`
	Amount string `json:"amount"`
	Status int16  `json:"status"`
}

type tradeBody struct {
	ID         int64  `json:"id"`
	Price      string `json:"price"`
	Amount     string `json:"amount"`
	Commission string `json:"commission"`
	CreatedAt  string `json:"created_at"`
}

type createOrderResponse struct {
	Order orderBody  `json:"order"`
	Trade *tradeBody `json:"trade,omitempty"`
}

type orderListItem struct {
	ID            int64   `json:"id"`
	Side          int16   `json:"side"`
	Price         string  `json:"price"`
	Amount        string  `json:"amount"`
	Status        int16   `json:"status"`
	ExecutedPrice *string `json:"executed_price,omitempty"`
	Commission    *string `json:"commission,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

type symbolItem struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type assetItem struct {
	Symbol       string `json:"symbol"`
	Amount       string `json:"amount"`
	LockedAmount string `json:"locked_amount"`
}

type profileResponse struct {
	Balance       string      `json:"balance"`
	LockedBalance string      `json:"locked_balance"`
	Assets        []assetItem `json:"assets"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

func NewOrderHandler(engine OrderEngine, store MarketStore, logger *slog.Logger) *OrderHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderHandler{Engine: engine, Store: store, Logger: logger}
}

func (h *OrderHandler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret))
	group.GET("/symbols", h.ListSymbols)
	group.GET("/profile", h.Profile)
	group.POST("/orders", h.CreateOrder)
	group.GET("/orders", h.ListOrders)
	group.POST("/orders/:id/cancel", h.CancelOrder)
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	errs := validation.ValidateOrderRequest(req.SymbolID, req.Side, req.Price, req.Amount)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	price, err := validation.ParseDecimal(req.Price)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid price", nil)
		return
	}
	amount, err := validation.ParseDecimal(req.Amount)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid amount", nil)
		return
	}

	order, match, err := h.Engine.SubmitOrder(c.Request.Context(), storage.NewOrder{
		UserID:   userID,
		SymbolID: req.SymbolID,
		Side:     storage.Side(req.Side),
		Price:    price,
		Amount:   amount,
	}, httpmiddleware.RequestIDFromContext(c))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInsufficientFunds):
			writeError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", "insufficient funds", nil)
		case errors.Is(err, storage.ErrNotFound):
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "unknown symbol or user", nil)
		case errors.Is(err, storage.ErrConcurrencyConflict):
			writeError(c, http.StatusConflict, "CONCURRENCY_CONFLICT", "please retry", nil)
		default:
			h.Logger.Error("submit order failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		}
		return
	}

	resp := createOrderResponse{Order: orderToBody(order)}
	if match != nil {
		// The caller's own order after settlement.
		own := match.BuyOrder
		if userID == match.Trade.SellerID {
			own = match.SellOrder
		}
		trade := tradeBody{
			ID:         match.Trade.ID,
			Price:      match.Trade.Price.String(),
			Amount:     match.Trade.Amount.String(),
			Commission: match.Trade.Commission.String(),
			CreatedAt:  match.Trade.CreatedAt.UTC().Format(time.RFC3339),
		}
		resp.Order = orderToBody(own)
		resp.Trade = &trade
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	name := strings.TrimSpace(c.Query("symbol"))
	if name == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "symbol is required", nil)
		return
	}

	symbol, err := h.Store.GetSymbolByName(c.Request.Context(), strings.ToUpper(name))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "unknown symbol", nil)
			return
		}
		h.Logger.Error("symbol lookup failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	views, err := h.Store.ListOrdersForSymbol(c.Request.Context(), userID, symbol.ID)
	if err != nil {
		h.Logger.Error("list orders failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	items := make([]orderListItem, 0, len(views))
	for _, v := range views {
		item := orderListItem{
			ID:        v.ID,
			Side:      int16(v.Side),
			Price:     v.Price.String(),
			Amount:    v.Amount.String(),
			Status:    int16(v.Status),
			CreatedAt: v.CreatedAt.UTC().Format(time.RFC3339),
		}
		if v.ExecutedPrice != nil {
			val := v.ExecutedPrice.String()
			item.ExecutedPrice = &val
		}
		if v.Commission != nil {
			val := v.Commission.String()
			item.Commission = &val
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"orders": items})
}

func (h *OrderHandler) CancelOrder(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	orderID, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || orderID <= 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id", nil)
		return
	}

	order, err := h.Engine.Cancel(c.Request.Context(), userID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(c, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
		case errors.Is(err, storage.ErrInvalidState):
			writeError(c, http.StatusConflict, "INVALID_STATE", "order not cancellable", nil)
		case errors.Is(err, storage.ErrConcurrencyConflict):
			writeError(c, http.StatusConflict, "CONCURRENCY_CONFLICT", "please retry", nil)
		default:
			h.Logger.Error("cancel order failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         order.ID,
		"status":     int16(order.Status),
		"updated_at": order.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *OrderHandler) ListSymbols(c *gin.Context) {
	symbols, err := h.Store.ListSymbols(c.Request.Context())
	if err != nil {
		h.Logger.Error("list symbols failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	items := make([]symbolItem, 0, len(symbols))
	for _, s := range symbols {
		items = append(items, symbolItem{ID: s.ID, Name: s.Name})
	}
	c.JSON(http.StatusOK, gin.H{"symbols": items})
}

func (h *OrderHandler) Profile(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	profile, err := h.Store.GetProfile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "user not found", nil)
			return
		}
		h.Logger.Error("get profile failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	resp := profileResponse{
		Balance:       profile.Balance.String(),
		LockedBalance: profile.LockedBalance.String(),
		Assets:        make([]assetItem, 0, len(profile.Assets)),
	}
	for _, a := range profile.Assets {
		resp.Assets = append(resp.Assets, assetItem{
			Symbol:       a.Symbol,
			Amount:       a.Amount.String(),
			LockedAmount: a.LockedAmount.String(),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func orderToBody(o storage.Order) orderBody {
	return orderBody{
		ID:     o.ID,
		Side:   int16(o.Side),
		Price:  o.Price.String(),
		Amount: o.Amount.String(),
		Status: int16(o.Status),
	}
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{Code: code, Message: message, Fields: fields})
}
