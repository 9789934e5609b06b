package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/maplecart/api/internal/platform/httpx"
	"github.com/maplecart/api/internal/services"
)

type approveReturnRequest struct {
	ItemIDs      []string `json:"item_ids"`
	RestoreStock bool     `json:"restore_stock"`
	Notes        string   `json:"notes"`
}

type rejectReturnRequest struct {
	Notes string `json:"notes"`
}

type transitionNoteRequest struct {
	Notes string `json:"notes"`
}

type refundRequest struct {
	ItemIDs        []string `json:"item_ids"`
	AmountOverride *int64   `json:"amount_override"`
	Notes          string   `json:"notes"`
}

type stockAdjustRequest struct {
	Delta int `json:"delta"`
}

// AdminOrderHandlers exposes the back-office order and stock endpoints.
type AdminOrderHandlers struct {
	orders services.OrderService
	stock  services.StockService
}

// NewAdminOrderHandlers constructs a new AdminOrderHandlers instance.
func NewAdminOrderHandlers(orders services.OrderService, stock services.StockService) *AdminOrderHandlers {
	return &AdminOrderHandlers{orders: orders, stock: stock}
}

// Routes registers the /admin endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Get("/orders/{orderID}/history", h.listHistory)
	r.Get("/orders/{orderID}/refunds", h.listRefunds)
	r.Post("/orders/{orderID}:mark-shipped", h.markShipped)
	r.Post("/orders/{orderID}:mark-delivered", h.markDelivered)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
	r.Post("/orders/{orderID}:approve-return", h.approveReturn)
	r.Post("/orders/{orderID}:reject-return", h.rejectReturn)
	r.Post("/orders/{orderID}:refund", h.refund)
	r.Get("/stock/{productID}", h.stockLevel)
	r.Post("/stock/{productID}:adjust", h.adjustStock)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	query, ok := parseOrderListQuery(w, r)
	if !ok {
		return
	}
	query.Actor = actorFrom(identity)
	query.CustomerRef = strings.TrimSpace(r.URL.Query().Get("customer"))

	page, err := h.orders.ListOrders(ctx, query)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderListPayload(page))
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, actorFrom(identity), orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderPayload(order))
}

func (h *AdminOrderHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	entries, err := h.orders.ListHistory(ctx, actorFrom(identity), orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"history": toHistoryPayload(entries)})
}

func (h *AdminOrderHandlers) listRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	records, err := h.orders.ListRefunds(ctx, actorFrom(identity), orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"refunds": toRefundsPayload(records)})
}

func (h *AdminOrderHandlers) markShipped(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	var req transitionNoteRequest
	if !decodeOptionalJSONBody(w, r, &req) {
		return
	}

	result, err := h.orders.MarkShipped(ctx, services.MarkShippedCommand{
		Actor:   actorFrom(identity),
		OrderID: orderID,
		Notes:   strings.TrimSpace(req.Notes),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toTransitionPayload(result))
}

func (h *AdminOrderHandlers) markDelivered(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	var req transitionNoteRequest
	if !decodeOptionalJSONBody(w, r, &req) {
		return
	}

	result, err := h.orders.MarkDelivered(ctx, services.MarkDeliveredCommand{
		Actor:   actorFrom(identity),
		OrderID: orderID,
		Notes:   strings.TrimSpace(req.Notes),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toTransitionPayload(result))
}

func (h *AdminOrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if !decodeOptionalJSONBody(w, r, &req) {
		return
	}

	result, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		Actor:   actorFrom(identity),
		OrderID: orderID,
		Notes:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toTransitionPayload(result))
}

func (h *AdminOrderHandlers) approveReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	var req approveReturnRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := h.orders.ApproveReturn(ctx, services.ApproveReturnCommand{
		Actor:        actorFrom(identity),
		OrderID:      orderID,
		ItemIDs:      req.ItemIDs,
		RestoreStock: req.RestoreStock,
		Notes:        strings.TrimSpace(req.Notes),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toTransitionPayload(result))
}

func (h *AdminOrderHandlers) rejectReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	var req rejectReturnRequest
	if !decodeOptionalJSONBody(w, r, &req) {
		return
	}

	result, err := h.orders.RejectReturn(ctx, services.RejectReturnCommand{
		Actor:   actorFrom(identity),
		OrderID: orderID,
		Notes:   strings.TrimSpace(req.Notes),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toTransitionPayload(result))
}

func (h *AdminOrderHandlers) refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	var req refundRequest
	if !decodeOptionalJSONBody(w, r, &req) {
		return
	}

	result, err := h.orders.Refund(ctx, services.RefundCommand{
		Actor:          actorFrom(identity),
		OrderID:        orderID,
		ItemIDs:        req.ItemIDs,
		AmountOverride: req.AmountOverride,
		Notes:          strings.TrimSpace(req.Notes),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toTransitionPayload(result))
}

func (h *AdminOrderHandlers) stockLevel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	level, err := h.stock.Level(ctx, productID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"product_id": level.ProductID,
		"quantity":   level.Quantity,
		"updated_at": formatTime(level.UpdatedAt),
	})
}

func (h *AdminOrderHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	var req stockAdjustRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	level, err := h.stock.Adjust(ctx, productID, req.Delta)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"product_id": level.ProductID,
		"quantity":   level.Quantity,
		"updated_at": formatTime(level.UpdatedAt),
	})
}
