package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/platform/auth"
	"github.com/maplecart/api/internal/platform/httpx"
	"github.com/maplecart/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 16 * 1024
)

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusAwaitingPayment:   {},
	domain.OrderStatusPaid:              {},
	domain.OrderStatusShipped:           {},
	domain.OrderStatusDelivered:         {},
	domain.OrderStatusCancelled:         {},
	domain.OrderStatusReturnRequested:   {},
	domain.OrderStatusReturned:          {},
	domain.OrderStatusPartiallyReturned: {},
	domain.OrderStatusRefunded:          {},
	domain.OrderStatusPartiallyRefunded: {},
}

type createOrderRequest struct {
	Currency        string                   `json:"currency"`
	DiscountAmount  int64                    `json:"discount_amount"`
	CouponID        string                   `json:"coupon_id"`
	CheckoutSession string                   `json:"checkout_session_id"`
	ShippingAddress *addressPayload          `json:"shipping_address"`
	Items           []createOrderItemRequest `json:"items"`
}

type createOrderItemRequest struct {
	ProductID       string `json:"product_id"`
	ProductName     string `json:"product_name"`
	Quantity        int    `json:"quantity"`
	PriceAtPurchase int64  `json:"price_at_purchase"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type requestReturnRequest struct {
	ItemIDs []string `json:"item_ids"`
	Reason  string   `json:"reason"`
}

// OrderHandlers exposes the customer-facing order endpoints.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/history", h.listHistory)
	r.Get("/{orderID}/refunds", h.listRefunds)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:request-return", h.requestReturn)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	cmd := services.CreateOrderCommand{
		Actor:           actorFrom(identity),
		UserID:          identity.ID,
		Currency:        req.Currency,
		DiscountAmount:  req.DiscountAmount,
		CouponID:        req.CouponID,
		CheckoutSession: req.CheckoutSession,
	}
	if req.ShippingAddress != nil {
		cmd.ShippingAddress = &domain.Address{
			Name:       req.ShippingAddress.Name,
			Line1:      req.ShippingAddress.Line1,
			Line2:      req.ShippingAddress.Line2,
			City:       req.ShippingAddress.City,
			State:      req.ShippingAddress.State,
			PostalCode: req.ShippingAddress.PostalCode,
			Country:    req.ShippingAddress.Country,
			Phone:      req.ShippingAddress.Phone,
		}
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.CreateOrderItem{
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			Quantity:        item.Quantity,
			PriceAtPurchase: item.PriceAtPurchase,
		})
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, toOrderPayload(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
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
	query.CustomerRef = identity.ID

	page, err := h.orders.ListOrders(ctx, query)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toOrderListPayload(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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

func (h *OrderHandlers) listHistory(w http.ResponseWriter, r *http.Request) {
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

func (h *OrderHandlers) listRefunds(w http.ResponseWriter, r *http.Request) {
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

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
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

func (h *OrderHandlers) requestReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	var req requestReturnRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := h.orders.RequestReturn(ctx, services.RequestReturnCommand{
		Actor:   actorFrom(identity),
		OrderID: orderID,
		ItemIDs: req.ItemIDs,
		Notes:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, toTransitionPayload(result))
}

func toOrderListPayload(page domain.CursorPage[domain.Order]) orderListPayload {
	orders := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		orders = append(orders, toOrderPayload(order))
	}
	return orderListPayload{
		Orders:        orders,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	}
}

func actorFrom(identity auth.Identity) services.Actor {
	return services.Actor{ID: identity.ID, Admin: identity.Admin}
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.ID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return auth.Identity{}, false
	}
	return identity, true
}

func requireOrderID(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(w, r, err)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

// decodeOptionalJSONBody tolerates an empty body for actions whose payload is
// entirely optional.
func decodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		if errors.Is(err, errEmptyBody) {
			return true
		}
		writeBodyError(w, r, err)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func writeBodyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func parseOrderListQuery(w http.ResponseWriter, r *http.Request) (services.OrderListQuery, bool) {
	ctx := r.Context()
	values := r.URL.Query()

	var query services.OrderListQuery
	for _, raw := range values["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status := domain.OrderStatus(part)
			if _, ok := validOrderStatuses[status]; !ok {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown status filter "+part, http.StatusBadRequest))
				return services.OrderListQuery{}, false
			}
			query.Status = append(query.Status, status)
		}
	}

	if raw := strings.TrimSpace(values.Get("created_after")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return services.OrderListQuery{}, false
		}
		query.From = &ts
	}
	if raw := strings.TrimSpace(values.Get("created_before")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return services.OrderListQuery{}, false
		}
		query.To = &ts
	}

	pageSize := defaultOrderPageSize
	if raw := strings.TrimSpace(values.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return services.OrderListQuery{}, false
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}
	query.Pagination = domain.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(values.Get("page_token")),
	}
	return query, true
}
