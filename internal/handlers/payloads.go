package handlers

import (
	"context"
	"errors"
	"net/http"

	domain "github.com/maplecart/api/internal/domain"
	"github.com/maplecart/api/internal/platform/httpx"
	"github.com/maplecart/api/internal/platform/pagination"
	"github.com/maplecart/api/internal/services"
)

type addressPayload struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

type orderItemPayload struct {
	ID              string `json:"id"`
	ProductID       string `json:"product_id"`
	ProductName     string `json:"product_name,omitempty"`
	Quantity        int    `json:"quantity"`
	PriceAtPurchase int64  `json:"price_at_purchase"`
	LineTotal       int64  `json:"line_total"`
	ReturnStatus    string `json:"return_status,omitempty"`
}

type orderPayload struct {
	ID               string             `json:"id"`
	OrderNumber      string             `json:"order_number"`
	Status           string             `json:"status"`
	Currency         string             `json:"currency"`
	TotalAmount      int64              `json:"total_amount"`
	DiscountAmount   int64              `json:"discount_amount,omitempty"`
	UserID           string             `json:"user_id,omitempty"`
	GuestEmail       string             `json:"guest_email,omitempty"`
	ShippingAddress  *addressPayload    `json:"shipping_address,omitempty"`
	Items            []orderItemPayload `json:"items"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at"`
	PaidAt           string             `json:"paid_at,omitempty"`
	ShippedAt        string             `json:"shipped_at,omitempty"`
	DeliveredAt      string             `json:"delivered_at,omitempty"`
	CancelledAt      string             `json:"cancelled_at,omitempty"`
	ReturnDeadline   string             `json:"return_deadline,omitempty"`
	ShipBackDeadline string             `json:"ship_back_deadline,omitempty"`
}

type transitionPayload struct {
	Success         bool     `json:"success"`
	PreviousStatus  string   `json:"previous_status"`
	NewStatus       string   `json:"new_status"`
	RefundID        string   `json:"refund_id,omitempty"`
	RefundReference string   `json:"refund_reference,omitempty"`
	AffectedItemIDs []string `json:"affected_item_ids,omitempty"`
	NoOp            bool     `json:"no_op,omitempty"`
}

type historyEntryPayload struct {
	ID             string `json:"id"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	ActorID        string `json:"actor_id"`
	Note           string `json:"note,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type refundPayload struct {
	ID             string   `json:"id"`
	Amount         int64    `json:"amount"`
	Scope          string   `json:"scope"`
	ItemIDs        []string `json:"item_ids,omitempty"`
	StripeRefundID string   `json:"stripe_refund_id,omitempty"`
	CreatedAt      string   `json:"created_at"`
}

type orderListPayload struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

func toOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:               order.ID,
		OrderNumber:      order.OrderNumber,
		Status:           string(order.Status),
		Currency:         order.Currency,
		TotalAmount:      order.TotalAmount,
		DiscountAmount:   order.DiscountAmount,
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
		PaidAt:           formatTimePointer(order.PaidAt),
		ShippedAt:        formatTimePointer(order.ShippedAt),
		DeliveredAt:      formatTimePointer(order.DeliveredAt),
		CancelledAt:      formatTimePointer(order.CancelledAt),
		ReturnDeadline:   formatTimePointer(order.ReturnDeadline),
		ShipBackDeadline: formatTimePointer(order.ShipBackDeadline),
	}
	if order.UserID != nil {
		payload.UserID = *order.UserID
	}
	if order.GuestEmail != nil {
		payload.GuestEmail = *order.GuestEmail
	}
	if order.ShippingAddress != nil {
		payload.ShippingAddress = &addressPayload{
			Name:       order.ShippingAddress.Name,
			Line1:      order.ShippingAddress.Line1,
			Line2:      order.ShippingAddress.Line2,
			City:       order.ShippingAddress.City,
			State:      order.ShippingAddress.State,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
			Phone:      order.ShippingAddress.Phone,
		}
	}
	payload.Items = make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		itemPayload := orderItemPayload{
			ID:              item.ID,
			ProductID:       item.ProductID,
			ProductName:     item.ProductName,
			Quantity:        item.Quantity,
			PriceAtPurchase: item.PriceAtPurchase,
			LineTotal:       item.LineTotal(),
		}
		if item.ReturnStatus != nil {
			itemPayload.ReturnStatus = string(*item.ReturnStatus)
		}
		payload.Items = append(payload.Items, itemPayload)
	}
	return payload
}

func toTransitionPayload(result services.TransitionResult) transitionPayload {
	return transitionPayload{
		Success:         true,
		PreviousStatus:  string(result.PreviousStatus),
		NewStatus:       string(result.NewStatus),
		RefundID:        result.RefundID,
		RefundReference: result.ProviderRefundID,
		AffectedItemIDs: result.AffectedItemIDs,
		NoOp:            result.NoOp,
	}
}

func toHistoryPayload(entries []domain.StatusHistoryEntry) []historyEntryPayload {
	payload := make([]historyEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, historyEntryPayload{
			ID:             entry.ID,
			PreviousStatus: string(entry.PreviousStatus),
			NewStatus:      string(entry.NewStatus),
			ActorID:        entry.ActorID,
			Note:           entry.Note,
			CreatedAt:      formatTime(entry.CreatedAt),
		})
	}
	return payload
}

func toRefundsPayload(records []domain.RefundRecord) []refundPayload {
	payload := make([]refundPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, refundPayload{
			ID:             record.ID,
			Amount:         record.Amount,
			Scope:          string(record.Scope),
			ItemIDs:        record.ItemIDs,
			StripeRefundID: record.StripeRefundID,
			CreatedAt:      formatTime(record.CreatedAt),
		})
	}
	return payload
}

// writeServiceError maps the service error taxonomy onto the HTTP error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput),
		errors.Is(err, services.ErrStockInvalidInput),
		errors.Is(err, services.ErrReconciliationInvalidEvent),
		errors.Is(err, pagination.ErrInvalidPageToken):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrStockNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("amount_mismatch", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrRefundFailed):
		httpx.WriteError(ctx, w, httpx.NewError("refund_failed", err.Error(), http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}
