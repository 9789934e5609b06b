package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/maplecart/api/internal/platform/httpx"
	"github.com/maplecart/api/internal/services"
)

const maxWebhookBodySize = 64 * 1024

// eventVerifier checks the processor signature and decodes the event payload.
type eventVerifier func(payload []byte, sigHeader string) (stripe.Event, error)

// WebhookHandlers receives payment-processor callbacks. The endpoint is
// unauthenticated; the signature check is the only trust boundary.
type WebhookHandlers struct {
	reconciliation services.ReconciliationService
	verify         eventVerifier
	logger         func(event string, fields map[string]any)
}

// WebhookOption customises the webhook handlers before construction.
type WebhookOption func(*WebhookHandlers)

// NewWebhookHandlers constructs handlers verifying signatures with the given secret.
func NewWebhookHandlers(reconciliation services.ReconciliationService, signingSecret string, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		reconciliation: reconciliation,
		verify: func(payload []byte, sigHeader string) (stripe.Event, error) {
			return webhook.ConstructEvent(payload, sigHeader, signingSecret)
		},
		logger: func(string, map[string]any) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithWebhookVerifier overrides the signature verification step.
func WithWebhookVerifier(verify eventVerifier) WebhookOption {
	return func(h *WebhookHandlers) {
		if verify != nil {
			h.verify = verify
		}
	}
}

// WithWebhookLogger attaches a structured logging callback.
func WithWebhookLogger(logger func(event string, fields map[string]any)) WebhookOption {
	return func(h *WebhookHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(w, r, err)
		return
	}

	event, err := h.verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger("webhook.signature_rejected", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		h.handleCheckoutCompleted(w, r, event)
	default:
		// Unhandled event types are acknowledged so the processor stops retrying.
		h.logger("webhook.ignored", map[string]any{"event_id": event.ID, "type": string(event.Type)})
		writeJSONResponse(w, http.StatusOK, map[string]any{"received": true, "handled": false})
	}
}

func (h *WebhookHandlers) handleCheckoutCompleted(w http.ResponseWriter, r *http.Request, event stripe.Event) {
	ctx := r.Context()

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed checkout session payload", http.StatusBadRequest))
		return
	}

	confirmed := services.PaymentConfirmedEvent{
		EventID:         event.ID,
		CheckoutSession: session.ID,
		AmountTotal:     session.AmountTotal,
		Currency:        strings.ToUpper(string(session.Currency)),
	}
	if session.PaymentIntent != nil {
		confirmed.PaymentIntentID = session.PaymentIntent.ID
	}
	if session.Metadata != nil {
		confirmed.OrderID = strings.TrimSpace(session.Metadata["order_id"])
	}

	result, err := h.reconciliation.HandlePaymentConfirmed(ctx, confirmed)
	if err != nil {
		// A missing order usually means the event belongs to another
		// environment; acknowledge it so the processor stops retrying.
		if errors.Is(err, services.ErrOrderNotFound) {
			h.logger("webhook.order_missing", map[string]any{"event_id": event.ID})
			writeJSONResponse(w, http.StatusOK, map[string]any{"received": true, "handled": false})
			return
		}
		writeServiceError(ctx, w, err)
		return
	}

	h.logger("webhook.payment_confirmed", map[string]any{
		"event_id": event.ID,
		"order_id": result.Order.ID,
		"status":   string(result.NewStatus),
		"no_op":    result.NoOp,
	})
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"received": true,
		"handled":  true,
		"no_op":    result.NoOp,
	})
}
