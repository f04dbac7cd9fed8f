package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/syedarman1/screenme-sub000/internal/billing/bmetrics"
	"github.com/syedarman1/screenme-sub000/internal/billing/store"
	"github.com/syedarman1/screenme-sub000/internal/logging"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming Stripe webhook events.
//
// SECURITY: signature verification is the authentication mechanism for this
// endpoint and must run over the raw body before any other processing.
type WebhookHandler struct {
	secret     string
	reconciler *Reconciler
	replay     ReplayCache
	now        func() time.Time
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, reconciler *Reconciler, replay ReplayCache) *WebhookHandler {
	return &WebhookHandler{
		secret:     secret,
		reconciler: reconciler,
		replay:     replay,
		now:        time.Now,
	}
}

// ServeHTTP verifies the Stripe signature, guards against replays, and
// dispatches the event. Stripe treats any 2xx as delivered; non-2xx triggers
// its retry schedule.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		bmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		bmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
	r = r.WithContext(ctx)

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "content type must be application/json"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}
	if len(payload) == 0 {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "empty request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		// Intentionally vague; missing signature is treated as invalid auth.
		log.Error().Str("request_id", requestID).Msg("Stripe webhook rejected: missing signature header")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Error().Str("request_id", requestID).Str("remote_addr", r.RemoteAddr).Msg("Stripe webhook rejected: invalid signature")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	// Replays of captured payloads carry valid signatures; reject anything
	// outside the freshness window.
	eventCreated := time.Unix(event.Created, 0)
	if age := h.now().Sub(eventCreated); age > replayWindow {
		log.Error().
			Str("event_id", event.ID).
			Str("type", eventType).
			Dur("age", age).
			Msg("Stripe webhook rejected: event outside freshness window")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "event too old"})
		return
	}

	if h.replay != nil && h.replay.Has(event.ID) {
		bmetrics.ReplayHitsTotal.WithLabelValues("cache").Inc()
		log.Info().
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook duplicate (replay cache); skipping")
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Duplicate: true})
		return
	}

	if err := h.handleEvent(r, &event); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateEvent):
			// The durable dedup gate caught a retry the cache missed (restart,
			// other instance). Acknowledge so Stripe stops retrying.
			bmetrics.ReplayHitsTotal.WithLabelValues("store").Inc()
			if h.replay != nil {
				h.replay.Put(event.ID)
			}
			log.Info().
				Str("event_id", event.ID).
				Str("type", eventType).
				Msg("Stripe webhook duplicate (already processed); skipping")
			writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Duplicate: true})
			return
		case errors.Is(err, ErrMissingUserCorrelation):
			// Permanently unfixable data problem: acknowledge so Stripe stops
			// retrying. Already logged at error level for manual follow-up.
			if h.replay != nil {
				h.replay.Put(event.ID)
			}
			writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
			return
		default:
			log.Error().Err(err).
				Str("event_id", event.ID).
				Str("type", eventType).
				Msg("Stripe webhook processing failed")
			status = http.StatusInternalServerError
			writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
			return
		}
	}

	if h.replay != nil {
		h.replay.Put(event.ID)
	}
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(r *http.Request, event *stripelib.Event) error {
	ctx := r.Context()
	eventCreated := time.Unix(event.Created, 0).UTC()

	switch string(event.Type) {
	case EventCheckoutCompleted:
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.reconciler.HandleCheckoutCompleted(ctx, event.ID, eventCreated, session)

	case EventSubscriptionUpdated:
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.reconciler.HandleSubscriptionUpdated(ctx, event.ID, sub)

	case EventSubscriptionDeleted:
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.reconciler.HandleSubscriptionDeleted(ctx, event.ID, sub)

	case EventInvoicePaid, EventInvoiceSucceeded:
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.reconciler.HandleInvoicePaid(ctx, event.ID, eventCreated, inv)

	case EventInvoiceFailed:
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.reconciler.HandleInvoiceFailed(ctx, event.ID, eventCreated, inv)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing.stripe: encode webhook response")
	}
}
