package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/syedarman1/screenme-sub000/internal/billing/store"
	smstripe "github.com/syedarman1/screenme-sub000/internal/billing/stripe"
)

const verifyBodyLimit = 4096

// checkoutVerifier is the upgrade path used by the verification endpoint.
type checkoutVerifier interface {
	VerifyCheckout(ctx context.Context, sessionID string) error
}

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config   *Config
	Store    *store.PlanStore
	Replay   smstripe.ReplayCache
	Verifier checkoutVerifier
	Version  string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	// Liveness / readiness probes.
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz(deps.Store))

	mux.Handle("/metrics", promhttp.Handler())

	// Stripe webhook (signature-authenticated)
	reconciler := smstripe.NewReconciler(deps.Store)
	webhookHandler := smstripe.NewWebhookHandler(deps.Config.StripeWebhookSecret, reconciler, deps.Replay)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(webhookHandler))

	// Server-side checkout verification (the app calls this after the user
	// returns from Stripe; the webhook usually wins the race).
	if deps.Verifier == nil {
		deps.Verifier = smstripe.NewCheckoutVerifier(reconciler, deps.Store)
	}
	verifyLimiter := NewRateLimiter(30, time.Minute)
	mux.Handle("/api/checkout/verify", verifyLimiter.Middleware(handleCheckoutVerify(deps)))
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeStatusJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReadyz(s *store.PlanStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s == nil {
			writeStatusJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
			return
		}
		if err := s.Ping(r.Context()); err != nil {
			log.Error().Err(err).Msg("Readiness probe: store ping failed")
			writeStatusJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unreachable"})
			return
		}
		writeStatusJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

type checkoutVerifyRequest struct {
	SessionID string `json:"session_id"`
}

func handleCheckoutVerify(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeStatusJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		if deps.Config.StripeAPIKey == "" {
			writeStatusJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "checkout verification not configured"})
			return
		}

		var req checkoutVerifyRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, verifyBodyLimit)).Decode(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
			writeStatusJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
			return
		}

		if err := deps.Verifier.VerifyCheckout(r.Context(), req.SessionID); err != nil {
			switch {
			case errors.Is(err, smstripe.ErrCheckoutNotPaid):
				writeStatusJSON(w, http.StatusPaymentRequired, map[string]string{"error": "checkout session not paid"})
			case errors.Is(err, smstripe.ErrMissingUserCorrelation):
				writeStatusJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "checkout session missing user correlation"})
			default:
				log.Error().Err(err).Str("session_id", req.SessionID).Msg("Checkout verification failed")
				writeStatusJSON(w, http.StatusInternalServerError, map[string]string{"error": "verification failed"})
			}
			return
		}
		writeStatusJSON(w, http.StatusOK, map[string]string{"status": "upgraded"})
	}
}

func writeStatusJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode response")
	}
}
