package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syedarman1/screenme-sub000/internal/billing/store"
	smstripe "github.com/syedarman1/screenme-sub000/internal/billing/stripe"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()

	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cache := smstripe.NewMemoryReplayCache(time.Minute)
	t.Cleanup(cache.Stop)

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config: &Config{StripeWebhookSecret: "whsec_test"},
		Store:  s,
		Replay: cache,
	})
	return mux
}

func TestHealthzAndReadyz(t *testing.T) {
	mux := newTestMux(t)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestReadyzWithoutStore(t *testing.T) {
	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{Config: &Config{StripeWebhookSecret: "whsec_test"}})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	mux := newTestMux(t)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Body.String())
}

type fakeVerifier struct {
	err      error
	sessions []string
}

func (f *fakeVerifier) VerifyCheckout(_ context.Context, sessionID string) error {
	f.sessions = append(f.sessions, sessionID)
	return f.err
}

func newVerifyMux(t *testing.T, v checkoutVerifier) *http.ServeMux {
	t.Helper()

	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:   &Config{StripeWebhookSecret: "whsec_test", StripeAPIKey: "sk_test"},
		Store:    s,
		Verifier: v,
	})
	return mux
}

func postVerify(mux *http.ServeMux, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/checkout/verify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestCheckoutVerifyEndpoint(t *testing.T) {
	t.Run("upgrades on success", func(t *testing.T) {
		v := &fakeVerifier{}
		rr := postVerify(newVerifyMux(t, v), `{"session_id":"cs_1"}`)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{"cs_1"}, v.sessions)
	})

	t.Run("requires session_id", func(t *testing.T) {
		v := &fakeVerifier{}
		rr := postVerify(newVerifyMux(t, v), `{}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, v.sessions)
	})

	t.Run("rejects non-POST", func(t *testing.T) {
		mux := newVerifyMux(t, &fakeVerifier{})
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/checkout/verify", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("unpaid session", func(t *testing.T) {
		v := &fakeVerifier{err: smstripe.ErrCheckoutNotPaid}
		rr := postVerify(newVerifyMux(t, v), `{"session_id":"cs_1"}`)
		assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	})

	t.Run("missing correlation", func(t *testing.T) {
		v := &fakeVerifier{err: smstripe.ErrMissingUserCorrelation}
		rr := postVerify(newVerifyMux(t, v), `{"session_id":"cs_1"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	t.Run("unconfigured API key", func(t *testing.T) {
		mux := newTestMux(t) // no StripeAPIKey
		rr := postVerify(mux, `{"session_id":"cs_1"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestWebhookRouteRejectsUnsignedRequests(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", nil)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
