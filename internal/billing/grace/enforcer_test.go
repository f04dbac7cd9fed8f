package grace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syedarman1/screenme-sub000/internal/billing/store"
)

func newTestStore(t *testing.T) *store.PlanStore {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnforceDowngradesExpiredGracePeriods(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUserPlan(ctx, &store.UserPlan{
		UserID:               "u_expired",
		Plan:                 store.PlanPro,
		SubscriptionStatus:   store.StatusPastDue,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
	}))
	require.NoError(t, s.UpsertUserPlan(ctx, &store.UserPlan{
		UserID:             "u_active",
		Plan:               store.PlanPro,
		SubscriptionStatus: store.StatusActive,
	}))

	// Rows were just written; from 15 days in the future they are all older
	// than the grace window.
	e := NewEnforcer(s)
	e.now = func() time.Time { return time.Now().Add(15 * 24 * time.Hour) }
	e.enforce(ctx)

	expired, err := s.GetUserPlan(ctx, "u_expired")
	require.NoError(t, err)
	require.NotNil(t, expired)
	assert.Equal(t, store.PlanFree, expired.Plan)
	assert.Equal(t, store.StatusCanceled, expired.SubscriptionStatus)
	assert.NotNil(t, expired.CanceledAt)

	active, err := s.GetUserPlan(ctx, "u_active")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, store.PlanPro, active.Plan)
	assert.Equal(t, store.StatusActive, active.SubscriptionStatus)
}

func TestEnforceLeavesRecentPastDueAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUserPlan(ctx, &store.UserPlan{
		UserID:             "u1",
		Plan:               store.PlanPro,
		SubscriptionStatus: store.StatusPastDue,
	}))

	// Still inside the grace window.
	e := NewEnforcer(s)
	e.enforce(ctx)

	up, err := s.GetUserPlan(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, store.PlanPro, up.Plan)
	assert.Equal(t, store.StatusPastDue, up.SubscriptionStatus)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewEnforcer(s).Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enforcer did not stop after context cancellation")
	}
}
