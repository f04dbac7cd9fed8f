package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *PlanStore {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserPlanRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetUserPlan(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got, "unknown user should have no plan row")

	up := &UserPlan{
		UserID:               "u1",
		Plan:                 PlanPro,
		SubscriptionStatus:   StatusActive,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
	}
	require.NoError(t, s.UpsertUserPlan(ctx, up))

	got, err = s.GetUserPlan(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, PlanPro, got.Plan)
	assert.Equal(t, StatusActive, got.SubscriptionStatus)
	assert.Equal(t, "cus_1", got.StripeCustomerID)
	assert.Equal(t, "sub_1", got.StripeSubscriptionID)
	assert.Nil(t, got.CanceledAt)
	assert.False(t, got.UpdatedAt.IsZero())

	// Upsert over the existing row.
	canceledAt := time.Now().UTC().Truncate(time.Second)
	up.Plan = PlanFree
	up.SubscriptionStatus = StatusCanceled
	up.CanceledAt = &canceledAt
	require.NoError(t, s.UpsertUserPlan(ctx, up))

	got, err = s.GetUserPlan(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, PlanFree, got.Plan)
	assert.Equal(t, StatusCanceled, got.SubscriptionStatus)
	require.NotNil(t, got.CanceledAt)
	assert.Equal(t, canceledAt.Unix(), got.CanceledAt.Unix())
}

func TestRecordProcessedEventDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pe := &ProcessedEvent{
		EventID:  "evt_1",
		UserID:   "u1",
		Amount:   1500,
		Currency: "usd",
		Metadata: map[string]string{"userId": "u1"},
	}
	require.NoError(t, s.RecordProcessedEvent(ctx, pe))

	processed, err := s.IsEventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)

	err = s.RecordProcessedEvent(ctx, pe)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
}

func TestApplyEventIsAtomicAndIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pe := &ProcessedEvent{EventID: "evt_1", UserID: "u1", Amount: 1500, Currency: "usd"}
	up, err := s.ApplyEvent(ctx, pe, "u1", func(up *UserPlan) {
		up.Plan = PlanPro
		up.SubscriptionStatus = StatusActive
		up.StripeCustomerID = "cus_1"
		up.StripeSubscriptionID = "sub_1"
	})
	require.NoError(t, err)
	assert.Equal(t, PlanPro, up.Plan)

	// Second delivery of the same event must not mutate the plan.
	_, err = s.ApplyEvent(ctx, &ProcessedEvent{EventID: "evt_1", UserID: "u1"}, "u1", func(up *UserPlan) {
		up.Plan = PlanFree
		up.SubscriptionStatus = StatusCanceled
	})
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	got, err := s.GetUserPlan(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, PlanPro, got.Plan)
	assert.Equal(t, StatusActive, got.SubscriptionStatus)
}

func TestApplyEventMutatesCurrentRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Unseen users start from a fresh free plan inside the transaction.
	up, err := s.ApplyEvent(ctx, &ProcessedEvent{EventID: "evt_1", UserID: "u1"}, "u1", func(up *UserPlan) {
		up.SubscriptionStatus = StatusPastDue
	})
	require.NoError(t, err)
	assert.Equal(t, PlanFree, up.Plan)
	assert.Equal(t, StatusPastDue, up.SubscriptionStatus)

	// A cancellation lands between two deliveries for the same user.
	canceledAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpsertUserPlan(ctx, &UserPlan{
		UserID:             "u1",
		Plan:               PlanFree,
		SubscriptionStatus: StatusCanceled,
		CanceledAt:         &canceledAt,
	}))

	// A partial transition only touches what its mutation names; the fields
	// the cancellation committed survive because the read happens inside the
	// same transaction as the write.
	up, err = s.ApplyEvent(ctx, &ProcessedEvent{EventID: "evt_2", UserID: "u1"}, "u1", func(up *UserPlan) {
		up.SubscriptionStatus = StatusPastDue
	})
	require.NoError(t, err)
	assert.Equal(t, PlanFree, up.Plan)
	assert.Equal(t, StatusPastDue, up.SubscriptionStatus)
	assert.Empty(t, up.StripeCustomerID)
	assert.Empty(t, up.StripeSubscriptionID)
	require.NotNil(t, up.CanceledAt)
	assert.Equal(t, canceledAt.Unix(), up.CanceledAt.Unix())

	got, err := s.GetUserPlan(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, PlanFree, got.Plan)
	require.NotNil(t, got.CanceledAt)
}

func TestApplyEventConcurrentDuplicateRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pe := &ProcessedEvent{EventID: "evt_race", UserID: "u1"}
			_, errs[i] = s.ApplyEvent(ctx, pe, "u1", func(up *UserPlan) {
				up.Plan = PlanPro
				up.SubscriptionStatus = StatusActive
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrDuplicateEvent) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners, "exactly one delivery must win the dedup race")
}

func TestLedgerAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &LedgerEntry{
		UserID:    "u1",
		EventType: "checkout.session.completed",
		EventID:   "evt_1",
		Amount:    1500,
		Currency:  "usd",
		Status:    LedgerSucceeded,
		Metadata:  map[string]string{"userId": "u1"},
	}
	require.NoError(t, s.AppendLedgerEntry(ctx, first))
	assert.NotEmpty(t, first.ID)

	second := &LedgerEntry{
		UserID:        "u1",
		EventType:     "invoice.payment_failed",
		EventID:       "evt_2",
		Amount:        1500,
		Currency:      "usd",
		Status:        LedgerFailed,
		FailureReason: "payment failed (attempt 2)",
	}
	require.NoError(t, s.AppendLedgerEntry(ctx, second))

	entries, err := s.LedgerEntriesForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byEvent := make(map[string]*LedgerEntry, len(entries))
	for _, le := range entries {
		byEvent[le.EventID] = le
	}
	require.Contains(t, byEvent, "evt_1")
	require.Contains(t, byEvent, "evt_2")
	assert.Equal(t, LedgerSucceeded, byEvent["evt_1"].Status)
	assert.Equal(t, map[string]string{"userId": "u1"}, byEvent["evt_1"].Metadata)
	assert.Equal(t, LedgerFailed, byEvent["evt_2"].Status)
	assert.Equal(t, "payment failed (attempt 2)", byEvent["evt_2"].FailureReason)

	other, err := s.LedgerEntriesForUser(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFindUserByProviderIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUserPlan(ctx, &UserPlan{
		UserID:               "u1",
		Plan:                 PlanPro,
		SubscriptionStatus:   StatusActive,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
	}))

	userID, err := s.FindUserBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	userID, err = s.FindUserByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	userID, err = s.FindUserBySubscriptionID(ctx, "sub_missing")
	require.NoError(t, err)
	assert.Empty(t, userID)

	userID, err = s.FindUserByCustomerID(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, userID)
}

func TestListPastDueBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUserPlan(ctx, &UserPlan{
		UserID:             "u1",
		Plan:               PlanPro,
		SubscriptionStatus: StatusPastDue,
	}))
	require.NoError(t, s.UpsertUserPlan(ctx, &UserPlan{
		UserID:             "u2",
		Plan:               PlanPro,
		SubscriptionStatus: StatusActive,
	}))

	// Nothing is older than a cutoff in the past.
	plans, err := s.ListPastDueBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, plans)

	// A future cutoff catches the past_due row but not the active one.
	plans, err = s.ListPastDueBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "u1", plans[0].UserID)
}
