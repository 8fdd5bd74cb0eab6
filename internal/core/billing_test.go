package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBillingStatus(t *testing.T) {
	cases := []struct {
		provider string
		want     BillingStatus
	}{
		{ProviderStatusActive, BillingStatusPaid},
		{ProviderStatusTrialing, BillingStatusTrialing},
		{ProviderStatusPastDue, BillingStatusPastDue},
		{ProviderStatusCanceled, BillingStatusUnpaid},
		{ProviderStatusUnpaid, BillingStatusUnpaid},
		{ProviderStatusIncomplete, BillingStatusUnpaid},
		{ProviderStatusIncompleteExpired, BillingStatusUnpaid},
		{ProviderStatusPaused, BillingStatusUnpaid},
		{"some_future_state", BillingStatusUnpaid},
		{"", BillingStatusUnpaid},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, ResolveBillingStatus(tc.provider), "provider status %q", tc.provider)
	}
}

func TestApplySubscriptionEventUpdatesAccount(t *testing.T) {
	store := newFakeRepository()
	account := seedAccount(store, BillingStatusUnpaid)
	svc := NewBillingService(store, testLogger())

	updated, err := svc.ApplySubscriptionEvent(context.Background(), SubscriptionEvent{
		AccountID:      account.ID,
		ProviderStatus: ProviderStatusActive,
		EventID:        "evt_1",
	})
	require.NoError(t, err)
	assert.Equal(t, BillingStatusPaid, updated.BillingStatus)

	stored, err := store.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, BillingStatusPaid, stored.BillingStatus)
}

func TestApplySubscriptionEventIdempotent(t *testing.T) {
	store := newFakeRepository()
	account := seedAccount(store, BillingStatusPaid)
	svc := NewBillingService(store, testLogger())

	for i := 0; i < 3; i++ {
		updated, err := svc.ApplySubscriptionEvent(context.Background(), SubscriptionEvent{
			AccountID:      account.ID,
			ProviderStatus: ProviderStatusActive,
		})
		require.NoError(t, err)
		assert.Equal(t, BillingStatusPaid, updated.BillingStatus)
	}
}

func TestApplySubscriptionEventUnknownAccount(t *testing.T) {
	store := newFakeRepository()
	svc := NewBillingService(store, testLogger())

	_, err := svc.ApplySubscriptionEvent(context.Background(), SubscriptionEvent{
		AccountID:      99,
		ProviderStatus: ProviderStatusActive,
	})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
