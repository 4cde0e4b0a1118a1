package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionHappyPath(t *testing.T) {
	next, noop, err := Transition(OrderStatusDraft, EventCheckoutCreated)
	require.NoError(t, err)
	assert.False(t, noop)
	assert.Equal(t, OrderStatusPendingPayment, next)

	next, noop, err = Transition(next, EventPaymentSucceeded)
	require.NoError(t, err)
	assert.False(t, noop)
	assert.Equal(t, OrderStatusPaid, next)

	next, noop, err = Transition(next, EventRefundSucceeded)
	require.NoError(t, err)
	assert.False(t, noop)
	assert.Equal(t, OrderStatusRefunded, next)
}

func TestTransitionRequiresAction(t *testing.T) {
	next, noop, err := Transition(OrderStatusPendingPayment, EventPaymentRequiresAction)
	require.NoError(t, err)
	assert.False(t, noop)
	assert.Equal(t, OrderStatusRequiresAction, next)

	// repeated requires_action is an idempotent no-op
	next, noop, err = Transition(OrderStatusRequiresAction, EventPaymentRequiresAction)
	require.NoError(t, err)
	assert.True(t, noop)
	assert.Equal(t, OrderStatusRequiresAction, next)

	next, noop, err = Transition(OrderStatusRequiresAction, EventPaymentSucceeded)
	require.NoError(t, err)
	assert.False(t, noop)
	assert.Equal(t, OrderStatusPaid, next)
}

func TestTransitionIdempotentNoops(t *testing.T) {
	cases := []struct {
		state string
		event string
	}{
		{OrderStatusPaid, EventPaymentSucceeded},
		{OrderStatusPaid, EventRefundRequested},
		{OrderStatusCanceled, EventPaymentFailed},
		{OrderStatusCanceled, EventCancelled},
		{OrderStatusCanceled, EventRefundRequested},
		{OrderStatusRefunded, EventRefundRequested},
		{OrderStatusRefunded, EventRefundSucceeded},
	}

	for _, tc := range cases {
		next, noop, err := Transition(tc.state, tc.event)
		require.NoError(t, err, "%s/%s", tc.state, tc.event)
		assert.True(t, noop, "%s/%s", tc.state, tc.event)
		assert.Equal(t, tc.state, next, "%s/%s", tc.state, tc.event)
	}
}

func TestTransitionRefused(t *testing.T) {
	cases := []struct {
		state string
		event string
	}{
		{OrderStatusDraft, EventPaymentSucceeded},
		{OrderStatusDraft, EventRefundRequested},
		{OrderStatusPendingPayment, EventCheckoutCreated},
		{OrderStatusPendingPayment, EventRefundSucceeded},
		{OrderStatusRefunded, EventPaymentSucceeded},
		{OrderStatusRefunded, EventCancelled},
		{OrderStatusPaid, EventPaymentFailed},
	}

	for _, tc := range cases {
		_, _, err := Transition(tc.state, tc.event)
		require.Error(t, err, "%s/%s", tc.state, tc.event)
		assert.True(t, IsInvalidTransition(err))
	}
}

func TestTransitionRefundFromCanceled(t *testing.T) {
	// a canceled order that was charged can still finalize a refund
	next, noop, err := Transition(OrderStatusCanceled, EventRefundSucceeded)
	require.NoError(t, err)
	assert.False(t, noop)
	assert.Equal(t, OrderStatusRefunded, next)
}

func TestLegacyAliases(t *testing.T) {
	assert.Equal(t, OrderStatusPendingPayment, OrderStatusPending)
	assert.Equal(t, OrderStatusCanceled, OrderStatusFailed)
}

func TestCheckAmounts(t *testing.T) {
	o := &Order{Reference: "LH-1", AmountSubtotal: 10750, TaxAmount: 2150, AmountTotal: 12900}
	assert.NoError(t, o.CheckAmounts())

	o.TaxAmount = 0
	assert.Error(t, o.CheckAmounts())

	o = &Order{Reference: "LH-2", AmountSubtotal: -1, TaxAmount: 1, AmountTotal: 0}
	assert.Error(t, o.CheckAmounts())
}
