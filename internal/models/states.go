package models

// Order states
const (
	OrderStatusDraft          = "DRAFT"
	OrderStatusPendingPayment = "PENDING_PAYMENT"
	OrderStatusRequiresAction = "REQUIRES_ACTION"
	OrderStatusPaid           = "PAID"
	OrderStatusRefunded       = "REFUNDED"
	OrderStatusCanceled       = "CANCELED"
)

// Legacy aliases. Persisted payloads from older integrations carry these
// labels; they compare equal to the canonical states. New writes always use
// the canonical labels.
const (
	OrderStatusPending = OrderStatusPendingPayment
	OrderStatusFailed  = OrderStatusCanceled
)

// Order events
const (
	EventCheckoutCreated       = "CHECKOUT_CREATED"
	EventPaymentRequiresAction = "PAYMENT_REQUIRES_ACTION"
	EventPaymentSucceeded      = "PAYMENT_SUCCEEDED"
	EventPaymentFailed         = "PAYMENT_FAILED"
	EventCancelled             = "CANCELLED"
	EventRefundRequested       = "REFUND_REQUESTED"
	EventRefundSucceeded       = "REFUND_SUCCEEDED"
)

type stateEvent struct {
	state string
	event string
}

// transitions holds the allowed (state, event) → next state pairs.
var transitions = map[stateEvent]string{
	{OrderStatusDraft, EventCheckoutCreated}: OrderStatusPendingPayment,
	{OrderStatusDraft, EventCancelled}:       OrderStatusCanceled,

	{OrderStatusPendingPayment, EventPaymentRequiresAction}: OrderStatusRequiresAction,
	{OrderStatusPendingPayment, EventPaymentSucceeded}:      OrderStatusPaid,
	{OrderStatusPendingPayment, EventPaymentFailed}:         OrderStatusCanceled,
	{OrderStatusPendingPayment, EventCancelled}:             OrderStatusCanceled,

	{OrderStatusRequiresAction, EventPaymentSucceeded}: OrderStatusPaid,
	{OrderStatusRequiresAction, EventPaymentFailed}:    OrderStatusCanceled,
	{OrderStatusRequiresAction, EventCancelled}:        OrderStatusCanceled,

	{OrderStatusPaid, EventCancelled}:       OrderStatusCanceled,
	{OrderStatusPaid, EventRefundSucceeded}: OrderStatusRefunded,

	{OrderStatusCanceled, EventRefundSucceeded}: OrderStatusRefunded,
}

// noops are (state, event) pairs that succeed without changing state or
// bumping the version.
var noops = map[stateEvent]bool{
	{OrderStatusRequiresAction, EventPaymentRequiresAction}: true,

	{OrderStatusPaid, EventPaymentSucceeded}: true,
	{OrderStatusPaid, EventRefundRequested}:  true,

	{OrderStatusCanceled, EventPaymentFailed}:   true,
	{OrderStatusCanceled, EventCancelled}:       true,
	{OrderStatusCanceled, EventRefundRequested}: true,

	{OrderStatusRefunded, EventRefundRequested}: true,
	{OrderStatusRefunded, EventRefundSucceeded}: true,
}

// Transition resolves an order event against the state table. It returns the
// next state and whether the pair is an idempotent no-op. Unlisted pairs fail
// with InvalidTransitionError.
func Transition(state, event string) (next string, noop bool, err error) {
	if noops[stateEvent{state, event}] {
		return state, true, nil
	}
	if next, ok := transitions[stateEvent{state, event}]; ok {
		return next, false, nil
	}
	return "", false, &InvalidTransitionError{From: state, Event: event}
}
