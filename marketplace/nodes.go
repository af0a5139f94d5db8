package marketplace

import (
	"context"
	"time"

	"github.com/domp-protocol/go-domp-markets/event"
)

// EventFilter selects events from the broadcast network.
type EventFilter struct {
	Kinds []int
	Since int64
	Limit int
}

// BroadcastNode is the broadcast-network collaborator: a relay client the
// embedding application supplies. Its wire protocol is consumed, not
// implemented here.
type BroadcastNode interface {
	// PublishEvent submits a signed event to the network.
	PublishEvent(ctx context.Context, ev *event.Event) error

	// SubscribeEvents returns a lazy, unbounded stream of events matching
	// the filter. The channel closes when the subscription ends; callers
	// restart it to resume. Duplicate delivery is expected.
	SubscribeEvents(ctx context.Context, filter EventFilter) (<-chan *event.Event, error)
}

// Invoice is a payment request issued by the payment network.
type Invoice struct {
	// Invoice is the encoded payment request handed to the payer.
	Invoice string
	// PaymentHash is the hash the payment settles against.
	PaymentHash string
}

// PaymentResult reports a settled payment.
type PaymentResult struct {
	// Preimage is the revealed payment secret, hex encoded.
	Preimage string
	PaidAt   int64
}

// PaymentNode is the payment-network collaborator.
type PaymentNode interface {
	// CreateInvoice issues a payment request for the given amount.
	CreateInvoice(ctx context.Context, amountSats int64, memo string, expiry time.Duration) (Invoice, error)

	// AwaitPayment blocks until the payment for paymentHash settles or ctx
	// is done.
	AwaitPayment(ctx context.Context, paymentHash string) (PaymentResult, error)

	// PayInvoice pays an encoded payment request.
	PayInvoice(ctx context.Context, invoice string) (PaymentResult, error)

	// CheckSettled reports whether a payment for paymentHash has settled
	// for at least amountSats.
	CheckSettled(ctx context.Context, paymentHash string, amountSats int64) (bool, error)
}
