package marketplace

// TransactionEvent is an internal event name for the transaction state
// machine.
type TransactionEvent uint64

const (
	// TransactionEventBidReceived opens a branch for a bid on an open
	// listing.
	TransactionEventBidReceived TransactionEvent = iota

	// TransactionEventBidAccepted records the seller's acceptance and the
	// issued invoice; escrow is created on entry to the accepted state.
	TransactionEventBidAccepted

	// TransactionEventBidClosed closes a sibling bid after another bid on
	// the same listing was accepted.
	TransactionEventBidClosed

	// TransactionEventPaymentConfirmed records the buyer's payment
	// confirmation after escrow funding verified.
	TransactionEventPaymentConfirmed

	// TransactionEventCollateralDeposited records the seller collateral
	// deposit hash ahead of funding. No state change.
	TransactionEventCollateralDeposited

	// TransactionEventReceiptConfirmed completes the transaction after
	// escrow release.
	TransactionEventReceiptConfirmed

	// TransactionEventDisputeOpened moves a paid transaction into dispute.
	TransactionEventDisputeOpened

	// TransactionEventMutualAgreement records that the parties agreed to
	// settle the dispute between themselves.
	TransactionEventMutualAgreement

	// TransactionEventArbitrationOffered records a third-party arbitration
	// offer on a disputed transaction.
	TransactionEventArbitrationOffered

	// TransactionEventResolvedRefunded terminates a dispute with a refund.
	TransactionEventResolvedRefunded

	// TransactionEventResolvedCompleted terminates a dispute in the
	// seller's favor.
	TransactionEventResolvedCompleted

	// TransactionEventTimedOut expires a transaction past its escrow
	// deadline. Driven by the lazy timeout sweep, not an incoming event.
	TransactionEventTimedOut
)

// TransactionEventNames maps TransactionEvent to human readable strings
var TransactionEventNames = map[TransactionEvent]string{
	TransactionEventBidReceived:         "TransactionEventBidReceived",
	TransactionEventBidAccepted:         "TransactionEventBidAccepted",
	TransactionEventBidClosed:           "TransactionEventBidClosed",
	TransactionEventPaymentConfirmed:    "TransactionEventPaymentConfirmed",
	TransactionEventCollateralDeposited: "TransactionEventCollateralDeposited",
	TransactionEventReceiptConfirmed:    "TransactionEventReceiptConfirmed",
	TransactionEventDisputeOpened:       "TransactionEventDisputeOpened",
	TransactionEventMutualAgreement:     "TransactionEventMutualAgreement",
	TransactionEventArbitrationOffered:  "TransactionEventArbitrationOffered",
	TransactionEventResolvedRefunded:    "TransactionEventResolvedRefunded",
	TransactionEventResolvedCompleted:   "TransactionEventResolvedCompleted",
	TransactionEventTimedOut:            "TransactionEventTimedOut",
}

// Subscriber is a callback notified after a transaction state change has
// committed. Notification is best-effort and never gates protocol state.
type Subscriber func(event TransactionEvent, tx MarketTransaction)

// Unsubscribe removes a Subscriber.
type Unsubscribe func()
