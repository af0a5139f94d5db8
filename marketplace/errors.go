package marketplace

import "errors"

// Ingestion error taxonomy. Every rejection of a single event maps to one of
// these classes; none of them aborts ingestion of unrelated events.
var (
	// ErrMalformedEvent: id/signature/structure/content invalid. The event
	// is dropped and never stored.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrPolicyRejected: anti-spam proof missing or insufficient. The
	// sender may retry with a stronger proof.
	ErrPolicyRejected = errors.New("event rejected by anti-spam policy")

	// ErrSequenceRejected: the event is valid in isolation but illegal for
	// the referenced transaction's current state. Dropped without side
	// effects; there is no retry since the sequence itself is invalid.
	ErrSequenceRejected = errors.New("event invalid for current transaction state")

	// ErrAmountMismatch: economic terms of the event do not match the
	// accepted terms of the transaction.
	ErrAmountMismatch = errors.New("amount does not match accepted terms")

	// ErrUnknownKind: the event kind is not part of the marketplace
	// protocol.
	ErrUnknownKind = errors.New("unrecognized event kind")
)
