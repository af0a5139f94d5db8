package transactionstates

import (
	"fmt"

	"github.com/filecoin-project/go-statemachine/fsm"

	mkt "github.com/domp-protocol/go-domp-markets/marketplace"
)

// TransactionEvents is the transition table for one transaction branch.
// Every transition consumes exactly one adjacent protocol event; skipping a
// stage is impossible because no edge exists for it.
var TransactionEvents = fsm.Events{
	fsm.Event(mkt.TransactionEventBidReceived).
		From(mkt.TransactionUnknown).To(mkt.TransactionBidReceived).
		Action(func(tx *mkt.MarketTransaction, listing mkt.Listing, bid mkt.Bid) error {
			tx.ListingID = listing.ID
			tx.BidID = bid.ID
			tx.SellerKey = listing.SellerKey
			tx.BuyerKey = bid.BuyerKey
			tx.PurchaseAmount = bid.AmountSats
			tx.BuyerCollateral = bid.CollateralSats
			tx.SellerCollateral = listing.SellerCollateral
			tx.CreatedAt = bid.CreatedAt
			return nil
		}),

	fsm.Event(mkt.TransactionEventCollateralDeposited).
		FromMany(mkt.TransactionBidReceived, mkt.TransactionBidAccepted).ToNoChange().
		Action(func(tx *mkt.MarketTransaction, paymentHash string) error {
			tx.SellerCollateralProof = paymentHash
			return nil
		}),

	fsm.Event(mkt.TransactionEventBidAccepted).
		From(mkt.TransactionBidReceived).To(mkt.TransactionBidAccepted).
		Action(func(tx *mkt.MarketTransaction, acceptanceID string, invoice string, timeoutAt int64) error {
			tx.AcceptanceID = acceptanceID
			tx.Invoice = invoice
			tx.TimeoutAt = timeoutAt
			return nil
		}),

	fsm.Event(mkt.TransactionEventBidClosed).
		From(mkt.TransactionBidReceived).To(mkt.TransactionBidClosed).
		Action(func(tx *mkt.MarketTransaction, acceptedBidID string) error {
			tx.Message = fmt.Sprintf("listing sold to bid %s", acceptedBidID)
			return nil
		}),

	fsm.Event(mkt.TransactionEventPaymentConfirmed).
		From(mkt.TransactionBidAccepted).To(mkt.TransactionPaymentConfirmed).
		Action(func(tx *mkt.MarketTransaction, paymentID string) error {
			tx.PaymentID = paymentID
			return nil
		}),

	fsm.Event(mkt.TransactionEventReceiptConfirmed).
		From(mkt.TransactionPaymentConfirmed).To(mkt.TransactionCompleted).
		Action(func(tx *mkt.MarketTransaction, receiptID string) error {
			tx.ReceiptID = receiptID
			return nil
		}),

	fsm.Event(mkt.TransactionEventDisputeOpened).
		From(mkt.TransactionPaymentConfirmed).To(mkt.TransactionDisputed).
		Action(func(tx *mkt.MarketTransaction, reason string) error {
			tx.Message = reason
			return nil
		}),

	fsm.Event(mkt.TransactionEventMutualAgreement).
		FromMany(mkt.TransactionDisputed, mkt.TransactionArbitrationOffered).To(mkt.TransactionMutuallyAgreed),

	fsm.Event(mkt.TransactionEventArbitrationOffered).
		From(mkt.TransactionDisputed).To(mkt.TransactionArbitrationOffered).
		Action(func(tx *mkt.MarketTransaction, arbitratorKey string) error {
			tx.ArbitratorKey = arbitratorKey
			return nil
		}),

	fsm.Event(mkt.TransactionEventResolvedRefunded).
		FromMany(mkt.TransactionDisputed, mkt.TransactionArbitrationOffered, mkt.TransactionMutuallyAgreed).
		To(mkt.TransactionRefunded).
		Action(func(tx *mkt.MarketTransaction, reason string) error {
			tx.Message = reason
			return nil
		}),

	fsm.Event(mkt.TransactionEventResolvedCompleted).
		FromMany(mkt.TransactionDisputed, mkt.TransactionArbitrationOffered, mkt.TransactionMutuallyAgreed).
		To(mkt.TransactionCompleted).
		Action(func(tx *mkt.MarketTransaction, reason string) error {
			tx.Message = reason
			return nil
		}),

	fsm.Event(mkt.TransactionEventTimedOut).
		FromMany(mkt.TransactionBidAccepted, mkt.TransactionPaymentConfirmed, mkt.TransactionDisputed).
		To(mkt.TransactionExpired).
		Action(func(tx *mkt.MarketTransaction) error {
			tx.Message = fmt.Sprintf("escrow deadline %d passed", tx.TimeoutAt)
			return nil
		}),
}

// TransactionStateEntryFuncs run when a transaction enters a state.
var TransactionStateEntryFuncs = fsm.StateEntryFuncs{
	mkt.TransactionBidAccepted: OpenEscrow,
}

// TransactionFinalityStates are the states a transaction never leaves.
var TransactionFinalityStates = []fsm.StateKey{
	mkt.TransactionCompleted,
	mkt.TransactionRefunded,
	mkt.TransactionExpired,
	mkt.TransactionBidClosed,
}
