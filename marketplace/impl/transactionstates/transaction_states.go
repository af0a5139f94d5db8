package transactionstates

import (
	"context"

	"github.com/filecoin-project/go-statemachine/fsm"
	logging "github.com/ipfs/go-log/v2"

	"github.com/domp-protocol/go-domp-markets/escrow"
	mkt "github.com/domp-protocol/go-domp-markets/marketplace"
)

var log = logging.Logger("markets")

// TransactionEnvironment is an abstraction for interacting with dependencies
// from the transaction state machine
type TransactionEnvironment interface {
	// OpenEscrow creates the escrow for an accepted bid. It is idempotent:
	// replaying an acceptance returns the existing escrow.
	OpenEscrow(txID string, terms escrow.Terms) (escrow.Escrow, error)

	// CloseSiblingBids closes every other open bid branch on a listing
	// once one bid has been accepted.
	CloseSiblingBids(ctx context.Context, listingID string, acceptedBidID string) error
}

// TransactionStateEntryFunc is the type for all state entry functions on a
// transaction
type TransactionStateEntryFunc func(ctx fsm.Context, environment TransactionEnvironment, tx mkt.MarketTransaction) error

// OpenEscrow runs on entry to BidAccepted: it locks the agreed amounts in a
// fresh escrow and closes the losing sibling bids. Failures are logged, not
// fatal; the acceptance itself has already committed.
func OpenEscrow(ctx fsm.Context, environment TransactionEnvironment, tx mkt.MarketTransaction) error {
	_, err := environment.OpenEscrow(tx.BidID, escrow.Terms{
		BuyerKey:             tx.BuyerKey,
		SellerKey:            tx.SellerKey,
		PurchaseAmount:       tx.PurchaseAmount,
		BuyerCollateral:      tx.BuyerCollateral,
		SellerCollateral:     tx.SellerCollateral,
		SellerCollateralHash: tx.SellerCollateralProof,
		TimeoutAt:            tx.TimeoutAt,
	})
	if err != nil {
		log.Errorw("opening escrow for accepted bid", "tx", tx.BidID, "err", err)
		return nil
	}

	if err := environment.CloseSiblingBids(ctx.Context(), tx.ListingID, tx.BidID); err != nil {
		log.Warnw("closing sibling bids", "listing", tx.ListingID, "err", err)
	}
	return nil
}
