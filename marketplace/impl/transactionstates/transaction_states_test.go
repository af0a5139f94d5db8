package transactionstates_test

import (
	"context"
	"errors"
	"testing"

	"github.com/filecoin-project/go-statemachine/fsm"
	fsmtest "github.com/filecoin-project/go-statemachine/fsm/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domp-protocol/go-domp-markets/escrow"
	mkt "github.com/domp-protocol/go-domp-markets/marketplace"
	"github.com/domp-protocol/go-domp-markets/marketplace/impl/transactionstates"
)

type fakeEnvironment struct {
	openEscrowErr error
	closeErr      error

	openedTx    string
	openedTerms escrow.Terms

	closedListing string
	closedBid     string
}

func (e *fakeEnvironment) OpenEscrow(txID string, terms escrow.Terms) (escrow.Escrow, error) {
	e.openedTx = txID
	e.openedTerms = terms
	if e.openEscrowErr != nil {
		return escrow.Escrow{}, e.openEscrowErr
	}
	return escrow.Escrow{TransactionID: txID, Status: escrow.EscrowPending}, nil
}

func (e *fakeEnvironment) CloseSiblingBids(ctx context.Context, listingID string, acceptedBidID string) error {
	e.closedListing = listingID
	e.closedBid = acceptedBidID
	return e.closeErr
}

func testListing() mkt.Listing {
	return mkt.Listing{
		ID:               "listing1",
		SellerKey:        "seller",
		PriceSats:        100_000_000,
		SellerCollateral: 5_000_000,
		Open:             true,
	}
}

func testBid() mkt.Bid {
	return mkt.Bid{
		ID:             "bid1",
		ListingID:      "listing1",
		BuyerKey:       "buyer",
		AmountSats:     80_000_000,
		CollateralSats: 8_000_000,
		CreatedAt:      1700000000,
	}
}

func newProcessor(t *testing.T) fsm.EventProcessor {
	t.Helper()
	eventProcessor, err := fsm.NewEventProcessor(mkt.MarketTransaction{}, "Status", transactionstates.TransactionEvents)
	require.NoError(t, err)
	return eventProcessor
}

// apply triggers one event against tx and replays it.
func apply(t *testing.T, eventProcessor fsm.EventProcessor, tx *mkt.MarketTransaction, event mkt.TransactionEvent, args ...interface{}) {
	t.Helper()
	fsmCtx := fsmtest.NewTestContext(context.Background(), eventProcessor)
	require.NoError(t, fsmCtx.Trigger(event, args...))
	fsmCtx.ReplayEvents(t, tx)
}

func TestHappyPath(t *testing.T) {
	eventProcessor := newProcessor(t)
	var tx mkt.MarketTransaction

	apply(t, eventProcessor, &tx, mkt.TransactionEventBidReceived, testListing(), testBid())
	assert.Equal(t, mkt.TransactionBidReceived, tx.Status)
	assert.Equal(t, "listing1", tx.ListingID)
	assert.Equal(t, "bid1", tx.BidID)
	assert.Equal(t, "seller", tx.SellerKey)
	assert.Equal(t, "buyer", tx.BuyerKey)
	assert.Equal(t, int64(80_000_000), tx.PurchaseAmount)
	assert.Equal(t, int64(8_000_000), tx.BuyerCollateral)
	assert.Equal(t, int64(5_000_000), tx.SellerCollateral)

	apply(t, eventProcessor, &tx, mkt.TransactionEventCollateralDeposited, "sellerhash")
	assert.Equal(t, mkt.TransactionBidReceived, tx.Status)
	assert.Equal(t, "sellerhash", tx.SellerCollateralProof)

	apply(t, eventProcessor, &tx, mkt.TransactionEventBidAccepted, "accept1", "lnbc1...", int64(1700086400))
	assert.Equal(t, mkt.TransactionBidAccepted, tx.Status)
	assert.Equal(t, "accept1", tx.AcceptanceID)
	assert.Equal(t, "lnbc1...", tx.Invoice)
	assert.Equal(t, int64(1700086400), tx.TimeoutAt)

	apply(t, eventProcessor, &tx, mkt.TransactionEventPaymentConfirmed, "payment1")
	assert.Equal(t, mkt.TransactionPaymentConfirmed, tx.Status)
	assert.Equal(t, "payment1", tx.PaymentID)

	apply(t, eventProcessor, &tx, mkt.TransactionEventReceiptConfirmed, "receipt1")
	assert.Equal(t, mkt.TransactionCompleted, tx.Status)
	assert.Equal(t, "receipt1", tx.ReceiptID)
	assert.True(t, tx.Terminal())
}

func TestSiblingBidClosed(t *testing.T) {
	eventProcessor := newProcessor(t)
	var tx mkt.MarketTransaction

	apply(t, eventProcessor, &tx, mkt.TransactionEventBidReceived, testListing(), testBid())
	apply(t, eventProcessor, &tx, mkt.TransactionEventBidClosed, "bid2")
	assert.Equal(t, mkt.TransactionBidClosed, tx.Status)
	assert.Contains(t, tx.Message, "bid2")
	assert.True(t, tx.Terminal())
}

func TestDisputePaths(t *testing.T) {
	paid := func(t *testing.T, eventProcessor fsm.EventProcessor) mkt.MarketTransaction {
		var tx mkt.MarketTransaction
		apply(t, eventProcessor, &tx, mkt.TransactionEventBidReceived, testListing(), testBid())
		apply(t, eventProcessor, &tx, mkt.TransactionEventBidAccepted, "accept1", "lnbc1...", int64(1700086400))
		apply(t, eventProcessor, &tx, mkt.TransactionEventPaymentConfirmed, "payment1")
		apply(t, eventProcessor, &tx, mkt.TransactionEventDisputeOpened, "item not received")
		require.Equal(t, mkt.TransactionDisputed, tx.Status)
		require.Equal(t, "item not received", tx.Message)
		return tx
	}

	t.Run("arbitration refund", func(t *testing.T) {
		eventProcessor := newProcessor(t)
		tx := paid(t, eventProcessor)
		apply(t, eventProcessor, &tx, mkt.TransactionEventArbitrationOffered, "arbiter")
		assert.Equal(t, mkt.TransactionArbitrationOffered, tx.Status)
		assert.Equal(t, "arbiter", tx.ArbitratorKey)
		apply(t, eventProcessor, &tx, mkt.TransactionEventResolvedRefunded, "arbitration outcome: refund")
		assert.Equal(t, mkt.TransactionRefunded, tx.Status)
		assert.True(t, tx.Terminal())
	})

	t.Run("arbitration completes", func(t *testing.T) {
		eventProcessor := newProcessor(t)
		tx := paid(t, eventProcessor)
		apply(t, eventProcessor, &tx, mkt.TransactionEventArbitrationOffered, "arbiter")
		apply(t, eventProcessor, &tx, mkt.TransactionEventResolvedCompleted, "arbitration outcome: complete")
		assert.Equal(t, mkt.TransactionCompleted, tx.Status)
	})

	t.Run("mutual agreement", func(t *testing.T) {
		eventProcessor := newProcessor(t)
		tx := paid(t, eventProcessor)
		apply(t, eventProcessor, &tx, mkt.TransactionEventMutualAgreement)
		assert.Equal(t, mkt.TransactionMutuallyAgreed, tx.Status)
		apply(t, eventProcessor, &tx, mkt.TransactionEventResolvedRefunded, "parties agreed to refund")
		assert.Equal(t, mkt.TransactionRefunded, tx.Status)
	})
}

func TestTimeout(t *testing.T) {
	for _, start := range []struct {
		name  string
		setup []mkt.TransactionEvent
	}{
		{"accepted but unpaid", nil},
		{"paid", []mkt.TransactionEvent{mkt.TransactionEventPaymentConfirmed}},
		{"disputed", []mkt.TransactionEvent{mkt.TransactionEventPaymentConfirmed, mkt.TransactionEventDisputeOpened}},
	} {
		t.Run(start.name, func(t *testing.T) {
			eventProcessor := newProcessor(t)
			var tx mkt.MarketTransaction
			apply(t, eventProcessor, &tx, mkt.TransactionEventBidReceived, testListing(), testBid())
			apply(t, eventProcessor, &tx, mkt.TransactionEventBidAccepted, "accept1", "lnbc1...", int64(1700086400))
			for _, ev := range start.setup {
				switch ev {
				case mkt.TransactionEventPaymentConfirmed:
					apply(t, eventProcessor, &tx, ev, "payment1")
				case mkt.TransactionEventDisputeOpened:
					apply(t, eventProcessor, &tx, ev, "reason")
				}
			}
			apply(t, eventProcessor, &tx, mkt.TransactionEventTimedOut)
			assert.Equal(t, mkt.TransactionExpired, tx.Status)
			assert.Contains(t, tx.Message, "1700086400")
		})
	}
}

func TestOpenEscrow(t *testing.T) {
	eventProcessor := newProcessor(t)
	accepted := mkt.MarketTransaction{
		Status:                mkt.TransactionBidAccepted,
		ListingID:             "listing1",
		BidID:                 "bid1",
		SellerKey:             "seller",
		BuyerKey:              "buyer",
		PurchaseAmount:        80_000_000,
		BuyerCollateral:       8_000_000,
		SellerCollateral:      5_000_000,
		SellerCollateralProof: "sellerhash",
		TimeoutAt:             1700086400,
	}

	t.Run("locks agreed terms and closes siblings", func(t *testing.T) {
		environment := &fakeEnvironment{}
		fsmCtx := fsmtest.NewTestContext(context.Background(), eventProcessor)
		tx := accepted
		require.NoError(t, transactionstates.OpenEscrow(fsmCtx, environment, tx))
		fsmCtx.ReplayEvents(t, &tx)

		assert.Equal(t, "bid1", environment.openedTx)
		assert.Equal(t, escrow.Terms{
			BuyerKey:             "buyer",
			SellerKey:            "seller",
			PurchaseAmount:       80_000_000,
			BuyerCollateral:      8_000_000,
			SellerCollateral:     5_000_000,
			SellerCollateralHash: "sellerhash",
			TimeoutAt:            1700086400,
		}, environment.openedTerms)
		assert.Equal(t, "listing1", environment.closedListing)
		assert.Equal(t, "bid1", environment.closedBid)
		assert.Equal(t, mkt.TransactionBidAccepted, tx.Status)
	})

	t.Run("escrow failure does not abort the acceptance", func(t *testing.T) {
		environment := &fakeEnvironment{openEscrowErr: errors.New("datastore offline")}
		fsmCtx := fsmtest.NewTestContext(context.Background(), eventProcessor)
		tx := accepted
		require.NoError(t, transactionstates.OpenEscrow(fsmCtx, environment, tx))
		fsmCtx.ReplayEvents(t, &tx)
		assert.Equal(t, mkt.TransactionBidAccepted, tx.Status)
	})

	t.Run("sibling close failure is tolerated", func(t *testing.T) {
		environment := &fakeEnvironment{closeErr: errors.New("store unavailable")}
		fsmCtx := fsmtest.NewTestContext(context.Background(), eventProcessor)
		tx := accepted
		require.NoError(t, transactionstates.OpenEscrow(fsmCtx, environment, tx))
		fsmCtx.ReplayEvents(t, &tx)
	})
}
