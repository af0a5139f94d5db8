package impl_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domp-protocol/go-domp-markets/antispam"
	"github.com/domp-protocol/go-domp-markets/escrow"
	"github.com/domp-protocol/go-domp-markets/event"
	mkt "github.com/domp-protocol/go-domp-markets/marketplace"
	"github.com/domp-protocol/go-domp-markets/marketplace/impl"
	"github.com/domp-protocol/go-domp-markets/marketplace/testnodes"
)

const testDifficulty = 4

func testPolicy() antispam.Policy {
	refRequired := make(map[int]bool)
	for _, kind := range mkt.ReputationKinds {
		refRequired[kind] = true
	}
	return antispam.Policy{
		MinPoWDifficulty:       testDifficulty,
		MinPaymentSats:         1,
		ReferenceRequiredKinds: refRequired,
	}
}

func newEngine(t *testing.T, net *testnodes.FakeBroadcastNode, pay *testnodes.FakePaymentNode, extra ...impl.MarketplaceOption) (*impl.Marketplace, *event.KeyPair) {
	t.Helper()
	kp, err := event.GenerateKeyPair()
	require.NoError(t, err)
	options := append([]impl.MarketplaceOption{
		impl.WithPoWDifficulty(testDifficulty),
		impl.WithAntiSpamPolicy(testPolicy()),
	}, extra...)
	m, err := impl.NewMarketplace(dss.MutexWrap(datastore.NewMapDatastore()), net, pay, kp, options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
	})
	return m, kp
}

// syncEngines replays the full broadcast log into every engine, as a relay
// mesh eventually would. Re-delivery of already ingested events is a no-op.
func syncEngines(ctx context.Context, t *testing.T, net *testnodes.FakeBroadcastNode, engines ...*impl.Marketplace) {
	t.Helper()
	for _, ev := range net.PublishedEvents() {
		for _, e := range engines {
			require.NoError(t, e.Receive(ctx, ev))
		}
	}
}

// settleEscrows marks each engine's funding hash for the transaction as
// settled. Every engine derives its own preimage, so each hash must settle
// for all of them to verify funding.
func settleEscrows(t *testing.T, pay *testnodes.FakePaymentNode, bidID string, amount int64, engines ...*impl.Marketplace) {
	t.Helper()
	for _, e := range engines {
		esc, err := e.Escrows().Get(bidID)
		require.NoError(t, err)
		pay.SettlePayment(esc.PaymentHash, amount)
	}
}

// fundingProof returns the engine's funding hash for the bid, the proof a
// buyer carries in its payment confirmation.
func fundingProof(t *testing.T, e *impl.Marketplace, bidID string) string {
	t.Helper()
	esc, err := e.Escrows().Get(bidID)
	require.NoError(t, err)
	return esc.PaymentHash
}

// deliverCrafted mines, signs and delivers a hand-built event, bypassing
// the engine's own pre-checks. This is how misbehaving peers appear on the
// wire.
func deliverCrafted(ctx context.Context, t *testing.T, kp *event.KeyPair, ev *event.Event, target *impl.Marketplace) error {
	t.Helper()
	ev.PubKey = kp.PublicKeyHex()
	require.NoError(t, antispam.GenerateProof(ctx, ev, testDifficulty))
	require.NoError(t, kp.Sign(ev))
	return target.Receive(ctx, ev)
}

func requireStatus(ctx context.Context, t *testing.T, e *impl.Marketplace, bidID string, want mkt.TransactionStatus) {
	t.Helper()
	tx, err := e.GetTransaction(ctx, bidID)
	require.NoError(t, err)
	require.Equal(t, mkt.TransactionStates[want], mkt.TransactionStates[tx.Status])
}

func TestPurchaseHappyPath(t *testing.T) {
	ctx := context.Background()
	net := testnodes.NewFakeBroadcastNode()
	pay := testnodes.NewFakePaymentNode()
	seller, sellerKeys := newEngine(t, net, pay)
	buyer, _ := newEngine(t, net, pay)

	listing, err := seller.PublishListing(ctx, &mkt.ListingContent{
		ProductName:      "vintage camera",
		Description:      "fully working, light wear",
		PriceSats:        100_000_000,
		Category:         "electronics",
		SellerCollateral: 5_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	open, err := buyer.ListListings(ctx, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "vintage camera", open[0].ProductName)

	bid, err := buyer.PlaceBid(ctx, &mkt.BidContent{
		ProductRef:     listing.ID,
		AmountSats:     80_000_000,
		CollateralSats: 8_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)
	requireStatus(ctx, t, seller, bid.ID, mkt.TransactionBidReceived)

	collateralHash := strings.Repeat("cc", 32)
	_, err = seller.DepositCollateral(ctx, bid.ID, collateralHash, 5_000_000)
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	acceptance, err := seller.AcceptBid(ctx, bid.ID, 144)
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)
	requireStatus(ctx, t, buyer, bid.ID, mkt.TransactionBidAccepted)

	// invoice covers purchase plus buyer collateral
	acc, err := mkt.DecodeContent(acceptance.Kind, acceptance.Content)
	require.NoError(t, err)
	assert.Equal(t, int64(80_000_000), acc.(*mkt.AcceptanceContent).InvoiceAmountSats)

	settleEscrows(t, pay, bid.ID, 88_000_000, seller, buyer)
	pay.SettlePayment(collateralHash, 5_000_000)

	payment, err := buyer.ConfirmPayment(ctx, bid.ID, fundingProof(t, buyer, bid.ID))
	require.NoError(t, err)
	require.NotNil(t, payment)
	syncEngines(ctx, t, net, seller, buyer)
	requireStatus(ctx, t, seller, bid.ID, mkt.TransactionPaymentConfirmed)

	_, err = buyer.ConfirmReceipt(ctx, bid.ID, 5, "as described")
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	for _, e := range []*impl.Marketplace{seller, buyer} {
		requireStatus(ctx, t, e, bid.ID, mkt.TransactionCompleted)

		esc, err := e.Escrows().Get(bid.ID)
		require.NoError(t, err)
		assert.Equal(t, escrow.EscrowCompleted, esc.Status)
	}

	// listing closed everywhere
	open, err = buyer.ListListings(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, open)

	// the rated receipt became verified feedback on the seller
	agg, err := seller.Reputation().Aggregate(ctx, sellerKeys.PublicKeyHex(), time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 5.0, agg.Overall, 1e-9)
	assert.Equal(t, 1, agg.VerifiedPurchases)
	assert.Equal(t, 1, agg.EscrowCompleted)
}

func TestTimeoutExpiresTransaction(t *testing.T) {
	ctx := context.Background()
	net := testnodes.NewFakeBroadcastNode()
	pay := testnodes.NewFakePaymentNode()
	seller, _ := newEngine(t, net, pay)
	buyer, _ := newEngine(t, net, pay)

	listing, err := seller.PublishListing(ctx, &mkt.ListingContent{
		ProductName: "lamp", Description: "d", PriceSats: 1_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	bid, err := buyer.PlaceBid(ctx, &mkt.BidContent{ProductRef: listing.ID, AmountSats: 1_000_000})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	// one block: deadline ten minutes out
	_, err = seller.AcceptBid(ctx, bid.ID, 1)
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	// before the deadline nothing happens
	require.NoError(t, seller.CheckTimeouts(ctx, time.Now()))
	requireStatus(ctx, t, seller, bid.ID, mkt.TransactionBidAccepted)

	require.NoError(t, seller.CheckTimeouts(ctx, time.Now().Add(20*time.Minute)))
	requireStatus(ctx, t, seller, bid.ID, mkt.TransactionExpired)

	esc, err := seller.Escrows().Get(bid.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.EscrowExpired, esc.Status)

	// the buyer's replica expires independently
	require.NoError(t, buyer.CheckTimeouts(ctx, time.Now().Add(20*time.Minute)))
	requireStatus(ctx, t, buyer, bid.ID, mkt.TransactionExpired)

	// funding after expiry cannot revive the transaction
	_, err = buyer.ConfirmPayment(ctx, bid.ID, "late")
	require.ErrorIs(t, err, mkt.ErrSequenceRejected)
}

func TestIngestionRejections(t *testing.T) {
	ctx := context.Background()
	net := testnodes.NewFakeBroadcastNode()
	pay := testnodes.NewFakePaymentNode()
	seller, sellerKeys := newEngine(t, net, pay)
	buyer, buyerKeys := newEngine(t, net, pay)

	listing, err := seller.PublishListing(ctx, &mkt.ListingContent{
		ProductName: "desk", Description: "d", PriceSats: 2_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	bid, err := buyer.PlaceBid(ctx, &mkt.BidContent{ProductRef: listing.ID, AmountSats: 2_000_000})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	t.Run("payment before acceptance", func(t *testing.T) {
		_, err := buyer.ConfirmPayment(ctx, bid.ID, "early")
		require.ErrorIs(t, err, mkt.ErrSequenceRejected)
	})

	t.Run("acceptance by non-seller", func(t *testing.T) {
		ev, err := mkt.NewAcceptanceEvent(&mkt.AcceptanceContent{
			BidRef:            bid.ID,
			Invoice:           "lnforged",
			InvoiceAmountSats: 2_000_000,
		})
		require.NoError(t, err)
		err = deliverCrafted(ctx, t, buyerKeys, ev, seller)
		require.ErrorIs(t, err, mkt.ErrSequenceRejected)
	})

	t.Run("acceptance with wrong invoice amount", func(t *testing.T) {
		ev, err := mkt.NewAcceptanceEvent(&mkt.AcceptanceContent{
			BidRef:            bid.ID,
			Invoice:           "lnwrong",
			InvoiceAmountSats: 1_999_999,
		})
		require.NoError(t, err)
		err = deliverCrafted(ctx, t, sellerKeys, ev, seller)
		require.ErrorIs(t, err, mkt.ErrAmountMismatch)
	})

	t.Run("bid on unknown listing", func(t *testing.T) {
		ev, err := mkt.NewBidEvent(&mkt.BidContent{
			ProductRef: strings.Repeat("77", 32),
			AmountSats: 1000,
		})
		require.NoError(t, err)
		err = deliverCrafted(ctx, t, buyerKeys, ev, seller)
		require.ErrorIs(t, err, mkt.ErrSequenceRejected)
	})

	t.Run("seller bidding own listing", func(t *testing.T) {
		ev, err := mkt.NewBidEvent(&mkt.BidContent{
			ProductRef: listing.ID,
			AmountSats: 1000,
		})
		require.NoError(t, err)
		err = deliverCrafted(ctx, t, sellerKeys, ev, seller)
		require.ErrorIs(t, err, mkt.ErrSequenceRejected)
	})

	t.Run("insufficient work", func(t *testing.T) {
		ev, err := mkt.NewBidEvent(&mkt.BidContent{ProductRef: listing.ID, AmountSats: 1000})
		require.NoError(t, err)
		ev.PubKey = buyerKeys.PublicKeyHex()
		require.NoError(t, antispam.GenerateProof(ctx, ev, 0))
		require.NoError(t, buyerKeys.Sign(ev))
		err = seller.Receive(ctx, ev)
		require.ErrorIs(t, err, mkt.ErrPolicyRejected)
	})

	// nothing above disturbed the live transaction
	requireStatus(ctx, t, seller, bid.ID, mkt.TransactionBidReceived)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	net := testnodes.NewFakeBroadcastNode()
	pay := testnodes.NewFakePaymentNode()
	seller, _ := newEngine(t, net, pay)
	buyer, _ := newEngine(t, net, pay)

	listing, err := seller.PublishListing(ctx, &mkt.ListingContent{
		ProductName: "chair", Description: "d", PriceSats: 500_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	bid, err := buyer.PlaceBid(ctx, &mkt.BidContent{ProductRef: listing.ID, AmountSats: 500_000})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)
	_, err = seller.AcceptBid(ctx, bid.ID, 144)
	require.NoError(t, err)

	// replay the whole log several times into both engines
	for i := 0; i < 3; i++ {
		syncEngines(ctx, t, net, seller, buyer)
	}

	requireStatus(ctx, t, seller, bid.ID, mkt.TransactionBidAccepted)
	requireStatus(ctx, t, buyer, bid.ID, mkt.TransactionBidAccepted)

	txs, err := seller.ListTransactions()
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestRacingAcceptances(t *testing.T) {
	ctx := context.Background()
	net := testnodes.NewFakeBroadcastNode()
	pay := testnodes.NewFakePaymentNode()
	seller, sellerKeys := newEngine(t, net, pay)
	alice, _ := newEngine(t, net, pay)
	bob, _ := newEngine(t, net, pay)

	listing, err := seller.PublishListing(ctx, &mkt.ListingContent{
		ProductName: "bicycle", Description: "d", PriceSats: 10_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, alice, bob)

	bidA, err := alice.PlaceBid(ctx, &mkt.BidContent{ProductRef: listing.ID, AmountSats: 9_000_000})
	require.NoError(t, err)
	bidB, err := bob.PlaceBid(ctx, &mkt.BidContent{ProductRef: listing.ID, AmountSats: 10_000_000})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, alice, bob)

	_, err = seller.AcceptBid(ctx, bidA.ID, 144)
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, alice, bob)

	// first valid acceptance wins; the sibling branch closed with it
	requireStatus(ctx, t, seller, bidA.ID, mkt.TransactionBidAccepted)
	requireStatus(ctx, t, seller, bidB.ID, mkt.TransactionBidClosed)

	// a second acceptance for the losing bid is a sequence violation
	ev, err := mkt.NewAcceptanceEvent(&mkt.AcceptanceContent{
		BidRef:            bidB.ID,
		Invoice:           "lnsecond",
		InvoiceAmountSats: 10_000_000,
	})
	require.NoError(t, err)
	err = deliverCrafted(ctx, t, sellerKeys, ev, bob)
	require.ErrorIs(t, err, mkt.ErrSequenceRejected)

	// late bids on the sold listing are rejected too
	_, err = bob.PlaceBid(ctx, &mkt.BidContent{ProductRef: listing.ID, AmountSats: 11_000_000})
	require.ErrorIs(t, err, mkt.ErrSequenceRejected)

	// only one escrow exists
	_, err = seller.Escrows().Get(bidB.ID)
	require.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestDisputeResolvedByArbitration(t *testing.T) {
	ctx := context.Background()
	net := testnodes.NewFakeBroadcastNode()
	pay := testnodes.NewFakePaymentNode()
	seller, _ := newEngine(t, net, pay)
	buyer, buyerKeys := newEngine(t, net, pay)
	arb, arbKeys := newEngine(t, net, pay)
	all := []*impl.Marketplace{seller, buyer, arb}

	listing, err := seller.PublishListing(ctx, &mkt.ListingContent{
		ProductName: "guitar", Description: "d", PriceSats: 30_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, all...)

	bid, err := buyer.PlaceBid(ctx, &mkt.BidContent{
		ProductRef:     listing.ID,
		AmountSats:     30_000_000,
		CollateralSats: 3_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, all...)

	_, err = seller.AcceptBid(ctx, bid.ID, 144)
	require.NoError(t, err)
	syncEngines(ctx, t, net, all...)

	settleEscrows(t, pay, bid.ID, 33_000_000, all...)
	_, err = buyer.ConfirmPayment(ctx, bid.ID, fundingProof(t, buyer, bid.ID))
	require.NoError(t, err)
	syncEngines(ctx, t, net, all...)

	dispute, err := buyer.OpenDispute(ctx, bid.ID, "never shipped")
	require.NoError(t, err)
	syncEngines(ctx, t, net, all...)
	requireStatus(ctx, t, arb, bid.ID, mkt.TransactionDisputed)

	_, err = arb.OfferArbitration(ctx, dispute.ID, 100_000)
	require.NoError(t, err)
	syncEngines(ctx, t, net, all...)

	tx, err := seller.GetTransaction(ctx, bid.ID)
	require.NoError(t, err)
	require.Equal(t, arbKeys.PublicKeyHex(), tx.ArbitratorKey)

	// only the recorded arbitrator may rule
	forged, err := mkt.NewArbitrationResolutionEvent(&mkt.ArbitrationResolutionContent{
		TxRef:   bid.ID,
		Outcome: mkt.ResolutionRefund,
	})
	require.NoError(t, err)
	err = deliverCrafted(ctx, t, buyerKeys, forged, seller)
	require.ErrorIs(t, err, mkt.ErrSequenceRejected)

	_, err = arb.ResolveArbitration(ctx, bid.ID, mkt.ResolutionRefund, "seller unresponsive")
	require.NoError(t, err)
	syncEngines(ctx, t, net, all...)

	for _, e := range all {
		requireStatus(ctx, t, e, bid.ID, mkt.TransactionRefunded)
		esc, err := e.Escrows().Get(bid.ID)
		require.NoError(t, err)
		assert.Equal(t, escrow.EscrowRefunded, esc.Status)
	}
}

func TestFeedbackWithReferenceProof(t *testing.T) {
	ctx := context.Background()
	net := testnodes.NewFakeBroadcastNode()
	pay := testnodes.NewFakePaymentNode()
	seller, sellerKeys := newEngine(t, net, pay)
	buyer, _ := newEngine(t, net, pay)

	listing, err := seller.PublishListing(ctx, &mkt.ListingContent{
		ProductName: "record player", Description: "d", PriceSats: 20_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	bid, err := buyer.PlaceBid(ctx, &mkt.BidContent{ProductRef: listing.ID, AmountSats: 20_000_000})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	_, err = seller.AcceptBid(ctx, bid.ID, 144)
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	settleEscrows(t, pay, bid.ID, 20_000_000, seller, buyer)
	payment, err := buyer.ConfirmPayment(ctx, bid.ID, fundingProof(t, buyer, bid.ID))
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	// unrated receipt: feedback follows separately with a reference proof
	_, err = buyer.ConfirmReceipt(ctx, bid.ID, 0, "")
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	_, err = buyer.LeaveFeedback(ctx, mkt.KindUserReputation, &mkt.ReputationContent{
		Subject:          sellerKeys.PublicKeyHex(),
		Rating:           4,
		TxRef:            bid.ID,
		AmountSats:       20_000_000,
		VerifiedPurchase: true,
		EscrowCompleted:  true,
	}, payment.ID, mkt.KindPaymentConfirmation)
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	agg, err := seller.Reputation().Aggregate(ctx, sellerKeys.PublicKeyHex(), time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 4.0, agg.Overall, 1e-9)
	assert.Equal(t, 1, agg.UniqueReviewers)

	// reusing the same backing event for more feedback is rejected
	_, err = buyer.LeaveFeedback(ctx, mkt.KindUserReputation, &mkt.ReputationContent{
		Subject: sellerKeys.PublicKeyHex(),
		Rating:  1,
		TxRef:   bid.ID,
	}, payment.ID, mkt.KindPaymentConfirmation)
	require.ErrorIs(t, err, mkt.ErrPolicyRejected)
}

func TestCollateralFloorRejectsThinBids(t *testing.T) {
	ctx := context.Background()
	net := testnodes.NewFakeBroadcastNode()
	pay := testnodes.NewFakePaymentNode()
	seller, _ := newEngine(t, net, pay, impl.WithMinCollateralRatio(0.1))
	buyer, buyerKeys := newEngine(t, net, pay, impl.WithMinCollateralRatio(0.1))

	listing, err := seller.PublishListing(ctx, &mkt.ListingContent{
		ProductName: "camera", Description: "d", PriceSats: 500_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	t.Run("no collateral", func(t *testing.T) {
		ev, err := mkt.NewBidEvent(&mkt.BidContent{ProductRef: listing.ID, AmountSats: 500_000_000})
		require.NoError(t, err)
		err = deliverCrafted(ctx, t, buyerKeys, ev, seller)
		require.ErrorIs(t, err, mkt.ErrAmountMismatch)
	})

	t.Run("just under the floor", func(t *testing.T) {
		ev, err := mkt.NewBidEvent(&mkt.BidContent{
			ProductRef: listing.ID, AmountSats: 500_000_000, CollateralSats: 49_999_999,
		})
		require.NoError(t, err)
		err = deliverCrafted(ctx, t, buyerKeys, ev, seller)
		require.ErrorIs(t, err, mkt.ErrAmountMismatch)
	})

	// at the floor the bid opens a transaction
	bid, err := buyer.PlaceBid(ctx, &mkt.BidContent{
		ProductRef: listing.ID, AmountSats: 500_000_000, CollateralSats: 50_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)
	requireStatus(ctx, t, seller, bid.ID, mkt.TransactionBidReceived)
}

func TestPaymentProofVerification(t *testing.T) {
	ctx := context.Background()
	net := testnodes.NewFakeBroadcastNode()
	pay := testnodes.NewFakePaymentNode()
	seller, _ := newEngine(t, net, pay)
	buyer, buyerKeys := newEngine(t, net, pay)

	listing, err := seller.PublishListing(ctx, &mkt.ListingContent{
		ProductName: "printer", Description: "d", PriceSats: 20_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	bid, err := buyer.PlaceBid(ctx, &mkt.BidContent{
		ProductRef:     listing.ID,
		AmountSats:     20_000_000,
		CollateralSats: 2_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	_, err = seller.AcceptBid(ctx, bid.ID, 144)
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	settleEscrows(t, pay, bid.ID, 22_000_000, seller, buyer)

	t.Run("unsettled payment proof", func(t *testing.T) {
		ev, err := mkt.NewPaymentEvent(&mkt.PaymentContent{
			BidRef:        bid.ID,
			PaymentProof:  strings.Repeat("ab", 32),
			PaymentMethod: "lightning_htlc",
			PaidAt:        time.Now().Unix(),
		})
		require.NoError(t, err)
		err = deliverCrafted(ctx, t, buyerKeys, ev, seller)
		require.ErrorIs(t, err, mkt.ErrAmountMismatch)
		requireStatus(ctx, t, seller, bid.ID, mkt.TransactionBidAccepted)
	})

	t.Run("unsettled collateral proof", func(t *testing.T) {
		ev, err := mkt.NewPaymentEvent(&mkt.PaymentContent{
			BidRef:          bid.ID,
			PaymentProof:    fundingProof(t, seller, bid.ID),
			CollateralProof: strings.Repeat("cd", 32),
			PaymentMethod:   "lightning_htlc",
			PaidAt:          time.Now().Unix(),
		})
		require.NoError(t, err)
		err = deliverCrafted(ctx, t, buyerKeys, ev, seller)
		require.ErrorIs(t, err, mkt.ErrAmountMismatch)
	})

	// the settled funding hash passes
	_, err = buyer.ConfirmPayment(ctx, bid.ID, fundingProof(t, buyer, bid.ID))
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)
	requireStatus(ctx, t, seller, bid.ID, mkt.TransactionPaymentConfirmed)
}

func TestLateDepositOnClosedBranch(t *testing.T) {
	ctx := context.Background()
	net := testnodes.NewFakeBroadcastNode()
	pay := testnodes.NewFakePaymentNode()
	seller, sellerKeys := newEngine(t, net, pay)
	alice, _ := newEngine(t, net, pay)
	bob, _ := newEngine(t, net, pay)

	listing, err := seller.PublishListing(ctx, &mkt.ListingContent{
		ProductName: "monitor", Description: "d", PriceSats: 6_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, alice, bob)

	bidA, err := alice.PlaceBid(ctx, &mkt.BidContent{ProductRef: listing.ID, AmountSats: 6_000_000})
	require.NoError(t, err)
	bidB, err := bob.PlaceBid(ctx, &mkt.BidContent{ProductRef: listing.ID, AmountSats: 5_500_000})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, alice, bob)

	_, err = seller.AcceptBid(ctx, bidA.ID, 144)
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, alice, bob)
	requireStatus(ctx, t, seller, bidB.ID, mkt.TransactionBidClosed)

	// a deposit for the closed branch arrives late; the transition it drives
	// is invalid and surfaces as a sequence violation
	ev, err := mkt.NewCollateralDepositEvent(&mkt.CollateralDepositContent{
		TxRef:       bidB.ID,
		AmountSats:  1_000_000,
		PaymentHash: strings.Repeat("ee", 32),
		Party:       "seller",
	})
	require.NoError(t, err)
	err = deliverCrafted(ctx, t, sellerKeys, ev, seller)
	require.ErrorIs(t, err, mkt.ErrSequenceRejected)
	requireStatus(ctx, t, seller, bidB.ID, mkt.TransactionBidClosed)
}

func TestTimeoutAfterPaymentRefundsBuyer(t *testing.T) {
	ctx := context.Background()
	net := testnodes.NewFakeBroadcastNode()
	pay := testnodes.NewFakePaymentNode()
	seller, _ := newEngine(t, net, pay)
	buyer, buyerKeys := newEngine(t, net, pay)

	listing, err := seller.PublishListing(ctx, &mkt.ListingContent{
		ProductName: "keyboard", Description: "d", PriceSats: 5_000_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	bid, err := buyer.PlaceBid(ctx, &mkt.BidContent{
		ProductRef:     listing.ID,
		AmountSats:     5_000_000,
		CollateralSats: 500_000,
	})
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	// one block: deadline ten minutes out
	_, err = seller.AcceptBid(ctx, bid.ID, 1)
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)

	settleEscrows(t, pay, bid.ID, 5_500_000, seller, buyer)
	_, err = buyer.ConfirmPayment(ctx, bid.ID, fundingProof(t, buyer, bid.ID))
	require.NoError(t, err)
	syncEngines(ctx, t, net, seller, buyer)
	requireStatus(ctx, t, seller, bid.ID, mkt.TransactionPaymentConfirmed)

	// seller never shipped; past the deadline everything returns to its
	// depositor, which with no seller collateral means the buyer
	deadline := time.Now().Add(20 * time.Minute)
	dist, err := buyer.Escrows().Expire(bid.ID, deadline)
	require.NoError(t, err)
	assert.Equal(t, int64(5_500_000), dist.Total())
	for _, p := range dist.Payouts {
		assert.Equal(t, buyerKeys.PublicKeyHex(), p.Recipient)
	}

	require.NoError(t, buyer.CheckTimeouts(ctx, deadline))
	requireStatus(ctx, t, buyer, bid.ID, mkt.TransactionExpired)
	esc, err := buyer.Escrows().Get(bid.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.EscrowExpired, esc.Status)

	// the seller replica unwinds the same way on its own sweep
	require.NoError(t, seller.CheckTimeouts(ctx, deadline))
	requireStatus(ctx, t, seller, bid.ID, mkt.TransactionExpired)
	esc, err = seller.Escrows().Get(bid.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.EscrowExpired, esc.Status)
}
