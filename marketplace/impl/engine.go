package impl

import (
	"context"
	"strconv"
	"time"

	"github.com/filecoin-project/go-statemachine/fsm"
	"github.com/hannahhoward/go-pubsub"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/domp-protocol/go-domp-markets/antispam"
	"github.com/domp-protocol/go-domp-markets/escrow"
	"github.com/domp-protocol/go-domp-markets/event"
	mkt "github.com/domp-protocol/go-domp-markets/marketplace"
	"github.com/domp-protocol/go-domp-markets/marketplace/impl/eventstore"
	"github.com/domp-protocol/go-domp-markets/marketplace/impl/transactionstates"
	"github.com/domp-protocol/go-domp-markets/reputation"
	"github.com/domp-protocol/go-domp-markets/storedcounter"
)

var log = logging.Logger("markets")

// TransactionsDSPrefix is where per-transaction state machine state lives.
var TransactionsDSPrefix = "/marketplace/transactions"

// DefaultPoWDifficulty is the minimum mined difficulty for outbound events.
const DefaultPoWDifficulty = 8

// DefaultPoWConcurrency bounds simultaneous proof-of-work searches.
const DefaultPoWConcurrency = 2

// DefaultSweepInterval is how often expired transactions are collected.
const DefaultSweepInterval = time.Minute

// DefaultInvoiceExpiry is the validity window requested for acceptance
// invoices.
const DefaultInvoiceExpiry = 24 * time.Hour

// Marketplace is the protocol engine for one participant: it ingests
// verified events from the broadcast network, drives the per-transaction
// state machines, and publishes this participant's own signed events.
type Marketplace struct {
	keys      *event.KeyPair
	broadcast mkt.BroadcastNode
	payments  mkt.PaymentNode

	events       *eventstore.Store
	listings     *listingStore
	bids         *bidStore
	txIndex      datastore.Batching
	transactions fsm.Group
	escrows      *escrow.Manager
	scores       *reputation.Engine
	validator    *antispam.Validator
	listingSeq   *storedcounter.StoredCounter
	pubSub       *pubsub.PubSub

	policy             antispam.Policy
	powDifficulty      int
	powSlots           chan struct{}
	sweepInterval      time.Duration
	invoiceExpiry      time.Duration
	minCollateralRatio float64
}

// MarketplaceOption modifies configuration before the engine starts.
type MarketplaceOption func(*Marketplace)

// WithAntiSpamPolicy overrides the inbound proof policy.
func WithAntiSpamPolicy(policy antispam.Policy) MarketplaceOption {
	return func(m *Marketplace) {
		m.policy = policy
	}
}

// WithPoWDifficulty sets the difficulty mined into outbound events.
func WithPoWDifficulty(difficulty int) MarketplaceOption {
	return func(m *Marketplace) {
		m.powDifficulty = difficulty
	}
}

// WithMinCollateralRatio sets the lowest acceptable buyer collateral as a
// fraction of the bid amount. Zero means no floor.
func WithMinCollateralRatio(ratio float64) MarketplaceOption {
	return func(m *Marketplace) {
		m.minCollateralRatio = ratio
	}
}

// WithSweepInterval sets the period of the expired-transaction sweep.
func WithSweepInterval(interval time.Duration) MarketplaceOption {
	return func(m *Marketplace) {
		m.sweepInterval = interval
	}
}

func defaultPolicy() antispam.Policy {
	refRequired := make(map[int]bool, len(mkt.ReputationKinds))
	for _, kind := range mkt.ReputationKinds {
		refRequired[kind] = true
	}
	return antispam.Policy{
		MinPoWDifficulty:       DefaultPoWDifficulty,
		MinPaymentSats:         1,
		ReferenceRequiredKinds: refRequired,
	}
}

// NewMarketplace constructs the engine over a datastore and the two network
// collaborators. All state is datastore-derived, so reopening over the same
// datastore resumes where the previous instance stopped.
func NewMarketplace(ds datastore.Batching, broadcast mkt.BroadcastNode, payments mkt.PaymentNode,
	keys *event.KeyPair, options ...MarketplaceOption) (*Marketplace, error) {
	m := &Marketplace{
		keys:          keys,
		broadcast:     broadcast,
		payments:      payments,
		events:        eventstore.New(ds),
		listings:      newListingStore(ds),
		bids:          newBidStore(ds),
		txIndex:       namespace.Wrap(ds, datastore.NewKey("/marketplace/txindex")),
		escrows:       escrow.NewManager(ds, payments),
		scores:        reputation.NewEngine(ds),
		listingSeq:    storedcounter.New(ds, datastore.NewKey("/marketplace/listingseq")),
		pubSub:        pubsub.New(dispatcher),
		policy:        defaultPolicy(),
		powDifficulty: DefaultPoWDifficulty,
		powSlots:      make(chan struct{}, DefaultPoWConcurrency),
		sweepInterval: DefaultSweepInterval,
		invoiceExpiry: DefaultInvoiceExpiry,
	}
	for _, option := range options {
		option(m)
	}
	m.validator = antispam.NewValidator(namespace.Wrap(ds, datastore.NewKey("/marketplace/antispam")),
		m.policy, payments, m.events)

	transactions, err := fsm.New(namespace.Wrap(ds, datastore.NewKey(TransactionsDSPrefix)), fsm.Parameters{
		Environment:     m,
		StateType:       mkt.MarketTransaction{},
		StateKeyField:   "Status",
		Events:          transactionstates.TransactionEvents,
		StateEntryFuncs: transactionstates.TransactionStateEntryFuncs,
		FinalityStates:  transactionstates.TransactionFinalityStates,
		Notifier:        m.notifySubscribers,
	})
	if err != nil {
		return nil, err
	}
	m.transactions = transactions
	return m, nil
}

type internalEvent struct {
	evt mkt.TransactionEvent
	tx  mkt.MarketTransaction
}

func dispatcher(evt pubsub.Event, fn pubsub.SubscriberFn) error {
	ie, ok := evt.(internalEvent)
	if !ok {
		return xerrors.New("wrong type of event")
	}
	cb, ok := fn.(mkt.Subscriber)
	if !ok {
		return xerrors.New("wrong type of callback registered")
	}
	cb(ie.evt, ie.tx)
	return nil
}

func (m *Marketplace) notifySubscribers(eventName fsm.EventName, state fsm.StateType) {
	evt, ok := eventName.(mkt.TransactionEvent)
	if !ok {
		return
	}
	tx, ok := state.(mkt.MarketTransaction)
	if !ok {
		return
	}
	if err := m.pubSub.Publish(internalEvent{evt, tx}); err != nil {
		log.Warnw("publishing state change", "err", err)
	}
}

// SubscribeToEvents registers a callback for committed transaction state
// changes. Notification is best-effort and never gates protocol state.
func (m *Marketplace) SubscribeToEvents(subscriber mkt.Subscriber) mkt.Unsubscribe {
	return mkt.Unsubscribe(m.pubSub.Subscribe(subscriber))
}

// Stop drains the transaction state machines.
func (m *Marketplace) Stop(ctx context.Context) error {
	return m.transactions.Stop(ctx)
}

// Run consumes the broadcast network until ctx is done. The subscription is
// restarted with backoff whenever it drops; the timeout sweep runs
// alongside.
func (m *Marketplace) Run(ctx context.Context) error {
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return m.consumeEvents(gctx)
	})
	eg.Go(func() error {
		return m.sweepLoop(gctx)
	})
	return eg.Wait()
}

func (m *Marketplace) consumeEvents(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    time.Minute,
		Jitter: true,
	}
	for {
		events, err := m.broadcast.SubscribeEvents(ctx, mkt.EventFilter{Kinds: mkt.MarketKinds})
		if err != nil {
			d := b.Duration()
			log.Warnw("subscribing to broadcast network", "err", err, "retryIn", d)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				continue
			}
		}
		b.Reset()

		for ev := range events {
			if err := m.Receive(ctx, ev); err != nil {
				log.Debugw("event rejected", "id", ev.ID, "kind", ev.Kind, "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			log.Infow("broadcast subscription ended, restarting")
		}
	}
}

func (m *Marketplace) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := m.CheckTimeouts(ctx, now); err != nil {
				log.Warnw("timeout sweep", "err", err)
			}
		}
	}
}

// Receive runs the full ingestion pipeline on one event. Rejections are
// classified per the error taxonomy in the marketplace package; a rejected
// event leaves no state behind, and re-delivering an ingested event is a
// no-op.
func (m *Marketplace) Receive(ctx context.Context, ev *event.Event) error {
	if err := ev.Validate(); err != nil {
		return xerrors.Errorf("%s: %w", err, mkt.ErrMalformedEvent)
	}
	if err := event.Verify(ev); err != nil {
		return xerrors.Errorf("%s: %w", err, mkt.ErrMalformedEvent)
	}
	if !isMarketKind(ev.Kind) {
		return xerrors.Errorf("kind %d: %w", ev.Kind, mkt.ErrUnknownKind)
	}

	seen, err := m.events.HasEvent(ctx, ev.ID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	if err := m.validator.Validate(ctx, ev); err != nil {
		return xerrors.Errorf("%s: %w", err, mkt.ErrPolicyRejected)
	}

	content, err := mkt.DecodeContent(ev.Kind, ev.Content)
	if err != nil {
		return xerrors.Errorf("%s: %w", err, mkt.ErrMalformedEvent)
	}

	txID, err := m.route(ctx, ev, content)
	if err != nil {
		return err
	}

	if err := m.events.PutEvent(ctx, ev); err != nil {
		return err
	}
	if txID != "" {
		if err := m.txIndex.Put(ctx, datastore.NewKey("/"+ev.ID), []byte(txID)); err != nil {
			return err
		}
	}
	return nil
}

func isMarketKind(kind int) bool {
	for _, k := range mkt.MarketKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// route dispatches one decoded event. It returns the transaction branch the
// event belongs to, if any, for the reference index.
func (m *Marketplace) route(ctx context.Context, ev *event.Event, content mkt.Content) (string, error) {
	switch c := content.(type) {
	case *mkt.ListingContent:
		return "", m.handleListing(ctx, ev, c)
	case *mkt.BidContent:
		return ev.ID, m.handleBid(ctx, ev, c.ProductRef, c.AmountSats, c.CollateralSats)
	case *mkt.CounterBidContent:
		return ev.ID, m.handleCounterBid(ctx, ev, c)
	case *mkt.AcceptanceContent:
		return c.BidRef, m.handleAcceptance(ctx, ev, c)
	case *mkt.CollateralDepositContent:
		return c.TxRef, m.handleCollateralDeposit(ctx, ev, c)
	case *mkt.PaymentContent:
		return c.BidRef, m.handlePayment(ctx, ev, c)
	case *mkt.ReceiptContent:
		return m.handleReceipt(ctx, ev, c)
	case *mkt.DisputeContent:
		return m.handleDispute(ctx, ev, c)
	case *mkt.RefundContent:
		return c.TxRef, m.handleRefund(ctx, ev, c)
	case *mkt.MutualAgreementContent:
		return m.handleMutualAgreement(ctx, ev, c)
	case *mkt.ArbitrationOfferContent:
		return m.handleArbitrationOffer(ctx, ev, c)
	case *mkt.ArbitrationResolutionContent:
		return c.TxRef, m.handleArbitrationResolution(ctx, ev, c)
	case *mkt.MessageContent:
		// stored and relayed opaquely
		return c.TxRef, nil
	case *mkt.ReputationContent:
		return "", m.handleReputation(ctx, ev, c)
	default:
		return "", xerrors.Errorf("kind %d: %w", ev.Kind, mkt.ErrUnknownKind)
	}
}

func (m *Marketplace) handleListing(ctx context.Context, ev *event.Event, c *mkt.ListingContent) error {
	return m.listings.put(ctx, mkt.Listing{
		ID:               ev.ID,
		SellerKey:        ev.PubKey,
		ProductName:      c.ProductName,
		Description:      c.Description,
		PriceSats:        c.PriceSats,
		SellerCollateral: c.SellerCollateral,
		Category:         c.Category,
		CreatedAt:        ev.CreatedAt,
		Open:             true,
	})
}

func (m *Marketplace) handleBid(ctx context.Context, ev *event.Event, listingID string, amount, collateral int64) error {
	listing, err := m.listings.get(ctx, listingID)
	if err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return xerrors.Errorf("bid on unknown listing %s: %w", listingID, mkt.ErrSequenceRejected)
		}
		return err
	}
	if !listing.Open {
		return xerrors.Errorf("bid on sold listing %s: %w", listingID, mkt.ErrSequenceRejected)
	}
	if ev.PubKey == listing.SellerKey {
		return xerrors.Errorf("seller cannot bid on own listing: %w", mkt.ErrSequenceRejected)
	}
	if required := int64(m.minCollateralRatio * float64(amount)); collateral < required {
		return xerrors.Errorf("collateral %d below required %d for bid of %d: %w",
			collateral, required, amount, mkt.ErrAmountMismatch)
	}

	bid := mkt.Bid{
		ID:             ev.ID,
		ListingID:      listingID,
		BuyerKey:       ev.PubKey,
		AmountSats:     amount,
		CollateralSats: collateral,
		CreatedAt:      ev.CreatedAt,
	}
	if err := m.bids.put(ctx, bid); err != nil {
		return err
	}
	return m.send(ctx, ev.ID, mkt.TransactionEventBidReceived, listing, bid)
}

func (m *Marketplace) handleCounterBid(ctx context.Context, ev *event.Event, c *mkt.CounterBidContent) error {
	countered, err := m.events.HasEvent(ctx, c.CounterOf)
	if err != nil {
		return err
	}
	if !countered {
		return xerrors.Errorf("counter of unknown bid %s: %w", c.CounterOf, mkt.ErrSequenceRejected)
	}
	// a counter bid opens its own branch on the listing
	return m.handleBid(ctx, ev, c.ProductRef, c.AmountSats, c.CollateralSats)
}

// send drives one transaction state machine and classifies transition
// failures. Handlers pre-check status, but two conflicting events can still
// race past the pre-check; the loser's invalid transition is a sequence
// violation like any other.
func (m *Marketplace) send(ctx context.Context, txID string, evt mkt.TransactionEvent, args ...interface{}) error {
	if err := m.transactions.SendSync(ctx, mkt.TransactionID(txID), evt, args...); err != nil {
		return xerrors.Errorf("%s: %w", err, mkt.ErrSequenceRejected)
	}
	return nil
}

func (m *Marketplace) getTransaction(ctx context.Context, txID string) (mkt.MarketTransaction, error) {
	has, err := m.transactions.Has(mkt.TransactionID(txID))
	if err != nil {
		return mkt.MarketTransaction{}, err
	}
	if !has {
		return mkt.MarketTransaction{}, xerrors.Errorf("unknown transaction %s: %w", txID, mkt.ErrSequenceRejected)
	}
	var tx mkt.MarketTransaction
	if err := m.transactions.GetSync(ctx, mkt.TransactionID(txID), &tx); err != nil {
		return mkt.MarketTransaction{}, err
	}
	return tx, nil
}

// resolveBranch maps an event reference to the transaction branch the
// referenced event was filed under.
func (m *Marketplace) resolveBranch(ctx context.Context, ref string) (string, error) {
	txID, err := m.txIndex.Get(ctx, datastore.NewKey("/"+ref))
	if err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return "", xerrors.Errorf("reference %s matches no transaction: %w", ref, mkt.ErrSequenceRejected)
		}
		return "", err
	}
	return string(txID), nil
}

func (m *Marketplace) handleAcceptance(ctx context.Context, ev *event.Event, c *mkt.AcceptanceContent) error {
	tx, err := m.getTransaction(ctx, c.BidRef)
	if err != nil {
		return err
	}
	if ev.PubKey != tx.SellerKey {
		return xerrors.Errorf("acceptance signed by %s, listing belongs to %s: %w",
			ev.PubKey, tx.SellerKey, mkt.ErrSequenceRejected)
	}
	if tx.Status != mkt.TransactionBidReceived {
		return xerrors.Errorf("acceptance for %s transaction: %w",
			mkt.TransactionStates[tx.Status], mkt.ErrSequenceRejected)
	}
	if c.InvoiceAmountSats != tx.PurchaseAmount {
		return xerrors.Errorf("invoice for %d sats, bid was %d: %w",
			c.InvoiceAmountSats, tx.PurchaseAmount, mkt.ErrAmountMismatch)
	}

	timeoutAt := ev.CreatedAt + c.EffectiveTimeoutBlocks()*mkt.SecondsPerBlock
	return m.send(ctx, c.BidRef, mkt.TransactionEventBidAccepted, ev.ID, c.Invoice, timeoutAt)
}

func (m *Marketplace) handleCollateralDeposit(ctx context.Context, ev *event.Event, c *mkt.CollateralDepositContent) error {
	tx, err := m.getTransaction(ctx, c.TxRef)
	if err != nil {
		return err
	}
	switch c.Party {
	case "seller":
		if ev.PubKey != tx.SellerKey {
			return xerrors.Errorf("seller deposit signed by %s: %w", ev.PubKey, mkt.ErrSequenceRejected)
		}
		return m.send(ctx, c.TxRef, mkt.TransactionEventCollateralDeposited, c.PaymentHash)
	case "buyer":
		// buyer collateral rides the funding invoice; the event is a
		// public record only
		if ev.PubKey != tx.BuyerKey {
			return xerrors.Errorf("buyer deposit signed by %s: %w", ev.PubKey, mkt.ErrSequenceRejected)
		}
		return nil
	default:
		return xerrors.Errorf("unknown party %q: %w", c.Party, mkt.ErrMalformedEvent)
	}
}

func (m *Marketplace) handlePayment(ctx context.Context, ev *event.Event, c *mkt.PaymentContent) error {
	tx, err := m.getTransaction(ctx, c.BidRef)
	if err != nil {
		return err
	}
	if ev.PubKey != tx.BuyerKey {
		return xerrors.Errorf("payment confirmation signed by %s, bid belongs to %s: %w",
			ev.PubKey, tx.BuyerKey, mkt.ErrSequenceRejected)
	}
	if tx.Status != mkt.TransactionBidAccepted {
		return xerrors.Errorf("payment confirmation for %s transaction: %w",
			mkt.TransactionStates[tx.Status], mkt.ErrSequenceRejected)
	}

	settled, err := m.payments.CheckSettled(ctx, c.PaymentProof, tx.PurchaseAmount+tx.BuyerCollateral)
	if err != nil {
		return xerrors.Errorf("checking payment proof for bid %s: %w", c.BidRef, err)
	}
	if !settled {
		return xerrors.Errorf("payment proof %s does not settle %d sats: %w",
			c.PaymentProof, tx.PurchaseAmount+tx.BuyerCollateral, mkt.ErrAmountMismatch)
	}
	if c.CollateralProof != "" {
		settled, err := m.payments.CheckSettled(ctx, c.CollateralProof, tx.BuyerCollateral)
		if err != nil {
			return xerrors.Errorf("checking collateral proof for bid %s: %w", c.BidRef, err)
		}
		if !settled {
			return xerrors.Errorf("collateral proof %s does not settle %d sats: %w",
				c.CollateralProof, tx.BuyerCollateral, mkt.ErrAmountMismatch)
		}
	}

	// all deposits must verify before the transition commits
	if _, err := m.escrows.Fund(ctx, c.BidRef); err != nil {
		return err
	}
	return m.send(ctx, c.BidRef, mkt.TransactionEventPaymentConfirmed, ev.ID)
}

func (m *Marketplace) handleReceipt(ctx context.Context, ev *event.Event, c *mkt.ReceiptContent) (string, error) {
	txID, err := m.resolveBranch(ctx, c.PaymentRef)
	if err != nil {
		return "", err
	}
	tx, err := m.getTransaction(ctx, txID)
	if err != nil {
		return "", err
	}
	if ev.PubKey != tx.BuyerKey {
		return "", xerrors.Errorf("receipt signed by %s, bid belongs to %s: %w",
			ev.PubKey, tx.BuyerKey, mkt.ErrSequenceRejected)
	}
	if tx.Status != mkt.TransactionPaymentConfirmed {
		return "", xerrors.Errorf("receipt for %s transaction: %w",
			mkt.TransactionStates[tx.Status], mkt.ErrSequenceRejected)
	}

	if c.Status != mkt.ReceiptStatusReceived {
		// any non-received status opens a dispute
		return txID, m.send(ctx, txID, mkt.TransactionEventDisputeOpened, c.DisputeReason)
	}

	esc, err := m.escrows.Get(txID)
	if err != nil {
		return "", err
	}
	if _, err := m.escrows.Release(txID, esc.Preimage); err != nil {
		return "", err
	}
	if err := m.send(ctx, txID, mkt.TransactionEventReceiptConfirmed, ev.ID); err != nil {
		return "", err
	}

	// a rated receipt doubles as verified-purchase feedback on the seller
	if c.Rating > 0 {
		err := m.scores.Record(ctx, reputation.Record{
			EventID:          ev.ID,
			Rater:            ev.PubKey,
			Subject:          tx.SellerKey,
			Kind:             ev.Kind,
			Rating:           c.Rating,
			TxRef:            txID,
			AmountSats:       tx.PurchaseAmount,
			VerifiedPurchase: true,
			EscrowCompleted:  true,
			Feedback:         c.Feedback,
			CreatedAt:        ev.CreatedAt,
		})
		if err != nil && !xerrors.Is(err, reputation.ErrDuplicateReference) {
			log.Warnw("recording receipt feedback", "tx", txID, "err", err)
		}
	}
	return txID, nil
}

func (m *Marketplace) handleDispute(ctx context.Context, ev *event.Event, c *mkt.DisputeContent) (string, error) {
	txID, err := m.resolveBranch(ctx, c.PaymentRef)
	if err != nil {
		return "", err
	}
	tx, err := m.getTransaction(ctx, txID)
	if err != nil {
		return "", err
	}
	if ev.PubKey != tx.BuyerKey && ev.PubKey != tx.SellerKey {
		return "", xerrors.Errorf("dispute opened by third party %s: %w", ev.PubKey, mkt.ErrSequenceRejected)
	}
	if tx.Status != mkt.TransactionPaymentConfirmed {
		return "", xerrors.Errorf("dispute for %s transaction: %w",
			mkt.TransactionStates[tx.Status], mkt.ErrSequenceRejected)
	}
	return txID, m.send(ctx, txID, mkt.TransactionEventDisputeOpened, c.Reason)
}

func (m *Marketplace) handleRefund(ctx context.Context, ev *event.Event, c *mkt.RefundContent) error {
	tx, err := m.getTransaction(ctx, c.TxRef)
	if err != nil {
		return err
	}
	if ev.PubKey != tx.SellerKey {
		return xerrors.Errorf("refund initiated by %s, listing belongs to %s: %w",
			ev.PubKey, tx.SellerKey, mkt.ErrSequenceRejected)
	}
	switch tx.Status {
	case mkt.TransactionDisputed, mkt.TransactionArbitrationOffered, mkt.TransactionMutuallyAgreed:
	default:
		return xerrors.Errorf("refund for %s transaction: %w",
			mkt.TransactionStates[tx.Status], mkt.ErrSequenceRejected)
	}

	if _, err := m.escrows.Refund(c.TxRef); err != nil {
		return err
	}
	reason := c.Reason
	if reason == "" {
		reason = "refund initiated by seller"
	}
	return m.send(ctx, c.TxRef, mkt.TransactionEventResolvedRefunded, reason)
}

func (m *Marketplace) handleMutualAgreement(ctx context.Context, ev *event.Event, c *mkt.MutualAgreementContent) (string, error) {
	txID, err := m.resolveBranch(ctx, c.DisputeRef)
	if err != nil {
		return "", err
	}
	tx, err := m.getTransaction(ctx, txID)
	if err != nil {
		return "", err
	}
	if ev.PubKey != tx.BuyerKey && ev.PubKey != tx.SellerKey {
		return "", xerrors.Errorf("agreement signed by third party %s: %w", ev.PubKey, mkt.ErrSequenceRejected)
	}
	switch tx.Status {
	case mkt.TransactionDisputed, mkt.TransactionArbitrationOffered:
	default:
		return "", xerrors.Errorf("agreement for %s transaction: %w",
			mkt.TransactionStates[tx.Status], mkt.ErrSequenceRejected)
	}
	return txID, m.send(ctx, txID, mkt.TransactionEventMutualAgreement)
}

func (m *Marketplace) handleArbitrationOffer(ctx context.Context, ev *event.Event, c *mkt.ArbitrationOfferContent) (string, error) {
	txID, err := m.resolveBranch(ctx, c.DisputeRef)
	if err != nil {
		return "", err
	}
	tx, err := m.getTransaction(ctx, txID)
	if err != nil {
		return "", err
	}
	if ev.PubKey == tx.BuyerKey || ev.PubKey == tx.SellerKey {
		return "", xerrors.Errorf("arbitrator must be a third party: %w", mkt.ErrSequenceRejected)
	}
	if tx.Status != mkt.TransactionDisputed {
		return "", xerrors.Errorf("arbitration offer for %s transaction: %w",
			mkt.TransactionStates[tx.Status], mkt.ErrSequenceRejected)
	}
	return txID, m.send(ctx, txID, mkt.TransactionEventArbitrationOffered, ev.PubKey)
}

func (m *Marketplace) handleArbitrationResolution(ctx context.Context, ev *event.Event, c *mkt.ArbitrationResolutionContent) error {
	tx, err := m.getTransaction(ctx, c.TxRef)
	if err != nil {
		return err
	}
	if tx.ArbitratorKey == "" || ev.PubKey != tx.ArbitratorKey {
		return xerrors.Errorf("resolution signed by %s, arbitrator is %q: %w",
			ev.PubKey, tx.ArbitratorKey, mkt.ErrSequenceRejected)
	}
	if tx.Status != mkt.TransactionArbitrationOffered {
		return xerrors.Errorf("resolution for %s transaction: %w",
			mkt.TransactionStates[tx.Status], mkt.ErrSequenceRejected)
	}

	switch c.Outcome {
	case mkt.ResolutionRefund:
		if _, err := m.escrows.Refund(c.TxRef); err != nil {
			return err
		}
		return m.send(ctx, c.TxRef, mkt.TransactionEventResolvedRefunded, "arbitration: "+c.Notes)
	case mkt.ResolutionComplete:
		esc, err := m.escrows.Get(c.TxRef)
		if err != nil {
			return err
		}
		if _, err := m.escrows.Release(c.TxRef, esc.Preimage); err != nil {
			return err
		}
		return m.send(ctx, c.TxRef, mkt.TransactionEventResolvedCompleted, "arbitration: "+c.Notes)
	default:
		return xerrors.Errorf("unknown outcome %q: %w", c.Outcome, mkt.ErrMalformedEvent)
	}
}

func (m *Marketplace) handleReputation(ctx context.Context, ev *event.Event, c *mkt.ReputationContent) error {
	err := m.scores.Record(ctx, reputation.Record{
		EventID:          ev.ID,
		Rater:            ev.PubKey,
		Subject:          c.Subject,
		Kind:             ev.Kind,
		Rating:           c.Rating,
		TxRef:            c.TxRef,
		AmountSats:       c.AmountSats,
		VerifiedPurchase: c.VerifiedPurchase,
		EscrowCompleted:  c.EscrowCompleted,
		Feedback:         c.Feedback,
		CreatedAt:        ev.CreatedAt,
	})
	if err != nil {
		return xerrors.Errorf("%s: %w", err, mkt.ErrPolicyRejected)
	}
	return nil
}

// CheckTimeouts expires every live transaction whose escrow deadline has
// passed. It is safe to call at any time; transactions without a deadline
// are skipped.
func (m *Marketplace) CheckTimeouts(ctx context.Context, now time.Time) error {
	var txs []mkt.MarketTransaction
	if err := m.transactions.List(&txs); err != nil {
		return err
	}
	for _, tx := range txs {
		if tx.Terminal() || tx.TimeoutAt == 0 || now.Unix() <= tx.TimeoutAt {
			continue
		}
		switch tx.Status {
		case mkt.TransactionBidAccepted, mkt.TransactionPaymentConfirmed, mkt.TransactionDisputed:
		default:
			continue
		}

		if _, err := m.escrows.Expire(tx.BidID, now); err != nil &&
			!xerrors.Is(err, escrow.ErrNotFound) && !xerrors.Is(err, escrow.ErrNotActive) {
			log.Warnw("expiring escrow", "tx", tx.BidID, "err", err)
			continue
		}
		if err := m.transactions.SendSync(ctx, mkt.TransactionID(tx.BidID), mkt.TransactionEventTimedOut); err != nil {
			log.Warnw("expiring transaction", "tx", tx.BidID, "err", err)
		}
	}
	return nil
}

// OpenEscrow creates the escrow for an accepted bid, or returns the
// existing one on replay.
func (m *Marketplace) OpenEscrow(txID string, terms escrow.Terms) (escrow.Escrow, error) {
	esc, err := m.escrows.Get(txID)
	if err == nil {
		return esc, nil
	}
	if !xerrors.Is(err, escrow.ErrNotFound) {
		return escrow.Escrow{}, err
	}
	return m.escrows.Create(txID, terms)
}

// CloseSiblingBids marks the listing sold and closes every other live bid
// branch on it.
func (m *Marketplace) CloseSiblingBids(ctx context.Context, listingID string, acceptedBidID string) error {
	if err := m.listings.close(ctx, listingID); err != nil {
		return err
	}
	bids, err := m.bids.forListing(ctx, listingID)
	if err != nil {
		return err
	}
	for _, bid := range bids {
		if bid.ID == acceptedBidID {
			continue
		}
		tx, err := m.getTransaction(ctx, bid.ID)
		if err != nil || tx.Status != mkt.TransactionBidReceived {
			continue
		}
		if err := m.transactions.Send(mkt.TransactionID(bid.ID), mkt.TransactionEventBidClosed, acceptedBidID); err != nil {
			log.Warnw("closing sibling bid", "bid", bid.ID, "err", err)
		}
	}
	return nil
}

// GetTransaction returns the current state of one transaction branch.
func (m *Marketplace) GetTransaction(ctx context.Context, txID string) (mkt.MarketTransaction, error) {
	return m.getTransaction(ctx, txID)
}

// ListTransactions returns all tracked transaction branches.
func (m *Marketplace) ListTransactions() ([]mkt.MarketTransaction, error) {
	var txs []mkt.MarketTransaction
	if err := m.transactions.List(&txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// ListListings returns known listings, optionally only those still open.
func (m *Marketplace) ListListings(ctx context.Context, openOnly bool) ([]mkt.Listing, error) {
	return m.listings.list(ctx, openOnly)
}

// BidsForListing returns all known bids on one listing.
func (m *Marketplace) BidsForListing(ctx context.Context, listingID string) ([]mkt.Bid, error) {
	return m.bids.forListing(ctx, listingID)
}

// Escrows exposes the escrow manager.
func (m *Marketplace) Escrows() *escrow.Manager {
	return m.escrows
}

// Reputation exposes the reputation engine.
func (m *Marketplace) Reputation() *reputation.Engine {
	return m.scores
}

var _ transactionstates.TransactionEnvironment = (*Marketplace)(nil)

// mineAndSign stamps ev with this participant's key and a proof-of-work
// tag, then signs. Mining is CPU-bound and runs under a concurrency cap so
// bursts of outbound events cannot saturate the process.
func (m *Marketplace) mineAndSign(ctx context.Context, ev *event.Event) error {
	select {
	case m.powSlots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.powSlots }()

	ev.PubKey = m.keys.PublicKeyHex()
	if err := antispam.GenerateProof(ctx, ev, m.powDifficulty); err != nil {
		return err
	}
	return m.keys.Sign(ev)
}

// publish signs, publishes and self-ingests one outbound event, so local
// state reflects it without waiting for the network echo.
func (m *Marketplace) publish(ctx context.Context, ev *event.Event) (*event.Event, error) {
	if err := m.mineAndSign(ctx, ev); err != nil {
		return nil, err
	}
	if err := m.broadcast.PublishEvent(ctx, ev); err != nil {
		return nil, xerrors.Errorf("publishing event %s: %w", ev.ID, err)
	}
	if err := m.Receive(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// PublishListing announces a product for sale.
func (m *Marketplace) PublishListing(ctx context.Context, content *mkt.ListingContent) (*event.Event, error) {
	seq, err := m.listingSeq.Next(ctx)
	if err != nil {
		return nil, err
	}
	ev, err := mkt.NewListingEvent(content, []string{"seq", strconv.FormatUint(seq, 10)})
	if err != nil {
		return nil, err
	}
	return m.publish(ctx, ev)
}

// PlaceBid bids on an open listing.
func (m *Marketplace) PlaceBid(ctx context.Context, content *mkt.BidContent) (*event.Event, error) {
	ev, err := mkt.NewBidEvent(content)
	if err != nil {
		return nil, err
	}
	return m.publish(ctx, ev)
}

// AcceptBid accepts a bid on this participant's listing, issuing the
// funding invoice. The escrow opens when the acceptance commits.
func (m *Marketplace) AcceptBid(ctx context.Context, bidID string, timeoutBlocks int64) (*event.Event, error) {
	tx, err := m.getTransaction(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if tx.SellerKey != m.keys.PublicKeyHex() {
		return nil, xerrors.Errorf("listing %s does not belong to this key: %w", tx.ListingID, mkt.ErrSequenceRejected)
	}
	if tx.Status != mkt.TransactionBidReceived {
		return nil, xerrors.Errorf("bid is %s: %w", mkt.TransactionStates[tx.Status], mkt.ErrSequenceRejected)
	}

	invoice, err := m.payments.CreateInvoice(ctx, tx.PurchaseAmount+tx.BuyerCollateral,
		"purchase "+tx.ListingID, m.invoiceExpiry)
	if err != nil {
		return nil, xerrors.Errorf("creating funding invoice: %w", err)
	}

	ev, err := mkt.NewAcceptanceEvent(&mkt.AcceptanceContent{
		BidRef:            bidID,
		Invoice:           invoice.Invoice,
		InvoiceAmountSats: tx.PurchaseAmount,
		TimeoutBlocks:     timeoutBlocks,
	})
	if err != nil {
		return nil, err
	}
	return m.publish(ctx, ev)
}

// DepositCollateral records a collateral deposit payment hash against a
// transaction. Sellers post theirs before accepting so the hash is fixed in
// the escrow terms.
func (m *Marketplace) DepositCollateral(ctx context.Context, bidID string, paymentHash string, amountSats int64) (*event.Event, error) {
	tx, err := m.getTransaction(ctx, bidID)
	if err != nil {
		return nil, err
	}
	party := "buyer"
	if tx.SellerKey == m.keys.PublicKeyHex() {
		party = "seller"
	}
	ev, err := mkt.NewCollateralDepositEvent(&mkt.CollateralDepositContent{
		TxRef:       bidID,
		AmountSats:  amountSats,
		PaymentHash: paymentHash,
		Party:       party,
	})
	if err != nil {
		return nil, err
	}
	return m.publish(ctx, ev)
}

// ConfirmPayment announces that this participant funded an accepted bid.
func (m *Marketplace) ConfirmPayment(ctx context.Context, bidID string, proof string) (*event.Event, error) {
	ev, err := mkt.NewPaymentEvent(&mkt.PaymentContent{
		BidRef:        bidID,
		PaymentProof:  proof,
		PaymentMethod: "lightning_htlc",
		PaidAt:        time.Now().Unix(),
	})
	if err != nil {
		return nil, err
	}
	return m.publish(ctx, ev)
}

// ConfirmReceipt confirms delivery, releasing the escrow. A positive
// rating doubles as verified feedback on the seller.
func (m *Marketplace) ConfirmReceipt(ctx context.Context, bidID string, rating int, feedback string) (*event.Event, error) {
	tx, err := m.getTransaction(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if tx.PaymentID == "" {
		return nil, xerrors.Errorf("transaction %s has no confirmed payment: %w", bidID, mkt.ErrSequenceRejected)
	}
	ev, err := mkt.NewReceiptEvent(&mkt.ReceiptContent{
		PaymentRef: tx.PaymentID,
		Status:     mkt.ReceiptStatusReceived,
		Rating:     rating,
		Feedback:   feedback,
	})
	if err != nil {
		return nil, err
	}
	return m.publish(ctx, ev)
}

// OpenDispute reports non-delivery or a damaged item on a paid
// transaction.
func (m *Marketplace) OpenDispute(ctx context.Context, bidID string, reason string) (*event.Event, error) {
	tx, err := m.getTransaction(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if tx.PaymentID == "" {
		return nil, xerrors.Errorf("transaction %s has no confirmed payment: %w", bidID, mkt.ErrSequenceRejected)
	}
	ev, err := mkt.NewDisputeEvent(&mkt.DisputeContent{
		PaymentRef: tx.PaymentID,
		Reason:     reason,
	})
	if err != nil {
		return nil, err
	}
	return m.publish(ctx, ev)
}

// InitiateRefund settles a dispute on this participant's listing with a
// full refund to the buyer.
func (m *Marketplace) InitiateRefund(ctx context.Context, bidID string, reason string) (*event.Event, error) {
	ev, err := mkt.NewRefundEvent(&mkt.RefundContent{TxRef: bidID, Reason: reason})
	if err != nil {
		return nil, err
	}
	return m.publish(ctx, ev)
}

// AgreeMutually records that the parties settled the dispute between
// themselves.
func (m *Marketplace) AgreeMutually(ctx context.Context, disputeID string, terms string) (*event.Event, error) {
	ev, err := mkt.NewMutualAgreementEvent(&mkt.MutualAgreementContent{DisputeRef: disputeID, Terms: terms})
	if err != nil {
		return nil, err
	}
	return m.publish(ctx, ev)
}

// OfferArbitration offers this participant as arbitrator on a dispute.
func (m *Marketplace) OfferArbitration(ctx context.Context, disputeID string, feeSats int64) (*event.Event, error) {
	ev, err := mkt.NewArbitrationOfferEvent(&mkt.ArbitrationOfferContent{DisputeRef: disputeID, FeeSats: feeSats})
	if err != nil {
		return nil, err
	}
	return m.publish(ctx, ev)
}

// ResolveArbitration rules on a dispute this participant arbitrates.
func (m *Marketplace) ResolveArbitration(ctx context.Context, bidID string, outcome string, notes string) (*event.Event, error) {
	ev, err := mkt.NewArbitrationResolutionEvent(&mkt.ArbitrationResolutionContent{
		TxRef:   bidID,
		Outcome: outcome,
		Notes:   notes,
	})
	if err != nil {
		return nil, err
	}
	return m.publish(ctx, ev)
}

// SendMessage publishes a free-form message, optionally tied to a
// transaction.
func (m *Marketplace) SendMessage(ctx context.Context, txRef string, body string) (*event.Event, error) {
	ev, err := mkt.NewMessageEvent(&mkt.MessageContent{TxRef: txRef, Body: body})
	if err != nil {
		return nil, err
	}
	return m.publish(ctx, ev)
}

// LeaveFeedback publishes a reputation event backed by a prior event this
// participant authored. Reputation kinds carry a reference proof instead of
// mined work, so ratings stay anchored to real activity.
func (m *Marketplace) LeaveFeedback(ctx context.Context, kind int, content *mkt.ReputationContent,
	refEventID string, refKind int) (*event.Event, error) {
	ev, err := mkt.NewReputationEvent(kind, content)
	if err != nil {
		return nil, err
	}
	ev.Tags = append(ev.Tags, []string{antispam.ProofTagName, string(antispam.ProofReference),
		refEventID, strconv.Itoa(refKind)})
	ev.PubKey = m.keys.PublicKeyHex()
	if err := m.keys.Sign(ev); err != nil {
		return nil, err
	}
	if err := m.broadcast.PublishEvent(ctx, ev); err != nil {
		return nil, xerrors.Errorf("publishing event %s: %w", ev.ID, err)
	}
	if err := m.Receive(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
