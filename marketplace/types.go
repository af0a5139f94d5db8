package marketplace

// Event kinds on the wire. Values are fixed by the protocol.
const (
	KindProductListing        = 300
	KindBidSubmission         = 301
	KindCounterBid            = 302
	KindBidAcceptance         = 303
	KindCollateralDeposit     = 310
	KindPaymentConfirmation   = 311
	KindEscrowDispute         = 312
	KindReceiptConfirmation   = 313
	KindRefundInitiation      = 314
	KindMutualAgreement       = 315
	KindArbitrationOffer      = 316
	KindArbitrationResolution = 317
	KindCommunicationMessage  = 320
	KindUserReputation        = 321
	KindArbitratorReputation  = 322
	KindRelayReputation       = 323
)

// MarketKinds are all kinds the engine subscribes to.
var MarketKinds = []int{
	KindProductListing, KindBidSubmission, KindCounterBid, KindBidAcceptance,
	KindCollateralDeposit, KindPaymentConfirmation, KindEscrowDispute,
	KindReceiptConfirmation, KindRefundInitiation, KindMutualAgreement,
	KindArbitrationOffer, KindArbitrationResolution, KindCommunicationMessage,
	KindUserReputation, KindArbitratorReputation, KindRelayReputation,
}

// ReputationKinds are the kinds consumed by the reputation engine. They
// require an event-reference anti-spam proof.
var ReputationKinds = []int{KindUserReputation, KindArbitratorReputation, KindRelayReputation}

//go:generate cbor-gen-for MarketTransaction

// TransactionStatus is the current state of one marketplace transaction
// branch (a bid on a listing, and everything downstream of it).
type TransactionStatus = uint64

const (
	TransactionUnknown = TransactionStatus(iota)
	TransactionListed
	TransactionBidReceived
	TransactionBidAccepted
	TransactionPaymentConfirmed
	TransactionCompleted
	TransactionDisputed
	TransactionArbitrationOffered
	TransactionMutuallyAgreed
	TransactionRefunded
	TransactionExpired
	TransactionBidClosed // sibling bid closed when another bid was accepted
)

// TransactionStates maps TransactionStatus to human readable strings
var TransactionStates = []string{
	"TransactionUnknown",
	"TransactionListed",
	"TransactionBidReceived",
	"TransactionBidAccepted",
	"TransactionPaymentConfirmed",
	"TransactionCompleted",
	"TransactionDisputed",
	"TransactionArbitrationOffered",
	"TransactionMutuallyAgreed",
	"TransactionRefunded",
	"TransactionExpired",
	"TransactionBidClosed",
}

// TransactionID keys a transaction branch. It is the event id of the bid
// the branch is rooted at.
type TransactionID string

func (t TransactionID) String() string {
	return string(t)
}

// MarketTransaction is the aggregate tracked per accepted (or pending) bid:
// the chain of event-id references from listing through receipt, the parties,
// the agreed amounts, and the current status. It is the state type of the
// transaction state machine and persists across restarts.
type MarketTransaction struct {
	Status TransactionStatus

	// event-id chain
	ListingID    string
	BidID        string
	AcceptanceID string
	PaymentID    string
	ReceiptID    string

	// parties
	SellerKey     string
	BuyerKey      string
	ArbitratorKey string

	// agreed terms, in satoshis
	PurchaseAmount   int64
	BuyerCollateral  int64
	SellerCollateral int64

	// SellerCollateralProof is the payment hash of the seller's collateral
	// deposit, recorded from a kind-310 event ahead of escrow funding.
	SellerCollateralProof string

	// Invoice is the payment request issued with the acceptance.
	Invoice string

	// TimeoutAt is the absolute escrow deadline (unix seconds), fixed at
	// acceptance. Zero until then.
	TimeoutAt int64

	// Message holds detail for rejected or closed branches.
	Message string

	CreatedAt int64
}

// Transaction returns the branch key.
func (tx *MarketTransaction) Transaction() TransactionID {
	return TransactionID(tx.BidID)
}

// Terminal reports whether the transaction can no longer change state.
func (tx *MarketTransaction) Terminal() bool {
	switch tx.Status {
	case TransactionCompleted, TransactionRefunded, TransactionExpired, TransactionBidClosed:
		return true
	default:
		return false
	}
}

// Listing is the derived view of a kind-300 event. Listings are never
// mutated, only superseded by new listings.
type Listing struct {
	ID               string `json:"id"`
	SellerKey        string `json:"seller_key"`
	ProductName      string `json:"product_name"`
	Description      string `json:"description"`
	PriceSats        int64  `json:"price_sats"`
	SellerCollateral int64  `json:"seller_collateral_sats"`
	Category         string `json:"category,omitempty"`
	CreatedAt        int64  `json:"created_at"`
	// Open is false once a bid on this listing has been accepted.
	Open bool `json:"open"`
}

// Bid is the derived view of a kind-301 (or 302) event.
type Bid struct {
	ID             string `json:"id"`
	ListingID      string `json:"listing_id"`
	BuyerKey       string `json:"buyer_key"`
	AmountSats     int64  `json:"amount_sats"`
	CollateralSats int64  `json:"collateral_sats"`
	CreatedAt      int64  `json:"created_at"`
}
