package marketplace

import (
	"bytes"
	"encoding/json"
	"time"

	"golang.org/x/xerrors"

	"github.com/domp-protocol/go-domp-markets/event"
)

// Builders assemble wire events from typed payloads. The results carry kind,
// tags, content and a timestamp but no key material: callers stamp an
// anti-spam proof and sign afterwards, since both commit into the event id.

// RefMarker values distinguish the role of a "ref" tag.
const (
	RefRoot  = "root"
	RefReply = "reply"
)

func refTag(eventID, marker string) []string {
	return []string{"ref", eventID, "", marker}
}

func buildEvent(kind int, c Content, tags ...[]string) (*event.Event, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, xerrors.Errorf("encoding kind %d content: %w", kind, err)
	}
	return &event.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   string(bytes.TrimRight(buf.Bytes(), "\n")),
	}, nil
}

// NewListingEvent builds a kind-300 product listing.
func NewListingEvent(c *ListingContent, extraTags ...[]string) (*event.Event, error) {
	return buildEvent(KindProductListing, c, extraTags...)
}

// NewBidEvent builds a kind-301 bid rooted at a listing.
func NewBidEvent(c *BidContent) (*event.Event, error) {
	return buildEvent(KindBidSubmission, c, refTag(c.ProductRef, RefRoot))
}

// NewCounterBidEvent builds a kind-302 counter bid. It stays rooted at the
// listing and replies to the bid it counters.
func NewCounterBidEvent(c *CounterBidContent) (*event.Event, error) {
	return buildEvent(KindCounterBid, c,
		refTag(c.ProductRef, RefRoot), refTag(c.CounterOf, RefReply))
}

// NewAcceptanceEvent builds a kind-303 bid acceptance.
func NewAcceptanceEvent(c *AcceptanceContent) (*event.Event, error) {
	return buildEvent(KindBidAcceptance, c, refTag(c.BidRef, RefRoot))
}

// NewCollateralDepositEvent builds a kind-310 collateral deposit record.
func NewCollateralDepositEvent(c *CollateralDepositContent) (*event.Event, error) {
	return buildEvent(KindCollateralDeposit, c, refTag(c.TxRef, RefRoot))
}

// NewPaymentEvent builds a kind-311 payment confirmation.
func NewPaymentEvent(c *PaymentContent) (*event.Event, error) {
	return buildEvent(KindPaymentConfirmation, c, refTag(c.BidRef, RefRoot))
}

// NewDisputeEvent builds a kind-312 escrow dispute.
func NewDisputeEvent(c *DisputeContent) (*event.Event, error) {
	return buildEvent(KindEscrowDispute, c, refTag(c.PaymentRef, RefRoot))
}

// NewReceiptEvent builds a kind-313 receipt confirmation.
func NewReceiptEvent(c *ReceiptContent) (*event.Event, error) {
	return buildEvent(KindReceiptConfirmation, c, refTag(c.PaymentRef, RefRoot))
}

// NewRefundEvent builds a kind-314 refund initiation.
func NewRefundEvent(c *RefundContent) (*event.Event, error) {
	return buildEvent(KindRefundInitiation, c, refTag(c.TxRef, RefRoot))
}

// NewMutualAgreementEvent builds a kind-315 mutual agreement.
func NewMutualAgreementEvent(c *MutualAgreementContent) (*event.Event, error) {
	return buildEvent(KindMutualAgreement, c, refTag(c.DisputeRef, RefRoot))
}

// NewArbitrationOfferEvent builds a kind-316 arbitration offer.
func NewArbitrationOfferEvent(c *ArbitrationOfferContent) (*event.Event, error) {
	return buildEvent(KindArbitrationOffer, c, refTag(c.DisputeRef, RefRoot))
}

// NewArbitrationResolutionEvent builds a kind-317 arbitration resolution.
func NewArbitrationResolutionEvent(c *ArbitrationResolutionContent) (*event.Event, error) {
	return buildEvent(KindArbitrationResolution, c, refTag(c.TxRef, RefRoot))
}

// NewMessageEvent builds a kind-320 communication message.
func NewMessageEvent(c *MessageContent) (*event.Event, error) {
	var tags [][]string
	if c.TxRef != "" {
		tags = append(tags, refTag(c.TxRef, RefRoot))
	}
	return buildEvent(KindCommunicationMessage, c, tags...)
}

// NewReputationEvent builds a reputation event of the given kind. The
// required event-reference anti-spam proof is stamped separately.
func NewReputationEvent(kind int, c *ReputationContent) (*event.Event, error) {
	switch kind {
	case KindUserReputation, KindArbitratorReputation, KindRelayReputation:
	default:
		return nil, xerrors.Errorf("kind %d: %w", kind, ErrUnknownKind)
	}
	return buildEvent(kind, c, refTag(c.TxRef, RefRoot))
}
