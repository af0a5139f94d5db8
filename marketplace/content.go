package marketplace

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/xerrors"
)

// Each event kind carries a JSON content payload with its own schema. The
// payloads decode to the typed structs below (a tagged union keyed by kind)
// after the raw JSON passes the embedded schema for that kind.

//go:embed schemas/*.json
var schemaFS embed.FS

var contentSchemas = loadContentSchemas()

func loadContentSchemas() map[int]*jsonschema.Schema {
	files := map[int]string{
		KindProductListing:        "schemas/kind-300.json",
		KindBidSubmission:         "schemas/kind-301.json",
		KindCounterBid:            "schemas/kind-302.json",
		KindBidAcceptance:         "schemas/kind-303.json",
		KindCollateralDeposit:     "schemas/kind-310.json",
		KindPaymentConfirmation:   "schemas/kind-311.json",
		KindEscrowDispute:         "schemas/kind-312.json",
		KindReceiptConfirmation:   "schemas/kind-313.json",
		KindRefundInitiation:      "schemas/kind-314.json",
		KindMutualAgreement:       "schemas/kind-315.json",
		KindArbitrationOffer:      "schemas/kind-316.json",
		KindArbitrationResolution: "schemas/kind-317.json",
		KindCommunicationMessage:  "schemas/kind-320.json",
		KindUserReputation:        "schemas/kind-321.json",
		KindArbitratorReputation:  "schemas/kind-321.json",
		KindRelayReputation:       "schemas/kind-321.json",
	}
	compiler := jsonschema.NewCompiler()
	for _, name := range files {
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			panic(fmt.Sprintf("embedded schema %s: %v", name, err))
		}
		if err := compiler.AddResource(name, strings.NewReader(string(data))); err != nil {
			panic(fmt.Sprintf("embedded schema %s: %v", name, err))
		}
	}
	schemas := make(map[int]*jsonschema.Schema, len(files))
	for kind, name := range files {
		schemas[kind] = compiler.MustCompile(name)
	}
	return schemas
}

// Content is one typed event payload.
type Content interface {
	// Validate applies the protocol rules the schema cannot express.
	Validate() error
}

// DecodeContent validates raw against the schema for kind and decodes it to
// the matching payload type. Both schema and rule violations are content
// errors; the caller treats them as malformed.
func DecodeContent(kind int, raw string) (Content, error) {
	sch, ok := contentSchemas[kind]
	if !ok {
		return nil, xerrors.Errorf("kind %d: %w", kind, ErrUnknownKind)
	}

	var loose interface{}
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		return nil, xerrors.Errorf("content is not valid JSON: %w", err)
	}
	if err := sch.Validate(loose); err != nil {
		return nil, xerrors.Errorf("content schema for kind %d: %w", kind, err)
	}

	c := newContent(kind)
	if c == nil {
		return nil, xerrors.Errorf("kind %d: %w", kind, ErrUnknownKind)
	}
	if err := json.Unmarshal([]byte(raw), c); err != nil {
		return nil, xerrors.Errorf("decoding kind %d content: %w", kind, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func newContent(kind int) Content {
	switch kind {
	case KindProductListing:
		return &ListingContent{}
	case KindBidSubmission:
		return &BidContent{}
	case KindCounterBid:
		return &CounterBidContent{}
	case KindBidAcceptance:
		return &AcceptanceContent{}
	case KindCollateralDeposit:
		return &CollateralDepositContent{}
	case KindPaymentConfirmation:
		return &PaymentContent{}
	case KindEscrowDispute:
		return &DisputeContent{}
	case KindReceiptConfirmation:
		return &ReceiptContent{}
	case KindRefundInitiation:
		return &RefundContent{}
	case KindMutualAgreement:
		return &MutualAgreementContent{}
	case KindArbitrationOffer:
		return &ArbitrationOfferContent{}
	case KindArbitrationResolution:
		return &ArbitrationResolutionContent{}
	case KindCommunicationMessage:
		return &MessageContent{}
	case KindUserReputation, KindArbitratorReputation, KindRelayReputation:
		return &ReputationContent{}
	default:
		return nil
	}
}

// maxProductNameLen bounds listing names on the wire.
const maxProductNameLen = 100

// ListingContent is the kind-300 payload.
type ListingContent struct {
	ProductName      string `json:"product_name"`
	Description      string `json:"description"`
	PriceSats        int64  `json:"price_satoshis"`
	Category         string `json:"category,omitempty"`
	SellerCollateral int64  `json:"seller_collateral_satoshis,omitempty"`
}

func (c *ListingContent) Validate() error {
	if c.PriceSats <= 0 {
		return xerrors.New("listing price must be positive")
	}
	if len(c.ProductName) == 0 || len(c.ProductName) > maxProductNameLen {
		return xerrors.Errorf("product name must be 1-%d characters", maxProductNameLen)
	}
	if c.SellerCollateral < 0 {
		return xerrors.New("seller collateral cannot be negative")
	}
	return nil
}

// BidContent is the kind-301 payload.
type BidContent struct {
	ProductRef      string `json:"product_ref"`
	AmountSats      int64  `json:"bid_amount_satoshis"`
	CollateralSats  int64  `json:"buyer_collateral_satoshis"`
	Message         string `json:"message,omitempty"`
	PaymentTimeoutH int    `json:"payment_timeout_hours,omitempty"`
}

func (c *BidContent) Validate() error {
	if c.ProductRef == "" {
		return xerrors.New("bid must reference a listing")
	}
	if c.AmountSats <= 0 {
		return xerrors.New("bid amount must be positive")
	}
	if c.CollateralSats < 0 {
		return xerrors.New("buyer collateral cannot be negative")
	}
	return nil
}

// CounterBidContent is the kind-302 payload: a revised bid referencing the
// bid it counters.
type CounterBidContent struct {
	ProductRef     string `json:"product_ref"`
	CounterOf      string `json:"counter_of"`
	AmountSats     int64  `json:"bid_amount_satoshis"`
	CollateralSats int64  `json:"buyer_collateral_satoshis"`
}

func (c *CounterBidContent) Validate() error {
	if c.ProductRef == "" || c.CounterOf == "" {
		return xerrors.New("counter bid must reference a listing and a bid")
	}
	if c.AmountSats <= 0 {
		return xerrors.New("bid amount must be positive")
	}
	if c.CollateralSats < 0 {
		return xerrors.New("buyer collateral cannot be negative")
	}
	return nil
}

// AcceptanceContent is the kind-303 payload.
type AcceptanceContent struct {
	BidRef            string `json:"bid_ref"`
	Invoice           string `json:"ln_invoice"`
	InvoiceAmountSats int64  `json:"invoice_amount_satoshis"`
	CollateralInvoice string `json:"collateral_invoice,omitempty"`
	TimeoutBlocks     int64  `json:"htlc_timeout_blocks,omitempty"`
	Terms             string `json:"terms,omitempty"`
}

// DefaultTimeoutBlocks is the escrow deadline applied when an acceptance
// does not set one (~24h at one block per ten minutes).
const DefaultTimeoutBlocks = 144

// SecondsPerBlock converts a block-count timeout to wall-clock seconds.
const SecondsPerBlock = 600

func (c *AcceptanceContent) Validate() error {
	if c.BidRef == "" {
		return xerrors.New("acceptance must reference a bid")
	}
	if c.Invoice == "" {
		return xerrors.New("acceptance must carry an invoice")
	}
	if c.InvoiceAmountSats <= 0 {
		return xerrors.New("invoice amount must be positive")
	}
	if c.TimeoutBlocks < 0 {
		return xerrors.New("timeout cannot be negative")
	}
	return nil
}

// EffectiveTimeoutBlocks returns the declared timeout or the default.
func (c *AcceptanceContent) EffectiveTimeoutBlocks() int64 {
	if c.TimeoutBlocks > 0 {
		return c.TimeoutBlocks
	}
	return DefaultTimeoutBlocks
}

// CollateralDepositContent is the kind-310 payload.
type CollateralDepositContent struct {
	TxRef       string `json:"tx_ref"`
	AmountSats  int64  `json:"amount_satoshis"`
	PaymentHash string `json:"payment_hash"`
	Party       string `json:"party"`
}

func (c *CollateralDepositContent) Validate() error {
	if c.TxRef == "" || c.PaymentHash == "" {
		return xerrors.New("collateral deposit must reference a transaction and a payment hash")
	}
	if c.AmountSats <= 0 {
		return xerrors.New("deposit amount must be positive")
	}
	if c.Party != "buyer" && c.Party != "seller" {
		return xerrors.Errorf("unknown depositing party %q", c.Party)
	}
	return nil
}

// PaymentMethods accepted in kind-311 payloads.
var PaymentMethods = []string{"lightning_htlc", "lightning_keysend", "onchain"}

// PaymentContent is the kind-311 payload.
type PaymentContent struct {
	BidRef          string `json:"bid_ref"`
	PaymentProof    string `json:"payment_proof"`
	PaymentMethod   string `json:"payment_method"`
	CollateralProof string `json:"collateral_proof,omitempty"`
	PaidAt          int64  `json:"payment_timestamp,omitempty"`
}

func (c *PaymentContent) Validate() error {
	if c.BidRef == "" || c.PaymentProof == "" {
		return xerrors.New("payment confirmation must reference a bid and carry a payment proof")
	}
	for _, m := range PaymentMethods {
		if c.PaymentMethod == m {
			return nil
		}
	}
	return xerrors.Errorf("unknown payment method %q", c.PaymentMethod)
}

// Receipt statuses accepted in kind-313 payloads. Any status other than
// ReceiptStatusReceived opens a dispute and requires a dispute reason.
const (
	ReceiptStatusReceived          = "received"
	ReceiptStatusPartiallyReceived = "partially_received"
	ReceiptStatusNotReceived       = "not_received"
	ReceiptStatusDamaged           = "damaged"
)

// ReceiptContent is the kind-313 payload.
type ReceiptContent struct {
	PaymentRef    string `json:"payment_ref"`
	Status        string `json:"status"`
	Rating        int    `json:"rating,omitempty"`
	Feedback      string `json:"feedback,omitempty"`
	DisputeReason string `json:"dispute_reason,omitempty"`
}

func (c *ReceiptContent) Validate() error {
	if c.PaymentRef == "" {
		return xerrors.New("receipt must reference a payment confirmation")
	}
	switch c.Status {
	case ReceiptStatusReceived, ReceiptStatusPartiallyReceived, ReceiptStatusNotReceived, ReceiptStatusDamaged:
	default:
		return xerrors.Errorf("unknown receipt status %q", c.Status)
	}
	if c.Status != ReceiptStatusReceived && c.DisputeReason == "" {
		return xerrors.New("dispute_reason required unless status is received")
	}
	if c.Rating < 0 || c.Rating > 5 {
		return xerrors.New("rating must be between 1 and 5")
	}
	return nil
}

// DisputeContent is the kind-312 payload.
type DisputeContent struct {
	PaymentRef string `json:"payment_ref"`
	Reason     string `json:"reason"`
}

func (c *DisputeContent) Validate() error {
	if c.PaymentRef == "" {
		return xerrors.New("dispute must reference a payment confirmation")
	}
	if c.Reason == "" {
		return xerrors.New("dispute must state a reason")
	}
	return nil
}

// RefundContent is the kind-314 payload.
type RefundContent struct {
	TxRef  string `json:"tx_ref"`
	Reason string `json:"reason,omitempty"`
}

func (c *RefundContent) Validate() error {
	if c.TxRef == "" {
		return xerrors.New("refund must reference a transaction")
	}
	return nil
}

// MutualAgreementContent is the kind-315 payload.
type MutualAgreementContent struct {
	DisputeRef string `json:"dispute_ref"`
	Terms      string `json:"terms,omitempty"`
}

func (c *MutualAgreementContent) Validate() error {
	if c.DisputeRef == "" {
		return xerrors.New("mutual agreement must reference a dispute")
	}
	return nil
}

// ArbitrationOfferContent is the kind-316 payload. The offering arbitrator
// is the event author.
type ArbitrationOfferContent struct {
	DisputeRef string `json:"dispute_ref"`
	FeeSats    int64  `json:"fee_satoshis,omitempty"`
}

func (c *ArbitrationOfferContent) Validate() error {
	if c.DisputeRef == "" {
		return xerrors.New("arbitration offer must reference a dispute")
	}
	if c.FeeSats < 0 {
		return xerrors.New("arbitration fee cannot be negative")
	}
	return nil
}

// Arbitration outcomes accepted in kind-317 payloads.
const (
	ResolutionRefund   = "refund"
	ResolutionComplete = "complete"
)

// ArbitrationResolutionContent is the kind-317 payload.
type ArbitrationResolutionContent struct {
	TxRef   string `json:"tx_ref"`
	Outcome string `json:"outcome"`
	Notes   string `json:"notes,omitempty"`
}

func (c *ArbitrationResolutionContent) Validate() error {
	if c.TxRef == "" {
		return xerrors.New("resolution must reference a transaction")
	}
	if c.Outcome != ResolutionRefund && c.Outcome != ResolutionComplete {
		return xerrors.Errorf("unknown resolution outcome %q", c.Outcome)
	}
	return nil
}

// MessageContent is the kind-320 payload. The body may be encrypted
// off-protocol; it is stored and relayed opaquely.
type MessageContent struct {
	TxRef string `json:"tx_ref,omitempty"`
	Body  string `json:"body"`
}

func (c *MessageContent) Validate() error {
	if c.Body == "" {
		return xerrors.New("message body is empty")
	}
	return nil
}

// ReputationContent is the payload of kinds 321-323: a rating of a user,
// arbitrator or relay, backed by a referenced transaction.
type ReputationContent struct {
	Subject          string `json:"subject"`
	Rating           int    `json:"rating"`
	TxRef            string `json:"tx_ref"`
	AmountSats       int64  `json:"amount_satoshis,omitempty"`
	VerifiedPurchase bool   `json:"verified_purchase,omitempty"`
	EscrowCompleted  bool   `json:"escrow_completed,omitempty"`
	Feedback         string `json:"feedback,omitempty"`
}

func (c *ReputationContent) Validate() error {
	if c.Subject == "" || c.TxRef == "" {
		return xerrors.New("reputation feedback must name a subject and a transaction")
	}
	if c.Rating < 1 || c.Rating > 5 {
		return xerrors.New("rating must be between 1 and 5")
	}
	if c.AmountSats < 0 {
		return xerrors.New("amount cannot be negative")
	}
	return nil
}
