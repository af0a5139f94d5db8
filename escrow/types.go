package escrow

import "errors"

//go:generate cbor-gen-for Escrow

// EscrowStatus is the lifecycle state of one escrow.
type EscrowStatus = uint64

const (
	// EscrowPending: created at bid acceptance, awaiting funding.
	EscrowPending = EscrowStatus(iota)

	// EscrowActive: purchase amount and both collaterals verified settled.
	EscrowActive

	// EscrowCompleted: released to the seller against the preimage.
	EscrowCompleted

	// EscrowExpired: timed out before completion; funds return to their
	// depositors.
	EscrowExpired

	// EscrowRefunded: refunded to the buyer by dispute resolution.
	EscrowRefunded
)

// EscrowStates maps EscrowStatus to human readable strings
var EscrowStates = []string{
	"EscrowPending",
	"EscrowActive",
	"EscrowCompleted",
	"EscrowExpired",
	"EscrowRefunded",
}

var (
	ErrNotFound = errors.New("escrow not found")

	// ErrIncompleteFunding: one or more required deposits has not settled.
	ErrIncompleteFunding = errors.New("escrow funding incomplete")

	// ErrPreimageMismatch: the supplied preimage does not hash to the
	// escrow payment hash.
	ErrPreimageMismatch = errors.New("preimage does not match payment hash")

	ErrNotActive = errors.New("escrow is not active")

	ErrNotExpired = errors.New("escrow deadline has not passed")
)

// EscrowID keys an escrow. It equals the transaction branch id (the bid
// event id) the escrow secures.
type EscrowID string

func (e EscrowID) String() string {
	return string(e)
}

// Terms are the amounts and parties an escrow is created with.
type Terms struct {
	BuyerKey  string
	SellerKey string

	// amounts in satoshis
	PurchaseAmount   int64
	BuyerCollateral  int64
	SellerCollateral int64

	// SellerCollateralHash is the payment hash of the seller's collateral
	// deposit, verified at funding. Empty when no seller collateral is
	// required.
	SellerCollateralHash string

	// TimeoutAt is the absolute deadline, unix seconds.
	TimeoutAt int64
}

// Escrow is the persisted record of one conditional payment: the purchase
// amount plus both collaterals, locked against a hash until released with
// the preimage or unwound by timeout or dispute.
type Escrow struct {
	Status        EscrowStatus
	TransactionID string

	// PaymentHash locks the funds; Preimage releases them. The preimage
	// is generated at creation and revealed only on release.
	PaymentHash string
	Preimage    string

	PurchaseAmount   int64
	BuyerCollateral  int64
	SellerCollateral int64

	SellerCollateralHash string

	BuyerKey  string
	SellerKey string

	TimeoutAt int64
	CreatedAt int64
	SettledAt int64
}

// Terminal reports whether the escrow can no longer change state.
func (e *Escrow) Terminal() bool {
	switch e.Status {
	case EscrowCompleted, EscrowExpired, EscrowRefunded:
		return true
	default:
		return false
	}
}

// TotalLocked is the sum of all deposits the escrow secures.
func (e *Escrow) TotalLocked() int64 {
	return e.PurchaseAmount + e.BuyerCollateral + e.SellerCollateral
}

// Payout is one leg of a fund distribution.
type Payout struct {
	Recipient  string
	AmountSats int64
	Reason     string
}

// FundDistribution is the full set of payout instructions produced when an
// escrow settles. The sum of its legs always equals the total locked.
type FundDistribution struct {
	TransactionID string
	Payouts       []Payout
}

// Total is the summed amount across all legs.
func (d FundDistribution) Total() int64 {
	var sum int64
	for _, p := range d.Payouts {
		sum += p.AmountSats
	}
	return sum
}
