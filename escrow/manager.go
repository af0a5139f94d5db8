package escrow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/filecoin-project/go-statestore"
	"github.com/hashicorp/go-multierror"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("escrow")

var DSPrefix = "/marketplace/escrows"

// SettlementChecker verifies that a payment for a given hash has settled on
// the payment network.
type SettlementChecker interface {
	CheckSettled(ctx context.Context, paymentHash string, amountSats int64) (bool, error)
}

// Manager tracks escrows over a datastore. One escrow exists per accepted
// bid; transitions are append-only in the sense that settled escrows never
// reopen.
type Manager struct {
	store      *statestore.StateStore
	settlement SettlementChecker
}

func NewManager(ds datastore.Batching, settlement SettlementChecker) *Manager {
	return &Manager{
		store:      statestore.New(namespace.Wrap(ds, datastore.NewKey(DSPrefix))),
		settlement: settlement,
	}
}

// Create opens a pending escrow for a transaction. It generates the payment
// preimage and returns the escrow carrying the hash the funding invoice must
// settle against. Creating an escrow that already exists is an error.
func (m *Manager) Create(txID string, terms Terms) (Escrow, error) {
	if terms.PurchaseAmount <= 0 {
		return Escrow{}, xerrors.New("escrow purchase amount must be positive")
	}
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return Escrow{}, xerrors.Errorf("generating preimage: %w", err)
	}
	hash := sha256.Sum256(preimage)

	esc := Escrow{
		Status:               EscrowPending,
		TransactionID:        txID,
		PaymentHash:          hex.EncodeToString(hash[:]),
		Preimage:             hex.EncodeToString(preimage),
		PurchaseAmount:       terms.PurchaseAmount,
		BuyerCollateral:      terms.BuyerCollateral,
		SellerCollateral:     terms.SellerCollateral,
		SellerCollateralHash: terms.SellerCollateralHash,
		BuyerKey:             terms.BuyerKey,
		SellerKey:            terms.SellerKey,
		TimeoutAt:            terms.TimeoutAt,
		CreatedAt:            time.Now().Unix(),
	}
	if err := m.store.Begin(EscrowID(txID), &esc); err != nil {
		return Escrow{}, xerrors.Errorf("creating escrow for %s: %w", txID, err)
	}
	log.Infow("escrow created", "tx", txID, "locked", esc.TotalLocked(), "timeoutAt", esc.TimeoutAt)
	return esc, nil
}

// Get returns the escrow for a transaction.
func (m *Manager) Get(txID string) (Escrow, error) {
	var esc Escrow
	if err := m.store.Get(EscrowID(txID)).Get(&esc); err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return Escrow{}, xerrors.Errorf("escrow %s: %w", txID, ErrNotFound)
		}
		return Escrow{}, err
	}
	return esc, nil
}

// List returns all tracked escrows.
func (m *Manager) List() ([]Escrow, error) {
	var out []Escrow
	if err := m.store.List(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Fund verifies every required deposit has settled and activates the escrow.
// All deposits are checked even after the first failure so the caller sees
// the full funding shortfall at once. Funding an already active escrow is a
// no-op.
func (m *Manager) Fund(ctx context.Context, txID string) (Escrow, error) {
	esc, err := m.Get(txID)
	if err != nil {
		return Escrow{}, err
	}
	if esc.Status == EscrowActive {
		return esc, nil
	}
	if esc.Status != EscrowPending {
		return Escrow{}, xerrors.Errorf("escrow %s is %s: %w", txID, EscrowStates[esc.Status], ErrNotActive)
	}

	var shortfall *multierror.Error
	if err := m.checkDeposit(ctx, esc.PaymentHash, esc.PurchaseAmount+esc.BuyerCollateral, "buyer deposit"); err != nil {
		shortfall = multierror.Append(shortfall, err)
	}
	if esc.SellerCollateral > 0 {
		if esc.SellerCollateralHash == "" {
			shortfall = multierror.Append(shortfall, xerrors.New("seller collateral deposit not recorded"))
		} else if err := m.checkDeposit(ctx, esc.SellerCollateralHash, esc.SellerCollateral, "seller collateral"); err != nil {
			shortfall = multierror.Append(shortfall, err)
		}
	}
	if err := shortfall.ErrorOrNil(); err != nil {
		return Escrow{}, xerrors.Errorf("escrow %s: %s: %w", txID, err, ErrIncompleteFunding)
	}

	if err := m.mutate(txID, &esc, func(e *Escrow) {
		e.Status = EscrowActive
	}); err != nil {
		return Escrow{}, err
	}
	log.Infow("escrow funded", "tx", txID, "locked", esc.TotalLocked())
	return esc, nil
}

func (m *Manager) checkDeposit(ctx context.Context, hash string, amount int64, what string) error {
	settled, err := m.settlement.CheckSettled(ctx, hash, amount)
	if err != nil {
		return xerrors.Errorf("checking %s: %w", what, err)
	}
	if !settled {
		return xerrors.Errorf("%s of %d sats not settled for hash %s", what, amount, hash)
	}
	return nil
}

// Release settles an active escrow in the seller's favor against the
// preimage: the purchase amount goes to the seller and both collaterals
// return to their depositors.
func (m *Manager) Release(txID string, preimage string) (FundDistribution, error) {
	esc, err := m.Get(txID)
	if err != nil {
		return FundDistribution{}, err
	}
	if esc.Status != EscrowActive {
		return FundDistribution{}, xerrors.Errorf("escrow %s is %s: %w", txID, EscrowStates[esc.Status], ErrNotActive)
	}
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return FundDistribution{}, xerrors.Errorf("escrow %s: decoding preimage: %w", txID, ErrPreimageMismatch)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != esc.PaymentHash {
		return FundDistribution{}, xerrors.Errorf("escrow %s: %w", txID, ErrPreimageMismatch)
	}

	if err := m.mutate(txID, &esc, func(e *Escrow) {
		e.Status = EscrowCompleted
		e.SettledAt = time.Now().Unix()
	}); err != nil {
		return FundDistribution{}, err
	}
	log.Infow("escrow released", "tx", txID, "amount", esc.PurchaseAmount)
	return distribution(esc,
		Payout{Recipient: esc.SellerKey, AmountSats: esc.PurchaseAmount, Reason: "purchase"},
		Payout{Recipient: esc.BuyerKey, AmountSats: esc.BuyerCollateral, Reason: "collateral return"},
		Payout{Recipient: esc.SellerKey, AmountSats: esc.SellerCollateral, Reason: "collateral return"},
	), nil
}

// Expire unwinds an escrow whose deadline has passed. Everything returns to
// its depositor. Pending escrows expire too; their distribution simply
// covers whatever would have been locked.
func (m *Manager) Expire(txID string, now time.Time) (FundDistribution, error) {
	esc, err := m.Get(txID)
	if err != nil {
		return FundDistribution{}, err
	}
	if esc.Terminal() {
		return FundDistribution{}, xerrors.Errorf("escrow %s is %s: %w", txID, EscrowStates[esc.Status], ErrNotActive)
	}
	if esc.TimeoutAt == 0 || now.Unix() <= esc.TimeoutAt {
		return FundDistribution{}, xerrors.Errorf("escrow %s times out at %d: %w", txID, esc.TimeoutAt, ErrNotExpired)
	}

	if err := m.mutate(txID, &esc, func(e *Escrow) {
		e.Status = EscrowExpired
		e.SettledAt = now.Unix()
	}); err != nil {
		return FundDistribution{}, err
	}
	log.Infow("escrow expired", "tx", txID, "timeoutAt", esc.TimeoutAt)
	return refundDistribution(esc), nil
}

// Refund unwinds an active escrow in the buyer's favor, by dispute
// resolution or mutual agreement.
func (m *Manager) Refund(txID string) (FundDistribution, error) {
	esc, err := m.Get(txID)
	if err != nil {
		return FundDistribution{}, err
	}
	if esc.Status != EscrowActive {
		return FundDistribution{}, xerrors.Errorf("escrow %s is %s: %w", txID, EscrowStates[esc.Status], ErrNotActive)
	}

	if err := m.mutate(txID, &esc, func(e *Escrow) {
		e.Status = EscrowRefunded
		e.SettledAt = time.Now().Unix()
	}); err != nil {
		return FundDistribution{}, err
	}
	log.Infow("escrow refunded", "tx", txID, "amount", esc.PurchaseAmount)
	return refundDistribution(esc), nil
}

func (m *Manager) mutate(txID string, out *Escrow, mut func(*Escrow)) error {
	err := m.store.Get(EscrowID(txID)).Mutate(func(e *Escrow) error {
		mut(e)
		*out = *e
		return nil
	})
	if err != nil {
		return xerrors.Errorf("updating escrow %s: %w", txID, err)
	}
	return nil
}

func refundDistribution(esc Escrow) FundDistribution {
	return distribution(esc,
		Payout{Recipient: esc.BuyerKey, AmountSats: esc.PurchaseAmount, Reason: "refund"},
		Payout{Recipient: esc.BuyerKey, AmountSats: esc.BuyerCollateral, Reason: "collateral return"},
		Payout{Recipient: esc.SellerKey, AmountSats: esc.SellerCollateral, Reason: "collateral return"},
	)
}

// distribution drops zero-amount legs so distributions stay minimal.
func distribution(esc Escrow, payouts ...Payout) FundDistribution {
	d := FundDistribution{TransactionID: esc.TransactionID}
	for _, p := range payouts {
		if p.AmountSats > 0 {
			d.Payouts = append(d.Payouts, p)
		}
	}
	return d
}
