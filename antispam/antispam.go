package antispam

import (
	"context"
	"errors"
	"strconv"

	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/domp-protocol/go-domp-markets/event"
)

var log = logging.Logger("antispam")

// ProofTagName is the tag every accepted event must carry exactly once.
const ProofTagName = "anti_spam_proof"

// ProofKind discriminates the three recognized proof forms.
type ProofKind string

const (
	// ProofWork is a mined nonce: the event id must carry the declared
	// number of leading zero bits.
	ProofWork ProofKind = "pow"
	// ProofPayment is a settled payment hash on the payment network.
	ProofPayment ProofKind = "ln"
	// ProofReference links a previously verified event by the same author.
	ProofReference ProofKind = "ref"
)

var (
	ErrMissingProof             = errors.New("event carries no recognized anti-spam proof")
	ErrInsufficientDifficulty   = errors.New("proof of work does not meet required difficulty")
	ErrUnconfirmedPayment       = errors.New("payment proof is not settled for the required amount")
	ErrReferenceAlreadyConsumed = errors.New("referenced event already consumed as proof")
	ErrReferenceNotFound        = errors.New("referenced event not found or not by the same author")
)

// Proof is the parsed form of an anti_spam_proof tag.
type Proof struct {
	Kind ProofKind

	// pow
	Nonce      string
	Difficulty int

	// ln
	PaymentHash string
	AmountSats  int64

	// ref
	RefID   string
	RefKind int
}

// ParseProof extracts the single anti-spam proof from ev's tags.
func ParseProof(ev *event.Event) (*Proof, error) {
	tag := ev.Tag(ProofTagName)
	if len(tag) < 2 {
		return nil, ErrMissingProof
	}
	switch ProofKind(tag[1]) {
	case ProofWork:
		if len(tag) < 4 {
			return nil, xerrors.Errorf("pow proof missing nonce or difficulty: %w", ErrMissingProof)
		}
		difficulty, err := strconv.Atoi(tag[3])
		if err != nil {
			return nil, xerrors.Errorf("pow difficulty is not an integer: %w", ErrMissingProof)
		}
		return &Proof{Kind: ProofWork, Nonce: tag[2], Difficulty: difficulty}, nil
	case ProofPayment:
		if len(tag) < 4 {
			return nil, xerrors.Errorf("payment proof missing hash or amount: %w", ErrMissingProof)
		}
		amount, err := strconv.ParseInt(tag[3], 10, 64)
		if err != nil {
			return nil, xerrors.Errorf("payment amount is not an integer: %w", ErrMissingProof)
		}
		return &Proof{Kind: ProofPayment, PaymentHash: tag[2], AmountSats: amount}, nil
	case ProofReference:
		if len(tag) < 4 {
			return nil, xerrors.Errorf("reference proof missing event id or kind: %w", ErrMissingProof)
		}
		refKind, err := strconv.Atoi(tag[3])
		if err != nil {
			return nil, xerrors.Errorf("reference kind is not an integer: %w", ErrMissingProof)
		}
		return &Proof{Kind: ProofReference, RefID: tag[2], RefKind: refKind}, nil
	default:
		return nil, xerrors.Errorf("unknown proof kind %q: %w", tag[1], ErrMissingProof)
	}
}

// Policy is caller-supplied validation policy. Zero values mean
// "no minimum" for the numeric fields.
type Policy struct {
	// MinPoWDifficulty is the lowest acceptable declared difficulty.
	MinPoWDifficulty int
	// MinPaymentSats is the lowest acceptable settled payment amount.
	MinPaymentSats int64
	// ReferenceRequiredKinds lists event kinds for which only a reference
	// proof is acceptable (reputation events, to keep ratings linked to
	// real prior activity).
	ReferenceRequiredKinds map[int]bool
}

// SettlementChecker is the payment-network collaborator surface the
// validator needs: confirmation that a payment hash settled for at least
// the given amount.
type SettlementChecker interface {
	CheckSettled(ctx context.Context, paymentHash string, amountSats int64) (bool, error)
}

// EventLookup resolves previously ingested events by id.
type EventLookup interface {
	GetEvent(ctx context.Context, id string) (*event.Event, error)
	HasEvent(ctx context.Context, id string) (bool, error)
}

// Validator checks anti-spam proofs against a policy. Reference-proof
// consumption is tracked in a datastore-backed set keyed on
// (author, referenced id, kind) so one prior event cannot back unlimited
// new events of a kind.
type Validator struct {
	policy   Policy
	payments SettlementChecker
	events   EventLookup
	consumed datastore.Batching
}

// NewValidator constructs a Validator. The datastore holds the consumed
// reference set and must be shared across restarts for dedup to survive
// replay.
func NewValidator(ds datastore.Batching, policy Policy, payments SettlementChecker, events EventLookup) *Validator {
	return &Validator{
		policy:   policy,
		payments: payments,
		events:   events,
		consumed: ds,
	}
}

// Validate checks ev's proof. On success a reference proof is consumed;
// re-validating the same event is idempotent.
func (v *Validator) Validate(ctx context.Context, ev *event.Event) error {
	proof, err := ParseProof(ev)
	if err != nil {
		return err
	}

	if v.policy.ReferenceRequiredKinds[ev.Kind] && proof.Kind != ProofReference {
		return xerrors.Errorf("kind %d requires a reference proof: %w", ev.Kind, ErrMissingProof)
	}

	switch proof.Kind {
	case ProofWork:
		return v.validateWork(ev, proof)
	case ProofPayment:
		return v.validatePayment(ctx, proof)
	case ProofReference:
		return v.validateReference(ctx, ev, proof)
	default:
		return ErrMissingProof
	}
}

func (v *Validator) validateWork(ev *event.Event, proof *Proof) error {
	if proof.Difficulty < v.policy.MinPoWDifficulty {
		return xerrors.Errorf("declared difficulty %d below policy minimum %d: %w",
			proof.Difficulty, v.policy.MinPoWDifficulty, ErrInsufficientDifficulty)
	}
	bits, err := CountLeadingZeroBits(ev.ID)
	if err != nil {
		return xerrors.Errorf("unreadable event id: %w", ErrInsufficientDifficulty)
	}
	if bits < proof.Difficulty {
		return xerrors.Errorf("id has %d leading zero bits, declared %d: %w",
			bits, proof.Difficulty, ErrInsufficientDifficulty)
	}
	return nil
}

func (v *Validator) validatePayment(ctx context.Context, proof *Proof) error {
	if proof.AmountSats < v.policy.MinPaymentSats {
		return xerrors.Errorf("payment of %d sats below policy minimum %d: %w",
			proof.AmountSats, v.policy.MinPaymentSats, ErrUnconfirmedPayment)
	}
	settled, err := v.payments.CheckSettled(ctx, proof.PaymentHash, proof.AmountSats)
	if err != nil {
		return xerrors.Errorf("checking payment settlement: %w", err)
	}
	if !settled {
		return ErrUnconfirmedPayment
	}
	return nil
}

func (v *Validator) validateReference(ctx context.Context, ev *event.Event, proof *Proof) error {
	key := consumedKey(ev.PubKey, proof.RefID, ev.Kind)

	prior, err := v.consumed.Get(ctx, key)
	switch {
	case err == nil:
		// Re-delivery of the consuming event itself is fine; a different
		// event reusing the reference is not.
		if string(prior) == ev.ID {
			return nil
		}
		return ErrReferenceAlreadyConsumed
	case !xerrors.Is(err, datastore.ErrNotFound):
		return xerrors.Errorf("reading consumed reference set: %w", err)
	}

	ref, err := v.events.GetEvent(ctx, proof.RefID)
	if err != nil {
		return xerrors.Errorf("referenced event %s: %w", proof.RefID, ErrReferenceNotFound)
	}
	if ref.PubKey != ev.PubKey {
		return xerrors.Errorf("referenced event authored by a different key: %w", ErrReferenceNotFound)
	}
	if ref.Kind != proof.RefKind {
		return xerrors.Errorf("referenced event is kind %d, proof declares %d: %w",
			ref.Kind, proof.RefKind, ErrReferenceNotFound)
	}

	if err := v.consumed.Put(ctx, key, []byte(ev.ID)); err != nil {
		return xerrors.Errorf("recording consumed reference: %w", err)
	}
	log.Debugw("consumed reference proof", "author", ev.PubKey, "ref", proof.RefID, "kind", ev.Kind)
	return nil
}

func consumedKey(author, refID string, kind int) datastore.Key {
	return datastore.NewKey("/consumed/" + author + "/" + refID + "/" + strconv.Itoa(kind))
}
