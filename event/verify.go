package event

import (
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/xerrors"
)

var (
	// ErrIDMismatch means the event id does not equal the hash of the
	// event's canonical serialization.
	ErrIDMismatch = errors.New("event id does not match canonical serialization")

	// ErrBadSignature means the signature does not verify over the event id
	// with the author's public key.
	ErrBadSignature = errors.New("event signature verification failed")
)

// Verify recomputes ev's id from its canonical serialization and checks the
// Schnorr signature over that id against the author's public key. It is pure:
// no side effects, no stored state.
func Verify(ev *Event) error {
	id, err := ComputeEventID(ev)
	if err != nil {
		return xerrors.Errorf("canonicalizing: %w", ErrIDMismatch)
	}
	if id != ev.ID {
		return ErrIDMismatch
	}

	pkBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil || len(pkBytes) != 32 {
		return xerrors.Errorf("malformed pubkey: %w", ErrBadSignature)
	}
	pubKey, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return xerrors.Errorf("parsing pubkey: %w", ErrBadSignature)
	}

	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil || len(sigBytes) != 64 {
		return xerrors.Errorf("malformed signature: %w", ErrBadSignature)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return xerrors.Errorf("parsing signature: %w", ErrBadSignature)
	}

	idBytes, err := ev.IDBytes()
	if err != nil {
		return xerrors.Errorf("malformed id: %w", ErrIDMismatch)
	}
	if !sig.Verify(idBytes, pubKey) {
		return ErrBadSignature
	}
	return nil
}
