package event

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/xerrors"
)

// KeyPair holds a secp256k1 private key. Public keys are the 32-byte x-only
// form, signatures are 64-byte BIP-340 Schnorr over the event id.
type KeyPair struct {
	priv *btcec.PrivateKey
}

// GenerateKeyPair creates a fresh random keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, xerrors.Errorf("generating private key: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromHex restores a keypair from a 32-byte hex private key.
func KeyPairFromHex(privHex string) (*KeyPair, error) {
	b, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, xerrors.Errorf("decoding private key: %w", err)
	}
	if len(b) != 32 {
		return nil, xerrors.Errorf("private key is %d bytes, expected 32", len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return &KeyPair{priv: priv}, nil
}

// PublicKeyHex returns the x-only public key as 64 hex characters.
func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(kp.priv.PubKey()))
}

// PrivateKeyHex returns the private key as 64 hex characters.
func (kp *KeyPair) PrivateKeyHex() string {
	return hex.EncodeToString(kp.priv.Serialize())
}

// Sign stamps ev with the keypair's public key, computes its id if not
// already fixed by a mined anti-spam proof, and signs the id. Events that
// carry a proof-of-work tag commit the proof in the id, so their id is
// preserved as-is.
func (kp *KeyPair) Sign(ev *Event) error {
	ev.PubKey = kp.PublicKeyHex()

	if !hasMinedProof(ev) || ev.ID == "" {
		id, err := ComputeEventID(ev)
		if err != nil {
			return err
		}
		ev.ID = id
	}

	idBytes, err := ev.IDBytes()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(kp.priv, idBytes)
	if err != nil {
		return xerrors.Errorf("signing event: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

func hasMinedProof(ev *Event) bool {
	tag := ev.Tag("anti_spam_proof")
	return len(tag) >= 2 && tag[1] == "pow"
}
