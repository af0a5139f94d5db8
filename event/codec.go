package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/xerrors"
)

// Canonicalize produces the canonical serialization an event id commits to:
// the compact JSON array [0, pubkey, created_at, kind, tags, content].
// Field order is fixed and separators carry no whitespace, so any single-bit
// change to any committed field changes the output.
func Canonicalize(pubkey string, createdAt int64, kind int, tags [][]string, content string) ([]byte, error) {
	if tags == nil {
		tags = [][]string{}
	}
	return marshalCompact([]interface{}{0, pubkey, createdAt, kind, tags, content})
}

// ComputeID returns the hex SHA-256 digest of the canonical serialization.
func ComputeID(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// ComputeEventID canonicalizes ev's committed fields and returns the id they
// hash to. The event's own ID field is ignored.
func ComputeEventID(ev *Event) (string, error) {
	canonical, err := Canonicalize(ev.PubKey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content)
	if err != nil {
		return "", xerrors.Errorf("canonicalizing event: %w", err)
	}
	return ComputeID(canonical), nil
}

// marshalCompact encodes v without the HTML escaping encoding/json applies by
// default. The wire format hashes these bytes, so '<' must stay '<'.
func marshalCompact(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
