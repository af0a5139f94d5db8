package event

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/xerrors"
)

// Event is the immutable wire record exchanged over the broadcast network.
// Binary fields (id, pubkey, sig) travel as lowercase hex. Events are
// write-once: state changes are represented by new events referencing old
// ones through tags, never by mutation.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// FromJSON decodes a single wire event.
func FromJSON(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, xerrors.Errorf("decoding event: %w", err)
	}
	return &ev, nil
}

// ToJSON encodes ev in the compact wire form.
func (ev *Event) ToJSON() ([]byte, error) {
	return marshalCompact(ev)
}

// Validate performs structural checks on the wire fields. It does not verify
// the id or signature; see Verify.
func (ev *Event) Validate() error {
	if err := checkHexField("id", ev.ID, 32); err != nil {
		return err
	}
	if err := checkHexField("pubkey", ev.PubKey, 32); err != nil {
		return err
	}
	if err := checkHexField("sig", ev.Sig, 64); err != nil {
		return err
	}
	if ev.CreatedAt <= 0 {
		return xerrors.New("created_at must be a positive unix timestamp")
	}
	if ev.Kind < 0 {
		return xerrors.New("kind must be non-negative")
	}
	for i, tag := range ev.Tags {
		if len(tag) == 0 {
			return xerrors.Errorf("tag %d is empty", i)
		}
	}
	return nil
}

// Tag returns the first tag whose initial element equals name, or nil.
func (ev *Event) Tag(name string) []string {
	for _, tag := range ev.Tags {
		if len(tag) > 0 && tag[0] == name {
			return tag
		}
	}
	return nil
}

// TagValue returns the second element of the first tag named name, or "".
func (ev *Event) TagValue(name string) string {
	tag := ev.Tag(name)
	if len(tag) < 2 {
		return ""
	}
	return tag[1]
}

// Reference returns the event id carried in the first "ref" tag, or "".
// Marketplace events chain to their predecessors through ref tags.
func (ev *Event) Reference() string {
	return ev.TagValue("ref")
}

// IDBytes decodes the hex event id.
func (ev *Event) IDBytes() ([]byte, error) {
	b, err := hex.DecodeString(ev.ID)
	if err != nil {
		return nil, xerrors.Errorf("decoding event id: %w", err)
	}
	if len(b) != 32 {
		return nil, xerrors.Errorf("event id is %d bytes, expected 32", len(b))
	}
	return b, nil
}

func checkHexField(name, value string, byteLen int) error {
	if len(value) != byteLen*2 {
		return xerrors.Errorf("%s must be %d hex characters, got %d", name, byteLen*2, len(value))
	}
	if _, err := hex.DecodeString(value); err != nil {
		return xerrors.Errorf("%s is not valid hex: %w", name, err)
	}
	return nil
}
