package antispam

import (
	"context"
	"encoding/hex"
	"math/bits"
	"strconv"

	"golang.org/x/xerrors"

	"github.com/domp-protocol/go-domp-markets/event"
)

// ctxCheckInterval is how many nonces are tried between cancellation checks.
const ctxCheckInterval = 2048

// CountLeadingZeroBits counts leading zero bits of a hex-encoded hash.
func CountLeadingZeroBits(idHex string) (int, error) {
	b, err := hex.DecodeString(idHex)
	if err != nil {
		return 0, xerrors.Errorf("decoding id: %w", err)
	}
	count := 0
	for _, c := range b {
		if c == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(c)
		break
	}
	return count, nil
}

// GenerateProof mines a proof-of-work nonce for ev at the given difficulty,
// appending the proof tag and fixing ev's id to the mined value. The search
// has expected cost 2^difficulty hashes and is unbounded, so it honors ctx
// cancellation; callers on a latency-sensitive path should run it from a
// background worker. ev must already carry its author key; the signature is
// applied afterwards, over the mined id.
func GenerateProof(ctx context.Context, ev *event.Event, difficulty int) error {
	if ev.PubKey == "" {
		return xerrors.New("event must carry its author key before mining")
	}
	if ev.Tag(ProofTagName) != nil {
		return xerrors.New("event already carries an anti-spam proof")
	}

	base := ev.Tags
	for nonce := uint64(0); ; nonce++ {
		if nonce%ctxCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		tags := append(append([][]string{}, base...), []string{
			ProofTagName, string(ProofWork),
			strconv.FormatUint(nonce, 10), strconv.Itoa(difficulty),
		})
		canonical, err := event.Canonicalize(ev.PubKey, ev.CreatedAt, ev.Kind, tags, ev.Content)
		if err != nil {
			return err
		}
		id := event.ComputeID(canonical)

		zeros, err := CountLeadingZeroBits(id)
		if err != nil {
			return err
		}
		if zeros >= difficulty {
			ev.Tags = tags
			ev.ID = id
			return nil
		}
	}
}
