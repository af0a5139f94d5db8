package reputation

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrDuplicateReference: the rater already left feedback backed by the
// same referenced event.
var ErrDuplicateReference = errors.New("reference already used by this rater")

// Record is one stored piece of feedback: a 1-5 rating of a subject by a
// rater, backed by a referenced transaction event.
type Record struct {
	EventID string `json:"event_id"`
	Rater   string `json:"rater"`
	Subject string `json:"subject"`
	Kind    int    `json:"kind"`
	Rating  int    `json:"rating"`

	// TxRef is the transaction event backing the feedback; it is the
	// dedup reference.
	TxRef string `json:"tx_ref"`

	AmountSats       int64  `json:"amount_sats,omitempty"`
	VerifiedPurchase bool   `json:"verified_purchase,omitempty"`
	EscrowCompleted  bool   `json:"escrow_completed,omitempty"`
	Feedback         string `json:"feedback,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

// Reliability bands derived from the overall score.
const (
	ReliabilityUnrated   = "unrated"
	ReliabilityPoor      = "poor"
	ReliabilityFair      = "fair"
	ReliabilityGood      = "good"
	ReliabilityExcellent = "excellent"
)

// AggregatedReputation summarizes all feedback on one subject.
type AggregatedReputation struct {
	Subject string `json:"subject"`

	// Overall is the weight-normalized 1-5 score, 0.0 with no records.
	Overall float64 `json:"overall"`

	Ratings           int `json:"ratings"`
	UniqueReviewers   int `json:"unique_reviewers"`
	Transactions      int `json:"transactions"`
	VerifiedPurchases int `json:"verified_purchases"`
	EscrowCompleted   int `json:"escrow_completed"`

	// VolumeBTC is the summed transaction volume converted from satoshis.
	VolumeBTC decimal.Decimal `json:"volume_btc"`

	FirstActivity int64 `json:"first_activity,omitempty"`
	LastActivity  int64 `json:"last_activity,omitempty"`

	// Trust is the composite score in [0,1].
	Trust float64 `json:"trust"`

	Reliability string `json:"reliability"`
}
