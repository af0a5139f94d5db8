package reputation

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"
)

var log = logging.Logger("reputation")

var DSPrefix = "/marketplace/reputation"

// Normative scoring constants. Changing any of these breaks result
// compatibility with existing deployments.
const (
	decayDays          = 365.0
	volumeUnitSats     = 100_000
	verifiedBonus      = 0.2
	escrowBonus        = 0.3
	satsPerBTC         = 100_000_000
	trustScoreWeight   = 0.4
	trustVolumeWeight  = 0.2
	trustTxWeight      = 0.2
	trustReviewWeight  = 0.1
	trustVerifWeight   = 0.1
	trustVolumeCapBTC  = 10.0
	trustTxCap         = 50.0
	trustReviewerCap   = 20.0
)

// Engine stores feedback records and computes scores over them. Records are
// append-only; a (rater, referenced event) pair is consumed forever on first
// use.
type Engine struct {
	records datastore.Batching
	dedup   datastore.Batching
}

func NewEngine(ds datastore.Batching) *Engine {
	base := namespace.Wrap(ds, datastore.NewKey(DSPrefix))
	return &Engine{
		records: namespace.Wrap(base, datastore.NewKey("/records")),
		dedup:   namespace.Wrap(base, datastore.NewKey("/dedup")),
	}
}

func dedupKey(rater, txRef string) datastore.Key {
	return datastore.NewKey("/" + rater + "/" + txRef)
}

func recordKey(subject, eventID string) datastore.Key {
	return datastore.NewKey("/" + subject + "/" + eventID)
}

// Record stores one feedback record. The same rater referencing the same
// transaction twice is rejected; the anti-spam reference was consumed the
// first time.
func (e *Engine) Record(ctx context.Context, rec Record) error {
	if rec.Rating < 1 || rec.Rating > 5 {
		return xerrors.Errorf("rating %d out of range", rec.Rating)
	}
	dk := dedupKey(rec.Rater, rec.TxRef)
	has, err := e.dedup.Has(ctx, dk)
	if err != nil {
		return xerrors.Errorf("checking dedup set: %w", err)
	}
	if has {
		return xerrors.Errorf("rater %s already referenced %s: %w", rec.Rater, rec.TxRef, ErrDuplicateReference)
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return xerrors.Errorf("encoding record: %w", err)
	}
	if err := e.records.Put(ctx, recordKey(rec.Subject, rec.EventID), data); err != nil {
		return xerrors.Errorf("storing record: %w", err)
	}
	if err := e.dedup.Put(ctx, dk, []byte(rec.EventID)); err != nil {
		return xerrors.Errorf("storing dedup marker: %w", err)
	}
	log.Debugw("feedback recorded", "subject", rec.Subject, "rater", rec.Rater, "rating", rec.Rating)
	return nil
}

// RecordsFor returns all stored feedback on a subject, oldest first.
func (e *Engine) RecordsFor(ctx context.Context, subject string) ([]Record, error) {
	res, err := e.records.Query(ctx, dsq.Query{Prefix: "/" + subject})
	if err != nil {
		return nil, xerrors.Errorf("querying records: %w", err)
	}
	defer res.Close()

	var out []Record
	for entry := range res.Next() {
		if entry.Error != nil {
			return nil, entry.Error
		}
		var rec Record
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			return nil, xerrors.Errorf("decoding record at %s: %w", entry.Key, err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// ComputeScore reduces a set of records to the weight-normalized 1-5 score.
// Recent, high-volume, verified feedback counts for more; an empty set
// scores 0.0.
func ComputeScore(records []Record, now time.Time) float64 {
	var weightSum, weightedRatings float64
	for _, rec := range records {
		ageDays := now.Sub(time.Unix(rec.CreatedAt, 0)).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		timeWeight := math.Exp(-ageDays / decayDays)
		volumeWeight := math.Log10(math.Max(1, float64(rec.AmountSats)/volumeUnitSats))
		bonus := 1.0
		if rec.VerifiedPurchase {
			bonus += verifiedBonus
		}
		if rec.EscrowCompleted {
			bonus += escrowBonus
		}
		weight := timeWeight * volumeWeight * bonus
		weightSum += weight
		weightedRatings += weight * float64(rec.Rating)
	}
	if weightSum == 0 {
		return 0.0
	}
	return weightedRatings / weightSum
}

// TrustScore composes the overall score with volume, activity and reviewer
// diversity into a single [0,1] figure.
func TrustScore(agg AggregatedReputation) float64 {
	volumeBTC, _ := agg.VolumeBTC.Float64()
	txCount := float64(agg.Transactions)
	score := trustScoreWeight*(agg.Overall/5) +
		trustVolumeWeight*math.Min(1, volumeBTC/trustVolumeCapBTC) +
		trustTxWeight*math.Min(1, txCount/trustTxCap) +
		trustReviewWeight*math.Min(1, float64(agg.UniqueReviewers)/trustReviewerCap) +
		trustVerifWeight*(float64(agg.VerifiedPurchases)/math.Max(1, txCount))
	return math.Min(1, math.Max(0, score))
}

// Aggregate summarizes all feedback on a subject.
func (e *Engine) Aggregate(ctx context.Context, subject string, now time.Time) (AggregatedReputation, error) {
	records, err := e.RecordsFor(ctx, subject)
	if err != nil {
		return AggregatedReputation{}, err
	}

	agg := AggregatedReputation{
		Subject:     subject,
		Reliability: ReliabilityUnrated,
	}
	if len(records) == 0 {
		return agg, nil
	}

	reviewers := make(map[string]struct{})
	transactions := make(map[string]struct{})
	var volumeSats int64
	for _, rec := range records {
		reviewers[rec.Rater] = struct{}{}
		transactions[rec.TxRef] = struct{}{}
		volumeSats += rec.AmountSats
		if rec.VerifiedPurchase {
			agg.VerifiedPurchases++
		}
		if rec.EscrowCompleted {
			agg.EscrowCompleted++
		}
		if agg.FirstActivity == 0 || rec.CreatedAt < agg.FirstActivity {
			agg.FirstActivity = rec.CreatedAt
		}
		if rec.CreatedAt > agg.LastActivity {
			agg.LastActivity = rec.CreatedAt
		}
	}

	agg.Ratings = len(records)
	agg.UniqueReviewers = len(reviewers)
	agg.Transactions = len(transactions)
	agg.VolumeBTC = decimal.NewFromInt(volumeSats).Div(decimal.NewFromInt(satsPerBTC))
	agg.Overall = ComputeScore(records, now)
	agg.Trust = TrustScore(agg)
	agg.Reliability = reliability(agg.Overall)
	return agg, nil
}

// CompareSellers ranks subjects by trust, most trusted first. Subjects with
// no feedback rank last.
func (e *Engine) CompareSellers(ctx context.Context, subjects []string, now time.Time) ([]AggregatedReputation, error) {
	out := make([]AggregatedReputation, 0, len(subjects))
	for _, subject := range subjects {
		agg, err := e.Aggregate(ctx, subject, now)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Trust > out[j].Trust
	})
	return out, nil
}

func reliability(overall float64) string {
	switch {
	case overall == 0:
		return ReliabilityUnrated
	case overall >= 4.5:
		return ReliabilityExcellent
	case overall >= 4.0:
		return ReliabilityGood
	case overall >= 3.0:
		return ReliabilityFair
	default:
		return ReliabilityPoor
	}
}
