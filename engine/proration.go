/*
proration.go - Day-weighted payment splitting across calendar months

PURPOSE:
  Pure function: a payment amount plus a half-open service interval
  [start, end) becomes an ordered list of per-month buckets, each
  carrying its fractional-day overlap and apportioned amount.

THE SUBTRACTION RULE:
  Every bucket except the last is amount * overlap / totalDays. The
  LAST bucket is amount minus the sum of all prior buckets. Dividing
  every bucket independently leaves rounding residue, and residue in a
  money ledger means the entries no longer sum to the payment. The
  subtraction rule makes the conservation invariant exact, not
  approximate.

PRECISION:
  All arithmetic is decimal. Overlaps are computed from nanosecond
  durations, so service windows that are not midnight-aligned prorate
  correctly. Month boundaries are UTC midnight, always.

SEE ALSO:
  - month.go: UTC month boundary math
  - reconcile.go: verifies the conservation invariant after the fact
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// nanosPerDay converts nanosecond durations to fractional days.
var nanosPerDay = decimal.NewFromInt(24 * 60 * 60 * 1e9)

// ProrationBucket is one month's slice of a payment.
type ProrationBucket struct {
	Month       Month
	OverlapDays decimal.Decimal
	Amount      decimal.Decimal
}

// Prorate splits amount across the calendar months touched by
// [serviceStart, serviceEnd). totalServiceDays, when positive,
// overrides the interval length as the proration base (the nominal
// duration sold is authoritative over wall-clock dates).
//
// Buckets are returned in chronological order and their amounts sum to
// amount exactly.
func Prorate(amount decimal.Decimal, serviceStart, serviceEnd time.Time, totalServiceDays decimal.Decimal) ([]ProrationBucket, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	start := serviceStart.UTC()
	end := serviceEnd.UTC()

	if end.Before(start) {
		return nil, &InvalidIntervalError{
			Start: start, End: end,
			TotalDays: totalServiceDays.String(),
			Reason:    "service end before service start",
		}
	}

	// Instantaneous event (chapter unlock): the full amount lands in
	// the month containing the instant.
	if end.Equal(start) {
		return []ProrationBucket{{
			Month:       MonthOf(start),
			OverlapDays: decimal.Zero,
			Amount:      amount,
		}}, nil
	}

	totalDays := totalServiceDays
	if !totalDays.IsPositive() {
		totalDays = fractionalDays(start, end)
	}
	if !totalDays.IsPositive() {
		return nil, &InvalidIntervalError{
			Start: start, End: end,
			TotalDays: totalServiceDays.String(),
			Reason:    "non-positive total service days",
		}
	}

	var buckets []ProrationBucket
	allocated := decimal.Zero

	for m := MonthOf(start); m.Start().Before(end); m = m.Next() {
		overlapStart := maxTime(start, m.Start())
		overlapEnd := minTime(end, m.End())
		if !overlapEnd.After(overlapStart) {
			continue
		}

		overlap := fractionalDays(overlapStart, overlapEnd)
		buckets = append(buckets, ProrationBucket{
			Month:       m,
			OverlapDays: overlap,
			Amount:      amount.Mul(overlap).Div(totalDays),
		})
	}

	// Last bucket by subtraction so the bucket amounts sum to the
	// payment exactly.
	for i := range buckets[:len(buckets)-1] {
		allocated = allocated.Add(buckets[i].Amount)
	}
	buckets[len(buckets)-1].Amount = amount.Sub(allocated)

	return buckets, nil
}

func fractionalDays(from, to time.Time) decimal.Decimal {
	return decimal.NewFromInt(to.Sub(from).Nanoseconds()).Div(nanosPerDay)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
