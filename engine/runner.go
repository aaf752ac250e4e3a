/*
runner.go - Transactional settlement orchestration

PURPOSE:
  Drives one settlement unit end to end: proration -> ledger write ->
  income aggregation, inside a single store transaction, serialized per
  source key. The payment event itself is an insert-once fact recorded
  under the source lock before the transaction opens; aggregation reads
  contracts and chapters through the transaction's store.

RUN MODES:
  ProcessEvent:    a new payment, settled immediately.
  ReprocessSource: re-run a stored payment (corrections).
  RecomputeMonth:  re-run every source touching a closed month
                   (contract backfills). Each source commits its own
                   unit, so stopping a month run mid-way leaves no torn
                   state; the batch package parallelizes this over a
                   bounded worker pool.

CONTENTION:
  A unit that cannot take its source lock retries with linear backoff a
  bounded number of times, then surfaces the conflict into the run
  report instead of failing the whole batch.
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 150 * time.Millisecond
)

// SettlementRunner orchestrates settlement units.
type SettlementRunner struct {
	Store  TxStore
	Locker SourceLocker
	Logger *zap.Logger

	Aggregator *IncomeAggregator

	// MaxAttempts and RetryBackoff bound lock-conflict retries.
	MaxAttempts  int
	RetryBackoff time.Duration
}

func NewSettlementRunner(store TxStore, locker SourceLocker, agg *IncomeAggregator, logger *zap.Logger) *SettlementRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettlementRunner{
		Store:        store,
		Locker:       locker,
		Logger:       logger,
		Aggregator:   agg,
		MaxAttempts:  defaultMaxAttempts,
		RetryBackoff: defaultRetryBackoff,
	}
}

// UnitResult summarizes one committed settlement unit.
type UnitResult struct {
	Source        SourceKey
	LedgerEntries int
	IncomeRows    int
	AllocationGap bool
}

// UnitFailure records a unit that could not be settled.
type UnitFailure struct {
	Source SourceKey
	Err    string
}

// RunReport summarizes a month recompute.
type RunReport struct {
	Month      Month
	Processed  int
	IncomeRows int
	Gaps       int
	Failures   []UnitFailure
	StartedAt  time.Time
	FinishedAt time.Time
}

// ProcessEvent settles a single new payment event.
func (r *SettlementRunner) ProcessEvent(ctx context.Context, event PaymentEvent) (*UnitResult, error) {
	if !event.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return r.runUnit(ctx, event, true)
}

// ReprocessSource re-settles a previously recorded payment.
func (r *SettlementRunner) ReprocessSource(ctx context.Context, key SourceKey) (*UnitResult, error) {
	event, err := r.Store.PaymentEvent(ctx, key)
	if err != nil {
		return nil, err
	}
	return r.runUnit(ctx, event, false)
}

// RecomputeMonth re-settles every source with a ledger entry in the
// month, one committed unit per source. Sequential; the batch package
// wraps this pattern with a worker pool.
func (r *SettlementRunner) RecomputeMonth(ctx context.Context, month Month) (*RunReport, error) {
	report := &RunReport{Month: month, StartedAt: time.Now().UTC()}

	entries, err := r.Store.EntriesForMonth(ctx, month)
	if err != nil {
		return nil, err
	}

	for _, key := range DistinctSources(entries) {
		if err := ctx.Err(); err != nil {
			// Coarse cancellation: prior units are committed and
			// consistent, the rest wait for the next run.
			report.FinishedAt = time.Now().UTC()
			return report, err
		}

		result, err := r.ReprocessSource(ctx, key)
		if err != nil {
			report.Failures = append(report.Failures, UnitFailure{Source: key, Err: err.Error()})
			r.Logger.Warn("settlement unit failed",
				zap.String("source", key.String()),
				zap.String("month", month.String()),
				zap.Error(err),
			)
			continue
		}
		report.Processed++
		report.IncomeRows += result.IncomeRows
		if result.AllocationGap {
			report.Gaps++
		}
	}

	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// DistinctSources returns the unique source keys of a set of ledger
// entries, in first-seen order.
func DistinctSources(entries []LedgerEntry) []SourceKey {
	seen := make(map[SourceKey]bool, len(entries))
	var keys []SourceKey
	for _, e := range entries {
		k := e.Key()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// runUnit executes proration + ledger write + aggregation for one
// payment under the source lock, in one transaction.
func (r *SettlementRunner) runUnit(ctx context.Context, event PaymentEvent, saveEvent bool) (*UnitResult, error) {
	release, err := r.acquireWithRetry(ctx, event.Key())
	if err != nil {
		return nil, err
	}
	defer release()

	if saveEvent {
		// Reject malformed intervals before the fact is recorded.
		if _, err := Prorate(event.Amount, event.ServiceStart, event.ServiceEnd, event.TotalServiceDays); err != nil {
			return nil, err
		}
		if err := r.Store.SavePaymentEvent(ctx, event); err != nil {
			return nil, err
		}
		// Saves are insert-once: a replay with altered fields keeps the
		// original event. Settle against the stored fact so the ledger
		// and payment_events can never disagree on the amount.
		stored, err := r.Store.PaymentEvent(ctx, event.Key())
		if err != nil {
			return nil, err
		}
		event = stored
	}

	buckets, err := Prorate(event.Amount, event.ServiceStart, event.ServiceEnd, event.TotalServiceDays)
	if err != nil {
		return nil, err
	}

	result := &UnitResult{Source: event.Key(), LedgerEntries: len(buckets)}

	err = r.Store.WithTx(ctx, func(s Store) error {
		entries := entriesFromBuckets(event, buckets)
		if err := s.ReplaceEntries(ctx, event.Key(), entries); err != nil {
			return err
		}

		// Re-read so replace-preserved entry IDs drive the income keys.
		entries, err := s.EntriesBySource(ctx, event.Key())
		if err != nil {
			return err
		}

		for _, entry := range entries {
			rows, err := r.Aggregator.Allocate(ctx, s, entry)
			if err != nil {
				return err
			}
			if err := s.ReplaceEntryIncome(ctx, entry.ID, rows); err != nil {
				return err
			}
			result.IncomeRows += len(rows)
			if len(rows) == 0 {
				result.AllocationGap = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.Logger.Info("settlement unit committed",
		zap.String("source", result.Source.String()),
		zap.Int("ledger_entries", result.LedgerEntries),
		zap.Int("income_rows", result.IncomeRows),
		zap.Bool("allocation_gap", result.AllocationGap),
	)
	return result, nil
}

func (r *SettlementRunner) acquireWithRetry(ctx context.Context, key SourceKey) (func(), error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	backoff := r.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		release, err := r.Locker.AcquireSource(ctx, key)
		if err == nil {
			return release, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
	return nil, lastErr
}

func entriesFromBuckets(event PaymentEvent, buckets []ProrationBucket) []LedgerEntry {
	now := time.Now().UTC()
	entries := make([]LedgerEntry, 0, len(buckets))
	for _, b := range buckets {
		entries = append(entries, LedgerEntry{
			ID:          LedgerEntryID(uuid.NewString()),
			SourceType:  event.SourceType,
			SourceID:    event.SourceID,
			WorkID:      event.WorkID,
			ChapterID:   event.ChapterID,
			Month:       b.Month,
			OverlapDays: b.OverlapDays,
			Amount:      b.Amount,
			CreatedAt:   now,
		})
	}
	return entries
}
