/*
reconcile.go - After-the-fact conservation checks

PURPOSE:
  Verifies the two settlement invariants over the whole store and emits
  a structured report:
    1. For every payment, its ledger entries sum back to the payment
       amount within tolerance.
    2. For every ledger entry, its income rows never exceed the entry's
       amount (unattributed remainder is legitimate).

  Drift is a data-quality signal for operators, never an exception:
  payment processing must not block on a downstream accounting
  mismatch, so the checker only reports.
*/
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTolerance matches the 8-fractional-digit storage precision.
var DefaultTolerance = decimal.New(1, -8) // 1e-8

// DiscrepancyKind classifies a reconciliation finding.
type DiscrepancyKind string

const (
	// DriftLedgerSum: ledger entries do not sum to the payment amount.
	DriftLedgerSum DiscrepancyKind = "ledger_sum_drift"

	// DriftIncomeOverdraw: income rows exceed their ledger entry.
	DriftIncomeOverdraw DiscrepancyKind = "income_overdraw"
)

// Discrepancy is one reconciliation finding.
type Discrepancy struct {
	Kind          DiscrepancyKind
	Source        SourceKey
	LedgerEntryID LedgerEntryID // set for income overdraw
	Expected      decimal.Decimal
	Actual        decimal.Decimal
	Diff          decimal.Decimal
}

// ReconciliationReport is the checker's structured output.
type ReconciliationReport struct {
	CheckedPayments int
	CheckedEntries  int
	Discrepancies   []Discrepancy
	Tolerance       decimal.Decimal
	GeneratedAt     time.Time
}

func (r *ReconciliationReport) Clean() bool { return len(r.Discrepancies) == 0 }

// ReconciliationChecker sweeps payments and ledger entries.
type ReconciliationChecker struct {
	Store     Store
	Tolerance decimal.Decimal
}

func NewReconciliationChecker(store Store) *ReconciliationChecker {
	return &ReconciliationChecker{Store: store, Tolerance: DefaultTolerance}
}

// Check runs the full sweep.
func (c *ReconciliationChecker) Check(ctx context.Context) (*ReconciliationReport, error) {
	tol := c.Tolerance
	if !tol.IsPositive() {
		tol = DefaultTolerance
	}
	report := &ReconciliationReport{Tolerance: tol, GeneratedAt: time.Now().UTC()}

	events, err := c.Store.PaymentEvents(ctx)
	if err != nil {
		return nil, err
	}

	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		entries, err := c.Store.EntriesBySource(ctx, event.Key())
		if err != nil {
			return nil, err
		}
		report.CheckedPayments++

		ledgerSum := decimal.Zero
		for _, e := range entries {
			ledgerSum = ledgerSum.Add(e.Amount)
		}
		if diff := ledgerSum.Sub(event.Amount); diff.Abs().GreaterThan(tol) {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Kind:     DriftLedgerSum,
				Source:   event.Key(),
				Expected: event.Amount,
				Actual:   ledgerSum,
				Diff:     diff,
			})
		}

		for _, entry := range entries {
			report.CheckedEntries++
			rows, err := c.Store.IncomeForEntry(ctx, entry.ID)
			if err != nil {
				return nil, err
			}
			incomeSum := decimal.Zero
			for _, row := range rows {
				incomeSum = incomeSum.Add(row.Amount)
			}
			if incomeSum.Sub(entry.Amount).GreaterThan(tol) {
				report.Discrepancies = append(report.Discrepancies, Discrepancy{
					Kind:          DriftIncomeOverdraw,
					Source:        entry.Key(),
					LedgerEntryID: entry.ID,
					Expected:      entry.Amount,
					Actual:        incomeSum,
					Diff:          incomeSum.Sub(entry.Amount),
				})
			}
		}
	}

	return report, nil
}
