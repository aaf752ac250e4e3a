/*
aggregate.go - Per-editor income allocation from ledger entries

PURPOSE:
  Takes one settled ledger entry and turns it into per-editor income
  rows by applying the contracts in force and, for book-level shares,
  the editors' word-count weights in the role each contract names. A
  chapter with both an assigned editor and a chief editor pays both.

FORMULAS:
  percent_of_book:    share = entry.Amount * pct * roleWords/totalWords
  percent_of_chapter: share = entry.Amount * pct
                      (the chapter is the whole base, no weighting)

INVARIANT:
  sum(rows.Amount) <= entry.Amount. Contracts that sum below 100% leave
  a remainder that stays unattributed on purpose; no redistribution
  rule is applied here (the gap is a reportable signal, not a bug).

TRANSACTIONS:
  Allocate reads contracts and chapters through the store it is handed.
  The runner hands it the settlement transaction's store, so every read
  a unit makes sees the same snapshot its writes commit against.

IDEMPOTENCY:
  Allocation is deterministic over its inputs. The runner persists the
  result with replace-for-entry semantics, so reruns converge.
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IncomeAggregator computes income rows for ledger entries.
type IncomeAggregator struct {
	Contracts *ContractResolver
	Weights   *WordWeightResolver
	Logger    *zap.Logger
}

func NewIncomeAggregator(contracts *ContractResolver, weights *WordWeightResolver, logger *zap.Logger) *IncomeAggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IncomeAggregator{Contracts: contracts, Weights: weights, Logger: logger}
}

// Allocate computes the income rows for one ledger entry, reading
// contracts and chapters from s. An empty result is an allocation gap,
// not an error.
func (a *IncomeAggregator) Allocate(ctx context.Context, s Store, entry LedgerEntry) ([]IncomeRow, error) {
	contracts, err := a.Contracts.Resolve(ctx, s, entry.WorkID, entry.Month, entry.SourceType, entry.ChapterID)
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, nil
	}

	weight, err := a.resolveWeight(ctx, s, entry)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var rows []IncomeRow
	for _, c := range contracts {
		row, ok := a.allocateContract(entry, c, weight, now)
		if ok {
			rows = appendMerged(rows, row)
		}
	}

	if total := sumRows(rows); total.GreaterThan(entry.Amount) {
		// Shares summing past 100% would overdraw the entry. Treat it
		// as a data problem on the contracts, not something to clamp
		// silently, and let reconciliation flag it.
		a.Logger.Warn("contract shares overdraw ledger entry",
			zap.String("ledger_entry_id", string(entry.ID)),
			zap.String("entry_amount", entry.Amount.String()),
			zap.String("allocated", total.String()),
		)
	}
	return rows, nil
}

func (a *IncomeAggregator) resolveWeight(ctx context.Context, s Store, entry LedgerEntry) (WordWeight, error) {
	if entry.SourceType == SourceChapterUnlock {
		if entry.ChapterID == nil {
			return emptyWeight(), nil
		}
		return a.Weights.ForChapter(ctx, s, *entry.ChapterID)
	}
	return a.Weights.ForWork(ctx, s, entry.WorkID)
}

func (a *IncomeAggregator) allocateContract(entry LedgerEntry, c EditorContract, weight WordWeight, now time.Time) (IncomeRow, bool) {
	row := IncomeRow{
		ID:            uuid.NewString(),
		EditorID:      c.EditorID,
		Month:         entry.Month,
		LedgerEntryID: entry.ID,
		Role:          c.Role,
		SourceType:    entry.SourceType,
		ChapterID:     entry.ChapterID,
		CreatedAt:     now,
	}

	switch c.ShareType {
	case ShareOfChapter:
		row.Amount = entry.Amount.Mul(c.ShareFraction())

	default: // ShareOfBook: word-weighted in the contract's role
		roleWords, totalWords := weight.Of(c.Role, c.EditorID)
		if totalWords <= 0 || roleWords <= 0 {
			return IncomeRow{}, false
		}
		ratio := decimal.NewFromInt(roleWords).Div(decimal.NewFromInt(totalWords))
		row.Amount = entry.Amount.Mul(c.ShareFraction()).Mul(ratio)
		row.TotalWordCount = totalWords
		row.EditorWordCount = roleWords
	}

	if !row.Amount.IsPositive() {
		return IncomeRow{}, false
	}
	return row, true
}

// appendMerged folds a new allocation into an existing row when the
// same editor holds multiple qualifying contracts, so the
// (editor, month, ledger entry) uniqueness key never collides.
func appendMerged(rows []IncomeRow, row IncomeRow) []IncomeRow {
	for i := range rows {
		if rows[i].EditorID == row.EditorID {
			rows[i].Amount = rows[i].Amount.Add(row.Amount)
			return rows
		}
	}
	return append(rows, row)
}

func sumRows(rows []IncomeRow) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Amount)
	}
	return total
}
