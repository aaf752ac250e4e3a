package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serialworks/settlement-engine/engine"
	"github.com/serialworks/settlement-engine/engine/store"
)

func TestReconciliation_CleanAfterSettlement(t *testing.T) {
	// A normally settled store has nothing to report.
	m := store.NewMemory()
	seedStore(t, m,
		[]engine.EditorContract{bookContract("c1", "work-1", "alice", "80")},
		[]engine.Chapter{approvedChapter("ch-1", "work-1", "alice", 5000)},
	)
	runner := newRunner(m)
	ctx := context.Background()

	_, err := runner.ProcessEvent(ctx, subscriptionEvent("sub-1", "work-1", "9.99",
		utc(2025, time.November, 15, 0), utc(2025, time.December, 15, 0), "30"))
	require.NoError(t, err)
	_, err = runner.ProcessEvent(ctx, unlockEvent("unlock-1", "work-1", "ch-1", "0.99",
		utc(2025, time.November, 20, 8)))
	require.NoError(t, err)

	report, err := engine.NewReconciliationChecker(m).Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "discrepancies: %+v", report.Discrepancies)
	assert.Equal(t, 2, report.CheckedPayments)
	assert.Equal(t, 3, report.CheckedEntries)
}

func TestReconciliation_FlagsLedgerDrift(t *testing.T) {
	// GIVEN: ledger entries hand-edited to sum a cent short of the payment
	// WHEN: reconciling
	// THEN: a ledger_sum_drift finding names the source and the diff

	m := store.NewMemory()
	ctx := context.Background()

	event := subscriptionEvent("sub-1", "work-1", "10.00",
		utc(2025, time.June, 1, 0), utc(2025, time.July, 1, 0), "30")
	require.NoError(t, m.SavePaymentEvent(ctx, event))
	require.NoError(t, m.ReplaceEntries(ctx, event.Key(), []engine.LedgerEntry{{
		ID:         "entry-1",
		SourceType: event.SourceType,
		SourceID:   event.SourceID,
		WorkID:     event.WorkID,
		Month:      engine.Month{Year: 2025, Month: time.June},
		Amount:     dec("9.99"),
	}}))

	report, err := engine.NewReconciliationChecker(m).Check(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)

	d := report.Discrepancies[0]
	assert.Equal(t, engine.DriftLedgerSum, d.Kind)
	assert.Equal(t, event.Key(), d.Source)
	assert.True(t, d.Diff.Equal(dec("-0.01")), "diff = %s", d.Diff)
}

func TestReconciliation_FlagsIncomeOverdraw(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	event := unlockEvent("unlock-1", "work-1", "ch-1", "1.00", utc(2025, time.July, 9, 13))
	require.NoError(t, m.SavePaymentEvent(ctx, event))
	entry := engine.LedgerEntry{
		ID:         "entry-1",
		SourceType: event.SourceType,
		SourceID:   event.SourceID,
		WorkID:     event.WorkID,
		Month:      engine.Month{Year: 2025, Month: time.July},
		Amount:     dec("1.00"),
	}
	require.NoError(t, m.ReplaceEntries(ctx, event.Key(), []engine.LedgerEntry{entry}))
	require.NoError(t, m.ReplaceEntryIncome(ctx, entry.ID, []engine.IncomeRow{
		{ID: "i1", EditorID: "alice", Month: entry.Month, LedgerEntryID: entry.ID, Amount: dec("0.70")},
		{ID: "i2", EditorID: "bob", Month: entry.Month, LedgerEntryID: entry.ID, Amount: dec("0.40")},
	}))

	report, err := engine.NewReconciliationChecker(m).Check(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)

	d := report.Discrepancies[0]
	assert.Equal(t, engine.DriftIncomeOverdraw, d.Kind)
	assert.Equal(t, entry.ID, d.LedgerEntryID)
	assert.True(t, d.Diff.Equal(dec("0.1")), "diff = %s", d.Diff)
}

func TestReconciliation_UnattributedRemainderIsNotDrift(t *testing.T) {
	// Income below the entry amount is legitimate (shares under 100%).
	m := store.NewMemory()
	ctx := context.Background()

	event := unlockEvent("unlock-1", "work-1", "ch-1", "1.00", utc(2025, time.July, 9, 13))
	require.NoError(t, m.SavePaymentEvent(ctx, event))
	entry := engine.LedgerEntry{
		ID:         "entry-1",
		SourceType: event.SourceType,
		SourceID:   event.SourceID,
		WorkID:     event.WorkID,
		Month:      engine.Month{Year: 2025, Month: time.July},
		Amount:     dec("1.00"),
	}
	require.NoError(t, m.ReplaceEntries(ctx, event.Key(), []engine.LedgerEntry{entry}))
	require.NoError(t, m.ReplaceEntryIncome(ctx, entry.ID, []engine.IncomeRow{
		{ID: "i1", EditorID: "alice", Month: entry.Month, LedgerEntryID: entry.ID, Amount: dec("0.30")},
	}))

	report, err := engine.NewReconciliationChecker(m).Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestReconciliation_DriftWithinToleranceIgnored(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	event := unlockEvent("unlock-1", "work-1", "ch-1", "1.00", utc(2025, time.July, 9, 13))
	require.NoError(t, m.SavePaymentEvent(ctx, event))
	require.NoError(t, m.ReplaceEntries(ctx, event.Key(), []engine.LedgerEntry{{
		ID:         "entry-1",
		SourceType: event.SourceType,
		SourceID:   event.SourceID,
		WorkID:     event.WorkID,
		Month:      engine.Month{Year: 2025, Month: time.July},
		// 1e-9 under the payment: inside the 1e-8 tolerance.
		Amount: dec("1.00").Sub(decimal.New(1, -9)),
	}}))

	report, err := engine.NewReconciliationChecker(m).Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}
