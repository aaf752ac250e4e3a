package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serialworks/settlement-engine/engine"
	"github.com/serialworks/settlement-engine/engine/store"
)

func TestProcessEvent_SettlesLedgerAndIncome(t *testing.T) {
	// GIVEN: the canonical worked example, a $9.99 / 30 day subscription
	//        from Nov 15 to Dec 15, one contracted editor at 100%
	// WHEN: processing the event
	// THEN: two ledger months exist, conserve the amount, and each
	//       carries an income row

	m := store.NewMemory()
	seedStore(t, m,
		[]engine.EditorContract{bookContract("c1", "work-1", "alice", "100")},
		[]engine.Chapter{approvedChapter("ch-1", "work-1", "alice", 5000)},
	)
	runner := newRunner(m)

	event := subscriptionEvent("sub-1", "work-1", "9.99",
		utc(2025, time.November, 15, 0), utc(2025, time.December, 15, 0), "30")

	result, err := runner.ProcessEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, 2, result.LedgerEntries)
	assert.Equal(t, 2, result.IncomeRows)
	assert.False(t, result.AllocationGap)

	entries, err := m.EntriesBySource(context.Background(), event.Key())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Amount.Equal(dec("5.328")), "november = %s", entries[0].Amount)
	assert.True(t, entries[1].Amount.Equal(dec("4.662")), "december = %s", entries[1].Amount)

	for _, e := range entries {
		rows, err := m.IncomeForEntry(context.Background(), e.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.True(t, rows[0].Amount.Equal(e.Amount), "100%% contract takes the whole slice")
	}
}

func TestProcessEvent_IsIdempotent(t *testing.T) {
	// Running the same event twice must converge: same entries, same
	// entry IDs, same income, no duplicates.
	m := store.NewMemory()
	seedStore(t, m,
		[]engine.EditorContract{bookContract("c1", "work-1", "alice", "100")},
		[]engine.Chapter{approvedChapter("ch-1", "work-1", "alice", 5000)},
	)
	runner := newRunner(m)
	ctx := context.Background()

	event := subscriptionEvent("sub-1", "work-1", "9.99",
		utc(2025, time.November, 15, 0), utc(2025, time.December, 15, 0), "30")

	_, err := runner.ProcessEvent(ctx, event)
	require.NoError(t, err)
	first, err := m.EntriesBySource(ctx, event.Key())
	require.NoError(t, err)

	_, err = runner.ProcessEvent(ctx, event)
	require.NoError(t, err)
	second, err := m.EntriesBySource(ctx, event.Key())
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID, "entry IDs survive reruns")
		assert.True(t, first[i].Amount.Equal(second[i].Amount))
	}

	rows, err := m.IncomeForMonth(ctx, engine.Month{Year: 2025, Month: time.November})
	require.NoError(t, err)
	assert.Len(t, rows, 1, "rerun must not duplicate income")
}

func TestProcessEvent_ReplayWithAlteredAmountSettlesStoredFact(t *testing.T) {
	// A re-POST of an already-recorded source with a different amount
	// must settle against the stored event, never the new payload.
	// Otherwise the ledger and the recorded fact disagree forever.
	m := store.NewMemory()
	seedStore(t, m,
		[]engine.EditorContract{bookContract("c1", "work-1", "alice", "100")},
		[]engine.Chapter{approvedChapter("ch-1", "work-1", "alice", 5000)},
	)
	runner := newRunner(m)
	ctx := context.Background()

	event := subscriptionEvent("sub-1", "work-1", "9.99",
		utc(2025, time.November, 15, 0), utc(2025, time.December, 15, 0), "30")
	_, err := runner.ProcessEvent(ctx, event)
	require.NoError(t, err)

	altered := event
	altered.Amount = dec("19.99")
	_, err = runner.ProcessEvent(ctx, altered)
	require.NoError(t, err)

	entries, err := m.EntriesBySource(ctx, event.Key())
	require.NoError(t, err)
	total := dec("0")
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	assert.True(t, total.Equal(dec("9.99")), "ledger total = %s", total)

	report, err := engine.NewReconciliationChecker(m).Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "stored fact and ledger must agree after the replay: %+v", report.Discrepancies)
}

func TestProcessEvent_RejectsNonPositiveAmount(t *testing.T) {
	runner := newRunner(store.NewMemory())
	event := subscriptionEvent("sub-1", "work-1", "0",
		utc(2025, time.May, 1, 0), utc(2025, time.June, 1, 0), "31")

	_, err := runner.ProcessEvent(context.Background(), event)
	assert.ErrorIs(t, err, engine.ErrInvalidAmount)
}

func TestProcessEvent_AllocationGapIsReported(t *testing.T) {
	// No contracts at all: ledger settles, income does not, gap flagged.
	m := store.NewMemory()
	runner := newRunner(m)

	event := unlockEvent("unlock-1", "work-1", "ch-1", "0.99", utc(2025, time.July, 9, 13))
	result, err := runner.ProcessEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, 1, result.LedgerEntries)
	assert.Equal(t, 0, result.IncomeRows)
	assert.True(t, result.AllocationGap)
}

func TestProcessEvent_LockConflictAfterRetries(t *testing.T) {
	m := store.NewMemory()
	runner := newRunner(m)
	runner.MaxAttempts = 2
	runner.RetryBackoff = time.Millisecond

	event := unlockEvent("unlock-1", "work-1", "ch-1", "0.99", utc(2025, time.July, 9, 13))

	release, err := m.AcquireSource(context.Background(), event.Key())
	require.NoError(t, err)

	_, err = runner.ProcessEvent(context.Background(), event)
	assert.ErrorIs(t, err, engine.ErrConflict)

	// Releasing the lock unblocks the next attempt.
	release()
	_, err = runner.ProcessEvent(context.Background(), event)
	assert.NoError(t, err)
}

func TestReprocessSource_UnknownSource(t *testing.T) {
	runner := newRunner(store.NewMemory())
	_, err := runner.ReprocessSource(context.Background(),
		engine.SourceKey{Type: engine.SourceSubscription, ID: "ghost"})
	assert.ErrorIs(t, err, engine.ErrSourceNotFound)
}

func TestRecomputeMonth_PicksUpBackfilledContract(t *testing.T) {
	// GIVEN: a payment settled before any contract existed (gap)
	// WHEN: a contract is backfilled and the month is recomputed
	// THEN: the same ledger entries now carry income rows

	m := store.NewMemory()
	seedStore(t, m, nil, []engine.Chapter{
		approvedChapter("ch-1", "work-1", "alice", 5000),
	})
	runner := newRunner(m)
	ctx := context.Background()

	event := subscriptionEvent("sub-1", "work-1", "12.00",
		utc(2025, time.June, 1, 0), utc(2025, time.July, 1, 0), "30")
	result, err := runner.ProcessEvent(ctx, event)
	require.NoError(t, err)
	require.True(t, result.AllocationGap)

	require.NoError(t, m.SaveContract(ctx, bookContract("c1", "work-1", "alice", "50")))

	month := engine.Month{Year: 2025, Month: time.June}
	report, err := runner.RecomputeMonth(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.Gaps)
	assert.Empty(t, report.Failures)

	rows, err := m.IncomeForMonth(ctx, month)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Amount.Equal(dec("6")), "june income = %s", rows[0].Amount)
}

func TestRecomputeMonth_FailureIsIsolated(t *testing.T) {
	// One locked source must not fail the rest of the month.
	m := store.NewMemory()
	seedStore(t, m,
		[]engine.EditorContract{bookContract("c1", "work-1", "alice", "100")},
		[]engine.Chapter{approvedChapter("ch-1", "work-1", "alice", 5000)},
	)
	runner := newRunner(m)
	runner.MaxAttempts = 1
	runner.RetryBackoff = time.Millisecond
	ctx := context.Background()

	at := utc(2025, time.July, 9, 13)
	_, err := runner.ProcessEvent(ctx, unlockEvent("unlock-1", "work-1", "ch-1", "0.99", at))
	require.NoError(t, err)
	_, err = runner.ProcessEvent(ctx, unlockEvent("unlock-2", "work-1", "ch-1", "0.49", at))
	require.NoError(t, err)

	stuck := engine.SourceKey{Type: engine.SourceChapterUnlock, ID: "unlock-1"}
	release, err := m.AcquireSource(ctx, stuck)
	require.NoError(t, err)
	defer release()

	report, err := runner.RecomputeMonth(ctx, engine.Month{Year: 2025, Month: time.July})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, stuck, report.Failures[0].Source)
}

func TestRecomputeMonth_HonorsCancellation(t *testing.T) {
	m := store.NewMemory()
	runner := newRunner(m)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := runner.ProcessEvent(ctx,
		unlockEvent("unlock-1", "work-1", "ch-1", "0.99", utc(2025, time.July, 9, 13)))
	require.NoError(t, err)

	cancel()
	report, err := runner.RecomputeMonth(ctx, engine.Month{Year: 2025, Month: time.July})
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Processed)
}

func TestDistinctSources_FirstSeenOrder(t *testing.T) {
	entries := []engine.LedgerEntry{
		{SourceType: engine.SourceSubscription, SourceID: "a"},
		{SourceType: engine.SourceSubscription, SourceID: "b"},
		{SourceType: engine.SourceSubscription, SourceID: "a"},
		{SourceType: engine.SourceChapterUnlock, SourceID: "a"},
	}
	keys := engine.DistinctSources(entries)
	require.Len(t, keys, 3)
	assert.Equal(t, "subscription/a", keys[0].String())
	assert.Equal(t, "subscription/b", keys[1].String())
	assert.Equal(t, "chapter_unlock/a", keys[2].String())
}
