package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serialworks/settlement-engine/engine"
	"github.com/serialworks/settlement-engine/engine/store"
)

func subscriptionEntry(work engine.WorkID, amount string, month engine.Month) engine.LedgerEntry {
	return engine.LedgerEntry{
		ID:         "entry-1",
		SourceType: engine.SourceSubscription,
		SourceID:   "sub-1",
		WorkID:     work,
		Month:      month,
		Amount:     dec(amount),
	}
}

func TestAllocate_BookSharesAreWordWeighted(t *testing.T) {
	// GIVEN: a $10 subscription slice, two book-share contracts
	//        (60% and 40%) and a 70/30 word-count split
	// WHEN: allocating
	// THEN: alice gets 10 * 0.60 * 0.70 = 4.20
	//       bob   gets 10 * 0.40 * 0.30 = 1.20
	//       and 4.60 stays unattributed

	m := store.NewMemory()
	seedStore(t, m,
		[]engine.EditorContract{
			bookContract("c1", "work-1", "alice", "60"),
			bookContract("c2", "work-1", "bob", "40"),
		},
		[]engine.Chapter{
			approvedChapter("ch-1", "work-1", "alice", 7000),
			approvedChapter("ch-2", "work-1", "bob", 3000),
		},
	)

	agg := newAggregator()
	entry := subscriptionEntry("work-1", "10", engine.Month{Year: 2025, Month: time.June})

	rows, err := agg.Allocate(context.Background(), m, entry)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byEditor := make(map[engine.EditorID]engine.IncomeRow)
	for _, r := range rows {
		byEditor[r.EditorID] = r
	}

	alice := byEditor["alice"]
	assert.True(t, alice.Amount.Equal(dec("4.2")), "alice amount = %s", alice.Amount)
	assert.Equal(t, int64(7000), alice.EditorWordCount)
	assert.Equal(t, int64(10000), alice.TotalWordCount)
	assert.Equal(t, entry.ID, alice.LedgerEntryID)

	bob := byEditor["bob"]
	assert.True(t, bob.Amount.Equal(dec("1.2")), "bob amount = %s", bob.Amount)
}

func TestAllocate_NoContractsIsAGapNotAnError(t *testing.T) {
	m := store.NewMemory()
	seedStore(t, m, nil, []engine.Chapter{
		approvedChapter("ch-1", "work-1", "alice", 5000),
	})

	rows, err := newAggregator().Allocate(context.Background(), m,
		subscriptionEntry("work-1", "10", engine.Month{Year: 2025, Month: time.June}))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAllocate_ZeroWordDenominatorShortCircuits(t *testing.T) {
	// Contracts exist but no chapter is both approved and released, so
	// the word base is zero and nothing can be weighted.
	m := store.NewMemory()
	pending := approvedChapter("ch-1", "work-1", "alice", 5000)
	pending.ReviewStatus = engine.ReviewPending
	unreleased := approvedChapter("ch-2", "work-1", "alice", 4000)
	unreleased.Released = false

	seedStore(t, m,
		[]engine.EditorContract{bookContract("c1", "work-1", "alice", "60")},
		[]engine.Chapter{pending, unreleased},
	)

	rows, err := newAggregator().Allocate(context.Background(), m,
		subscriptionEntry("work-1", "10", engine.Month{Year: 2025, Month: time.June}))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAllocate_ChapterUnlockUsesChapterShare(t *testing.T) {
	// A chapter-scoped percent_of_chapter contract takes the flat
	// percentage of the unlock, no word weighting.
	m := store.NewMemory()
	seedStore(t, m,
		[]engine.EditorContract{
			chapterContract("c1", "work-1", "alice", "25", chapterID("ch-7")),
			// Book-level contract must NOT apply once a chapter contract
			// matched.
			bookContract("c2", "work-1", "bob", "50"),
		},
		[]engine.Chapter{approvedChapter("ch-7", "work-1", "alice", 4200)},
	)

	entry := engine.LedgerEntry{
		ID:         "entry-u1",
		SourceType: engine.SourceChapterUnlock,
		SourceID:   "unlock-1",
		WorkID:     "work-1",
		ChapterID:  chapterID("ch-7"),
		Month:      engine.Month{Year: 2025, Month: time.July},
		Amount:     dec("0.80"),
	}

	rows, err := newAggregator().Allocate(context.Background(), m, entry)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, engine.EditorID("alice"), rows[0].EditorID)
	assert.True(t, rows[0].Amount.Equal(dec("0.2")), "amount = %s", rows[0].Amount)
	assert.Zero(t, rows[0].TotalWordCount)
}

func TestAllocate_UnlockFallsBackToBookContracts(t *testing.T) {
	// No chapter-scoped contract: book-level contracts apply, weighted
	// down to the single unlocked chapter. Only its assigned editor has
	// weight, so the other book contract yields nothing.
	m := store.NewMemory()
	seedStore(t, m,
		[]engine.EditorContract{
			bookContract("c1", "work-1", "alice", "60"),
			bookContract("c2", "work-1", "bob", "40"),
		},
		[]engine.Chapter{approvedChapter("ch-7", "work-1", "alice", 4200)},
	)

	entry := engine.LedgerEntry{
		ID:         "entry-u1",
		SourceType: engine.SourceChapterUnlock,
		SourceID:   "unlock-1",
		WorkID:     "work-1",
		ChapterID:  chapterID("ch-7"),
		Month:      engine.Month{Year: 2025, Month: time.July},
		Amount:     dec("1.00"),
	}

	rows, err := newAggregator().Allocate(context.Background(), m, entry)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, engine.EditorID("alice"), rows[0].EditorID)
	// Full chapter weight: 1.00 * 0.60 * 4200/4200.
	assert.True(t, rows[0].Amount.Equal(dec("0.6")), "amount = %s", rows[0].Amount)
}

func TestAllocate_ExpiredContractIsIgnored(t *testing.T) {
	m := store.NewMemory()
	expired := bookContract("c1", "work-1", "alice", "60")
	expiredEnd := utc(2025, time.March, 31, 0)
	expired.ValidTo = &expiredEnd
	notYet := bookContract("c2", "work-1", "bob", "40")
	notYet.ValidFrom = utc(2025, time.August, 1, 0)
	inactive := bookContract("c3", "work-1", "carol", "10")
	inactive.Status = engine.ContractInactive

	seedStore(t, m,
		[]engine.EditorContract{expired, notYet, inactive},
		[]engine.Chapter{approvedChapter("ch-1", "work-1", "alice", 5000)},
	)

	rows, err := newAggregator().Allocate(context.Background(), m,
		subscriptionEntry("work-1", "10", engine.Month{Year: 2025, Month: time.June}))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAllocate_SameEditorContractsMerge(t *testing.T) {
	// Two qualifying contracts for the same editor fold into one row so
	// the (editor, month, entry) storage key cannot collide.
	m := store.NewMemory()
	seedStore(t, m,
		[]engine.EditorContract{
			bookContract("c1", "work-1", "alice", "30"),
			bookContract("c2", "work-1", "alice", "20"),
		},
		[]engine.Chapter{approvedChapter("ch-1", "work-1", "alice", 5000)},
	)

	rows, err := newAggregator().Allocate(context.Background(), m,
		subscriptionEntry("work-1", "10", engine.Month{Year: 2025, Month: time.June}))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Amount.Equal(dec("5")), "amount = %s", rows[0].Amount)
}

func TestAllocate_ChiefEditorPaysFromChiefAssignments(t *testing.T) {
	// GIVEN: chapters assigned to editors alice/bob with carol as chief
	//        on every chapter, and contracts for all three roles
	// WHEN: allocating a $10 subscription slice
	// THEN: editor contracts weight against editor assignments, the
	//       chief contract weights against chief assignments, and the
	//       same revenue pays both roles

	m := store.NewMemory()
	chief := bookContract("c3", "work-1", "carol", "20")
	chief.Role = engine.RoleChiefEditor

	ch1 := approvedChapter("ch-1", "work-1", "alice", 7000)
	ch1.ChiefEditorID = "carol"
	ch2 := approvedChapter("ch-2", "work-1", "bob", 3000)
	ch2.ChiefEditorID = "carol"

	seedStore(t, m,
		[]engine.EditorContract{
			bookContract("c1", "work-1", "alice", "60"),
			bookContract("c2", "work-1", "bob", "60"),
			chief,
		},
		[]engine.Chapter{ch1, ch2},
	)

	rows, err := newAggregator().Allocate(context.Background(), m,
		subscriptionEntry("work-1", "10", engine.Month{Year: 2025, Month: time.June}))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byEditor := make(map[engine.EditorID]engine.IncomeRow)
	for _, r := range rows {
		byEditor[r.EditorID] = r
	}

	assert.True(t, byEditor["alice"].Amount.Equal(dec("4.2")), "alice = %s", byEditor["alice"].Amount)
	assert.True(t, byEditor["bob"].Amount.Equal(dec("1.8")), "bob = %s", byEditor["bob"].Amount)

	// Carol chiefs every countable word: 10 * 0.20 * 10000/10000.
	carol := byEditor["carol"]
	assert.True(t, carol.Amount.Equal(dec("2")), "carol = %s", carol.Amount)
	assert.Equal(t, engine.RoleChiefEditor, carol.Role)
	assert.Equal(t, int64(10000), carol.EditorWordCount)
}

func TestAllocate_ChiefWithoutAssignmentsGetsNothing(t *testing.T) {
	// A chief_editor contract on a work whose chapters name no chief
	// has zero weight in the chief map.
	m := store.NewMemory()
	chief := bookContract("c1", "work-1", "carol", "20")
	chief.Role = engine.RoleChiefEditor

	seedStore(t, m,
		[]engine.EditorContract{chief},
		[]engine.Chapter{approvedChapter("ch-1", "work-1", "alice", 5000)},
	)

	rows, err := newAggregator().Allocate(context.Background(), m,
		subscriptionEntry("work-1", "10", engine.Month{Year: 2025, Month: time.June}))
	require.NoError(t, err)
	assert.Empty(t, rows)
}
