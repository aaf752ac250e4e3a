package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/serialworks/settlement-engine/engine"
	"github.com/serialworks/settlement-engine/engine/store"
)

func chapterID(s string) *engine.ChapterID {
	id := engine.ChapterID(s)
	return &id
}

func bookContract(id string, work engine.WorkID, editor engine.EditorID, pct string) engine.EditorContract {
	return engine.EditorContract{
		ID:           id,
		WorkID:       work,
		EditorID:     editor,
		Role:         engine.RoleEditor,
		ShareType:    engine.ShareOfBook,
		SharePercent: dec(pct),
		Status:       engine.ContractActive,
		ValidFrom:    utc(2024, time.January, 1, 0),
	}
}

func chapterContract(id string, work engine.WorkID, editor engine.EditorID, pct string, ch *engine.ChapterID) engine.EditorContract {
	c := bookContract(id, work, editor, pct)
	c.ShareType = engine.ShareOfChapter
	c.ChapterID = ch
	return c
}

func approvedChapter(id engine.ChapterID, work engine.WorkID, editor engine.EditorID, words int64) engine.Chapter {
	return engine.Chapter{
		ID:           id,
		WorkID:       work,
		EditorID:     editor,
		WordCount:    words,
		ReviewStatus: engine.ReviewApproved,
		Released:     true,
	}
}

func seedStore(t *testing.T, m *store.Memory, contracts []engine.EditorContract, chapters []engine.Chapter) {
	t.Helper()
	ctx := context.Background()
	for _, c := range contracts {
		require.NoError(t, m.SaveContract(ctx, c))
	}
	for _, ch := range chapters {
		require.NoError(t, m.SaveChapter(ctx, ch))
	}
}

func newAggregator() *engine.IncomeAggregator {
	return engine.NewIncomeAggregator(
		engine.NewContractResolver(nil),
		engine.NewWordWeightResolver(),
		nil,
	)
}

func newRunner(m *store.Memory) *engine.SettlementRunner {
	return engine.NewSettlementRunner(m, m, newAggregator(), nil)
}

func subscriptionEvent(id string, work engine.WorkID, amount string, start, end time.Time, totalDays string) engine.PaymentEvent {
	return engine.PaymentEvent{
		SourceType:       engine.SourceSubscription,
		SourceID:         id,
		WorkID:           work,
		Amount:           dec(amount),
		ServiceStart:     start,
		ServiceEnd:       end,
		TotalServiceDays: dec(totalDays),
		CreatedAt:        start,
	}
}

func unlockEvent(id string, work engine.WorkID, ch engine.ChapterID, amount string, at time.Time) engine.PaymentEvent {
	return engine.PaymentEvent{
		SourceType:       engine.SourceChapterUnlock,
		SourceID:         id,
		WorkID:           work,
		ChapterID:        chapterID(string(ch)),
		Amount:           dec(amount),
		ServiceStart:     at,
		ServiceEnd:       at,
		TotalServiceDays: decimal.Zero,
		CreatedAt:        at,
	}
}
