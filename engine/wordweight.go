package engine

import "context"

// =============================================================================
// WORD WEIGHT RESOLVER - Word-count shares for percent_of_book splits
// =============================================================================

// WordWeight is the weighting base for one allocation: the total
// countable words and each editor's contribution to them, tracked per
// contract role. A chapter credits its assigned editor in EditorWords
// and its chief editor in ChiefWords; the same revenue can pay both.
type WordWeight struct {
	TotalWords  int64
	EditorWords map[EditorID]int64
	ChiefWords  map[EditorID]int64
}

// Of returns (roleWords, totalWords) for an editor under a contract
// role. A zero total short-circuits every allocation to nothing;
// callers must not divide by it.
func (w WordWeight) Of(role ContractRole, editor EditorID) (roleWords, totalWords int64) {
	if role == RoleChiefEditor {
		return w.ChiefWords[editor], w.TotalWords
	}
	return w.EditorWords[editor], w.TotalWords
}

func (w WordWeight) credit(ch Chapter) WordWeight {
	w.TotalWords += ch.WordCount
	if ch.EditorID != "" {
		w.EditorWords[ch.EditorID] += ch.WordCount
	}
	if ch.ChiefEditorID != "" {
		w.ChiefWords[ch.ChiefEditorID] += ch.WordCount
	}
	return w
}

// WordWeightResolver computes word-count shares from chapter records.
// It is stateless; callers pass the store so resolution inside a
// settlement transaction reads through that transaction.
//
// For subscription revenue the denominator is every approved, released
// chapter of the work; each editor's numerator is the chapters assigned
// to them in the role their contract names. For a chapter unlock the
// single chapter is the whole base: its assignees carry full weight,
// everyone else zero.
type WordWeightResolver struct{}

func NewWordWeightResolver() *WordWeightResolver {
	return &WordWeightResolver{}
}

// ForWork returns the work-wide weighting used for subscription splits.
func (r *WordWeightResolver) ForWork(ctx context.Context, s ChapterStore, workID WorkID) (WordWeight, error) {
	chapters, err := s.ChaptersForWork(ctx, workID)
	if err != nil {
		return WordWeight{}, err
	}

	w := emptyWeight()
	for _, ch := range chapters {
		if ch.Countable() {
			w = w.credit(ch)
		}
	}
	return w, nil
}

// ForChapter returns the single-chapter weighting used for unlocks.
// An unknown chapter yields a zero weight, which downstream treats as
// "no allocation" rather than an error.
func (r *WordWeightResolver) ForChapter(ctx context.Context, s ChapterStore, id ChapterID) (WordWeight, error) {
	ch, ok, err := s.Chapter(ctx, id)
	if err != nil {
		return WordWeight{}, err
	}
	w := emptyWeight()
	if !ok || ch.WordCount <= 0 {
		return w, nil
	}
	return w.credit(ch), nil
}

func emptyWeight() WordWeight {
	return WordWeight{
		EditorWords: make(map[EditorID]int64),
		ChiefWords:  make(map[EditorID]int64),
	}
}
