package engine

import (
	"context"

	"go.uber.org/zap"
)

// =============================================================================
// CONTRACT RESOLVER - Which contracts claim this revenue?
// =============================================================================

// ContractResolver selects the contracts in force for a work on a
// settlement month's reference date (the month's first day, UTC). It is
// stateless over storage; callers pass the store so resolution inside a
// settlement transaction reads through that transaction.
//
// Share-type filtering follows the revenue source:
//   - subscription revenue -> percent_of_book contracts
//   - chapter_unlock revenue -> percent_of_chapter contracts scoped to
//     the unlocked chapter, falling back to percent_of_book when no
//     chapter-specific contract exists
//
// Zero resolved contracts is not an error: un-contracted works settle
// to the ledger with their income legitimately unattributed.
type ContractResolver struct {
	Logger *zap.Logger
}

func NewContractResolver(logger *zap.Logger) *ContractResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContractResolver{Logger: logger}
}

// Resolve returns the contracts claiming revenue of the given source
// type for workID in the given month. chapterID is set for unlocks.
func (r *ContractResolver) Resolve(ctx context.Context, s ContractStore, workID WorkID, month Month, source SourceType, chapterID *ChapterID) ([]EditorContract, error) {
	all, err := s.ContractsForWork(ctx, workID)
	if err != nil {
		return nil, err
	}

	ref := month.Start()
	var inForce []EditorContract
	for _, c := range all {
		if c.ActiveOn(ref) {
			inForce = append(inForce, c)
		}
	}

	var resolved []EditorContract
	switch source {
	case SourceChapterUnlock:
		resolved = chapterContracts(inForce, chapterID)
		if len(resolved) == 0 {
			// No chapter-specific claim: the book-level contracts
			// apply, weighted down to the single chapter by the
			// aggregator.
			resolved = byShareType(inForce, ShareOfBook)
		}
	default:
		resolved = byShareType(inForce, ShareOfBook)
	}

	if len(resolved) == 0 {
		r.Logger.Info("allocation gap: no contracts resolve",
			zap.String("work_id", string(workID)),
			zap.String("month", month.String()),
			zap.String("source_type", string(source)),
		)
	}
	return resolved, nil
}

func byShareType(contracts []EditorContract, st ShareType) []EditorContract {
	var out []EditorContract
	for _, c := range contracts {
		if c.ShareType == st {
			out = append(out, c)
		}
	}
	return out
}

func chapterContracts(contracts []EditorContract, chapterID *ChapterID) []EditorContract {
	var out []EditorContract
	for _, c := range contracts {
		if c.ShareType != ShareOfChapter {
			continue
		}
		if c.ChapterID == nil || (chapterID != nil && *c.ChapterID == *chapterID) {
			out = append(out, c)
		}
	}
	return out
}
