/*
Package engine implements the revenue proration and settlement core.

PURPOSE:
  This package contains the money-path logic for attributing reader
  payments to the calendar months they cover and redistributing each
  month's slice among the editors contracted on the underlying work.
  Everything here is exact-decimal arithmetic; binary floats never touch
  an amount.

KEY CONCEPTS IN THIS FILE (types.go):
  - PaymentEvent: immutable source fact from the billing subsystem
  - LedgerEntry: one payment's contribution to one settlement month
  - EditorContract: an editor's claim on a work, with a validity window
  - IncomeRow: one editor's cut of one ledger entry

DESIGN PRINCIPLES:
  1. Precision: shopspring/decimal end to end, never float64
  2. Idempotency: composite keys, not check-then-insert
  3. Purity: proration and weighting are pure functions over loaded rows
  4. Traceability: every income row back-references its ledger entry

SEE ALSO:
  - proration.go: month splitting with the last-bucket subtraction rule
  - aggregate.go: contract + word-weight income allocation
  - runner.go: transactional orchestration per source key
*/
package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WorkID string
type EditorID string
type ChapterID string
type LedgerEntryID string

// SourceType identifies what kind of payment produced revenue.
type SourceType string

const (
	SourceSubscription  SourceType = "subscription"
	SourceChapterUnlock SourceType = "chapter_unlock"
)

// SourceKey uniquely identifies a payment across source types.
// It is the serialization unit: two runs touching the same key
// must not interleave.
type SourceKey struct {
	Type SourceType
	ID   string
}

func (k SourceKey) String() string {
	return fmt.Sprintf("%s/%s", k.Type, k.ID)
}

// =============================================================================
// PAYMENT EVENT - Immutable source fact
// =============================================================================

// PaymentEvent is produced once by the billing subsystem and never
// mutated by this engine. The service interval is half-open:
// [ServiceStart, ServiceEnd). ServiceEnd == ServiceStart marks an
// instantaneous event (a chapter unlock).
type PaymentEvent struct {
	SourceType SourceType
	SourceID   string
	WorkID     WorkID

	// ChapterID is set for chapter unlocks only.
	ChapterID *ChapterID

	Amount       decimal.Decimal
	ServiceStart time.Time
	ServiceEnd   time.Time

	// TotalServiceDays is the nominal duration sold (e.g. "30 days").
	// It may differ slightly from ServiceEnd - ServiceStart and is
	// authoritative when positive.
	TotalServiceDays decimal.Decimal

	CreatedAt time.Time
}

func (e PaymentEvent) Key() SourceKey {
	return SourceKey{Type: e.SourceType, ID: e.SourceID}
}

// =============================================================================
// LEDGER ENTRY - One payment's contribution to one settlement month
// =============================================================================

// LedgerEntry records the slice of a payment attributed to a single
// settlement month. The triplet (SourceType, SourceID, Month) is unique
// in storage; that constraint is the idempotency key.
//
// INVARIANT: for a fixed source key, the entries' amounts sum exactly
// to the payment amount (guaranteed by the proration subtraction rule).
type LedgerEntry struct {
	ID          LedgerEntryID
	SourceType  SourceType
	SourceID    string
	WorkID      WorkID
	ChapterID   *ChapterID
	Month       Month
	OverlapDays decimal.Decimal
	Amount      decimal.Decimal
	CreatedAt   time.Time
}

func (e LedgerEntry) Key() SourceKey {
	return SourceKey{Type: e.SourceType, ID: e.SourceID}
}

// =============================================================================
// EDITOR CONTRACT - Revenue share claim with validity window
// =============================================================================

type ShareType string

const (
	// ShareOfBook is a percentage of a work's whole revenue, weighted
	// further by the editor's word-count contribution.
	ShareOfBook ShareType = "percent_of_book"

	// ShareOfChapter is a percentage of a single chapter's unlock
	// revenue; the chapter is the whole base, so no word weighting.
	ShareOfChapter ShareType = "percent_of_chapter"
)

type ContractRole string

const (
	RoleEditor      ContractRole = "editor"
	RoleChiefEditor ContractRole = "chief_editor"
)

type ContractStatus string

const (
	ContractActive   ContractStatus = "active"
	ContractInactive ContractStatus = "inactive"
)

// EditorContract describes one editor's claim on a work's revenue.
// Multiple active contracts may coexist on the same work.
type EditorContract struct {
	ID       string
	WorkID   WorkID
	EditorID EditorID
	Role     ContractRole

	ShareType    ShareType
	SharePercent decimal.Decimal // 0-100

	// ChapterID scopes a percent_of_chapter contract to a single
	// chapter. Nil means the contract covers any chapter of the work.
	ChapterID *ChapterID

	Status    ContractStatus
	ValidFrom time.Time
	ValidTo   *time.Time // nil = open-ended
}

// ActiveOn reports whether the contract is in force on the reference
// date (the settlement month's first day).
func (c EditorContract) ActiveOn(ref time.Time) bool {
	if c.Status != ContractActive {
		return false
	}
	if c.ValidFrom.After(ref) {
		return false
	}
	if c.ValidTo != nil && c.ValidTo.Before(ref) {
		return false
	}
	return true
}

// ShareFraction returns SharePercent as a fraction (60 -> 0.6).
func (c EditorContract) ShareFraction() decimal.Decimal {
	return c.SharePercent.Div(decimal.NewFromInt(100))
}

// =============================================================================
// CHAPTER - Word-count weighting input
// =============================================================================

type ReviewStatus string

const (
	ReviewApproved ReviewStatus = "approved"
	ReviewPending  ReviewStatus = "pending"
	ReviewRejected ReviewStatus = "rejected"
)

// Chapter carries the fields the weight resolver needs. Assignments
// come from the chapter record itself; how editors get assigned to
// chapters is an external concern. A chapter may carry both an editor
// and a chief editor, and the same revenue pays both through their
// respective contracts.
type Chapter struct {
	ID            ChapterID
	WorkID        WorkID
	EditorID      EditorID
	ChiefEditorID EditorID
	WordCount     int64
	ReviewStatus  ReviewStatus
	Released      bool
}

// Countable reports whether the chapter enters the subscription
// word-count denominator.
func (c Chapter) Countable() bool {
	return c.ReviewStatus == ReviewApproved && c.Released && c.WordCount > 0
}

// =============================================================================
// INCOME ROW - One editor's cut of one ledger entry
// =============================================================================

// IncomeRow is the sole outbound interface to the payout subsystem:
// payable totals are SUM(Amount) GROUP BY EditorID, Month.
//
// The triplet (EditorID, Month, LedgerEntryID) is unique in storage.
// Recomputation for a ledger entry replaces its rows, never appends.
type IncomeRow struct {
	ID            string
	EditorID      EditorID
	Month         Month
	LedgerEntryID LedgerEntryID

	Role       ContractRole
	SourceType SourceType
	ChapterID  *ChapterID

	// TotalWordCount / EditorWordCount record the weighting used for
	// this allocation so reruns are auditable. Both are zero for
	// percent_of_chapter allocations.
	TotalWordCount  int64
	EditorWordCount int64

	Amount    decimal.Decimal
	CreatedAt time.Time
}

// PayoutLine is one editor's payable total for a month.
type PayoutLine struct {
	EditorID EditorID
	Month    Month
	Amount   decimal.Decimal
	Rows     int
}
