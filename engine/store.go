/*
store.go - Persistence interfaces for the settlement engine

PURPOSE:
  Defines the contract between the engine and the database. Two
  implementations exist: store/sqlite (production) and engine/store
  (in-memory, for tests).

IDEMPOTENCY CONTRACT:
  Storage enforces the composite uniqueness keys:
    spending_ledger:        (source_type, source_id, settlement_month)
    editor_income_monthly:  (editor_id, settlement_month, ledger_entry_id)
  Writers use replace semantics scoped to those keys: ReplaceEntries
  swaps a source's full bucket set, ReplaceEntryIncome swaps a ledger
  entry's income rows. Repeated or corrected runs converge to the same
  state instead of duplicating rows.

LOCKING:
  SourceLocker serializes all work on one source key for the duration
  of proration + ledger write + aggregation. Contention surfaces as
  ErrConflict, which the runner retries with backoff.

SEE ALSO:
  - store/sqlite/sqlite.go: production implementation
  - engine/store/memory.go: in-memory implementation
*/
package engine

import "context"

// =============================================================================
// STORE INTERFACES
// =============================================================================

// PaymentStore persists the immutable payment events this engine
// settles. Events are written once by the trigger surface; the engine
// only reads them back for reprocessing and reconciliation.
type PaymentStore interface {
	// SavePaymentEvent records an event. Replaying the same source key
	// with identical fields is a no-op; the event itself is immutable.
	SavePaymentEvent(ctx context.Context, event PaymentEvent) error

	// PaymentEvent loads one event, or ErrSourceNotFound.
	PaymentEvent(ctx context.Context, key SourceKey) (PaymentEvent, error)

	// PaymentEvents returns all recorded events (reconciliation sweep).
	PaymentEvents(ctx context.Context) ([]PaymentEvent, error)
}

// LedgerStore persists spending ledger entries.
type LedgerStore interface {
	// ReplaceEntries atomically replaces the full bucket set for a
	// source key: existing months are updated in place, missing months
	// inserted, stale months removed. This is the only ledger write.
	ReplaceEntries(ctx context.Context, key SourceKey, entries []LedgerEntry) error

	// EntriesBySource returns a source's entries in month order.
	EntriesBySource(ctx context.Context, key SourceKey) ([]LedgerEntry, error)

	// EntriesForMonth returns every ledger entry settled to a month.
	EntriesForMonth(ctx context.Context, month Month) ([]LedgerEntry, error)
}

// ContractStore persists editor contracts.
type ContractStore interface {
	SaveContract(ctx context.Context, contract EditorContract) error
	ContractsForWork(ctx context.Context, workID WorkID) ([]EditorContract, error)
}

// ChapterStore persists the chapter metadata the weight resolver reads.
type ChapterStore interface {
	SaveChapter(ctx context.Context, chapter Chapter) error
	Chapter(ctx context.Context, id ChapterID) (Chapter, bool, error)
	ChaptersForWork(ctx context.Context, workID WorkID) ([]Chapter, error)
}

// IncomeStore persists per-editor monthly income rows.
type IncomeStore interface {
	// ReplaceEntryIncome atomically replaces all income rows derived
	// from one ledger entry. Reruns converge; nothing double-applies.
	ReplaceEntryIncome(ctx context.Context, entryID LedgerEntryID, rows []IncomeRow) error

	IncomeForEntry(ctx context.Context, entryID LedgerEntryID) ([]IncomeRow, error)
	IncomeForMonth(ctx context.Context, month Month) ([]IncomeRow, error)

	// PayoutSummary is the payout subsystem's boundary:
	// SUM(amount) GROUP BY editor for a month.
	PayoutSummary(ctx context.Context, month Month) ([]PayoutLine, error)
}

// Store is the full persistence surface.
type Store interface {
	PaymentStore
	LedgerStore
	ContractStore
	ChapterStore
	IncomeStore
}

// =============================================================================
// TRANSACTIONS AND LOCKING
// =============================================================================

// TxStore wraps Store with transaction support. One settlement unit
// (proration + ledger + aggregation for a source key) runs inside a
// single WithTx call; partial failures roll back atomically.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. An error from fn rolls
	// back; nil commits.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// SourceLocker serializes settlement units per source key.
type SourceLocker interface {
	// AcquireSource takes the exclusive token for a source key. It
	// returns a release func on success, or an error wrapping
	// ErrConflict when another run holds the key.
	AcquireSource(ctx context.Context, key SourceKey) (release func(), err error)
}
