// Package store provides an in-memory Store implementation for tests
// and development. It enforces the same composite-key replace semantics
// as the SQLite store, including the per-source lock token.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/serialworks/settlement-engine/engine"
)

// Memory implements engine.TxStore and engine.SourceLocker.
type Memory struct {
	mu sync.RWMutex

	events    map[engine.SourceKey]engine.PaymentEvent
	ledger    map[engine.SourceKey][]engine.LedgerEntry
	contracts map[engine.WorkID][]engine.EditorContract
	chapters  map[engine.ChapterID]engine.Chapter
	income    map[engine.LedgerEntryID][]engine.IncomeRow

	lockMu sync.Mutex
	locks  map[engine.SourceKey]bool
}

func NewMemory() *Memory {
	return &Memory{
		events:    make(map[engine.SourceKey]engine.PaymentEvent),
		ledger:    make(map[engine.SourceKey][]engine.LedgerEntry),
		contracts: make(map[engine.WorkID][]engine.EditorContract),
		chapters:  make(map[engine.ChapterID]engine.Chapter),
		income:    make(map[engine.LedgerEntryID][]engine.IncomeRow),
		locks:     make(map[engine.SourceKey]bool),
	}
}

// =============================================================================
// PAYMENT STORE
// =============================================================================

// SavePaymentEvent is insert-once: a replay of an existing source key
// keeps the original event, matching the SQLite store.
func (m *Memory) SavePaymentEvent(_ context.Context, event engine.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[event.Key()]; ok {
		return nil
	}
	m.events[event.Key()] = event
	return nil
}

func (m *Memory) PaymentEvent(_ context.Context, key engine.SourceKey) (engine.PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.events[key]
	if !ok {
		return engine.PaymentEvent{}, engine.ErrSourceNotFound
	}
	return event, nil
}

func (m *Memory) PaymentEvents(_ context.Context) ([]engine.PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]engine.PaymentEvent, 0, len(m.events))
	for _, e := range m.events {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].SourceType != events[j].SourceType {
			return events[i].SourceType < events[j].SourceType
		}
		return events[i].SourceID < events[j].SourceID
	})
	return events, nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (m *Memory) ReplaceEntries(_ context.Context, key engine.SourceKey, entries []engine.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Preserve IDs of surviving months so income back-references stay
	// stable across reruns; drop income of stale months.
	existing := make(map[engine.Month]engine.LedgerEntry)
	for _, e := range m.ledger[key] {
		existing[e.Month] = e
	}

	replaced := make([]engine.LedgerEntry, 0, len(entries))
	kept := make(map[engine.Month]bool, len(entries))
	for _, e := range entries {
		if prev, ok := existing[e.Month]; ok {
			e.ID = prev.ID
			e.CreatedAt = prev.CreatedAt
		}
		kept[e.Month] = true
		replaced = append(replaced, e)
	}
	for month, prev := range existing {
		if !kept[month] {
			delete(m.income, prev.ID)
		}
	}

	sort.Slice(replaced, func(i, j int) bool { return replaced[i].Month.Before(replaced[j].Month) })
	m.ledger[key] = replaced
	return nil
}

func (m *Memory) EntriesBySource(_ context.Context, key engine.SourceKey) ([]engine.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]engine.LedgerEntry, len(m.ledger[key]))
	copy(entries, m.ledger[key])
	return entries, nil
}

func (m *Memory) EntriesForMonth(_ context.Context, month engine.Month) ([]engine.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []engine.LedgerEntry
	for _, list := range m.ledger {
		for _, e := range list {
			if e.Month.Equal(month) {
				entries = append(entries, e)
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key().String() < entries[j].Key().String()
	})
	return entries, nil
}

// =============================================================================
// CONTRACT STORE
// =============================================================================

func (m *Memory) SaveContract(_ context.Context, contract engine.EditorContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.contracts[contract.WorkID]
	for i, c := range list {
		if c.ID == contract.ID {
			list[i] = contract
			return nil
		}
	}
	m.contracts[contract.WorkID] = append(list, contract)
	return nil
}

func (m *Memory) ContractsForWork(_ context.Context, workID engine.WorkID) ([]engine.EditorContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	contracts := make([]engine.EditorContract, len(m.contracts[workID]))
	copy(contracts, m.contracts[workID])
	return contracts, nil
}

// =============================================================================
// CHAPTER STORE
// =============================================================================

func (m *Memory) SaveChapter(_ context.Context, chapter engine.Chapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chapters[chapter.ID] = chapter
	return nil
}

func (m *Memory) Chapter(_ context.Context, id engine.ChapterID) (engine.Chapter, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.chapters[id]
	return ch, ok, nil
}

func (m *Memory) ChaptersForWork(_ context.Context, workID engine.WorkID) ([]engine.Chapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var chapters []engine.Chapter
	for _, ch := range m.chapters {
		if ch.WorkID == workID {
			chapters = append(chapters, ch)
		}
	}
	sort.Slice(chapters, func(i, j int) bool { return chapters[i].ID < chapters[j].ID })
	return chapters, nil
}

// =============================================================================
// INCOME STORE
// =============================================================================

func (m *Memory) ReplaceEntryIncome(_ context.Context, entryID engine.LedgerEntryID, rows []engine.IncomeRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(rows) == 0 {
		delete(m.income, entryID)
		return nil
	}
	stored := make([]engine.IncomeRow, len(rows))
	copy(stored, rows)
	m.income[entryID] = stored
	return nil
}

func (m *Memory) IncomeForEntry(_ context.Context, entryID engine.LedgerEntryID) ([]engine.IncomeRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]engine.IncomeRow, len(m.income[entryID]))
	copy(rows, m.income[entryID])
	return rows, nil
}

func (m *Memory) IncomeForMonth(_ context.Context, month engine.Month) ([]engine.IncomeRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []engine.IncomeRow
	for _, list := range m.income {
		for _, r := range list {
			if r.Month.Equal(month) {
				rows = append(rows, r)
			}
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].EditorID < rows[j].EditorID })
	return rows, nil
}

func (m *Memory) PayoutSummary(ctx context.Context, month engine.Month) ([]engine.PayoutLine, error) {
	rows, err := m.IncomeForMonth(ctx, month)
	if err != nil {
		return nil, err
	}
	byEditor := make(map[engine.EditorID]*engine.PayoutLine)
	var order []engine.EditorID
	for _, r := range rows {
		line, ok := byEditor[r.EditorID]
		if !ok {
			line = &engine.PayoutLine{EditorID: r.EditorID, Month: month}
			byEditor[r.EditorID] = line
			order = append(order, r.EditorID)
		}
		line.Amount = line.Amount.Add(r.Amount)
		line.Rows++
	}
	lines := make([]engine.PayoutLine, 0, len(order))
	for _, id := range order {
		lines = append(lines, *byEditor[id])
	}
	return lines, nil
}

// =============================================================================
// TRANSACTIONS AND LOCKING
// =============================================================================

// WithTx runs fn against the store directly. The memory store has no
// rollback; unit tests that need rollback fidelity use the SQLite
// store with ":memory:".
func (m *Memory) WithTx(_ context.Context, fn func(engine.Store) error) error {
	return fn(m)
}

// AcquireSource takes the in-process token for a source key.
func (m *Memory) AcquireSource(_ context.Context, key engine.SourceKey) (func(), error) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	if m.locks[key] {
		return nil, &engine.ConflictError{Source: key}
	}
	m.locks[key] = true
	return func() {
		m.lockMu.Lock()
		defer m.lockMu.Unlock()
		delete(m.locks, key)
	}, nil
}
