/*
Package sqlite provides the SQLite-backed implementation of the
settlement engine's storage interfaces.

PURPOSE:
  Implements engine.Store, engine.TxStore and engine.SourceLocker. The
  same patterns apply to PostgreSQL - only minor dialect differences.

IDEMPOTENCY ENFORCEMENT:
  Uniqueness lives in the schema, not in application-level
  check-then-insert:
    idx_ledger_source_month:       (source_type, source_id, settlement_month)
    idx_income_editor_month_entry: (editor_id, settlement_month, ledger_entry_id)
  Repeated and corrected runs converge through replace semantics; a
  surviving month keeps its ledger entry ID so income back-references
  stay stable.

AMOUNT STORAGE:
  Amounts and overlap days are stored as decimal strings, never REAL.
  Binary-float columns are where amount drift comes from.

LOCKING:
  source_locks is the serialization token per (source_type, source_id),
  with a TTL so a crashed holder cannot wedge the key forever.

WAL MODE:
  The database opens with WAL and foreign keys on: readers don't block,
  one writer at a time, sane crash recovery.

SEE ALSO:
  - engine/store.go: interface contracts
  - engine/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/serialworks/settlement-engine/engine"
)

// defaultLockTTL bounds how long a crashed run can hold a source key.
// It must comfortably exceed the longest settlement unit; the expiry is
// a crash-recovery backstop, not a fairness mechanism, and a live unit
// whose lock expires can be interleaved by another run.
const defaultLockTTL = 5 * time.Minute

// Store implements the settlement storage interfaces on SQLite.
type Store struct {
	db     *sql.DB
	holder string

	// LockTTL overrides defaultLockTTL when positive.
	LockTTL time.Duration
}

// New opens (or creates) the database at dbPath and migrates the
// schema. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; serialize at the pool level instead of
	// surfacing SQLITE_BUSY to every caller.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, holder: uuid.NewString(), LockTTL: defaultLockTTL}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Immutable payment facts from the billing subsystem
	CREATE TABLE IF NOT EXISTS payment_events (
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		work_id TEXT NOT NULL,
		chapter_id TEXT,
		amount TEXT NOT NULL,
		service_start TEXT NOT NULL,
		service_end TEXT NOT NULL,
		total_service_days TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		PRIMARY KEY (source_type, source_id)
	);

	-- One payment's contribution to one settlement month
	CREATE TABLE IF NOT EXISTS spending_ledger (
		id TEXT PRIMARY KEY,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		work_id TEXT NOT NULL,
		chapter_id TEXT,
		settlement_month TEXT NOT NULL,
		overlap_days TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: the idempotency key. Concurrent or repeated runs fail
	-- closed here instead of silently duplicating rows.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_source_month
		ON spending_ledger(source_type, source_id, settlement_month);
	CREATE INDEX IF NOT EXISTS idx_ledger_month
		ON spending_ledger(settlement_month);
	CREATE INDEX IF NOT EXISTS idx_ledger_work
		ON spending_ledger(work_id);

	-- Editor revenue-share contracts with validity windows
	CREATE TABLE IF NOT EXISTS editor_contracts (
		id TEXT PRIMARY KEY,
		work_id TEXT NOT NULL,
		editor_id TEXT NOT NULL,
		role TEXT NOT NULL,
		share_type TEXT NOT NULL,
		share_percent TEXT NOT NULL,
		chapter_id TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		valid_from TEXT NOT NULL,
		valid_to TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_work
		ON editor_contracts(work_id, status);

	-- Chapter metadata feeding word-count weights
	CREATE TABLE IF NOT EXISTS chapters (
		id TEXT PRIMARY KEY,
		work_id TEXT NOT NULL,
		editor_id TEXT,
		chief_editor_id TEXT,
		word_count INTEGER NOT NULL DEFAULT 0,
		review_status TEXT NOT NULL DEFAULT 'pending',
		released BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_chapters_work
		ON chapters(work_id);

	-- Per-editor monthly income, traceable to its ledger entry
	CREATE TABLE IF NOT EXISTS editor_income_monthly (
		id TEXT PRIMARY KEY,
		editor_id TEXT NOT NULL,
		settlement_month TEXT NOT NULL,
		ledger_entry_id TEXT NOT NULL,
		role TEXT NOT NULL,
		source_type TEXT NOT NULL,
		chapter_id TEXT,
		total_word_count INTEGER NOT NULL DEFAULT 0,
		editor_word_count INTEGER NOT NULL DEFAULT 0,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_income_editor_month_entry
		ON editor_income_monthly(editor_id, settlement_month, ledger_entry_id);
	CREATE INDEX IF NOT EXISTS idx_income_entry
		ON editor_income_monthly(ledger_entry_id);
	-- Payout hot path: SUM(amount) GROUP BY editor_id for a month
	CREATE INDEX IF NOT EXISTS idx_income_month_editor
		ON editor_income_monthly(settlement_month, editor_id);

	-- Serialization tokens per source key
	CREATE TABLE IF NOT EXISTS source_locks (
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		holder TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (source_type, source_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so every query runs
// against whichever executor owns the current unit of work.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements engine.Store over an executor.
type queries struct {
	db dbtx
}

func (s *Store) q() queries { return queries{db: s.db} }

// =============================================================================
// PAYMENT STORE
// =============================================================================

func (s *Store) SavePaymentEvent(ctx context.Context, event engine.PaymentEvent) error {
	return s.q().SavePaymentEvent(ctx, event)
}

func (q queries) SavePaymentEvent(ctx context.Context, event engine.PaymentEvent) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO payment_events
		(source_type, source_id, work_id, chapter_id, amount,
		 service_start, service_end, total_service_days, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_type, source_id) DO NOTHING`,
		event.SourceType,
		event.SourceID,
		event.WorkID,
		chapterIDValue(event.ChapterID),
		event.Amount.String(),
		event.ServiceStart.UTC().Format(time.RFC3339Nano),
		event.ServiceEnd.UTC().Format(time.RFC3339Nano),
		event.TotalServiceDays.String(),
		createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save payment event: %w", err)
	}
	return nil
}

func (s *Store) PaymentEvent(ctx context.Context, key engine.SourceKey) (engine.PaymentEvent, error) {
	return s.q().PaymentEvent(ctx, key)
}

func (q queries) PaymentEvent(ctx context.Context, key engine.SourceKey) (engine.PaymentEvent, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT source_type, source_id, work_id, chapter_id, amount,
		       service_start, service_end, total_service_days, created_at
		FROM payment_events
		WHERE source_type = ? AND source_id = ?`,
		key.Type, key.ID,
	)
	event, err := scanPaymentEvent(row)
	if err == sql.ErrNoRows {
		return engine.PaymentEvent{}, engine.ErrSourceNotFound
	}
	return event, err
}

func (s *Store) PaymentEvents(ctx context.Context) ([]engine.PaymentEvent, error) {
	return s.q().PaymentEvents(ctx)
}

func (q queries) PaymentEvents(ctx context.Context) ([]engine.PaymentEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT source_type, source_id, work_id, chapter_id, amount,
		       service_start, service_end, total_service_days, created_at
		FROM payment_events
		ORDER BY source_type, source_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment events: %w", err)
	}
	defer rows.Close()

	var events []engine.PaymentEvent
	for rows.Next() {
		event, err := scanPaymentEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaymentEvent(r rowScanner) (engine.PaymentEvent, error) {
	var (
		event        engine.PaymentEvent
		chapterID    sql.NullString
		amount       string
		serviceStart string
		serviceEnd   string
		totalDays    string
		createdAt    string
	)
	err := r.Scan(
		&event.SourceType, &event.SourceID, &event.WorkID, &chapterID,
		&amount, &serviceStart, &serviceEnd, &totalDays, &createdAt,
	)
	if err != nil {
		return event, err
	}

	event.ChapterID = chapterIDPtr(chapterID)
	event.Amount = mustDecimal(amount)
	event.TotalServiceDays = mustDecimal(totalDays)
	event.ServiceStart, _ = time.Parse(time.RFC3339Nano, serviceStart)
	event.ServiceEnd, _ = time.Parse(time.RFC3339Nano, serviceEnd)
	event.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return event, nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) ReplaceEntries(ctx context.Context, key engine.SourceKey, entries []engine.LedgerEntry) error {
	return s.q().ReplaceEntries(ctx, key, entries)
}

// ReplaceEntries swaps the full bucket set for a source key: surviving
// months are updated in place (keeping their entry IDs), new months
// inserted, stale months deleted together with their income rows.
func (q queries) ReplaceEntries(ctx context.Context, key engine.SourceKey, entries []engine.LedgerEntry) error {
	existing := make(map[string]string) // settlement_month -> id
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, settlement_month FROM spending_ledger
		WHERE source_type = ? AND source_id = ?`,
		key.Type, key.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to load existing ledger entries: %w", err)
	}
	for rows.Next() {
		var id, month string
		if err := rows.Scan(&id, &month); err != nil {
			rows.Close()
			return err
		}
		existing[month] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	kept := make(map[string]bool, len(entries))
	for _, e := range entries {
		monthKey := e.Month.Key()
		kept[monthKey] = true

		if id, ok := existing[monthKey]; ok {
			_, err = q.db.ExecContext(ctx, `
				UPDATE spending_ledger
				SET work_id = ?, chapter_id = ?, overlap_days = ?, amount = ?
				WHERE id = ?`,
				e.WorkID, chapterIDValue(e.ChapterID),
				e.OverlapDays.String(), e.Amount.String(), id,
			)
		} else {
			_, err = q.db.ExecContext(ctx, `
				INSERT INTO spending_ledger
				(id, source_type, source_id, work_id, chapter_id,
				 settlement_month, overlap_days, amount, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.ID, e.SourceType, e.SourceID, e.WorkID, chapterIDValue(e.ChapterID),
				monthKey, e.OverlapDays.String(), e.Amount.String(),
				e.CreatedAt.UTC().Format(time.RFC3339Nano),
			)
		}
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("ledger bucket %s %s: %w", key, monthKey, engine.ErrDuplicateKey)
			}
			return fmt.Errorf("failed to write ledger entry: %w", err)
		}
	}

	for monthKey, id := range existing {
		if kept[monthKey] {
			continue
		}
		if _, err := q.db.ExecContext(ctx,
			`DELETE FROM editor_income_monthly WHERE ledger_entry_id = ?`, id); err != nil {
			return fmt.Errorf("failed to drop stale income rows: %w", err)
		}
		if _, err := q.db.ExecContext(ctx,
			`DELETE FROM spending_ledger WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to drop stale ledger entry: %w", err)
		}
	}
	return nil
}

func (s *Store) EntriesBySource(ctx context.Context, key engine.SourceKey) ([]engine.LedgerEntry, error) {
	return s.q().EntriesBySource(ctx, key)
}

func (q queries) EntriesBySource(ctx context.Context, key engine.SourceKey) ([]engine.LedgerEntry, error) {
	return q.queryLedger(ctx, `
		SELECT id, source_type, source_id, work_id, chapter_id,
		       settlement_month, overlap_days, amount, created_at
		FROM spending_ledger
		WHERE source_type = ? AND source_id = ?
		ORDER BY settlement_month`,
		key.Type, key.ID)
}

func (s *Store) EntriesForMonth(ctx context.Context, month engine.Month) ([]engine.LedgerEntry, error) {
	return s.q().EntriesForMonth(ctx, month)
}

func (q queries) EntriesForMonth(ctx context.Context, month engine.Month) ([]engine.LedgerEntry, error) {
	return q.queryLedger(ctx, `
		SELECT id, source_type, source_id, work_id, chapter_id,
		       settlement_month, overlap_days, amount, created_at
		FROM spending_ledger
		WHERE settlement_month = ?
		ORDER BY source_type, source_id`,
		month.Key())
}

func (q queries) queryLedger(ctx context.Context, query string, args ...any) ([]engine.LedgerEntry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []engine.LedgerEntry
	for rows.Next() {
		var (
			e         engine.LedgerEntry
			chapterID sql.NullString
			month     string
			overlap   string
			amount    string
			createdAt string
		)
		err := rows.Scan(
			&e.ID, &e.SourceType, &e.SourceID, &e.WorkID, &chapterID,
			&month, &overlap, &amount, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.ChapterID = chapterIDPtr(chapterID)
		e.Month, _ = engine.ParseMonth(month)
		e.OverlapDays = mustDecimal(overlap)
		e.Amount = mustDecimal(amount)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// CONTRACT STORE
// =============================================================================

func (s *Store) SaveContract(ctx context.Context, contract engine.EditorContract) error {
	return s.q().SaveContract(ctx, contract)
}

func (q queries) SaveContract(ctx context.Context, c engine.EditorContract) error {
	var validTo any
	if c.ValidTo != nil {
		validTo = c.ValidTo.UTC().Format(time.RFC3339Nano)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO editor_contracts
		(id, work_id, editor_id, role, share_type, share_percent,
		 chapter_id, status, valid_from, valid_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			work_id = excluded.work_id,
			editor_id = excluded.editor_id,
			role = excluded.role,
			share_type = excluded.share_type,
			share_percent = excluded.share_percent,
			chapter_id = excluded.chapter_id,
			status = excluded.status,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to`,
		c.ID, c.WorkID, c.EditorID, c.Role, c.ShareType, c.SharePercent.String(),
		chapterIDValue(c.ChapterID), c.Status,
		c.ValidFrom.UTC().Format(time.RFC3339Nano), validTo,
	)
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

func (s *Store) ContractsForWork(ctx context.Context, workID engine.WorkID) ([]engine.EditorContract, error) {
	return s.q().ContractsForWork(ctx, workID)
}

func (q queries) ContractsForWork(ctx context.Context, workID engine.WorkID) ([]engine.EditorContract, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, work_id, editor_id, role, share_type, share_percent,
		       chapter_id, status, valid_from, valid_to
		FROM editor_contracts
		WHERE work_id = ?
		ORDER BY role, editor_id`,
		workID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts: %w", err)
	}
	defer rows.Close()

	var contracts []engine.EditorContract
	for rows.Next() {
		var (
			c         engine.EditorContract
			share     string
			chapterID sql.NullString
			validFrom string
			validTo   sql.NullString
		)
		err := rows.Scan(
			&c.ID, &c.WorkID, &c.EditorID, &c.Role, &c.ShareType, &share,
			&chapterID, &c.Status, &validFrom, &validTo,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		c.SharePercent = mustDecimal(share)
		c.ChapterID = chapterIDPtr(chapterID)
		c.ValidFrom, _ = time.Parse(time.RFC3339Nano, validFrom)
		if validTo.Valid {
			t, _ := time.Parse(time.RFC3339Nano, validTo.String)
			c.ValidTo = &t
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

// =============================================================================
// CHAPTER STORE
// =============================================================================

func (s *Store) SaveChapter(ctx context.Context, chapter engine.Chapter) error {
	return s.q().SaveChapter(ctx, chapter)
}

func (q queries) SaveChapter(ctx context.Context, ch engine.Chapter) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO chapters (id, work_id, editor_id, chief_editor_id, word_count, review_status, released)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			work_id = excluded.work_id,
			editor_id = excluded.editor_id,
			chief_editor_id = excluded.chief_editor_id,
			word_count = excluded.word_count,
			review_status = excluded.review_status,
			released = excluded.released`,
		ch.ID, ch.WorkID, nullString(string(ch.EditorID)), nullString(string(ch.ChiefEditorID)),
		ch.WordCount, ch.ReviewStatus, ch.Released,
	)
	if err != nil {
		return fmt.Errorf("failed to save chapter: %w", err)
	}
	return nil
}

func (s *Store) Chapter(ctx context.Context, id engine.ChapterID) (engine.Chapter, bool, error) {
	return s.q().Chapter(ctx, id)
}

func (q queries) Chapter(ctx context.Context, id engine.ChapterID) (engine.Chapter, bool, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, work_id, editor_id, chief_editor_id, word_count, review_status, released
		FROM chapters WHERE id = ?`, id)
	ch, err := scanChapter(row)
	if err == sql.ErrNoRows {
		return engine.Chapter{}, false, nil
	}
	if err != nil {
		return engine.Chapter{}, false, err
	}
	return ch, true, nil
}

func (s *Store) ChaptersForWork(ctx context.Context, workID engine.WorkID) ([]engine.Chapter, error) {
	return s.q().ChaptersForWork(ctx, workID)
}

func (q queries) ChaptersForWork(ctx context.Context, workID engine.WorkID) ([]engine.Chapter, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, work_id, editor_id, chief_editor_id, word_count, review_status, released
		FROM chapters WHERE work_id = ? ORDER BY id`, workID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chapters: %w", err)
	}
	defer rows.Close()

	var chapters []engine.Chapter
	for rows.Next() {
		ch, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, ch)
	}
	return chapters, rows.Err()
}

func scanChapter(r rowScanner) (engine.Chapter, error) {
	var (
		ch       engine.Chapter
		editorID sql.NullString
		chiefID  sql.NullString
	)
	err := r.Scan(&ch.ID, &ch.WorkID, &editorID, &chiefID, &ch.WordCount, &ch.ReviewStatus, &ch.Released)
	if err != nil {
		return ch, err
	}
	ch.EditorID = engine.EditorID(editorID.String)
	ch.ChiefEditorID = engine.EditorID(chiefID.String)
	return ch, nil
}

// =============================================================================
// INCOME STORE
// =============================================================================

func (s *Store) ReplaceEntryIncome(ctx context.Context, entryID engine.LedgerEntryID, incomeRows []engine.IncomeRow) error {
	return s.q().ReplaceEntryIncome(ctx, entryID, incomeRows)
}

func (q queries) ReplaceEntryIncome(ctx context.Context, entryID engine.LedgerEntryID, incomeRows []engine.IncomeRow) error {
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM editor_income_monthly WHERE ledger_entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("failed to clear income rows: %w", err)
	}

	for _, r := range incomeRows {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO editor_income_monthly
			(id, editor_id, settlement_month, ledger_entry_id, role, source_type,
			 chapter_id, total_word_count, editor_word_count, amount, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.EditorID, r.Month.Key(), r.LedgerEntryID, r.Role, r.SourceType,
			chapterIDValue(r.ChapterID), r.TotalWordCount, r.EditorWordCount,
			r.Amount.String(), r.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("income row %s/%s: %w", r.EditorID, r.Month, engine.ErrDuplicateKey)
			}
			return fmt.Errorf("failed to write income row: %w", err)
		}
	}
	return nil
}

func (s *Store) IncomeForEntry(ctx context.Context, entryID engine.LedgerEntryID) ([]engine.IncomeRow, error) {
	return s.q().IncomeForEntry(ctx, entryID)
}

func (q queries) IncomeForEntry(ctx context.Context, entryID engine.LedgerEntryID) ([]engine.IncomeRow, error) {
	return q.queryIncome(ctx, `
		SELECT id, editor_id, settlement_month, ledger_entry_id, role, source_type,
		       chapter_id, total_word_count, editor_word_count, amount, created_at
		FROM editor_income_monthly
		WHERE ledger_entry_id = ?
		ORDER BY editor_id`,
		entryID)
}

func (s *Store) IncomeForMonth(ctx context.Context, month engine.Month) ([]engine.IncomeRow, error) {
	return s.q().IncomeForMonth(ctx, month)
}

func (q queries) IncomeForMonth(ctx context.Context, month engine.Month) ([]engine.IncomeRow, error) {
	return q.queryIncome(ctx, `
		SELECT id, editor_id, settlement_month, ledger_entry_id, role, source_type,
		       chapter_id, total_word_count, editor_word_count, amount, created_at
		FROM editor_income_monthly
		WHERE settlement_month = ?
		ORDER BY editor_id, ledger_entry_id`,
		month.Key())
}

func (q queries) queryIncome(ctx context.Context, query string, args ...any) ([]engine.IncomeRow, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query income: %w", err)
	}
	defer rows.Close()

	var result []engine.IncomeRow
	for rows.Next() {
		var (
			r         engine.IncomeRow
			month     string
			chapterID sql.NullString
			amount    string
			createdAt string
		)
		err := rows.Scan(
			&r.ID, &r.EditorID, &month, &r.LedgerEntryID, &r.Role, &r.SourceType,
			&chapterID, &r.TotalWordCount, &r.EditorWordCount, &amount, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan income row: %w", err)
		}
		r.Month, _ = engine.ParseMonth(month)
		r.ChapterID = chapterIDPtr(chapterID)
		r.Amount = mustDecimal(amount)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) PayoutSummary(ctx context.Context, month engine.Month) ([]engine.PayoutLine, error) {
	return s.q().PayoutSummary(ctx, month)
}

// PayoutSummary aggregates in Go rather than SQL: amounts are decimal
// strings and SUM() would coerce them through REAL.
func (q queries) PayoutSummary(ctx context.Context, month engine.Month) ([]engine.PayoutLine, error) {
	incomeRows, err := q.IncomeForMonth(ctx, month)
	if err != nil {
		return nil, err
	}

	byEditor := make(map[engine.EditorID]*engine.PayoutLine)
	var order []engine.EditorID
	for _, r := range incomeRows {
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
// TRANSACTIONS (engine.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction. Every query fn
// issues runs on the same *sql.Tx.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{queries{db: tx}}); err != nil {
		return err
	}
	return tx.Commit()
}

// txStore exposes queries bound to a transaction as an engine.Store.
type txStore struct {
	queries
}

// =============================================================================
// SOURCE LOCKS (engine.SourceLocker)
// =============================================================================

// AcquireSource takes the serialization token for a source key. Expired
// tokens from crashed holders are purged first; a live token from
// another holder surfaces as ConflictError.
func (s *Store) AcquireSource(ctx context.Context, key engine.SourceKey) (func(), error) {
	now := time.Now().UTC()
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM source_locks WHERE expires_at <= ?`,
		now.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("failed to purge expired locks: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_locks (source_type, source_id, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		key.Type, key.ID, s.holder,
		now.Format(time.RFC3339Nano),
		now.Add(ttl).Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, &engine.ConflictError{Source: key}
		}
		return nil, fmt.Errorf("failed to acquire source lock: %w", err)
	}

	release := func() {
		s.db.ExecContext(context.Background(), `
			DELETE FROM source_locks
			WHERE source_type = ? AND source_id = ? AND holder = ?`,
			key.Type, key.ID, s.holder)
	}
	return release, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func chapterIDValue(id *engine.ChapterID) any {
	if id == nil {
		return nil
	}
	return string(*id)
}

func chapterIDPtr(ns sql.NullString) *engine.ChapterID {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	id := engine.ChapterID(ns.String)
	return &id
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
