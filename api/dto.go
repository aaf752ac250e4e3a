package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/serialworks/settlement-engine/engine"
)

// Amounts cross the wire as strings; JSON numbers are floats and
// floats don't carry money here.

// PaymentEventRequest ingests one payment event from the billing side.
type PaymentEventRequest struct {
	SourceType       string  `json:"source_type"`
	SourceID         string  `json:"source_id"`
	WorkID           string  `json:"work_id"`
	ChapterID        *string `json:"chapter_id,omitempty"`
	Amount           string  `json:"amount"`
	ServiceStart     string  `json:"service_start"` // RFC3339
	ServiceEnd       string  `json:"service_end"`   // RFC3339
	TotalServiceDays string  `json:"total_service_days,omitempty"`
}

// RecomputeRequest triggers a month recompute.
type RecomputeRequest struct {
	Month string `json:"month"` // YYYY-MM or YYYY-MM-01
}

type ContractRequest struct {
	ID           string  `json:"id"`
	WorkID       string  `json:"work_id"`
	EditorID     string  `json:"editor_id"`
	Role         string  `json:"role"`
	ShareType    string  `json:"share_type"`
	SharePercent string  `json:"share_percent"`
	ChapterID    *string `json:"chapter_id,omitempty"`
	Status       string  `json:"status"`
	ValidFrom    string  `json:"valid_from"`         // RFC3339 or YYYY-MM-DD
	ValidTo      *string `json:"valid_to,omitempty"` // nil = open-ended
}

type ChapterRequest struct {
	ID            string `json:"id"`
	WorkID        string `json:"work_id"`
	EditorID      string `json:"editor_id"`
	ChiefEditorID string `json:"chief_editor_id,omitempty"`
	WordCount     int64  `json:"word_count"`
	ReviewStatus  string `json:"review_status"`
	Released      bool   `json:"released"`
}

type UnitResultResponse struct {
	Source        string `json:"source"`
	LedgerEntries int    `json:"ledger_entries"`
	IncomeRows    int    `json:"income_rows"`
	AllocationGap bool   `json:"allocation_gap"`
}

type LedgerEntryResponse struct {
	ID              string  `json:"id"`
	SourceType      string  `json:"source_type"`
	SourceID        string  `json:"source_id"`
	WorkID          string  `json:"work_id"`
	ChapterID       *string `json:"chapter_id,omitempty"`
	SettlementMonth string  `json:"settlement_month"`
	OverlapDays     string  `json:"overlap_days"`
	Amount          string  `json:"amount"`
}

type IncomeRowResponse struct {
	ID              string  `json:"id"`
	EditorID        string  `json:"editor_id"`
	SettlementMonth string  `json:"settlement_month"`
	LedgerEntryID   string  `json:"ledger_entry_id"`
	Role            string  `json:"role"`
	SourceType      string  `json:"source_type"`
	ChapterID       *string `json:"chapter_id,omitempty"`
	TotalWordCount  int64   `json:"total_word_count"`
	EditorWordCount int64   `json:"editor_word_count"`
	Amount          string  `json:"amount"`
}

type PayoutLineResponse struct {
	EditorID string `json:"editor_id"`
	Month    string `json:"month"`
	Amount   string `json:"amount"`
	Rows     int    `json:"rows"`
}

type RunReportResponse struct {
	Month      string            `json:"month"`
	Processed  int               `json:"processed"`
	IncomeRows int               `json:"income_rows"`
	Gaps       int               `json:"gaps"`
	Failures   []UnitFailureJSON `json:"failures,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

type UnitFailureJSON struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

type DiscrepancyResponse struct {
	Kind          string `json:"kind"`
	Source        string `json:"source"`
	LedgerEntryID string `json:"ledger_entry_id,omitempty"`
	Expected      string `json:"expected"`
	Actual        string `json:"actual"`
	Diff          string `json:"diff"`
}

type ReconciliationResponse struct {
	CheckedPayments int                   `json:"checked_payments"`
	CheckedEntries  int                   `json:"checked_entries"`
	Clean           bool                  `json:"clean"`
	Tolerance       string                `json:"tolerance"`
	Discrepancies   []DiscrepancyResponse `json:"discrepancies,omitempty"`
	GeneratedAt     time.Time             `json:"generated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func (r PaymentEventRequest) toEvent() (engine.PaymentEvent, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return engine.PaymentEvent{}, errBadField("amount", err)
	}

	start, err := time.Parse(time.RFC3339, r.ServiceStart)
	if err != nil {
		return engine.PaymentEvent{}, errBadField("service_start", err)
	}
	end, err := time.Parse(time.RFC3339, r.ServiceEnd)
	if err != nil {
		return engine.PaymentEvent{}, errBadField("service_end", err)
	}

	totalDays := decimal.Zero
	if r.TotalServiceDays != "" {
		totalDays, err = decimal.NewFromString(r.TotalServiceDays)
		if err != nil {
			return engine.PaymentEvent{}, errBadField("total_service_days", err)
		}
	}

	event := engine.PaymentEvent{
		SourceType:       engine.SourceType(r.SourceType),
		SourceID:         r.SourceID,
		WorkID:           engine.WorkID(r.WorkID),
		Amount:           amount,
		ServiceStart:     start,
		ServiceEnd:       end,
		TotalServiceDays: totalDays,
		CreatedAt:        time.Now().UTC(),
	}
	if r.ChapterID != nil {
		id := engine.ChapterID(*r.ChapterID)
		event.ChapterID = &id
	}
	return event, nil
}

func (r ContractRequest) toContract() (engine.EditorContract, error) {
	share, err := decimal.NewFromString(r.SharePercent)
	if err != nil {
		return engine.EditorContract{}, errBadField("share_percent", err)
	}

	validFrom, err := parseDate(r.ValidFrom)
	if err != nil {
		return engine.EditorContract{}, errBadField("valid_from", err)
	}

	c := engine.EditorContract{
		ID:           r.ID,
		WorkID:       engine.WorkID(r.WorkID),
		EditorID:     engine.EditorID(r.EditorID),
		Role:         engine.ContractRole(r.Role),
		ShareType:    engine.ShareType(r.ShareType),
		SharePercent: share,
		Status:       engine.ContractStatus(r.Status),
		ValidFrom:    validFrom,
	}
	if c.Status == "" {
		c.Status = engine.ContractActive
	}
	if r.ChapterID != nil {
		id := engine.ChapterID(*r.ChapterID)
		c.ChapterID = &id
	}
	if r.ValidTo != nil {
		t, err := parseDate(*r.ValidTo)
		if err != nil {
			return engine.EditorContract{}, errBadField("valid_to", err)
		}
		c.ValidTo = &t
	}
	return c, nil
}

func (r ChapterRequest) toChapter() engine.Chapter {
	return engine.Chapter{
		ID:            engine.ChapterID(r.ID),
		WorkID:        engine.WorkID(r.WorkID),
		EditorID:      engine.EditorID(r.EditorID),
		ChiefEditorID: engine.EditorID(r.ChiefEditorID),
		WordCount:     r.WordCount,
		ReviewStatus:  engine.ReviewStatus(r.ReviewStatus),
		Released:      r.Released,
	}
}

func toUnitResult(u *engine.UnitResult) UnitResultResponse {
	return UnitResultResponse{
		Source:        u.Source.String(),
		LedgerEntries: u.LedgerEntries,
		IncomeRows:    u.IncomeRows,
		AllocationGap: u.AllocationGap,
	}
}

func toLedgerEntries(entries []engine.LedgerEntry) []LedgerEntryResponse {
	out := make([]LedgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEntryResponse{
			ID:              string(e.ID),
			SourceType:      string(e.SourceType),
			SourceID:        e.SourceID,
			WorkID:          string(e.WorkID),
			ChapterID:       chapterIDString(e.ChapterID),
			SettlementMonth: e.Month.Key(),
			OverlapDays:     e.OverlapDays.String(),
			Amount:          e.Amount.String(),
		})
	}
	return out
}

func toIncomeRows(rows []engine.IncomeRow) []IncomeRowResponse {
	out := make([]IncomeRowResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, IncomeRowResponse{
			ID:              r.ID,
			EditorID:        string(r.EditorID),
			SettlementMonth: r.Month.Key(),
			LedgerEntryID:   string(r.LedgerEntryID),
			Role:            string(r.Role),
			SourceType:      string(r.SourceType),
			ChapterID:       chapterIDString(r.ChapterID),
			TotalWordCount:  r.TotalWordCount,
			EditorWordCount: r.EditorWordCount,
			Amount:          r.Amount.String(),
		})
	}
	return out
}

func toPayoutLines(lines []engine.PayoutLine) []PayoutLineResponse {
	out := make([]PayoutLineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, PayoutLineResponse{
			EditorID: string(l.EditorID),
			Month:    l.Month.Key(),
			Amount:   l.Amount.String(),
			Rows:     l.Rows,
		})
	}
	return out
}

func toRunReport(r *engine.RunReport) RunReportResponse {
	resp := RunReportResponse{
		Month:      r.Month.Key(),
		Processed:  r.Processed,
		IncomeRows: r.IncomeRows,
		Gaps:       r.Gaps,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	for _, f := range r.Failures {
		resp.Failures = append(resp.Failures, UnitFailureJSON{Source: f.Source.String(), Error: f.Err})
	}
	return resp
}

func toReconciliation(r *engine.ReconciliationReport) ReconciliationResponse {
	resp := ReconciliationResponse{
		CheckedPayments: r.CheckedPayments,
		CheckedEntries:  r.CheckedEntries,
		Clean:           r.Clean(),
		Tolerance:       r.Tolerance.String(),
		GeneratedAt:     r.GeneratedAt,
	}
	for _, d := range r.Discrepancies {
		resp.Discrepancies = append(resp.Discrepancies, DiscrepancyResponse{
			Kind:          string(d.Kind),
			Source:        d.Source.String(),
			LedgerEntryID: string(d.LedgerEntryID),
			Expected:      d.Expected.String(),
			Actual:        d.Actual.String(),
			Diff:          d.Diff.String(),
		})
	}
	return resp
}

func chapterIDString(id *engine.ChapterID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
