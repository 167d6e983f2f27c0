package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is what happened to one item during a run.
type Outcome string

const (
	OutcomeUpdated    Outcome = "updated"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeFlagged    Outcome = "flagged"
	OutcomeOutOfStock Outcome = "out_of_stock"
	OutcomeError      Outcome = "error"
	OutcomeSkipped    Outcome = "skipped"
)

// ItemOutcome is the per-item record streamed to report writers.
type ItemOutcome struct {
	RunID     string          `csv:"run_id" json:"run_id"`
	ItemID    int64           `csv:"item_id" json:"item_id"`
	Title     string          `csv:"title" json:"title"`
	URL       string          `csv:"url" json:"url"`
	Outcome   Outcome         `csv:"outcome" json:"outcome"`
	OldPrice  decimal.Decimal `csv:"old_price" json:"old_price"`
	NewPrice  decimal.Decimal `csv:"new_price" json:"new_price"`
	Note      string          `csv:"note" json:"note,omitempty"`
	ErrorType string          `csv:"error_type" json:"error_type,omitempty"`
	Attempts  int             `csv:"attempts" json:"attempts"`
	CheckedAt time.Time       `csv:"checked_at" json:"checked_at"`
}

// RunSummary holds the aggregate result of one update run.
type RunSummary struct {
	RunID           string          `json:"runId"`
	TotalItems      int             `json:"totalItems"`
	UpdatedItems    int             `json:"updatedItems"`
	UnchangedItems  int             `json:"unchangedItems"`
	OutOfStockItems int             `json:"outOfStockItems"`
	ErrorItems      int             `json:"errorItems"`
	FlaggedItems    int             `json:"flaggedItems"`
	SkippedItems    int             `json:"skippedItems"`
	PriceIncreases  int             `json:"priceIncreases"`
	PriceDecreases  int             `json:"priceDecreases"`
	NetPriceChange  decimal.Decimal `json:"netPriceChange"`
	ErrorsByType    map[string]int  `json:"errorsByType,omitempty"`
	SuccessRate     float64         `json:"successRate"`
	StartedAt       time.Time       `json:"startedAt"`
	FinishedAt      time.Time       `json:"finishedAt"`
	ExecutionTime   time.Duration   `json:"executionTime"`
}

// Processed is the number of items that reached an outcome other than skipped.
func (s RunSummary) Processed() int {
	return s.UpdatedItems + s.UnchangedItems + s.OutOfStockItems + s.ErrorItems + s.FlaggedItems
}

// CatalogOverview is the health snapshot of the whole catalog.
type CatalogOverview struct {
	TotalItems       int `json:"total_items"`
	ActiveItems      int `json:"active_items"`
	OutOfStockItems  int `json:"out_of_stock_items"`
	ErrorItems       int `json:"error_items"`
	DisabledItems    int `json:"disabled_items"`
	NeverChecked     int `json:"never_checked"`
	CheckedToday     int `json:"checked_today"`
	StaleItems       int `json:"stale_items"`
	HighErrorCount   int `json:"high_error_count"`
	ExhaustedItems   int `json:"exhausted_items"`
	PendingApprovals int `json:"pending_approvals"`
}
