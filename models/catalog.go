// Package models defines the records shared by the price updater.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceStatus is the fetch-derived state of a catalog item.
type PriceStatus string

const (
	StatusActive     PriceStatus = "active"
	StatusOutOfStock PriceStatus = "out_of_stock"
	StatusError      PriceStatus = "error"
	StatusDisabled   PriceStatus = "disabled"
)

// Valid reports whether s is one of the known statuses.
func (s PriceStatus) Valid() bool {
	switch s {
	case StatusActive, StatusOutOfStock, StatusError, StatusDisabled:
		return true
	}
	return false
}

// ChangeSource records who applied a price change.
type ChangeSource string

const (
	SourceAutomated     ChangeSource = "automated"
	SourceAdminOverride ChangeSource = "admin_override"
)

// ApprovalStatus is the review state of a flagged change.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// CatalogItem is a tracked product whose price is periodically checked.
// Identity, title and URL come from the catalog; the price and status
// fields are owned by the updater.
type CatalogItem struct {
	ID                        int64           `json:"id"`
	Title                     string          `json:"title"`
	URL                       string          `json:"url"`
	CurrentPrice              decimal.Decimal `json:"current_price"`
	PriceStatus               PriceStatus     `json:"price_status"`
	LastCheckedAt             *time.Time      `json:"last_checked_at,omitempty"`
	LastSuccessfulFetchAt     *time.Time      `json:"last_successful_fetch_at,omitempty"`
	ConsecutiveFailedAttempts int             `json:"consecutive_failed_attempts"`
	RequiresApproval          bool            `json:"requires_approval"`
	LastFetchNote             string          `json:"last_fetch_note,omitempty"`
}

// PriceHistoryEntry is one applied price change. Entries are never
// updated or deleted.
type PriceHistoryEntry struct {
	ID            int64               `json:"id"`
	ItemID        int64               `json:"item_id"`
	OldPrice      decimal.Decimal     `json:"old_price"`
	NewPrice      decimal.Decimal     `json:"new_price"`
	Delta         decimal.Decimal     `json:"delta"`
	PercentChange decimal.NullDecimal `json:"percent_change"`
	Source        ChangeSource        `json:"source"`
	RecordedAt    time.Time           `json:"recorded_at"`
	Notes         string              `json:"notes,omitempty"`
}

// NewHistoryEntry computes delta and percent change for an applied price.
// The percent change stays null when the old price is zero.
func NewHistoryEntry(itemID int64, oldPrice, newPrice decimal.Decimal, source ChangeSource, notes string) PriceHistoryEntry {
	entry := PriceHistoryEntry{
		ItemID:   itemID,
		OldPrice: oldPrice,
		NewPrice: newPrice,
		Delta:    newPrice.Sub(oldPrice),
		Source:   source,
		Notes:    notes,
	}
	if oldPrice.IsPositive() {
		entry.PercentChange = decimal.NewNullDecimal(entry.Delta.Div(oldPrice).Mul(decimal.NewFromInt(100)).Round(2))
	}
	return entry
}

// ValidationDetails is the tier snapshot stored with a flagged change so
// the decision can be reproduced during audit.
type ValidationDetails struct {
	Tier              string          `json:"tier"`
	MaxAllowedPercent decimal.Decimal `json:"maxAllowedPercent"`
	ActualPercent     decimal.Decimal `json:"actualPercent"`
	OldPrice          decimal.Decimal `json:"oldPrice"`
	NewPrice          decimal.Decimal `json:"newPrice"`
	Bound             string          `json:"bound,omitempty"`
}

// PendingPriceChange is a flagged change awaiting review.
type PendingPriceChange struct {
	ID              int64             `json:"id"`
	ItemID          int64             `json:"item_id"`
	ItemTitle       string            `json:"item_title,omitempty"`
	OldPrice        decimal.Decimal   `json:"old_price"`
	NewPrice        decimal.Decimal   `json:"new_price"`
	PercentChange   decimal.Decimal   `json:"percent_change"`
	ReasonCode      string            `json:"reason_code"`
	ValidationLayer string            `json:"validation_layer"`
	Details         ValidationDetails `json:"details"`
	Status          ApprovalStatus    `json:"status"`
	FlaggedAt       time.Time         `json:"flagged_at"`
	ReviewedAt      *time.Time        `json:"reviewed_at,omitempty"`
	ReviewedBy      string            `json:"reviewed_by,omitempty"`
	AdminNotes      string            `json:"admin_notes,omitempty"`
}

// ApprovalStats counts queue activity for the reviewer surface.
type ApprovalStats struct {
	Pending       int `json:"pending"`
	ApprovedToday int `json:"approved_today"`
	RejectedToday int `json:"rejected_today"`
	TotalFlagged  int `json:"total_flagged"`
}
