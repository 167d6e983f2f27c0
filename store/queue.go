package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aluiziolira/go-price-updater/models"
	"github.com/shopspring/decimal"
)

// ErrConflict matches every ConflictError.
var ErrConflict = errors.New("pending change already resolved")

// ConflictError reports an attempt to resolve a change that is no longer
// pending. Nothing is mutated when it is returned.
type ConflictError struct {
	ID     int64
	Status models.ApprovalStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("pending change %d already %s", e.ID, e.Status)
}

// Is makes errors.Is(err, ErrConflict) true.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

const pendingColumns = `p.id, p.item_id, COALESCE(c.title, ''), p.old_price, p.new_price, p.percent_change,
	p.reason_code, p.validation_layer, p.details, p.status, p.flagged_at, p.reviewed_at, p.reviewed_by, p.admin_notes`

const pendingFrom = ` FROM pending_price_changes p LEFT JOIN catalog_items c ON c.id = p.item_id`

func encodeDetails(details models.ValidationDetails) (string, error) {
	data, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode validation details: %w", err)
	}
	return string(data), nil
}

func scanPending(row rowScanner) (models.PendingPriceChange, error) {
	var (
		change   models.PendingPriceChange
		details  []byte
		status   string
		reviewed sql.NullTime
	)
	err := row.Scan(
		&change.ID, &change.ItemID, &change.ItemTitle, &change.OldPrice, &change.NewPrice, &change.PercentChange,
		&change.ReasonCode, &change.ValidationLayer, &details, &status, &change.FlaggedAt, &reviewed,
		&change.ReviewedBy, &change.AdminNotes,
	)
	if err != nil {
		return change, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &change.Details); err != nil {
			return change, fmt.Errorf("decode validation details: %w", err)
		}
	}
	change.Status = models.ApprovalStatus(status)
	change.FlaggedAt = change.FlaggedAt.UTC()
	if reviewed.Valid {
		t := reviewed.Time.UTC()
		change.ReviewedAt = &t
	}
	return change, nil
}

// GetPending loads one queue entry by id.
func (s *Store) GetPending(ctx context.Context, id int64) (models.PendingPriceChange, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+pendingColumns+pendingFrom+` WHERE p.id = ?`), id)
	change, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return change, fmt.Errorf("pending change %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return change, fmt.Errorf("get pending change %d: %w", id, err)
	}
	return change, nil
}

// ListPending pages through queue entries, newest first. An empty status
// lists every entry. total is the count before paging.
func (s *Store) ListPending(ctx context.Context, status models.ApprovalStatus, limit, offset int) (changes []models.PendingPriceChange, total int, err error) {
	var (
		where string
		args  []any
	)
	if status != "" {
		where = ` WHERE p.status = ?`
		args = append(args, string(status))
	}

	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*)`+pendingFrom+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pending changes: %w", err)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + pendingColumns + pendingFrom + where + ` ORDER BY p.flagged_at DESC, p.id DESC`)
	if limit > 0 {
		b.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, limit, max(offset, 0))
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(b.String()), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list pending changes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		change, err := scanPending(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan pending change: %w", err)
		}
		changes = append(changes, change)
	}
	return changes, total, rows.Err()
}

// PendingStats counts open entries and the decisions taken since since.
func (s *Store) PendingStats(ctx context.Context, since time.Time) (models.ApprovalStats, error) {
	since = since.UTC()
	var stats models.ApprovalStats
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'approved' AND reviewed_at >= ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'rejected' AND reviewed_at >= ? THEN 1 ELSE 0 END), 0),
		        COUNT(*)
		 FROM pending_price_changes`),
		since, since,
	).Scan(&stats.Pending, &stats.ApprovedToday, &stats.RejectedToday, &stats.TotalFlagged)
	if err != nil {
		return stats, fmt.Errorf("pending stats: %w", err)
	}
	return stats, nil
}

// Resolution is the outcome of ResolvePending.
type Resolution struct {
	Change  models.PendingPriceChange
	History *models.PriceHistoryEntry
}

// ResolvePending moves a pending entry to approved or rejected in one
// transaction. Approval applies the new price and appends an
// admin_override ledger entry; both decisions clear requires_approval.
// Entries that are no longer pending yield a *ConflictError.
func (s *Store) ResolvePending(ctx context.Context, id int64, decision models.ApprovalStatus, reviewer, notes string, at time.Time) (Resolution, error) {
	if !decision.Terminal() {
		return Resolution{}, fmt.Errorf("invalid decision %q", decision)
	}
	at = at.UTC()

	var out Resolution
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE pending_price_changes
			 SET status = ?, reviewed_at = ?, reviewed_by = ?, admin_notes = ?
			 WHERE id = ? AND status = 'pending'`),
			string(decision), at, reviewer, notes, id,
		)
		if err != nil {
			return fmt.Errorf("resolve pending change %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			var current string
			err := tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM pending_price_changes WHERE id = ?`), id).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("pending change %d: %w", id, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("read pending status %d: %w", id, err)
			}
			return &ConflictError{ID: id, Status: models.ApprovalStatus(current)}
		}

		change, err := scanPending(tx.QueryRowContext(ctx, s.rebind(`SELECT `+pendingColumns+pendingFrom+` WHERE p.id = ?`), id))
		if err != nil {
			return fmt.Errorf("reload pending change %d: %w", id, err)
		}
		out.Change = change

		if decision == models.ApprovalRejected {
			_, err := tx.ExecContext(ctx, s.rebind(
				`UPDATE catalog_items SET requires_approval = ?, updated_at = ? WHERE id = ?`),
				false, at, change.ItemID,
			)
			if err != nil {
				return fmt.Errorf("clear approval flag: %w", err)
			}
			return nil
		}

		var current decimal.Decimal
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT current_price FROM catalog_items WHERE id = ?`), change.ItemID).Scan(&current); err != nil {
			return fmt.Errorf("read item %d price: %w", change.ItemID, err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE catalog_items SET current_price = ?, requires_approval = ?, updated_at = ? WHERE id = ?`),
			change.NewPrice, false, at, change.ItemID,
		)
		if err != nil {
			return fmt.Errorf("apply approved price: %w", err)
		}

		note := fmt.Sprintf("approved by %s: %s", reviewer, change.ReasonCode)
		if notes != "" {
			note += " (" + notes + ")"
		}
		entry := models.NewHistoryEntry(change.ItemID, current, change.NewPrice, models.SourceAdminOverride, note)
		entry.RecordedAt = at
		entry.ID, err = s.appendHistory(ctx, tx, entry)
		if err != nil {
			return err
		}
		out.History = &entry
		return nil
	})
	return out, err
}
