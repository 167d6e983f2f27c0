package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aluiziolira/go-price-updater/models"
	"github.com/shopspring/decimal"
)

const itemColumns = `id, title, url, current_price, price_status, last_checked_at, last_successful_fetch_at,
	consecutive_failed_attempts, requires_approval, last_fetch_note`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (models.CatalogItem, error) {
	var (
		item          models.CatalogItem
		status        string
		lastChecked   sql.NullTime
		lastSucceeded sql.NullTime
	)
	err := row.Scan(
		&item.ID, &item.Title, &item.URL, &item.CurrentPrice, &status, &lastChecked, &lastSucceeded,
		&item.ConsecutiveFailedAttempts, &item.RequiresApproval, &item.LastFetchNote,
	)
	if err != nil {
		return item, err
	}
	item.PriceStatus = models.PriceStatus(status)
	if lastChecked.Valid {
		t := lastChecked.Time.UTC()
		item.LastCheckedAt = &t
	}
	if lastSucceeded.Valid {
		t := lastSucceeded.Time.UTC()
		item.LastSuccessfulFetchAt = &t
	}
	return item, nil
}

// UpsertItem registers a catalog item keyed by URL. The price only seeds
// new rows; existing rows keep the price owned by the updater.
func (s *Store) UpsertItem(ctx context.Context, title, url string, price decimal.Decimal) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO catalog_items (title, url, current_price, price_status, created_at, updated_at)
		 VALUES (?, ?, ?, 'active', ?, ?)
		 ON CONFLICT (url) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at
		 RETURNING id`),
		title, url, price, now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert item %q: %w", url, err)
	}
	return id, nil
}

// GetItem loads one item by id.
func (s *Store) GetItem(ctx context.Context, id int64) (models.CatalogItem, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+itemColumns+` FROM catalog_items WHERE id = ?`), id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return item, fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return item, fmt.Errorf("get item %d: %w", id, err)
	}
	return item, nil
}

// ListItems returns every catalog item ordered by id.
func (s *Store) ListItems(ctx context.Context) ([]models.CatalogItem, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM catalog_items ORDER BY id`)
}

// ListEligibleItems returns the items due for a check: not disabled,
// below maxAttempts consecutive failures, and never checked or last
// checked before staleBefore.
func (s *Store) ListEligibleItems(ctx context.Context, maxAttempts int, staleBefore time.Time) ([]models.CatalogItem, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM catalog_items
		 WHERE price_status <> 'disabled'
		   AND consecutive_failed_attempts < ?
		   AND (last_checked_at IS NULL OR last_checked_at < ?)
		 ORDER BY last_checked_at IS NOT NULL, last_checked_at, id`,
		maxAttempts, staleBefore.UTC(),
	)
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]models.CatalogItem, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []models.CatalogItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ApplyPrice writes an accepted price, marks the fetch successful and
// appends an automated ledger entry in one transaction.
func (s *Store) ApplyPrice(ctx context.Context, itemID int64, newPrice decimal.Decimal, note string, at time.Time) (models.PriceHistoryEntry, error) {
	at = at.UTC()
	var entry models.PriceHistoryEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var oldPrice decimal.Decimal
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT current_price FROM catalog_items WHERE id = ?`), itemID).Scan(&oldPrice)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("item %d: %w", itemID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read price: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE catalog_items
			 SET current_price = ?, price_status = 'active', last_checked_at = ?, last_successful_fetch_at = ?,
			     consecutive_failed_attempts = 0, last_fetch_note = ?, updated_at = ?
			 WHERE id = ?`),
			newPrice, at, at, note, at, itemID,
		)
		if err != nil {
			return fmt.Errorf("update price: %w", err)
		}

		entry = models.NewHistoryEntry(itemID, oldPrice, newPrice, models.SourceAutomated, note)
		entry.RecordedAt = at
		entry.ID, err = s.appendHistory(ctx, tx, entry)
		return err
	})
	return entry, err
}

// MarkChecked records a successful fetch that did not change the price.
// status is active for an unchanged price or out_of_stock; the price is
// left as it was.
func (s *Store) MarkChecked(ctx context.Context, itemID int64, status models.PriceStatus, note string, at time.Time) error {
	if status != models.StatusActive && status != models.StatusOutOfStock {
		return fmt.Errorf("mark checked: unexpected status %q", status)
	}
	at = at.UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE catalog_items
		 SET price_status = ?, last_checked_at = ?, last_successful_fetch_at = ?,
		     consecutive_failed_attempts = 0, last_fetch_note = ?, updated_at = ?
		 WHERE id = ?`),
		string(status), at, at, note, at, itemID,
	)
	if err != nil {
		return fmt.Errorf("mark checked %d: %w", itemID, err)
	}
	return expectRow(res, itemID)
}

// RecordFailure counts a failed fetch. The item moves to status error once
// its consecutive failures reach maxAttempts. It returns the new counter
// and status.
func (s *Store) RecordFailure(ctx context.Context, itemID int64, note string, maxAttempts int, at time.Time) (int, models.PriceStatus, error) {
	at = at.UTC()
	var (
		attempts int
		status   string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`UPDATE catalog_items
		 SET consecutive_failed_attempts = consecutive_failed_attempts + 1,
		     price_status = CASE WHEN consecutive_failed_attempts + 1 >= ? AND price_status <> 'disabled'
		                         THEN 'error' ELSE price_status END,
		     last_checked_at = ?, last_fetch_note = ?, updated_at = ?
		 WHERE id = ?
		 RETURNING consecutive_failed_attempts, price_status`),
		maxAttempts, at, note, at, itemID,
	).Scan(&attempts, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", fmt.Errorf("item %d: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return 0, "", fmt.Errorf("record failure %d: %w", itemID, err)
	}
	return attempts, models.PriceStatus(status), nil
}

// FlagItem opens a pending change for the item and marks it as requiring
// approval; the catalog price is not touched. When an open entry already
// exists no second one is created and created is false.
func (s *Store) FlagItem(ctx context.Context, change models.PendingPriceChange, note string, at time.Time) (id int64, created bool, err error) {
	at = at.UTC()
	details, err := encodeDetails(change.Details)
	if err != nil {
		return 0, false, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		insertErr := tx.QueryRowContext(ctx, s.rebind(
			`INSERT INTO pending_price_changes
			 (item_id, old_price, new_price, percent_change, reason_code, validation_layer, details, status, flagged_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)
			 ON CONFLICT (item_id) WHERE status = 'pending' DO NOTHING
			 RETURNING id`),
			change.ItemID, change.OldPrice, change.NewPrice, change.PercentChange,
			change.ReasonCode, change.ValidationLayer, details, at,
		).Scan(&id)
		switch {
		case insertErr == nil:
			created = true
		case errors.Is(insertErr, sql.ErrNoRows):
			if err := tx.QueryRowContext(ctx, s.rebind(
				`SELECT id FROM pending_price_changes WHERE item_id = ? AND status = 'pending'`),
				change.ItemID,
			).Scan(&id); err != nil {
				return fmt.Errorf("find open pending change: %w", err)
			}
		default:
			return fmt.Errorf("insert pending change: %w", insertErr)
		}

		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE catalog_items
			 SET requires_approval = ?, price_status = 'active', last_checked_at = ?, last_successful_fetch_at = ?,
			     consecutive_failed_attempts = 0, last_fetch_note = ?, updated_at = ?
			 WHERE id = ?`),
			true, at, at, note, at, change.ItemID,
		)
		if err != nil {
			return fmt.Errorf("flag item: %w", err)
		}
		return expectRow(res, change.ItemID)
	})
	return id, created, err
}

// ResetFailures clears the failure counter so the item is scheduled again.
// Items parked in status error return to active.
func (s *Store) ResetFailures(ctx context.Context, itemID int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE catalog_items
		 SET consecutive_failed_attempts = 0,
		     price_status = CASE WHEN price_status = 'error' THEN 'active' ELSE price_status END,
		     updated_at = ?
		 WHERE id = ?`),
		time.Now().UTC(), itemID,
	)
	if err != nil {
		return fmt.Errorf("reset item %d: %w", itemID, err)
	}
	return expectRow(res, itemID)
}

// SetItemStatus overrides the status, typically to disable or re-enable
// an item.
func (s *Store) SetItemStatus(ctx context.Context, itemID int64, status models.PriceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE catalog_items SET price_status = ?, updated_at = ? WHERE id = ?`),
		string(status), time.Now().UTC(), itemID,
	)
	if err != nil {
		return fmt.Errorf("set status %d: %w", itemID, err)
	}
	return expectRow(res, itemID)
}

// Overview summarizes catalog health relative to now.
func (s *Store) Overview(ctx context.Context, now time.Time, maxAttempts int) (models.CatalogOverview, error) {
	now = now.UTC()
	var o models.CatalogOverview
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN price_status = 'active' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN price_status = 'out_of_stock' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN price_status = 'error' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN price_status = 'disabled' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN last_checked_at IS NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN last_checked_at >= ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN last_checked_at < ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN consecutive_failed_attempts >= 3 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN consecutive_failed_attempts >= ? THEN 1 ELSE 0 END), 0)
		 FROM catalog_items`),
		now.Add(-24*time.Hour), now.Add(-48*time.Hour), maxAttempts,
	).Scan(
		&o.TotalItems, &o.ActiveItems, &o.OutOfStockItems, &o.ErrorItems, &o.DisabledItems,
		&o.NeverChecked, &o.CheckedToday, &o.StaleItems, &o.HighErrorCount, &o.ExhaustedItems,
	)
	if err != nil {
		return o, fmt.Errorf("catalog overview: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_price_changes WHERE status = 'pending'`,
	).Scan(&o.PendingApprovals)
	if err != nil {
		return o, fmt.Errorf("count pending: %w", err)
	}
	return o, nil
}

func expectRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	return nil
}
