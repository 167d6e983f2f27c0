package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aluiziolira/go-price-updater/models"
)

// appendHistory inserts a ledger entry inside tx. The table is only ever
// written through this function.
func (s *Store) appendHistory(ctx context.Context, tx *sql.Tx, entry models.PriceHistoryEntry) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.rebind(
		`INSERT INTO price_history (item_id, old_price, new_price, delta, percent_change, source, recorded_at, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		entry.ItemID, entry.OldPrice, entry.NewPrice, entry.Delta, entry.PercentChange,
		string(entry.Source), entry.RecordedAt.UTC(), entry.Notes,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append history for item %d: %w", entry.ItemID, err)
	}
	return id, nil
}

// ListHistory returns ledger entries newest first. itemID 0 lists all
// items; limit <= 0 means no limit.
func (s *Store) ListHistory(ctx context.Context, itemID int64, limit int) ([]models.PriceHistoryEntry, error) {
	query := `SELECT id, item_id, old_price, new_price, delta, percent_change, source, recorded_at, notes
		FROM price_history`
	var args []any
	if itemID > 0 {
		query += ` WHERE item_id = ?`
		args = append(args, itemID)
	}
	query += ` ORDER BY recorded_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []models.PriceHistoryEntry
	for rows.Next() {
		var (
			entry  models.PriceHistoryEntry
			source string
		)
		if err := rows.Scan(
			&entry.ID, &entry.ItemID, &entry.OldPrice, &entry.NewPrice, &entry.Delta,
			&entry.PercentChange, &source, &entry.RecordedAt, &entry.Notes,
		); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.Source = models.ChangeSource(source)
		entry.RecordedAt = entry.RecordedAt.UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
