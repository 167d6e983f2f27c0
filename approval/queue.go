// Package approval is the reviewer surface of flagged price changes.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-price-updater/metrics"
	"github.com/aluiziolira/go-price-updater/models"
	"github.com/aluiziolira/go-price-updater/store"
)

// ConflictError is returned when a change was already resolved.
type ConflictError = store.ConflictError

var (
	// ErrConflict matches any ConflictError via errors.Is.
	ErrConflict = store.ErrConflict
	// ErrNotFound reports an unknown pending change id.
	ErrNotFound = store.ErrNotFound
	// ErrInvalidFilter reports an unknown status filter.
	ErrInvalidFilter = errors.New("invalid status filter")
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Repository is the persistence the queue needs.
type Repository interface {
	ListPending(ctx context.Context, status models.ApprovalStatus, limit, offset int) ([]models.PendingPriceChange, int, error)
	GetPending(ctx context.Context, id int64) (models.PendingPriceChange, error)
	PendingStats(ctx context.Context, since time.Time) (models.ApprovalStats, error)
	ResolvePending(ctx context.Context, id int64, decision models.ApprovalStatus, reviewer, notes string, at time.Time) (store.Resolution, error)
	ListHistory(ctx context.Context, itemID int64, limit int) ([]models.PriceHistoryEntry, error)
}

// Filter selects queue entries. Status "all" lists every entry; the
// empty status means pending.
type Filter struct {
	Status string
	Limit  int
	Offset int
}

// Page is one slice of the queue plus the reviewer counters.
type Page struct {
	Items  []models.PendingPriceChange `json:"items"`
	Total  int                         `json:"total"`
	Limit  int                         `json:"limit"`
	Offset int                         `json:"offset"`
	Stats  models.ApprovalStats        `json:"stats"`
}

// BulkResult is the per-id outcome of a bulk decision.
type BulkResult struct {
	ID     int64                 `json:"id"`
	Status models.ApprovalStatus `json:"status,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// Queue applies reviewer decisions.
type Queue struct {
	repo    Repository
	metrics *metrics.Metrics
	loc     *time.Location
	now     func() time.Time
}

// NewQueue builds a queue over repo. "Today" in the statistics starts at
// midnight in loc.
func NewQueue(repo Repository, m *metrics.Metrics, loc *time.Location) *Queue {
	if loc == nil {
		loc = time.Local
	}
	return &Queue{repo: repo, metrics: m, loc: loc, now: time.Now}
}

// List returns a page of entries with the current statistics.
func (q *Queue) List(ctx context.Context, f Filter) (Page, error) {
	var status models.ApprovalStatus
	switch f.Status {
	case "", string(models.ApprovalPending):
		status = models.ApprovalPending
	case "all":
	case string(models.ApprovalApproved), string(models.ApprovalRejected):
		status = models.ApprovalStatus(f.Status)
	default:
		return Page{}, fmt.Errorf("%w: %q", ErrInvalidFilter, f.Status)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)
	offset := max(f.Offset, 0)

	items, total, err := q.repo.ListPending(ctx, status, limit, offset)
	if err != nil {
		return Page{}, err
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []models.PendingPriceChange{}
	}
	return Page{Items: items, Total: total, Limit: limit, Offset: offset, Stats: stats}, nil
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, id int64) (models.PendingPriceChange, error) {
	return q.repo.GetPending(ctx, id)
}

// Stats counts pending entries and today's decisions.
func (q *Queue) Stats(ctx context.Context) (models.ApprovalStats, error) {
	now := q.now().In(q.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, q.loc)
	return q.repo.PendingStats(ctx, midnight)
}

// Approve applies the flagged price and records an admin_override entry.
func (q *Queue) Approve(ctx context.Context, id int64, reviewer, notes string) (store.Resolution, error) {
	return q.resolve(ctx, id, models.ApprovalApproved, reviewer, notes)
}

// Reject closes the entry without touching the price.
func (q *Queue) Reject(ctx context.Context, id int64, reviewer, notes string) (store.Resolution, error) {
	return q.resolve(ctx, id, models.ApprovalRejected, reviewer, notes)
}

// BulkApprove approves each id independently.
func (q *Queue) BulkApprove(ctx context.Context, ids []int64, reviewer, notes string) []BulkResult {
	return q.bulk(ctx, ids, models.ApprovalApproved, reviewer, notes)
}

// BulkReject rejects each id independently.
func (q *Queue) BulkReject(ctx context.Context, ids []int64, reviewer, notes string) []BulkResult {
	return q.bulk(ctx, ids, models.ApprovalRejected, reviewer, notes)
}

// History lists ledger entries for an item, or all items when itemID is 0.
func (q *Queue) History(ctx context.Context, itemID int64, limit int) ([]models.PriceHistoryEntry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return q.repo.ListHistory(ctx, itemID, min(limit, maxLimit))
}

func (q *Queue) resolve(ctx context.Context, id int64, decision models.ApprovalStatus, reviewer, notes string) (store.Resolution, error) {
	if reviewer == "" {
		reviewer = "admin"
	}
	res, err := q.repo.ResolvePending(ctx, id, decision, reviewer, notes, q.now())
	if err != nil {
		return res, err
	}
	q.metrics.IncApproval(string(decision))
	slog.Info("price change resolved",
		slog.Int64("pending_id", id),
		slog.Int64("item_id", res.Change.ItemID),
		slog.String("decision", string(decision)),
		slog.String("reviewer", reviewer),
		slog.String("new_price", res.Change.NewPrice.StringFixed(2)),
	)
	return res, nil
}

func (q *Queue) bulk(ctx context.Context, ids []int64, decision models.ApprovalStatus, reviewer, notes string) []BulkResult {
	results := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		res, err := q.resolve(ctx, id, decision, reviewer, notes)
		if err != nil {
			slog.Warn("bulk resolve failed",
				slog.Int64("pending_id", id),
				slog.String("decision", string(decision)),
				slog.Any("error", err),
			)
			results = append(results, BulkResult{ID: id, Error: err.Error()})
			continue
		}
		results = append(results, BulkResult{ID: id, Status: res.Change.Status})
	}
	return results
}
