// Package pipeline runs the daily price update: it selects eligible
// catalog items, fetches and classifies their prices and applies, flags
// or records each result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/aluiziolira/go-price-updater/classify"
	"github.com/aluiziolira/go-price-updater/config"
	"github.com/aluiziolira/go-price-updater/metrics"
	"github.com/aluiziolira/go-price-updater/models"
	"github.com/aluiziolira/go-price-updater/parser"
	"github.com/aluiziolira/go-price-updater/report"
	"github.com/aluiziolira/go-price-updater/scraper"
	"github.com/aluiziolira/go-price-updater/store"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// RunLockName is the lock row shared by every updater process.
const RunLockName = "daily_price_update"

// ErrRunInProgress is returned by Run while another run holds the lock.
var ErrRunInProgress = store.ErrRunInProgress

// Store is the persistence the orchestrator drives.
type Store interface {
	AcquireRunLock(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) error
	ReleaseRunLock(ctx context.Context, name, owner string) error
	ListEligibleItems(ctx context.Context, maxAttempts int, staleBefore time.Time) ([]models.CatalogItem, error)
	ApplyPrice(ctx context.Context, itemID int64, newPrice decimal.Decimal, note string, at time.Time) (models.PriceHistoryEntry, error)
	MarkChecked(ctx context.Context, itemID int64, status models.PriceStatus, note string, at time.Time) error
	RecordFailure(ctx context.Context, itemID int64, note string, maxAttempts int, at time.Time) (int, models.PriceStatus, error)
	FlagItem(ctx context.Context, change models.PendingPriceChange, note string, at time.Time) (int64, bool, error)
}

// PriceFetcher observes the current price of a product page.
type PriceFetcher interface {
	Fetch(ctx context.Context, link string) scraper.Result
}

// OutcomeWriter receives per-item outcomes as they are produced.
type OutcomeWriter interface {
	Write(outcomes []models.ItemOutcome) error
	Close() error
	Validate() error
}

// WriterFactory opens the outcome writer of one run. It returns a nil
// writer when outcomes are not persisted.
type WriterFactory func() (OutcomeWriter, error)

// Orchestrator runs update passes over the catalog.
type Orchestrator struct {
	cfg        *config.Config
	store      Store
	fetcher    PriceFetcher
	classifier *classify.Classifier
	metrics    *metrics.Metrics
	newWriter  WriterFactory

	now    func() time.Time
	jitter func(limit time.Duration) time.Duration
}

// New wires an orchestrator. m and newWriter may be nil.
func New(cfg *config.Config, st Store, f PriceFetcher, c *classify.Classifier, m *metrics.Metrics, newWriter WriterFactory) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		fetcher:    f,
		classifier: c,
		metrics:    m,
		newWriter:  newWriter,
		now:        time.Now,
		jitter: func(limit time.Duration) time.Duration {
			if limit <= 0 {
				return 0
			}
			return rand.N(limit)
		},
	}
}

// run is the state of one pass.
type run struct {
	id      string
	stats   *report.Stats
	limiter *rate.Limiter
	cache   *lru.Cache[string, scraper.Result]
	flight  singleflight.Group
	writer  OutcomeWriter
}

// Run performs one update pass. Cancelling ctx stops dispatching new items;
// in-flight items finish their writes and the rest are reported as
// skipped. The summary is returned even when ctx was cancelled.
func (o *Orchestrator) Run(ctx context.Context) (models.RunSummary, error) {
	runID := uuid.NewString()
	startedAt := o.now()

	if err := o.store.AcquireRunLock(ctx, RunLockName, runID, o.cfg.RunLockTTL, startedAt); err != nil {
		return models.RunSummary{}, err
	}
	defer func() {
		if err := o.store.ReleaseRunLock(context.WithoutCancel(ctx), RunLockName, runID); err != nil {
			slog.Error("release run lock", slog.String("run_id", runID), slog.Any("error", err))
		}
	}()

	items, err := o.store.ListEligibleItems(ctx, o.cfg.MaxAttempts, startedAt.Add(-o.cfg.FreshnessWindow))
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("list eligible items: %w", err)
	}

	cache, err := lru.New[string, scraper.Result](max(o.cfg.CacheSize, 1))
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("create fetch cache: %w", err)
	}
	r := &run{
		id:      runID,
		stats:   report.NewStats(runID, len(items), startedAt),
		limiter: newLimiter(o.cfg.Delay),
		cache:   cache,
	}
	if o.newWriter != nil {
		if r.writer, err = o.newWriter(); err != nil {
			return models.RunSummary{}, fmt.Errorf("open outcome writer: %w", err)
		}
	}

	workers := max(o.cfg.Workers, 1)
	slog.Info("starting price update",
		slog.String("run_id", runID),
		slog.Int("eligible_items", len(items)),
		slog.Int("workers", workers),
	)

	var g errgroup.Group
	g.SetLimit(workers)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o.processItem(ctx, r, item)
			return nil
		})
	}
	_ = g.Wait()

	if r.writer != nil {
		if err := r.writer.Close(); err != nil {
			slog.Error("close outcome writer", slog.String("run_id", runID), slog.Any("error", err))
		}
	}

	summary := r.stats.Finish(o.now())
	o.metrics.ObserveRun(summary.SuccessRate, summary.ExecutionTime, summary.FinishedAt)
	slog.Info("price update finished",
		slog.String("run_id", runID),
		slog.Int("updated", summary.UpdatedItems),
		slog.Int("unchanged", summary.UnchangedItems),
		slog.Int("flagged", summary.FlaggedItems),
		slog.Int("out_of_stock", summary.OutOfStockItems),
		slog.Int("errors", summary.ErrorItems),
		slog.Int("skipped", summary.SkippedItems),
		slog.Duration("duration", summary.ExecutionTime),
	)

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("price update interrupted: %w", err)
	}
	return summary, nil
}

func newLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// processItem takes one item from fetch to persisted outcome. Items whose
// fetch never started because the run was cancelled produce no outcome.
func (o *Orchestrator) processItem(ctx context.Context, r *run, item models.CatalogItem) {
	out := models.ItemOutcome{
		RunID:    r.id,
		ItemID:   item.ID,
		Title:    item.Title,
		URL:      item.URL,
		OldPrice: item.CurrentPrice,
		NewPrice: item.CurrentPrice,
	}
	writeCtx := context.WithoutCancel(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("item processing panicked",
				slog.String("run_id", r.id),
				slog.Int64("item_id", item.ID),
				slog.Any("panic", rec),
			)
			out.Outcome = models.OutcomeError
			out.ErrorType = "panic"
			out.Note = fmt.Sprint(rec)
			out.CheckedAt = o.now()
			if _, _, err := o.store.RecordFailure(writeCtx, item.ID, "internal error: "+out.Note, o.cfg.MaxAttempts, out.CheckedAt); err != nil {
				slog.Error("record failure", slog.Int64("item_id", item.ID), slog.Any("error", err))
			}
			o.record(r, out)
		}
	}()

	res, ok := o.fetch(ctx, r, item.URL)
	if !ok {
		return
	}
	out.Attempts = res.Attempts
	out.CheckedAt = o.now()
	out.Note = res.Note

	var err error
	switch {
	case res.Err != nil:
		err = o.recordFailure(writeCtx, item, res, &out)
	case res.Status == models.StatusOutOfStock:
		out.Outcome = models.OutcomeOutOfStock
		err = o.store.MarkChecked(writeCtx, item.ID, models.StatusOutOfStock, res.Note, out.CheckedAt)
	default:
		out.NewPrice = res.Price.Decimal
		err = o.applyObservation(writeCtx, item, res, &out)
	}
	if err != nil {
		slog.Error("persist item outcome",
			slog.String("run_id", r.id),
			slog.Int64("item_id", item.ID),
			slog.String("outcome", string(out.Outcome)),
			slog.Any("error", err),
		)
		out.Outcome = models.OutcomeError
		out.ErrorType = "store"
		out.Note = err.Error()
	}
	o.record(r, out)
}

// fetch returns the observation for link, sharing one fetch between items
// that point at the same canonical product page. It returns false when
// the run was cancelled before the fetch could start.
func (o *Orchestrator) fetch(ctx context.Context, r *run, link string) (scraper.Result, bool) {
	key := parser.CanonicalURL(link, o.cfg.MarketplaceBaseURL)
	if res, ok := r.cache.Get(key); ok {
		slog.Debug("fetch cache hit", slog.String("url", key))
		return res, true
	}

	v, err, _ := r.flight.Do(key, func() (any, error) {
		if res, ok := r.cache.Get(key); ok {
			return res, nil
		}
		if err := o.politeWait(ctx, r.limiter); err != nil {
			return nil, err
		}
		res := o.fetcher.Fetch(ctx, link)
		if res.ErrorType == "cancelled" {
			return nil, res.Err
		}
		r.cache.Add(key, res)
		return res, nil
	})
	if err != nil {
		return scraper.Result{}, false
	}
	return v.(scraper.Result), true
}

// politeWait spaces requests by the shared limiter plus random jitter.
func (o *Orchestrator) politeWait(ctx context.Context, limiter *rate.Limiter) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	d := o.jitter(o.cfg.RandomDelay)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, item models.CatalogItem, res scraper.Result, out *models.ItemOutcome) error {
	out.Outcome = models.OutcomeError
	out.ErrorType = res.ErrorType
	attempts, status, err := o.store.RecordFailure(ctx, item.ID, res.Note, o.cfg.MaxAttempts, out.CheckedAt)
	if err != nil {
		return err
	}
	slog.Warn("price fetch failed",
		slog.Int64("item_id", item.ID),
		slog.String("category", res.ErrorType),
		slog.Int("consecutive_failures", attempts),
		slog.String("status", string(status)),
		slog.String("note", res.Note),
	)
	return nil
}

func (o *Orchestrator) applyObservation(ctx context.Context, item models.CatalogItem, res scraper.Result, out *models.ItemOutcome) error {
	newPrice := res.Price.Decimal
	decision := o.classifier.Classify(item.CurrentPrice, newPrice)

	if !decision.Accepted {
		out.Outcome = models.OutcomeFlagged
		out.Note = decision.ReasonCode
		id, created, err := o.store.FlagItem(ctx, models.PendingPriceChange{
			ItemID:          item.ID,
			OldPrice:        item.CurrentPrice,
			NewPrice:        newPrice,
			PercentChange:   decision.PercentChange.Decimal,
			ReasonCode:      decision.ReasonCode,
			ValidationLayer: decision.ValidationLayer,
			Details:         decision.Details,
		}, "flagged: "+decision.ReasonCode, out.CheckedAt)
		if err != nil {
			return err
		}
		slog.Warn("price change flagged for approval",
			slog.Int64("item_id", item.ID),
			slog.Int64("pending_id", id),
			slog.Bool("new_entry", created),
			slog.String("old_price", item.CurrentPrice.StringFixed(2)),
			slog.String("new_price", newPrice.StringFixed(2)),
			slog.String("reason", decision.ReasonCode),
		)
		return nil
	}

	if newPrice.Equal(item.CurrentPrice) {
		out.Outcome = models.OutcomeUnchanged
		return o.store.MarkChecked(ctx, item.ID, models.StatusActive, res.Note, out.CheckedAt)
	}

	out.Outcome = models.OutcomeUpdated
	entry, err := o.store.ApplyPrice(ctx, item.ID, newPrice, res.Note, out.CheckedAt)
	if err != nil {
		return err
	}
	direction := "increase"
	if entry.Delta.IsNegative() {
		direction = "decrease"
	}
	o.metrics.IncPriceChange(direction)
	slog.Info("price updated",
		slog.Int64("item_id", item.ID),
		slog.String("old_price", entry.OldPrice.StringFixed(2)),
		slog.String("new_price", entry.NewPrice.StringFixed(2)),
		slog.String("layer", decision.ValidationLayer),
	)
	return nil
}

func (o *Orchestrator) record(r *run, out models.ItemOutcome) {
	r.stats.Record(out)
	o.metrics.IncOutcome(string(out.Outcome))
	if r.writer == nil {
		return
	}
	if err := r.writer.Write([]models.ItemOutcome{out}); err != nil {
		slog.Warn("write item outcome", slog.Int64("item_id", out.ItemID), slog.Any("error", err))
	}
}
