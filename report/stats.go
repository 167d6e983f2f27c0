// Package report aggregates per-item outcomes into a run summary and
// renders it for operators.
package report

import (
	"sync"
	"time"

	"github.com/aluiziolira/go-price-updater/models"
	"github.com/shopspring/decimal"
)

// Stats collects item outcomes from concurrent workers.
type Stats struct {
	mu      sync.Mutex
	summary models.RunSummary
}

// NewStats starts a summary for a run over total eligible items.
func NewStats(runID string, total int, startedAt time.Time) *Stats {
	return &Stats{summary: models.RunSummary{
		RunID:          runID,
		TotalItems:     total,
		NetPriceChange: decimal.Zero,
		ErrorsByType:   make(map[string]int),
		StartedAt:      startedAt,
	}}
}

// Record adds one item outcome. Each item lands in exactly one bucket.
func (s *Stats) Record(o models.ItemOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch o.Outcome {
	case models.OutcomeUpdated:
		s.summary.UpdatedItems++
		delta := o.NewPrice.Sub(o.OldPrice)
		switch delta.Sign() {
		case 1:
			s.summary.PriceIncreases++
		case -1:
			s.summary.PriceDecreases++
		}
		s.summary.NetPriceChange = s.summary.NetPriceChange.Add(delta)
	case models.OutcomeUnchanged:
		s.summary.UnchangedItems++
	case models.OutcomeFlagged:
		s.summary.FlaggedItems++
	case models.OutcomeOutOfStock:
		s.summary.OutOfStockItems++
	case models.OutcomeError:
		s.summary.ErrorItems++
		label := o.ErrorType
		if label == "" {
			label = "other"
		}
		s.summary.ErrorsByType[label]++
	default:
		s.summary.SkippedItems++
	}
}

// Snapshot returns a copy of the running totals.
func (s *Stats) Snapshot() models.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Finish closes the summary at finishedAt. Items that never reached an
// outcome are counted as skipped.
func (s *Stats) Finish(finishedAt time.Time) models.RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	if missing := s.summary.TotalItems - s.summary.Processed() - s.summary.SkippedItems; missing > 0 {
		s.summary.SkippedItems += missing
	}
	s.summary.FinishedAt = finishedAt
	s.summary.ExecutionTime = finishedAt.Sub(s.summary.StartedAt)
	s.summary.SuccessRate = SuccessRate(s.summary)
	return s.copyLocked()
}

func (s *Stats) copyLocked() models.RunSummary {
	out := s.summary
	out.ErrorsByType = make(map[string]int, len(s.summary.ErrorsByType))
	for k, v := range s.summary.ErrorsByType {
		out.ErrorsByType[k] = v
	}
	return out
}

// SuccessRate is the percentage of processed items that did not fail.
// It is 0 when nothing was processed.
func SuccessRate(s models.RunSummary) float64 {
	processed := s.Processed()
	if processed == 0 {
		return 0
	}
	return float64(processed-s.ErrorItems) / float64(processed) * 100
}
