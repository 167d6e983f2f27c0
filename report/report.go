package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aluiziolira/go-price-updater/models"
)

const separator = "--------------------------------------------------"

// FormatSummary renders a run summary for the terminal.
func FormatSummary(s models.RunSummary) string {
	var b strings.Builder
	fmt.Fprintln(&b, separator)
	fmt.Fprintf(&b, "Price update %s\n", s.RunID)
	fmt.Fprintf(&b, "  Eligible items: %d\n", s.TotalItems)
	fmt.Fprintf(&b, "  Updated:        %d\n", s.UpdatedItems)
	fmt.Fprintf(&b, "  Unchanged:      %d\n", s.UnchangedItems)
	fmt.Fprintf(&b, "  Flagged:        %d\n", s.FlaggedItems)
	fmt.Fprintf(&b, "  Out of stock:   %d\n", s.OutOfStockItems)
	fmt.Fprintf(&b, "  Errors:         %d\n", s.ErrorItems)
	if s.SkippedItems > 0 {
		fmt.Fprintf(&b, "  Skipped:        %d\n", s.SkippedItems)
	}
	fmt.Fprintf(&b, "  Success rate:   %.1f%%\n", s.SuccessRate)
	fmt.Fprintf(&b, "  Increases:      %d\n", s.PriceIncreases)
	fmt.Fprintf(&b, "  Decreases:      %d\n", s.PriceDecreases)
	net := s.NetPriceChange.StringFixed(2)
	if s.NetPriceChange.IsPositive() {
		net = "+" + net
	}
	fmt.Fprintf(&b, "  Net change:     %s\n", net)
	if len(s.ErrorsByType) > 0 {
		fmt.Fprintf(&b, "  Error types:    %s\n", formatCounts(s.ErrorsByType))
	}
	fmt.Fprintf(&b, "  Duration:       %v\n", s.ExecutionTime.Round(time.Millisecond))
	fmt.Fprint(&b, separator)
	return b.String()
}

// Alerts lists the operator warnings raised by a summary. A success rate
// below minSuccessRate usually means price extraction broke.
func Alerts(s models.RunSummary, minSuccessRate float64) []string {
	var alerts []string
	processed := s.Processed()
	if processed > 0 && s.ErrorItems == processed {
		alerts = append(alerts, fmt.Sprintf("every fetch failed (%d errors: %s)", s.ErrorItems, formatCounts(s.ErrorsByType)))
	} else if processed > 0 && s.SuccessRate < minSuccessRate {
		alerts = append(alerts, fmt.Sprintf("success rate %.1f%% is below the %.1f%% threshold; price extraction may be broken", s.SuccessRate, minSuccessRate))
	}
	if s.SkippedItems > 0 {
		alerts = append(alerts, fmt.Sprintf("%d items were skipped before the run stopped", s.SkippedItems))
	}
	if s.FlaggedItems > 0 {
		alerts = append(alerts, fmt.Sprintf("%d price changes are waiting for approval", s.FlaggedItems))
	}
	return alerts
}

type summaryFile struct {
	Timestamp  time.Time         `json:"timestamp"`
	Statistics models.RunSummary `json:"statistics"`
}

// WriteSummaryFile stores s as price_update_report_<timestamp>.json in
// dir and returns the file path.
func WriteSummaryFile(dir string, s models.RunSummary) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report directory %q: %w", dir, err)
	}

	at := s.FinishedAt
	if at.IsZero() {
		at = time.Now()
	}
	path := filepath.Join(dir, fmt.Sprintf("price_update_report_%s.json", at.Format("20060102_150405")))

	data, err := json.MarshalIndent(summaryFile{Timestamp: at, Statistics: s}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write report %q: %w", path, err)
	}
	return path, nil
}

// FormatOverview renders the catalog health snapshot.
func FormatOverview(o models.CatalogOverview) string {
	var b strings.Builder
	fmt.Fprintln(&b, separator)
	fmt.Fprintln(&b, "Catalog overview")
	fmt.Fprintf(&b, "  Total items:       %d\n", o.TotalItems)
	fmt.Fprintf(&b, "  Active:            %d\n", o.ActiveItems)
	fmt.Fprintf(&b, "  Out of stock:      %d\n", o.OutOfStockItems)
	fmt.Fprintf(&b, "  Error:             %d\n", o.ErrorItems)
	fmt.Fprintf(&b, "  Disabled:          %d\n", o.DisabledItems)
	fmt.Fprintf(&b, "  Never checked:     %d\n", o.NeverChecked)
	fmt.Fprintf(&b, "  Checked today:     %d\n", o.CheckedToday)
	fmt.Fprintf(&b, "  Stale (>48h):      %d\n", o.StaleItems)
	fmt.Fprintf(&b, "  High error count:  %d\n", o.HighErrorCount)
	fmt.Fprintf(&b, "  Retries exhausted: %d\n", o.ExhaustedItems)
	fmt.Fprintf(&b, "  Pending approvals: %d\n", o.PendingApprovals)
	fmt.Fprint(&b, separator)
	return b.String()
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
