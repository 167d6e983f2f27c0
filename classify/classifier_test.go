package classify

import (
	"testing"

	"github.com/aluiziolira/go-price-updater/config"
	"github.com/shopspring/decimal"
)

func mustClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(config.DefaultConfig())
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	return c
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestClassifyExtremeIncreaseIsFlagged(t *testing.T) {
	c := mustClassifier(t)

	decision := c.Classify(d("12.89"), d("102.99"))
	if decision.Accepted {
		t.Fatalf("expected flag for 12.89 -> 102.99")
	}
	if decision.ReasonCode != "extreme_change_699.0pct_exceeds_35pct_limit" {
		t.Fatalf("reason=%q", decision.ReasonCode)
	}
	if decision.ValidationLayer != LayerThreshold {
		t.Fatalf("layer=%q, want %q", decision.ValidationLayer, LayerThreshold)
	}
	if decision.Tier != "low_value" || decision.Details.Tier != "low_value" {
		t.Fatalf("tier=%q details=%q, want low_value", decision.Tier, decision.Details.Tier)
	}
	if got := decision.PercentChange.Decimal.StringFixed(2); got != "698.99" {
		t.Fatalf("percent=%s, want 698.99", got)
	}
	if !decision.Details.MaxAllowedPercent.Equal(d("35")) {
		t.Fatalf("max allowed=%s, want 35", decision.Details.MaxAllowedPercent)
	}
}

func TestClassifyRoutineChangeIsAccepted(t *testing.T) {
	c := mustClassifier(t)

	decision := c.Classify(d("19.99"), d("21.99"))
	if !decision.Accepted {
		t.Fatalf("expected accept, got %q", decision.ReasonCode)
	}
	if decision.Tier != "low_value" {
		t.Fatalf("tier=%q, want low_value", decision.Tier)
	}
	if !decision.Details.MaxAllowedPercent.Equal(d("35")) {
		t.Fatalf("max allowed=%s, want 35", decision.Details.MaxAllowedPercent)
	}
	if got := decision.PercentChange.Decimal.StringFixed(2); got != "10.01" {
		t.Fatalf("percent=%s, want 10.01", got)
	}
}

func TestClassifyBoundaryIsInclusive(t *testing.T) {
	c := mustClassifier(t)

	tests := []struct {
		name     string
		old, new string
		accepted bool
	}{
		{name: "exactly at low_value limit", old: "10.00", new: "13.50", accepted: true},
		{name: "just over low_value limit", old: "10.00", new: "13.51", accepted: false},
		{name: "exactly at high_value decrease", old: "100.00", new: "85.00", accepted: true},
		{name: "just over high_value decrease", old: "100.00", new: "84.99", accepted: false},
		{name: "medium at limit", old: "20.00", new: "25.00", accepted: true},
		{name: "unchanged", old: "42.00", new: "42.00", accepted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := c.Classify(d(tt.old), d(tt.new))
			if decision.Accepted != tt.accepted {
				t.Fatalf("Classify(%s, %s) accepted=%v, want %v (reason %q)", tt.old, tt.new, decision.Accepted, tt.accepted, decision.ReasonCode)
			}
		})
	}
}

func TestTierSelection(t *testing.T) {
	c := mustClassifier(t)

	tests := []struct {
		old  string
		tier string
	}{
		{old: "50", tier: "high_value"},
		{old: "49.99", tier: "medium_value"},
		{old: "20", tier: "medium_value"},
		{old: "10", tier: "low_value"},
		{old: "9.99", tier: "micro_value"},
		{old: "0.50", tier: "micro_value"},
	}

	for _, tt := range tests {
		if got := c.TierFor(d(tt.old)).Name; got != tt.tier {
			t.Errorf("TierFor(%s)=%q, want %q", tt.old, got, tt.tier)
		}
	}
}

func TestClassifyFirstObservation(t *testing.T) {
	c := mustClassifier(t)

	decision := c.Classify(decimal.Zero, d("15.00"))
	if !decision.Accepted {
		t.Fatalf("zero old price must be accepted")
	}
	if decision.ValidationLayer != LayerFirstObservation {
		t.Fatalf("layer=%q", decision.ValidationLayer)
	}
	if decision.PercentChange.Valid {
		t.Fatalf("percent change should be null, got %s", decision.PercentChange.Decimal)
	}
}

func TestClassifySanityBand(t *testing.T) {
	c := mustClassifier(t)

	high := c.Classify(d("900.00"), d("1000.01"))
	if high.Accepted || high.ReasonCode != ReasonTooHigh || high.ValidationLayer != LayerSanity {
		t.Fatalf("high decision=%+v", high)
	}
	if high.Details.Bound != "1000" {
		t.Fatalf("bound=%q, want 1000", high.Details.Bound)
	}

	low := c.Classify(d("1.20"), d("0.99"))
	if low.Accepted || low.ReasonCode != ReasonTooLow {
		t.Fatalf("low decision=%+v", low)
	}

	// Items already above the band are judged by their tier.
	stable := c.Classify(d("1200.00"), d("1250.00"))
	if !stable.Accepted || stable.ValidationLayer != LayerThreshold {
		t.Fatalf("stable expensive item decision=%+v", stable)
	}
}

func TestClassifySanityDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxPlausiblePrice = 0
	cfg.MinPlausiblePrice = 0
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	decision := c.Classify(d("990.00"), d("1100.00"))
	if !decision.Accepted {
		t.Fatalf("11%% change on a high_value item should pass with the band off, got %q", decision.ReasonCode)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := mustClassifier(t)
	first := c.Classify(d("25.00"), d("40.00"))
	for i := 0; i < 10; i++ {
		again := c.Classify(d("25.00"), d("40.00"))
		if again.Accepted != first.Accepted || again.ReasonCode != first.ReasonCode || !again.PercentChange.Decimal.Equal(first.PercentChange.Decimal) {
			t.Fatalf("iteration %d differs: %+v vs %+v", i, again, first)
		}
	}
}

func TestPercentChange(t *testing.T) {
	pct, ok := PercentChange(d("50"), d("60"))
	if !ok || !pct.Equal(d("20")) {
		t.Fatalf("pct=%s ok=%v, want 20", pct, ok)
	}
	if _, ok := PercentChange(decimal.Zero, d("1")); ok {
		t.Fatalf("zero old price should be undefined")
	}
}

func TestNewWithTiersRequiresFloor(t *testing.T) {
	_, err := NewWithTiers([]Tier{{Name: "only", MinPrice: d("5"), MaxChangePercent: d("10")}}, decimal.Zero, decimal.Zero)
	if err == nil {
		t.Fatalf("expected error for table without zero floor")
	}
}
