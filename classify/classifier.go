// Package classify decides whether an observed price change is plausible
// enough to apply automatically.
package classify

import (
	"fmt"
	"sort"

	"github.com/aluiziolira/go-price-updater/config"
	"github.com/aluiziolira/go-price-updater/models"
	"github.com/shopspring/decimal"
)

// Validation layers recorded on decisions.
const (
	LayerFirstObservation = "first_observation"
	LayerSanity           = "sanity_checks"
	LayerThreshold        = "threshold_validation"
)

// Sanity reason codes.
const (
	ReasonTooHigh = "unreasonably_high_price"
	ReasonTooLow  = "suspiciously_low_price"
)

var hundred = decimal.NewFromInt(100)

// Tier bounds the relative change tolerated for items whose old price is
// at least MinPrice.
type Tier struct {
	Name             string
	MinPrice         decimal.Decimal
	MaxChangePercent decimal.Decimal
}

// Decision is the classifier verdict for one observation.
type Decision struct {
	Accepted        bool
	PercentChange   decimal.NullDecimal
	Tier            string
	ReasonCode      string
	ValidationLayer string
	Details         models.ValidationDetails
}

// Classifier applies the sanity band and the tier table. It holds no
// mutable state and is safe for concurrent use.
type Classifier struct {
	tiers    []Tier
	maxPrice decimal.Decimal
	minPrice decimal.Decimal
}

// New builds a classifier from the configured tier table and plausible
// price band. A zero bound disables that side of the band.
func New(cfg *config.Config) (*Classifier, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	tiers := make([]Tier, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		tiers = append(tiers, Tier{
			Name:             t.Name,
			MinPrice:         decimal.NewFromFloat(t.MinPrice),
			MaxChangePercent: decimal.NewFromFloat(t.MaxChangePercent),
		})
	}
	return NewWithTiers(tiers, decimal.NewFromFloat(cfg.MaxPlausiblePrice), decimal.NewFromFloat(cfg.MinPlausiblePrice))
}

// NewWithTiers builds a classifier from an explicit table.
func NewWithTiers(tiers []Tier, maxPrice, minPrice decimal.Decimal) (*Classifier, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("classifier needs at least one tier")
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinPrice.GreaterThan(sorted[j].MinPrice)
	})
	if !sorted[len(sorted)-1].MinPrice.IsZero() {
		return nil, fmt.Errorf("tier table must contain a tier starting at 0")
	}
	return &Classifier{tiers: sorted, maxPrice: maxPrice, minPrice: minPrice}, nil
}

// Tiers returns the table ordered from the highest bucket down.
func (c *Classifier) Tiers() []Tier {
	out := make([]Tier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// TierFor returns the bucket selected by the old price.
func (c *Classifier) TierFor(oldPrice decimal.Decimal) Tier {
	for _, tier := range c.tiers {
		if oldPrice.GreaterThanOrEqual(tier.MinPrice) {
			return tier
		}
	}
	return c.tiers[len(c.tiers)-1]
}

// PercentChange returns (new - old) / old * 100 at full precision. It is
// undefined for a zero old price and returns false in that case.
func PercentChange(oldPrice, newPrice decimal.Decimal) (decimal.Decimal, bool) {
	if oldPrice.IsZero() {
		return decimal.Zero, false
	}
	return newPrice.Sub(oldPrice).Div(oldPrice).Mul(hundred), true
}

// Classify decides whether moving from oldPrice to newPrice may be applied
// without review.
func (c *Classifier) Classify(oldPrice, newPrice decimal.Decimal) Decision {
	pct, ok := PercentChange(oldPrice, newPrice)
	if !ok {
		return Decision{Accepted: true, ValidationLayer: LayerFirstObservation}
	}

	tier := c.TierFor(oldPrice)
	details := models.ValidationDetails{
		Tier:              tier.Name,
		MaxAllowedPercent: tier.MaxChangePercent,
		ActualPercent:     pct.Round(2),
		OldPrice:          oldPrice,
		NewPrice:          newPrice,
	}
	decision := Decision{
		Accepted:      true,
		PercentChange: decimal.NewNullDecimal(pct.Round(2)),
		Tier:          tier.Name,
		Details:       details,
	}

	// The band only trips when the new price leaves it, so items that
	// already sit outside are judged by their tier alone.
	if c.maxPrice.IsPositive() && newPrice.GreaterThan(c.maxPrice) && oldPrice.LessThanOrEqual(c.maxPrice) {
		decision.Accepted = false
		decision.ReasonCode = ReasonTooHigh
		decision.ValidationLayer = LayerSanity
		decision.Details.Bound = c.maxPrice.String()
		return decision
	}
	if c.minPrice.IsPositive() && newPrice.LessThan(c.minPrice) && oldPrice.GreaterThanOrEqual(c.minPrice) {
		decision.Accepted = false
		decision.ReasonCode = ReasonTooLow
		decision.ValidationLayer = LayerSanity
		decision.Details.Bound = c.minPrice.String()
		return decision
	}

	decision.ValidationLayer = LayerThreshold
	if pct.Abs().GreaterThan(tier.MaxChangePercent) {
		decision.Accepted = false
		decision.ReasonCode = fmt.Sprintf("extreme_change_%spct_exceeds_%spct_limit",
			pct.Abs().StringFixed(1), tier.MaxChangePercent.String())
	}
	return decision
}
