// Package ritual prices player rituals and resolves them in batches.
package ritual

import "math"

// Ritual types. Rewards are keyed by these; unknown types fall back to
// TypeDivination.
const (
	TypeDivination          = "divination"
	TypeEnhancement         = "enhancement"
	TypeCommunication       = "communication"
	TypeRealityManipulation = "reality_manipulation"
)

const (
	MinSuccessRate = 5.0
	MaxSuccessRate = 95.0

	// Each shard spent adds this many percentage points of success.
	ShardSuccessBonus = 2
)

// Risk levels derived from the final corruption value.
const (
	RiskLow      = "low"
	RiskModerate = "moderate"
	RiskHigh     = "high"
	RiskExtreme  = "extreme"
)

// Base is immutable reference data for a ritual.
type Base struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	BaseCost        float64 `json:"base_cost"`
	BaseCorruption  float64 `json:"base_corruption"`
	BaseSuccessRate float64 `json:"base_success_rate"`
	RitualType      string  `json:"ritual_type"`
}

// Ingredient modifies a ritual: cost is multiplicative, corruption and
// success are additive.
type Ingredient struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	CostModifier       float64 `json:"cost_modifier"`
	CorruptionModifier float64 `json:"corruption_modifier"`
	SuccessModifier    float64 `json:"success_modifier"`
}

// Quote is the priced ritual before any currency moves.
type Quote struct {
	TotalCost  float64 `json:"total_cost"`
	Corruption float64 `json:"corruption_level"`
	// BaseSuccessRate is base plus ingredient modifiers, before the shard
	// boost and before clamping. Records persist this value.
	BaseSuccessRate float64 `json:"base_success_rate"`
	SuccessRate     float64 `json:"success_rate"`
	RiskLevel       string  `json:"risk_level"`
}

// Compute prices a ritual. Ingredient order does not matter.
func Compute(base Base, ingredients []Ingredient, shardBoost int) Quote {
	total := base.BaseCost
	corruption := base.BaseCorruption
	success := base.BaseSuccessRate
	for _, ing := range ingredients {
		total *= ing.CostModifier
		corruption += ing.CorruptionModifier
		success += ing.SuccessModifier
	}
	pre := success
	success += float64(shardBoost * ShardSuccessBonus)
	return Quote{
		TotalCost:       total,
		Corruption:      corruption,
		BaseSuccessRate: pre,
		SuccessRate:     ClampSuccessRate(success),
		RiskLevel:       RiskLevel(corruption),
	}
}

func ClampSuccessRate(v float64) float64 {
	if math.IsNaN(v) {
		return MinSuccessRate
	}
	return math.Max(MinSuccessRate, math.Min(MaxSuccessRate, v))
}

// RiskLevel buckets corruption; boundaries belong to the higher bucket.
func RiskLevel(corruption float64) string {
	switch {
	case corruption >= 50:
		return RiskExtreme
	case corruption >= 30:
		return RiskHigh
	case corruption >= 15:
		return RiskModerate
	default:
		return RiskLow
	}
}

// GirthCost converts a quoted total into whole currency units, rounding half
// away from zero.
func GirthCost(q Quote) int64 {
	return int64(math.Round(q.TotalCost))
}
