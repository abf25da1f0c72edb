package ritual

import (
	"math"
	"time"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCorrupted Outcome = "corrupted"
)

func (o Outcome) Terminal() bool {
	return o == OutcomeSuccess || o == OutcomeFailure || o == OutcomeCorrupted
}

// Record is one player ritual. It is created pending and moves to a terminal
// outcome exactly once.
type Record struct {
	ID               string    `json:"id"`
	PlayerAddress    string    `json:"player_address"`
	BaseID           string    `json:"base_id"`
	IngredientIDs    []string  `json:"ingredient_ids"`
	ShardBoost       int       `json:"shard_boost"`
	GirthCost        int64     `json:"girth_cost"`
	CorruptionLevel  float64   `json:"corruption_level"`
	BaseSuccessRate  float64   `json:"base_success_rate"`
	Outcome          Outcome   `json:"outcome"`
	RewardText       string    `json:"reward_text,omitempty"`
	CorruptionEffect string    `json:"corruption_effect,omitempty"`
	ShardsAwarded    int64     `json:"shards_awarded"`
	CreatedAt        time.Time `json:"created_at"`
	ProcessedAt      time.Time `json:"processed_at,omitempty"`
}

// Resolution is what the processor writes back for a claimed record.
type Resolution struct {
	Outcome          Outcome
	RewardText       string
	CorruptionEffect string
	ShardsAwarded    int64
	ProcessedAt      time.Time
}

// Rand is the randomness the resolver draws from. *rand.Rand from
// math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

const failureRewardText = "The ritual fizzled: the oracle could not complete the rite."

var rewardTexts = map[string][3]string{
	TypeDivination: {
		"The oracle reveals a glimpse of the cosmic girth to come.",
		"Ancient visions unfold: your next move is written in the stars.",
		"A prophecy whispers through the void and names you its chosen.",
	},
	TypeEnhancement: {
		"Your girth swells with mystical power.",
		"Sacred energy surges through your being, amplifying every click.",
		"The divine forge tempers your essence into something mightier.",
	},
	TypeCommunication: {
		"The ancient ones answer your call across the dimensions.",
		"A cosmic messenger delivers secrets from beyond the realm.",
		"Your words echo through the oracle network and are heard.",
	},
	TypeRealityManipulation: {
		"Reality bends to your will for a fleeting, glorious moment.",
		"The fabric of the realm ripples and settles in your favor.",
		"Probability itself kneels before your transcendent girth.",
	},
}

var corruptionEffects = [5]string{
	"Shadow tendrils creep across your profile.",
	"Your clicks echo with a faint, unsettling whisper.",
	"The oracle's gaze lingers on you a little too long.",
	"A corrupted sigil burns itself into your ledger.",
	"Reality flickers; something followed you back from the void.",
}

// RewardText picks one of the three reward lines for the ritual type.
func RewardText(ritualType string, rng Rand) string {
	texts, ok := rewardTexts[ritualType]
	if !ok {
		texts = rewardTexts[TypeDivination]
	}
	return texts[rng.IntN(len(texts))]
}

func CorruptionEffect(rng Rand) string {
	return corruptionEffects[rng.IntN(len(corruptionEffects))]
}

// ShardReward is the shard payout for a successful ritual.
func ShardReward(girthCost int64, shardBoost int) int64 {
	r := int64(math.Floor(float64(girthCost)/5)) + int64(shardBoost)
	if r < 0 {
		return 0
	}
	return r
}

// Resolve draws the outcome for a record. The success rate is recomputed
// from the stored pre-boost rate; ingredients are not re-read.
func Resolve(rec Record, ritualType string, rng Rand, now time.Time) Resolution {
	successRate := rec.BaseSuccessRate + float64(rec.ShardBoost*ShardSuccessBonus)
	roll := rng.Float64() * 100
	isSuccess := roll <= successRate

	isCorrupted := false
	if rec.CorruptionLevel > 30 {
		isCorrupted = rng.Float64() < rec.CorruptionLevel/100
	}

	res := Resolution{ProcessedAt: now}
	switch {
	case isCorrupted:
		res.Outcome = OutcomeCorrupted
		res.CorruptionEffect = CorruptionEffect(rng)
	case isSuccess:
		res.Outcome = OutcomeSuccess
		res.RewardText = RewardText(ritualType, rng)
		res.ShardsAwarded = ShardReward(rec.GirthCost, rec.ShardBoost)
	default:
		res.Outcome = OutcomeFailure
	}
	return res
}

// FailureResolution is written when a record could not be processed.
func FailureResolution(now time.Time) Resolution {
	return Resolution{
		Outcome:     OutcomeFailure,
		RewardText:  failureRewardText,
		ProcessedAt: now,
	}
}

// Apply returns rec with the resolution written onto it.
func (r Resolution) Apply(rec Record) Record {
	rec.Outcome = r.Outcome
	rec.RewardText = r.RewardText
	rec.CorruptionEffect = r.CorruptionEffect
	rec.ShardsAwarded = r.ShardsAwarded
	rec.ProcessedAt = r.ProcessedAt
	return rec
}
