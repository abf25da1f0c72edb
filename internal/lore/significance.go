package lore

import (
	"strings"
	"time"
	"unicode/utf8"
)

type Significance string

const (
	SignificanceStandard  Significance = "standard"
	SignificanceNotable   Significance = "notable"
	SignificanceLegendary Significance = "legendary"
)

var majorTerms = []string{
	"oracle", "prophecy", "cosmic", "divine", "girth",
	"ascend", "transcend", "mystical", "ancient", "sacred",
}

var minorTerms = []string{
	"legend", "epic", "mighty", "powerful", "eternal",
	"infinite", "realm", "dimension",
}

// ScoreValue is the raw significance score. Each term counts once no matter
// how often it appears; matching is a case-insensitive substring test.
func ScoreValue(text string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, t := range majorTerms {
		if strings.Contains(lower, t) {
			score += 2
		}
	}
	for _, t := range minorTerms {
		if strings.Contains(lower, t) {
			score++
		}
	}
	switch n := utf8.RuneCountInString(text); {
	case n > 150:
		score += 2
	case n > 100:
		score++
	}
	return score
}

func Score(text string) Significance {
	switch s := ScoreValue(text); {
	case s >= 6:
		return SignificanceLegendary
	case s >= 3:
		return SignificanceNotable
	default:
		return SignificanceStandard
	}
}

// Input is one community submission. A submitter may post once per cycle.
type Input struct {
	ID           string         `json:"id"`
	Text         string         `json:"input_text"`
	SubmitterID  string         `json:"player_address"`
	Username     string         `json:"username,omitempty"`
	CycleID      string         `json:"cycle_id"`
	Significance Significance   `json:"significance"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
