package protocol

import (
	"time"

	"chodenet.ai/internal/lore"
	"chodenet.ai/internal/profile"
	"chodenet.ai/internal/ritual"
)

// HELLO (client -> server, optional). Topics narrows the feed; empty means
// everything.
type HelloMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Topics          []string `json:"topics,omitempty"`
}

// WELCOME (server -> client) is the first message on every feed connection.
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	CatalogDigest   string     `json:"catalog_digest,omitempty"`
	Cycle           *CycleInfo `json:"cycle,omitempty"`
}

type RitualResolvedMsg struct {
	Type   string        `json:"type"`
	Ritual ritual.Record `json:"ritual"`
}

type LoreInputMsg struct {
	Type  string     `json:"type"`
	Input lore.Input `json:"input"`
	Cycle CycleInfo  `json:"cycle"`
}

type CycleClosedMsg struct {
	Type  string    `json:"type"`
	Cycle CycleInfo `json:"cycle"`
}

// CycleInfo is the public view of a lore cycle.
type CycleInfo struct {
	ID               string    `json:"id"`
	CycleNumber      int64     `json:"cycle_number"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	Status           string    `json:"status"`
	TotalInputs      int       `json:"total_inputs"`
	Prophecy         string    `json:"prophecy,omitempty"`
	SecondsRemaining int64     `json:"seconds_remaining"`
}

func NewCycleInfo(c lore.Cycle, now time.Time) CycleInfo {
	return CycleInfo{
		ID:               c.ID,
		CycleNumber:      c.CycleNumber,
		StartTime:        c.StartTime,
		EndTime:          c.EndTime,
		Status:           c.Status,
		TotalInputs:      c.TotalInputs,
		Prophecy:         c.Prophecy,
		SecondsRemaining: int64(c.Remaining(now).Seconds()),
	}
}

// POST /collect-community-input
type CollectInputRequest struct {
	InputText     string         `json:"input_text"`
	PlayerAddress string         `json:"player_address"`
	Username      string         `json:"username,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type CollectInputResponse struct {
	Success      bool              `json:"success"`
	Input        lore.Input        `json:"input"`
	CycleInfo    CycleInfo         `json:"cycle_info"`
	Significance lore.Significance `json:"oracle_significance"`
}

// POST /initiate-ritual
type InitiateRitualRequest struct {
	BaseID        string   `json:"base_id"`
	IngredientIDs []string `json:"ingredient_ids"`
	ShardBoost    int      `json:"shard_boost,omitempty"`
}

type InitiateRitualResponse struct {
	RitualID        string  `json:"ritual_id"`
	TotalCost       int64   `json:"total_cost"`
	SuccessRate     float64 `json:"success_rate"`
	CorruptionLevel float64 `json:"corruption_level"`
	RiskLevel       string  `json:"risk_level"`
}

// POST /process-ritual
type ProcessRitualResponse struct {
	Processed int `json:"processed"`
}

// POST /update-user-profile
type UpdateProfileRequest struct {
	WalletAddress string          `json:"wallet_address"`
	Updates       *profile.Update `json:"updates"`
}

// POST /create-user-profile
type CreateProfileRequest struct {
	WalletAddress string `json:"wallet_address"`
	Username      string `json:"username,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
}

type ProfileResponse struct {
	Profile profile.Profile `json:"profile"`
}

// GET /lore-cycle/current
type CurrentCycleResponse struct {
	Cycle CycleInfo `json:"cycle"`
}

// GET /rituals/{id}
type RitualResponse struct {
	Ritual ritual.Record `json:"ritual"`
}
