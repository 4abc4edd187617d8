package model

import (
	"encoding/json"
	"reflect"
	"sort"
)

// TenantConfig holds per-guild feature toggles and parameters
type TenantConfig struct {
	Streak        StreakSettings        `json:"streak"`
	Level         LevelSettings         `json:"level"`
	MessageLeader MessageLeaderSettings `json:"messageLeader"`
	Reports       ReportSettings        `json:"reports"`

	// Extra carries unknown top-level keys through load and save
	Extra map[string]json.RawMessage `json:"-"`
}

// StreakSettings configures the daily streak system
type StreakSettings struct {
	Enabled            bool           `json:"enabled"`
	ThresholdMessages  int            `json:"thresholdMessages"`
	EnabledAt          string         `json:"enabledAt,omitempty"`
	OutputChannelID    string         `json:"outputChannelId,omitempty"`
	MilestoneRoleByDay map[int]string `json:"milestoneRoleByDay"`
}

// LevelSettings configures experience and levels
type LevelSettings struct {
	Enabled              bool           `json:"enabled"`
	XPPerMessage         int            `json:"xpPerMessage"`
	LevelMultiplier      float64        `json:"levelMultiplier"`
	LevelUpMessages      bool           `json:"levelUpMessages"`
	LevelUpChannelID     string         `json:"levelUpChannelId,omitempty"`
	MilestoneRoleByLevel map[int]string `json:"milestoneRoleByLevel"`
}

// MessageLeaderSettings configures the weekly leaderboard
type MessageLeaderSettings struct {
	Enabled   bool   `json:"enabled"`
	RoleID    string `json:"roleId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

// ReportSettings configures report destinations
type ReportSettings struct {
	WeeklyChannelID  string `json:"weeklyChannelId,omitempty"`
	MonthlyChannelID string `json:"monthlyChannelId,omitempty"`
}

// ConfigDefaults are the values a new guild starts with
type ConfigDefaults struct {
	Threshold       int
	XPPerMessage    int
	LevelMultiplier float64
}

// NewTenantConfig creates a guild config with every system disabled
func NewTenantConfig(d ConfigDefaults, enabledAt string) *TenantConfig {
	cfg := &TenantConfig{
		Streak: StreakSettings{
			ThresholdMessages: d.Threshold,
			EnabledAt:         enabledAt,
		},
		Level: LevelSettings{
			XPPerMessage:    d.XPPerMessage,
			LevelMultiplier: d.LevelMultiplier,
			LevelUpMessages: true,
		},
	}
	cfg.EnsureDefaults(d, enabledAt)
	return cfg
}

// EnsureDefaults backfills missing fields and reports whether anything changed
func (c *TenantConfig) EnsureDefaults(d ConfigDefaults, now string) bool {
	changed := false
	if c.Streak.ThresholdMessages <= 0 {
		c.Streak.ThresholdMessages = d.Threshold
		changed = true
	}
	if c.Streak.EnabledAt == "" {
		c.Streak.EnabledAt = now
		changed = true
	}
	if c.Streak.MilestoneRoleByDay == nil {
		c.Streak.MilestoneRoleByDay = make(map[int]string)
		changed = true
	}
	if c.Level.XPPerMessage <= 0 {
		c.Level.XPPerMessage = d.XPPerMessage
		changed = true
	}
	if c.Level.LevelMultiplier < 1 {
		c.Level.LevelMultiplier = d.LevelMultiplier
		changed = true
	}
	if c.Level.MilestoneRoleByLevel == nil {
		c.Level.MilestoneRoleByLevel = make(map[int]string)
		changed = true
	}
	return changed
}

// MarshalJSON encodes the config including pass-through keys
func (c TenantConfig) MarshalJSON() ([]byte, error) {
	type alias TenantConfig
	encoded, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	return mergeExtra(encoded, c.Extra)
}

// UnmarshalJSON decodes the config and keeps unknown keys
func (c *TenantConfig) UnmarshalJSON(data []byte) error {
	type alias TenantConfig
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := splitExtra(data, reflect.TypeOf(a))
	if err != nil {
		return err
	}
	*c = TenantConfig(a)
	c.Extra = extra
	return nil
}

// SortedMilestones returns milestone values in ascending order
func SortedMilestones(roles map[int]string) []int {
	values := make([]int, 0, len(roles))
	for v := range roles {
		values = append(values, v)
	}
	sort.Ints(values)
	return values
}
