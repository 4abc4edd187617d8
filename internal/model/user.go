package model

import (
	"encoding/json"
	"reflect"
	"time"
)

// UserSchemaVersion is the current persisted shape of a UserRecord
const UserSchemaVersion = 2

// DateLayout is the calendar-day key used by heatmaps and retention
const DateLayout = "2006-01-02"

// UserRecord is the progression state of one user in one guild
type UserRecord struct {
	SchemaVersion         int                  `json:"schemaVersion"`
	MessageCount          int                  `json:"messageCount"`
	TotalMessages         int                  `json:"totalMessages"`
	Streak                int                  `json:"streak"`
	HighestStreak         int                  `json:"highestStreak"`
	ThresholdRemaining    int                  `json:"thresholdRemaining"`
	ReceivedDailyCredit   bool                 `json:"receivedDailyCredit"`
	Experience            Experience           `json:"experience"`
	ActiveDaysCount       int                  `json:"activeDaysCount"`
	LongestInactivePeriod int                  `json:"longestInactivePeriod"`
	LastStreakLossAt      *time.Time           `json:"lastStreakLossAt"`
	MessageHeatmap        []HeatmapEntry       `json:"messageHeatmap"`
	MilestonesAchieved    []MilestoneAchieved  `json:"milestonesAchieved"`
	RolesAchieved         []string             `json:"rolesAchieved"`
	LastMessage           LastMessage          `json:"lastMessage"`
	ChannelsParticipated  []string             `json:"channelsParticipated"`
	MentionsRepliesCount  MentionsRepliesCount `json:"mentionsRepliesCount"`
	BoosterMultiplier     float64              `json:"boosterMultiplier"`
	MessageLeaderWins     int                  `json:"messageLeaderWins"`
	HighestMessageCount   int                  `json:"highestMessageCount"`
	MostConsecutiveLeader int                  `json:"mostConsecutiveLeader"`
	CurrentLeaderRun      int                  `json:"currentLeaderRun"`
	DaysTracked           int                  `json:"daysTracked"`
	AverageMessagesPerDay float64              `json:"averageMessagesPerDay"`

	// Extra carries keys this version does not know about
	Extra map[string]json.RawMessage `json:"-"`
}

// Experience holds level progress
type Experience struct {
	TotalXP int64 `json:"totalXp"`
	Level   int   `json:"level"`
}

// HeatmapEntry counts messages on one calendar day
type HeatmapEntry struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// MilestoneAchieved records a streak milestone reached
type MilestoneAchieved struct {
	Milestone  int       `json:"milestone"`
	AchievedAt time.Time `json:"achievedAt"`
}

// LastMessage describes the most recent accepted message
type LastMessage struct {
	At      int64  `json:"at"`
	Content string `json:"content"`
	Date    string `json:"date"`
}

// MentionsRepliesCount tracks conversational activity
type MentionsRepliesCount struct {
	Mentions int `json:"mentions"`
	Replies  int `json:"replies"`
}

// UserTable maps user IDs to records for one guild
type UserTable map[string]*UserRecord

// NewUserRecord creates an empty record with a full threshold for today
func NewUserRecord(threshold int) *UserRecord {
	return &UserRecord{
		SchemaVersion:        UserSchemaVersion,
		ThresholdRemaining:   threshold,
		MessageHeatmap:       []HeatmapEntry{},
		MilestonesAchieved:   []MilestoneAchieved{},
		RolesAchieved:        []string{},
		ChannelsParticipated: []string{},
		BoosterMultiplier:    1,
	}
}

// MarshalJSON encodes the record including pass-through keys
func (u UserRecord) MarshalJSON() ([]byte, error) {
	type alias UserRecord
	encoded, err := json.Marshal(alias(u))
	if err != nil {
		return nil, err
	}
	return mergeExtra(encoded, u.Extra)
}

// UnmarshalJSON decodes the record and keeps unknown keys
func (u *UserRecord) UnmarshalJSON(data []byte) error {
	type alias UserRecord
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := splitExtra(data, reflect.TypeOf(a))
	if err != nil {
		return err
	}
	*u = UserRecord(a)
	u.Extra = extra
	return nil
}

// RecordActivity increments today's heatmap entry.
// Returns true when this is the first counted message of the day.
func (u *UserRecord) RecordActivity(date string) bool {
	for i := range u.MessageHeatmap {
		if u.MessageHeatmap[i].Date == date {
			u.MessageHeatmap[i].Count++
			return u.MessageHeatmap[i].Count == 1
		}
	}
	u.MessageHeatmap = append(u.MessageHeatmap, HeatmapEntry{Date: date, Count: 1})
	return true
}

// EnsureHeatmapDay appends a zero entry for date if none exists
func (u *UserRecord) EnsureHeatmapDay(date string) {
	for _, e := range u.MessageHeatmap {
		if e.Date == date {
			return
		}
	}
	u.MessageHeatmap = append(u.MessageHeatmap, HeatmapEntry{Date: date})
}

// LastActiveDate returns the most recent day with at least one message
func (u *UserRecord) LastActiveDate() (string, bool) {
	latest := ""
	for _, e := range u.MessageHeatmap {
		if e.Count > 0 && e.Date > latest {
			latest = e.Date
		}
	}
	return latest, latest != ""
}

// ActiveBetween reports whether the user has activity within [start, end]
func (u *UserRecord) ActiveBetween(start, end string) bool {
	for _, e := range u.MessageHeatmap {
		if e.Count > 0 && e.Date >= start && e.Date <= end {
			return true
		}
	}
	return false
}

// AddChannel tracks a channel the user has written in
func (u *UserRecord) AddChannel(channelID string) {
	if channelID == "" {
		return
	}
	for _, c := range u.ChannelsParticipated {
		if c == channelID {
			return
		}
	}
	u.ChannelsParticipated = append(u.ChannelsParticipated, channelID)
}

// AddRole records a granted role once
func (u *UserRecord) AddRole(roleID string) {
	for _, r := range u.RolesAchieved {
		if r == roleID {
			return
		}
	}
	u.RolesAchieved = append(u.RolesAchieved, roleID)
}

// RemoveRole forgets a revoked role
func (u *UserRecord) RemoveRole(roleID string) {
	kept := u.RolesAchieved[:0]
	for _, r := range u.RolesAchieved {
		if r != roleID {
			kept = append(kept, r)
		}
	}
	u.RolesAchieved = kept
}

// DateKey formats t as a calendar day in loc
func DateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// DaysBetween returns the number of calendar days from a to b
func DaysBetween(a, b string) (int, error) {
	ta, err := time.Parse(DateLayout, a)
	if err != nil {
		return 0, err
	}
	tb, err := time.Parse(DateLayout, b)
	if err != nil {
		return 0, err
	}
	return int(tb.Sub(ta).Hours() / 24), nil
}
