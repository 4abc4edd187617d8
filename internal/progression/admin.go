package progression

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/collaborator"
	streakerrors "github.com/devrev/streakd/internal/errors"
	"github.com/devrev/streakd/internal/model"
	"github.com/devrev/streakd/internal/retention"
)

const (
	// MaxThreshold bounds the daily message threshold
	MaxThreshold = 1000
	// MaxXPPerMessage bounds experience per message
	MaxXPPerMessage = 10000
	// MaxLevelMultiplier bounds the level curve
	MaxLevelMultiplier = 10.0
	// MaxMilestone bounds milestone streak days and levels
	MaxMilestone = 10000
	// MaxFieldValue bounds numeric user field edits
	MaxFieldValue = 1_000_000_000
)

// MilestoneKind selects the streak or level milestone table
type MilestoneKind string

const (
	MilestoneStreak MilestoneKind = "streak"
	MilestoneLevel  MilestoneKind = "level"
)

// ParseMilestoneKind parses "streak" or "level"
func ParseMilestoneKind(s string) (MilestoneKind, error) {
	switch MilestoneKind(strings.ToLower(s)) {
	case MilestoneStreak:
		return MilestoneStreak, nil
	case MilestoneLevel:
		return MilestoneLevel, nil
	}
	return "", streakerrors.Validation(fmt.Sprintf("milestone kind %q must be one of streak, level", s))
}

// GetOrInitUserRecord returns a copy of a user's record, creating it when
// the user has none. Reports whether the record was created.
func (e *Engine) GetOrInitUserRecord(ctx context.Context, guildID, userID string) (*model.UserRecord, bool, error) {
	if err := e.validator.ValidateUserID(userID); err != nil {
		return nil, false, err
	}
	var out model.UserRecord
	created := false
	err := e.store.Update(ctx, guildID, func(cfg *model.TenantConfig, users model.UserTable) error {
		_, exists := users[userID]
		created = !exists
		out = *userFor(cfg, users, userID)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

// RemoveUser deletes a user who left the guild. Reports whether the user
// had a record.
func (e *Engine) RemoveUser(ctx context.Context, guildID, userID string) (bool, error) {
	if err := e.validator.ValidateUserID(userID); err != nil {
		return false, err
	}
	removed := false
	err := e.store.Update(ctx, guildID, func(_ *model.TenantConfig, users model.UserTable) error {
		_, removed = users[userID]
		delete(users, userID)
		return nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		e.logger.Info("Removed user record",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID))
	}
	return removed, nil
}

// configField is one editable TenantConfig setting
type configField struct {
	name  string
	apply func(e *Engine, cfg *model.TenantConfig, value string) (thresholdChanged bool, err error)
}

var configFields = []configField{
	{"streak.enabled", func(e *Engine, cfg *model.TenantConfig, v string) (bool, error) {
		b, err := parseBool("streak.enabled", v)
		if err != nil {
			return false, err
		}
		if b && !cfg.Streak.Enabled {
			cfg.Streak.EnabledAt = e.now().UTC().Format(time.RFC3339)
		}
		cfg.Streak.Enabled = b
		return false, nil
	}},
	{"streak.thresholdMessages", func(_ *Engine, cfg *model.TenantConfig, v string) (bool, error) {
		n, err := parseInt("streak.thresholdMessages", v, 1, MaxThreshold)
		if err != nil {
			return false, err
		}
		changed := cfg.Streak.ThresholdMessages != n
		cfg.Streak.ThresholdMessages = n
		return changed, nil
	}},
	{"streak.outputChannelId", func(e *Engine, cfg *model.TenantConfig, v string) (bool, error) {
		return false, e.setSnowflake("channel", &cfg.Streak.OutputChannelID, v)
	}},
	{"level.enabled", func(_ *Engine, cfg *model.TenantConfig, v string) (bool, error) {
		b, err := parseBool("level.enabled", v)
		if err != nil {
			return false, err
		}
		cfg.Level.Enabled = b
		return false, nil
	}},
	{"level.xpPerMessage", func(_ *Engine, cfg *model.TenantConfig, v string) (bool, error) {
		n, err := parseInt("level.xpPerMessage", v, 1, MaxXPPerMessage)
		if err != nil {
			return false, err
		}
		cfg.Level.XPPerMessage = n
		return false, nil
	}},
	{"level.levelMultiplier", func(_ *Engine, cfg *model.TenantConfig, v string) (bool, error) {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || f < 1 || f > MaxLevelMultiplier {
			return false, streakerrors.OutOfRange("level.levelMultiplier", v, 1, MaxLevelMultiplier)
		}
		cfg.Level.LevelMultiplier = f
		return false, nil
	}},
	{"level.levelUpMessages", func(_ *Engine, cfg *model.TenantConfig, v string) (bool, error) {
		b, err := parseBool("level.levelUpMessages", v)
		if err != nil {
			return false, err
		}
		cfg.Level.LevelUpMessages = b
		return false, nil
	}},
	{"level.levelUpChannelId", func(e *Engine, cfg *model.TenantConfig, v string) (bool, error) {
		return false, e.setSnowflake("channel", &cfg.Level.LevelUpChannelID, v)
	}},
	{"messageLeader.enabled", func(_ *Engine, cfg *model.TenantConfig, v string) (bool, error) {
		b, err := parseBool("messageLeader.enabled", v)
		if err != nil {
			return false, err
		}
		cfg.MessageLeader.Enabled = b
		return false, nil
	}},
	{"messageLeader.roleId", func(e *Engine, cfg *model.TenantConfig, v string) (bool, error) {
		return false, e.setSnowflake("role", &cfg.MessageLeader.RoleID, v)
	}},
	{"messageLeader.channelId", func(e *Engine, cfg *model.TenantConfig, v string) (bool, error) {
		return false, e.setSnowflake("channel", &cfg.MessageLeader.ChannelID, v)
	}},
	{"reports.weeklyChannelId", func(e *Engine, cfg *model.TenantConfig, v string) (bool, error) {
		return false, e.setSnowflake("channel", &cfg.Reports.WeeklyChannelID, v)
	}},
	{"reports.monthlyChannelId", func(e *Engine, cfg *model.TenantConfig, v string) (bool, error) {
		return false, e.setSnowflake("channel", &cfg.Reports.MonthlyChannelID, v)
	}},
}

// configAliases maps the original bot's setting names
var configAliases = map[string]string{
	"streakThreshold":      "streak.thresholdMessages",
	"channelStreakOutput":  "streak.outputChannelId",
	"xpPerMessage":         "level.xpPerMessage",
	"levelMultiplier":      "level.levelMultiplier",
	"channelLevelUp":       "level.levelUpChannelId",
	"roleMessageLeader":    "messageLeader.roleId",
	"channelMessageLeader": "messageLeader.channelId",
	"weeklyReportChannel":  "reports.weeklyChannelId",
	"monthlyReportChannel": "reports.monthlyChannelId",
}

// ConfigFieldNames returns the editable config settings
func ConfigFieldNames() []string {
	names := make([]string, len(configFields))
	for i, f := range configFields {
		names[i] = f.name
	}
	return names
}

// CanonicalConfigField resolves a config setting name or alias
func CanonicalConfigField(name string) (string, bool) {
	f, ok := lookupConfigField(name)
	return f.name, ok
}

func lookupConfigField(name string) (configField, bool) {
	if canonical, ok := configAliases[name]; ok {
		name = canonical
	}
	for _, f := range configFields {
		if f.name == name {
			return f, true
		}
	}
	return configField{}, false
}

// ApplyConfigEdit sets one config setting. A changed threshold starts a new
// credit day for every user. Invalid values are rejected before anything
// is saved.
func (e *Engine) ApplyConfigEdit(ctx context.Context, guildID, field, value string) (*model.TenantConfig, error) {
	f, ok := lookupConfigField(field)
	if !ok {
		return nil, streakerrors.UnknownField(field, ConfigFieldNames())
	}

	var out model.TenantConfig
	thresholdChanged := false
	err := e.store.Update(ctx, guildID, func(cfg *model.TenantConfig, users model.UserTable) error {
		var err error
		thresholdChanged, err = f.apply(e, cfg, value)
		if err != nil {
			return err
		}
		if thresholdChanged {
			resetThresholds(cfg, users)
		}
		out = *cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	if thresholdChanged {
		e.rememberThreshold(guildID, out.Streak.ThresholdMessages)
	}
	e.logger.Info("Applied config edit",
		zap.String("guild_id", guildID),
		zap.String("field", f.name),
		zap.String("value", value))
	return &out, nil
}

// OnThresholdChanged applies a threshold changed outside the engine to
// every user of the guild. A threshold the engine already applied is
// skipped. Reports whether users were reset.
func (e *Engine) OnThresholdChanged(ctx context.Context, guildID string) (bool, error) {
	applied := false
	threshold := 0
	err := e.store.Update(ctx, guildID, func(cfg *model.TenantConfig, users model.UserTable) error {
		threshold = cfg.Streak.ThresholdMessages
		if last, ok := e.lastThreshold(guildID); ok && last == threshold {
			return nil
		}
		resetThresholds(cfg, users)
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to apply threshold change: %w", err)
	}
	if applied {
		e.rememberThreshold(guildID, threshold)
		e.logger.Info("Threshold changed, credit day restarted",
			zap.String("guild_id", guildID),
			zap.Int("threshold", threshold))
	}
	return applied, nil
}

func (e *Engine) rememberThreshold(guildID string, threshold int) {
	e.thresholdMu.Lock()
	e.thresholds[guildID] = threshold
	e.thresholdMu.Unlock()
}

func (e *Engine) lastThreshold(guildID string) (int, bool) {
	e.thresholdMu.Lock()
	defer e.thresholdMu.Unlock()
	t, ok := e.thresholds[guildID]
	return t, ok
}

// AddMilestone maps a streak length or level to a role and grants it to
// users who already qualify. Returns the number of users granted the role.
func (e *Engine) AddMilestone(ctx context.Context, guildID string, kind MilestoneKind, value int, roleID string) (int, error) {
	if value < 1 || value > MaxMilestone {
		return 0, streakerrors.OutOfRange("milestone", value, 1, MaxMilestone)
	}
	if err := e.validator.ValidateSnowflake("role", roleID); err != nil {
		return 0, err
	}

	var cmds []collaborator.Command
	err := e.store.Update(ctx, guildID, func(cfg *model.TenantConfig, users model.UserTable) error {
		cmds = nil
		roles := milestoneTable(cfg, kind)
		roles[value] = roleID
		for _, userID := range sortedUserIDs(users) {
			rec := users[userID]
			if milestoneProgress(rec, kind) < value || hasRole(rec, roleID) {
				continue
			}
			cmds = append(cmds, collaborator.GrantRoleCommand(guildID, userID, roleID))
			rec.AddRole(roleID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.dispatch(cmds)
	return len(cmds), nil
}

// RemoveMilestone deletes a milestone and revokes its role from every user
// who holds it. Returns the number of users the role was revoked from.
func (e *Engine) RemoveMilestone(ctx context.Context, guildID string, kind MilestoneKind, value int) (int, error) {
	var cmds []collaborator.Command
	err := e.store.Update(ctx, guildID, func(cfg *model.TenantConfig, users model.UserTable) error {
		cmds = nil
		roles := milestoneTable(cfg, kind)
		roleID, ok := roles[value]
		if !ok {
			return streakerrors.NotFound(string(kind)+" milestone", strconv.Itoa(value))
		}
		delete(roles, value)
		for _, userID := range sortedUserIDs(users) {
			rec := users[userID]
			if !hasRole(rec, roleID) {
				continue
			}
			cmds = append(cmds, collaborator.RevokeRoleCommand(guildID, userID, roleID))
			rec.RemoveRole(roleID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.dispatch(cmds)
	return len(cmds), nil
}

func milestoneTable(cfg *model.TenantConfig, kind MilestoneKind) map[int]string {
	if kind == MilestoneLevel {
		if cfg.Level.MilestoneRoleByLevel == nil {
			cfg.Level.MilestoneRoleByLevel = make(map[int]string)
		}
		return cfg.Level.MilestoneRoleByLevel
	}
	if cfg.Streak.MilestoneRoleByDay == nil {
		cfg.Streak.MilestoneRoleByDay = make(map[int]string)
	}
	return cfg.Streak.MilestoneRoleByDay
}

func milestoneProgress(rec *model.UserRecord, kind MilestoneKind) int {
	if kind == MilestoneLevel {
		return rec.Experience.Level
	}
	return rec.Streak
}

// userField is one user record field SetFieldDirect may edit
type userField struct {
	name    string
	aliases []string
}

var userFields = []userField{
	{"messageCount", []string{"messages"}},
	{"streak", nil},
	{"thresholdRemaining", []string{"threshold"}},
	{"receivedDailyCredit", []string{"receivedDaily"}},
	{"level", nil},
	{"totalXp", []string{"xp"}},
	{"activeDaysCount", nil},
	{"longestInactivePeriod", nil},
}

// UserFieldNames returns the fields SetFieldDirect accepts
func UserFieldNames() []string {
	names := make([]string, len(userFields))
	for i, f := range userFields {
		names[i] = f.name
	}
	return names
}

func canonicalUserField(name string) (string, bool) {
	for _, f := range userFields {
		if f.name == name {
			return f.name, true
		}
		for _, a := range f.aliases {
			if a == name {
				return f.name, true
			}
		}
	}
	return "", false
}

// SetFieldDirect overrides one field of a user's record. The record's
// invariants are restored afterwards and milestone roles follow streak and
// level edits in both directions. Nothing is saved when the value is
// rejected.
func (e *Engine) SetFieldDirect(ctx context.Context, guildID, userID, field, value string) (*model.UserRecord, error) {
	if err := e.validator.ValidateUserID(userID); err != nil {
		return nil, err
	}
	name, ok := canonicalUserField(field)
	if !ok {
		return nil, streakerrors.UnknownField(field, UserFieldNames())
	}

	var out model.UserRecord
	var cmds []collaborator.Command
	err := e.store.Update(ctx, guildID, func(cfg *model.TenantConfig, users model.UserTable) error {
		cmds = nil
		_, existed := users[userID]
		rec := userFor(cfg, users, userID)
		var err error
		cmds, err = setUserField(cfg, guildID, userID, rec, name, value)
		if err != nil {
			if !existed {
				delete(users, userID)
			}
			return err
		}
		out = *rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("User field overridden",
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("field", name),
		zap.String("value", value))
	e.dispatch(cmds)
	return &out, nil
}

func setUserField(cfg *model.TenantConfig, guildID, userID string, rec *model.UserRecord, name, value string) ([]collaborator.Command, error) {
	if name == "receivedDailyCredit" {
		b, err := parseBool(name, value)
		if err != nil {
			return nil, err
		}
		rec.ReceivedDailyCredit = b
		return nil, nil
	}

	limit := MaxFieldValue
	if name == "thresholdRemaining" {
		limit = cfg.Streak.ThresholdMessages
	}
	n, err := parseInt(name, value, 0, limit)
	if err != nil {
		return nil, err
	}

	switch name {
	case "messageCount":
		rec.MessageCount = n
	case "thresholdRemaining":
		rec.ThresholdRemaining = n
		rec.ReceivedDailyCredit = false
	case "activeDaysCount":
		rec.ActiveDaysCount = n
	case "longestInactivePeriod":
		rec.LongestInactivePeriod = n
	case "streak":
		old := rec.Streak
		rec.Streak = n
		if n > rec.HighestStreak {
			rec.HighestStreak = n
		}
		return syncMilestoneRoles(guildID, userID, rec, cfg.Streak.MilestoneRoleByDay, old, n), nil
	case "level":
		old := rec.Experience.Level
		rec.Experience.Level = n
		if req := XPRequired(n, cfg.Level.LevelMultiplier); rec.Experience.TotalXP >= req {
			rec.Experience.TotalXP = req - 1
		}
		return syncMilestoneRoles(guildID, userID, rec, cfg.Level.MilestoneRoleByLevel, old, n), nil
	case "totalXp":
		old := rec.Experience.Level
		rec.Experience.TotalXP = int64(n)
		addXP(&rec.Experience, 0, cfg.Level.LevelMultiplier)
		return syncMilestoneRoles(guildID, userID, rec, cfg.Level.MilestoneRoleByLevel, old, rec.Experience.Level), nil
	}
	return nil, nil
}

// ComputeRetention measures retention over a guild's heatmaps
func (e *Engine) ComputeRetention(ctx context.Context, guildID string, a retention.DateRange, b *retention.DateRange) (*retention.Result, error) {
	if !e.store.GuildExists(guildID) {
		return nil, streakerrors.NotFound("guild", guildID)
	}
	users, err := e.store.LoadUsers(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return retention.Compute(users, a, b)
}

func (e *Engine) setSnowflake(kind string, dst *string, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		*dst = ""
		return nil
	}
	if err := e.validator.ValidateSnowflake(kind, value); err != nil {
		return err
	}
	*dst = value
	return nil
}

func parseInt(field, value string, min, max int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < min || n > max {
		return 0, streakerrors.OutOfRange(field, value, min, max)
	}
	return n, nil
}

func parseBool(field, value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, streakerrors.Validation(fmt.Sprintf("invalid value %q for %s: must be true or false", value, field)).
		WithDetail("field", field)
}

func hasRole(rec *model.UserRecord, roleID string) bool {
	for _, r := range rec.RolesAchieved {
		if r == roleID {
			return true
		}
	}
	return false
}

func sortedUserIDs(users model.UserTable) []string {
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
