package progression

import (
	"fmt"
	"math"

	"github.com/devrev/streakd/internal/collaborator"
	"github.com/devrev/streakd/internal/model"
)

// XPRequired is the experience needed to advance from level to level+1
func XPRequired(level int, multiplier float64) int64 {
	req := math.Floor(100 * math.Pow(multiplier, float64(level)))
	if req >= math.MaxInt64 || math.IsInf(req, 0) || math.IsNaN(req) {
		return math.MaxInt64
	}
	return int64(req)
}

// addXP adds gain to exp and advances through every level it pays for.
// Afterwards exp.TotalXP < XPRequired(exp.Level). Returns the levels
// reached, in order.
func addXP(exp *model.Experience, gain int64, multiplier float64) []int {
	if gain > 0 {
		if exp.TotalXP > math.MaxInt64-gain {
			exp.TotalXP = math.MaxInt64
		} else {
			exp.TotalXP += gain
		}
	}
	var reached []int
	for {
		req := XPRequired(exp.Level, multiplier)
		if req <= 0 || exp.TotalXP < req {
			return reached
		}
		exp.TotalXP -= req
		exp.Level++
		reached = append(reached, exp.Level)
	}
}

// xpGain is the experience one message earns
func xpGain(perMessage int, booster float64) int64 {
	if booster <= 0 {
		booster = 1
	}
	gain := math.Floor(float64(perMessage) * booster)
	if gain < 0 {
		return 0
	}
	return int64(gain)
}

// levelUp grants a message's experience and returns the commands for the
// levels it crossed
func levelUp(cfg *model.TenantConfig, rec *model.UserRecord, ev MessageEvent) ([]collaborator.Command, int) {
	reached := addXP(&rec.Experience, xpGain(cfg.Level.XPPerMessage, rec.BoosterMultiplier), cfg.Level.LevelMultiplier)
	if len(reached) == 0 {
		return nil, 0
	}

	var cmds []collaborator.Command
	for _, lvl := range reached {
		if role := cfg.Level.MilestoneRoleByLevel[lvl]; role != "" {
			cmds = append(cmds, collaborator.GrantRoleCommand(ev.GuildID, ev.UserID, role))
			rec.AddRole(role)
		}
	}

	if cfg.Level.LevelUpMessages {
		channel := cfg.Level.LevelUpChannelID
		if channel == "" {
			channel = ev.ChannelID
		}
		if channel != "" {
			content := fmt.Sprintf("🎉 <@%s> has leveled up to level %d!", ev.UserID, rec.Experience.Level)
			cmds = append(cmds, collaborator.SendMessageCommand(ev.GuildID, channel, content))
		}
	}
	return cmds, len(reached)
}

// creditStreak counts a message against the daily threshold and credits
// the streak once the threshold is met
func creditStreak(cfg *model.TenantConfig, rec *model.UserRecord, ev MessageEvent) ([]collaborator.Command, bool) {
	if rec.ThresholdRemaining > 0 {
		rec.ThresholdRemaining--
	}
	if rec.ThresholdRemaining != 0 || rec.ReceivedDailyCredit {
		return nil, false
	}

	rec.Streak++
	rec.ReceivedDailyCredit = true
	if rec.Streak > rec.HighestStreak {
		rec.HighestStreak = rec.Streak
	}

	var cmds []collaborator.Command
	content := fmt.Sprintf("🎉 <@%s> has upped their streak to %d!!", ev.UserID, rec.Streak)
	if role := cfg.Streak.MilestoneRoleByDay[rec.Streak]; role != "" {
		cmds = append(cmds, collaborator.GrantRoleCommand(ev.GuildID, ev.UserID, role))
		rec.MilestonesAchieved = append(rec.MilestonesAchieved, model.MilestoneAchieved{
			Milestone:  rec.Streak,
			AchievedAt: ev.At.UTC(),
		})
		rec.AddRole(role)
		content += fmt.Sprintf(" They now have the %d Day Streak Role!", rec.Streak)
	}

	channel := cfg.Streak.OutputChannelID
	if channel == "" {
		channel = ev.ChannelID
	}
	if channel != "" {
		cmds = append(cmds, collaborator.SendMessageCommand(ev.GuildID, channel, content))
	}
	return cmds, true
}

// syncMilestoneRoles grants roles for milestones in (from, to] and
// revokes roles for milestones in (to, from]
func syncMilestoneRoles(guildID, userID string, rec *model.UserRecord, roles map[int]string, from, to int) []collaborator.Command {
	var cmds []collaborator.Command
	for _, m := range model.SortedMilestones(roles) {
		role := roles[m]
		if role == "" {
			continue
		}
		switch {
		case m > from && m <= to:
			cmds = append(cmds, collaborator.GrantRoleCommand(guildID, userID, role))
			rec.AddRole(role)
		case m > to && m <= from:
			cmds = append(cmds, collaborator.RevokeRoleCommand(guildID, userID, role))
			rec.RemoveRole(role)
		}
	}
	return cmds
}

// resetThresholds starts a new credit day for every user under the
// config's current threshold
func resetThresholds(cfg *model.TenantConfig, users model.UserTable) {
	for _, rec := range users {
		rec.ThresholdRemaining = cfg.Streak.ThresholdMessages
		rec.ReceivedDailyCredit = false
	}
}
