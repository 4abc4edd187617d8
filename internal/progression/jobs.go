package progression

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/collaborator"
	"github.com/devrev/streakd/internal/model"
)

const (
	leaderboardSize = 10
	leaderWinners   = 5
)

// ResetSummary describes one guild's daily reset
type ResetSummary struct {
	GuildID     string `json:"guild_id"`
	Date        string `json:"date"`
	Users       int    `json:"users"`
	StreaksLost int    `json:"streaks_lost"`
}

// DailyReset closes the previous day for every user of a guild: users
// who did not earn their credit lose their streak, inactivity and averages
// are updated, and every threshold is refilled.
func (e *Engine) DailyReset(ctx context.Context, guildID string) (*ResetSummary, error) {
	now := e.now()
	today := model.DateKey(now, e.loc)
	summary := &ResetSummary{GuildID: guildID, Date: today}
	var cmds []collaborator.Command

	err := e.store.Update(ctx, guildID, func(cfg *model.TenantConfig, users model.UserTable) error {
		cmds = nil
		summary.Users = len(users)
		summary.StreaksLost = 0

		for userID, rec := range users {
			rec.EnsureHeatmapDay(today)

			if cfg.Streak.Enabled && rec.Streak > 0 && !rec.ReceivedDailyCredit {
				lost := rec.Streak
				rec.Streak = 0
				lossAt := now.UTC()
				rec.LastStreakLossAt = &lossAt
				summary.StreaksLost++

				for _, day := range model.SortedMilestones(cfg.Streak.MilestoneRoleByDay) {
					role := cfg.Streak.MilestoneRoleByDay[day]
					if day > lost || role == "" {
						continue
					}
					cmds = append(cmds, collaborator.RevokeRoleCommand(guildID, userID, role))
					rec.RemoveRole(role)
				}
				cmds = append(cmds, collaborator.SendDMCommand(guildID, userID,
					fmt.Sprintf("You failed to send your required messages yesterday and therefore lost your %d-day message streak!", lost),
					cfg.Streak.OutputChannelID,
					fmt.Sprintf("I couldn't DM <@%s> about their streak loss. They might have DMs disabled.", userID)))
			}

			if last, ok := rec.LastActiveDate(); ok {
				if days, err := model.DaysBetween(last, today); err == nil {
					if inactive := days - 1; inactive > rec.LongestInactivePeriod {
						rec.LongestInactivePeriod = inactive
					}
				}
			}

			rec.DaysTracked++
			rec.AverageMessagesPerDay = float64(rec.TotalMessages) / float64(rec.DaysTracked)

			rec.ThresholdRemaining = cfg.Streak.ThresholdMessages
			rec.ReceivedDailyCredit = false
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reset guild %s: %w", guildID, err)
	}

	for i := 0; i < summary.StreaksLost; i++ {
		e.observer.RecordStreakLoss()
	}
	e.logger.Info("Daily reset complete",
		zap.String("guild_id", guildID),
		zap.String("date", today),
		zap.Int("users", summary.Users),
		zap.Int("streaks_lost", summary.StreaksLost))
	e.dispatch(cmds)
	return summary, nil
}

// LeaderEntry is one ranked user of a leaderboard
type LeaderEntry struct {
	Rank     int    `json:"rank"`
	UserID   string `json:"user_id"`
	Messages int    `json:"messages"`
}

// LeaderSummary describes one guild's leaderboard run
type LeaderSummary struct {
	GuildID string        `json:"guild_id"`
	Skipped bool          `json:"skipped"`
	Leaders []LeaderEntry `json:"leaders"`
}

// AnnounceLeaders ranks the guild's members by messages since the last run,
// rotates the leader role to the top five and resets every message count
func (e *Engine) AnnounceLeaders(ctx context.Context, guildID string) (*LeaderSummary, error) {
	summary := &LeaderSummary{GuildID: guildID}

	cfg, err := e.store.LoadConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if !cfg.MessageLeader.Enabled {
		summary.Skipped = true
		return summary, nil
	}

	// Membership is fetched before taking the guild lock
	var members map[string]collaborator.Member
	if e.members != nil {
		list, err := e.members.ListMembers(ctx, guildID)
		if err != nil {
			e.logger.Warn("Could not list guild members, ranking every recorded user",
				zap.String("guild_id", guildID),
				zap.Error(err))
		} else {
			members = make(map[string]collaborator.Member, len(list))
			for _, m := range list {
				members[m.UserID] = m
			}
		}
	}

	var cmds []collaborator.Command
	err = e.store.Update(ctx, guildID, func(cfg *model.TenantConfig, users model.UserTable) error {
		cmds = nil
		summary.Leaders = rankLeaders(users, members)
		if len(summary.Leaders) == 0 {
			summary.Skipped = true
			return nil
		}

		winners := make(map[string]bool, leaderWinners)
		for i, l := range summary.Leaders {
			if i < leaderWinners {
				winners[l.UserID] = true
			}
		}

		roleID := cfg.MessageLeader.RoleID
		for userID, rec := range users {
			if roleID != "" && !winners[userID] && holdsLeaderRole(userID, rec, members, roleID) {
				cmds = append(cmds, collaborator.RevokeRoleCommand(guildID, userID, roleID))
			}
			if winners[userID] {
				if roleID != "" && !holdsLeaderRole(userID, rec, members, roleID) {
					cmds = append(cmds, collaborator.GrantRoleCommand(guildID, userID, roleID))
				}
				rec.MessageLeaderWins++
				rec.CurrentLeaderRun++
				if rec.CurrentLeaderRun > rec.MostConsecutiveLeader {
					rec.MostConsecutiveLeader = rec.CurrentLeaderRun
				}
			} else {
				rec.CurrentLeaderRun = 0
			}
			if rec.MessageCount > rec.HighestMessageCount {
				rec.HighestMessageCount = rec.MessageCount
			}
			rec.MessageCount = 0
		}
		// Members holding the role without a record still lose it
		for userID, m := range members {
			if _, known := users[userID]; !known && roleID != "" && m.HasRole(roleID) {
				cmds = append(cmds, collaborator.RevokeRoleCommand(guildID, userID, roleID))
			}
		}

		if channel := cfg.MessageLeader.ChannelID; channel != "" {
			cmds = append([]collaborator.Command{
				collaborator.SendMessageCommand(guildID, channel, leaderboardText(summary.Leaders)),
			}, cmds...)
		} else {
			e.logger.Warn("No message leader channel configured", zap.String("guild_id", guildID))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to announce leaders for guild %s: %w", guildID, err)
	}

	e.dispatch(cmds)
	return summary, nil
}

// rankLeaders orders users with messages by count, most first. When
// members is nil every user is eligible.
func rankLeaders(users model.UserTable, members map[string]collaborator.Member) []LeaderEntry {
	var entries []LeaderEntry
	for userID, rec := range users {
		if rec.MessageCount <= 0 {
			continue
		}
		if members != nil {
			if _, ok := members[userID]; !ok {
				continue
			}
		}
		entries = append(entries, LeaderEntry{UserID: userID, Messages: rec.MessageCount})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Messages != entries[j].Messages {
			return entries[i].Messages > entries[j].Messages
		}
		return entries[i].UserID < entries[j].UserID
	})
	if len(entries) > leaderboardSize {
		entries = entries[:leaderboardSize]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// holdsLeaderRole uses the platform's view when available and falls back
// to the user's leader run otherwise
func holdsLeaderRole(userID string, rec *model.UserRecord, members map[string]collaborator.Member, roleID string) bool {
	if members != nil {
		m, ok := members[userID]
		return ok && m.HasRole(roleID)
	}
	return rec.CurrentLeaderRun > 0
}

var placeLabels = []string{"🏆 1st", "🥈 2nd", "🥉 3rd", "🎖️ 4th", "🎖️ 5th"}

func leaderboardText(leaders []LeaderEntry) string {
	var b strings.Builder
	b.WriteString("🎉 **Message Leaders for last week!** 🔥\n\n")
	for i, l := range leaders {
		if i >= len(placeLabels) {
			break
		}
		fmt.Fprintf(&b, "%s: <@%s> (%d messages)\n", placeLabels[i], l.UserID, l.Messages)
	}
	if len(leaders) > len(placeLabels) {
		rest := make([]string, 0, len(leaders)-len(placeLabels))
		for _, l := range leaders[len(placeLabels):] {
			rest = append(rest, fmt.Sprintf("<@%s> (%d)", l.UserID, l.Messages))
		}
		fmt.Fprintf(&b, "📜 6th-10th: %s\n", strings.Join(rest, ", "))
	}
	b.WriteString("\nCongratulations to everyone who participated!")
	return b.String()
}

// ReportSummary describes one guild's activity report
type ReportSummary struct {
	GuildID       string  `json:"guild_id"`
	Kind          string  `json:"kind"`
	Skipped       bool    `json:"skipped"`
	TotalMessages int     `json:"total_messages"`
	Users         int     `json:"users"`
	Average       float64 `json:"average_per_user"`
}

// WeeklyReport posts message totals to the weekly report channel
func (e *Engine) WeeklyReport(ctx context.Context, guildID string) (*ReportSummary, error) {
	return e.report(ctx, guildID, "Weekly", func(cfg *model.TenantConfig) string { return cfg.Reports.WeeklyChannelID })
}

// MonthlyReport posts message totals to the monthly report channel
func (e *Engine) MonthlyReport(ctx context.Context, guildID string) (*ReportSummary, error) {
	return e.report(ctx, guildID, "Monthly", func(cfg *model.TenantConfig) string { return cfg.Reports.MonthlyChannelID })
}

func (e *Engine) report(ctx context.Context, guildID, kind string, channelOf func(*model.TenantConfig) string) (*ReportSummary, error) {
	summary := &ReportSummary{GuildID: guildID, Kind: strings.ToLower(kind)}

	cfg, err := e.store.LoadConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	users, err := e.store.LoadUsers(ctx, guildID)
	if err != nil {
		return nil, err
	}

	for _, rec := range users {
		summary.TotalMessages += rec.MessageCount
	}
	summary.Users = len(users)
	if summary.Users > 0 {
		summary.Average = float64(summary.TotalMessages) / float64(summary.Users)
	}

	channel := channelOf(cfg)
	if channel == "" {
		e.logger.Info("No report channel configured, skipping report",
			zap.String("guild_id", guildID),
			zap.String("kind", summary.Kind))
		summary.Skipped = true
		return summary, nil
	}

	content := fmt.Sprintf("**%s Report**\n\n- Total Messages: %d\n- Total Active Users: %d\n- Average Messages per User: %.2f",
		kind, summary.TotalMessages, summary.Users, summary.Average)
	e.dispatch([]collaborator.Command{collaborator.SendMessageCommand(guildID, channel, content)})
	return summary, nil
}
