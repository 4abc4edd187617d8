package progression

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/streakd/internal/collaborator"
	"github.com/devrev/streakd/internal/model"
)

type staticMembers []collaborator.Member

func (m staticMembers) ListMembers(_ context.Context, _ string) ([]collaborator.Member, error) {
	return m, nil
}

func TestDailyReset_BreaksUncreditedStreaks(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(cfg *model.TenantConfig) {
		cfg.Streak.Enabled = true
		cfg.Streak.OutputChannelID = "out"
		cfg.Streak.MilestoneRoleByDay[3] = "r3"
		cfg.Streak.MilestoneRoleByDay[7] = "r7"
	})
	f.seed(t, func(users model.UserTable, _ *model.TenantConfig) {
		lapsed := model.NewUserRecord(4)
		lapsed.Streak = 3
		lapsed.HighestStreak = 5
		lapsed.TotalMessages = 10
		lapsed.DaysTracked = 4
		lapsed.RolesAchieved = []string{"r3"}
		lapsed.MessageHeatmap = []model.HeatmapEntry{{Date: "2024-02-27", Count: 2}}
		users["u1"] = lapsed

		kept := model.NewUserRecord(0)
		kept.Streak = 2
		kept.HighestStreak = 2
		kept.ReceivedDailyCredit = true
		kept.MessageHeatmap = []model.HeatmapEntry{{Date: "2024-02-29", Count: 4}}
		users["u2"] = kept
	})

	summary, err := f.engine.DailyReset(context.Background(), testGuild)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Users)
	assert.Equal(t, 1, summary.StreaksLost)
	assert.Equal(t, "2024-03-01", summary.Date)

	lapsed := f.user(t, "u1")
	assert.Equal(t, 0, lapsed.Streak)
	assert.Equal(t, 5, lapsed.HighestStreak)
	require.NotNil(t, lapsed.LastStreakLossAt)
	assert.Empty(t, lapsed.RolesAchieved)
	assert.Equal(t, 2, lapsed.LongestInactivePeriod)
	assert.Equal(t, 5, lapsed.DaysTracked)
	assert.Equal(t, 2.0, lapsed.AverageMessagesPerDay)
	assert.Equal(t, 4, lapsed.ThresholdRemaining)
	assert.False(t, lapsed.ReceivedDailyCredit)

	kept := f.user(t, "u2")
	assert.Equal(t, 2, kept.Streak)
	assert.Equal(t, 4, kept.ThresholdRemaining)
	assert.False(t, kept.ReceivedDailyCredit)
	assert.Contains(t, kept.MessageHeatmap, model.HeatmapEntry{Date: "2024-03-01", Count: 0})

	cmds := f.sink.take()
	revokes := ofKind(cmds, collaborator.KindRevokeRole)
	require.Len(t, revokes, 1)
	assert.Equal(t, "r3", revokes[0].RoleID)
	dms := ofKind(cmds, collaborator.KindSendDM)
	require.Len(t, dms, 1)
	assert.Equal(t, "u1", dms[0].UserID)
	assert.Contains(t, dms[0].Message.Content, "lost your 3-day message streak")
	assert.Equal(t, "out", dms[0].FallbackChannelID)
}

func TestDailyReset_KeepsStreakInvariant(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(cfg *model.TenantConfig) {
		cfg.Streak.Enabled = true
		cfg.Streak.ThresholdMessages = 1
	})

	for day := 0; day < 3; day++ {
		for _, u := range []string{"u1", "u2", "u3"} {
			if u == "u3" && day == 1 {
				continue
			}
			f.send(t, u, fmt.Sprintf("%s on day %d", u, day))
		}
		_, err := f.engine.DailyReset(context.Background(), testGuild)
		require.NoError(t, err)
	}

	users, err := f.store.LoadUsers(context.Background(), testGuild)
	require.NoError(t, err)
	for id, rec := range users {
		assert.LessOrEqual(t, rec.Streak, rec.HighestStreak, id)
		assert.Equal(t, 1, rec.ThresholdRemaining, id)
		assert.False(t, rec.ReceivedDailyCredit, id)
	}
	assert.Equal(t, 3, users["u1"].Streak)
	assert.Equal(t, 1, users["u3"].Streak)
	assert.Equal(t, 1, users["u3"].HighestStreak)
}

func TestDailyReset_StreaksDisabledKeepsStreaks(t *testing.T) {
	f := newFixture(t)
	f.seed(t, func(users model.UserTable, _ *model.TenantConfig) {
		rec := model.NewUserRecord(4)
		rec.Streak = 4
		rec.HighestStreak = 4
		users["u1"] = rec
	})

	summary, err := f.engine.DailyReset(context.Background(), testGuild)
	require.NoError(t, err)
	assert.Zero(t, summary.StreaksLost)
	assert.Equal(t, 4, f.user(t, "u1").Streak)
	assert.Empty(t, f.sink.take())
}

func seedLeaderboard(t *testing.T, f *fixture) {
	t.Helper()
	f.configure(t, func(cfg *model.TenantConfig) {
		cfg.MessageLeader.Enabled = true
		cfg.MessageLeader.RoleID = "leader"
		cfg.MessageLeader.ChannelID = "lb"
	})
	f.seed(t, func(users model.UserTable, _ *model.TenantConfig) {
		for i := 1; i <= 7; i++ {
			rec := model.NewUserRecord(4)
			rec.MessageCount = (8 - i) * 10
			users[fmt.Sprintf("u%d", i)] = rec
		}
		users["u1"].CurrentLeaderRun = 1
		users["u1"].MostConsecutiveLeader = 1
		users["u6"].CurrentLeaderRun = 2
		users["u8"] = model.NewUserRecord(4)
	})
}

func TestAnnounceLeaders_RotatesRole(t *testing.T) {
	f := newFixture(t)
	seedLeaderboard(t, f)

	summary, err := f.engine.AnnounceLeaders(context.Background(), testGuild)
	require.NoError(t, err)
	assert.False(t, summary.Skipped)
	require.Len(t, summary.Leaders, 7)
	assert.Equal(t, LeaderEntry{Rank: 1, UserID: "u1", Messages: 70}, summary.Leaders[0])
	assert.Equal(t, LeaderEntry{Rank: 7, UserID: "u7", Messages: 10}, summary.Leaders[6])

	cmds := f.sink.take()
	require.NotEmpty(t, cmds)
	assert.Equal(t, collaborator.KindSendMessage, cmds[0].Kind)
	assert.Equal(t, "lb", cmds[0].ChannelID)
	assert.Contains(t, cmds[0].Message.Content, "🏆 1st: <@u1> (70 messages)")
	assert.Contains(t, cmds[0].Message.Content, "📜 6th-10th: <@u6> (20), <@u7> (10)")

	granted := map[string]bool{}
	for _, c := range ofKind(cmds, collaborator.KindGrantRole) {
		granted[c.UserID] = true
	}
	assert.Equal(t, map[string]bool{"u2": true, "u3": true, "u4": true, "u5": true}, granted)
	revokes := ofKind(cmds, collaborator.KindRevokeRole)
	require.Len(t, revokes, 1)
	assert.Equal(t, "u6", revokes[0].UserID)

	users, err := f.store.LoadUsers(context.Background(), testGuild)
	require.NoError(t, err)
	for id, rec := range users {
		assert.Zero(t, rec.MessageCount, id)
	}
	assert.Equal(t, 70, users["u1"].HighestMessageCount)
	assert.Equal(t, 1, users["u1"].MessageLeaderWins)
	assert.Equal(t, 2, users["u1"].CurrentLeaderRun)
	assert.Equal(t, 2, users["u1"].MostConsecutiveLeader)
	assert.Equal(t, 0, users["u6"].CurrentLeaderRun)
	assert.Equal(t, 0, users["u6"].MessageLeaderWins)
}

func TestAnnounceLeaders_UsesMembership(t *testing.T) {
	members := staticMembers{
		{UserID: "u1", Roles: []string{"leader"}},
		{UserID: "u2"},
		{UserID: "u4"},
		{UserID: "ghost", Roles: []string{"leader"}},
	}
	f := newFixture(t, func(cfg *EngineConfig) { cfg.Members = members })
	seedLeaderboard(t, f)

	summary, err := f.engine.AnnounceLeaders(context.Background(), testGuild)
	require.NoError(t, err)
	require.Len(t, summary.Leaders, 3)
	assert.Equal(t, "u4", summary.Leaders[2].UserID)

	cmds := f.sink.take()
	var granted, revoked []string
	for _, c := range ofKind(cmds, collaborator.KindGrantRole) {
		granted = append(granted, c.UserID)
	}
	for _, c := range ofKind(cmds, collaborator.KindRevokeRole) {
		revoked = append(revoked, c.UserID)
	}
	assert.ElementsMatch(t, []string{"u2", "u4"}, granted)
	assert.ElementsMatch(t, []string{"ghost"}, revoked)
}

func TestAnnounceLeaders_Disabled(t *testing.T) {
	f := newFixture(t)
	summary, err := f.engine.AnnounceLeaders(context.Background(), testGuild)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Empty(t, f.sink.take())
}

func TestReports(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(cfg *model.TenantConfig) { cfg.Reports.WeeklyChannelID = "weekly" })
	f.seed(t, func(users model.UserTable, _ *model.TenantConfig) {
		a := model.NewUserRecord(4)
		a.MessageCount = 3
		b := model.NewUserRecord(4)
		b.MessageCount = 4
		users["a"] = a
		users["b"] = b
	})

	weekly, err := f.engine.WeeklyReport(context.Background(), testGuild)
	require.NoError(t, err)
	assert.False(t, weekly.Skipped)
	assert.Equal(t, "weekly", weekly.Kind)
	assert.Equal(t, 7, weekly.TotalMessages)
	assert.Equal(t, 2, weekly.Users)
	assert.Equal(t, 3.5, weekly.Average)

	cmds := f.sink.take()
	require.Len(t, cmds, 1)
	assert.Equal(t, "weekly", cmds[0].ChannelID)
	assert.Contains(t, cmds[0].Message.Content, "**Weekly Report**")
	assert.Contains(t, cmds[0].Message.Content, "Total Messages: 7")
	assert.Contains(t, cmds[0].Message.Content, "Average Messages per User: 3.50")

	monthly, err := f.engine.MonthlyReport(context.Background(), testGuild)
	require.NoError(t, err)
	assert.True(t, monthly.Skipped)
	assert.Empty(t, f.sink.take())
}
