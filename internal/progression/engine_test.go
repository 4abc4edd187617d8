package progression

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/collaborator"
	"github.com/devrev/streakd/internal/model"
	"github.com/devrev/streakd/internal/spam"
	"github.com/devrev/streakd/internal/storage/docstore"
	"github.com/devrev/streakd/internal/storage/guildstore"
)

const testGuild = "g1"

type recordingSink struct {
	mu   sync.Mutex
	cmds []collaborator.Command
}

func (s *recordingSink) Dispatch(cmds ...collaborator.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmds...)
}

func (s *recordingSink) take() []collaborator.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.cmds
	s.cmds = nil
	return out
}

func ofKind(cmds []collaborator.Command, kind collaborator.Kind) []collaborator.Command {
	var out []collaborator.Command
	for _, c := range cmds {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fixture struct {
	engine *Engine
	store  *guildstore.Store
	sink   *recordingSink
	clock  *testClock
}

func newFixture(t *testing.T, opts ...func(*EngineConfig)) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := guildstore.NewStore(&guildstore.StoreConfig{
		DataDir:  t.TempDir(),
		Defaults: model.ConfigDefaults{Threshold: 4, XPPerMessage: 10, LevelMultiplier: 1.5},
		Now:      clock.Now,
	}, docstore.NewStore(nil, zap.NewNop()), zap.NewNop())
	sink := &recordingSink{}
	cfg := &EngineConfig{
		StreakCooldown: 3 * time.Second,
		Now:            clock.Now,
	}
	for _, o := range opts {
		o(cfg)
	}
	return &fixture{
		engine: NewEngine(cfg, store, sink, zap.NewNop()),
		store:  store,
		sink:   sink,
		clock:  clock,
	}
}

func (f *fixture) configure(t *testing.T, fn func(cfg *model.TenantConfig)) {
	t.Helper()
	require.NoError(t, f.store.Update(context.Background(), testGuild, func(cfg *model.TenantConfig, _ model.UserTable) error {
		fn(cfg)
		return nil
	}))
}

func (f *fixture) seed(t *testing.T, fn func(users model.UserTable, cfg *model.TenantConfig)) {
	t.Helper()
	require.NoError(t, f.store.Update(context.Background(), testGuild, func(cfg *model.TenantConfig, users model.UserTable) error {
		fn(users, cfg)
		return nil
	}))
}

func (f *fixture) user(t *testing.T, userID string) *model.UserRecord {
	t.Helper()
	users, err := f.store.LoadUsers(context.Background(), testGuild)
	require.NoError(t, err)
	rec, ok := users[userID]
	require.True(t, ok, "user %s has no record", userID)
	return rec
}

// send posts a message after advancing the clock past any cooldown
func (f *fixture) send(t *testing.T, userID, content string) *Outcome {
	t.Helper()
	at := f.clock.Advance(10 * time.Second)
	out, err := f.engine.HandleMessage(context.Background(), MessageEvent{
		GuildID:   testGuild,
		UserID:    userID,
		ChannelID: "c1",
		Content:   content,
		At:        at,
	})
	require.NoError(t, err)
	return out
}

func TestXPRequired(t *testing.T) {
	assert.Equal(t, int64(100), XPRequired(0, 1.5))
	assert.Equal(t, int64(150), XPRequired(1, 1.5))
	assert.Equal(t, int64(225), XPRequired(2, 1.5))
	assert.Equal(t, int64(337), XPRequired(3, 1.5))
	assert.Equal(t, int64(100), XPRequired(50, 1))
}

func TestAddXP_LargeGainSettlesBelowNextLevel(t *testing.T) {
	exp := model.Experience{}
	reached := addXP(&exp, 1_000_000, 1.5)

	assert.Equal(t, 21, exp.Level)
	assert.Len(t, reached, 21)
	assert.Less(t, exp.TotalXP, XPRequired(exp.Level, 1.5))
	assert.GreaterOrEqual(t, exp.TotalXP, int64(0))
	for i, lvl := range reached {
		assert.Equal(t, i+1, lvl)
	}
}

func TestAddXP_NoGainNoLevel(t *testing.T) {
	exp := model.Experience{TotalXP: 99}
	assert.Empty(t, addXP(&exp, 0, 1.5))
	assert.Equal(t, 0, exp.Level)
	assert.Equal(t, int64(99), exp.TotalXP)
}

func TestXPGain(t *testing.T) {
	assert.Equal(t, int64(10), xpGain(10, 1))
	assert.Equal(t, int64(15), xpGain(10, 1.5))
	assert.Equal(t, int64(10), xpGain(10, 0))
}

func TestEngine_ThresholdCreditsStreakOnce(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(cfg *model.TenantConfig) { cfg.Streak.Enabled = true })

	for i := 0; i < 3; i++ {
		out := f.send(t, "u1", strings.Repeat("x", i+1))
		assert.False(t, out.StreakCredited)
	}
	assert.Equal(t, 1, f.user(t, "u1").ThresholdRemaining)

	out := f.send(t, "u1", "fourth")
	assert.True(t, out.StreakCredited)
	assert.Equal(t, 1, out.Streak)

	out = f.send(t, "u1", "fifth")
	assert.False(t, out.StreakCredited)

	rec := f.user(t, "u1")
	assert.Equal(t, 1, rec.Streak)
	assert.Equal(t, 1, rec.HighestStreak)
	assert.Equal(t, 0, rec.ThresholdRemaining)
	assert.True(t, rec.ReceivedDailyCredit)
	assert.Equal(t, 5, rec.MessageCount)
	assert.Equal(t, 5, rec.TotalMessages)
	assert.Equal(t, 1, rec.ActiveDaysCount)

	msgs := ofKind(f.sink.take(), collaborator.KindSendMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].ChannelID)
	assert.Contains(t, msgs[0].Message.Content, "has upped their streak to 1")
}

func TestEngine_StreakMilestoneGrantsRole(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(cfg *model.TenantConfig) {
		cfg.Streak.Enabled = true
		cfg.Streak.ThresholdMessages = 1
		cfg.Streak.OutputChannelID = "out"
		cfg.Streak.MilestoneRoleByDay[1] = "r-day1"
	})
	f.seed(t, func(users model.UserTable, _ *model.TenantConfig) {
		users["u1"] = model.NewUserRecord(1)
	})

	out := f.send(t, "u1", "hello")
	require.True(t, out.StreakCredited)

	cmds := f.sink.take()
	grants := ofKind(cmds, collaborator.KindGrantRole)
	require.Len(t, grants, 1)
	assert.Equal(t, "r-day1", grants[0].RoleID)
	msgs := ofKind(cmds, collaborator.KindSendMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "out", msgs[0].ChannelID)
	assert.Contains(t, msgs[0].Message.Content, "1 Day Streak Role")

	rec := f.user(t, "u1")
	assert.Contains(t, rec.RolesAchieved, "r-day1")
	require.Len(t, rec.MilestonesAchieved, 1)
	assert.Equal(t, 1, rec.MilestonesAchieved[0].Milestone)
}

func TestEngine_CooldownSuppressesProgression(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(cfg *model.TenantConfig) {
		cfg.Streak.Enabled = true
		cfg.Streak.ThresholdMessages = 1
		cfg.Level.Enabled = true
	})
	f.seed(t, func(users model.UserTable, _ *model.TenantConfig) {
		users["u1"] = model.NewUserRecord(1)
	})

	out := f.send(t, "u1", "credit me")
	require.True(t, out.StreakCredited)
	xp := f.user(t, "u1").Experience.TotalXP

	at := f.clock.Advance(time.Second)
	out, err := f.engine.HandleMessage(context.Background(), MessageEvent{
		GuildID: testGuild, UserID: "u1", ChannelID: "c1", Content: "too soon", At: at,
	})
	require.NoError(t, err)
	assert.True(t, out.Cooldown)

	rec := f.user(t, "u1")
	assert.Equal(t, xp, rec.Experience.TotalXP)
	assert.Equal(t, 2, rec.MessageCount)

	assert.Equal(t, 0, f.engine.SweepCooldowns(at))
	assert.Equal(t, 1, f.engine.SweepCooldowns(at.Add(3*time.Second)))
}

func TestEngine_SpamIsIgnored(t *testing.T) {
	filter := spam.NewFilter(&spam.FilterConfig{}, zap.NewNop())
	f := newFixture(t, func(cfg *EngineConfig) { cfg.Spam = filter })
	f.configure(t, func(cfg *model.TenantConfig) { cfg.Level.Enabled = true })

	f.send(t, "u1", "buy cheap gold now")
	at := f.clock.Advance(time.Second)
	out, err := f.engine.HandleMessage(context.Background(), MessageEvent{
		GuildID: testGuild, UserID: "u1", ChannelID: "c1", Content: "buy cheap gold now", At: at,
	})
	require.NoError(t, err)
	assert.True(t, out.Spam)

	rec := f.user(t, "u1")
	assert.Equal(t, 1, rec.MessageCount)
	assert.Equal(t, int64(10), rec.Experience.TotalXP)
}

func TestEngine_LevelUpGrantsRoleAndAnnounces(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(cfg *model.TenantConfig) {
		cfg.Level.Enabled = true
		cfg.Level.XPPerMessage = 300
		cfg.Level.MilestoneRoleByLevel[1] = "r-lvl1"
		cfg.Level.MilestoneRoleByLevel[2] = "r-lvl2"
	})

	out := f.send(t, "u1", "big message")
	assert.Equal(t, 2, out.LevelsGained)
	assert.Equal(t, 2, out.Level)

	cmds := f.sink.take()
	grants := ofKind(cmds, collaborator.KindGrantRole)
	require.Len(t, grants, 2)
	assert.Equal(t, "r-lvl1", grants[0].RoleID)
	assert.Equal(t, "r-lvl2", grants[1].RoleID)
	msgs := ofKind(cmds, collaborator.KindSendMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "🎉 <@u1> has leveled up to level 2!", msgs[0].Message.Content)

	rec := f.user(t, "u1")
	assert.Equal(t, int64(50), rec.Experience.TotalXP)
	assert.Less(t, rec.Experience.TotalXP, XPRequired(rec.Experience.Level, 1.5))
}

func TestEngine_LevelUpMessagesDisabled(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(cfg *model.TenantConfig) {
		cfg.Level.Enabled = true
		cfg.Level.XPPerMessage = 100
		cfg.Level.LevelUpMessages = false
	})

	out := f.send(t, "u1", "hi")
	assert.Equal(t, 1, out.LevelsGained)
	assert.Empty(t, ofKind(f.sink.take(), collaborator.KindSendMessage))
}

func TestEngine_RejectsBadIDs(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.HandleMessage(context.Background(), MessageEvent{GuildID: "../x", UserID: "u1"})
	require.Error(t, err)
	_, err = f.engine.HandleMessage(context.Background(), MessageEvent{GuildID: testGuild, UserID: ""})
	require.Error(t, err)
}

func TestEngine_TracksConversation(t *testing.T) {
	f := newFixture(t)
	at := f.clock.Advance(time.Minute)
	_, err := f.engine.HandleMessage(context.Background(), MessageEvent{
		GuildID: testGuild, UserID: "u1", ChannelID: "c7", Content: "hey <@u2>", At: at, Mention: true, Reply: true,
	})
	require.NoError(t, err)

	rec := f.user(t, "u1")
	assert.Equal(t, []string{"c7"}, rec.ChannelsParticipated)
	assert.Equal(t, 1, rec.MentionsRepliesCount.Mentions)
	assert.Equal(t, 1, rec.MentionsRepliesCount.Replies)
	assert.Equal(t, "hey <@u2>", rec.LastMessage.Content)
	assert.Equal(t, "2024-03-01", rec.LastMessage.Date)
	assert.Equal(t, at.UnixMilli(), rec.LastMessage.At)
}
