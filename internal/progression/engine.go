package progression

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/collaborator"
	"github.com/devrev/streakd/internal/model"
	"github.com/devrev/streakd/internal/spam"
	"github.com/devrev/streakd/internal/storage/guildstore"
	"github.com/devrev/streakd/internal/validation"
)

// CommandSink executes side effects after guild state is saved
type CommandSink interface {
	Dispatch(cmds ...collaborator.Command)
}

// MemberDirectory lists the current members of a guild
type MemberDirectory interface {
	ListMembers(ctx context.Context, guildID string) ([]collaborator.Member, error)
}

// Observer receives engine instrumentation
type Observer interface {
	RecordMessage(result string)
	RecordStreakCredit()
	RecordStreakLoss()
	RecordLevelUps(levels int)
}

// EngineConfig holds progression engine configuration
type EngineConfig struct {
	// StreakCooldown suppresses level and streak updates after a streak
	// credit for this long
	StreakCooldown time.Duration
	Location       *time.Location
	Now            func() time.Time
	Spam           *spam.Filter
	Members        MemberDirectory
	Observer       Observer
}

// Engine applies progression rules to guild state. Every operation runs as
// one load-modify-save cycle on the guild store; commands produced by the
// cycle are dispatched only after the save succeeded.
type Engine struct {
	store     *guildstore.Store
	sink      CommandSink
	members   MemberDirectory
	spam      *spam.Filter
	observer  Observer
	validator *validation.Validator
	cooldown  time.Duration
	loc       *time.Location
	now       func() time.Time
	logger    *zap.Logger

	cooldownMu sync.Mutex
	lastCredit map[string]time.Time

	// thresholds holds the last threshold applied to users per guild
	thresholdMu sync.Mutex
	thresholds  map[string]int
}

// MessageEvent is one message observed in a guild
type MessageEvent struct {
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	Content   string    `json:"content"`
	At        time.Time `json:"at"`
	// Mention is set when the message mentions a user
	Mention bool `json:"mention"`
	// Reply is set when the message replies to another message
	Reply bool `json:"reply"`
}

// Outcome describes what a message changed
type Outcome struct {
	Spam           bool                   `json:"spam"`
	Cooldown       bool                   `json:"cooldown"`
	LevelsGained   int                    `json:"levels_gained"`
	Level          int                    `json:"level"`
	StreakCredited bool                   `json:"streak_credited"`
	Streak         int                    `json:"streak"`
	Commands       []collaborator.Command `json:"-"`
}

// NewEngine creates a progression engine
func NewEngine(cfg *EngineConfig, store *guildstore.Store, sink CommandSink, logger *zap.Logger) *Engine {
	e := &Engine{
		store:      store,
		sink:       sink,
		members:    cfg.Members,
		spam:       cfg.Spam,
		observer:   cfg.Observer,
		validator:  validation.NewValidator(),
		cooldown:   cfg.StreakCooldown,
		loc:        cfg.Location,
		now:        cfg.Now,
		logger:     logger,
		lastCredit: make(map[string]time.Time),
		thresholds: make(map[string]int),
	}
	if e.cooldown <= 0 {
		e.cooldown = 3 * time.Second
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	return e
}

// HandleMessage applies one message to the author's record
func (e *Engine) HandleMessage(ctx context.Context, ev MessageEvent) (*Outcome, error) {
	if err := e.validator.ValidateGuildID(ev.GuildID); err != nil {
		return nil, err
	}
	if err := e.validator.ValidateUserID(ev.UserID); err != nil {
		return nil, err
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}

	if e.spam != nil && e.spam.Check(ev.GuildID, ev.UserID, ev.Content, ev.At) {
		e.observer.RecordMessage("spam")
		e.logger.Debug("Ignoring spam message",
			zap.String("guild_id", ev.GuildID),
			zap.String("user_id", ev.UserID))
		return &Outcome{Spam: true}, nil
	}

	out := &Outcome{Cooldown: e.inCooldown(ev.GuildID, ev.UserID, ev.At)}
	today := model.DateKey(ev.At, e.loc)

	err := e.store.Update(ctx, ev.GuildID, func(cfg *model.TenantConfig, users model.UserTable) error {
		out.Commands = nil
		rec := userFor(cfg, users, ev.UserID)
		recordMessage(rec, ev, today)

		if !out.Cooldown {
			if cfg.Level.Enabled {
				cmds, gained := levelUp(cfg, rec, ev)
				out.LevelsGained = gained
				out.Commands = append(out.Commands, cmds...)
			}
			if cfg.Streak.Enabled {
				cmds, credited := creditStreak(cfg, rec, ev)
				out.StreakCredited = credited
				out.Commands = append(out.Commands, cmds...)
			}
		}
		out.Level = rec.Experience.Level
		out.Streak = rec.Streak
		return nil
	})
	if err != nil {
		e.observer.RecordMessage("error")
		return nil, fmt.Errorf("failed to apply message: %w", err)
	}

	if out.StreakCredited {
		e.armCooldown(ev.GuildID, ev.UserID, ev.At)
		e.observer.RecordStreakCredit()
	}
	if out.LevelsGained > 0 {
		e.observer.RecordLevelUps(out.LevelsGained)
	}
	if out.Cooldown {
		e.observer.RecordMessage("cooldown")
	} else {
		e.observer.RecordMessage("accepted")
	}
	e.dispatch(out.Commands)
	return out, nil
}

// recordMessage applies the counters every non-spam message updates
func recordMessage(rec *model.UserRecord, ev MessageEvent, today string) {
	rec.MessageCount++
	rec.TotalMessages++
	if rec.RecordActivity(today) {
		rec.ActiveDaysCount++
	}
	rec.LastMessage = model.LastMessage{
		At:      ev.At.UnixMilli(),
		Content: validation.TruncateContent(ev.Content),
		Date:    today,
	}
	rec.AddChannel(ev.ChannelID)
	if ev.Mention {
		rec.MentionsRepliesCount.Mentions++
	}
	if ev.Reply {
		rec.MentionsRepliesCount.Replies++
	}
}

// userFor returns the user's record, creating it with a full threshold
func userFor(cfg *model.TenantConfig, users model.UserTable, userID string) *model.UserRecord {
	rec, ok := users[userID]
	if !ok || rec == nil {
		rec = model.NewUserRecord(cfg.Streak.ThresholdMessages)
		users[userID] = rec
	}
	return rec
}

func cooldownKey(guildID, userID string) string {
	return guildID + "/" + userID
}

func (e *Engine) inCooldown(guildID, userID string, at time.Time) bool {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	last, ok := e.lastCredit[cooldownKey(guildID, userID)]
	return ok && at.Sub(last) < e.cooldown
}

func (e *Engine) armCooldown(guildID, userID string, at time.Time) {
	e.cooldownMu.Lock()
	e.lastCredit[cooldownKey(guildID, userID)] = at
	e.cooldownMu.Unlock()
}

// SweepCooldowns forgets cooldowns that have expired by now
func (e *Engine) SweepCooldowns(now time.Time) int {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	removed := 0
	for k, at := range e.lastCredit {
		if now.Sub(at) >= e.cooldown {
			delete(e.lastCredit, k)
			removed++
		}
	}
	return removed
}

func (e *Engine) dispatch(cmds []collaborator.Command) {
	if len(cmds) == 0 || e.sink == nil {
		return
	}
	e.sink.Dispatch(cmds...)
}

type nopObserver struct{}

func (nopObserver) RecordMessage(string) {}
func (nopObserver) RecordStreakCredit()  {}
func (nopObserver) RecordStreakLoss()    {}
func (nopObserver) RecordLevelUps(int)   {}
