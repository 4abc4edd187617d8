package configflow

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	streakerrors "github.com/devrev/streakd/internal/errors"
	"github.com/devrev/streakd/internal/model"
	"github.com/devrev/streakd/internal/progression"
	"github.com/devrev/streakd/internal/validation"
)

// State is the lifecycle state of a flow
type State string

const (
	StatePrompted  State = "prompted"
	StateCollected State = "collected"
	StateTimedOut  State = "timed_out"
)

// Milestone flows use these pseudo fields
const (
	FieldAddStreakMilestone    = "milestone.streak.add"
	FieldAddLevelMilestone     = "milestone.level.add"
	FieldRemoveStreakMilestone = "milestone.streak.remove"
	FieldRemoveLevelMilestone  = "milestone.level.remove"
)

const timeoutMessage = "Time ran out. Please try the command again."

// Applier applies a collected value
type Applier interface {
	ApplyConfigEdit(ctx context.Context, guildID, field, value string) (*model.TenantConfig, error)
	AddMilestone(ctx context.Context, guildID string, kind progression.MilestoneKind, value int, roleID string) (int, error)
	RemoveMilestone(ctx context.Context, guildID string, kind progression.MilestoneKind, value int) (int, error)
}

// Observer receives flow instrumentation
type Observer interface {
	RecordConfigFlow(outcome string)
}

// Config holds config flow configuration
type Config struct {
	// Window is how long a flow waits for its value
	Window time.Duration
	// Retention is how long finished flows stay queryable
	Retention time.Duration
	Now       func() time.Time
	Observer  Observer
}

// Flow is a single prompt awaiting one value from one user
type Flow struct {
	ID         string     `json:"flow_id"`
	GuildID    string     `json:"guild_id"`
	UserID     string     `json:"user_id"`
	Field      string     `json:"field"`
	State      State      `json:"state"`
	Prompt     string     `json:"prompt"`
	CreatedAt  time.Time  `json:"created_at"`
	Deadline   time.Time  `json:"deadline"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Value      string     `json:"value,omitempty"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Manager tracks flows in memory. Sweep must be called periodically by
// the owner to time out expired flows.
type Manager struct {
	applier   Applier
	validator *validation.Validator
	window    time.Duration
	retention time.Duration
	now       func() time.Time
	observer  Observer
	logger    *zap.Logger

	mu    sync.Mutex
	flows map[string]*Flow
}

// NewManager creates a flow manager
func NewManager(cfg *Config, applier Applier, logger *zap.Logger) *Manager {
	m := &Manager{
		applier:   applier,
		validator: validation.NewValidator(),
		window:    cfg.Window,
		retention: cfg.Retention,
		now:       cfg.Now,
		observer:  cfg.Observer,
		logger:    logger,
		flows:     make(map[string]*Flow),
	}
	if m.window <= 0 {
		m.window = 15 * time.Second
	}
	if m.retention <= 0 {
		m.retention = time.Minute
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Fields returns every field a flow can collect
func Fields() []string {
	fields := append(progression.ConfigFieldNames(),
		FieldAddStreakMilestone, FieldAddLevelMilestone,
		FieldRemoveStreakMilestone, FieldRemoveLevelMilestone)
	sort.Strings(fields)
	return fields
}

func canonicalField(field string) (string, bool) {
	switch field {
	case FieldAddStreakMilestone, FieldAddLevelMilestone, FieldRemoveStreakMilestone, FieldRemoveLevelMilestone:
		return field, true
	}
	return progression.CanonicalConfigField(field)
}

// Start prompts a user for a field value
func (m *Manager) Start(guildID, userID, field string) (*Flow, error) {
	if err := m.validator.ValidateGuildID(guildID); err != nil {
		return nil, err
	}
	if err := m.validator.ValidateUserID(userID); err != nil {
		return nil, err
	}
	canonical, ok := canonicalField(field)
	if !ok {
		return nil, streakerrors.UnknownField(field, Fields())
	}

	now := m.now()
	f := &Flow{
		ID:        uuid.NewString(),
		GuildID:   guildID,
		UserID:    userID,
		Field:     canonical,
		State:     StatePrompted,
		Prompt:    promptFor(canonical),
		CreatedAt: now,
		Deadline:  now.Add(m.window),
	}

	m.mu.Lock()
	m.flows[f.ID] = f
	m.mu.Unlock()

	m.logger.Debug("Config flow started",
		zap.String("flow_id", f.ID),
		zap.String("guild_id", guildID),
		zap.String("user_id", userID),
		zap.String("field", canonical))
	out := *f
	return &out, nil
}

// Get returns a snapshot of a flow
func (m *Manager) Get(id string) (*Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return nil, streakerrors.NotFound("config flow", id)
	}
	m.expireLocked(f, m.now())
	out := *f
	return &out, nil
}

// Submit collects the flow's value and applies it. A flow collects at most
// one value; a value the applier rejects still ends the flow.
func (m *Manager) Submit(ctx context.Context, id, userID, value string) (*Flow, error) {
	m.mu.Lock()
	f, ok := m.flows[id]
	if !ok {
		m.mu.Unlock()
		return nil, streakerrors.NotFound("config flow", id)
	}
	if f.UserID != userID {
		m.mu.Unlock()
		return nil, streakerrors.Validation("config flow belongs to another user").
			WithDetail("flow_id", id)
	}
	now := m.now()
	m.expireLocked(f, now)
	switch f.State {
	case StateTimedOut:
		m.mu.Unlock()
		return nil, streakerrors.FlowExpired(id).WithDetail("message", timeoutMessage)
	case StateCollected:
		m.mu.Unlock()
		return nil, streakerrors.InvalidState(fmt.Sprintf("config flow %s already collected a value", id))
	}
	f.State = StateCollected
	f.Value = value
	f.FinishedAt = &now
	guildID, field := f.GuildID, f.Field
	m.mu.Unlock()

	result, err := m.apply(ctx, guildID, field, strings.TrimSpace(value))

	m.mu.Lock()
	if err != nil {
		f.Error = err.Error()
	} else {
		f.Result = result
	}
	out := *f
	m.mu.Unlock()

	if err != nil {
		m.record("rejected")
		m.logger.Info("Config flow value rejected",
			zap.String("flow_id", id),
			zap.String("field", field),
			zap.Error(err))
		return &out, err
	}
	m.record("applied")
	m.logger.Info("Config flow applied",
		zap.String("flow_id", id),
		zap.String("guild_id", guildID),
		zap.String("field", field))
	return &out, nil
}

// Sweep times out expired flows and forgets finished flows past retention
func (m *Manager) Sweep(now time.Time) (timedOut, forgotten int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.flows {
		if m.expireLocked(f, now) {
			timedOut++
		}
		if f.FinishedAt != nil && now.Sub(*f.FinishedAt) >= m.retention {
			delete(m.flows, id)
			forgotten++
		}
	}
	return timedOut, forgotten
}

// Len returns the number of tracked flows
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flows)
}

// expireLocked moves a prompted flow past its deadline to TimedOut
func (m *Manager) expireLocked(f *Flow, now time.Time) bool {
	if f.State != StatePrompted || now.Before(f.Deadline) {
		return false
	}
	at := now
	f.State = StateTimedOut
	f.FinishedAt = &at
	f.Result = timeoutMessage
	m.record("timed_out")
	return true
}

func (m *Manager) apply(ctx context.Context, guildID, field, value string) (string, error) {
	switch field {
	case FieldAddStreakMilestone, FieldAddLevelMilestone:
		kind := milestoneKind(field)
		parts := strings.Fields(value)
		if len(parts) != 2 {
			return "", streakerrors.Validation("expected a milestone number followed by a role ID")
		}
		n, err := milestoneNumber(parts[0])
		if err != nil {
			return "", err
		}
		granted, err := m.applier.AddMilestone(ctx, guildID, kind, n, parts[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Milestone for %d %s has been added and roles assigned to %d members who have met the criteria.",
			n, milestoneUnit(kind), granted), nil

	case FieldRemoveStreakMilestone, FieldRemoveLevelMilestone:
		kind := milestoneKind(field)
		n, err := milestoneNumber(value)
		if err != nil {
			return "", err
		}
		if _, err := m.applier.RemoveMilestone(ctx, guildID, kind, n); err != nil {
			if streakerrors.IsNotFound(err) {
				return "", streakerrors.NotFound(string(kind)+" milestone", strconv.Itoa(n)).
					WithDetail("message", fmt.Sprintf("No milestone for %d %s found.", n, milestoneUnit(kind)))
			}
			return "", err
		}
		return fmt.Sprintf("Milestone for %d %s has been removed.", n, milestoneUnit(kind)), nil
	}

	if _, err := m.applier.ApplyConfigEdit(ctx, guildID, field, value); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s has been set to %s.", field, value), nil
}

func (m *Manager) record(outcome string) {
	if m.observer != nil {
		m.observer.RecordConfigFlow(outcome)
	}
}

func milestoneKind(field string) progression.MilestoneKind {
	if strings.HasPrefix(field, "milestone.level.") {
		return progression.MilestoneLevel
	}
	return progression.MilestoneStreak
}

func milestoneUnit(kind progression.MilestoneKind) string {
	if kind == progression.MilestoneLevel {
		return "level"
	}
	return "days"
}

func milestoneNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, streakerrors.Validation("Please provide a valid number.").WithDetail("value", s)
	}
	return n, nil
}

func promptFor(field string) string {
	switch {
	case field == FieldAddStreakMilestone || field == FieldAddLevelMilestone:
		return "Please enter the number of days/level for the milestone followed by the role (e.g., 5 <role id>):"
	case field == FieldRemoveStreakMilestone || field == FieldRemoveLevelMilestone:
		return "Please enter the number of days/level for the milestone to remove:"
	case strings.HasSuffix(field, "ChannelId"):
		return fmt.Sprintf("Please mention the channel for %s:", field)
	case strings.HasSuffix(field, "roleId"):
		return fmt.Sprintf("Please mention the role for %s:", field)
	case strings.HasSuffix(field, "enabled"), field == "level.levelUpMessages":
		return fmt.Sprintf("Please enter true or false for %s:", field)
	}
	return fmt.Sprintf("Please enter the %s:", field)
}
