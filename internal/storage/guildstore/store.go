package guildstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	streakerrors "github.com/devrev/streakd/internal/errors"
	"github.com/devrev/streakd/internal/migrate"
	"github.com/devrev/streakd/internal/model"
	"github.com/devrev/streakd/internal/storage/docstore"
	"github.com/devrev/streakd/internal/validation"
)

const (
	// ConfigFile holds the guild's TenantConfig
	ConfigFile = "config.json"
	// UsersFile maps user IDs to UserRecords
	UsersFile = "userDatabase.json"
)

// StoreConfig holds guild store configuration
type StoreConfig struct {
	DataDir  string
	Defaults model.ConfigDefaults
	// Now defaults to time.Now
	Now func() time.Time
}

// Store lays guilds out as one directory per guild holding a config
// document and a user document, both managed by a docstore.Store
type Store struct {
	dataDir   string
	defaults  model.ConfigDefaults
	now       func() time.Time
	docs      *docstore.Store
	validator *validation.Validator
	logger    *zap.Logger

	mu     sync.Mutex
	guilds map[string]*sync.Mutex
}

// RepairReport describes a RepairGuild run
type RepairReport struct {
	GuildID   string
	Config    docstore.LoadReport
	Users     docstore.LoadReport
	Rewritten bool
}

// MigrateReport describes a MigrateGuild run
type MigrateReport struct {
	GuildID string
	Users   int
}

// NewStore creates a new guild store
func NewStore(cfg *StoreConfig, docs *docstore.Store, logger *zap.Logger) *Store {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		dataDir:   cfg.DataDir,
		defaults:  cfg.Defaults,
		now:       now,
		docs:      docs,
		validator: validation.NewValidator(),
		logger:    logger,
		guilds:    make(map[string]*sync.Mutex),
	}
}

// DataDir returns the root directory holding every guild
func (s *Store) DataDir() string {
	return s.dataDir
}

// Defaults returns the config values new guilds start with
func (s *Store) Defaults() model.ConfigDefaults {
	return s.defaults
}

// GuildDir returns the directory of a guild
func (s *Store) GuildDir(guildID string) string {
	return filepath.Join(s.dataDir, guildID)
}

// ConfigPath returns the path of a guild's config document
func (s *Store) ConfigPath(guildID string) string {
	return filepath.Join(s.dataDir, guildID, ConfigFile)
}

// UsersPath returns the path of a guild's user document
func (s *Store) UsersPath(guildID string) string {
	return filepath.Join(s.dataDir, guildID, UsersFile)
}

// GuildExists reports whether the guild has a directory
func (s *Store) GuildExists(guildID string) bool {
	if s.validator.ValidateGuildID(guildID) != nil {
		return false
	}
	info, err := os.Stat(s.GuildDir(guildID))
	return err == nil && info.IsDir()
}

// ListGuilds returns the IDs of every guild directory in sorted order
func (s *Store) ListGuilds() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, streakerrors.InternalError("failed to list guilds", err).
			WithDetail("data_dir", s.dataDir)
	}
	var guilds []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if s.validator.ValidateGuildID(e.Name()) != nil {
			continue
		}
		guilds = append(guilds, e.Name())
	}
	sort.Strings(guilds)
	return guilds, nil
}

// InitGuild creates the guild directory with a default config and an empty
// user document. For an existing guild it backfills missing config fields.
// Returns true when the guild did not exist before.
func (s *Store) InitGuild(ctx context.Context, guildID string) (bool, error) {
	if err := s.validator.ValidateGuildID(guildID); err != nil {
		return false, err
	}
	lock := s.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()
	return s.initGuild(ctx, guildID)
}

func (s *Store) initGuild(ctx context.Context, guildID string) (bool, error) {
	_, statErr := os.Stat(s.ConfigPath(guildID))
	created := errors.Is(statErr, fs.ErrNotExist)

	if err := os.MkdirAll(s.GuildDir(guildID), 0755); err != nil {
		return false, streakerrors.InternalError("failed to create guild directory", err).
			WithDetail("guild_id", guildID)
	}

	cfg, err := s.LoadConfig(ctx, guildID)
	if err != nil {
		return false, err
	}
	if err := s.SaveConfig(ctx, guildID, cfg); err != nil {
		return false, err
	}
	if _, _, err := s.docs.Load(ctx, s.UsersPath(guildID), docstore.WithValidator(docstore.RequireObject)); err != nil {
		return false, err
	}

	if created {
		s.logger.Info("Initialized guild", zap.String("guild_id", guildID))
	}
	return created, nil
}

// LoadConfig loads and migrates a guild config, filling in defaults. A
// guild without a config gets a new default one, which is not persisted.
func (s *Store) LoadConfig(ctx context.Context, guildID string) (*model.TenantConfig, error) {
	if err := s.validator.ValidateGuildID(guildID); err != nil {
		return nil, err
	}
	doc, _, err := s.docs.Load(ctx, s.ConfigPath(guildID))
	if err != nil {
		return nil, err
	}
	enabledAt := s.now().UTC().Format(time.RFC3339)
	if len(doc) == 0 {
		return model.NewTenantConfig(s.defaults, enabledAt), nil
	}

	raw, err := toObject(doc)
	if err != nil {
		return nil, streakerrors.CorruptData(s.ConfigPath(guildID), err)
	}
	data, err := json.Marshal(migrate.Config(raw))
	if err != nil {
		return nil, streakerrors.InternalError("failed to encode migrated config", err)
	}
	var cfg model.TenantConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		// Sections of the wrong shape; start over from defaults but keep
		// the document around for inspection
		s.logger.Error("Guild config does not decode, using defaults",
			zap.String("guild_id", guildID),
			zap.Error(streakerrors.CorruptData(s.ConfigPath(guildID), err)))
		fresh := model.NewTenantConfig(s.defaults, enabledAt)
		fresh.Extra = map[string]json.RawMessage{"invalid": data}
		return fresh, nil
	}
	cfg.EnsureDefaults(s.defaults, enabledAt)
	return &cfg, nil
}

// SaveConfig persists a guild config
func (s *Store) SaveConfig(ctx context.Context, guildID string, cfg *model.TenantConfig) error {
	doc, err := toDocument(cfg)
	if err != nil {
		return streakerrors.InternalError("failed to encode config", err).WithDetail("guild_id", guildID)
	}
	return s.docs.Save(ctx, s.ConfigPath(guildID), doc)
}

// LoadUsers loads and migrates a guild's user table. Entries that do not
// decode into a UserRecord are dropped and logged.
func (s *Store) LoadUsers(ctx context.Context, guildID string) (model.UserTable, error) {
	if err := s.validator.ValidateGuildID(guildID); err != nil {
		return nil, err
	}
	doc, _, err := s.docs.Load(ctx, s.UsersPath(guildID), docstore.WithValidator(docstore.RequireObject))
	if err != nil {
		return nil, err
	}
	users := make(model.UserTable, len(doc))
	for userID, raw := range doc {
		rec, err := decodeUser(raw)
		if err != nil {
			s.logger.Error("Dropping undecodable user record",
				zap.String("guild_id", guildID),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		users[userID] = rec
	}
	return users, nil
}

// SaveUsers persists a guild's user table
func (s *Store) SaveUsers(ctx context.Context, guildID string, users model.UserTable, opts ...docstore.Option) error {
	doc := make(docstore.Document, len(users))
	for userID, rec := range users {
		if rec == nil {
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return streakerrors.InternalError("failed to encode user record", err).
				WithDetail("guild_id", guildID).
				WithDetail("user_id", userID)
		}
		doc[userID] = data
	}
	opts = append([]docstore.Option{docstore.WithValidator(docstore.RequireObject)}, opts...)
	return s.docs.Save(ctx, s.UsersPath(guildID), doc, opts...)
}

// Update loads a guild's config and users, applies fn and saves both while
// holding the guild's lock. Nothing is saved when fn returns an error. fn
// must not perform external calls; it returns side effects to its caller
// through its closure instead.
func (s *Store) Update(ctx context.Context, guildID string, fn func(cfg *model.TenantConfig, users model.UserTable) error) error {
	if err := s.validator.ValidateGuildID(guildID); err != nil {
		return err
	}
	lock := s.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	if !s.GuildExists(guildID) {
		if _, err := s.initGuild(ctx, guildID); err != nil {
			return err
		}
	}

	cfg, err := s.LoadConfig(ctx, guildID)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	users, err := s.LoadUsers(ctx, guildID)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	before := len(users)

	if err := fn(cfg, users); err != nil {
		return err
	}

	if err := s.SaveConfig(ctx, guildID, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	var opts []docstore.Option
	if before > 0 && len(users) == 0 {
		// Removing the last user is a deliberate empty save
		opts = append(opts, docstore.WithAllowEmpty())
	}
	if err := s.SaveUsers(ctx, guildID, users, opts...); err != nil {
		return fmt.Errorf("failed to save users: %w", err)
	}
	return nil
}

// RepairGuild loads both documents of a guild with repair and rewrites
// any document that needed repair or lost entries
func (s *Store) RepairGuild(ctx context.Context, guildID string) (*RepairReport, error) {
	if err := s.validator.ValidateGuildID(guildID); err != nil {
		return nil, err
	}
	lock := s.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	report := &RepairReport{GuildID: guildID}

	cfgDoc, cfgReport, err := s.docs.Load(ctx, s.ConfigPath(guildID))
	if err != nil {
		return nil, err
	}
	report.Config = cfgReport
	if cfgReport.Repaired || len(cfgReport.Dropped) > 0 {
		if err := s.docs.Save(ctx, s.ConfigPath(guildID), cfgDoc); err != nil {
			return nil, err
		}
		report.Rewritten = true
	}

	userDoc, userReport, err := s.docs.Load(ctx, s.UsersPath(guildID), docstore.WithValidator(docstore.RequireObject))
	if err != nil {
		return nil, err
	}
	report.Users = userReport
	if userReport.Repaired || len(userReport.Dropped) > 0 {
		if err := s.docs.Save(ctx, s.UsersPath(guildID), userDoc, docstore.WithValidator(docstore.RequireObject)); err != nil {
			return nil, err
		}
		report.Rewritten = true
	}

	if report.Rewritten {
		s.logger.Info("Repaired guild documents",
			zap.String("guild_id", guildID),
			zap.Bool("config_repaired", cfgReport.Repaired),
			zap.Bool("users_repaired", userReport.Repaired),
			zap.Int("dropped_users", len(userReport.Dropped)))
	}
	return report, nil
}

// MigrateGuild rewrites a guild's documents in the current schema
func (s *Store) MigrateGuild(ctx context.Context, guildID string) (*MigrateReport, error) {
	report := &MigrateReport{GuildID: guildID}
	err := s.Update(ctx, guildID, func(_ *model.TenantConfig, users model.UserTable) error {
		report.Users = len(users)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Store) guildLock(guildID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.guilds[guildID]
	if !ok {
		l = &sync.Mutex{}
		s.guilds[guildID] = l
	}
	return l
}

func decodeUser(raw json.RawMessage) (*model.UserRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	data, err := json.Marshal(migrate.User(obj))
	if err != nil {
		return nil, err
	}
	var rec model.UserRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.HighestStreak < rec.Streak {
		rec.HighestStreak = rec.Streak
	}
	return &rec, nil
}

func toObject(doc docstore.Document) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func toDocument(v any) (docstore.Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc docstore.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
