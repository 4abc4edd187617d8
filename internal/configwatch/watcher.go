package configwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/storage/guildstore"
)

// ThresholdTarget is told when a guild's threshold changed on disk
type ThresholdTarget interface {
	OnThresholdChanged(ctx context.Context, guildID string) (bool, error)
}

// Config holds watcher configuration
type Config struct {
	// Debounce collapses bursts of events per guild
	Debounce time.Duration
}

// Watcher watches guild config files and restarts the credit day of a
// guild whose daily threshold was edited on disk
type Watcher struct {
	store    *guildstore.Store
	target   ThresholdTarget
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	seen    map[string]int
	pending map[string]time.Time
	watched map[string]bool

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// New creates a watcher over the store's data directory
func New(cfg *Config, store *guildstore.Store, target ThresholdTarget, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		store:    store,
		target:   target,
		watcher:  fw,
		debounce: cfg.Debounce,
		logger:   logger,
		seen:     make(map[string]int),
		pending:  make(map[string]time.Time),
		watched:  make(map[string]bool),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	if w.debounce <= 0 {
		w.debounce = 200 * time.Millisecond
	}
	return w, nil
}

// Start records every guild's current threshold and begins watching
func (w *Watcher) Start(ctx context.Context) error {
	dataDir := w.store.DataDir()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(dataDir); err != nil {
		return err
	}

	guilds, err := w.store.ListGuilds()
	if err != nil {
		return err
	}
	for _, g := range guilds {
		w.watchGuild(ctx, g)
	}

	w.logger.Info("Config watcher started",
		zap.String("data_dir", dataDir),
		zap.Int("guilds", len(guilds)))
	go w.run(ctx)
	return nil
}

// Stop stops watching and waits for the event loop to exit
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		<-w.doneChan
		if err := w.watcher.Close(); err != nil {
			w.logger.Warn("Failed to close config watcher", zap.Error(err))
		}
	})
}

// Seen returns the last threshold observed for a guild
func (w *Watcher) Seen(guildID string) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.seen[guildID]
	return t, ok
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	dataDir := filepath.Clean(w.store.DataDir())
	dir, base := filepath.Split(filepath.Clean(event.Name))
	dir = filepath.Clean(dir)

	// A new guild directory
	if dir == dataDir {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.watchGuild(ctx, base)
		}
		return
	}

	if base != guildstore.ConfigFile || filepath.Dir(dir) != dataDir {
		return
	}
	w.mu.Lock()
	w.pending[filepath.Base(dir)] = time.Now()
	w.mu.Unlock()
}

// flush reloads every guild whose events have settled
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	w.mu.Lock()
	var ready []string
	for g, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, g)
			delete(w.pending, g)
		}
	}
	w.mu.Unlock()

	for _, g := range ready {
		w.reload(ctx, g)
	}
}

func (w *Watcher) watchGuild(ctx context.Context, guildID string) {
	w.mu.Lock()
	already := w.watched[guildID]
	w.watched[guildID] = true
	w.mu.Unlock()
	if already {
		return
	}

	if err := w.watcher.Add(w.store.GuildDir(guildID)); err != nil {
		w.logger.Warn("Failed to watch guild directory",
			zap.String("guild_id", guildID),
			zap.Error(err))
		return
	}
	if !w.store.GuildExists(guildID) {
		return
	}
	cfg, err := w.store.LoadConfig(ctx, guildID)
	if err != nil {
		w.logger.Warn("Failed to load guild config",
			zap.String("guild_id", guildID),
			zap.Error(err))
		return
	}
	w.mu.Lock()
	w.seen[guildID] = cfg.Streak.ThresholdMessages
	w.mu.Unlock()
}

func (w *Watcher) reload(ctx context.Context, guildID string) {
	cfg, err := w.store.LoadConfig(ctx, guildID)
	if err != nil {
		w.logger.Warn("Failed to reload guild config",
			zap.String("guild_id", guildID),
			zap.Error(err))
		return
	}

	threshold := cfg.Streak.ThresholdMessages
	w.mu.Lock()
	last, known := w.seen[guildID]
	w.seen[guildID] = threshold
	w.mu.Unlock()
	if !known || last == threshold {
		return
	}

	w.logger.Info("Threshold changed on disk",
		zap.String("guild_id", guildID),
		zap.Int("previous", last),
		zap.Int("threshold", threshold))
	if _, err := w.target.OnThresholdChanged(ctx, guildID); err != nil {
		w.logger.Error("Failed to apply threshold change",
			zap.String("guild_id", guildID),
			zap.Error(err))
	}
}
