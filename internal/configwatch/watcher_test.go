package configwatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/model"
	"github.com/devrev/streakd/internal/storage/docstore"
	"github.com/devrev/streakd/internal/storage/guildstore"
)

type recordingTarget struct {
	mu     sync.Mutex
	guilds []string
}

func (r *recordingTarget) OnThresholdChanged(_ context.Context, guildID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guilds = append(r.guilds, guildID)
	return true, nil
}

func (r *recordingTarget) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.guilds...)
}

func newWatchedStore(t *testing.T) (*guildstore.Store, *Watcher, *recordingTarget) {
	t.Helper()
	store := guildstore.NewStore(&guildstore.StoreConfig{
		DataDir:  t.TempDir(),
		Defaults: model.ConfigDefaults{Threshold: 4, XPPerMessage: 10, LevelMultiplier: 1.5},
	}, docstore.NewStore(nil, zap.NewNop()), zap.NewNop())
	_, err := store.InitGuild(context.Background(), "g1")
	require.NoError(t, err)

	target := &recordingTarget{}
	w, err := New(&Config{Debounce: 20 * time.Millisecond}, store, target, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return store, w, target
}

func setThreshold(t *testing.T, store *guildstore.Store, guildID string, threshold int) {
	t.Helper()
	ctx := context.Background()
	cfg, err := store.LoadConfig(ctx, guildID)
	require.NoError(t, err)
	cfg.Streak.ThresholdMessages = threshold
	require.NoError(t, store.SaveConfig(ctx, guildID, cfg))
}

func TestWatcher_SeedsThresholds(t *testing.T) {
	_, w, _ := newWatchedStore(t)
	seen, ok := w.Seen("g1")
	require.True(t, ok)
	assert.Equal(t, 4, seen)
}

func TestWatcher_ThresholdChangeNotifies(t *testing.T) {
	store, w, target := newWatchedStore(t)

	setThreshold(t, store, "g1", 9)
	require.Eventually(t, func() bool { return len(target.calls()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"g1"}, target.calls())
	seen, _ := w.Seen("g1")
	assert.Equal(t, 9, seen)
}

func TestWatcher_OtherEditsIgnored(t *testing.T) {
	store, _, target := newWatchedStore(t)
	ctx := context.Background()

	cfg, err := store.LoadConfig(ctx, "g1")
	require.NoError(t, err)
	cfg.Level.Enabled = true
	require.NoError(t, store.SaveConfig(ctx, "g1", cfg))

	assert.Never(t, func() bool { return len(target.calls()) > 0 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestWatcher_NewGuildIsWatched(t *testing.T) {
	store, w, target := newWatchedStore(t)
	ctx := context.Background()

	_, err := store.InitGuild(ctx, "g2")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.watched["g2"]
	}, 3*time.Second, 10*time.Millisecond)

	// The first reload only records the threshold
	setThreshold(t, store, "g2", 4)
	time.Sleep(100 * time.Millisecond)
	setThreshold(t, store, "g2", 2)
	require.Eventually(t, func() bool {
		for _, g := range target.calls() {
			if g == "g2" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}
