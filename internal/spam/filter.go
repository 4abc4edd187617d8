package spam

import (
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"
)

// Observer receives spam filter instrumentation
type Observer interface {
	UpdateSpamSlots(n int)
}

// FilterConfig holds spam filter configuration
type FilterConfig struct {
	// Window is how close two messages must be to count as a burst
	Window time.Duration
	// Threshold is the similarity a burst must exceed to be spam
	Threshold float64
	// SweepInterval controls how often stale slots are evicted
	SweepInterval time.Duration
	Observer      Observer
}

type slotKey struct {
	guildID string
	userID  string
}

type slot struct {
	content string
	at      time.Time
}

// Filter remembers the last accepted message per user and flags rapid
// near-duplicates
type Filter struct {
	window        time.Duration
	threshold     float64
	sweepInterval time.Duration
	observer      Observer
	logger        *zap.Logger

	mu    sync.Mutex
	slots map[slotKey]slot

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewFilter creates a new spam filter
func NewFilter(cfg *FilterConfig, logger *zap.Logger) *Filter {
	f := &Filter{
		window:        cfg.Window,
		threshold:     cfg.Threshold,
		sweepInterval: cfg.SweepInterval,
		observer:      cfg.Observer,
		logger:        logger,
		slots:         make(map[slotKey]slot),
		stopChan:      make(chan struct{}),
	}
	if f.window <= 0 {
		f.window = 2500 * time.Millisecond
	}
	if f.threshold <= 0 {
		f.threshold = 0.85
	}
	return f
}

// Check reports whether a message is spam. Messages that are not spam
// replace the user's slot; spam leaves it untouched.
func (f *Filter) Check(guildID, userID, content string, at time.Time) bool {
	key := slotKey{guildID: guildID, userID: userID}

	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.slots[key]; ok {
		elapsed := at.Sub(prev.at)
		if elapsed < f.window {
			if score := Similarity(prev.content, content); score > f.threshold {
				f.logger.Debug("Rapidly sent similar messages",
					zap.String("guild_id", guildID),
					zap.String("user_id", userID),
					zap.Duration("elapsed", elapsed),
					zap.Float64("similarity", score))
				return true
			}
		}
	}

	f.slots[key] = slot{content: content, at: at}
	return false
}

// Similarity returns (longer - distance) / longer over runes. An empty
// previous message is never similar to anything.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return 0
	}
	longer := len(ra)
	if len(rb) > longer {
		longer = len(rb)
	}
	distance := levenshtein.ComputeDistance(a, b)
	return float64(longer-distance) / float64(longer)
}

// Sweep evicts slots too old to affect any future message
func (f *Filter) Sweep(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	evicted := 0
	for key, s := range f.slots {
		if now.Sub(s.at) >= f.window {
			delete(f.slots, key)
			evicted++
		}
	}
	if f.observer != nil {
		f.observer.UpdateSpamSlots(len(f.slots))
	}
	return evicted
}

// Len returns the number of tracked users
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.slots)
}

// Start runs Sweep in the background until Stop is called
func (f *Filter) Start() {
	if f.sweepInterval <= 0 {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				if n := f.Sweep(now); n > 0 {
					f.logger.Debug("Evicted stale spam slots", zap.Int("count", n))
				}
			case <-f.stopChan:
				return
			}
		}
	}()
}

// Stop stops the background sweep
func (f *Filter) Stop() {
	f.stopOnce.Do(func() { close(f.stopChan) })
	f.wg.Wait()
}
