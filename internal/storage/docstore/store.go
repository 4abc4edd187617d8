package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	streakerrors "github.com/devrev/streakd/internal/errors"
	"github.com/devrev/streakd/internal/util"
)

// Document is a JSON object whose members are decoded by the caller
type Document map[string]json.RawMessage

// LoadReport describes how a document was obtained
type LoadReport struct {
	Initialized bool
	Repaired    bool
	Repair      RepairStats
	Dropped     []string
}

// Observer receives store instrumentation
type Observer interface {
	RecordDocumentLoad(outcome string, duration float64)
	RecordDocumentSave(outcome string, duration float64, bytes int)
	RecordDroppedEntries(n int)
	AddSaveQueueLength(delta int)
}

// SpaceGuard rejects writes when the disk is close to full
type SpaceGuard interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}

// StoreConfig holds document store configuration
type StoreConfig struct {
	Guard    SpaceGuard
	Observer Observer
}

// Option adjusts a single Load or Save call
type Option func(*options)

type options struct {
	allowEmpty   bool
	onlyIfAbsent bool
	validate     EntryValidator
}

// WithAllowEmpty lets Save replace a non-empty file with an empty document
func WithAllowEmpty() Option {
	return func(o *options) { o.allowEmpty = true }
}

// WithValidator drops entries rejected by v during sanitization
func WithValidator(v EntryValidator) Option {
	return func(o *options) { o.validate = v }
}

func withOnlyIfAbsent() Option {
	return func(o *options) {
		o.onlyIfAbsent = true
		o.allowEmpty = true
	}
}

// Store loads and saves whole JSON documents by path. Saves to one path run
// one at a time in submission order and loads wait for an in-flight save.
type Store struct {
	logger   *zap.Logger
	guard    SpaceGuard
	observer Observer

	mu    sync.Mutex
	paths map[string]*pathLock

	trackerMu sync.Mutex
	tracker   *util.ContentTracker

	// beforeWrite runs with the path write lock held; tests use it to
	// hold a save in flight or inject a failure
	beforeWrite func(path string, data []byte) error
}

// pathLock is a ticket queue plus the lock guarding the file itself
type pathLock struct {
	queueMu sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64

	file sync.RWMutex
}

// NewStore creates a new document store
func NewStore(cfg *StoreConfig, logger *zap.Logger) *Store {
	s := &Store{
		logger:  logger,
		paths:   make(map[string]*pathLock),
		tracker: util.NewContentTracker(),
	}
	if cfg != nil {
		s.guard = cfg.Guard
		s.observer = cfg.Observer
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	return s
}

func (s *Store) lockFor(path string) *pathLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.paths[path]
	if !ok {
		l = &pathLock{}
		l.cond = sync.NewCond(&l.queueMu)
		s.paths[path] = l
	}
	return l
}

func (l *pathLock) enqueue() {
	l.queueMu.Lock()
	ticket := l.next
	l.next++
	for l.serving != ticket {
		l.cond.Wait()
	}
	l.queueMu.Unlock()
}

func (l *pathLock) done() {
	l.queueMu.Lock()
	l.serving++
	l.cond.Broadcast()
	l.queueMu.Unlock()
}

// pending returns the number of saves queued or in flight
func (l *pathLock) pending() int {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	return int(l.next - l.serving)
}

// Load reads the document at path. A missing file is initialized to an
// empty document. Unparsable content is repaired on a best-effort basis
// and entries that fail sanitization are dropped. Only I/O failures other
// than a missing file are returned as errors.
func (s *Store) Load(ctx context.Context, path string, opts ...Option) (Document, LoadReport, error) {
	var report LoadReport
	if err := ctx.Err(); err != nil {
		return nil, report, err
	}
	o := applyOptions(opts)
	path = filepath.Clean(path)
	start := time.Now()

	raw, err := s.read(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Document not found, initializing empty document", zap.String("path", path))
		written, serr := s.save(ctx, path, Document{}, withOnlyIfAbsent())
		if serr != nil {
			s.observer.RecordDocumentLoad("error", time.Since(start).Seconds())
			return nil, report, serr
		}
		if written {
			report.Initialized = true
			s.observer.RecordDocumentLoad("initialized", time.Since(start).Seconds())
			return Document{}, report, nil
		}
		// Another save created the file first
		raw, err = s.read(path)
	}
	if err != nil {
		s.observer.RecordDocumentLoad("error", time.Since(start).Seconds())
		return nil, report, streakerrors.InternalError("failed to read document", err).
			WithDetail("path", path)
	}

	doc, err := decode(raw)
	if err != nil {
		s.logger.Warn("Document is corrupt, attempting repair",
			zap.String("path", path),
			zap.Error(streakerrors.CorruptData(path, err)))
		doc, report.Repair = Repair(raw)
		report.Repaired = true
		s.logger.Warn("Document repaired",
			zap.String("path", path),
			zap.Int("entries", len(doc)),
			zap.Int("objects", report.Repair.Objects),
			zap.Int("salvaged_members", report.Repair.Salvaged),
			zap.Int("discarded_bytes", report.Repair.DiscardedBytes))
	}

	doc, report.Dropped = Sanitize(doc, o.validate)
	if len(report.Dropped) > 0 {
		s.logger.Error("Dropped invalid document entries",
			zap.String("path", path),
			zap.Strings("keys", report.Dropped))
		s.observer.RecordDroppedEntries(len(report.Dropped))
	}

	outcome := "ok"
	if report.Repaired {
		outcome = "repaired"
	}
	s.observer.RecordDocumentLoad(outcome, time.Since(start).Seconds())
	return doc, report, nil
}

// read returns the file content once no save to path is in flight
func (s *Store) read(path string) ([]byte, error) {
	l := s.lockFor(path)
	l.file.RLock()
	defer l.file.RUnlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(path); err == nil {
		s.observe(path, raw, info.ModTime())
	}
	return raw, nil
}

// Save replaces the document at path. An empty document never overwrites
// a non-empty file unless WithAllowEmpty is given; such a save is skipped
// and returns nil. A failed save does not block saves queued behind it.
func (s *Store) Save(ctx context.Context, path string, doc Document, opts ...Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.save(ctx, filepath.Clean(path), doc, opts...)
	return err
}

func (s *Store) save(_ context.Context, path string, doc Document, opts ...Option) (bool, error) {
	o := applyOptions(opts)
	start := time.Now()
	l := s.lockFor(path)

	s.observer.AddSaveQueueLength(1)
	l.enqueue()
	defer func() {
		l.done()
		s.observer.AddSaveQueueLength(-1)
	}()

	l.file.Lock()
	defer l.file.Unlock()

	info, statErr := os.Stat(path)
	exists := statErr == nil
	if o.onlyIfAbsent && exists {
		return false, nil
	}

	clean, dropped := Sanitize(doc, o.validate)
	if len(dropped) > 0 {
		s.logger.Error("Dropped invalid entries before save",
			zap.String("path", path),
			zap.Strings("keys", dropped))
		s.observer.RecordDroppedEntries(len(dropped))
	}

	if len(clean) == 0 && !o.allowEmpty && exists && !isEmptyFile(path) {
		s.logger.Warn("Skipping save of empty document over existing data",
			zap.String("path", path),
			zap.Error(streakerrors.InvalidState("empty document where content was expected")))
		s.observer.RecordDocumentSave("skipped_empty", time.Since(start).Seconds(), 0)
		return false, nil
	}

	data, err := encode(clean)
	if err != nil {
		s.observer.RecordDocumentSave("error", time.Since(start).Seconds(), 0)
		return false, streakerrors.InternalError("failed to encode document", err).
			WithDetail("path", path)
	}

	if exists && s.unchanged(path, data, info.ModTime()) {
		s.observer.RecordDocumentSave("unchanged", time.Since(start).Seconds(), len(data))
		return false, nil
	}

	if s.guard != nil {
		if err := s.guard.CheckBeforeWrite(uint64(len(data))); err != nil {
			s.logger.Error("Document save rejected by disk guard",
				zap.String("path", path),
				zap.Error(err))
			s.observer.RecordDocumentSave("rejected", time.Since(start).Seconds(), 0)
			return false, err
		}
	}

	if s.beforeWrite != nil {
		if err := s.beforeWrite(path, data); err != nil {
			s.observer.RecordDocumentSave("error", time.Since(start).Seconds(), 0)
			return false, streakerrors.InternalError("failed to save document", err).
				WithDetail("path", path)
		}
	}

	if err := writeAtomic(path, data); err != nil {
		s.forget(path)
		s.logger.Error("Failed to save document",
			zap.String("path", path),
			zap.Error(err))
		s.observer.RecordDocumentSave("error", time.Since(start).Seconds(), 0)
		return false, streakerrors.InternalError("failed to save document", err).
			WithDetail("path", path)
	}

	if info, err := os.Stat(path); err == nil {
		s.observe(path, data, info.ModTime())
	}
	s.observer.RecordDocumentSave("written", time.Since(start).Seconds(), len(data))
	return true, nil
}

func (s *Store) observe(path string, data []byte, modTime time.Time) {
	s.trackerMu.Lock()
	s.tracker.Observe(path, data, modTime)
	s.trackerMu.Unlock()
}

func (s *Store) unchanged(path string, data []byte, modTime time.Time) bool {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	return s.tracker.Unchanged(path, data, modTime)
}

func (s *Store) forget(path string) {
	s.trackerMu.Lock()
	s.tracker.Forget(path)
	s.trackerMu.Unlock()
}

// writeAtomic writes data to a temp file in the target directory and
// renames it over path so readers see either the old or the new file
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func decode(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

func encode(doc Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isEmptyFile(path string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) || bytes.Equal(trimmed, []byte("null"))
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type nopObserver struct{}

func (nopObserver) RecordDocumentLoad(string, float64)      {}
func (nopObserver) RecordDocumentSave(string, float64, int) {}
func (nopObserver) RecordDroppedEntries(int)                {}
func (nopObserver) AddSaveQueueLength(int)                  {}
