package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	streakerrors "github.com/devrev/streakd/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	return NewStore(&StoreConfig{}, zap.NewNop()), filepath.Join(t.TempDir(), "g1", "userDatabase.json")
}

func TestLoad_MissingFileInitializes(t *testing.T) {
	s, path := newTestStore(t)

	doc, report, err := s.Load(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, report.Initialized)
	assert.Empty(t, doc)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(raw))
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	want := Document{
		"u1": json.RawMessage(`{"streak":3,"tags":["a","b"]}`),
		"u2": json.RawMessage(`{"streak":0,"note":"<b>&</b>"}`),
	}
	require.NoError(t, s.Save(ctx, path, want))

	got, report, err := s.Load(ctx, path)
	require.NoError(t, err)
	assert.False(t, report.Repaired)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSave_PrettyPrintsWithTwoSpaces(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, s.Save(context.Background(), path, Document{"u1": json.RawMessage(`{"a":1}`)}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"u1\": {\n    \"a\": 1\n  }\n}\n", string(raw))
}

func TestSave_EmptyDocumentDoesNotClobber(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, path, Document{"u1": json.RawMessage(`{"a":1}`)}))
	require.NoError(t, s.Save(ctx, path, Document{}))

	doc, _, err := s.Load(ctx, path)
	require.NoError(t, err)
	assert.Contains(t, doc, "u1")

	require.NoError(t, s.Save(ctx, path, Document{}, WithAllowEmpty()))
	doc, _, err = s.Load(ctx, path)
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestSave_DropsEntriesRejectedByValidator(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	doc := Document{
		"good": json.RawMessage(`{"a":1}`),
		"bad":  json.RawMessage(`42`),
	}
	require.NoError(t, s.Save(ctx, path, doc, WithValidator(RequireObject)))

	got, _, err := s.Load(ctx, path)
	require.NoError(t, err)
	assert.Contains(t, got, "good")
	assert.NotContains(t, got, "bad")
}

func TestLoad_RepairsCorruptFile(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	corrupt := `{"u1": {"streak": 2}, "u2": {"streak": 5}, "u3": {"streak":`
	require.NoError(t, os.WriteFile(path, []byte(corrupt), 0644))

	doc, report, err := s.Load(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, report.Repaired)
	assert.Len(t, doc, 2)
	assert.JSONEq(t, `{"streak":5}`, string(doc["u2"]))
}

func TestLoad_UnreadablePathIsAnError(t *testing.T) {
	s, path := newTestStore(t)
	// A directory where the file should be
	require.NoError(t, os.MkdirAll(path, 0755))

	_, _, err := s.Load(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, streakerrors.ErrCodeInternal, streakerrors.GetCode(err))
}

func TestSave_UnchangedContentIsNotRewritten(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()
	doc := Document{"u1": json.RawMessage(`{"a":1}`)}

	writes := 0
	s.beforeWrite = func(string, []byte) error {
		writes++
		return nil
	}

	require.NoError(t, s.Save(ctx, path, doc))
	require.NoError(t, s.Save(ctx, path, doc))
	assert.Equal(t, 1, writes)

	require.NoError(t, s.Save(ctx, path, Document{"u1": json.RawMessage(`{"a":2}`)}))
	assert.Equal(t, 2, writes)
}

type rejectAll struct{}

func (rejectAll) CheckBeforeWrite(uint64) error {
	return streakerrors.DiskFull(99, 0)
}

func TestSave_RejectedByGuard(t *testing.T) {
	s := NewStore(&StoreConfig{Guard: rejectAll{}}, zap.NewNop())
	path := filepath.Join(t.TempDir(), "doc.json")

	err := s.Save(context.Background(), path, Document{"u1": json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, streakerrors.ErrCodeDiskFull, streakerrors.GetCode(err))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSave_ContextCancelledBeforeEnqueue(t *testing.T) {
	s, path := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Save(ctx, path, Document{"u1": json.RawMessage(`{}`)}), context.Canceled)
}

func waitPending(t *testing.T, s *Store, path string, n int) {
	t.Helper()
	l := s.lockFor(filepath.Clean(path))
	require.Eventually(t, func() bool { return l.pending() == n }, 2*time.Second, time.Millisecond)
}

func TestSave_QueueIsFIFO(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	release := make(chan struct{})
	var order []string
	s.beforeWrite = func(_ string, data []byte) error {
		var doc map[string]string
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		order = append(order, doc["writer"])
		if len(order) == 1 {
			<-release
		}
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("save-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Save(ctx, path, Document{"writer": json.RawMessage(fmt.Sprintf("%q", name))})
			assert.NoError(t, err)
		}()
		waitPending(t, s, path, i+1)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []string{"save-0", "save-1", "save-2", "save-3"}, order)
	doc, _, err := s.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, `"save-3"`, string(doc["writer"]))
}

func TestSave_FailureDoesNotBlockQueue(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	calls := 0
	s.beforeWrite = func(string, []byte) error {
		calls++
		if calls == 1 {
			return errors.New("injected")
		}
		return nil
	}

	assert.Error(t, s.Save(ctx, path, Document{"u1": json.RawMessage(`1`)}))
	require.NoError(t, s.Save(ctx, path, Document{"u1": json.RawMessage(`2`)}))

	doc, _, err := s.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "2", string(doc["u1"]))
}

func TestLoad_WaitsForInFlightSave(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	before := Document{"u1": json.RawMessage(`{"v":"before"}`)}
	after := Document{"u1": json.RawMessage(`{"v":"after"}`)}
	require.NoError(t, s.Save(ctx, path, before))

	started := make(chan struct{})
	release := make(chan struct{})
	s.beforeWrite = func(string, []byte) error {
		close(started)
		<-release
		return nil
	}

	saveDone := make(chan error, 1)
	go func() { saveDone <- s.Save(ctx, path, after) }()
	<-started

	loaded := make(chan Document, 1)
	go func() {
		doc, _, err := s.Load(ctx, path)
		assert.NoError(t, err)
		loaded <- doc
	}()

	select {
	case <-loaded:
		t.Fatal("load returned while a save was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-saveDone)
	got := <-loaded
	if diff := cmp.Diff(after, got); diff != "" {
		t.Errorf("load after save mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentSaveLoad_NeverObservesPartialWrite(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	docs := make([]Document, 8)
	for i := range docs {
		docs[i] = Document{}
		for j := 0; j <= i*20; j++ {
			docs[i][fmt.Sprintf("u%d", j)] = json.RawMessage(fmt.Sprintf(`{"gen":%d,"pad":%q}`, i, strings.Repeat("x", 64)))
		}
	}
	require.NoError(t, s.Save(ctx, path, docs[0]))

	var wg sync.WaitGroup
	for i := range docs {
		doc := docs[i]
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Save(ctx, path, doc))
		}()
		go func() {
			defer wg.Done()
			got, report, err := s.Load(ctx, path)
			assert.NoError(t, err)
			assert.False(t, report.Repaired, "load observed a partial write")
			matched := false
			for _, candidate := range docs {
				if cmp.Equal(candidate, got) {
					matched = true
					break
				}
			}
			assert.True(t, matched, "load returned a document that was never saved")
		}()
	}
	wg.Wait()
}
