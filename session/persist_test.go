package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type captureStore struct {
	mu      sync.Mutex
	upserts []*Session
	fail    error
}

func (s *captureStore) UpsertSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.upserts = append(s.upserts, sess)
	return nil
}

func (s *captureStore) LoadAllSessions(ctx context.Context) (map[string][]*Session, error) {
	return nil, nil
}

func (s *captureStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

func (s *captureStore) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Long debounce keeps the timer from firing so tests drive Flush directly.
const testDebounce = time.Hour

func TestFlushCoalescesPerSession(t *testing.T) {
	store := &captureStore{}
	q := NewWriteQueue(store, testDebounce, time.Hour, 50, "")

	q.Enqueue(&Session{ID: "s1", Account: "alice", Viewer: 1})
	q.Enqueue(&Session{ID: "s1", Account: "alice", Viewer: 2})
	q.Enqueue(&Session{ID: "s1", Account: "alice", Viewer: 3})

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("coalescing failed: %d upserts, want 1", store.count())
	}
	store.mu.Lock()
	v := store.upserts[0].Viewer
	store.mu.Unlock()
	if v != 3 {
		t.Fatalf("newest snapshot must win, got viewer=%d", v)
	}
	if q.Pending() != 0 {
		t.Fatalf("pending after flush = %d", q.Pending())
	}
}

func TestFlushSkipsUnchangedContent(t *testing.T) {
	store := &captureStore{}
	q := NewWriteQueue(store, testDebounce, time.Hour, 50, "")

	snap := &Session{ID: "s1", Account: "alice", Viewer: 7}
	q.Enqueue(snap)
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	q.Enqueue(snap)
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("identical content should be skipped, got %d upserts", store.count())
	}

	q.Enqueue(&Session{ID: "s1", Account: "alice", Viewer: 8})
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.count() != 2 {
		t.Fatalf("changed content must write, got %d upserts", store.count())
	}
}

func TestFlushFailureRetriesAndMirrorsFallback(t *testing.T) {
	dir := t.TempDir()
	fallback := filepath.Join(dir, "sessions.json")
	store := &captureStore{}
	q := NewWriteQueue(store, testDebounce, time.Hour, 50, fallback)

	store.setFail(errors.New("sink down"))
	q.Enqueue(&Session{ID: "s1", Account: "alice", Viewer: 5})
	if err := q.Flush(context.Background()); err == nil {
		t.Fatal("flush should report the sink error")
	}
	if q.Pending() != 1 {
		t.Fatalf("failed snapshot must stay pending, got %d", q.Pending())
	}

	// Fallback file carries the snapshot.
	data, err := os.ReadFile(fallback)
	if err != nil {
		t.Fatalf("fallback file missing: %v", err)
	}
	var byID map[string]*Session
	if err := json.Unmarshal(data, &byID); err != nil {
		t.Fatalf("fallback file not json: %v", err)
	}
	if byID["s1"] == nil || byID["s1"].Viewer != 5 {
		t.Fatalf("fallback content wrong: %+v", byID)
	}

	// Sink heals: the retry must not be skipped by the change hash.
	store.setFail(nil)
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("healed sink should receive the snapshot, got %d upserts", store.count())
	}
	if q.Pending() != 0 {
		t.Fatalf("pending after retry = %d", q.Pending())
	}
}

func TestFlushNewerSnapshotWinsOverRequeuedFailure(t *testing.T) {
	store := &captureStore{}
	q := NewWriteQueue(store, testDebounce, time.Hour, 50, "")

	store.setFail(errors.New("sink down"))
	q.Enqueue(&Session{ID: "s1", Account: "alice", Viewer: 1})
	_ = q.Flush(context.Background())

	// Newer snapshot arrives before the retry.
	q.Enqueue(&Session{ID: "s1", Account: "alice", Viewer: 2})
	store.setFail(nil)
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.upserts) != 1 || store.upserts[0].Viewer != 2 {
		t.Fatalf("newer snapshot must replace requeued failure, got %+v", store.upserts)
	}
}

func TestFallbackFileMergesAcrossWrites(t *testing.T) {
	dir := t.TempDir()
	fallback := filepath.Join(dir, "sessions.json")
	q := NewWriteQueue(nil, testDebounce, time.Hour, 50, fallback)

	q.Enqueue(&Session{ID: "s1", Account: "alice"})
	_ = q.Flush(context.Background())
	q.Enqueue(&Session{ID: "s2", Account: "bob"})
	_ = q.Flush(context.Background())

	data, err := os.ReadFile(fallback)
	if err != nil {
		t.Fatalf("fallback read: %v", err)
	}
	var byID map[string]*Session
	if err := json.Unmarshal(data, &byID); err != nil {
		t.Fatalf("fallback json: %v", err)
	}
	if len(byID) != 2 {
		t.Fatalf("fallback should merge by session id, got %d entries", len(byID))
	}
}

func TestStartFlushesOnShutdown(t *testing.T) {
	store := &captureStore{}
	q := NewWriteQueue(store, testDebounce, time.Hour, 50, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Start(ctx)
		close(done)
	}()

	q.Enqueue(&Session{ID: "s1", Account: "alice"})
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if store.count() != 1 {
		t.Fatalf("shutdown flush missed pending snapshot, got %d upserts", store.count())
	}
}
