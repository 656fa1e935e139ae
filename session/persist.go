package session

import (
	"context"
	"crypto/md5" //nolint:gosec // change-detection hash, not security
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/livetrack/telemetry"
)

// WriteQueue debounces and batches session snapshot writes to the Store.
// Snapshots coalesce per session id (newest wins) so a slow sink never
// reorders an account's history, and a down sink degrades to a local JSON
// fallback file instead of losing data.
type WriteQueue struct {
	store Store

	mu        sync.Mutex
	pending   map[string]*Session // session id -> newest snapshot
	timer     *time.Timer
	lastFlush time.Time
	lastHash  string
	inFlight  bool

	debounce      time.Duration
	forceInterval time.Duration
	batchSize     int
	fallbackPath  string

	wake chan struct{}
}

// NewWriteQueue builds a queue. store may be nil (fallback file only).
// fallbackPath is the local JSON file used when the store is unavailable.
func NewWriteQueue(store Store, debounce, forceInterval time.Duration, batchSize int, fallbackPath string) *WriteQueue {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &WriteQueue{
		store:         store,
		pending:       make(map[string]*Session),
		debounce:      debounce,
		forceInterval: forceInterval,
		batchSize:     batchSize,
		fallbackPath:  fallbackPath,
		wake:          make(chan struct{}, 1),
	}
}

// Enqueue schedules a snapshot for writing. The snapshot must not be mutated
// after the call (the ledger hands over clones).
func (q *WriteQueue) Enqueue(s *Session) {
	q.mu.Lock()
	q.pending[s.ID] = s
	forceDue := !q.lastFlush.IsZero() && time.Since(q.lastFlush) > q.forceInterval
	if q.timer != nil {
		q.timer.Stop()
	}
	if forceDue {
		q.timer = nil
		q.mu.Unlock()
		q.signal()
		return
	}
	q.timer = time.AfterFunc(q.debounce, q.signal)
	q.mu.Unlock()
}

func (q *WriteQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start runs the flush loop until ctx is canceled, then performs one final
// synchronous flush so shutdown does not drop buffered snapshots.
func (q *WriteQueue) Start(ctx context.Context) {
	slog.Info("persistence queue started",
		slog.Duration("debounce", q.debounce), slog.Duration("force_interval", q.forceInterval),
		slog.Int("batch_size", q.batchSize))
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := q.Flush(flushCtx); err != nil {
				slog.Warn("final persistence flush", slog.Any("err", err))
			}
			cancel()
			slog.Info("persistence queue stopped")
			return
		case <-q.wake:
			if err := q.Flush(ctx); err != nil {
				slog.Warn("persistence flush", slog.Any("err", err))
			}
		}
	}
}

// Flush writes all pending snapshots now. Failed writes stay pending for the
// next flush and are mirrored to the fallback file. Unchanged data (same
// content hash as the previous flush) is skipped.
func (q *WriteQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.inFlight || len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.inFlight = true
	batch := make([]*Session, 0, len(q.pending))
	for _, s := range q.pending {
		batch = append(batch, s)
	}
	q.pending = make(map[string]*Session)
	q.mu.Unlock()

	// Stable order keeps the hash deterministic and writes predictable.
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

	hash := hashSnapshots(batch)
	q.mu.Lock()
	unchanged := hash == q.lastHash
	q.mu.Unlock()
	if unchanged {
		q.finishFlush(nil, hash)
		return nil
	}

	var failed []*Session
	var firstErr error
	telemetry.Init()
	if q.store != nil {
		for i := 0; i < len(batch); i += q.batchSize {
			end := min(i+q.batchSize, len(batch))
			for _, s := range batch[i:end] {
				if err := q.store.UpsertSession(ctx, s); err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("upsert session %s: %w", s.ID, err)
					}
					telemetry.PersistFailures.Inc()
					failed = append(failed, s)
					continue
				}
				telemetry.PersistWrites.Inc()
			}
		}
	} else {
		failed = batch
	}

	if len(failed) > 0 && q.fallbackPath != "" {
		if err := q.writeFallback(failed); err != nil {
			slog.Warn("fallback file write failed", slog.Any("err", err), slog.String("path", q.fallbackPath))
		} else if q.store != nil {
			slog.Warn("persistence sink unavailable, snapshots kept in fallback file",
				slog.Int("sessions", len(failed)), slog.String("path", q.fallbackPath))
		}
	}

	q.finishFlush(failed, hash)
	return firstErr
}

func (q *WriteQueue) finishFlush(failed []*Session, hash string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = false
	q.lastFlush = time.Now()
	// Only a fully successful flush arms the unchanged-skip; a partial
	// failure must be retried even if the content hash repeats.
	if len(failed) == 0 {
		q.lastHash = hash
	} else {
		q.lastHash = ""
	}
	// Re-queue failures unless a newer snapshot arrived meanwhile.
	for _, s := range failed {
		if q.store == nil {
			continue // fallback file is the sink; nothing to retry
		}
		if _, newer := q.pending[s.ID]; !newer {
			q.pending[s.ID] = s
		}
	}
}

// Pending returns the number of snapshots waiting to be written.
func (q *WriteQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// writeFallback merges snapshots into the local JSON fallback file keyed by
// session id.
func (q *WriteQueue) writeFallback(batch []*Session) error {
	existing := make(map[string]*Session)
	if data, err := os.ReadFile(q.fallbackPath); err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			slog.Warn("fallback file corrupt, rewriting", slog.Any("err", err))
			existing = make(map[string]*Session)
		}
	}
	for _, s := range batch {
		existing[s.ID] = s
	}
	if err := os.MkdirAll(filepath.Dir(q.fallbackPath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.fallbackPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.fallbackPath)
}

func hashSnapshots(batch []*Session) string {
	h := md5.New() //nolint:gosec
	enc := json.NewEncoder(h)
	for _, s := range batch {
		_ = enc.Encode(s)
	}
	return hex.EncodeToString(h.Sum(nil))
}
