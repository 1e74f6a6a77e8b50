package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MetadataFile is the per-session snapshot written next to the fragment index.
const MetadataFile = "metadata.json"

// SchemaVersion is bumped whenever Record changes shape.
const SchemaVersion = 1

// Record is the durable, versioned session snapshot.
type Record struct {
	SchemaVersion int        `json:"schema_version"`
	RoomID        string     `json:"room_id"`
	RoomNo        *int64     `json:"room_no,omitempty"`
	State         State      `json:"state"`
	FragmentCount int64      `json:"fragment_count"`
	StartedAt     time.Time  `json:"started_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Snapshotter persists session records off the request path. Saves for the
// same directory coalesce to the latest record; directories drain in FIFO order.
// Write failures are logged and dropped.
type Snapshotter struct {
	mu       sync.Mutex
	pending  map[string]Record
	order    []string
	inflight string
	changed  chan struct{}
	stopped  bool

	wake chan struct{}
	done chan struct{}
}

func NewSnapshotter() *Snapshotter {
	return &Snapshotter{
		pending: make(map[string]Record),
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start runs the writer until ctx is cancelled, then drains what is queued.
func (s *Snapshotter) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.wake:
				s.drain()
			case <-ctx.Done():
				s.drain()
				s.mu.Lock()
				s.stopped = true
				s.mu.Unlock()
				s.drain()
				return
			}
		}
	}()
}

// Wait blocks until the writer has drained and exited.
func (s *Snapshotter) Wait() {
	<-s.done
}

// Save queues rec for dir. After shutdown the write happens inline.
func (s *Snapshotter) Save(dir string, rec Record) {
	rec.SchemaVersion = SchemaVersion

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		writeRecord(dir, rec)
		return
	}
	if _, queued := s.pending[dir]; !queued {
		s.order = append(s.order, dir)
	}
	s.pending[dir] = rec
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until nothing is queued or being written for dir.
func (s *Snapshotter) Flush(ctx context.Context, dir string) error {
	for {
		s.mu.Lock()
		_, queued := s.pending[dir]
		busy := queued || s.inflight == dir
		ch := s.changed
		s.mu.Unlock()

		if !busy {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("flush metadata %s: %w", dir, ctx.Err())
		}
	}
}

func (s *Snapshotter) drain() {
	for {
		s.mu.Lock()
		if len(s.order) == 0 {
			s.mu.Unlock()
			return
		}
		dir := s.order[0]
		s.order = s.order[1:]
		rec := s.pending[dir]
		delete(s.pending, dir)
		s.inflight = dir
		s.mu.Unlock()

		writeRecord(dir, rec)

		s.mu.Lock()
		s.inflight = ""
		close(s.changed)
		s.changed = make(chan struct{})
		s.mu.Unlock()
	}
}

func writeRecord(dir string, rec Record) {
	if err := writeAtomic(filepath.Join(dir, MetadataFile), rec); err != nil {
		slog.Warn("failed to persist session metadata", "room", rec.RoomID, "state", rec.State, "error", err)
	}
}

func writeAtomic(dest string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		cleanup()
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// ReadRecord loads a metadata snapshot from a session directory.
func ReadRecord(dir string) (Record, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode metadata: %w", err)
	}
	return rec, nil
}
