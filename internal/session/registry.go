package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MikeSquared-Agency/minutes/internal/apperr"
	"github.com/MikeSquared-Agency/minutes/internal/fragment"
)

// State of a recording session.
type State string

const (
	StateRecording  State = "recording"
	StatePaused     State = "paused"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Terminal reports whether no transition out of s exists except removal.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Accepting reports whether fragments may be recorded in s.
func (s State) Accepting() bool {
	return s == StateRecording || s == StatePaused
}

// Start rejection reasons. Each implies a different corrective action by the caller.
var (
	ErrAlreadyRecording   = fmt.Errorf("already recording: %w", apperr.ErrDuplicateSession)
	ErrStillProcessing    = fmt.Errorf("previous run still processing: %w", apperr.ErrDuplicateSession)
	ErrAlreadyTranscribed = fmt.Errorf("room already has a transcript: %w", apperr.ErrInvalidState)
)

// RoomState is the persisted-state collaborator consulted before a session starts.
type RoomState interface {
	ResolveRoomNo(ctx context.Context, roomCode string) (roomNo int64, found bool, err error)
	TranscriptExists(ctx context.Context, roomNo int64) (bool, error)
}

// FragmentWriter is the part of the fragment store the registry delegates to.
type FragmentWriter interface {
	Put(roomID string, f fragment.Fragment, body io.Reader) (fragment.Fragment, error)
	SessionDir(roomID string) string
}

// Snapshot is an immutable copy of a session, handed to the pipeline at stop time.
type Snapshot struct {
	RoomID        string     `json:"room_id"`
	RoomNo        *int64     `json:"room_no,omitempty"`
	State         State      `json:"state"`
	FragmentCount int64      `json:"fragment_count"`
	StartedAt     time.Time  `json:"started_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	SessionDir    string     `json:"session_dir"`
	AuthToken     string     `json:"-"`
}

type entry struct {
	mu        sync.RWMutex
	roomID    string
	roomNo    *int64
	state     State
	startedAt time.Time
	stoppedAt *time.Time
	authToken string
	fragments atomic.Int64
}

// Registry is the table of live sessions keyed by room id. Start, Stop,
// Complete and Remove are serialized per room; uploads run concurrently
// under the entry's read lock so a Stop waits for in-flight writes.
type Registry struct {
	rooms     RoomState
	fragments FragmentWriter
	meta      *Snapshotter
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	keys     map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry builds a registry. rooms may be nil when no persisted state is
// available, in which case the external checks at start are skipped.
func NewRegistry(rooms RoomState, fragments FragmentWriter, meta *Snapshotter) *Registry {
	return &Registry{
		rooms:     rooms,
		fragments: fragments,
		meta:      meta,
		now:       time.Now,
		sessions:  make(map[string]*entry),
		keys:      make(map[string]*roomLock),
	}
}

func (r *Registry) lockRoom(roomID string) func() {
	r.mu.Lock()
	l, ok := r.keys[roomID]
	if !ok {
		l = &roomLock{}
		r.keys[roomID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.keys, roomID)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) lookup(roomID string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, apperr.ErrNoSuchSession)
	}
	return e, nil
}

// StartSession creates a recording session. The in-memory table is consulted
// before the persisted state so a run that just finished cannot slip through.
func (r *Registry) StartSession(ctx context.Context, roomID string, roomNo *int64) (Snapshot, error) {
	if err := fragment.ValidRoomID(roomID); err != nil {
		return Snapshot{}, err
	}

	unlock := r.lockRoom(roomID)
	defer unlock()

	r.mu.Lock()
	existing, ok := r.sessions[roomID]
	r.mu.Unlock()
	if ok {
		existing.mu.RLock()
		state := existing.state
		existing.mu.RUnlock()
		if state.Accepting() {
			return Snapshot{}, fmt.Errorf("start %s: %w", roomID, ErrAlreadyRecording)
		}
		return Snapshot{}, fmt.Errorf("start %s: %w", roomID, ErrStillProcessing)
	}

	if r.rooms != nil {
		if roomNo == nil {
			no, found, err := r.rooms.ResolveRoomNo(ctx, roomID)
			if err != nil {
				return Snapshot{}, fmt.Errorf("resolve room %s: %w: %w", roomID, apperr.ErrCapabilityUnavailable, err)
			}
			if found {
				roomNo = &no
			}
		}
		if roomNo != nil {
			exists, err := r.rooms.TranscriptExists(ctx, *roomNo)
			if err != nil {
				return Snapshot{}, fmt.Errorf("check transcript %d: %w: %w", *roomNo, apperr.ErrCapabilityUnavailable, err)
			}
			if exists {
				return Snapshot{}, fmt.Errorf("start %s: %w", roomID, ErrAlreadyTranscribed)
			}
		}
	}

	e := &entry{
		roomID:    roomID,
		roomNo:    roomNo,
		state:     StateRecording,
		startedAt: r.now().UTC(),
	}

	r.mu.Lock()
	r.sessions[roomID] = e
	r.mu.Unlock()

	snap := r.snapshot(e)
	r.persist(snap)
	slog.Info("recording session started", "room", roomID, "room_no", roomNo)
	return snap, nil
}

// RecordFragment stores one fragment. Accepted while recording or paused;
// the state itself is unchanged.
func (r *Registry) RecordFragment(roomID string, f fragment.Fragment, body io.Reader) (fragment.Fragment, error) {
	e, err := r.lookup(roomID)
	if err != nil {
		return fragment.Fragment{}, err
	}

	e.mu.RLock()
	if !e.state.Accepting() {
		state := e.state
		e.mu.RUnlock()
		return fragment.Fragment{}, fmt.Errorf("upload to %s in state %s: %w", roomID, state, apperr.ErrInvalidState)
	}
	stored, err := r.fragments.Put(roomID, f, body)
	if err != nil {
		e.mu.RUnlock()
		return fragment.Fragment{}, fmt.Errorf("store fragment: %w", err)
	}
	e.fragments.Add(1)
	// Enqueue before releasing the entry so a concurrent Stop cannot have its
	// snapshot overwritten by this older one.
	r.persist(r.snapshotLocked(e))
	e.mu.RUnlock()
	return stored, nil
}

// Pause marks the session paused. Calling it on a paused session is a no-op.
func (r *Registry) Pause(roomID string) (Snapshot, error) {
	return r.toggle(roomID, StatePaused)
}

// Resume returns a paused session to recording. Calling it while recording is a no-op.
func (r *Registry) Resume(roomID string) (Snapshot, error) {
	return r.toggle(roomID, StateRecording)
}

func (r *Registry) toggle(roomID string, to State) (Snapshot, error) {
	e, err := r.lookup(roomID)
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	if !e.state.Accepting() {
		state := e.state
		e.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%s %s in state %s: %w", verb(to), roomID, state, apperr.ErrInvalidState)
	}
	changed := e.state != to
	e.state = to
	snap := r.snapshotLocked(e)
	if changed {
		r.persist(snap)
	}
	e.mu.Unlock()
	return snap, nil
}

func verb(to State) string {
	if to == StatePaused {
		return "pause"
	}
	return "resume"
}

// Stop moves the session to processing, stamps the auth token and returns
// the snapshot for the pipeline.
func (r *Registry) Stop(roomID, authToken string) (Snapshot, error) {
	unlock := r.lockRoom(roomID)
	defer unlock()

	e, err := r.lookup(roomID)
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	if !e.state.Accepting() {
		state := e.state
		e.mu.Unlock()
		return Snapshot{}, fmt.Errorf("stop %s in state %s: %w", roomID, state, apperr.ErrInvalidState)
	}
	now := r.now().UTC()
	e.state = StateProcessing
	e.stoppedAt = &now
	e.authToken = authToken
	snap := r.snapshotLocked(e)
	r.persist(snap)
	e.mu.Unlock()

	slog.Info("recording session stopped", "room", roomID, "fragments", snap.FragmentCount)
	return snap, nil
}

// Complete moves a processing session to completed or error and persists the
// terminal snapshot. The entry stays in the table, blocking new starts, until Remove.
// Completing an already terminal session returns its snapshot unchanged.
func (r *Registry) Complete(roomID string, success bool) (Snapshot, error) {
	unlock := r.lockRoom(roomID)
	defer unlock()

	e, err := r.lookup(roomID)
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	if e.state.Terminal() {
		snap := r.snapshotLocked(e)
		e.mu.Unlock()
		return snap, nil
	}
	if e.state != StateProcessing {
		state := e.state
		e.mu.Unlock()
		return Snapshot{}, fmt.Errorf("complete %s in state %s: %w", roomID, state, apperr.ErrInvalidState)
	}
	if success {
		e.state = StateCompleted
	} else {
		e.state = StateError
	}
	snap := r.snapshotLocked(e)
	r.persist(snap)
	e.mu.Unlock()
	return snap, nil
}

// Remove drops the session from the table. Removing an unknown room is a no-op.
func (r *Registry) Remove(roomID string) {
	unlock := r.lockRoom(roomID)
	defer unlock()

	r.mu.Lock()
	delete(r.sessions, roomID)
	r.mu.Unlock()
}

// Finalize completes and removes the session. A session already removed is a silent no-op.
func (r *Registry) Finalize(roomID string, success bool) error {
	if _, err := r.Complete(roomID, success); err != nil {
		if errors.Is(err, apperr.ErrNoSuchSession) {
			return nil
		}
		return err
	}
	r.Remove(roomID)
	return nil
}

// FlushMetadata waits until every queued snapshot for the room has been written.
func (r *Registry) FlushMetadata(ctx context.Context, roomID string) error {
	if r.meta == nil {
		return nil
	}
	return r.meta.Flush(ctx, r.fragments.SessionDir(roomID))
}

// Get returns the current snapshot of one session.
func (r *Registry) Get(roomID string) (Snapshot, error) {
	e, err := r.lookup(roomID)
	if err != nil {
		return Snapshot{}, err
	}
	return r.snapshot(e), nil
}

// List returns all sessions ordered by start time.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of sessions in the table.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) snapshot(e *entry) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return r.snapshotLocked(e)
}

func (r *Registry) snapshotLocked(e *entry) Snapshot {
	snap := Snapshot{
		RoomID:        e.roomID,
		State:         e.state,
		FragmentCount: e.fragments.Load(),
		StartedAt:     e.startedAt,
		SessionDir:    r.fragments.SessionDir(e.roomID),
		AuthToken:     e.authToken,
	}
	if e.roomNo != nil {
		no := *e.roomNo
		snap.RoomNo = &no
	}
	if e.stoppedAt != nil {
		t := *e.stoppedAt
		snap.StoppedAt = &t
	}
	return snap
}

func (r *Registry) persist(snap Snapshot) {
	if r.meta == nil {
		return
	}
	r.meta.Save(snap.SessionDir, Record{
		RoomID:        snap.RoomID,
		RoomNo:        snap.RoomNo,
		State:         snap.State,
		FragmentCount: snap.FragmentCount,
		StartedAt:     snap.StartedAt,
		StoppedAt:     snap.StoppedAt,
		UpdatedAt:     r.now().UTC(),
	})
}
