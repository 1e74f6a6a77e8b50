package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/minutes/internal/apperr"
	"github.com/MikeSquared-Agency/minutes/internal/fragment"
)

// fakeRooms is an in-memory RoomState.
type fakeRooms struct {
	mu          sync.Mutex
	roomNos     map[string]int64
	transcripts map[int64]bool
	lookupErr   error
	calls       int
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{roomNos: map[string]int64{}, transcripts: map[int64]bool{}}
}

func (f *fakeRooms) ResolveRoomNo(_ context.Context, code string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.lookupErr != nil {
		return 0, false, f.lookupErr
	}
	no, ok := f.roomNos[code]
	return no, ok, nil
}

func (f *fakeRooms) TranscriptExists(_ context.Context, roomNo int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	return f.transcripts[roomNo], nil
}

func newTestRegistry(t *testing.T, rooms RoomState) (*Registry, *fragment.Store) {
	t.Helper()
	fs := fragment.NewStore(t.TempDir())
	return NewRegistry(rooms, fs, nil), fs
}

func upload(t *testing.T, r *Registry, room string, seq int64) error {
	t.Helper()
	_, err := r.RecordFragment(room, fragment.Fragment{ProducerID: "u1", Seq: seq, CaptureTSMs: seq * 1000}, strings.NewReader("data"))
	return err
}

func TestStartSession_DuplicateRejected(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	if _, err := r.StartSession(context.Background(), "R1", nil); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := r.StartSession(context.Background(), "R1", nil)
	if !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected ErrAlreadyRecording, got %v", err)
	}
	if !errors.Is(err, apperr.ErrDuplicateSession) {
		t.Errorf("expected DuplicateSession classification, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("expected exactly one session, got %d", r.Len())
	}
}

func TestStartSession_RejectedWhilePausedOrProcessing(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	r.StartSession(ctx, "R1", nil)
	r.Pause("R1")
	if _, err := r.StartSession(ctx, "R1", nil); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("paused: expected ErrAlreadyRecording, got %v", err)
	}

	r.Stop("R1", "tok")
	if _, err := r.StartSession(ctx, "R1", nil); !errors.Is(err, ErrStillProcessing) {
		t.Errorf("processing: expected ErrStillProcessing, got %v", err)
	}

	r.Complete("R1", true)
	if _, err := r.StartSession(ctx, "R1", nil); !errors.Is(err, ErrStillProcessing) {
		t.Errorf("terminal but not removed: expected ErrStillProcessing, got %v", err)
	}
}

func TestStartSession_ConcurrentStartsCreateOneSession(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.StartSession(context.Background(), "R1", nil); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("expected exactly one accepted start, got %d", accepted)
	}
}

func TestStartSession_RestartAfterRunDependsOnPersistedTranscript(t *testing.T) {
	rooms := newFakeRooms()
	rooms.roomNos["R1"] = 42
	r, _ := newTestRegistry(t, rooms)
	ctx := context.Background()

	snap, err := r.StartSession(ctx, "R1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap.RoomNo == nil || *snap.RoomNo != 42 {
		t.Fatalf("expected resolved room no 42, got %v", snap.RoomNo)
	}
	if _, err := r.StartSession(ctx, "R1", nil); !errors.Is(err, apperr.ErrDuplicateSession) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	r.Stop("R1", "tok")
	if err := r.Finalize("R1", false); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// Failed run left no transcript: restart allowed.
	if _, err := r.StartSession(ctx, "R1", nil); err != nil {
		t.Fatalf("expected restart without transcript to succeed, got %v", err)
	}
	r.Stop("R1", "tok")
	rooms.transcripts[42] = true
	r.Finalize("R1", true)

	_, err = r.StartSession(ctx, "R1", nil)
	if !errors.Is(err, ErrAlreadyTranscribed) {
		t.Fatalf("expected ErrAlreadyTranscribed, got %v", err)
	}
	if errors.Is(err, apperr.ErrDuplicateSession) {
		t.Errorf("already-transcribed must be distinguishable from duplicate")
	}
}

func TestStartSession_InMemoryCheckedBeforeExternal(t *testing.T) {
	rooms := newFakeRooms()
	r, _ := newTestRegistry(t, rooms)

	r.StartSession(context.Background(), "R1", nil)
	before := rooms.calls
	r.StartSession(context.Background(), "R1", nil)
	if rooms.calls != before {
		t.Errorf("expected no external lookup for an in-memory duplicate, got %d extra calls", rooms.calls-before)
	}
}

func TestStartSession_LookupFailureIsCapabilityUnavailable(t *testing.T) {
	rooms := newFakeRooms()
	rooms.lookupErr = errors.New("db down")
	r, _ := newTestRegistry(t, rooms)

	_, err := r.StartSession(context.Background(), "R1", nil)
	if !errors.Is(err, apperr.ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("rejected start must not create a session")
	}
}

func TestStartSession_UnknownRoomAcceptedWithoutNumber(t *testing.T) {
	r, _ := newTestRegistry(t, newFakeRooms())

	snap, err := r.StartSession(context.Background(), "R9", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap.RoomNo != nil {
		t.Errorf("expected nil room no, got %d", *snap.RoomNo)
	}
}

func TestRecordFragment_NoSuchSession(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	if err := upload(t, r, "nope", 1); !errors.Is(err, apperr.ErrNoSuchSession) {
		t.Fatalf("expected ErrNoSuchSession, got %v", err)
	}
}

func TestRecordFragment_AllowedWhilePaused(t *testing.T) {
	r, fs := newTestRegistry(t, nil)
	r.StartSession(context.Background(), "R1", nil)

	if err := upload(t, r, "R1", 1); err != nil {
		t.Fatalf("upload while recording: %v", err)
	}
	r.Pause("R1")
	if err := upload(t, r, "R1", 2); err != nil {
		t.Fatalf("upload while paused: %v", err)
	}

	snap, _ := r.Get("R1")
	if snap.State != StatePaused {
		t.Errorf("upload must not change state, got %s", snap.State)
	}
	if snap.FragmentCount != 2 {
		t.Errorf("expected fragment count 2, got %d", snap.FragmentCount)
	}
	frags, err := fs.ListOrdered("R1")
	if err != nil || len(frags) != 2 {
		t.Errorf("expected 2 indexed fragments, got %d (%v)", len(frags), err)
	}
}

func TestRecordFragment_RejectedAfterStop(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	r.StartSession(context.Background(), "R1", nil)
	r.Stop("R1", "tok")

	if err := upload(t, r, "R1", 1); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestPauseResume_Idempotent(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	r.StartSession(context.Background(), "R1", nil)

	for i := 0; i < 2; i++ {
		snap, err := r.Pause("R1")
		if err != nil || snap.State != StatePaused {
			t.Fatalf("pause #%d: state=%s err=%v", i, snap.State, err)
		}
	}
	for i := 0; i < 2; i++ {
		snap, err := r.Resume("R1")
		if err != nil || snap.State != StateRecording {
			t.Fatalf("resume #%d: state=%s err=%v", i, snap.State, err)
		}
	}
}

func TestPauseResume_InvalidAfterStop(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	r.StartSession(context.Background(), "R1", nil)
	r.Stop("R1", "tok")

	if _, err := r.Pause("R1"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("pause: expected ErrInvalidState, got %v", err)
	}
	if _, err := r.Resume("R1"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("resume: expected ErrInvalidState, got %v", err)
	}
	if _, err := r.Pause("unknown"); !errors.Is(err, apperr.ErrNoSuchSession) {
		t.Errorf("pause unknown: expected ErrNoSuchSession, got %v", err)
	}
}

func TestStop_StampsTokenAndSnapshotIsImmutable(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	no := int64(7)
	r.StartSession(context.Background(), "R1", &no)
	upload(t, r, "R1", 1)

	snap, err := r.Stop("R1", "secret")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if snap.State != StateProcessing || snap.AuthToken != "secret" || snap.StoppedAt == nil {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	*snap.RoomNo = 99
	again, _ := r.Get("R1")
	if *again.RoomNo != 7 {
		t.Errorf("snapshot mutation leaked into registry: %d", *again.RoomNo)
	}

	if _, err := r.Stop("R1", "secret"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("second stop: expected ErrInvalidState, got %v", err)
	}
	if _, err := r.Stop("missing", ""); !errors.Is(err, apperr.ErrNoSuchSession) {
		t.Errorf("unknown stop: expected ErrNoSuchSession, got %v", err)
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	r.StartSession(context.Background(), "R1", nil)
	r.Stop("R1", "tok")

	if err := r.Finalize("R1", true); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if err := r.Finalize("R1", true); err != nil {
		t.Fatalf("second finalize should be a no-op, got %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestComplete_KeepsFirstTerminalState(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	r.StartSession(context.Background(), "R1", nil)
	r.Stop("R1", "tok")

	r.Complete("R1", false)
	snap, err := r.Complete("R1", true)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if snap.State != StateError {
		t.Errorf("expected terminal state to stick at error, got %s", snap.State)
	}
}

func TestComplete_RejectedWhileRecording(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	r.StartSession(context.Background(), "R1", nil)

	if _, err := r.Complete("R1", true); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestList_OrderedByStart(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	r.StartSession(context.Background(), "B", nil)
	r.StartSession(context.Background(), "A", nil)

	got := r.List()
	if len(got) != 2 || got[0].RoomID != "B" || got[1].RoomID != "A" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestStartSession_RejectsUnsafeRoomID(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	if _, err := r.StartSession(context.Background(), "../x", nil); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}
