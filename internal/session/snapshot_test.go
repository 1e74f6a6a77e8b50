package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/minutes/internal/fragment"
)

func TestSnapshotter_FlushWritesLatestRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewSnapshotter()
	s.Start(ctx)

	dir := t.TempDir()
	s.Save(dir, Record{RoomID: "R1", State: StateRecording, FragmentCount: 1})
	s.Save(dir, Record{RoomID: "R1", State: StatePaused, FragmentCount: 2})
	s.Save(dir, Record{RoomID: "R1", State: StateProcessing, FragmentCount: 3})

	flushCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := s.Flush(flushCtx, dir); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rec, err := ReadRecord(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.State != StateProcessing || rec.FragmentCount != 3 {
		t.Errorf("expected latest record, got %+v", rec)
	}
	if rec.SchemaVersion != SchemaVersion {
		t.Errorf("expected schema version %d, got %d", SchemaVersion, rec.SchemaVersion)
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, ".metadata-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestSnapshotter_FlushUnknownDirReturnsImmediately(t *testing.T) {
	s := NewSnapshotter()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Flush(ctx, "/nowhere"); err != nil {
		t.Fatalf("expected nil for idle dir, got %v", err)
	}
}

func TestSnapshotter_WriteFailureIsNotFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSnapshotter()
	s.Start(ctx)

	blocker := filepath.Join(t.TempDir(), "file")
	os.WriteFile(blocker, []byte("x"), 0o644)
	// A regular file where a directory is expected makes the write fail.
	s.Save(filepath.Join(blocker, "sub"), Record{RoomID: "R1"})

	flushCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := s.Flush(flushCtx, filepath.Join(blocker, "sub")); err != nil {
		t.Fatalf("flush: %v", err)
	}
	cancel()
	s.Wait()
}

func TestSnapshotter_SaveAfterStopWritesInline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSnapshotter()
	s.Start(ctx)
	cancel()
	s.Wait()

	dir := t.TempDir()
	s.Save(dir, Record{RoomID: "R1", State: StateError})
	rec, err := ReadRecord(dir)
	if err != nil || rec.State != StateError {
		t.Fatalf("expected inline write, got %+v err=%v", rec, err)
	}
}

func TestRegistry_PersistsMetadataOnTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	meta := NewSnapshotter()
	meta.Start(ctx)

	fs := fragment.NewStore(t.TempDir())
	r := NewRegistry(nil, fs, meta)

	r.StartSession(ctx, "R1", nil)
	r.Stop("R1", "tok")
	r.Complete("R1", true)

	flushCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := r.FlushMetadata(flushCtx, "R1"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rec, err := ReadRecord(fs.SessionDir("R1"))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if rec.State != StateCompleted {
		t.Errorf("expected completed, got %s", rec.State)
	}
	if rec.StoppedAt == nil {
		t.Errorf("expected stopped_at to be recorded")
	}
}

func TestRegistry_UploadRacingStopKeepsStoppedRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	meta := NewSnapshotter()
	meta.Start(ctx)

	fs := fragment.NewStore(t.TempDir())
	r := NewRegistry(nil, fs, meta)
	r.StartSession(ctx, "R1", nil)

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			f := fragment.Fragment{ProducerID: "u1", Seq: seq, CaptureTSMs: seq * 1000}
			if _, err := r.RecordFragment("R1", f, strings.NewReader("data")); err == nil {
				accepted.Add(1)
			}
		}(int64(i))
	}
	stopped, err := r.Stop("R1", "tok")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	wg.Wait()

	flushCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := r.FlushMetadata(flushCtx, "R1"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rec, err := ReadRecord(fs.SessionDir("R1"))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if rec.State != StateProcessing {
		t.Errorf("an upload overwrote the stopped record: state %s", rec.State)
	}
	if rec.FragmentCount != stopped.FragmentCount || rec.FragmentCount != accepted.Load() {
		t.Errorf("expected %d fragments in record, got %d (accepted %d)", stopped.FragmentCount, rec.FragmentCount, accepted.Load())
	}
}
