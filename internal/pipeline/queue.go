package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MikeSquared-Agency/minutes/internal/metrics"
	"github.com/MikeSquared-Agency/minutes/internal/session"
)

// ErrQueueClosed is returned by Submit once shutdown has begun.
var ErrQueueClosed = errors.New("pipeline queue closed")

// Processor runs one stopped session to completion.
type Processor interface {
	Process(ctx context.Context, snap session.Snapshot) Run
}

// QueueConfig sizes the worker pool.
type QueueConfig struct {
	Workers int
	Size    int
}

// Queue hands stopped sessions to a fixed pool of workers. Runs execute on a
// context detached from the submitter, so a returned request never cancels them.
type Queue struct {
	proc     Processor
	sessions Sessions
	metrics  *metrics.Metrics
	workers  int

	ch       chan session.Snapshot
	stopping chan struct{}
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int32
}

func NewQueue(proc Processor, sessions Sessions, m *metrics.Metrics, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Size <= 0 {
		cfg.Size = 64
	}
	return &Queue{
		proc:     proc,
		sessions: sessions,
		metrics:  m,
		workers:  cfg.Workers,
		ch:       make(chan session.Snapshot, cfg.Size),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the workers. Cancelling ctx stops intake: workers finish the
// run in hand, and snapshots still queued are marked as errored.
func (q *Queue) Start(ctx context.Context) {
	runCtx := context.WithoutCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, runCtx, i)
	}

	go func() {
		<-ctx.Done()
		close(q.stopping)

		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		q.wg.Wait()
		q.abandonQueued()
		close(q.done)
	}()
}

// Wait blocks until every worker has exited and the queue is drained.
func (q *Queue) Wait() {
	<-q.done
}

// Submit enqueues a snapshot, blocking until there is room, ctx is done or
// the queue shuts down.
func (q *Queue) Submit(ctx context.Context, snap session.Snapshot) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- snap:
		q.metrics.SetQueueDepth(len(q.ch))
		slog.Info("pipeline run queued", "room", snap.RoomID, "depth", len(q.ch))
		return nil
	case <-q.stopping:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of snapshots waiting for a worker.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Active returns the number of runs currently executing.
func (q *Queue) Active() int {
	return int(q.active.Load())
}

func (q *Queue) worker(ctx, runCtx context.Context, id int) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case snap := <-q.ch:
			q.metrics.SetQueueDepth(len(q.ch))
			q.active.Add(1)
			run := q.proc.Process(runCtx, snap)
			q.active.Add(-1)
			slog.Debug("worker finished run", "worker", id, "room", run.RoomID, "success", run.Success)
		}
	}
}

// abandonQueued marks every snapshot nobody picked up as errored. Their
// fragments stay on disk for manual recovery.
func (q *Queue) abandonQueued() {
	for {
		select {
		case snap := <-q.ch:
			slog.Warn("abandoning queued pipeline run at shutdown", "room", snap.RoomID, "session_dir", snap.SessionDir)
			if q.sessions == nil {
				continue
			}
			if _, err := q.sessions.Complete(snap.RoomID, false); err != nil {
				slog.Warn("failed to mark abandoned session", "room", snap.RoomID, "error", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := q.sessions.FlushMetadata(ctx, snap.RoomID); err != nil {
				slog.Warn("metadata flush incomplete", "room", snap.RoomID, "error", err)
			}
			cancel()
		default:
			q.metrics.SetQueueDepth(0)
			return
		}
	}
}
