package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/minutes/internal/apperr"
	"github.com/MikeSquared-Agency/minutes/internal/audio"
	"github.com/MikeSquared-Agency/minutes/internal/cleanup"
	"github.com/MikeSquared-Agency/minutes/internal/events"
	"github.com/MikeSquared-Agency/minutes/internal/fragment"
	"github.com/MikeSquared-Agency/minutes/internal/metrics"
	"github.com/MikeSquared-Agency/minutes/internal/session"
	"github.com/MikeSquared-Agency/minutes/internal/slack"
	"github.com/MikeSquared-Agency/minutes/internal/store"
	"github.com/MikeSquared-Agency/minutes/internal/summary"
	"github.com/MikeSquared-Agency/minutes/internal/transcription"
)

// Fragments is the read side of the fragment store.
type Fragments interface {
	ListOrdered(roomID string) ([]fragment.Fragment, error)
	MergedPath(roomID string) string
	Forget(roomID string)
}

// Remuxer turns fragments into one normalized PCM stream.
type Remuxer interface {
	Transcode(ctx context.Context, input, output string) error
	Concat(ctx context.Context, inputs []string, output string) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, language string) (transcription.Result, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, text string, maxInputChars int) (string, error)
}

// Store is the persistence the pipeline writes results through.
type Store interface {
	ResolveRoomNo(ctx context.Context, roomCode string) (int64, bool, error)
	SaveTranscript(ctx context.Context, roomNo int64, text string) error
	SaveSummary(ctx context.Context, sum store.Summary) error
	UpdateLinkedContent(ctx context.Context, roomNo int64, contents string) (bool, error)
	GetMeeting(ctx context.Context, roomNo int64) (store.Meeting, error)
	Participants(ctx context.Context, roomNo int64) ([]int64, error)
}

type Notifier interface {
	Notify(ctx context.Context, roomNo int64, participants []int64, title, authToken string) error
}

// Sessions is the registry surface used to finalize a run.
type Sessions interface {
	Complete(roomID string, success bool) (session.Snapshot, error)
	FlushMetadata(ctx context.Context, roomID string) error
	Remove(roomID string)
}

type Cleaner interface {
	Cleanup(sessionDir string, outcome cleanup.Outcome) cleanup.Report
}

type Alerter interface {
	PostRunFailure(ctx context.Context, f slack.RunFailure) error
}

type EventPublisher interface {
	PublishEvent(e events.Event) error
}

// Config tunes the pipeline stages.
type Config struct {
	Language          string
	MinFragmentBytes  int64
	SummaryInputLimit int
	SummaryTimeout    time.Duration
	NotifyTimeout     time.Duration
	FinalizeTimeout   time.Duration
}

// Deps are the collaborators of an Orchestrator. Notifier, Alerter,
// Publisher and Metrics are optional.
type Deps struct {
	Fragments   Fragments
	Remuxer     Remuxer
	Transcriber Transcriber
	Summarizer  Summarizer
	Store       Store
	Sessions    Sessions
	Cleaner     Cleaner
	Notifier    Notifier
	Alerter     Alerter
	Publisher   EventPublisher
	Metrics     *metrics.Metrics
}

// Orchestrator runs merge, transcribe, persist, summarize and notify for one
// stopped session, then finalizes and cleans it up whatever happened.
type Orchestrator struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if cfg.MinFragmentBytes <= 0 {
		cfg.MinFragmentBytes = 1024
	}
	if cfg.SummaryInputLimit <= 0 {
		cfg.SummaryInputLimit = 8000
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 5 * time.Minute
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 10 * time.Second
	}
	return &Orchestrator{cfg: cfg, deps: deps, now: time.Now}
}

// Process executes one run. It never panics and always finalizes the session.
func (o *Orchestrator) Process(ctx context.Context, snap session.Snapshot) Run {
	run := Run{
		RunID:     uuid.New().String(),
		RoomID:    snap.RoomID,
		RoomNo:    snap.RoomNo,
		StartedAt: o.now().UTC(),
	}
	slog.Info("pipeline run started", "room", snap.RoomID, "run_id", run.RunID, "fragments", snap.FragmentCount)

	start := o.now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("pipeline run panicked", "room", snap.RoomID, "run_id", run.RunID, "panic", r, "stack", string(debug.Stack()))
				run.fail(fmt.Errorf("panic: %v", r))
			}
		}()
		o.execute(ctx, snap, &run, &start)
	}()
	run.Elapsed = o.now().Sub(start)
	run.ElapsedMs = run.Elapsed.Milliseconds()

	o.finalize(snap, &run)
	return run
}

// execute runs the stages. start is reset when the merge stage begins.
func (o *Orchestrator) execute(ctx context.Context, snap session.Snapshot, run *Run, start *time.Time) {
	roomNo, err := o.resolveRoom(ctx, snap, run)
	if err != nil {
		run.fail(err)
		return
	}
	run.RoomNo = &roomNo
	*start = o.now()

	merged, err := o.merge(ctx, snap.RoomID, run)
	if err != nil {
		run.fail(err)
		return
	}

	text, err := o.transcribe(ctx, merged, run)
	if err != nil {
		run.fail(err)
		return
	}

	if err := o.persistTranscript(ctx, roomNo, text, run); err != nil {
		run.fail(err)
		return
	}
	run.Success = true

	sections := o.summarize(ctx, text, run)
	o.persistSummary(ctx, roomNo, sections, run)
	o.notify(ctx, roomNo, snap.AuthToken, run)
}

// step times fn and appends its result to the run. A panic inside fn is
// recorded as that step's error so later stages still run.
func (o *Orchestrator) step(run *Run, name string, fn func(detail map[string]any) error) error {
	detail := map[string]any{}
	t0 := o.now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("pipeline step panicked", "room", run.RoomID, "step", name, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("panic in %s: %v", name, r)
			}
		}()
		return fn(detail)
	}()
	d := o.now().Sub(t0)

	res := StepResult{Name: name, Success: err == nil, DurationMs: d.Milliseconds()}
	if len(detail) > 0 {
		res.Detail = detail
	}
	if err != nil {
		res.Error = err.Error()
		slog.Warn("pipeline step failed", "room", run.RoomID, "step", name, "error", err)
	} else {
		slog.Info("pipeline step done", "room", run.RoomID, "step", name, "duration", d)
	}
	run.Steps = append(run.Steps, res)
	o.deps.Metrics.RecordStep(name, err == nil, d)
	return err
}

func (o *Orchestrator) resolveRoom(ctx context.Context, snap session.Snapshot, run *Run) (int64, error) {
	if snap.RoomNo != nil {
		return *snap.RoomNo, nil
	}

	var roomNo int64
	err := o.step(run, StepResolveRoom, func(detail map[string]any) error {
		no, found, err := o.deps.Store.ResolveRoomNo(ctx, snap.RoomID)
		if err != nil {
			return fmt.Errorf("resolve room %s: %w: %w", snap.RoomID, apperr.ErrCapabilityUnavailable, err)
		}
		if !found {
			return fmt.Errorf("room %s has no numeric id: %w", snap.RoomID, apperr.ErrNoSuchSession)
		}
		roomNo = no
		detail["room_no"] = no
		return nil
	})
	return roomNo, err
}

func (o *Orchestrator) merge(ctx context.Context, roomID string, run *Run) (string, error) {
	output := o.deps.Fragments.MergedPath(roomID)
	err := o.step(run, StepMerge, func(detail map[string]any) error {
		frags, err := o.deps.Fragments.ListOrdered(roomID)
		if err != nil {
			return fmt.Errorf("list fragments: %w", err)
		}

		valid := make([]string, 0, len(frags))
		for _, f := range frags {
			fi, err := os.Stat(f.Location)
			if err != nil || fi.Size() <= o.cfg.MinFragmentBytes {
				continue
			}
			valid = append(valid, f.Location)
		}
		detail["fragments"] = len(frags)
		detail["valid"] = len(valid)
		detail["excluded"] = len(frags) - len(valid)
		if len(valid) == 0 {
			return fmt.Errorf("room %s: %w", roomID, apperr.ErrNoValidFragments)
		}

		if len(valid) == 1 {
			detail["mode"] = "transcode"
			err = o.deps.Remuxer.Transcode(ctx, valid[0], output)
		} else {
			detail["mode"] = "concat"
			err = o.deps.Remuxer.Concat(ctx, valid, output)
		}
		if err != nil {
			return fmt.Errorf("remux: %w: %w", apperr.ErrCapabilityUnavailable, err)
		}

		fi, err := os.Stat(output)
		if err != nil {
			return fmt.Errorf("merged output missing: %w: %w", apperr.ErrCapabilityUnavailable, err)
		}
		detail["output_bytes"] = fi.Size()
		if info, err := audio.ProbeWAVFile(output); err == nil {
			detail["duration_s"] = info.Duration
		} else {
			slog.Debug("merged output is not a readable wav", "room", roomID, "error", err)
		}
		return nil
	})
	return output, err
}

func (o *Orchestrator) transcribe(ctx context.Context, merged string, run *Run) (string, error) {
	var text string
	err := o.step(run, StepTranscribe, func(detail map[string]any) error {
		res, err := o.deps.Transcriber.Transcribe(ctx, merged, o.cfg.Language)
		if err != nil {
			return fmt.Errorf("transcribe: %w", err)
		}
		text = strings.TrimSpace(res.Text)
		if text == "" {
			return fmt.Errorf("transcribe %s: %w", run.RoomID, apperr.ErrEmptyTranscript)
		}
		detail["chars"] = len([]rune(text))
		detail["audio_duration_s"] = res.Duration
		if res.Language != "" {
			detail["language"] = res.Language
		}
		return nil
	})
	return text, err
}

func (o *Orchestrator) persistTranscript(ctx context.Context, roomNo int64, text string, run *Run) error {
	return o.step(run, StepPersistTranscript, func(detail map[string]any) error {
		if err := o.deps.Store.SaveTranscript(ctx, roomNo, text); err != nil {
			return fmt.Errorf("save transcript: %w", err)
		}
		o.updateLinked(ctx, roomNo, text, detail)
		return nil
	})
}

// updateLinked pushes contents to the room's linked entry. Failures are
// recorded in detail and never fail the calling step.
func (o *Orchestrator) updateLinked(ctx context.Context, roomNo int64, contents string, detail map[string]any) {
	updated, err := o.deps.Store.UpdateLinkedContent(ctx, roomNo, contents)
	if err != nil {
		slog.Warn("linked content update failed", "room_no", roomNo, "error", err)
		detail["linked_error"] = err.Error()
	}
	detail["linked"] = updated
}

// summarize never fails the run: on any summarizer error the deterministic
// fallback is used and the step is marked with FallbackUsed.
func (o *Orchestrator) summarize(ctx context.Context, text string, run *Run) summary.Sections {
	var sections summary.Sections
	err := o.step(run, StepSummarize, func(detail map[string]any) error {
		detail["input_chars"] = len([]rune(text))
		detail["input_limit"] = o.cfg.SummaryInputLimit
		if o.deps.Summarizer == nil {
			return fmt.Errorf("summarizer not configured: %w", apperr.ErrCapabilityUnavailable)
		}

		sctx, cancel := context.WithTimeout(ctx, o.cfg.SummaryTimeout)
		defer cancel()
		md, err := o.deps.Summarizer.Summarize(sctx, text, o.cfg.SummaryInputLimit)
		if err != nil {
			return fmt.Errorf("summarize: %w", err)
		}
		sections = summary.Parse(md)
		return nil
	})
	if err != nil {
		sections = summary.Fallback(text)
		run.AISummaryFailed = true
		last := &run.Steps[len(run.Steps)-1]
		last.FallbackUsed = true
	}
	return sections
}

func (o *Orchestrator) persistSummary(ctx context.Context, roomNo int64, sections summary.Sections, run *Run) {
	_ = o.step(run, StepPersistSummary, func(detail map[string]any) error {
		sum := store.Summary{
			RoomNo:      roomNo,
			Summary:     sections.Summary,
			ActionItems: sections.ActionItems,
			Decisions:   sections.Decisions,
		}
		if err := o.deps.Store.SaveSummary(ctx, sum); err != nil {
			return fmt.Errorf("save summary: %w", err)
		}
		o.updateLinked(ctx, roomNo, sections.Record(), detail)
		return nil
	})
}

func (o *Orchestrator) notify(ctx context.Context, roomNo int64, authToken string, run *Run) {
	if o.deps.Notifier == nil {
		slog.Debug("no notifier configured, skipping", "room", run.RoomID)
		return
	}
	_ = o.step(run, StepNotify, func(detail map[string]any) error {
		title := run.RoomID
		if m, err := o.deps.Store.GetMeeting(ctx, roomNo); err == nil && m.Title != "" {
			title = m.Title
		}
		participants, err := o.deps.Store.Participants(ctx, roomNo)
		if err != nil {
			return fmt.Errorf("load participants: %w", err)
		}
		detail["participants"] = len(participants)

		nctx, cancel := context.WithTimeout(ctx, o.cfg.NotifyTimeout)
		defer cancel()
		return o.deps.Notifier.Notify(nctx, roomNo, participants, title, authToken)
	})
}

// finalize records the terminal state, waits for pending metadata writes,
// disposes of artifacts and finally removes the session from the registry.
// It runs on its own context so a cancelled run still finishes cleanly.
func (o *Orchestrator) finalize(snap session.Snapshot, run *Run) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.FinalizeTimeout)
	defer cancel()

	if _, err := o.deps.Sessions.Complete(snap.RoomID, run.Success); err != nil && !errors.Is(err, apperr.ErrNoSuchSession) {
		slog.Error("failed to complete session", "room", snap.RoomID, "error", err)
	}
	if err := o.deps.Sessions.FlushMetadata(ctx, snap.RoomID); err != nil {
		slog.Warn("metadata flush incomplete", "room", snap.RoomID, "error", err)
	}

	rep := o.deps.Cleaner.Cleanup(snap.SessionDir, cleanup.Outcome{
		Success:       run.Success,
		SummaryFailed: run.AISummaryFailed,
	})
	run.Cleanup = &rep
	o.deps.Fragments.Forget(snap.RoomID)
	o.deps.Sessions.Remove(snap.RoomID)

	o.deps.Metrics.RecordRun(run.Success, run.AISummaryFailed, run.Elapsed)

	slog.Info("pipeline run finished",
		"room", run.RoomID,
		"run_id", run.RunID,
		"success", run.Success,
		"ai_summary_failed", run.AISummaryFailed,
		"elapsed", run.Elapsed,
		"error", run.Error,
	)

	o.publish(run)
	if !run.Success {
		o.alert(ctx, run)
	}
}

func (o *Orchestrator) publish(run *Run) {
	if o.deps.Publisher == nil {
		return
	}
	eventType := events.TypePipelineCompleted
	if !run.Success {
		eventType = events.TypePipelineFailed
	}
	if err := o.deps.Publisher.PublishEvent(events.New(eventType, run.RoomID, run)); err != nil {
		slog.Warn("failed to publish pipeline event", "room", run.RoomID, "error", err)
	}
}

func (o *Orchestrator) alert(ctx context.Context, run *Run) {
	if o.deps.Alerter == nil {
		return
	}
	err := o.deps.Alerter.PostRunFailure(ctx, slack.RunFailure{
		RunID:      run.RunID,
		RoomID:     run.RoomID,
		RoomNo:     run.RoomNo,
		FailedStep: run.FailedStep(),
		Error:      run.Error,
		Elapsed:    run.Elapsed,
	})
	if err != nil {
		slog.Warn("failed to post failure alert", "room", run.RoomID, "error", err)
	}
}
