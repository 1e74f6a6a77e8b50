package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MikeSquared-Agency/minutes/internal/apperr"
	"github.com/MikeSquared-Agency/minutes/internal/events"
	"github.com/MikeSquared-Agency/minutes/internal/fragment"
	"github.com/MikeSquared-Agency/minutes/internal/metrics"
	"github.com/MikeSquared-Agency/minutes/internal/session"
	"github.com/MikeSquared-Agency/minutes/internal/store"
)

// Sessions is the registry surface driven by the recording routes.
type Sessions interface {
	StartSession(ctx context.Context, roomID string, roomNo *int64) (session.Snapshot, error)
	RecordFragment(roomID string, f fragment.Fragment, body io.Reader) (fragment.Fragment, error)
	Pause(roomID string) (session.Snapshot, error)
	Resume(roomID string) (session.Snapshot, error)
	Stop(roomID, authToken string) (session.Snapshot, error)
	Finalize(roomID string, success bool) error
	List() []session.Snapshot
	Len() int
}

// Queue accepts stopped sessions for background processing.
type Queue interface {
	Submit(ctx context.Context, snap session.Snapshot) error
	Len() int
	Active() int
}

// Reader is the persisted state exposed by the read routes.
type Reader interface {
	Ping(ctx context.Context) error
	GetTranscript(ctx context.Context, roomNo int64) (store.Transcript, error)
	GetSummary(ctx context.Context, roomNo int64) (store.Summary, error)
}

type EventPublisher interface {
	PublishEvent(e events.Event) error
}

// Deps are the collaborators of the server. Store, Publisher, Metrics and
// Gatherer may be nil.
type Deps struct {
	Sessions  Sessions
	Queue     Queue
	Store     Reader
	Publisher EventPublisher
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
}

type Options struct {
	Port           int
	MaxUploadBytes int64
	RequestTimeout time.Duration
}

type Server struct {
	deps    Deps
	opts    Options
	router  chi.Router
	httpSrv *http.Server
	now     func() time.Time
}

// response is the envelope returned by the recording routes.
type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type recordingRequest struct {
	RoomCode string `json:"roomCode"`
	RoomNo   *int64 `json:"roomNo,omitempty"`
}

func NewServer(deps Deps, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	srv := &Server{deps: deps, opts: opts, now: time.Now}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(srv.instrument)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))

		r.Route("/stt", func(r chi.Router) {
			r.Post("/start-recording", srv.handleStart)
			r.Post("/upload-chunk", srv.handleUpload)
			r.Post("/pause-recording", srv.handlePause)
			r.Post("/resume-recording", srv.handleResume)
			r.Post("/stop-recording", srv.handleStop)
			r.Get("/sessions", srv.handleSessions)
			r.Get("/transcript/{roomNo}", srv.handleGetTranscript)
		})
		r.Get("/summary/{roomNo}", srv.handleGetSummary)
		r.Get("/health", srv.handleHealth)
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	srv.router = r
	srv.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("starting HTTP API", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// instrument records request counts and latency by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start))
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRecording(w, r)
	if !ok {
		return
	}

	snap, err := s.deps.Sessions.StartSession(r.Context(), req.RoomCode, req.RoomNo)
	if err != nil {
		status, reason := classify(err)
		if status == http.StatusConflict {
			s.deps.Metrics.RecordSessionRejected(reason)
		}
		s.writeError(w, status, reason, err)
		return
	}
	s.deps.Metrics.RecordSessionStarted()
	s.deps.Metrics.SetActiveSessions(s.deps.Sessions.Len())
	s.publish(events.TypeSessionStarted, snap)

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "recording started",
		Data: map[string]any{
			"roomCode":   snap.RoomID,
			"roomNo":     snap.RoomNo,
			"status":     snap.State,
			"sessionDir": snap.SessionDir,
		},
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, response{Message: "upload exceeds size limit", Reason: "too_large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, response{Message: "invalid multipart form", Reason: "bad_request"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	roomCode := r.FormValue("roomCode")
	if roomCode == "" {
		writeJSON(w, http.StatusBadRequest, response{Message: "roomCode is required", Reason: "bad_request"})
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "audio file is required", Reason: "bad_request"})
		return
	}
	defer file.Close()

	nowMs := s.now().UnixMilli()
	f := fragment.Fragment{ProducerID: r.FormValue("producerId")}
	if f.ProducerID == "" {
		f.ProducerID = "0"
	}
	if f.Seq, err = formInt(r, "seq", nowMs); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "seq must be an integer", Reason: "bad_request"})
		return
	}
	if f.CaptureTSMs, err = formInt(r, "tsMs", nowMs); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "tsMs must be an integer", Reason: "bad_request"})
		return
	}

	stored, err := s.deps.Sessions.RecordFragment(roomCode, f, file)
	if err != nil {
		status, reason := classify(err)
		s.writeError(w, status, reason, err)
		return
	}
	s.deps.Metrics.RecordFragment(stored.Size)

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "chunk stored",
		Data: map[string]any{
			"roomCode":   roomCode,
			"producerId": stored.ProducerID,
			"seq":        stored.Seq,
			"size":       stored.Size,
		},
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.deps.Sessions.Pause, "recording paused")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.deps.Sessions.Resume, "recording resumed")
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request, fn func(string) (session.Snapshot, error), msg string) {
	req, ok := decodeRecording(w, r)
	if !ok {
		return
	}
	snap, err := fn(req.RoomCode)
	if err != nil {
		status, reason := classify(err)
		s.writeError(w, status, reason, err)
		return
	}
	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: msg,
		Data:    map[string]any{"roomCode": snap.RoomID, "status": snap.State},
	})
}

// handleStop hands the session to the pipeline. If the queue does not take
// it, the session is finalized as errored so the room can start again.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRecording(w, r)
	if !ok {
		return
	}

	snap, err := s.deps.Sessions.Stop(req.RoomCode, bearerToken(r))
	if err != nil {
		status, reason := classify(err)
		s.writeError(w, status, reason, err)
		return
	}
	s.publish(events.TypeSessionStopped, snap)

	if err := s.deps.Queue.Submit(r.Context(), snap); err != nil {
		slog.Error("failed to queue pipeline run", "room", snap.RoomID, "error", err)
		if ferr := s.deps.Sessions.Finalize(snap.RoomID, false); ferr != nil {
			slog.Error("failed to finalize unqueued session", "room", snap.RoomID, "error", ferr)
		}
		s.deps.Metrics.SetActiveSessions(s.deps.Sessions.Len())
		writeJSON(w, http.StatusServiceUnavailable, response{
			Message: "pipeline is not accepting runs",
			Reason:  string(apperr.CodeCapabilityUnavailable),
		})
		return
	}

	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: "recording stopped, minutes are being generated",
		Data: map[string]any{
			"roomCode":    snap.RoomID,
			"status":      snap.State,
			"totalChunks": snap.FragmentCount,
		},
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	active := make(map[string]any)
	for _, snap := range s.deps.Sessions.List() {
		active[snap.RoomID] = map[string]any{
			"status":      snap.State,
			"chunk_count": snap.FragmentCount,
			"duration":    now.Sub(snap.StartedAt).Seconds(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions": active,
		"total_count":     len(active),
	})
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	roomNo, ok := s.roomNoParam(w, r)
	if !ok {
		return
	}
	t, err := s.deps.Store.GetTranscript(r.Context(), roomNo)
	if err != nil {
		s.writeReadError(w, "transcript", roomNo, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	roomNo, ok := s.roomNoParam(w, r)
	if !ok {
		return
	}
	sum, err := s.deps.Store.GetSummary(r.Context(), roomNo)
	if err != nil {
		s.writeReadError(w, "summary", roomNo, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":      "ok",
		"service":     "minutes",
		"sessions":    s.deps.Sessions.Len(),
		"queue_depth": s.deps.Queue.Len(),
		"active_runs": s.deps.Queue.Active(),
		"database":    "disabled",
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			slog.Warn("health check database ping failed", "error", err)
			body["status"] = "degraded"
			body["database"] = "unavailable"
			status = http.StatusServiceUnavailable
		} else {
			body["database"] = "ok"
		}
	}
	writeJSON(w, status, body)
}

func (s *Server) roomNoParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "database not configured"})
		return 0, false
	}
	roomNo, err := strconv.ParseInt(chi.URLParam(r, "roomNo"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "roomNo must be an integer"})
		return 0, false
	}
	return roomNo, true
}

func (s *Server) writeReadError(w http.ResponseWriter, what string, roomNo int64, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": what + " not found"})
		return
	}
	slog.Error("query failed", "what", what, "room_no", roomNo, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (s *Server) writeError(w http.ResponseWriter, status int, reason string, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "reason", reason, "error", err)
	} else {
		slog.Info("request rejected", "reason", reason, "error", err)
	}
	writeJSON(w, status, response{Message: err.Error(), Reason: reason})
}

func (s *Server) publish(eventType string, snap session.Snapshot) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.PublishEvent(events.New(eventType, snap.RoomID, snap)); err != nil {
		slog.Warn("failed to publish session event", "type", eventType, "room", snap.RoomID, "error", err)
	}
}

// classify maps an error to an HTTP status and a stable reason code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrAlreadyRecording):
		return http.StatusConflict, "already_recording"
	case errors.Is(err, session.ErrStillProcessing):
		return http.StatusConflict, "still_processing"
	case errors.Is(err, session.ErrAlreadyTranscribed):
		return http.StatusConflict, "already_transcribed"
	}

	code := apperr.Classify(err)
	switch code {
	case apperr.CodeNoSuchSession:
		return http.StatusNotFound, string(code)
	case apperr.CodeInvalidState, apperr.CodeDuplicateSession:
		return http.StatusConflict, string(code)
	case apperr.CodeCapabilityUnavailable:
		return http.StatusServiceUnavailable, string(code)
	default:
		return http.StatusInternalServerError, string(code)
	}
}

func decodeRecording(w http.ResponseWriter, r *http.Request) (recordingRequest, bool) {
	var req recordingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "invalid JSON body", Reason: "bad_request"})
		return req, false
	}
	if req.RoomCode == "" {
		writeJSON(w, http.StatusBadRequest, response{Message: "roomCode is required", Reason: "bad_request"})
		return req, false
	}
	return req, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func formInt(r *http.Request, key string, fallback int64) (int64, error) {
	v := r.FormValue(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
