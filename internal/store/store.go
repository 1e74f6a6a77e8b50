package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/minutes/internal/apperr"
)

// ErrNotFound is returned by the read accessors when no row exists.
var ErrNotFound = errors.New("not found")

// Summary is the persisted meeting summary of one room.
type Summary struct {
	RoomNo      int64     `json:"room_no"`
	Summary     string    `json:"summary"`
	ActionItems string    `json:"action_items"`
	Decisions   string    `json:"decisions"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Transcript is the persisted merged transcript of one room.
type Transcript struct {
	RoomNo    int64     `json:"room_no"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Meeting is the room record the pipeline needs for notifications.
type Meeting struct {
	RoomNo      int64  `json:"room_no"`
	RoomCode    string `json:"room_code"`
	Title       string `json:"title"`
	CalDetailNo *int64 `json:"cal_detail_no,omitempty"`
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables this service owns. Room, calendar and
// participant tables belong to the meeting application and are only read.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS meeting_transcript (
			room_no     BIGINT PRIMARY KEY,
			merged_text TEXT NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS meeting_summary (
			room_no      BIGINT PRIMARY KEY,
			summary      TEXT NOT NULL,
			action_items TEXT NOT NULL,
			decisions    TEXT NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ResolveRoomNo looks up the numeric room id for a room code.
func (s *Store) ResolveRoomNo(ctx context.Context, roomCode string) (int64, bool, error) {
	var roomNo int64
	err := s.pool.QueryRow(ctx, `SELECT room_no FROM meeting_room WHERE room_code = $1`, roomCode).Scan(&roomNo)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolve room %s: %w", roomCode, err)
	}
	return roomNo, true, nil
}

// TranscriptExists reports whether a non-empty transcript is stored for the room.
func (s *Store) TranscriptExists(ctx context.Context, roomNo int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM meeting_transcript WHERE room_no = $1 AND merged_text <> '')`,
		roomNo,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check transcript %d: %w", roomNo, err)
	}
	return exists, nil
}

// SaveTranscript upserts the merged transcript for a room.
func (s *Store) SaveTranscript(ctx context.Context, roomNo int64, text string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO meeting_transcript (room_no, merged_text, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (room_no) DO UPDATE SET merged_text = EXCLUDED.merged_text, updated_at = now()
	`, roomNo, text)
	if err != nil {
		return fmt.Errorf("save transcript %d: %w: %w", roomNo, apperr.ErrPersistenceFailure, err)
	}
	slog.Debug("saved transcript", "room_no", roomNo, "length", len(text))
	return nil
}

func (s *Store) GetTranscript(ctx context.Context, roomNo int64) (Transcript, error) {
	t := Transcript{RoomNo: roomNo}
	err := s.pool.QueryRow(ctx,
		`SELECT merged_text, updated_at FROM meeting_transcript WHERE room_no = $1`,
		roomNo,
	).Scan(&t.Text, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transcript{}, fmt.Errorf("transcript %d: %w", roomNo, ErrNotFound)
	}
	if err != nil {
		return Transcript{}, fmt.Errorf("get transcript %d: %w", roomNo, err)
	}
	return t, nil
}

// SaveSummary upserts the three summary fields for a room.
func (s *Store) SaveSummary(ctx context.Context, sum Summary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO meeting_summary (room_no, summary, action_items, decisions, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (room_no) DO UPDATE SET
			summary = EXCLUDED.summary,
			action_items = EXCLUDED.action_items,
			decisions = EXCLUDED.decisions,
			updated_at = now()
	`, sum.RoomNo, sum.Summary, sum.ActionItems, sum.Decisions)
	if err != nil {
		return fmt.Errorf("save summary %d: %w: %w", sum.RoomNo, apperr.ErrPersistenceFailure, err)
	}
	return nil
}

func (s *Store) GetSummary(ctx context.Context, roomNo int64) (Summary, error) {
	sum := Summary{RoomNo: roomNo}
	err := s.pool.QueryRow(ctx,
		`SELECT summary, action_items, decisions, updated_at FROM meeting_summary WHERE room_no = $1`,
		roomNo,
	).Scan(&sum.Summary, &sum.ActionItems, &sum.Decisions, &sum.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Summary{}, fmt.Errorf("summary %d: %w", roomNo, ErrNotFound)
	}
	if err != nil {
		return Summary{}, fmt.Errorf("get summary %d: %w", roomNo, err)
	}
	return sum, nil
}

// UpdateLinkedContent writes contents into the calendar entry linked to the
// room. It reports false when the room has no linked entry.
func (s *Store) UpdateLinkedContent(ctx context.Context, roomNo int64, contents string) (bool, error) {
	var calDetailNo *int64
	err := s.pool.QueryRow(ctx, `SELECT cal_detail_no FROM meeting_room WHERE room_no = $1`, roomNo).Scan(&calDetailNo)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && calDetailNo == nil) {
		slog.Info("no linked calendar entry", "room_no", roomNo)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup calendar link %d: %w", roomNo, err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE calendar_detail SET contents = $2, update_dt = now() WHERE cal_detail_no = $1`,
		*calDetailNo, contents,
	)
	if err != nil {
		return false, fmt.Errorf("update calendar %d: %w: %w", *calDetailNo, apperr.ErrPersistenceFailure, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetMeeting returns the room record.
func (s *Store) GetMeeting(ctx context.Context, roomNo int64) (Meeting, error) {
	m := Meeting{RoomNo: roomNo}
	var title *string
	err := s.pool.QueryRow(ctx,
		`SELECT room_code, title, cal_detail_no FROM meeting_room WHERE room_no = $1`,
		roomNo,
	).Scan(&m.RoomCode, &title, &m.CalDetailNo)
	if errors.Is(err, pgx.ErrNoRows) {
		return Meeting{}, fmt.Errorf("meeting %d: %w", roomNo, ErrNotFound)
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("get meeting %d: %w", roomNo, err)
	}
	if title != nil {
		m.Title = *title
	}
	return m, nil
}

// Participants returns the user numbers attached to a room.
func (s *Store) Participants(ctx context.Context, roomNo int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_no FROM meeting_participant WHERE room_no = $1 ORDER BY user_no`,
		roomNo,
	)
	if err != nil {
		return nil, fmt.Errorf("query participants %d: %w", roomNo, err)
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var u int64
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
