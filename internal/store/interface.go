package store

import "context"

// DataStore is the interface consumed by the session registry, the pipeline
// and the API. The concrete implementation is *Store (pgx-backed).
type DataStore interface {
	Ping(ctx context.Context) error
	ResolveRoomNo(ctx context.Context, roomCode string) (int64, bool, error)
	TranscriptExists(ctx context.Context, roomNo int64) (bool, error)
	SaveTranscript(ctx context.Context, roomNo int64, text string) error
	GetTranscript(ctx context.Context, roomNo int64) (Transcript, error)
	SaveSummary(ctx context.Context, sum Summary) error
	GetSummary(ctx context.Context, roomNo int64) (Summary, error)
	UpdateLinkedContent(ctx context.Context, roomNo int64, contents string) (bool, error)
	GetMeeting(ctx context.Context, roomNo int64) (Meeting, error)
	Participants(ctx context.Context, roomNo int64) ([]int64, error)
	Close()
}
