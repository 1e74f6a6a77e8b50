package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/minutes/internal/store"
)

// MockStore is a thread-safe in-memory implementation of store.DataStore for testing.
type MockStore struct {
	mu sync.Mutex

	Rooms       map[string]int64 // room code -> room no
	Meetings    map[int64]store.Meeting
	Transcripts map[int64]string
	Summaries   map[int64]store.Summary
	Linked      map[int64]string // room no -> last linked content
	Members     map[int64][]int64
	NoLinkRooms map[int64]bool

	PingErr           error
	ResolveErr        error
	SaveTranscriptErr error
	SaveSummaryErr    error
	LinkErr           error
	ParticipantsErr   error

	SaveTranscriptCalls int
	SaveSummaryCalls    int
	LinkCalls           int
}

func NewMockStore() *MockStore {
	return &MockStore{
		Rooms:       make(map[string]int64),
		Meetings:    make(map[int64]store.Meeting),
		Transcripts: make(map[int64]string),
		Summaries:   make(map[int64]store.Summary),
		Linked:      make(map[int64]string),
		Members:     make(map[int64][]int64),
		NoLinkRooms: make(map[int64]bool),
	}
}

// AddRoom registers a room with its participants.
func (m *MockStore) AddRoom(code string, roomNo int64, title string, participants ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rooms[code] = roomNo
	m.Meetings[roomNo] = store.Meeting{RoomNo: roomNo, RoomCode: code, Title: title}
	m.Members[roomNo] = participants
}

func (m *MockStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

func (m *MockStore) ResolveRoomNo(_ context.Context, roomCode string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ResolveErr != nil {
		return 0, false, m.ResolveErr
	}
	no, ok := m.Rooms[roomCode]
	return no, ok, nil
}

func (m *MockStore) TranscriptExists(_ context.Context, roomNo int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ResolveErr != nil {
		return false, m.ResolveErr
	}
	return m.Transcripts[roomNo] != "", nil
}

func (m *MockStore) SaveTranscript(_ context.Context, roomNo int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveTranscriptCalls++
	if m.SaveTranscriptErr != nil {
		return m.SaveTranscriptErr
	}
	m.Transcripts[roomNo] = text
	return nil
}

func (m *MockStore) GetTranscript(_ context.Context, roomNo int64) (store.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.Transcripts[roomNo]
	if !ok {
		return store.Transcript{}, fmt.Errorf("transcript %d: %w", roomNo, store.ErrNotFound)
	}
	return store.Transcript{RoomNo: roomNo, Text: text, UpdatedAt: time.Now().UTC()}, nil
}

func (m *MockStore) SaveSummary(_ context.Context, sum store.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveSummaryCalls++
	if m.SaveSummaryErr != nil {
		return m.SaveSummaryErr
	}
	sum.UpdatedAt = time.Now().UTC()
	m.Summaries[sum.RoomNo] = sum
	return nil
}

func (m *MockStore) GetSummary(_ context.Context, roomNo int64) (store.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, ok := m.Summaries[roomNo]
	if !ok {
		return store.Summary{}, fmt.Errorf("summary %d: %w", roomNo, store.ErrNotFound)
	}
	return sum, nil
}

func (m *MockStore) UpdateLinkedContent(_ context.Context, roomNo int64, contents string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LinkCalls++
	if m.LinkErr != nil {
		return false, m.LinkErr
	}
	if m.NoLinkRooms[roomNo] {
		return false, nil
	}
	m.Linked[roomNo] = contents
	return true, nil
}

func (m *MockStore) GetMeeting(_ context.Context, roomNo int64) (store.Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.Meetings[roomNo]
	if !ok {
		return store.Meeting{}, fmt.Errorf("meeting %d: %w", roomNo, store.ErrNotFound)
	}
	return mt, nil
}

func (m *MockStore) Participants(_ context.Context, roomNo int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ParticipantsErr != nil {
		return nil, m.ParticipantsErr
	}
	return append([]int64(nil), m.Members[roomNo]...), nil
}

func (m *MockStore) Close() {}

// GetTranscriptText returns the stored transcript for assertions.
func (m *MockStore) GetTranscriptText(roomNo int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Transcripts[roomNo]
}

// GetLinked returns the last linked content written for a room.
func (m *MockStore) GetLinked(roomNo int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Linked[roomNo]
}

// GetSaveSummaryCalls returns the number of SaveSummary calls.
func (m *MockStore) GetSaveSummaryCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SaveSummaryCalls
}
