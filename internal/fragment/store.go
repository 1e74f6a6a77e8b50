package fragment

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/minutes/internal/apperr"
)

// On-disk layout of a room directory.
const (
	IndexName  = "fragments.ndjson"
	ChunksName = "chunks"
	MergedName = "merged"
	blobSuffix = ".webm"

	// maxRecordBytes bounds one index line; longer lines are skipped as malformed.
	maxRecordBytes = 64 * 1024
)

// MergedAudioName is the single normalized stream produced by a merge.
const MergedAudioName = "merged_audio.wav"

// Fragment is one uploaded audio unit. Identity is (ProducerID, Seq).
type Fragment struct {
	ProducerID  string `json:"producer_id"`
	Seq         int64  `json:"seq"`
	CaptureTSMs int64  `json:"ts_ms"`
	Location    string `json:"location"`
	Size        int64  `json:"size"`
}

// Key returns the identity key used for deduplication.
func (f Fragment) Key() string {
	return fmt.Sprintf("%s|%d", f.ProducerID, f.Seq)
}

// Store keeps an append-only NDJSON index per room alongside the raw blobs.
//
//	<root>/<room>/fragments.ndjson
//	<root>/<room>/chunks/<producer>_<seq>_<uuid>.webm
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(root string) *Store {
	return &Store{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}
}

// Root returns the directory holding all room directories.
func (s *Store) Root() string {
	return s.root
}

// ValidRoomID rejects ids that would escape the audio root when used as a path component.
func ValidRoomID(roomID string) error {
	return validComponent("room id", roomID)
}

func validComponent(what, v string) error {
	if v == "" || v == "." || v == ".." || strings.Contains(v, "..") ||
		strings.ContainsAny(v, `/\`) || strings.ContainsRune(v, 0) {
		return fmt.Errorf("%s %q: %w", what, v, apperr.ErrInvalidState)
	}
	return nil
}

func (s *Store) SessionDir(roomID string) string {
	return filepath.Join(s.root, roomID)
}

func (s *Store) ChunksDir(roomID string) string {
	return filepath.Join(s.root, roomID, ChunksName)
}

func (s *Store) MergedDir(roomID string) string {
	return filepath.Join(s.root, roomID, MergedName)
}

func (s *Store) MergedPath(roomID string) string {
	return filepath.Join(s.root, roomID, MergedName, MergedAudioName)
}

func (s *Store) IndexPath(roomID string) string {
	return filepath.Join(s.root, roomID, IndexName)
}

func (s *Store) roomLock(roomID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[roomID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[roomID] = l
	}
	return l
}

// Forget drops the per-room append lock once a room's artifacts are gone.
func (s *Store) Forget(roomID string) {
	s.mu.Lock()
	delete(s.locks, roomID)
	s.mu.Unlock()
}

// Put writes the fragment body into the room's chunks directory and then
// appends its index record. The blob lands before the record so the index
// never points at a file that was not written.
func (s *Store) Put(roomID string, f Fragment, body io.Reader) (Fragment, error) {
	if err := ValidRoomID(roomID); err != nil {
		return Fragment{}, err
	}
	if err := validComponent("producer id", f.ProducerID); err != nil {
		return Fragment{}, err
	}

	dir := s.ChunksDir(roomID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Fragment{}, fmt.Errorf("create chunks dir: %w", err)
	}

	name := fmt.Sprintf("%s_%d_%s%s", f.ProducerID, f.Seq, uuid.NewString(), blobSuffix)
	path := filepath.Join(dir, name)

	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Fragment{}, fmt.Errorf("create fragment blob: %w", err)
	}
	n, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return Fragment{}, fmt.Errorf("write fragment blob: %w", err)
	}

	f.Location = path
	f.Size = n
	if err := s.Append(roomID, f); err != nil {
		os.Remove(path)
		return Fragment{}, err
	}
	return f, nil
}

// Append writes one self-delimited record to the room's index. A torn tail
// left by an earlier crash is terminated first so it cannot swallow this record.
func (s *Store) Append(roomID string, f Fragment) error {
	if err := ValidRoomID(roomID); err != nil {
		return err
	}

	line, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}
	line = append(line, '\n')

	l := s.roomLock(roomID)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(s.SessionDir(roomID), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	file, err := os.OpenFile(s.IndexPath(roomID), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open fragment index: %w", err)
	}
	defer file.Close()

	torn, err := hasTornTail(file)
	if err != nil {
		return fmt.Errorf("inspect fragment index: %w", err)
	}
	if torn {
		line = append([]byte{'\n'}, line...)
	}

	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("append fragment index: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync fragment index: %w", err)
	}
	return nil
}

func hasTornTail(file *os.File) (bool, error) {
	info, err := file.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// ListOrdered returns the deduplicated fragments of a room in playback order:
// ascending by (capture timestamp, producer, seq). On a duplicate key the record
// with the smaller capture timestamp wins. Malformed lines are skipped.
func (s *Store) ListOrdered(roomID string) ([]Fragment, error) {
	if err := ValidRoomID(roomID); err != nil {
		return nil, err
	}

	file, err := os.Open(s.IndexPath(roomID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("room %s: %w", roomID, apperr.ErrIndexNotFound)
		}
		return nil, fmt.Errorf("open fragment index: %w", err)
	}
	defer file.Close()

	seen := make(map[string]Fragment)
	skipped := 0

	reader := bufio.NewReaderSize(file, maxRecordBytes)
	for {
		line, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			// No valid record is this long; drop the rest of the line.
			skipped++
			if err = discardLine(reader); err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("read fragment index: %w", err)
			}
			continue
		}
		if raw := bytes.TrimSpace(line); len(raw) > 0 {
			var f Fragment
			if jerr := json.Unmarshal(raw, &f); jerr != nil || f.ProducerID == "" {
				skipped++
			} else if prev, ok := seen[f.Key()]; !ok || f.CaptureTSMs < prev.CaptureTSMs {
				seen[f.Key()] = f
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read fragment index: %w", err)
		}
	}
	if skipped > 0 {
		slog.Warn("skipped malformed fragment records", "room", roomID, "skipped", skipped)
	}

	out := make([]Fragment, 0, len(seen))
	for _, f := range seen {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CaptureTSMs != b.CaptureTSMs {
			return a.CaptureTSMs < b.CaptureTSMs
		}
		if a.ProducerID != b.ProducerID {
			return a.ProducerID < b.ProducerID
		}
		return a.Seq < b.Seq
	})
	return out, nil
}

// discardLine consumes input up to and including the next newline.
func discardLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}
