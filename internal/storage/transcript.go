// Package storage persists finished query sessions as JSONL transcripts.
package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ricochet1k/ragstream/internal/domain"
	"github.com/ricochet1k/ragstream/internal/stream"
)

var (
	ErrTranscriptNotFound = errors.New("transcript not found")
	ErrInvalidSessionID   = errors.New("invalid session id")
	ErrTranscriptTooLarge = errors.New("transcript file too large")
	ErrSymlinkNotAllowed  = errors.New("symlinks not allowed for transcript files")

	sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

const maxTranscriptFileSize = 10 * 1024 * 1024 // 10MB

func validateSessionID(id string) error {
	if !sessionIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %s", ErrInvalidSessionID, id)
	}
	return nil
}

// Transcript is one saved session outcome. A session normally has a single
// record; re-saving appends another with a higher Sequence.
type Transcript struct {
	Sequence          int64                     `json:"seq"`
	SavedAt           time.Time                 `json:"saved_at"`
	SessionID         string                    `json:"session_id"`
	Query             string                    `json:"query"`
	Phase             domain.Phase              `json:"phase"`
	Text              string                    `json:"text"`
	Sources           []domain.SourceDescriptor `json:"sources,omitempty"`
	Error             string                    `json:"error,omitempty"`
	ReconnectAttempts int                       `json:"reconnect_attempts,omitempty"`
	ProtocolErrors    int                       `json:"protocol_errors,omitempty"`
	StartedAt         time.Time                 `json:"started_at"`
	FinishedAt        time.Time                 `json:"finished_at"`
	Transitions       []domain.Transition       `json:"transitions,omitempty"`
}

func TranscriptFromState(st stream.State) Transcript {
	return Transcript{
		SessionID:         st.SessionID,
		Query:             st.Query,
		Phase:             st.Phase,
		Text:              st.AccumulatedText,
		Sources:           st.OrderedSources(),
		Error:             st.Error,
		ReconnectAttempts: st.ReconnectAttempts,
		ProtocolErrors:    st.ProtocolErrors,
		StartedAt:         st.StartedAt,
		FinishedAt:        st.UpdatedAt,
		Transitions:       st.Transitions,
	}
}

type TranscriptCorruptionError struct {
	SessionID    string
	CorruptLines int
}

func (e *TranscriptCorruptionError) Error() string {
	return fmt.Sprintf("transcript for %s has %d corrupt line(s)", e.SessionID, e.CorruptLines)
}

type ListError struct {
	Errors []error
}

func (e *ListError) Error() string {
	return fmt.Sprintf("failed to load %d transcripts", len(e.Errors))
}

// TranscriptStore keeps one append-only JSONL file per session under
// <baseDir>/sessions.
type TranscriptStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewTranscriptStore(baseDir string) (*TranscriptStore, error) {
	sessionsDir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	if info, err := os.Stat(sessionsDir); err == nil && info.Mode().Perm()&0o077 != 0 {
		_ = os.Chmod(sessionsDir, 0o700)
	}
	return &TranscriptStore{baseDir: baseDir}, nil
}

func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ragstream"
	}
	return filepath.Join(home, ".ragstream")
}

func (s *TranscriptStore) path(id string) string {
	return filepath.Join(s.baseDir, "sessions", id+".jsonl")
}

// Append writes t as the next record of its session and syncs the file.
// Sequence and SavedAt are assigned here.
func (s *TranscriptStore) Append(t Transcript) error {
	if err := validateSessionID(t.SessionID); err != nil {
		return err
	}
	if !t.Phase.IsTerminal() {
		return fmt.Errorf("session %s is still %s", t.SessionID, t.Phase)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, _, err := s.readUnlocked(t.SessionID)
	if err != nil && !errors.Is(err, ErrTranscriptNotFound) {
		return err
	}
	t.Sequence = 1
	if n := len(existing); n > 0 {
		t.Sequence = existing[n-1].Sequence + 1
	}
	if t.SavedAt.IsZero() {
		t.SavedAt = time.Now().UTC()
	}

	line, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	f, err := os.OpenFile(s.path(t.SessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync transcript file: %w", err)
	}
	return nil
}

// Read returns the records of one session in sequence order. Corrupt
// lines are skipped and reported through *TranscriptCorruptionError
// alongside the good records.
func (s *TranscriptStore) Read(id string) ([]Transcript, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records, corrupt, err := s.readUnlocked(id)
	if err != nil {
		return nil, err
	}
	if corrupt > 0 {
		return records, &TranscriptCorruptionError{SessionID: id, CorruptLines: corrupt}
	}
	return records, nil
}

// Latest returns the newest record of a session.
func (s *TranscriptStore) Latest(id string) (Transcript, error) {
	records, err := s.Read(id)
	var corruption *TranscriptCorruptionError
	if err != nil && !errors.As(err, &corruption) {
		return Transcript{}, err
	}
	if len(records) == 0 {
		if err != nil {
			return Transcript{}, err
		}
		return Transcript{}, ErrTranscriptNotFound
	}
	return records[len(records)-1], nil
}

// List returns the newest record of every stored session, most recently
// saved first.
func (s *TranscriptStore) List() ([]Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.baseDir, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return []Transcript{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	out := make([]Transcript, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".jsonl")
		if validateSessionID(id) != nil {
			continue
		}
		records, corrupt, err := s.readUnlocked(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("transcript %s: %w", id, err))
			continue
		}
		if corrupt > 0 {
			errs = append(errs, &TranscriptCorruptionError{SessionID: id, CorruptLines: corrupt})
		}
		if len(records) > 0 {
			out = append(out, records[len(records)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })

	if len(errs) > 0 {
		return out, &ListError{Errors: errs}
	}
	return out, nil
}

func (s *TranscriptStore) Delete(id string) error {
	if err := validateSessionID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrTranscriptNotFound
		}
		return fmt.Errorf("failed to delete transcript file: %w", err)
	}
	return nil
}

func (s *TranscriptStore) readUnlocked(id string) ([]Transcript, int, error) {
	path := s.path(id)
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrTranscriptNotFound
		}
		return nil, 0, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrSymlinkNotAllowed, id)
	}
	if info.Size() > maxTranscriptFileSize {
		return nil, 0, fmt.Errorf("%w: %s", ErrTranscriptTooLarge, id)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	records := make([]Transcript, 0)
	corrupt := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Transcript
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			corrupt++
			continue
		}
		if rec.Sequence <= 0 || rec.SessionID != id {
			corrupt++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to scan transcript: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })
	return records, corrupt, nil
}
