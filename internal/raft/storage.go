package raft

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// HardState is the state that must survive restarts before replying to RPCs.
type HardState struct {
	Term     uint64 `json:"term"`
	VotedFor string `json:"voted_for"`
}

// Storage persists hard state and the log.
type Storage interface {
	// Load returns the persisted hard state and entries starting at index 1.
	Load() (HardState, []LogEntry, error)
	SaveHardState(hs HardState) error
	Append(entries []LogEntry) error
	// TruncateFrom removes entries at index and above.
	TruncateFrom(index uint64) error
}

// MemoryStorage keeps everything in memory.
type MemoryStorage struct {
	mu      sync.Mutex
	hs      HardState
	entries []LogEntry
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load() (HardState, []LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, len(s.entries))
	copy(out, s.entries)
	return s.hs, out, nil
}

func (s *MemoryStorage) SaveHardState(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hs = hs
	return nil
}

func (s *MemoryStorage) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemoryStorage) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == 0 {
		index = 1
	}
	if keep := int(index - 1); keep < len(s.entries) {
		s.entries = s.entries[:keep]
	}
	return nil
}

const (
	hardStateFile = "hardstate.json"
	logFile       = "log.jsonl"
)

// FileStorage persists hard state as JSON and the log as JSON lines in a
// directory. Truncation rewrites the log file.
type FileStorage struct {
	mu      sync.Mutex
	dir     string
	f       *os.File
	entries []LogEntry
}

// NewFileStorage opens or creates storage in dir.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raft dir: %w", err)
	}
	s := &FileStorage{dir: dir}
	entries, err := s.readLog()
	if err != nil {
		return nil, err
	}
	s.entries = entries
	f, err := os.OpenFile(filepath.Join(dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open raft log: %w", err)
	}
	s.f = f
	return s, nil
}

func (s *FileStorage) readLog() ([]LogEntry, error) {
	f, err := os.Open(filepath.Join(s.dir, logFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open raft log: %w", err)
	}
	defer f.Close()

	var entries []LogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLogCorrupted, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read raft log: %w", err)
	}
	return entries, nil
}

func (s *FileStorage) Load() (HardState, []LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hs HardState
	data, err := os.ReadFile(filepath.Join(s.dir, hardStateFile))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return hs, nil, fmt.Errorf("failed to read hard state: %w", err)
	default:
		if err := json.Unmarshal(data, &hs); err != nil {
			return hs, nil, fmt.Errorf("failed to parse hard state: %w", err)
		}
	}
	out := make([]LogEntry, len(s.entries))
	copy(out, s.entries)
	return hs, out, nil
}

func (s *FileStorage) SaveHardState(hs HardState) error {
	data, err := json.Marshal(hs)
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, hardStateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write hard state: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.dir, hardStateFile))
}

func (s *FileStorage) Append(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := bufio.NewWriter(s.f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode entry %d: %w", e.Index, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to append entries: %w", err)
	}
	s.entries = append(s.entries, entries...)
	return s.f.Sync()
}

func (s *FileStorage) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == 0 {
		index = 1
	}
	keep := int(index - 1)
	if keep >= len(s.entries) {
		return nil
	}
	s.entries = s.entries[:keep]

	tmp := filepath.Join(s.dir, logFile+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to rewrite raft log: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range s.entries {
		if err := enc.Encode(e); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.f.Close()
	if err := os.Rename(tmp, filepath.Join(s.dir, logFile)); err != nil {
		return fmt.Errorf("failed to replace raft log: %w", err)
	}
	s.f, err = os.OpenFile(filepath.Join(s.dir, logFile), os.O_WRONLY|os.O_APPEND, 0o644)
	return err
}

// Close closes the log file.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
