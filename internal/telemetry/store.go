package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"classpulse-backend/internal/models"
)

// Store persists pending events so they survive a client restart. All
// methods may fail; the buffer degrades to in-memory-only when they do.
type Store interface {
	Append(ev models.ActivityEvent) error
	Remove(ids []uuid.UUID) error
	Load() ([]models.ActivityEvent, error)
}

// FileStore spools pending events to a JSON-lines file, one event per line.
// Appends are cheap; removals rewrite the file atomically.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Append(ev models.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open spool: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write spool: %w", err)
	}
	return nil
}

func (s *FileStore) Remove(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.load()
	if err != nil {
		return err
	}

	drop := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	var buf bytes.Buffer
	for _, ev := range events {
		if drop[ev.ID] {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := atomic.WriteFile(s.path, &buf); err != nil {
		return fmt.Errorf("failed to rewrite spool: %w", err)
	}
	return nil
}

func (s *FileStore) Load() ([]models.ActivityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) load() ([]models.ActivityEvent, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}
	defer f.Close()

	var events []models.ActivityEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev models.ActivityEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Torn write from a crash mid-append; skip the line.
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("failed to scan spool: %w", err)
	}
	return events, nil
}
