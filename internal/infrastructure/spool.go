// services/controlplane/internal/infrastructure/spool.go
package infrastructure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SpoolEntry is one line in the on-disk spool file.
type SpoolEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Spool is an append-only on-disk queue for records that could not be
// written to the database. Every write is fsynced before returning. A
// sweep process replays the spool into the store and truncates it.
type Spool struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewSpool opens or creates the spool file.
func NewSpool(path string) (*Spool, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool file: %w", err)
	}

	return &Spool{path: path, file: file}, nil
}

// Write appends a record and syncs it to disk.
func (s *Spool) Write(data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal spool record: %w", err)
	}

	entry := SpoolEntry{
		Timestamp: time.Now(),
		Data:      raw,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal spool entry: %w", err)
	}

	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write to spool: %w", err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync spool: %w", err)
	}

	return nil
}

// ReadAll returns the raw payloads of all spooled records. Corrupted
// lines are skipped.
func (s *Spool) ReadAll() ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek spool: %w", err)
	}

	var records []json.RawMessage
	scanner := bufio.NewScanner(s.file)
	for scanner.Scan() {
		var entry SpoolEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		records = append(records, entry.Data)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}

	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek to end of spool: %w", err)
	}

	return records, nil
}

// Truncate discards all spooled records after a successful replay.
func (s *Spool) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate spool: %w", err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spool: %w", err)
	}
	return nil
}

// Size returns the current spool file size in bytes.
func (s *Spool) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// Close syncs and closes the spool file.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync spool before closing: %w", err)
		}
		return s.file.Close()
	}
	return nil
}
