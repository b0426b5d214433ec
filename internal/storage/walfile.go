package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WALFile shadows event-log appends to an append-only file with fsync, so a
// memory-backed deployment can rebuild its log after a restart.
type WALFile struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewWALFile creates or opens a daily WAL file under dirPath.
func NewWALFile(dirPath string, now time.Time) (*WALFile, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	walPath := filepath.Join(dirPath, fmt.Sprintf("events-%s.wal", now.UTC().Format("20060102")))

	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &WALFile{file: file, path: walPath}, nil
}

// Path returns the WAL file path.
func (w *WALFile) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Append writes one log entry as a JSON line and fsyncs.
func (w *WALFile) Append(entry *LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}

	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}

	// fsync so an accepted event survives a crash.
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	return nil
}

// Close flushes and closes the WAL.
func (w *WALFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// ReplayWAL reads all entries from a WAL file in append order. Malformed
// lines (torn writes from a crash) are skipped.
func ReplayWAL(walPath string) ([]LogEntry, error) {
	file, err := os.Open(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, scanner.Err()
}
