// Package wal journals every guardrail decision and transition as
// JSON lines on local disk. The journal complements the remote audit
// ledger: it is append-only, replayable, and survives with nothing
// but a filesystem. Files rotate by size and clean up by age.
package wal

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

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryEventReceived EntryType = "event_received"
	EntryPlanDecided   EntryType = "plan_decided"
	EntryPlanned       EntryType = "planned"
	EntryExecuted      EntryType = "executed"
	EntryRolledBack    EntryType = "rolled_back"
	EntryFailed        EntryType = "failed"
	EntrySwept         EntryType = "swept"
)

// Entry is a single journal line
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	RefID     string          `json:"ref_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
}

// Config controls journal rotation and retention
type Config struct {
	MaxFileSize   int64
	RetentionDays int
	FilePrefix    string
}

func DefaultConfig() Config {
	return Config{
		MaxFileSize:   64 * 1024 * 1024,
		RetentionDays: 30,
		FilePrefix:    "jarru",
	}
}

// WAL is an append-only journal over timestamped files in one
// directory. Sequence numbers continue across files and reopens.
type WAL struct {
	mu       sync.Mutex
	config   Config
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
}

// Open opens a journal with default config
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig creates or opens a journal in dir. The sequence
// continues from the highest one found in existing files.
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	defaults := DefaultConfig()
	if config.FilePrefix == "" {
		config.FilePrefix = defaults.FilePrefix
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = defaults.MaxFileSize
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = defaults.RetentionDays
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	w := &WAL{config: config, dir: dir}
	w.sequence = findLastSequenceInFiles(w.listWALFiles())

	if err := w.openNewFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// openNewFile starts a fresh journal file. Microsecond timestamps in
// the name keep rotations within one second from colliding.
func (w *WAL) openNewFile() error {
	filename := fmt.Sprintf("%s-%s.wal", w.config.FilePrefix, time.Now().UTC().Format("20060102-150405.000000"))
	path := filepath.Join(w.dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	return nil
}

// Close flushes and closes the journal
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Append adds an entry to the journal
func (w *WAL) Append(entryType EntryType, refID string, data interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.sequence++
	return w.writeEntry(Entry{
		Timestamp: time.Now(),
		Sequence:  w.sequence,
		Type:      entryType,
		RefID:     refID,
		Data:      jsonData,
	})
}

// AppendError adds an entry that records a failure
func (w *WAL) AppendError(entryType EntryType, refID string, data interface{}, errToLog error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.sequence++
	return w.writeEntry(Entry{
		Timestamp: time.Now(),
		Sequence:  w.sequence,
		Type:      entryType,
		RefID:     refID,
		Data:      jsonData,
		Error:     errToLog.Error(),
	})
}

// writeEntry writes one line, rotating first when the current file is
// full. Every write flushes and syncs for durability.
func (w *WAL) writeEntry(entry Entry) error {
	if w.shouldRotate() {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if _, err := w.writer.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) shouldRotate() bool {
	info, err := w.file.Stat()
	if err != nil {
		return false
	}
	return info.Size() >= w.config.MaxFileSize
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush before rotation: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close before rotation: %w", err)
	}
	return w.openNewFile()
}

// listWALFiles returns this journal's files, oldest first
func (w *WAL) listWALFiles() []string {
	return findAllWALFiles(w.dir, w.config.FilePrefix)
}

// Reader replays one journal file
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	return &Reader{
		scanner: bufio.NewScanner(file),
		file:    file,
	}, nil
}

// Next reads the next entry, io.EOF at the end
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay feeds every entry newer than since to handler, oldest file
// first
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	files := findAllWALFiles(dir, DefaultConfig().FilePrefix)

	for _, file := range files {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}
