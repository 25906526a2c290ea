// Package journal is the append-only, fsynced log of ledger mutations. An
// entry is written before the corresponding ledger snapshot is saved.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one ledger mutation.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	RunID     string    `json:"run_id,omitempty"`
	SubjectID string    `json:"subject_id"`
	Action    string    `json:"action"`
	Dates     []string  `json:"dates,omitempty"`
}

// Journal appends JSON lines to a daily file.
type Journal struct {
	mu   sync.Mutex
	dir  string
	file *os.File
	path string
	now  func() time.Time
}

// Open creates or opens today's journal file under dir.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	j := &Journal{dir: dir, now: time.Now}
	file, path, err := j.openDay()
	if err != nil {
		return nil, err
	}
	j.file, j.path = file, path
	return j, nil
}

func (j *Journal) openDay() (*os.File, string, error) {
	path := filepath.Join(j.dir, fmt.Sprintf("ledger-%s.journal", j.now().Format("20060102")))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open journal file: %w", err)
	}
	return file, path, nil
}

// Path returns the file currently appended to.
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Append writes e with fsync. ID and Timestamp are filled when empty.
func (j *Journal) Append(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

// Replay reads all entries from a journal file. Malformed lines are skipped.
func Replay(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Rotate switches appends to today's file and returns the path it closed.
// It returns "" when the current file already is today's.
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, path, err := j.openDay()
	if err != nil {
		return "", err
	}
	if path == j.path {
		file.Close()
		return "", nil
	}

	old := j.path
	if err := j.file.Sync(); err != nil {
		file.Close()
		return "", fmt.Errorf("failed to sync journal %s: %w", old, err)
	}
	if err := j.file.Close(); err != nil {
		file.Close()
		return "", fmt.Errorf("failed to close journal %s: %w", old, err)
	}
	j.file, j.path = file, path
	return old, nil
}
