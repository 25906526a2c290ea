package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carbonmeter/emissions/internal/api"
)

// Ledger is the persisted snapshot of one subject.
type Ledger struct {
	SubjectID string            `json:"subject_id"`
	Domain    api.Domain        `json:"domain"`
	Industry  string            `json:"industry,omitempty"`
	Records   []api.DailyRecord `json:"records"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of l.
func (l *Ledger) Clone() *Ledger {
	c := *l
	c.Records = make([]api.DailyRecord, len(l.Records))
	for i, rec := range l.Records {
		c.Records[i] = rec.Clone()
	}
	return &c
}

// Store persists full ledger snapshots. Save is all-or-nothing per call.
type Store interface {
	// Load returns ErrSubjectNotFound when the subject has no ledger.
	Load(ctx context.Context, subjectID string) (*Ledger, error)

	Save(ctx context.Context, l *Ledger) error

	// Subjects lists stored subject ids, sorted.
	Subjects(ctx context.Context) ([]string, error)

	Close() error
}

// ValidateSubjectID rejects ids that cannot be used as a storage key.
func ValidateSubjectID(id string) error {
	if id == "" || len(id) > 128 || strings.ContainsAny(id, `/\:*?"<>|`) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, id)
	}
	return nil
}

// MemoryStore keeps ledgers in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[string]*Ledger
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledgers: make(map[string]*Ledger)}
}

func (m *MemoryStore) Load(ctx context.Context, subjectID string) (*Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.ledgers[subjectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectID)
	}
	return l.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, l *Ledger) error {
	if err := ValidateSubjectID(l.SubjectID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ledgers[l.SubjectID] = l.Clone()
	return nil
}

func (m *MemoryStore) Subjects(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.ledgers))
	for id := range m.ledgers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// FileStore keeps one JSON snapshot per subject under dir. Writes go to a
// temporary file that is fsynced and renamed over the previous snapshot.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(subjectID string) string {
	return filepath.Join(f.dir, subjectID+".json")
}

func (f *FileStore) Load(ctx context.Context, subjectID string) (*Ledger, error) {
	if err := ValidateSubjectID(subjectID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(subjectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectID)
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger %s: %w", subjectID, err)
	}
	return &l, nil
}

func (f *FileStore) Save(ctx context.Context, l *Ledger) error {
	if err := ValidateSubjectID(l.SubjectID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFileAtomic(f.path(l.SubjectID), data)
}

func (f *FileStore) Subjects(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(out)
	return out, nil
}

func (f *FileStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ledger-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	return nil
}

// Options selects and configures a Store backend.
type Options struct {
	Backend       string // memory, file, redis, postgres, sqlite
	Dir           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresConn  string
	SQLitePath    string
}

// Open creates the configured Store.
func Open(ctx context.Context, o Options) (Store, error) {
	switch o.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(o.Dir)
	case "redis":
		return NewRedisStore(ctx, o.RedisAddr, o.RedisPassword, o.RedisDB)
	case "postgres":
		return NewPostgresStore(ctx, o.PostgresConn)
	case "sqlite":
		return NewSQLiteStore(ctx, o.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", o.Backend)
	}
}
