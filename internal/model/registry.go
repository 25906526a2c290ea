package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/carbonmeter/emissions/internal/api"
)

// Status of a registered model.
const (
	StatusRegistered = "registered"
	StatusActive     = "active"
	StatusShadow     = "shadow"
)

// Registered is a model version held by the registry.
type Registered struct {
	Domain       api.Domain
	Version      string
	Model        Model
	ArtifactHash string // SHA-256 of the artifact bytes
	ArtifactPath string
	RegisteredAt time.Time
	Status       string
}

// Registry keeps versioned models per domain with one active version each.
// Artifacts are copied read-only into dir and re-hashed on VerifyIntegrity.
type Registry struct {
	mu       sync.RWMutex
	dir      string
	models   map[api.Domain]map[string]*Registered
	active   map[api.Domain]string
	previous map[api.Domain]string
}

// NewRegistry creates a registry rooted at dir. An empty dir keeps artifacts
// in memory only.
func NewRegistry(dir string) (*Registry, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
	}
	return &Registry{
		dir:      dir,
		models:   make(map[api.Domain]map[string]*Registered),
		active:   make(map[api.Domain]string),
		previous: make(map[api.Domain]string),
	}, nil
}

// Register adds a model. artifact may be nil for in-process models, in which
// case no integrity hash is kept.
func (r *Registry) Register(domain api.Domain, m Model, artifact []byte) (*Registered, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	version := m.Version()
	if _, exists := r.models[domain][version]; exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrModelExists, domain, version)
	}

	reg := &Registered{
		Domain:       domain,
		Version:      version,
		Model:        m,
		RegisteredAt: time.Now(),
		Status:       StatusRegistered,
	}

	if artifact != nil {
		sum := sha256.Sum256(artifact)
		reg.ArtifactHash = hex.EncodeToString(sum[:])
		if r.dir != "" {
			path, err := r.saveArtifact(domain, version, reg.ArtifactHash, artifact)
			if err != nil {
				return nil, err
			}
			reg.ArtifactPath = path
		}
	}

	if r.models[domain] == nil {
		r.models[domain] = make(map[string]*Registered)
	}
	r.models[domain][version] = reg
	return reg, nil
}

// RegisterFile loads an artifact file and registers it.
func (r *Registry) RegisterFile(domain api.Domain, path string) (*Registered, error) {
	m, data, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return r.Register(domain, m, data)
}

func (r *Registry) saveArtifact(domain api.Domain, version, hash string, data []byte) (string, error) {
	dir := filepath.Join(r.dir, string(domain))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", version, hash[:8]))
	if err := os.WriteFile(path, data, 0444); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return path, nil
}

// Activate makes version the active model for its domain. The previously
// active version drops to shadow.
func (r *Registry) Activate(domain api.Domain, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.models[domain][version]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrModelNotFound, domain, version)
	}
	if cur := r.active[domain]; cur != "" && cur != version {
		r.models[domain][cur].Status = StatusShadow
		r.previous[domain] = cur
	}
	reg.Status = StatusActive
	r.active[domain] = version
	return nil
}

// Rollback re-activates the previous version.
func (r *Registry) Rollback(domain api.Domain) error {
	r.mu.RLock()
	prev := r.previous[domain]
	r.mu.RUnlock()

	if prev == "" {
		return fmt.Errorf("%w for %s", ErrNoPrevious, domain)
	}
	return r.Activate(domain, prev)
}

// Active returns the active model of a domain.
func (r *Registry) Active(domain api.Domain) (*Registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version := r.active[domain]
	if version == "" {
		return nil, fmt.Errorf("%w for %s", ErrNoActiveModel, domain)
	}
	return r.models[domain][version], nil
}

// Previous returns the previously active model, or nil.
func (r *Registry) Previous(domain api.Domain) *Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version := r.previous[domain]
	if version == "" {
		return nil
	}
	return r.models[domain][version]
}

// List returns a domain's models, newest first.
func (r *Registry) List(domain api.Domain) []*Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Registered, 0, len(r.models[domain]))
	for _, reg := range r.models[domain] {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	return out
}

// VerifyIntegrity re-hashes a stored artifact.
func (r *Registry) VerifyIntegrity(domain api.Domain, version string) error {
	r.mu.RLock()
	reg, ok := r.models[domain][version]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrModelNotFound, domain, version)
	}
	if reg.ArtifactPath == "" {
		return nil
	}
	data, err := os.ReadFile(reg.ArtifactPath)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	return VerifyHash(data, reg.ArtifactHash)
}

// VerifyHash compares data against a hex SHA-256 digest.
func VerifyHash(data []byte, want string) error {
	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != want {
		return fmt.Errorf("%w: hash %s, want %s", ErrIntegrity, got[:8], shortHash(want))
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

// Model returns the active model of a domain.
func (r *Registry) Model(domain api.Domain) (Model, error) {
	reg, err := r.Active(domain)
	if err != nil {
		return nil, err
	}
	return reg.Model, nil
}
