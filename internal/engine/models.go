package engine

import (
	"errors"
	"fmt"

	"github.com/carbonmeter/emissions/internal/api"
	"github.com/carbonmeter/emissions/internal/model"
)

// ErrNoRegistry is returned by model management when the engine was built
// without a registry.
var ErrNoRegistry = errors.New("model registry not configured")

// ModelStatus describes a domain's registered models.
type ModelStatus struct {
	Domain   api.Domain   `json:"domain"`
	Active   string       `json:"active,omitempty"`
	Previous string       `json:"previous,omitempty"`
	Versions []ModelEntry `json:"versions"`
}

// ModelEntry is one registered version.
type ModelEntry struct {
	Version      string `json:"version"`
	Status       string `json:"status"`
	ArtifactHash string `json:"artifact_hash,omitempty"`
	Features     int    `json:"features"`
}

// Models reports the registered versions of domain.
func (e *Engine) Models(domain api.Domain) (*ModelStatus, error) {
	if e.registry == nil {
		return nil, ErrNoRegistry
	}
	st := &ModelStatus{Domain: domain, Versions: []ModelEntry{}}
	if cur, err := e.registry.Active(domain); err == nil {
		st.Active = cur.Version
	}
	if prev := e.registry.Previous(domain); prev != nil {
		st.Previous = prev.Version
	}
	for _, reg := range e.registry.List(domain) {
		st.Versions = append(st.Versions, ModelEntry{
			Version:      reg.Version,
			Status:       reg.Status,
			ArtifactHash: reg.ArtifactHash,
			Features:     len(reg.Model.Features()),
		})
	}
	return st, nil
}

// InstallModel registers an artifact for domain and activates it. The
// artifact must fit the domain's feature schema. Cached stateless forecasts
// are dropped since they were scored by the replaced model.
func (e *Engine) InstallModel(domain api.Domain, artifact []byte) (*model.Registered, error) {
	if e.registry == nil {
		return nil, ErrNoRegistry
	}
	m, err := model.Decode(artifact)
	if err != nil {
		return nil, err
	}
	if d := e.cascade.Deriver(domain); d != nil {
		if err := d.Schema().Check(m.Features()); err != nil {
			return nil, fmt.Errorf("model %s does not fit the %s schema: %w", m.Version(), domain, err)
		}
	}
	reg, err := e.registry.Register(domain, m, artifact)
	if err != nil {
		return nil, err
	}
	if err := e.registry.Activate(domain, reg.Version); err != nil {
		return nil, err
	}
	e.purgeCache()
	e.logger.Info("model activated", "domain", domain, "version", reg.Version, "hash", reg.ArtifactHash)
	return reg, nil
}

// RollbackModel re-activates the previously active model of domain.
func (e *Engine) RollbackModel(domain api.Domain) (*model.Registered, error) {
	if e.registry == nil {
		return nil, ErrNoRegistry
	}
	if err := e.registry.Rollback(domain); err != nil {
		return nil, err
	}
	reg, err := e.registry.Active(domain)
	if err != nil {
		return nil, err
	}
	e.purgeCache()
	e.logger.Warn("model rolled back", "domain", domain, "version", reg.Version)
	return reg, nil
}

func (e *Engine) purgeCache() {
	if e.cache != nil {
		e.cache.Purge()
	}
}
