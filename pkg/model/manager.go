package model

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/loramint/loramint/pkg/diffusion"
)

// ErrUnknownModel is returned for model IDs absent from the catalog.
var ErrUnknownModel = errors.New("unknown model")

// markerFiles identify a complete pipeline snapshot on disk.
var markerFiles = []string{"model_index.json", "config.json"}

// Status is a catalog entry plus its on-disk state.
type Status struct {
	Config
	IsDownloaded bool   `json:"is_downloaded"`
	IsLoaded     bool   `json:"is_loaded"`
	LocalPath    string `json:"local_path,omitempty"`
}

// Manager owns the model directory and the single loaded pipeline. At
// most one model is GPU-resident at a time; loading a different one
// evicts the current pipeline first.
type Manager struct {
	mu sync.Mutex

	modelsPath string
	rt         diffusion.Runtime
	catalog    *Catalog

	currentID string
	pipeline  diffusion.Pipeline
}

func NewManager(modelsPath string, rt diffusion.Runtime, catalog *Catalog) (*Manager, error) {
	if err := os.MkdirAll(modelsPath, 0750); err != nil {
		return nil, err
	}
	return &Manager{modelsPath: modelsPath, rt: rt, catalog: catalog}, nil
}

func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// ModelPath returns the local snapshot directory for a model ID.
func (m *Manager) ModelPath(id string) string {
	return filepath.Join(m.modelsPath, id)
}

// IsDownloaded reports whether the model's snapshot looks complete. A
// snapshot qualifies when a marker file sits at its root or inside one
// of its immediate subdirectories, which covers snapshots that unpack
// into a single nested folder.
func (m *Manager) IsDownloaded(id string) bool {
	dir := m.ModelPath(id)
	if hasMarker(dir) {
		return true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() && hasMarker(filepath.Join(dir, e.Name())) {
			return true
		}
	}
	return false
}

func hasMarker(dir string) bool {
	for _, marker := range markerFiles {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

// ListModels returns every catalog entry with its download and load state.
func (m *Manager) ListModels() []Status {
	m.mu.Lock()
	current := m.currentID
	m.mu.Unlock()

	configs := m.catalog.All()
	out := make([]Status, 0, len(configs))
	for _, cfg := range configs {
		s := Status{Config: cfg, IsLoaded: cfg.ID == current}
		if m.IsDownloaded(cfg.ID) {
			s.IsDownloaded = true
			s.LocalPath = m.ModelPath(cfg.ID)
		}
		out = append(out, s)
	}
	return out
}

// LoadModel makes the given model the resident pipeline, evicting any
// previously loaded one. Loading an already-resident model is a no-op.
// Returns false when the model is unknown or the runtime fails to load
// it; failures leave the manager with nothing resident.
func (m *Manager) LoadModel(ctx context.Context, id string) bool {
	cfg, ok := m.catalog.Get(id)
	if !ok {
		log.Error().Str("model", id).Msg("load of unknown model refused")
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentID == id && m.pipeline != nil {
		return true
	}
	m.unloadLocked()

	source := cfg.HuggingFaceID
	if m.IsDownloaded(id) {
		source = m.ModelPath(id)
	}
	precision := diffusion.Full
	if m.rt.GPUAvailable() {
		precision = diffusion.Half
	}

	log.Info().Str("model", id).Str("source", source).Msg("loading pipeline")
	pipeline, err := m.rt.LoadPipeline(ctx, source, precision)
	if err != nil {
		log.Error().Err(err).Str("model", id).Msg("pipeline load failed")
		m.rt.FreeMemory()
		return false
	}

	m.currentID = id
	m.pipeline = pipeline
	return true
}

// UnloadModel evicts the resident pipeline and releases device memory.
// Safe to call with nothing loaded.
func (m *Manager) UnloadModel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloadLocked()
}

func (m *Manager) unloadLocked() {
	if m.pipeline != nil {
		log.Info().Str("model", m.currentID).Msg("unloading pipeline")
		if err := m.pipeline.Close(); err != nil {
			log.Warn().Err(err).Str("model", m.currentID).Msg("pipeline close failed")
		}
		m.pipeline = nil
	}
	m.currentID = ""
	m.rt.FreeMemory()
}

// Pipeline returns the resident pipeline, or nil when none is loaded.
func (m *Manager) Pipeline() diffusion.Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipeline
}

// CurrentModelID returns the resident model's ID, or "".
func (m *Manager) CurrentModelID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID
}

// InferenceSteps returns the sampling step count configured for a model.
// An empty id means the resident model. Unknown models get 30.
func (m *Manager) InferenceSteps(id string) int {
	if id == "" {
		id = m.CurrentModelID()
	}
	if cfg, ok := m.catalog.Get(id); ok && cfg.InferenceSteps > 0 {
		return cfg.InferenceSteps
	}
	return 30
}

// SupportsLora reports whether a model accepts adapter attachment. An
// empty id means the resident model. Unknown models default to true.
func (m *Manager) SupportsLora(id string) bool {
	if id == "" {
		id = m.CurrentModelID()
	}
	if cfg, ok := m.catalog.Get(id); ok {
		return cfg.SupportsLora
	}
	return true
}
