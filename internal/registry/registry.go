package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/store"
)

// Source supplies the stream set from an external source of truth.
type Source interface {
	Load(ctx context.Context) ([]*model.Stream, error)
}

// FileSource reads streams from a YAML file.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type fileDocument struct {
	Streams []*model.Stream `yaml:"streams"`
}

func (f *FileSource) Load(_ context.Context) ([]*model.Stream, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse registry file %s: %w", f.path, err)
	}
	return doc.Streams, nil
}

// DBSource reads streams from the contest_streams table.
type DBSource struct {
	repo store.StreamRepository
}

func NewDBSource(repo store.StreamRepository) *DBSource {
	return &DBSource{repo: repo}
}

func (d *DBSource) Load(ctx context.Context) ([]*model.Stream, error) {
	return d.repo.ListActive(ctx)
}

// Registry holds the tracked stream set. Reload replaces the set wholesale;
// a load or validation failure keeps the previous set intact.
type Registry struct {
	source Source
	logger *slog.Logger

	mu      sync.RWMutex
	streams []*model.Stream
	byKey   map[model.StreamKey]*model.Stream
}

func New(source Source, logger *slog.Logger) *Registry {
	return &Registry{
		source: source,
		logger: logger.With("component", "registry"),
		byKey:  make(map[model.StreamKey]*model.Stream),
	}
}

// Reload fetches and validates the stream set, then swaps it in atomically.
func (r *Registry) Reload(ctx context.Context) error {
	streams, err := r.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load streams: %w", err)
	}

	now := time.Now().UTC()
	byKey := make(map[model.StreamKey]*model.Stream, len(streams))
	for i, s := range streams {
		if err := validateStream(s); err != nil {
			return fmt.Errorf("registry entry %d: %w", i, err)
		}
		key := s.Key()
		if _, dup := byKey[key]; dup {
			return fmt.Errorf("registry entry %d: duplicate stream %s", i, key)
		}
		s.LoadedAt = now
		byKey[key] = s
	}

	r.mu.Lock()
	r.streams = streams
	r.byKey = byKey
	r.mu.Unlock()

	r.logger.Info("registry reloaded", "streams", len(streams))
	return nil
}

// Streams returns the current stream set.
func (r *Registry) Streams() []*model.Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Stream, len(r.streams))
	copy(out, r.streams)
	return out
}

// Get returns the stream for a key, if tracked.
func (r *Registry) Get(key model.StreamKey) (*model.Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byKey[key]
	return s, ok
}

func validateStream(s *model.Stream) error {
	if s == nil {
		return fmt.Errorf("nil stream")
	}
	if s.ContestID == "" {
		return fmt.Errorf("contest_id is required")
	}
	if s.ChainID <= 0 {
		return fmt.Errorf("stream %s: chain_id must be positive", s.ContestID)
	}
	if s.Addresses.Registrar == "" {
		return fmt.Errorf("stream %s: registrar address is required", s.Key())
	}
	if s.StartBlock < 0 {
		return fmt.Errorf("stream %s: start_block must not be negative", s.Key())
	}
	return nil
}
