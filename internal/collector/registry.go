package collector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xaenox/octopus/internal/models"
)

// Factory builds a Source. It is called once per run so no client state is
// shared between runs.
type Factory func() (Source, error)

// SupportedTypes lists the collector types the registry knows about.
type SupportedTypes struct {
	Implemented []models.Platform `json:"implemented"`
	Planned     []models.Platform `json:"planned"`
}

type Registry struct {
	mu        sync.RWMutex
	factories map[models.Platform]Factory
	planned   map[models.Platform]struct{}
}

// NewRegistry returns an empty registry that knows the planned platforms.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[models.Platform]Factory),
		planned: map[models.Platform]struct{}{
			models.PlatformWeChat: {},
			models.PlatformQQ:     {},
		},
	}
}

func (r *Registry) Register(platform models.Platform, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[platform] = factory
	delete(r.planned, platform)
}

// Has reports whether platform has a registered factory.
func (r *Registry) Has(platform models.Platform) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[platform]
	return ok
}

// Get builds a fresh Source for platform.
func (r *Registry) Get(platform models.Platform) (Source, error) {
	r.mu.RLock()
	factory, ok := r.factories[platform]
	_, planned := r.planned[platform]
	r.mu.RUnlock()

	if !ok {
		if planned {
			return nil, fmt.Errorf("%w: %s", ErrNotImplemented, platform)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, platform)
	}
	src, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s collector: %w", platform, err)
	}
	return src, nil
}

func (r *Registry) SupportedTypes() SupportedTypes {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := SupportedTypes{
		Implemented: make([]models.Platform, 0, len(r.factories)),
		Planned:     make([]models.Platform, 0, len(r.planned)),
	}
	for p := range r.factories {
		out.Implemented = append(out.Implemented, p)
	}
	for p := range r.planned {
		out.Planned = append(out.Planned, p)
	}
	sort.Slice(out.Implemented, func(i, j int) bool { return out.Implemented[i] < out.Implemented[j] })
	sort.Slice(out.Planned, func(i, j int) bool { return out.Planned[i] < out.Planned[j] })
	return out
}
