package lifecycle

import (
	"errors"
	"sort"

	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyRegistered is returned when a surface id is opened twice
var ErrAlreadyRegistered = errors.New("surface already registered")

// Acquirer is the part of the subscription registry the tracker drives
type Acquirer interface {
	Acquire(key proto.ResourceKey, done func(error))
	Release(key proto.ResourceKey)
}

// Tracker maps live surfaces to the resource key they observe.
// Like the registry it is owned by the coordinator goroutine.
type Tracker struct {
	registry Acquirer
	surfaces map[proto.SurfaceID]proto.ResourceKey
	byKey    map[proto.ResourceKey]map[proto.SurfaceID]struct{}
	logger   zerolog.Logger
}

// NewTracker creates a tracker over registry
func NewTracker(registry Acquirer) *Tracker {
	return &Tracker{
		registry: registry,
		surfaces: make(map[proto.SurfaceID]proto.ResourceKey),
		byKey:    make(map[proto.ResourceKey]map[proto.SurfaceID]struct{}),
		logger:   log.With().Str("component", "lifecycle").Logger(),
	}
}

// OnSurfaceOpened registers surface for key and acquires one reference
func (t *Tracker) OnSurfaceOpened(surface proto.SurfaceID, key proto.ResourceKey, done func(error)) error {
	if _, ok := t.surfaces[surface]; ok {
		return ErrAlreadyRegistered
	}

	t.surfaces[surface] = key
	if _, ok := t.byKey[key]; !ok {
		t.byKey[key] = make(map[proto.SurfaceID]struct{})
	}
	t.byKey[key][surface] = struct{}{}

	t.logger.Debug().Str("surface_id", string(surface)).Str("key", string(key)).Msg("Surface opened")
	t.registry.Acquire(key, done)
	return nil
}

// OnSurfaceClosed forgets surface and releases its reference.
// It reports whether the surface was tracked.
func (t *Tracker) OnSurfaceClosed(surface proto.SurfaceID) bool {
	key, ok := t.surfaces[surface]
	if !ok {
		return false
	}

	delete(t.surfaces, surface)
	if set, ok := t.byKey[key]; ok {
		delete(set, surface)
		if len(set) == 0 {
			delete(t.byKey, key)
		}
	}

	t.logger.Debug().Str("surface_id", string(surface)).Str("key", string(key)).Msg("Surface closed")
	t.registry.Release(key)
	return true
}

// ActiveSurfaceCount returns the number of tracked surfaces
func (t *Tracker) ActiveSurfaceCount() int {
	return len(t.surfaces)
}

// KeyOf returns the key a surface observes
func (t *Tracker) KeyOf(surface proto.SurfaceID) (proto.ResourceKey, bool) {
	key, ok := t.surfaces[surface]
	return key, ok
}

// SurfacesFor returns the surfaces observing key, ordered by id
func (t *Tracker) SurfacesFor(key proto.ResourceKey) []proto.SurfaceID {
	set := t.byKey[key]
	ids := make([]proto.SurfaceID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Surfaces returns every tracked surface, ordered by id
func (t *Tracker) Surfaces() []proto.SurfaceID {
	ids := make([]proto.SurfaceID, 0, len(t.surfaces))
	for id := range t.surfaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reset forgets every surface without touching the registry
func (t *Tracker) Reset() {
	t.surfaces = make(map[proto.SurfaceID]proto.ResourceKey)
	t.byKey = make(map[proto.ResourceKey]map[proto.SurfaceID]struct{})
}
