// Package preset stores full-universe snapshots with a default fade
// time and optional per-fixture mode restoration.
package preset

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dmxlightd/internal/dmx"
	"dmxlightd/internal/logger"
	"dmxlightd/internal/store"
	"dmxlightd/internal/universe"
)

var ErrUnknownPreset = errors.New("unknown preset")

// Preset is one saved snapshot. Channels is always exactly 512 bytes
// of raw (pre-master) state.
type Preset struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Channels     dmx.Levels        `json:"channels"`
	FadeTime     int               `json:"fadeTime"` // milliseconds
	Color        string            `json:"color"`
	FixtureModes map[string]string `json:"fixtureModes,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Snapshot converts the stored channel bytes into a universe snapshot.
func (p *Preset) Snapshot() dmx.Snapshot {
	var out dmx.Snapshot
	copy(out[:], p.Channels)
	return out
}

// Patch is a partial preset update. Nil fields are left alone.
type Patch struct {
	Name         *string           `json:"name,omitempty"`
	Channels     dmx.Levels        `json:"channels,omitempty"`
	FadeTime     *int              `json:"fadeTime,omitempty"`
	Color        *string           `json:"color,omitempty"`
	FixtureModes map[string]string `json:"fixtureModes,omitempty"`
}

// Store keeps presets in memory, persisted through the key/value
// store on every mutation.
type Store struct {
	log logger.Logger
	st  *store.Store

	mu      sync.Mutex
	presets map[string]*Preset
}

func NewStore(log logger.Logger, st *store.Store) (*Store, error) {
	s := &Store{log: log, st: st, presets: make(map[string]*Preset)}
	raw, err := st.List(store.BucketPresets)
	if err != nil {
		return nil, fmt.Errorf("load presets: %w", err)
	}
	for id, data := range raw {
		var p Preset
		if err := json.Unmarshal(data, &p); err != nil {
			log.With(logger.Fields{"module": "presets"}).Errorf("skipping stored preset %s: %v", id, err)
			continue
		}
		p.Channels = pad(p.Channels)
		s.presets[p.ID] = &p
	}
	log.With(logger.Fields{"module": "presets"}).Infof("loaded %d presets", len(s.presets))
	return s, nil
}

// Create stores a new preset. The channel array is trimmed or
// zero-padded to exactly 512 bytes.
func (s *Store) Create(name string, channels []uint8, fadeTime int, color string, fixtureModes map[string]string) (*Preset, error) {
	now := time.Now()
	p := &Preset{
		ID:           uuid.NewString(),
		Name:         name,
		Channels:     pad(channels),
		FadeTime:     fadeTime,
		Color:        color,
		FixtureModes: copyModes(fixtureModes),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(p); err != nil {
		return nil, err
	}
	s.presets[p.ID] = p
	return p.clone(), nil
}

// Capture creates a preset from the universe's current raw state.
func (s *Store) Capture(name string, uni *universe.Universe, fadeTime int, color string, fixtureModes map[string]string) (*Preset, error) {
	raw := uni.GetRaw()
	return s.Create(name, raw[:], fadeTime, color, fixtureModes)
}

// Update applies a patch, preserving id and creation time.
func (s *Store) Update(id string, patch Patch) (*Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.presets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, id)
	}

	next := p.clone()
	if patch.Name != nil {
		next.Name = *patch.Name
	}
	if patch.Channels != nil {
		next.Channels = pad(patch.Channels)
	}
	if patch.FadeTime != nil {
		next.FadeTime = *patch.FadeTime
	}
	if patch.Color != nil {
		next.Color = *patch.Color
	}
	if patch.FixtureModes != nil {
		next.FixtureModes = copyModes(patch.FixtureModes)
	}
	next.UpdatedAt = time.Now()

	if err := s.persistLocked(next); err != nil {
		return nil, err
	}
	s.presets[id] = next
	return next.clone(), nil
}

// Delete removes a preset and reports whether it existed.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.presets[id]; !ok {
		return false, nil
	}
	if _, err := s.st.Delete(store.BucketPresets, id); err != nil {
		return false, err
	}
	delete(s.presets, id)
	return true, nil
}

// Get returns one preset.
func (s *Store) Get(id string) (*Preset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, id)
	}
	return p.clone(), nil
}

// List returns all presets ordered by creation time.
func (s *Store) List() []*Preset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Preset, 0, len(s.presets))
	for _, p := range s.presets {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) persistLocked(p *Preset) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.st.Put(store.BucketPresets, p.ID, data)
}

func (p *Preset) clone() *Preset {
	out := *p
	out.Channels = append(dmx.Levels(nil), p.Channels...)
	out.FixtureModes = copyModes(p.FixtureModes)
	return &out
}

func copyModes(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// pad trims or zero-pads to exactly 512 bytes.
func pad(channels []uint8) dmx.Levels {
	out := make(dmx.Levels, dmx.UniverseSize)
	copy(out, channels)
	return out
}
