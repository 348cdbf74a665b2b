package fixture

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dmxlightd/internal/dmx"
	"dmxlightd/internal/logger"
	"dmxlightd/internal/profile"
	"dmxlightd/internal/store"
)

var (
	ErrUnknownFixture    = errors.New("unknown fixture")
	ErrNotProfileFixture = errors.New("fixture has no profile")
	ErrUnknownMode       = errors.New("unknown mode")
	ErrUnknownProfile    = errors.New("unknown profile")
	ErrInvalidAddress    = errors.New("invalid start address")
)

// ImportStrategy selects how an import treats the existing store.
type ImportStrategy string

const (
	ImportReplace ImportStrategy = "replace"
	ImportMerge   ImportStrategy = "merge"
)

// ExportDocument is the fixture config interchange format.
type ExportDocument struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
	Fixtures   []Fixture `json:"fixtures"`
}

// ImportResult totals one import run.
type ImportResult struct {
	Added     int      `json:"added"`
	Skipped   int      `json:"skipped"`
	Conflicts []string `json:"conflicts"`
}

// Registry is the fixture store: CRUD, profile binding, mode
// activation and conflict detection. Reads silently refresh stored
// profile copies that drifted from the bundled documents.
type Registry struct {
	log      logger.Logger
	store    *store.Store
	profiles *profile.Loader

	mu       sync.Mutex
	fixtures map[string]*Fixture
	// synced maps fixture id -> bundled-document hash the stored copy
	// was last found equal to, so unchanged profiles skip the compare.
	synced map[string]string
}

func NewRegistry(log logger.Logger, st *store.Store, profiles *profile.Loader) (*Registry, error) {
	r := &Registry{
		log:      log,
		store:    st,
		profiles: profiles,
		fixtures: make(map[string]*Fixture),
		synced:   make(map[string]string),
	}
	raw, err := st.List(store.BucketFixtures)
	if err != nil {
		return nil, fmt.Errorf("load fixtures: %w", err)
	}
	for id, data := range raw {
		var f Fixture
		if err := json.Unmarshal(data, &f); err != nil {
			log.With(logger.Fields{"module": "registry"}).Errorf("skipping stored fixture %s: %v", id, err)
			continue
		}
		r.fixtures[f.ID] = &f
	}
	log.With(logger.Fields{"module": "registry"}).Infof("loaded %d fixtures", len(r.fixtures))
	return r, nil
}

// Create adds a flat (non-profile) fixture.
func (r *Registry) Create(name, typ string, channels []Binding, colorMode ColorMode) (*Fixture, error) {
	now := time.Now()
	f := &Fixture{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      typ,
		ColorMode: colorMode,
		Channels:  append([]Binding(nil), channels...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.persistLocked(f); err != nil {
		return nil, err
	}
	r.fixtures[f.ID] = f
	return f.clone(), nil
}

// CreateFromProfile materializes a fixture from a bundled profile at
// the given start address.
func (r *Registry) CreateFromProfile(name, profileID string, startAddress int) (*Fixture, error) {
	doc, ok := r.profiles.Get(profileID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, profileID)
	}
	if startAddress < 1 || startAddress+doc.ChannelCount-1 > dmx.UniverseSize {
		return nil, fmt.Errorf("%w: %d..%d outside 1..%d", ErrInvalidAddress,
			startAddress, startAddress+doc.ChannelCount-1, dmx.UniverseSize)
	}

	keys := doc.SortedKeys()
	channels := make([]Binding, len(keys))
	for i, key := range keys {
		channels[i] = Binding{Name: doc.Channels[key].Label, DMXChannel: startAddress + i}
	}

	now := time.Now()
	f := &Fixture{
		ID:           uuid.NewString(),
		Name:         name,
		Type:         doc.Fixture,
		ColorMode:    ColorModeHSB,
		Channels:     channels,
		Profile:      append(json.RawMessage(nil), doc.Raw...),
		StartAddress: startAddress,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(doc.Modes) > 0 {
		f.ActiveMode = doc.Modes[0].Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.persistLocked(f); err != nil {
		return nil, err
	}
	r.fixtures[f.ID] = f
	return f.clone(), nil
}

// Update replaces the mutable fields of an existing fixture. Identity,
// creation time and profile binding are preserved.
func (r *Registry) Update(in Fixture) (*Fixture, error) {
	if in.Layout != nil {
		if err := in.Layout.Validate(); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.fixtures[in.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFixture, in.ID)
	}

	next := f.clone()
	next.Name = in.Name
	next.Type = in.Type
	next.ColorMode = in.ColorMode
	if in.Channels != nil && !next.IsProfileBased() {
		next.Channels = append([]Binding(nil), in.Channels...)
	}
	next.Layout = in.Layout
	next.UpdatedAt = time.Now()

	if err := r.persistLocked(next); err != nil {
		return nil, err
	}
	r.fixtures[next.ID] = next
	return next.clone(), nil
}

// Delete removes a fixture. DMX channels it occupied are left as they
// are.
func (r *Registry) Delete(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fixtures[id]; !ok {
		return false, nil
	}
	if _, err := r.store.Delete(store.BucketFixtures, id); err != nil {
		return false, err
	}
	delete(r.fixtures, id)
	delete(r.synced, id)
	return true, nil
}

// Get returns one fixture, profile-refreshed.
func (r *Registry) Get(id string) (*Fixture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.fixtures[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFixture, id)
	}
	r.refreshLocked(f)
	return f.clone(), nil
}

// List returns all fixtures ordered by creation time, profile-
// refreshed.
func (r *Registry) List() []*Fixture {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Fixture, 0, len(r.fixtures))
	for _, f := range r.fixtures {
		r.refreshLocked(f)
		out = append(out, f.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetActiveMode switches a profile fixture's mode and returns the DMX
// writes the caller must apply: the mode-select channel first (when
// the profile has one), then the mode's default values in channel-key
// order. The registry itself never touches the universe.
func (r *Registry) SetActiveMode(fixtureID, modeName string) ([]dmx.ChannelValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.fixtures[fixtureID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFixture, fixtureID)
	}
	doc, err := f.ProfileDoc()
	if err != nil {
		return nil, err
	}
	mode := doc.FindMode(modeName)
	if mode == nil {
		return nil, fmt.Errorf("%w: %q on fixture %s", ErrUnknownMode, modeName, f.Name)
	}

	var writes []dmx.ChannelValue
	if doc.ModeChannel != "" {
		writes = append(writes, dmx.ChannelValue{
			Channel: f.StartAddress + doc.ChannelIndex(doc.ModeChannel),
			Value:   mode.ChannelValue,
		})
	}
	keys := make([]string, 0, len(mode.Defaults))
	for k := range mode.Defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writes = append(writes, dmx.ChannelValue{
			Channel: f.StartAddress + doc.ChannelIndex(k),
			Value:   mode.Defaults[k],
		})
	}

	next := f.clone()
	next.ActiveMode = modeName
	next.UpdatedAt = time.Now()
	if err := r.persistLocked(next); err != nil {
		return nil, err
	}
	r.fixtures[fixtureID] = next
	return writes, nil
}

// ModeHygiene returns the zero-writes for a mode switch: every dynamic
// profile channel with no controls entry in the mode, except channels
// named by the mode's defaults or its color wheel group. The
// coordinator applies these after the SetActiveMode writes so both
// servers share one hygiene implementation.
func (r *Registry) ModeHygiene(fixtureID, modeName string) ([]dmx.ChannelValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.fixtures[fixtureID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFixture, fixtureID)
	}
	doc, err := f.ProfileDoc()
	if err != nil {
		return nil, err
	}
	mode := doc.FindMode(modeName)
	if mode == nil {
		return nil, fmt.Errorf("%w: %q on fixture %s", ErrUnknownMode, modeName, f.Name)
	}

	keep := make(map[string]bool, len(mode.Defaults)+3)
	for k := range mode.Defaults {
		keep[k] = true
	}
	if g := mode.ColorWheelGroup; g != nil {
		keep[g.Hue] = true
		keep[g.Saturation] = true
		if g.Brightness != "" {
			keep[g.Brightness] = true
		}
	}

	var writes []dmx.ChannelValue
	for i, key := range doc.SortedKeys() {
		if doc.Channels[key].Role != profile.RoleDynamic {
			continue
		}
		if _, hasControl := mode.Controls[key]; hasControl {
			continue
		}
		if keep[key] {
			continue
		}
		writes = append(writes, dmx.ChannelValue{Channel: f.StartAddress + i, Value: 0})
	}
	return writes, nil
}

// ValidateChannelConflicts reports every DMX address claimed by more
// than one binding. The first claim in listing order owns the address.
func (r *Registry) ValidateChannelConflicts() []string {
	r.mu.Lock()
	fixtures := make([]*Fixture, 0, len(r.fixtures))
	for _, f := range r.fixtures {
		fixtures = append(fixtures, f)
	}
	r.mu.Unlock()

	sort.Slice(fixtures, func(i, j int) bool {
		if fixtures[i].CreatedAt.Equal(fixtures[j].CreatedAt) {
			return fixtures[i].ID < fixtures[j].ID
		}
		return fixtures[i].CreatedAt.Before(fixtures[j].CreatedAt)
	})

	type owner struct {
		fixture string
		channel string
	}
	owners := make(map[int]owner)
	var conflicts []string
	for _, f := range fixtures {
		for _, b := range f.Channels {
			if prev, taken := owners[b.DMXChannel]; taken {
				conflicts = append(conflicts, fmt.Sprintf("DMX %d: '%s' (%s) conflicts with '%s' (%s)",
					b.DMXChannel, prev.fixture, prev.channel, f.Name, b.Name))
				continue
			}
			owners[b.DMXChannel] = owner{fixture: f.Name, channel: b.Name}
		}
	}
	return conflicts
}

// Export snapshots the whole registry as an interchange document.
func (r *Registry) Export() *ExportDocument {
	fixtures := r.List()
	out := &ExportDocument{
		Version:    1,
		ExportedAt: time.Now().UTC(),
		Fixtures:   make([]Fixture, len(fixtures)),
	}
	for i, f := range fixtures {
		out.Fixtures[i] = *f
	}
	return out
}

// Import applies an interchange document with the given strategy.
func (r *Registry) Import(doc *ExportDocument, strategy ImportStrategy) (*ImportResult, error) {
	switch strategy {
	case ImportReplace:
		return r.importReplace(doc)
	case ImportMerge:
		return r.importMerge(doc)
	default:
		return nil, fmt.Errorf("unknown import strategy %q", strategy)
	}
}

func (r *Registry) importReplace(doc *ExportDocument) (*ImportResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	values := make(map[string][]byte, len(doc.Fixtures))
	next := make(map[string]*Fixture, len(doc.Fixtures))
	for i := range doc.Fixtures {
		f := doc.Fixtures[i].clone()
		data, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		values[f.ID] = data
		next[f.ID] = f
	}
	if err := r.store.ReplaceAll(store.BucketFixtures, values); err != nil {
		return nil, err
	}
	r.fixtures = next
	r.synced = make(map[string]string)
	return &ImportResult{Added: len(next), Conflicts: []string{}}, nil
}

func (r *Registry) importMerge(doc *ExportDocument) (*ImportResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &ImportResult{Conflicts: []string{}}
	for i := range doc.Fixtures {
		in := &doc.Fixtures[i]
		if _, exists := r.fixtures[in.ID]; exists {
			res.Skipped++
			res.Conflicts = append(res.Conflicts, fmt.Sprintf("fixture %q (%s) already exists", in.Name, in.ID))
			continue
		}
		if clash := r.addressClashLocked(in); clash != "" {
			res.Skipped++
			res.Conflicts = append(res.Conflicts, clash)
			continue
		}
		f := in.clone()
		if err := r.persistLocked(f); err != nil {
			return nil, err
		}
		r.fixtures[f.ID] = f
		res.Added++
	}
	return res, nil
}

func (r *Registry) addressClashLocked(in *Fixture) string {
	used := make(map[int]string)
	for _, f := range r.fixtures {
		for _, b := range f.Channels {
			used[b.DMXChannel] = f.Name
		}
	}
	for _, b := range in.Channels {
		if name, taken := used[b.DMXChannel]; taken {
			return fmt.Sprintf("fixture %q: DMX %d already used by %q", in.Name, b.DMXChannel, name)
		}
	}
	return ""
}

// refreshLocked overwrites a drifted stored profile copy with the
// bundled document of the same fixture name. Identity, start address,
// active mode and layout are untouched.
func (r *Registry) refreshLocked(f *Fixture) {
	if !f.IsProfileBased() {
		return
	}
	var stored struct {
		Fixture string `json:"fixture"`
	}
	if err := json.Unmarshal(f.Profile, &stored); err != nil {
		return
	}
	bundled, ok := r.profiles.FindByFixture(stored.Fixture)
	if !ok {
		return
	}

	canon, err := profile.Canonical(bundled.Raw)
	if err != nil {
		return
	}
	sum := sha256.Sum256(canon)
	hash := hex.EncodeToString(sum[:])
	if r.synced[f.ID] == hash {
		return
	}

	storedCanon, err := profile.Canonical(f.Profile)
	if err == nil && string(storedCanon) == string(canon) {
		r.synced[f.ID] = hash
		return
	}

	f.Profile = append(json.RawMessage(nil), bundled.Raw...)
	f.UpdatedAt = time.Now()
	if err := r.persistLocked(f); err != nil {
		r.log.With(logger.Fields{"module": "registry"}).Errorf("persist refreshed profile for %s: %v", f.ID, err)
		return
	}
	r.synced[f.ID] = hash
	r.log.With(logger.Fields{"module": "registry"}).Infof("fixture %q resynced to bundled profile %q", f.Name, stored.Fixture)
}

func (r *Registry) persistLocked(f *Fixture) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return r.store.Put(store.BucketFixtures, f.ID, data)
}
