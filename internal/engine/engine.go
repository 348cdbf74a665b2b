// Package engine is the coordinator: it owns one instance of every
// subsystem, serializes all mutations behind a single writer, and
// bridges events between the control surfaces.
package engine

import (
	"sort"
	"sync"
	"time"

	"dmxlightd/internal/dmx"
	"dmxlightd/internal/fade"
	"dmxlightd/internal/fixture"
	"dmxlightd/internal/logger"
	"dmxlightd/internal/preset"
	"dmxlightd/internal/profile"
	"dmxlightd/internal/transmitter"
	"dmxlightd/internal/universe"
)

// StatusSource is the transmitter surface the engine needs. Tests
// substitute a fake.
type StatusSource interface {
	Subscribe(id string, fn transmitter.StatusListener)
	Status() transmitter.Status
}

// Engine wires the universe, fade engine, transmitter, registry and
// preset store together. Every command surface mutates state through
// these methods only; the mutex makes the process single-writer.
type Engine struct {
	log logger.Logger

	Universe *universe.Universe
	Fades    *fade.Engine
	Profiles *profile.Loader
	Registry *fixture.Registry
	Presets  *preset.Store

	tx StatusSource

	mu sync.Mutex // serializes commands

	subMu       sync.Mutex
	subscribers map[string]func(Event)
}

func New(log logger.Logger, uni *universe.Universe, fades *fade.Engine, tx StatusSource,
	profiles *profile.Loader, registry *fixture.Registry, presets *preset.Store) *Engine {
	e := &Engine{
		log:         log,
		Universe:    uni,
		Fades:       fades,
		tx:          tx,
		Profiles:    profiles,
		Registry:    registry,
		Presets:     presets,
		subscribers: make(map[string]func(Event)),
	}
	tx.Subscribe("engine", func(st transmitter.Status) {
		e.publish(StatusEvent{Status: st})
	})
	return e
}

// Status returns the transmitter's current connection status.
func (e *Engine) Status() transmitter.Status {
	return e.tx.Status()
}

// Subscribe registers an event sink under id. Sinks must not block.
func (e *Engine) Subscribe(id string, fn func(Event)) {
	e.subMu.Lock()
	e.subscribers[id] = fn
	e.subMu.Unlock()
}

// Unsubscribe removes an event sink.
func (e *Engine) Unsubscribe(id string) {
	e.subMu.Lock()
	delete(e.subscribers, id)
	e.subMu.Unlock()
}

func (e *Engine) publish(ev Event) {
	e.subMu.Lock()
	fns := make([]func(Event), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		fns = append(fns, fn)
	}
	e.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// ProfilesReloaded is called by the profile watcher after a reload: it
// republishes the profile and fixture lists so clients pick up the
// refreshed documents.
func (e *Engine) ProfilesReloaded() {
	e.publish(ProfilesEvent{Profiles: e.Profiles.List()})
	e.publish(FixtureListEvent{Fixtures: e.Registry.List()})
}

// --- universe commands ---

func (e *Engine) SetChannel(ch int, value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Universe.SetChannel(ch, value)
}

func (e *Engine) SetChannels(values map[int]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Universe.SetChannels(values)
}

func (e *Engine) SetMasterDimmer(value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Universe.SetMasterDimmer(value)
}

// Blackout fades every channel to zero, or zeroes them immediately
// when fadeMs is not positive. The master dimmer is untouched.
func (e *Engine) Blackout(fadeMs int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fadeMs > 0 {
		e.Fades.FadeToBlackout(time.Duration(fadeMs) * time.Millisecond)
		return
	}
	e.Fades.Cancel()
	e.Universe.Blackout()
}

// TriggerStart slams a channel to full, TriggerEnd back to zero. The
// trigger wins over any fade or profile default on the same address.
func (e *Engine) TriggerStart(ch int) { e.SetChannel(ch, 255) }
func (e *Engine) TriggerEnd(ch int)   { e.SetChannel(ch, 0) }

// --- presets ---

// RecallPreset restores a preset: channels (faded or instant), then
// per-fixture mode restoration. fadeOverride, when non-nil, replaces
// the preset's default fade time.
func (e *Engine) RecallPreset(id string, fadeOverride *int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.Presets.Get(id)
	if err != nil {
		return err
	}

	fadeMs := p.FadeTime
	if fadeOverride != nil {
		fadeMs = *fadeOverride
	}

	if fadeMs > 0 {
		e.Fades.FadeTo(p.Snapshot(), time.Duration(fadeMs)*time.Millisecond)
	} else {
		e.Fades.Cancel()
		e.Universe.ApplySnapshot(p.Snapshot())
	}

	if len(p.FixtureModes) > 0 {
		ids := make([]string, 0, len(p.FixtureModes))
		for fid := range p.FixtureModes {
			ids = append(ids, fid)
		}
		sort.Strings(ids)
		batch := make(map[int]float64)
		for _, fid := range ids {
			modeName := p.FixtureModes[fid]
			writes, err := e.Registry.SetActiveMode(fid, modeName)
			if err != nil {
				e.log.With(logger.Fields{"module": "engine"}).Warnf("preset %q: mode %q on fixture %s: %v", p.Name, modeName, fid, err)
				continue
			}
			for _, w := range writes {
				batch[w.Channel] = float64(w.Value)
			}
		}
		if len(batch) > 0 {
			e.Universe.SetChannels(batch)
		}
	}

	e.publish(PresetActivatedEvent{ID: p.ID, Name: p.Name})
	e.log.With(logger.Fields{"module": "engine"}).Infof("preset %q activated (fade %dms)", p.Name, fadeMs)
	return nil
}

// SavePreset captures the current universe plus the active mode of
// every profile fixture.
func (e *Engine) SavePreset(name string, fadeTime int, color string) (*preset.Preset, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	modes := make(map[string]string)
	for _, f := range e.Registry.List() {
		if f.IsProfileBased() && f.ActiveMode != "" {
			modes[f.ID] = f.ActiveMode
		}
	}
	if len(modes) == 0 {
		modes = nil
	}

	p, err := e.Presets.Capture(name, e.Universe, fadeTime, color, modes)
	if err != nil {
		return nil, err
	}
	e.publish(PresetListEvent{Presets: e.Presets.List()})
	return p, nil
}

func (e *Engine) UpdatePreset(id string, patch preset.Patch) (*preset.Preset, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.Presets.Update(id, patch)
	if err != nil {
		return nil, err
	}
	e.publish(PresetListEvent{Presets: e.Presets.List()})
	return p, nil
}

func (e *Engine) DeletePreset(id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed, err := e.Presets.Delete(id)
	if err != nil {
		return false, err
	}
	if removed {
		e.publish(PresetListEvent{Presets: e.Presets.List()})
	}
	return removed, nil
}

// --- fixtures ---

func (e *Engine) CreateFixture(name, typ string, channels []fixture.Binding, colorMode fixture.ColorMode) (*fixture.Fixture, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, err := e.Registry.Create(name, typ, channels, colorMode)
	if err != nil {
		return nil, err
	}
	e.publishFixturesLocked()
	return f, nil
}

// CreateFixtureFromProfile creates the fixture and asserts its default
// mode on the bus when the profile has a mode-select channel.
func (e *Engine) CreateFixtureFromProfile(name, profileID string, startAddress int) (*fixture.Fixture, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, err := e.Registry.CreateFromProfile(name, profileID, startAddress)
	if err != nil {
		return nil, err
	}
	if doc, derr := f.ProfileDoc(); derr == nil && doc.ModeChannel != "" && f.ActiveMode != "" {
		writes, err := e.Registry.SetActiveMode(f.ID, f.ActiveMode)
		if err != nil {
			e.log.With(logger.Fields{"module": "engine"}).Warnf("default mode for %q: %v", f.Name, err)
		} else {
			e.applyWritesLocked(writes, nil)
		}
	}
	e.publishFixturesLocked()
	return f, nil
}

func (e *Engine) UpdateFixture(in fixture.Fixture) (*fixture.Fixture, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, err := e.Registry.Update(in)
	if err != nil {
		return nil, err
	}
	e.publishFixturesLocked()
	return f, nil
}

// DeleteFixture removes the fixture. Its channels keep their last
// values.
func (e *Engine) DeleteFixture(id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed, err := e.Registry.Delete(id)
	if err != nil {
		return false, err
	}
	if removed {
		e.publishFixturesLocked()
	}
	return removed, nil
}

// SetFixtureMode activates a mode: the registry's returned writes are
// applied together with the hygiene pass, which zeroes dynamic
// channels left uncontrolled by the new mode.
func (e *Engine) SetFixtureMode(fixtureID, modeName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	writes, err := e.Registry.SetActiveMode(fixtureID, modeName)
	if err != nil {
		return err
	}
	hygiene, err := e.Registry.ModeHygiene(fixtureID, modeName)
	if err != nil {
		return err
	}
	e.applyWritesLocked(writes, hygiene)
	e.publishFixturesLocked()
	return nil
}

func (e *Engine) ExportFixtures() *fixture.ExportDocument {
	return e.Registry.Export()
}

func (e *Engine) ImportFixtures(doc *fixture.ExportDocument, strategy fixture.ImportStrategy) (*fixture.ImportResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.Registry.Import(doc, strategy)
	if err != nil {
		return nil, err
	}
	e.publishFixturesLocked()
	return res, nil
}

// applyWritesLocked merges mode writes and hygiene zeroes into one
// universe batch, so observers see a single change.
func (e *Engine) applyWritesLocked(writes, hygiene []dmx.ChannelValue) {
	if len(writes)+len(hygiene) == 0 {
		return
	}
	batch := make(map[int]float64, len(writes)+len(hygiene))
	for _, w := range writes {
		batch[w.Channel] = float64(w.Value)
	}
	for _, w := range hygiene {
		if _, claimed := batch[w.Channel]; !claimed {
			batch[w.Channel] = float64(w.Value)
		}
	}
	e.Universe.SetChannels(batch)
}

func (e *Engine) publishFixturesLocked() {
	e.publish(FixtureListEvent{Fixtures: e.Registry.List()})
	e.publish(ConflictsEvent{Conflicts: e.Registry.ValidateChannelConflicts()})
}
