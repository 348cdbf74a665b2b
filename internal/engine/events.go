package engine

import (
	"dmxlightd/internal/fixture"
	"dmxlightd/internal/preset"
	"dmxlightd/internal/profile"
	"dmxlightd/internal/transmitter"
)

// Event is a discrete engine event bridged to every attached surface
// (live clients, automation clients, the MQTT bridge). Continuous
// universe changes are not events; surfaces subscribe to the universe
// directly and throttle on their own.
type Event interface{ event() }

// PresetActivatedEvent fires when a preset recall completes its
// dispatch, regardless of which surface requested it.
type PresetActivatedEvent struct {
	ID   string
	Name string
}

// PresetListEvent fires whenever the preset list changes.
type PresetListEvent struct {
	Presets []*preset.Preset
}

// FixtureListEvent fires whenever the fixture set changes.
type FixtureListEvent struct {
	Fixtures []*fixture.Fixture
}

// ConflictsEvent carries the current conflict report after a fixture
// mutation. Empty reports are still published; surfaces decide
// whether to forward them.
type ConflictsEvent struct {
	Conflicts []string
}

// ProfilesEvent fires after the bundled profile set reloads.
type ProfilesEvent struct {
	Profiles []profile.Entry
}

// StatusEvent mirrors transmitter status transitions.
type StatusEvent struct {
	Status transmitter.Status
}

func (PresetActivatedEvent) event() {}
func (PresetListEvent) event()      {}
func (FixtureListEvent) event()     {}
func (ConflictsEvent) event()       {}
func (ProfilesEvent) event()        {}
func (StatusEvent) event()          {}
