// Package profile models fixture profile documents: the channel
// layout and operating modes of a fixture type, loaded from JSON files
// bundled alongside the engine.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Role is the semantic meaning of a profile channel.
type Role string

const (
	RoleDimmer      Role = "dimmer"
	RoleTemperature Role = "temperature"
	RoleHue         Role = "hue"
	RoleSaturation  Role = "saturation"
	RoleBrightness  Role = "brightness"
	RoleRed         Role = "red"
	RoleGreen       Role = "green"
	RoleBlue        Role = "blue"
	RoleModeSelect  Role = "modeSelect"
	RoleDynamic     Role = "dynamic"
	RoleCustom      Role = "custom"
)

// ControlType discriminates the control descriptor variants.
type ControlType string

const (
	ControlFader     ControlType = "fader"
	ControlMomentary ControlType = "momentary"
	ControlToggle    ControlType = "toggle"
	ControlStepped   ControlType = "stepped"
)

// Step is one position of a stepped control.
type Step struct {
	Label string `json:"label"`
	Value uint8  `json:"value"`
}

// Control describes how a channel is operated within a mode. A nil
// *Control in a mode's Controls map means the channel is suppressed in
// that mode.
type Control struct {
	Type         ControlType `json:"type"`
	Steps        []Step      `json:"steps,omitempty"`
	ExtraButtons []Step      `json:"extraButtons,omitempty"`
}

// Channel is one slot of the profile's channel layout.
type Channel struct {
	Role  Role   `json:"role"`
	Label string `json:"label"`
}

// ColorWheelGroup names the channels a color wheel drives.
type ColorWheelGroup struct {
	Hue        string `json:"hue"`
	Saturation string `json:"saturation"`
	Brightness string `json:"brightness,omitempty"`
}

// Mode is a named operating state of the fixture.
type Mode struct {
	Name            string              `json:"name"`
	ChannelValue    uint8               `json:"channelValue"`
	Controls        map[string]*Control `json:"controls"`
	ColorWheelGroup *ColorWheelGroup    `json:"colorWheelGroup,omitempty"`
	Defaults        map[string]uint8    `json:"defaults,omitempty"`
}

// Document is a parsed profile. Raw keeps the original bytes so
// unknown fields survive a round trip through the store.
type Document struct {
	Fixture      string             `json:"fixture"`
	ChannelCount int                `json:"channelCount"`
	Channels     map[string]Channel `json:"channels"`
	ModeChannel  string             `json:"modeChannel,omitempty"`
	Modes        []Mode             `json:"modes,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Parse decodes and validates one profile document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	doc.Raw = append(json.RawMessage(nil), data...)
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the structural invariants of the document.
func (d *Document) Validate() error {
	if d.Fixture == "" {
		return errors.New("profile: missing fixture name")
	}
	if d.ChannelCount < 1 {
		return fmt.Errorf("profile %q: channelCount %d, want >= 1", d.Fixture, d.ChannelCount)
	}
	if len(d.Channels) == 0 {
		return fmt.Errorf("profile %q: no channels", d.Fixture)
	}
	if len(d.Channels) != d.ChannelCount {
		return fmt.Errorf("profile %q: %d channel keys for channelCount %d", d.Fixture, len(d.Channels), d.ChannelCount)
	}
	if d.ModeChannel != "" {
		if _, ok := d.Channels[d.ModeChannel]; !ok {
			return fmt.Errorf("profile %q: modeChannel %q not in channels", d.Fixture, d.ModeChannel)
		}
	}

	seen := make(map[string]bool, len(d.Modes))
	for i := range d.Modes {
		m := &d.Modes[i]
		if m.Name == "" {
			return fmt.Errorf("profile %q: mode %d has no name", d.Fixture, i)
		}
		if seen[m.Name] {
			return fmt.Errorf("profile %q: duplicate mode %q", d.Fixture, m.Name)
		}
		seen[m.Name] = true
		for key, ctl := range m.Controls {
			if _, ok := d.Channels[key]; !ok {
				return fmt.Errorf("profile %q mode %q: control for unknown channel %q", d.Fixture, m.Name, key)
			}
			if ctl == nil {
				continue
			}
			switch ctl.Type {
			case ControlFader, ControlMomentary, ControlToggle:
			case ControlStepped:
				if len(ctl.Steps) == 0 {
					return fmt.Errorf("profile %q mode %q: stepped control on %q has no steps", d.Fixture, m.Name, key)
				}
			default:
				return fmt.Errorf("profile %q mode %q: unknown control type %q on %q", d.Fixture, m.Name, ctl.Type, key)
			}
		}
		for key := range m.Defaults {
			if _, ok := d.Channels[key]; !ok {
				return fmt.Errorf("profile %q mode %q: default for unknown channel %q", d.Fixture, m.Name, key)
			}
		}
		if g := m.ColorWheelGroup; g != nil {
			for _, key := range []string{g.Hue, g.Saturation, g.Brightness} {
				if key == "" {
					continue
				}
				if _, ok := d.Channels[key]; !ok {
					return fmt.Errorf("profile %q mode %q: colorWheelGroup names unknown channel %q", d.Fixture, m.Name, key)
				}
			}
		}
	}
	return nil
}

// SortedKeys returns the channel keys in their canonical order. The
// lexicographic sort of channel keys defines the DMX channel order.
func (d *Document) SortedKeys() []string {
	keys := make([]string, 0, len(d.Channels))
	for k := range d.Channels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ChannelIndex returns the position of key in the canonical channel
// order, or -1 when the key is unknown.
func (d *Document) ChannelIndex(key string) int {
	for i, k := range d.SortedKeys() {
		if k == key {
			return i
		}
	}
	return -1
}

// FindMode returns the mode named name, or nil.
func (d *Document) FindMode(name string) *Mode {
	for i := range d.Modes {
		if d.Modes[i].Name == name {
			return &d.Modes[i]
		}
	}
	return nil
}

// Canonical re-encodes raw JSON with sorted keys and no insignificant
// whitespace, so two structurally equal documents compare byte-equal.
func Canonical(raw json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
