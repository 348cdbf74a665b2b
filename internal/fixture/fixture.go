// Package fixture maps named logical fixtures onto raw DMX channels
// and tracks their profile bindings and operating modes.
package fixture

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"dmxlightd/internal/profile"
)

// ColorMode selects the color surface a fixture exposes.
type ColorMode string

const (
	ColorModeRGB ColorMode = "rgb"
	ColorModeHSB ColorMode = "hsb"
)

// Binding ties a named channel to a 1-indexed DMX address.
type Binding struct {
	Name       string `json:"name"`
	DMXChannel int    `json:"dmxChannel"`
}

// Layout carries the rich client's canvas placement. The engine only
// checks bounds and otherwise passes it through untouched.
type Layout struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Rotation float64 `json:"rotation"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	OnCanvas bool    `json:"onCanvas"`
}

// Validate rejects layouts that would break the canvas.
func (l *Layout) Validate() error {
	for name, v := range map[string]float64{
		"x": l.X, "y": l.Y, "rotation": l.Rotation, "width": l.Width, "height": l.Height,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("layout %s is not a finite number", name)
		}
	}
	if l.Width < 0 || l.Height < 0 {
		return fmt.Errorf("layout size %gx%g is negative", l.Width, l.Height)
	}
	return nil
}

// Fixture is a persistent, named grouping of DMX channels. Profile,
// StartAddress and ActiveMode are set only on profile-based fixtures.
type Fixture struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	ColorMode ColorMode `json:"colorMode"`
	Channels  []Binding `json:"channels"`

	Profile      json.RawMessage `json:"profile,omitempty"`
	StartAddress int             `json:"startAddress,omitempty"`
	ActiveMode   string          `json:"activeMode,omitempty"`

	Layout *Layout `json:"layout,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsProfileBased reports whether the fixture carries a profile copy.
func (f *Fixture) IsProfileBased() bool {
	return len(f.Profile) > 0
}

// ProfileDoc parses the fixture's stored profile copy.
func (f *Fixture) ProfileDoc() (*profile.Document, error) {
	if !f.IsProfileBased() {
		return nil, ErrNotProfileFixture
	}
	doc, err := profile.Parse(f.Profile)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: stored profile invalid: %w", f.ID, err)
	}
	return doc, nil
}

func (f *Fixture) clone() *Fixture {
	out := *f
	out.Channels = append([]Binding(nil), f.Channels...)
	if f.Profile != nil {
		out.Profile = append(json.RawMessage(nil), f.Profile...)
	}
	if f.Layout != nil {
		l := *f.Layout
		out.Layout = &l
	}
	return &out
}
