package live

import (
	"encoding/json"

	"dmxlightd/internal/dmx"
)

// Envelope is one live-protocol message in either direction.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// statePayload is the throttled dmx:state broadcast.
type statePayload struct {
	Channels dmx.Levels `json:"channels"`
	Master   uint8      `json:"master"`
}

func newStatePayload(raw dmx.Snapshot, master uint8) statePayload {
	return statePayload{Channels: raw[:], Master: master}
}

// statusPayload is the dmx:status event.
type statusPayload struct {
	Connected bool    `json:"connected"`
	Port      *string `json:"port"`
}

type setChannelCmd struct {
	Channel int     `json:"channel"`
	Value   float64 `json:"value"`
}

type setChannelsCmd struct {
	Values map[string]float64 `json:"values"`
}

type masterCmd struct {
	Value float64 `json:"value"`
}

type blackoutCmd struct {
	FadeTime *int `json:"fadeTime,omitempty"`
}

type presetRecallCmd struct {
	ID       string `json:"id"`
	FadeTime *int   `json:"fadeTime,omitempty"`
}

type presetSaveCmd struct {
	Name     string `json:"name"`
	FadeTime int    `json:"fadeTime"`
	Color    string `json:"color"`
}

type presetActivatedPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type idCmd struct {
	ID string `json:"id"`
}

type createFromProfileCmd struct {
	Name         string `json:"name"`
	ProfileID    string `json:"profileId"`
	StartAddress int    `json:"startAddress"`
}

type setModeCmd struct {
	FixtureID string `json:"fixtureId"`
	ModeName  string `json:"modeName"`
}

type triggerCmd struct {
	Channel int `json:"channel"`
}
