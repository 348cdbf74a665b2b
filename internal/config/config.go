package config

import (
	"github.com/BurntSushi/toml"
)

// Config is the full process configuration.
type Config struct {
	Logger     LogConf        // Logger - logging settings.
	Serial     SerialConf     // Serial - DMX transmitter settings.
	Live       LiveConf       // Live - live-client (websocket) server.
	Automation AutomationConf // Automation - controller (line-JSON) server.
	Store      StoreConf      // Store - persistent store location.
	Profiles   ProfilesConf   // Profiles - fixture profile documents.
	MQTT       MQTTConf       // MQTT - optional broker bridge.
}

type LogConf struct {
	Level string `toml:"log-level"`
}

type SerialConf struct {
	Port      string `toml:"port"`       // Port overrides auto-detection when set.
	RefreshMs int    `toml:"refresh-ms"` // RefreshMs is the DMX frame period.
}

type LiveConf struct {
	Listen string `toml:"listen"`
}

type AutomationConf struct {
	Listen string `toml:"listen"`
}

type StoreConf struct {
	Path string `toml:"path"`
}

type ProfilesConf struct {
	Dir   string `toml:"dir"`
	Watch bool   `toml:"watch"`
}

type MQTTConf struct {
	Enabled     bool   `toml:"enabled"`
	ClientID    string `toml:"clientID"`
	Host        string `toml:"server"`
	Port        string `toml:"port"`
	User        string `toml:"user"`
	Password    string `toml:"password"`
	TopicPrefix string `toml:"topic-prefix"`
}

// NewConfig reads the toml file at path over the defaults. When the
// file cannot be read or decoded, the error is returned together with
// the defaults, so the caller can still run on defaults alone.
func NewConfig(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logger:     LogConf{Level: "info"},
		Serial:     SerialConf{RefreshMs: 25},
		Live:       LiveConf{Listen: ":9090"},
		Automation: AutomationConf{Listen: ":9091"},
		Store:      StoreConf{Path: "dmxlightd.db"},
		Profiles:   ProfilesConf{Dir: "profiles", Watch: true},
		MQTT:       MQTTConf{ClientID: "dmxlightd", TopicPrefix: "dmxlightd"},
	}
}
