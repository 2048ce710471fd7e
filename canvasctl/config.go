package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gyozanisonline/colab-sub000/canvas"
)

type fileKeyConfig struct {
	Key     string   `toml:"key"`
	Rate    string   `toml:"rate"`
	Type    string   `toml:"type"`
	Aliases []string `toml:"aliases"`
}

type fileConfig struct {
	Port              int     `toml:"port"`
	Url               string  `toml:"url"`
	SnapshotPath      string  `toml:"snapshot_path"`
	SnapshotInterval  string  `toml:"snapshot_interval"`
	SessionBufferSize int     `toml:"session_buffer_size"`
	SendBufferSize    int     `toml:"send_buffer_size"`
	PingTimeout       string  `toml:"ping_timeout"`
	StrictKeys        bool    `toml:"strict_keys"`
	Debounce          string  `toml:"debounce"`
	CursorInterval    string  `toml:"cursor_interval"`
	ProximityRadius   float64 `toml:"proximity_threshold"`
	ProximityCooldown string  `toml:"proximity_cooldown"`
	PresenceTtl       string  `toml:"presence_ttl"`
	ReconnectInitial  string  `toml:"reconnect_initial"`
	ReconnectMax      string  `toml:"reconnect_max"`

	Keys []fileKeyConfig `toml:"keys"`
}

type config struct {
	Port             int
	Url              string
	SnapshotPath     string
	SnapshotInterval time.Duration

	Registry       *canvas.KeyRegistry
	RelaySettings  *canvas.RelaySettings
	ServerSettings *canvas.ServerSettings
	ClientSettings *canvas.ClientSettings
}

func defaultConfig() *config {
	return &config{
		Port:             DefaultPort,
		Url:              DefaultUrl,
		SnapshotInterval: 30 * time.Second,
		Registry:         canvas.DefaultKeyRegistry(),
		RelaySettings:    canvas.DefaultRelaySettings(),
		ServerSettings:   canvas.DefaultServerSettings(),
		ClientSettings:   canvas.DefaultClientSettings(),
	}
}

// Defaults overridden by whatever the file defines.
// File keys replace the default key with the same name and add new keys.
func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); 0 < len(undecoded) {
		return nil, fmt.Errorf("load config: unknown settings %v", undecoded)
	}

	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("url") {
		cfg.Url = strings.TrimSpace(raw.Url)
	}
	if meta.IsDefined("snapshot_path") {
		cfg.SnapshotPath = strings.TrimSpace(raw.SnapshotPath)
	}
	if meta.IsDefined("session_buffer_size") {
		cfg.RelaySettings.SessionBufferSize = raw.SessionBufferSize
	}
	if meta.IsDefined("send_buffer_size") {
		cfg.ClientSettings.TransportSettings.SendBufferSize = raw.SendBufferSize
	}
	if meta.IsDefined("proximity_threshold") {
		cfg.ClientSettings.ProximitySettings.Threshold = raw.ProximityRadius
	}

	durations := []struct {
		name  string
		value string
		set   func(time.Duration)
	}{
		{"snapshot_interval", raw.SnapshotInterval, func(d time.Duration) {
			cfg.SnapshotInterval = d
		}},
		{"ping_timeout", raw.PingTimeout, func(d time.Duration) {
			cfg.ServerSettings.PingTimeout = d
			cfg.ServerSettings.ReadTimeout = 3 * d
			cfg.ClientSettings.TransportSettings.PingTimeout = d
			cfg.ClientSettings.TransportSettings.ReadTimeout = 3 * d
		}},
		{"debounce", raw.Debounce, func(d time.Duration) {
			cfg.ClientSettings.SyncBridgeSettings.DebounceTimeout = d
		}},
		{"cursor_interval", raw.CursorInterval, func(d time.Duration) {
			cfg.ClientSettings.CursorSettings.SendInterval = d
		}},
		{"proximity_cooldown", raw.ProximityCooldown, func(d time.Duration) {
			cfg.ClientSettings.ProximitySettings.Cooldown = d
		}},
		{"presence_ttl", raw.PresenceTtl, func(d time.Duration) {
			cfg.ClientSettings.PresenceTtl = d
		}},
		{"reconnect_initial", raw.ReconnectInitial, func(d time.Duration) {
			cfg.ClientSettings.TransportSettings.ReconnectInitialTimeout = d
		}},
		{"reconnect_max", raw.ReconnectMax, func(d time.Duration) {
			cfg.ClientSettings.TransportSettings.ReconnectMaxTimeout = d
		}},
	}
	for _, duration := range durations {
		if !meta.IsDefined(duration.name) {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(duration.value))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", duration.name, err)
		}
		duration.set(d)
	}

	if meta.IsDefined("strict_keys") || meta.IsDefined("keys") {
		specs, err := mergeKeySpecs(canvas.DefaultKeySpecs(), raw.Keys)
		if err != nil {
			return nil, err
		}
		registry, err := canvas.NewKeyRegistry(raw.StrictKeys, specs...)
		if err != nil {
			return nil, fmt.Errorf("keys: %w", err)
		}
		cfg.Registry = registry
	}

	return cfg, nil
}

func mergeKeySpecs(specs []canvas.KeySpec, keyConfigs []fileKeyConfig) ([]canvas.KeySpec, error) {
	merged := append([]canvas.KeySpec(nil), specs...)
	for _, keyConfig := range keyConfigs {
		var err error
		key := strings.TrimSpace(keyConfig.Key)
		if key == "" {
			return nil, fmt.Errorf("keys: missing key")
		}
		rate := canvas.RateContinuous
		if rateName := strings.TrimSpace(keyConfig.Rate); rateName != "" {
			rate, err = canvas.ParseRateClass(rateName)
		}
		if err != nil {
			return nil, fmt.Errorf("keys %s: %w", key, err)
		}
		valueType, err := canvas.ParseValueType(strings.TrimSpace(keyConfig.Type))
		if err != nil {
			return nil, fmt.Errorf("keys %s: %w", key, err)
		}
		spec := canvas.KeySpec{
			Key:     key,
			Rate:    rate,
			Type:    valueType,
			Aliases: normalizeAliases(keyConfig.Aliases),
		}

		replaced := false
		for i := range merged {
			if merged[i].Key == key {
				merged[i] = spec
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, spec)
		}
	}
	return merged, nil
}

func normalizeAliases(in []string) []string {
	out := make([]string, 0, len(in))
	for _, alias := range in {
		if v := strings.TrimSpace(alias); v != "" {
			out = append(out, v)
		}
	}
	return out
}
