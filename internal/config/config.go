// Package config holds PlexBridge's typed, nested settings tree (spec.md §6).
// Load reads environment variables (PLEXBRIDGE_* prefix) and an optional YAML
// file layered underneath them; unknown keys in the file are rejected. This
// replaces the flat, scattered os.Getenv-per-handler style of the original
// tuner config with a single resolved tree built once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Streaming holds admission and subprocess-lifecycle knobs for the session manager.
type Streaming struct {
	MaxConcurrentStreams    int           `yaml:"max_concurrent_streams"`
	MaxConcurrentPerChannel int           `yaml:"max_concurrent_per_channel"`
	StreamTimeout           time.Duration `yaml:"stream_timeout"`
	GracePeriod             time.Duration `yaml:"grace_period"`
}

// SSDP holds discovery-responder knobs.
type SSDP struct {
	Enabled          bool          `yaml:"enabled"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	MulticastAddress string        `yaml:"multicast_address"`
	DiscoveryPort    int           `yaml:"discovery_port"`
}

// Tuner holds the HDHomeRun identity this process advertises.
type Tuner struct {
	AdvertisedHost  string `yaml:"advertised_host"`
	StreamingPort   int    `yaml:"streaming_port"`
	TunerCount      int    `yaml:"tuner_count"`
	DeviceID        string `yaml:"device_id"`
	FriendlyName    string `yaml:"friendly_name"`
	Manufacturer    string `yaml:"manufacturer"`
	ModelName       string `yaml:"model_name"`
	FirmwareVersion string `yaml:"firmware_version"`
}

// Config is the full typed settings tree (spec.md §6).
type Config struct {
	Streaming Streaming `yaml:"streaming"`
	SSDP      SSDP      `yaml:"ssdp"`
	Tuner     Tuner     `yaml:"tuner"`
}

// Defaults returns the spec.md §6 default configuration.
func Defaults() Config {
	return Config{
		Streaming: Streaming{
			MaxConcurrentStreams:    5,
			MaxConcurrentPerChannel: 3,
			StreamTimeout:           30 * time.Second,
			GracePeriod:             10 * time.Second,
		},
		SSDP: SSDP{
			Enabled:          true,
			AnnounceInterval: 30 * time.Minute,
			MulticastAddress: "239.255.255.250:1900",
			DiscoveryPort:    1900,
		},
		Tuner: Tuner{
			StreamingPort:   8080,
			TunerCount:      4,
			DeviceID:        "12345678",
			FriendlyName:    "PlexBridge",
			Manufacturer:    "Silicondust",
			ModelName:       "HDHR3-US",
			FirmwareVersion: "20220101",
		},
	}
}

// Load builds a Config from Defaults(), a YAML file at path (if non-empty and
// present; unknown keys rejected), and finally environment variables, which
// always win.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			dec := yaml.NewDecoder(strings.NewReader(string(data)))
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the core cannot operate under.
func (c Config) Validate() error {
	if c.Streaming.MaxConcurrentStreams <= 0 {
		return fmt.Errorf("config: streaming.max_concurrent_streams must be > 0")
	}
	if c.Streaming.MaxConcurrentPerChannel <= 0 {
		return fmt.Errorf("config: streaming.max_concurrent_per_channel must be > 0")
	}
	if c.Tuner.TunerCount <= 0 {
		return fmt.Errorf("config: tuner.tuner_count must be > 0")
	}
	return nil
}

const envPrefix = "PLEXBRIDGE_"

func applyEnvOverrides(c *Config) {
	if v, ok := envInt(envPrefix + "MAX_CONCURRENT_STREAMS"); ok {
		c.Streaming.MaxConcurrentStreams = v
	}
	if v, ok := envInt(envPrefix + "MAX_CONCURRENT_PER_CHANNEL"); ok {
		c.Streaming.MaxConcurrentPerChannel = v
	}
	if v, ok := envDuration(envPrefix + "STREAM_TIMEOUT_MS"); ok {
		c.Streaming.StreamTimeout = v
	}
	if v, ok := envDuration(envPrefix + "GRACE_PERIOD_MS"); ok {
		c.Streaming.GracePeriod = v
	}
	if v, ok := envBool(envPrefix + "SSDP_ENABLED"); ok {
		c.SSDP.Enabled = v
	}
	if v, ok := envDuration(envPrefix + "SSDP_ANNOUNCE_INTERVAL_MS"); ok {
		c.SSDP.AnnounceInterval = v
	}
	if v := strings.TrimSpace(os.Getenv(envPrefix + "SSDP_MULTICAST_ADDRESS")); v != "" {
		c.SSDP.MulticastAddress = v
	}
	if v, ok := envInt(envPrefix + "DISCOVERY_PORT"); ok {
		c.SSDP.DiscoveryPort = v
	}
	if v := strings.TrimSpace(os.Getenv(envPrefix + "ADVERTISED_HOST")); v != "" {
		c.Tuner.AdvertisedHost = v
	}
	if v, ok := envInt(envPrefix + "STREAMING_PORT"); ok {
		c.Tuner.StreamingPort = v
	}
	if v, ok := envInt(envPrefix + "TUNER_COUNT"); ok {
		c.Tuner.TunerCount = v
	}
	if v := strings.TrimSpace(os.Getenv(envPrefix + "DEVICE_ID")); v != "" {
		c.Tuner.DeviceID = v
	}
	if v := strings.TrimSpace(os.Getenv(envPrefix + "FRIENDLY_NAME")); v != "" {
		c.Tuner.FriendlyName = v
	}
	if v := strings.TrimSpace(os.Getenv(envPrefix + "MANUFACTURER")); v != "" {
		c.Tuner.Manufacturer = v
	}
	if v := strings.TrimSpace(os.Getenv(envPrefix + "MODEL_NAME")); v != "" {
		c.Tuner.ModelName = v
	}
	if v := strings.TrimSpace(os.Getenv(envPrefix + "FIRMWARE_VERSION")); v != "" {
		c.Tuner.FirmwareVersion = v
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return false, false
	}
	return v == "1" || v == "true" || v == "yes" || v == "on", true
}

// envDuration parses a millisecond integer (matching spec.md §6's *_ms fields).
func envDuration(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// Save writes cfg to path as YAML using a temp-file-then-rename strategy so
// readers never observe a partially-written file, grounded on the catalog
// package's atomic-write pattern.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}
