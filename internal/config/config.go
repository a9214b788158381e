package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// FileName is the config file inside the data directory.
	FileName = "config.toml"
	// EnvPrefix selects UNITYWIRE_<SECTION>_<KEY> overrides.
	EnvPrefix = "UNITYWIRE_"

	ProtocolFramed = "framed"
	ProtocolLegacy = "legacy"

	MismatchOff   = "off"
	MismatchWarn  = "warn"
	MismatchError = "error"
)

// Config is the top-level configuration loaded from config.toml.
type Config struct {
	DataDir string `koanf:"-" toml:"-"`
	Unity   Unity  `koanf:"unity" toml:"unity"`
	Compat  Compat `koanf:"compat" toml:"compat"`
	Log     Log    `koanf:"log" toml:"log"`
	Serve   Serve  `koanf:"serve" toml:"serve"`
}

// Unity describes how to reach the editor bridge and how the connection
// behaves once established.
type Unity struct {
	Host string `koanf:"host" toml:"host"`
	Port int    `koanf:"port" toml:"port"`

	ReconnectDelay    time.Duration `koanf:"reconnect_delay" toml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `koanf:"max_reconnect_delay" toml:"max_reconnect_delay"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" toml:"backoff_multiplier"`
	CommandTimeout    time.Duration `koanf:"command_timeout" toml:"command_timeout"`
	// Zero means CommandTimeout.
	ConnectTimeout time.Duration `koanf:"connect_timeout" toml:"connect_timeout"`
	AutoReconnect  bool          `koanf:"auto_reconnect" toml:"auto_reconnect"`
	Keepalive      time.Duration `koanf:"keepalive" toml:"keepalive"`

	// Protocol is "framed" (length-prefixed) or "legacy" (newline JSON).
	Protocol          string  `koanf:"protocol" toml:"protocol"`
	MaxInFlight       int     `koanf:"max_in_flight" toml:"max_in_flight"`
	CommandsPerSecond float64 `koanf:"commands_per_second" toml:"commands_per_second"`

	ResyncWindow        int      `koanf:"resync_window" toml:"resync_window"`
	PlausibleFrameLimit int      `koanf:"plausible_frame_limit" toml:"plausible_frame_limit"`
	MaxFrameBytes       int      `koanf:"max_frame_bytes" toml:"max_frame_bytes"`
	DiagnosticPrefixes  []string `koanf:"diagnostic_prefixes" toml:"diagnostic_prefixes"`
	AcceptUnframedJSON  bool     `koanf:"accept_unframed_json" toml:"accept_unframed_json"`
}

// Compat controls the editor package version check.
type Compat struct {
	VersionMismatch string `koanf:"version_mismatch" toml:"version_mismatch"`
	ClientVersion   string `koanf:"client_version" toml:"client_version"`
}

// Log selects the slog level and handler format.
type Log struct {
	Level  string `koanf:"level" toml:"level"`
	Format string `koanf:"format" toml:"format"`
}

// Serve configures the `uw serve` bridge.
type Serve struct {
	Listen           string        `koanf:"listen" toml:"listen"`
	JournalRetention time.Duration `koanf:"journal_retention" toml:"journal_retention"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Unity: Unity{
			Host:                "localhost",
			Port:                6400,
			ReconnectDelay:      time.Second,
			MaxReconnectDelay:   30 * time.Second,
			BackoffMultiplier:   2,
			CommandTimeout:      30 * time.Second,
			AutoReconnect:       true,
			Keepalive:           5 * time.Second,
			Protocol:            ProtocolFramed,
			ResyncWindow:        100,
			PlausibleFrameLimit: 10240,
			MaxFrameBytes:       1024 * 1024,
			DiagnosticPrefixes:  []string{"[unity-mcp-server]", "[Unity]"},
			AcceptUnframedJSON:  true,
		},
		Compat: Compat{
			VersionMismatch: MismatchWarn,
		},
		Log: Log{
			Level:  "info",
			Format: "auto",
		},
		Serve: Serve{
			Listen:           "127.0.0.1:6480",
			JournalRetention: 7 * 24 * time.Hour,
		},
	}
}

// Addr returns host:port of the editor listener.
func (u Unity) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// DialTimeout returns the effective connect timeout.
func (u Unity) DialTimeout() time.Duration {
	if u.ConnectTimeout > 0 {
		return u.ConnectTimeout
	}
	return u.CommandTimeout
}

// Validate rejects configurations the connection manager cannot run with.
func (c *Config) Validate() error {
	u := c.Unity
	if u.Host == "" {
		return fmt.Errorf("unity.host must not be empty")
	}
	if u.Port < 1 || u.Port > 65535 {
		return fmt.Errorf("unity.port must be in 1..65535, got %d", u.Port)
	}
	if u.CommandTimeout <= 0 {
		return fmt.Errorf("unity.command_timeout must be positive, got %s", u.CommandTimeout)
	}
	if u.ConnectTimeout < 0 {
		return fmt.Errorf("unity.connect_timeout must not be negative, got %s", u.ConnectTimeout)
	}
	if u.ReconnectDelay <= 0 {
		return fmt.Errorf("unity.reconnect_delay must be positive, got %s", u.ReconnectDelay)
	}
	if u.MaxReconnectDelay < u.ReconnectDelay {
		return fmt.Errorf("unity.max_reconnect_delay (%s) is below reconnect_delay (%s)", u.MaxReconnectDelay, u.ReconnectDelay)
	}
	if u.BackoffMultiplier < 1 {
		return fmt.Errorf("unity.backoff_multiplier must be >= 1, got %g", u.BackoffMultiplier)
	}
	if u.MaxInFlight < 0 || u.CommandsPerSecond < 0 {
		return fmt.Errorf("unity.max_in_flight and unity.commands_per_second must not be negative")
	}
	if u.MaxFrameBytes < 0 || u.MaxFrameBytes > 1024*1024 {
		return fmt.Errorf("unity.max_frame_bytes must be in 0..1048576, got %d", u.MaxFrameBytes)
	}
	switch u.Protocol {
	case ProtocolFramed, ProtocolLegacy:
	default:
		return fmt.Errorf("unity.protocol must be %q or %q, got %q", ProtocolFramed, ProtocolLegacy, u.Protocol)
	}
	switch c.Compat.VersionMismatch {
	case MismatchOff, MismatchWarn, MismatchError:
	default:
		return fmt.Errorf("compat.version_mismatch must be off, warn or error, got %q", c.Compat.VersionMismatch)
	}
	return nil
}

// LoadConfig layers defaults, config.toml in dataDir, UNITYWIRE_ env vars,
// the compatibility env vars and finally overrides (flat dotted keys such as
// "unity.port", usually from CLI flags), then validates the result.
func LoadConfig(dataDir string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	path := filepath.Join(dataDir, FileName)
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), tomlParser{}); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env: %w", err)
	}
	if compat := compatEnv(); len(compat) > 0 {
		if err := k.Load(mapProvider(maps.Unflatten(compat, ".")), nil); err != nil {
			return nil, fmt.Errorf("loading compat env: %w", err)
		}
	}
	if len(overrides) > 0 {
		if err := k.Load(mapProvider(maps.Unflatten(overrides, ".")), nil); err != nil {
			return nil, fmt.Errorf("loading overrides: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.DataDir = dataDir
	cfg.Compat.VersionMismatch = strings.ToLower(strings.TrimSpace(cfg.Compat.VersionMismatch))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to config.toml inside dataDir, creating the
// directory if necessary.
func (c *Config) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, FileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encoding %s: %w", FileName, err)
	}
	return nil
}

var sections = map[string]bool{"unity": true, "compat": true, "log": true, "serve": true}

// envKey maps UNITYWIRE_UNITY_COMMAND_TIMEOUT to unity.command_timeout.
// Variables outside a known section are ignored.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok || !sections[section] || key == "" {
		return ""
	}
	return section + "." + key
}

// compatEnv reads the environment variables understood by earlier releases
// of the editor tooling.
func compatEnv() map[string]any {
	out := make(map[string]any)
	if v := os.Getenv("UNITY_MCP_MCP_HOST"); v != "" {
		out["unity.host"] = v
	}
	if v := os.Getenv("UNITY_MCP_PORT"); v != "" {
		out["unity.port"] = v
	}
	if strings.EqualFold(os.Getenv("DISABLE_AUTO_RECONNECT"), "true") {
		out["unity.auto_reconnect"] = false
	}
	if v := os.Getenv("UNITY_MCP_VERSION_MISMATCH"); v != "" {
		out["compat.version_mismatch"] = v
	}
	return out
}

// tomlParser adapts BurntSushi/toml to koanf.Parser.
type tomlParser struct{}

func (tomlParser) Unmarshal(b []byte) (map[string]any, error) {
	out := make(map[string]any)
	if err := toml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tomlParser) Marshal(m map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// mapProvider is a koanf provider over an already nested map.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}
