// Package config resolves Client configuration from environment variables,
// an optional YAML file, and functional-option overrides, then validates
// the result.
package config

import (
	"strings"
	"time"
)

// ClientConfig holds everything needed to spawn or attach to a CLI server
// process and speak the framed JSON-RPC protocol to it.
type ClientConfig struct {
	// ServerPath is the CLI server executable to spawn. Mutually exclusive
	// with ServerAddr.
	ServerPath string `mapstructure:"server_path" validate:"required_without=ServerAddr"`
	// ServerArgs are passed to ServerPath when spawning.
	ServerArgs []string `mapstructure:"server_args"`
	// ServerAddr, if set, is a "host:port" this Client attaches to over TCP
	// instead of spawning a subprocess. Mutually exclusive with ServerPath.
	ServerAddr string `mapstructure:"server_addr" validate:"required_without=ServerPath,omitempty,hostname_port"`

	// SpawnTimeout bounds how long the Client waits for a spawned server to
	// accept connections (TCP mode) or to become ready (stdio mode).
	SpawnTimeout time.Duration `mapstructure:"spawn_timeout" validate:"required,min=0"`
	// RequestTimeout is the default per-request deadline applied when a
	// caller does not supply its own context deadline.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"required,min=0"`
	// MaxFrameSize bounds the largest inbound frame body this Client
	// accepts before the read loop treats the peer as misbehaving. Zero
	// means "use rpc.DefaultMaxFrameSize".
	MaxFrameSize int64 `mapstructure:"max_frame_size"`

	// ProtocolVersion is negotiated at startup via ping; a mismatch with the
	// server's reported version is surfaced as ErrProtocolMismatch.
	ProtocolVersion string `mapstructure:"protocol_version" validate:"required"`

	// AutoRestart enables the single-retry reconnect policy described in
	// SPEC_FULL.md's Open Question resolutions.
	AutoRestart bool `mapstructure:"auto_restart"`

	// DedupWindow enables notification dedup across reconnects; zero
	// disables it. See rpc.WithDedupWindow.
	DedupWindow time.Duration `mapstructure:"dedup_window"`

	// LogLevel is parsed into a slog.Level by the caller; kept as a string
	// here so it round-trips cleanly through viper/YAML.
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultClientConfig returns the built-in defaults. SetDefaults copies
// SpawnTimeout, RequestTimeout, ProtocolVersion and LogLevel from it into
// fields still at their zero value; its AutoRestart value is not applied,
// so AutoRestart stays false unless an env var, file or Option sets it.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SpawnTimeout:    15 * time.Second,
		RequestTimeout:  30 * time.Second,
		MaxFrameSize:    0,
		ProtocolVersion: "1.0",
		AutoRestart:     true,
		LogLevel:        "info",
	}
}

// IsSpawnMode reports whether this configuration spawns a subprocess
// (true) or attaches to an externally-managed server over TCP (false).
func (c ClientConfig) IsSpawnMode() bool {
	return c.ServerAddr == ""
}

// SetDefaults fills any zero-valued field left empty after env/file
// resolution, mirroring the teacher's OSSConfig.SetDefaults — defaults are
// only applied where the field is still at its Go zero value, so an
// explicit zero from the caller (e.g. RequestTimeout: 0) is
// indistinguishable from unset and is replaced by the default. NewClient
// calls SetDefaults after every Option, so WithRequestTimeout(0) also ends
// up with the default.
func (c *ClientConfig) SetDefaults() {
	def := DefaultClientConfig()
	if c.SpawnTimeout == 0 {
		c.SpawnTimeout = def.SpawnTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	applyStringDefault(&c.ProtocolVersion, def.ProtocolVersion)
	applyStringDefault(&c.LogLevel, def.LogLevel)
}

// Overlay fills every zero-valued field of c from src, leaving anything
// already set (by an earlier Option or AGENTSDK_* env var) untouched. It
// gives a config file the same "fill what's missing" precedence
// SetDefaults gives the built-in defaults, one layer up — used by
// WithConfigFile to splice a file's settings in between env resolution and
// later Options.
func (c *ClientConfig) Overlay(src ClientConfig) {
	if c.ServerPath == "" {
		c.ServerPath = src.ServerPath
	}
	if len(c.ServerArgs) == 0 {
		c.ServerArgs = src.ServerArgs
	}
	if c.ServerAddr == "" {
		c.ServerAddr = src.ServerAddr
	}
	if c.SpawnTimeout == 0 {
		c.SpawnTimeout = src.SpawnTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = src.RequestTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = src.MaxFrameSize
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = src.DedupWindow
	}
	if !c.AutoRestart {
		c.AutoRestart = src.AutoRestart
	}
	applyStringDefault(&c.ProtocolVersion, src.ProtocolVersion)
	applyStringDefault(&c.LogLevel, src.LogLevel)
}

// applyStringDefault sets dst to def only when it's still empty — mirrors
// the teacher's viper.IsSet guard in OSSConfig.SetDefaults, adapted to
// operate on an already-unmarshaled field since ClientConfig doesn't depend
// on a package-level viper instance.
func applyStringDefault(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}
