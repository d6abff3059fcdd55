// Package config loads the framecall host configuration from YAML or TOML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/reglet-dev/framecall/codec"
	"github.com/reglet-dev/framecall/host"
	"github.com/reglet-dev/framecall/hostfuncs"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// validate is a package-level singleton; creating a validator per call is
// expensive.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Config describes how to run a guest module.
type Config struct {
	// Module is the path of the guest .wasm file.
	Module string `yaml:"module" toml:"module" json:"module" validate:"required" jsonschema:"description=Path to the guest WebAssembly module"`

	// Schema names the payload encoding shared with the guest.
	Schema string `yaml:"schema" toml:"schema" json:"schema,omitempty" validate:"omitempty,oneof=proto cbor json" jsonschema:"enum=proto,enum=cbor,enum=json,default=proto"`

	// HostModule is the import module name host capabilities are bound under.
	HostModule string `yaml:"host_module" toml:"host_module" json:"host_module,omitempty" validate:"omitempty,min=1,max=64" jsonschema:"default=env"`

	// CallTimeout bounds each call into the guest. Zero means no limit.
	CallTimeout Duration `yaml:"call_timeout" toml:"call_timeout" json:"call_timeout,omitempty"`

	// MaxFrameSize caps the payload length accepted from the guest.
	MaxFrameSize uint32 `yaml:"max_frame_size" toml:"max_frame_size" json:"max_frame_size,omitempty" validate:"lte=67108864" jsonschema:"maximum=67108864"`

	// LogLevel is the host log level.
	LogLevel string `yaml:"log_level" toml:"log_level" json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
}

// Duration is a time.Duration written as a Go duration string such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML and TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	if v < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", text)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// JSONSchema describes Duration as a string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration, for example 500ms or 5s",
	}
}

// Default returns the configuration used when a field is left unset.
func Default() Config {
	return Config{
		Schema:       codec.ProtoName,
		HostModule:   host.DefaultModuleName,
		MaxFrameSize: hostfuncs.DefaultMaxRequestSize,
		LogLevel:     "info",
	}
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) file and validates it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format ("yaml", "yml" or "toml") over the
// defaults and validates the result.
func Parse(data []byte, format string) (Config, error) {
	cfg := Default()
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case "toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse TOML config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("unknown TOML keys: %v", undecoded)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", format)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// HostOptions converts the configuration into executor options.
func (c Config) HostOptions() ([]host.Option, error) {
	opts := []host.Option{
		host.WithMaxFrameSize(c.MaxFrameSize),
		host.WithCallTimeout(c.CallTimeout.Duration),
	}
	if c.Schema != "" {
		schema, err := codec.Lookup(c.Schema)
		if err != nil {
			return nil, err
		}
		opts = append(opts, host.WithSchema(schema))
	}
	if c.HostModule != "" {
		opts = append(opts, host.WithModuleName(c.HostModule))
	}
	return opts, nil
}

// ZapLevel returns the configured log level.
func (c Config) ZapLevel() (zapcore.Level, error) {
	if c.LogLevel == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(c.LogLevel)
}

// JSONSchema returns the JSON Schema of the configuration file format.
func JSONSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true, // Expand struct definitions inline
	}
	schema := reflector.Reflect(&Config{})
	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return out, nil
}
