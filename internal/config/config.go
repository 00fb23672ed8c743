// Package config loads the arbor.yaml settings shared by the serve, run and
// mcp commands. Command-line flags override file values.
package config

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when no --config flag is given.
const DefaultFile = "arbor.yaml"

// Store backends.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the decoded arbor.yaml.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Engine  EngineConfig  `yaml:"engine"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
	Events  EventsConfig  `yaml:"events"`
	Tools   ToolsConfig   `yaml:"tools"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
	// MCPAddr serves the MCP SSE transport next to the HTTP API when set.
	MCPAddr string `yaml:"mcp_addr" validate:"omitempty,hostname_port"`
}

type StoreConfig struct {
	Backend       string        `yaml:"backend" validate:"oneof=file redis memory"`
	Dir           string        `yaml:"dir"`
	Redis         RedisConfig   `yaml:"redis"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gte=0"`
	LockTTL       time.Duration `yaml:"lock_ttl" validate:"gte=0"`
	// EncryptionKeyEnv names the variable holding a 32 byte key, hex or
	// base64 encoded. Payloads are sealed when it is set.
	EncryptionKeyEnv string `yaml:"encryption_key_env"`
	// Redact lists regular expressions of output keys masked before saving.
	Redact []string `yaml:"redact"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"gte=0"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl" validate:"gte=0"`
}

type EngineConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency" validate:"gte=1"`
	CancelGrace    time.Duration `yaml:"cancel_grace" validate:"gte=0"`
	DefaultMaxRuns int           `yaml:"default_max_runs" validate:"gte=1"`
	AutoResume     bool          `yaml:"auto_resume"`
}

type SessionConfig struct {
	Heartbeat time.Duration `yaml:"heartbeat" validate:"gt=0"`
	Buffer    int           `yaml:"buffer" validate:"gte=1"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type TracingConfig struct {
	// OTLP enables the OTLP HTTP exporter. The endpoint comes from the
	// standard OTEL_EXPORTER_OTLP_* variables.
	OTLP        bool   `yaml:"otlp"`
	ServiceName string `yaml:"service_name" validate:"required"`
}

type EventsConfig struct {
	// Bus publishes every run event on an in-process Watermill channel that
	// feeds GET /events.
	Bus   bool   `yaml:"bus"`
	Topic string `yaml:"topic" validate:"required"`
}

type ToolsConfig struct {
	File        string `yaml:"file"`
	AllowInline bool   `yaml:"allow_inline"`
	BaseDir     string `yaml:"base_dir"`
}

// Default returns the settings used when arbor.yaml is absent.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Store: StoreConfig{
			Backend:       BackendFile,
			Dir:           ".arbor/runs",
			Redis:         RedisConfig{Addr: "localhost:6379", Prefix: "arbor:"},
			FlushInterval: 2 * time.Minute,
			LockTTL:       30 * time.Second,
		},
		Engine: EngineConfig{
			MaxConcurrency: 8,
			CancelGrace:    5 * time.Second,
			DefaultMaxRuns: 1,
		},
		Session: SessionConfig{Heartbeat: 15 * time.Second, Buffer: 64},
		Log:     LogConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{ServiceName: "arbor"},
		Events:  EventsConfig{Bus: true, Topic: "arbor.events"},
		Tools:   ToolsConfig{File: "tools.yaml"},
	}
}

// Load reads path over the defaults. An empty path reads DefaultFile when it
// exists; an explicit path must exist.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Decode(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML over the defaults and validates the result. Unknown keys
// are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var configValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	v.RegisterStructValidation(validateStore, StoreConfig{})
	return v
}

// validateStore checks the fields each backend needs.
func validateStore(sl validator.StructLevel) {
	s := sl.Current().Interface().(StoreConfig)
	switch s.Backend {
	case BackendFile:
		if s.Dir == "" {
			sl.ReportError(s.Dir, "dir", "Dir", "required_for_file", "")
		}
	case BackendRedis:
		if s.Redis.Addr == "" {
			sl.ReportError(s.Redis.Addr, "redis.addr", "Addr", "required_for_redis", "")
		}
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	verr := &domain.ValidationError{}
	for _, fe := range fieldErrs {
		name := fe.Namespace()
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		if fe.Param() != "" {
			verr.Add("%s: failed %s=%s", name, fe.Tag(), fe.Param())
			continue
		}
		verr.Add("%s: failed %s", name, fe.Tag())
	}
	return verr
}

// EncryptionKey reads the store key from the environment. It returns nil
// when no variable is configured or the variable is empty.
func (s StoreConfig) EncryptionKey() ([]byte, error) {
	if s.EncryptionKeyEnv == "" {
		return nil, nil
	}
	raw := strings.TrimSpace(os.Getenv(s.EncryptionKeyEnv))
	if raw == "" {
		return nil, nil
	}
	if key, err := hex.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, fmt.Errorf("%s must hold a 32 byte key, hex or base64", s.EncryptionKeyEnv)
}
