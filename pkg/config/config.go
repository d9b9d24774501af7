// Package config loads bastion configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/bastion/pkg/capability"
	"github.com/Mindburn-Labs/bastion/pkg/sandbox"
	"github.com/Mindburn-Labs/bastion/pkg/supervisor"
	"github.com/Mindburn-Labs/bastion/pkg/watchdog"
)

// Environment variables read by Load.
const (
	EnvConfigPath   = "BASTION_CONFIG"
	EnvLogLevel     = "LOG_LEVEL"
	EnvSnapshotDSN  = "BASTION_SNAPSHOT_DSN"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Config is the complete host configuration.
type Config struct {
	Log        LogConfig         `yaml:"log" json:"log"`
	Registry   RegistryConfig    `yaml:"registry" json:"registry"`
	Sandbox    sandbox.Config    `yaml:"sandbox" json:"sandbox"`
	Supervisor supervisor.Config `yaml:"supervisor" json:"supervisor"`
	Watchdog   watchdog.Config   `yaml:"watchdog" json:"watchdog"`
	Snapshot   SnapshotConfig    `yaml:"snapshot" json:"snapshot"`
	Telemetry  TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
	Tenants    []TenantConfig    `yaml:"tenants" json:"tenants"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug | info | warn | error
	Format string `yaml:"format" json:"format"` // text | json
}

// RegistryConfig sizes the capability registry.
type RegistryConfig struct {
	AuditCapacity int `yaml:"audit_capacity" json:"audit_capacity"`
}

// SnapshotConfig selects the snapshot store. An empty DSN keeps snapshots
// in memory only.
type SnapshotConfig struct {
	DSN        string `yaml:"dsn" json:"dsn"` // redis://, postgres://, sqlite://, memory://
	Key        string `yaml:"key" json:"key"`
	SaveOnExit bool   `yaml:"save_on_exit" json:"save_on_exit"`
	RestoreOn  bool   `yaml:"restore_on_start" json:"restore_on_start"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

// TenantConfig describes a tenant loaded at startup.
type TenantConfig struct {
	ID        string                  `yaml:"id" json:"id"`
	Namespace string                  `yaml:"namespace" json:"namespace"`
	Restart   supervisor.RestartClass `yaml:"restart" json:"restart"`
	// Budget overrides sandbox.budget key by key; nil uses it unchanged.
	Budget    *sandbox.Budget         `yaml:"budget,omitempty" json:"budget,omitempty"`
	Grants    []GrantConfig           `yaml:"grants" json:"grants"`
	// Payload is an optional path to a WebAssembly module.
	Payload string `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// GrantConfig describes one capability granted at load.
type GrantConfig struct {
	Kind      capability.KindType `yaml:"kind" json:"kind"`
	Max       *uint64             `yaml:"max,omitempty" json:"max,omitempty"`
	Allowed   []string            `yaml:"allowed,omitempty" json:"allowed,omitempty"`
	TTL       time.Duration       `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	Delegable bool                `yaml:"delegable,omitempty" json:"delegable,omitempty"`
	Reason    string              `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// ToKind converts the grant to a capability kind.
func (g GrantConfig) ToKind() (capability.Kind, error) {
	if !g.Kind.Valid() {
		return capability.Kind{}, fmt.Errorf("%w: %q", capability.ErrInvalidKind, g.Kind)
	}
	k := capability.Kind{Type: g.Kind}
	if g.Max != nil {
		if !g.Kind.Ceiling() {
			return capability.Kind{}, fmt.Errorf("config: kind %s takes no max", g.Kind)
		}
		m := *g.Max
		k.Max = &m
	}
	if g.Allowed != nil {
		if !g.Kind.AllowList() {
			return capability.Kind{}, fmt.Errorf("config: kind %s takes no allow-list", g.Kind)
		}
		k.Allowed = append([]string{}, g.Allowed...)
	}
	return k, nil
}

// Default returns a complete configuration with no tenants.
func Default() *Config {
	return &Config{
		Log:        LogConfig{Level: "info", Format: "text"},
		Registry:   RegistryConfig{AuditCapacity: capability.DefaultAuditCapacity},
		Sandbox:    sandbox.DefaultConfig(),
		Supervisor: supervisor.DefaultConfig(),
		Watchdog:   watchdog.DefaultConfig(),
		Snapshot:   SnapshotConfig{Key: "bastion/snapshot"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "bastion",
			SampleRate:  1.0,
		},
	}
}

// Load reads path (or $BASTION_CONFIG when path is empty) over the
// defaults, applies environment overrides, and validates the result.
// With no path at all the defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
		if err := cfg.mergeTenantBudgets(data); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeTenantBudgets re-decodes each tenant budget block over the
// sandbox default so that omitted ceilings are inherited, not zeroed.
func (c *Config) mergeTenantBudgets(data []byte) error {
	var raw struct {
		Tenants []struct {
			Budget yaml.Node `yaml:"budget"`
		} `yaml:"tenants"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	for i, t := range raw.Tenants {
		if i >= len(c.Tenants) || t.Budget.Kind == 0 {
			continue
		}
		b := c.Sandbox.Budget
		if err := t.Budget.Decode(&b); err != nil {
			return fmt.Errorf("tenant %q budget: %w", c.Tenants[i].ID, err)
		}
		c.Tenants[i].Budget = &b
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvSnapshotDSN); v != "" {
		c.Snapshot.DSN = v
	}
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		c.Telemetry.Endpoint = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
		c.Telemetry.Enabled = true
	}
}

// Validate checks every section and each tenant.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Registry.AuditCapacity <= 0 {
		errs = append(errs, fmt.Errorf("config: registry.audit_capacity must be positive"))
	}
	if c.Sandbox.CrashLimit <= 0 {
		errs = append(errs, fmt.Errorf("config: sandbox.crash_limit must be positive"))
	}
	if c.Sandbox.Budget.MaxDispatchesPerFrame == 0 {
		errs = append(errs, fmt.Errorf("config: sandbox.budget.max_dispatches_per_frame must be positive"))
	}
	if err := c.Supervisor.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Watchdog.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("config: telemetry.sample_rate must be in [0,1]"))
	}

	seen := make(map[string]struct{}, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("config: tenants[%d] has no id", i))
			continue
		}
		if _, dup := seen[t.ID]; dup {
			errs = append(errs, fmt.Errorf("config: duplicate tenant %q", t.ID))
		}
		seen[t.ID] = struct{}{}
		ns := capability.Namespace(t.Namespace)
		if ns == "" || ns.IsSystem() {
			errs = append(errs, fmt.Errorf("config: tenant %q needs a non-system namespace, got %q", t.ID, t.Namespace))
		}
		if t.Budget != nil && t.Budget.MaxDispatchesPerFrame == 0 {
			errs = append(errs, fmt.Errorf("config: tenant %q budget.max_dispatches_per_frame must be positive", t.ID))
		}
		switch t.Restart {
		case supervisor.Permanent, supervisor.Temporary, supervisor.Transient, "":
		default:
			errs = append(errs, fmt.Errorf("config: tenant %q has unknown restart class %q", t.ID, t.Restart))
		}
		for j, g := range t.Grants {
			k, err := g.ToKind()
			if err != nil {
				errs = append(errs, fmt.Errorf("config: tenant %q grants[%d]: %w", t.ID, j, err))
				continue
			}
			if k.Type.AdminOnly() {
				errs = append(errs, fmt.Errorf("config: tenant %q grants[%d]: %w", t.ID, j, capability.ErrAdminOnly))
			}
		}
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
}

// Logger builds the process logger described by c.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// YAML renders c as YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
