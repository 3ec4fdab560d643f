// Package config loads architect.yaml.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"craftarchitect.ai/internal/blueprint"
	"craftarchitect.ai/internal/compiler"
	"craftarchitect.ai/internal/dispatch"
)

const Version = 1

const (
	KindRCON      = "rcon"
	KindBedrockWS = "bedrock_ws"
)

type Config struct {
	Version       int          `yaml:"version"`
	DefaultTarget string       `yaml:"default_target"`
	Targets       []TargetSpec `yaml:"targets"`

	Dispatch DispatchSpec `yaml:"dispatch"`
	Compiler CompilerSpec `yaml:"compiler"`
	Oracle   OracleSpec   `yaml:"oracle"`

	Store      StoreSpec `yaml:"store"`
	JournalDir string    `yaml:"journal_dir"`
	MQTT       MQTTSpec  `yaml:"mqtt"`
	InboxDir   string    `yaml:"inbox_dir"`
}

type TargetSpec struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// rcon
	Addr        string `yaml:"addr,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
	// bedrock_ws
	Listen        string `yaml:"listen,omitempty"`
	ConnectWaitMS int    `yaml:"connect_wait_ms,omitempty"`
}

// Password reads the RCON password from the environment.
func (t TargetSpec) Password() string {
	if t.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(t.PasswordEnv)
}

type DispatchSpec struct {
	// RateLimitMS is the minimum gap between sends; 0 sends without pacing.
	// The other fields fall back to their defaults when 0.
	RateLimitMS   int `yaml:"rate_limit_ms"`
	MaxAttempts   int `yaml:"max_attempts"`
	BackoffBaseMS int `yaml:"backoff_base_ms"`
	BackoffMaxMS  int `yaml:"backoff_max_ms"`
	SendTimeoutMS int `yaml:"send_timeout_ms"`
}

type CompilerSpec struct {
	Min           [3]int `yaml:"min"`
	Max           [3]int `yaml:"max"`
	MaxCommandLen int    `yaml:"max_command_len"`
	MaxFillVolume int    `yaml:"max_fill_volume"`
	DisableMerge  bool   `yaml:"disable_merge"`
}

type OracleSpec struct {
	URL                string   `yaml:"url"`
	TimeoutMS          int      `yaml:"timeout_ms"`
	APIKeyEnv          string   `yaml:"api_key_env"`
	BlueprintsDir      string   `yaml:"blueprints_dir"`
	AvailableMaterials []string `yaml:"available_materials,omitempty"`
}

func (o OracleSpec) APIKey() string {
	if o.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(o.APIKeyEnv)
}

type StoreSpec struct {
	// Driver is sqlite, postgres or none.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type MQTTSpec struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("architect.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("architect.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	d := dispatch.DefaultConfig()
	c := compiler.DefaultOptions()
	return Config{
		Version: Version,
		Targets: []TargetSpec{
			{Name: "local", Kind: KindRCON, Addr: "127.0.0.1:25575", PasswordEnv: "ARCHITECT_RCON_PASSWORD"},
		},
		Dispatch: DispatchSpec{
			RateLimitMS:   int(d.RateLimit / time.Millisecond),
			MaxAttempts:   d.MaxAttempts,
			BackoffBaseMS: int(d.BackoffBase / time.Millisecond),
			BackoffMaxMS:  int(d.BackoffMax / time.Millisecond),
			SendTimeoutMS: int(d.SendTimeout / time.Millisecond),
		},
		Compiler: CompilerSpec{
			Min:           c.Min.Array(),
			Max:           c.Max.Array(),
			MaxCommandLen: c.MaxCommandLen,
			MaxFillVolume: c.MaxFillVolume,
		},
		Oracle: OracleSpec{
			TimeoutMS:     120000,
			APIKeyEnv:     "ARCHITECT_ORACLE_API_KEY",
			BlueprintsDir: "./configs/blueprints",
		},
		Store:      StoreSpec{Driver: "sqlite", DSN: "./data/runs.sqlite"},
		JournalDir: "./data/journal",
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if c.Version == 0 {
		c.Version = Version
	}
	for i := range c.Targets {
		t := &c.Targets[i]
		t.Name = strings.TrimSpace(t.Name)
		t.Kind = strings.ToLower(strings.TrimSpace(t.Kind))
		if t.Kind == "" {
			t.Kind = KindRCON
		}
	}
	if c.DefaultTarget == "" && len(c.Targets) == 1 {
		c.DefaultTarget = c.Targets[0].Name
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	c.Oracle.URL = strings.TrimSpace(c.Oracle.URL)
}

func (c Config) Validate() error {
	c.Normalize()
	if c.Version != Version {
		return fmt.Errorf("unsupported version %d", c.Version)
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("targets must not be empty")
	}
	seen := map[string]bool{}
	listens := map[string]string{}
	for i, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("targets[%d] name must not be empty", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target name: %s", t.Name)
		}
		seen[t.Name] = true
		switch t.Kind {
		case KindRCON:
			if strings.TrimSpace(t.Addr) == "" {
				return fmt.Errorf("target %s addr must not be empty", t.Name)
			}
		case KindBedrockWS:
			if strings.TrimSpace(t.Listen) == "" {
				return fmt.Errorf("target %s listen must not be empty", t.Name)
			}
			if other, ok := listens[t.Listen]; ok {
				return fmt.Errorf("target %s listen %s already used by %s", t.Name, t.Listen, other)
			}
			listens[t.Listen] = t.Name
			if t.ConnectWaitMS < 0 {
				return fmt.Errorf("target %s connect_wait_ms must be >= 0", t.Name)
			}
		default:
			return fmt.Errorf("target %s unknown kind %q (want %s or %s)", t.Name, t.Kind, KindRCON, KindBedrockWS)
		}
	}
	if c.DefaultTarget != "" && !seen[c.DefaultTarget] {
		return fmt.Errorf("default_target %q not found in targets", c.DefaultTarget)
	}

	d := c.Dispatch
	if d.RateLimitMS < 0 || d.MaxAttempts < 0 || d.BackoffBaseMS < 0 || d.BackoffMaxMS < 0 || d.SendTimeoutMS < 0 {
		return fmt.Errorf("dispatch values must be >= 0")
	}
	if d.BackoffMaxMS > 0 && d.BackoffBaseMS > d.BackoffMaxMS {
		return fmt.Errorf("dispatch backoff_base_ms must be <= backoff_max_ms")
	}
	if err := c.CompilerOptions().Validate(); err != nil {
		return err
	}
	if c.Oracle.TimeoutMS < 0 {
		return fmt.Errorf("oracle timeout_ms must be >= 0")
	}
	if c.Oracle.URL == "" && c.Oracle.BlueprintsDir == "" {
		return fmt.Errorf("oracle needs url or blueprints_dir")
	}
	switch c.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store dsn must not be empty for sqlite")
		}
	case "postgres", "none":
	default:
		return fmt.Errorf("store unknown driver %q", c.Store.Driver)
	}
	return nil
}

// TargetNames returns the configured target names in sorted order.
func (c Config) TargetNames() []string {
	out := make([]string, 0, len(c.Targets))
	for _, t := range c.Targets {
		out = append(out, t.Name)
	}
	sort.Strings(out)
	return out
}

func (c Config) DispatchConfig() dispatch.Config {
	d := dispatch.DefaultConfig()
	d.RateLimit = ms(max(c.Dispatch.RateLimitMS, 0))
	if c.Dispatch.MaxAttempts > 0 {
		d.MaxAttempts = c.Dispatch.MaxAttempts
	}
	if c.Dispatch.BackoffBaseMS > 0 {
		d.BackoffBase = ms(c.Dispatch.BackoffBaseMS)
	}
	if c.Dispatch.BackoffMaxMS > 0 {
		d.BackoffMax = ms(c.Dispatch.BackoffMaxMS)
	}
	if c.Dispatch.SendTimeoutMS > 0 {
		d.SendTimeout = ms(c.Dispatch.SendTimeoutMS)
	}
	return d
}

func (c Config) CompilerOptions() compiler.Options {
	o := compiler.DefaultOptions()
	if c.Compiler.Min != [3]int{} || c.Compiler.Max != [3]int{} {
		o.Min = blueprint.FromArray(c.Compiler.Min)
		o.Max = blueprint.FromArray(c.Compiler.Max)
	}
	if c.Compiler.MaxCommandLen > 0 {
		o.MaxCommandLen = c.Compiler.MaxCommandLen
	}
	if c.Compiler.MaxFillVolume > 0 {
		o.MaxFillVolume = c.Compiler.MaxFillVolume
	}
	o.DisableMerge = c.Compiler.DisableMerge
	return o
}

func (c Config) OracleTimeout() time.Duration {
	if c.Oracle.TimeoutMS <= 0 {
		return 0
	}
	return ms(c.Oracle.TimeoutMS)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
