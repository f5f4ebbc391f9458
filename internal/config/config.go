// Package config loads and validates a node's runtime configuration: a
// YAML file, overlaid by ANSIBLE_*-prefixed environment variables, overlaid
// by command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Tier identifies a node's role in the sync topology.
type Tier string

const (
	TierBackbone Tier = "backbone"
	TierEdge     Tier = "edge"
)

// LockSweepConfig configures the per-host stale-lock reaper.
type LockSweepConfig struct {
	Enabled      bool `koanf:"enabled"`
	EverySeconds int  `koanf:"everySeconds"`
	StaleSeconds int  `koanf:"staleSeconds"`
}

// SLASweepConfig configures the coordinator-only SLA breach detector.
type SLASweepConfig struct {
	Enabled             bool     `koanf:"enabled"`
	EverySeconds        int      `koanf:"everySeconds"`
	RecordOnly          bool     `koanf:"recordOnly"`
	MaxMessagesPerSweep int      `koanf:"maxMessagesPerSweep"`
	FYIAgents           []string `koanf:"fyiAgents"`
}

// AgentConfig configures the subprocess used to run an agent turn when
// dispatching a message or task to a local agent.
type AgentConfig struct {
	Command               string   `koanf:"command"`
	Args                  []string `koanf:"args"`
	WorkingDir            string   `koanf:"workingDir"`
	StartupTimeoutSeconds int      `koanf:"startupTimeoutSeconds"`
	TurnTimeoutSeconds    int      `koanf:"turnTimeoutSeconds"`
}

// Config holds a node's full runtime configuration.
type Config struct {
	Tier       Tier   `koanf:"tier"`
	ListenPort int    `koanf:"listenPort"`
	ListenHost string `koanf:"listenHost"`

	BackbonePeers []string `koanf:"backbonePeers"`

	NodeIDOverride string   `koanf:"nodeIdOverride"`
	Capabilities   []string `koanf:"capabilities"`

	InjectContext       bool     `koanf:"injectContext"`
	InjectContextAgents []string `koanf:"injectContextAgents"`

	DispatchIncoming bool `koanf:"dispatchIncoming"`

	LockSweep LockSweepConfig `koanf:"lockSweep"`
	SLASweep  SLASweepConfig  `koanf:"slaSweep"`
	Agent     AgentConfig     `koanf:"agent"`

	// DataDir is where the local snapshot and other durable state live.
	// Not part of the abstract configuration surface, but required
	// plumbing every node needs.
	DataDir string `koanf:"dataDir"`

	// Room is the fixed sync-protocol room name. Defaults to a constant
	// shared by every node unless overridden for test isolation.
	Room string `koanf:"room"`
}

// defaults holds the documented default values for every optional key.
func defaults() map[string]any {
	return map[string]any{
		"listenPort":                   1235,
		"listenHost":                   "",
		"injectContext":                true,
		"dispatchIncoming":             true,
		"room":                         "ansible-coordination-plane",
		"lockSweep.enabled":            true,
		"lockSweep.everySeconds":       60,
		"lockSweep.staleSeconds":       300,
		"slaSweep.enabled":             true,
		"slaSweep.everySeconds":        300,
		"slaSweep.recordOnly":          false,
		"slaSweep.maxMessagesPerSweep": 20,
		"agent.command":                "",
		"agent.startupTimeoutSeconds":  30,
		"agent.turnTimeoutSeconds":     120,
	}
}

// Load builds a Config from (in increasing priority): built-in defaults, a
// YAML file at path (if it exists), ANSIBLE_*-prefixed environment
// variables, and the command-line flags already parsed into fs.
//
// path may be empty, in which case only defaults + env + flags apply.
func Load(path string, fs *flag.FlagSet, args []string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: load file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("ANSIBLE_", ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if fs != nil {
		applyFlagOverrides(&cfg, fs, args)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir(string(cfg.Tier))
	}

	return &cfg, nil
}

// envKeyMapper turns ANSIBLE_LOCKSWEEP_EVERYSECONDS into lockSweep.everySeconds-shaped
// lookups by lower-casing and replacing "_" with ".". Nested struct field
// names are matched case-insensitively by koanf's mapstructure decoder, so a
// simple lower-case+dot transform is sufficient.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, "ANSIBLE_")
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// DefineFlags registers the command-line flags that can override the
// loaded configuration, following the same DefineFlags()-then-Parse()
// idiom used throughout this codebase's CLI entry points.
func DefineFlags(fs *flag.FlagSet) {
	fs.String("tier", "", "node tier: backbone or edge")
	fs.Int("listen-port", 0, "backbone listen port")
	fs.String("listen-host", "", "backbone listen host")
	fs.String("node-id", "", "override the detected node id")
	fs.String("data-dir", "", "directory for local durable state")
	fs.String("peer", "", "comma-separated backbone peer URLs (edge mode, or backbone-to-backbone)")
	fs.String("agent-command", "", "executable used to run an agent turn when dispatching work")
}

func applyFlagOverrides(cfg *Config, fs *flag.FlagSet, args []string) {
	_ = fs.Parse(args)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "tier":
			cfg.Tier = Tier(f.Value.String())
		case "listen-port":
			fmt.Sscanf(f.Value.String(), "%d", &cfg.ListenPort)
		case "listen-host":
			cfg.ListenHost = f.Value.String()
		case "node-id":
			cfg.NodeIDOverride = f.Value.String()
		case "data-dir":
			cfg.DataDir = f.Value.String()
		case "peer":
			if v := f.Value.String(); v != "" {
				cfg.BackbonePeers = strings.Split(v, ",")
			}
		case "agent-command":
			cfg.Agent.Command = f.Value.String()
		}
	})
}

// Validate checks the configuration for internal consistency and ensures
// required directories exist.
func (c *Config) Validate() error {
	if c.Tier != TierBackbone && c.Tier != TierEdge {
		return fmt.Errorf("config: tier must be %q or %q, got %q", TierBackbone, TierEdge, c.Tier)
	}
	if c.Tier == TierEdge && len(c.BackbonePeers) == 0 {
		return fmt.Errorf("config: edge tier requires at least one backbonePeers entry")
	}
	if c.LockSweep.EverySeconds != 0 && c.LockSweep.EverySeconds < 30 {
		return fmt.Errorf("config: lockSweep.everySeconds must be >= 30")
	}
	if c.LockSweep.StaleSeconds != 0 && c.LockSweep.StaleSeconds < 30 {
		return fmt.Errorf("config: lockSweep.staleSeconds must be >= 30")
	}
	if c.SLASweep.EverySeconds != 0 && c.SLASweep.EverySeconds < 30 {
		return fmt.Errorf("config: slaSweep.everySeconds must be >= 30")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("config: create data dir: %w", err)
	}
	return nil
}

// SnapshotPath returns the path to the compacted local state snapshot file.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.DataDir, "ansible-state.yjs")
}

func defaultDataDir(tier string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "ansible", tier)
	}
	return filepath.Join(home, ".config", "ansible", tier)
}

// LockSweepEvery returns the configured interval, defaulting to 60s.
func (c *Config) LockSweepEvery() time.Duration {
	if c.LockSweep.EverySeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.LockSweep.EverySeconds) * time.Second
}

// LockSweepStaleAfter returns the configured staleness threshold, defaulting
// to 300s.
func (c *Config) LockSweepStaleAfter() time.Duration {
	if c.LockSweep.StaleSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.LockSweep.StaleSeconds) * time.Second
}

// SLASweepEvery returns the configured interval, defaulting to 300s.
func (c *Config) SLASweepEvery() time.Duration {
	if c.SLASweep.EverySeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.SLASweep.EverySeconds) * time.Second
}

// SLASweepMaxMessages returns the configured per-sweep message budget,
// defaulting to 20.
func (c *Config) SLASweepMaxMessages() int {
	if c.SLASweep.MaxMessagesPerSweep <= 0 {
		return 20
	}
	return c.SLASweep.MaxMessagesPerSweep
}

// AgentStartupTimeout returns the configured agent-process startup
// handshake timeout, defaulting to 30s.
func (c *Config) AgentStartupTimeout() time.Duration {
	if c.Agent.StartupTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Agent.StartupTimeoutSeconds) * time.Second
}

// AgentTurnTimeout returns the configured per-turn timeout, defaulting to
// 120s.
func (c *Config) AgentTurnTimeout() time.Duration {
	if c.Agent.TurnTimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Agent.TurnTimeoutSeconds) * time.Second
}
