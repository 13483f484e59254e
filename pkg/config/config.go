// Package config holds the node configuration: defaults, an optional YAML
// file and WORLDCYCLE_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/game/types"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "WORLDCYCLE_"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

type GenerationMode string

const (
	// GenerationRestart rewrites the level config and restarts the process.
	GenerationRestart GenerationMode = "restart"
	// GenerationLegacy creates the world in-process.
	GenerationLegacy GenerationMode = "legacy"
)

// RPCConfig controls both transports and the fallback queues.
type RPCConfig struct {
	MaxRetries         int     `yaml:"max_retries"`
	BaseDelayMillis    int     `yaml:"base_delay_ms"`
	MaxDelayMillis     int     `yaml:"max_delay_ms"`
	ConnectTimeoutMs   int     `yaml:"connect_timeout_ms"`
	ReadTimeoutMs      int     `yaml:"read_timeout_ms"`
	SyncWaitSeconds    int     `yaml:"sync_wait_seconds"`
	QueueRetrySeconds  int     `yaml:"queue_retry_seconds"`
	DrainSeconds       int     `yaml:"drain_seconds"`
	QueueTTLHours      int     `yaml:"queue_ttl_hours"`
	QueueCapacity      int     `yaml:"queue_capacity"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	// BridgeURL is the proxy's websocket relay bridge, used when no player
	// can carry a relay frame.
	BridgeURL string `yaml:"bridge_url"`
}

type Config struct {
	Role string `yaml:"role"`
	// ServerName is this node's name on the proxy.
	ServerName   string `yaml:"server_name"`
	PeerNodeName string `yaml:"peer_node_name"`
	// PeerURL enables the HTTP transport. Empty means relay only.
	PeerURL      string `yaml:"peer_url"`
	SharedSecret string `yaml:"shared_secret"`
	ListenAddr   string `yaml:"listen_addr"`
	RelayChannel string `yaml:"relay_channel"`
	// TLSCertFile and TLSKeyFile serve the listener over HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	DataDir     string `yaml:"data_dir"`
	DatabaseURL string `yaml:"database_url"`

	WorldBaseName   string         `yaml:"world_base_name"`
	WorldContainer  string         `yaml:"world_container"`
	LevelConfigPath string         `yaml:"level_config_path"`
	GenerationMode  GenerationMode `yaml:"generation_mode"`
	Seed            int64          `yaml:"seed"`
	RandomSeed      bool           `yaml:"random_seed"`

	ExitCountdownSeconds  int  `yaml:"exit_countdown_seconds"`
	JoinCountdownSeconds  int  `yaml:"join_countdown_seconds"`
	VacateTimeoutSeconds  int  `yaml:"vacate_timeout_seconds"`
	ForceGraceSeconds     int  `yaml:"force_grace_seconds"`
	RestartTimeoutSeconds int  `yaml:"restart_timeout_seconds"`
	ScopeToRequester      bool `yaml:"scope_to_requester"`
	CycleOnDeath          bool `yaml:"cycle_on_death"`
	ArchiveRetiredLevel   bool `yaml:"archive_retired_level"`

	RPC RPCConfig `yaml:"rpc"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a hardcore node configuration with the stock timings.
func Default() Config {
	return Config{
		Role:                  types.RoleHardcore.String(),
		ServerName:            "hardcore",
		PeerNodeName:          "lobby",
		ListenAddr:            ":8080",
		RelayChannel:          "worldcycle:rpc",
		DataDir:               "data",
		WorldBaseName:         "hardcore",
		WorldContainer:        ".",
		LevelConfigPath:       "server.properties",
		GenerationMode:        GenerationRestart,
		ExitCountdownSeconds:  10,
		JoinCountdownSeconds:  5,
		VacateTimeoutSeconds:  30,
		ForceGraceSeconds:     2,
		RestartTimeoutSeconds: 300,
		RPC: RPCConfig{
			MaxRetries:         3,
			BaseDelayMillis:    100,
			MaxDelayMillis:     5000,
			ConnectTimeoutMs:   3000,
			ReadTimeoutMs:      5000,
			SyncWaitSeconds:    120,
			QueueRetrySeconds:  60,
			DrainSeconds:       5,
			QueueTTLHours:      24,
			QueueCapacity:      100,
			RateLimitPerSecond: 5,
		},
		LogLevel: "info",
	}
}

// Load reads Default, then the YAML file at path if one is given, then the
// environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from WORLDCYCLE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ROLE":           &c.Role,
		"SERVER_NAME":    &c.ServerName,
		"PEER_NODE_NAME": &c.PeerNodeName,
		"PEER_URL":       &c.PeerURL,
		"SHARED_SECRET":  &c.SharedSecret,
		"LISTEN_ADDR":    &c.ListenAddr,
		"DATA_DIR":       &c.DataDir,
		"DATABASE_URL":   &c.DatabaseURL,
		"BRIDGE_URL":     &c.RPC.BridgeURL,
		"TLS_CERT_FILE":  &c.TLSCertFile,
		"TLS_KEY_FILE":   &c.TLSKeyFile,
		"LOG_LEVEL":      &c.LogLevel,
	}
	for key, field := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*field = v
		}
	}

	bools := map[string]*bool{
		"RANDOM_SEED":        &c.RandomSeed,
		"SCOPE_TO_REQUESTER": &c.ScopeToRequester,
		"CYCLE_ON_DEATH":     &c.CycleOnDeath,
	}
	for key, field := range bools {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, EnvPrefix, key, err)
		}
		*field = b
	}

	if v, ok := lookup(EnvPrefix + "SEED"); ok {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %sSEED: %v", ErrInvalidConfig, EnvPrefix, err)
		}
		c.Seed = seed
	}
	return nil
}

// Validate reports fatal configuration errors. A missing peer URL is not
// one: the node falls back to the relay transport.
func (c *Config) Validate() error {
	var problems []string
	if _, err := types.ParseRole(c.Role); err != nil {
		problems = append(problems, err.Error())
	}
	if c.SharedSecret == "" {
		problems = append(problems, "shared_secret is required")
	}
	if strings.Contains(c.SharedSecret, "::") {
		problems = append(problems, "shared_secret must not contain \"::\"")
	}
	if c.PeerNodeName == "" {
		problems = append(problems, "peer_node_name is required")
	}
	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		problems = append(problems, "tls_cert_file and tls_key_file must be set together")
	}
	if c.WorldBaseName == "" {
		problems = append(problems, "world_base_name is required")
	}
	switch c.GenerationMode {
	case GenerationRestart, GenerationLegacy:
	default:
		problems = append(problems, fmt.Sprintf("unknown generation_mode %q", c.GenerationMode))
	}

	nonNegative := map[string]int{
		"exit_countdown_seconds": c.ExitCountdownSeconds,
		"join_countdown_seconds": c.JoinCountdownSeconds,
		"force_grace_seconds":    c.ForceGraceSeconds,
		"rpc.max_retries":        c.RPC.MaxRetries,
	}
	for name, v := range nonNegative {
		if v < 0 {
			problems = append(problems, fmt.Sprintf("%s must not be negative", name))
		}
	}
	positive := map[string]int{
		"vacate_timeout_seconds":  c.VacateTimeoutSeconds,
		"restart_timeout_seconds": c.RestartTimeoutSeconds,
		"rpc.base_delay_ms":       c.RPC.BaseDelayMillis,
		"rpc.max_delay_ms":        c.RPC.MaxDelayMillis,
		"rpc.connect_timeout_ms":  c.RPC.ConnectTimeoutMs,
		"rpc.read_timeout_ms":     c.RPC.ReadTimeoutMs,
		"rpc.sync_wait_seconds":   c.RPC.SyncWaitSeconds,
		"rpc.queue_retry_seconds": c.RPC.QueueRetrySeconds,
		"rpc.drain_seconds":       c.RPC.DrainSeconds,
		"rpc.queue_ttl_hours":     c.RPC.QueueTTLHours,
		"rpc.queue_capacity":      c.RPC.QueueCapacity,
	}
	for name, v := range positive {
		if v <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive", name))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	// map iteration order is random
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

// NodeRole returns the parsed role. Call after Validate.
func (c *Config) NodeRole() types.Role {
	role, _ := types.ParseRole(c.Role)
	return role
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.RPC.ConnectTimeoutMs) * time.Millisecond
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.RPC.ReadTimeoutMs) * time.Millisecond
}

func (c *Config) SyncWait() time.Duration {
	return time.Duration(c.RPC.SyncWaitSeconds) * time.Second
}

func (c *Config) QueueTTL() time.Duration {
	return time.Duration(c.RPC.QueueTTLHours) * time.Hour
}

func (c *Config) QueueRetryInterval() time.Duration {
	return time.Duration(c.RPC.QueueRetrySeconds) * time.Second
}

func (c *Config) DrainInterval() time.Duration {
	return time.Duration(c.RPC.DrainSeconds) * time.Second
}

func (c *Config) VacateTimeout() time.Duration {
	return time.Duration(c.VacateTimeoutSeconds) * time.Second
}

func (c *Config) ForceGrace() time.Duration {
	return time.Duration(c.ForceGraceSeconds) * time.Second
}

func (c *Config) RestartTimeout() time.Duration {
	return time.Duration(c.RestartTimeoutSeconds) * time.Second
}
