// Package config loads the agent and client YAML configuration.
// ${VAR_NAME} references are expanded from the environment and duration
// strings are parsed into time.Duration values. Every field has a default,
// so an empty path yields a usable configuration.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"os-overview/discovery"
)

// AgentConfig is the overview-agent configuration.
type AgentConfig struct {
	Server    ServerConfig         `yaml:"server"`
	Discovery AgentDiscoveryConfig `yaml:"discovery"`
	Registry  RegistryConfig       `yaml:"registry"`
	Limits    LimitsConfig         `yaml:"limits"`
	Logging   LoggingConfig        `yaml:"logging"`
}

// ServerConfig holds the TCP listen address.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// AgentDiscoveryConfig controls the UDP discovery responder.
type AgentDiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// RegistryConfig enables etcd advertisement when endpoints are set.
type RegistryConfig struct {
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	// Advertise is the host other machines reach the agent on. Empty means
	// the host part of server.addr, or the machine's hostname.
	Advertise string `yaml:"advertise"`
	TTL       int64  `yaml:"ttl"`

	DialTimeout    time.Duration `yaml:"-"`
	DialTimeoutRaw string        `yaml:"dial_timeout"`
}

// LimitsConfig bounds request handling on the agent.
type LimitsConfig struct {
	RequestTimeout time.Duration `yaml:"-"`
	Rate           float64       `yaml:"rate"`
	Burst          int           `yaml:"burst"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// ClientConfig is the overview CLI configuration.
type ClientConfig struct {
	Discovery ClientDiscoveryConfig `yaml:"discovery"`
	Client    ClientSettings        `yaml:"client"`
	Registry  RegistryConfig        `yaml:"registry"`
	Logging   LoggingConfig         `yaml:"logging"`
}

// ClientDiscoveryConfig controls broadcast discovery rounds.
type ClientDiscoveryConfig struct {
	Port          int           `yaml:"port"`
	BroadcastAddr string        `yaml:"broadcast_addr"`
	Wait          time.Duration `yaml:"-"`

	WaitRaw string `yaml:"wait"`
}

// Target is the UDP address discovery requests are sent to.
func (d ClientDiscoveryConfig) Target() string {
	return fmt.Sprintf("%s:%d", d.BroadcastAddr, d.Port)
}

// ClientSettings holds connection timing.
type ClientSettings struct {
	DialTimeout time.Duration `yaml:"-"`
	CallTimeout time.Duration `yaml:"-"`

	DialTimeoutRaw string `yaml:"dial_timeout"`
	CallTimeoutRaw string `yaml:"call_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultAgent returns the agent configuration used when no file is given.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		Server:    ServerConfig{Addr: fmt.Sprintf(":%d", discovery.DefaultAgentPort)},
		Discovery: AgentDiscoveryConfig{Enabled: true, Port: discovery.DefaultPort},
		Registry: RegistryConfig{
			TTL:            10,
			DialTimeoutRaw: "5s",
		},
		Limits: LimitsConfig{
			RequestTimeoutRaw: "30s",
			Rate:              100,
			Burst:             200,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultClient returns the client configuration used when no file is given.
func DefaultClient() *ClientConfig {
	return &ClientConfig{
		Discovery: ClientDiscoveryConfig{
			Port:          discovery.DefaultPort,
			BroadcastAddr: "255.255.255.255",
			WaitRaw:       "1s",
		},
		Client: ClientSettings{
			DialTimeoutRaw: "5s",
			CallTimeoutRaw: "30s",
		},
		Registry: RegistryConfig{DialTimeoutRaw: "5s"},
		Logging:  LoggingConfig{Level: "warn", Format: "text"},
	}
}

// LoadAgent reads the agent configuration at path over the defaults. An empty
// path returns the defaults.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgent()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadClient reads the client configuration at path over the defaults. An
// empty path returns the defaults.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClient()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func load(path string, into any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), into); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or an empty
// string when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDuration(field, raw string, into *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	*into = d
	return nil
}

func (c *AgentConfig) parseDurations() error {
	if err := parseDuration("limits.request_timeout", c.Limits.RequestTimeoutRaw, &c.Limits.RequestTimeout); err != nil {
		return err
	}
	return parseDuration("registry.dial_timeout", c.Registry.DialTimeoutRaw, &c.Registry.DialTimeout)
}

func (c *ClientConfig) parseDurations() error {
	if err := parseDuration("discovery.wait", c.Discovery.WaitRaw, &c.Discovery.Wait); err != nil {
		return err
	}
	if err := parseDuration("client.dial_timeout", c.Client.DialTimeoutRaw, &c.Client.DialTimeout); err != nil {
		return err
	}
	if err := parseDuration("client.call_timeout", c.Client.CallTimeoutRaw, &c.Client.CallTimeout); err != nil {
		return err
	}
	return parseDuration("registry.dial_timeout", c.Registry.DialTimeoutRaw, &c.Registry.DialTimeout)
}

// Validate checks that the agent configuration is usable.
func (c *AgentConfig) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Discovery.Enabled {
		if err := validPort("discovery.port", c.Discovery.Port); err != nil {
			return err
		}
	}
	if len(c.Registry.EtcdEndpoints) > 0 && c.Registry.TTL <= 0 {
		return fmt.Errorf("registry.ttl must be positive when etcd_endpoints are set")
	}
	if c.Limits.RequestTimeout < 0 {
		return fmt.Errorf("limits.request_timeout must not be negative")
	}
	if c.Limits.Rate < 0 || c.Limits.Burst < 0 {
		return fmt.Errorf("limits.rate and limits.burst must not be negative")
	}
	if c.Limits.Rate > 0 && c.Limits.Burst == 0 {
		return fmt.Errorf("limits.burst is required when limits.rate is set")
	}
	return c.Logging.Validate()
}

// Validate checks that the client configuration is usable.
func (c *ClientConfig) Validate() error {
	if err := validPort("discovery.port", c.Discovery.Port); err != nil {
		return err
	}
	if c.Discovery.BroadcastAddr == "" {
		return fmt.Errorf("discovery.broadcast_addr is required")
	}
	if c.Discovery.Wait <= 0 {
		return fmt.Errorf("discovery.wait must be positive")
	}
	if c.Client.DialTimeout <= 0 || c.Client.CallTimeout <= 0 {
		return fmt.Errorf("client.dial_timeout and client.call_timeout must be positive")
	}
	return c.Logging.Validate()
}

func validPort(field string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be in 1..65535, got %d", field, port)
	}
	return nil
}

// Validate checks the level and format names.
func (l LoggingConfig) Validate() error {
	if _, err := l.level(); err != nil {
		return err
	}
	switch strings.ToLower(l.Format) {
	case "", "text", "json":
		return nil
	}
	return fmt.Errorf("logging.format must be text or json, got %q", l.Format)
}

func (l LoggingConfig) level() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
