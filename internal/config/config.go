// Package config resolves the bridge configuration with the precedence
// defaults < YAML file < environment < command line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/protobridge/internal/capability"
	"github.com/gaspardpetit/protobridge/internal/protocol"
	"github.com/gaspardpetit/protobridge/internal/transform"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// BridgeConfig holds configuration for the bridge server.
type BridgeConfig struct {
	ConfigFile string `yaml:"-" env:"CONFIG_FILE"`
	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat  string `yaml:"log_format" env:"LOG_FORMAT"`

	Port           int           `yaml:"port" env:"PORT"`
	MetricsAddr    string        `yaml:"metrics_addr" env:"METRICS_ADDR"`
	WSPath         string        `yaml:"ws_path" env:"WS_PATH"`
	ClientKey      string        `yaml:"client_key" env:"CLIENT_KEY"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	RedisAddr      string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisKey       string        `yaml:"redis_key" env:"REDIS_KEY"`
	DrainTimeout   time.Duration `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	SendQueue      int           `yaml:"send_queue" env:"SEND_QUEUE"`
	EventQueue     int           `yaml:"event_queue" env:"EVENT_QUEUE"`

	SupportedVersions  []string      `yaml:"supported_versions" env:"SUPPORTED_VERSIONS" envSeparator:","`
	DefaultVersion     string        `yaml:"default_version" env:"DEFAULT_VERSION"`
	EnhancedMinVersion string        `yaml:"enhanced_min_version" env:"ENHANCED_MIN_VERSION"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout" env:"NEGOTIATION_TIMEOUT"`

	MigrationThreshold   float64       `yaml:"migration_threshold" env:"MIGRATION_THRESHOLD"`
	PreparationDuration  time.Duration `yaml:"preparation_duration" env:"PREPARATION_DURATION"`
	GradualDuration      time.Duration `yaml:"gradual_duration" env:"GRADUAL_DURATION"`
	FullEnhancedDuration time.Duration `yaml:"full_enhanced_duration" env:"FULL_ENHANCED_DURATION"`
	EvaluationInterval   time.Duration `yaml:"evaluation_interval" env:"EVALUATION_INTERVAL"`
	ResumePhase          bool          `yaml:"resume_phase" env:"RESUME_PHASE"`

	MetricsInterval time.Duration `yaml:"metrics_interval" env:"METRICS_INTERVAL"`
	MaxAvgLatency   time.Duration `yaml:"max_avg_latency" env:"MAX_AVG_LATENCY"`
	MaxErrorRate    float64       `yaml:"max_error_rate" env:"MAX_ERROR_RATE"`

	EnhancedTypes      []string `yaml:"enhanced_types" env:"ENHANCED_TYPES" envSeparator:","`
	LegacyTypes        []string `yaml:"legacy_types" env:"LEGACY_TYPES" envSeparator:","`
	LegacyFallbackType string   `yaml:"legacy_fallback_type" env:"LEGACY_FALLBACK_TYPE"`
}

// Load resolves the configuration from defaults, the YAML file named by
// --config or CONFIG_FILE, the environment, and args parsed on fs. The
// result is normalized and validated.
func Load(fs *flag.FlagSet, args []string) (BridgeConfig, error) {
	var c BridgeConfig
	c.SetDefaults()
	if err := c.ApplyEnv(); err != nil {
		return c, err
	}
	c.ConfigFile = ConfigPathFromArgs(args, c.ConfigFile)
	if c.ConfigFile != "" {
		if err := c.LoadFile(c.ConfigFile); err != nil {
			return c, err
		}
		// the environment wins over the file
		if err := c.ApplyEnv(); err != nil {
			return c, err
		}
	}
	c.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	c.Normalize()
	return c, c.Validate()
}

// SetDefaults initializes unset fields with built-in defaults.
func (c *BridgeConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.WSPath == "" {
		c.WSPath = "/api/bridge/connect"
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.SendQueue == 0 {
		c.SendQueue = 64
	}
	if c.EventQueue == 0 {
		c.EventQueue = 256
	}
	if c.SupportedVersions == nil {
		c.SupportedVersions = []string{"1.0.0", "2.0.0", "2.1.0"}
	}
	if c.DefaultVersion == "" {
		c.DefaultVersion = "1.0.0"
	}
	if c.EnhancedMinVersion == "" {
		c.EnhancedMinVersion = capability.DefaultEnhancedMinVersion
	}
	if c.NegotiationTimeout == 0 {
		c.NegotiationTimeout = 5 * time.Second
	}
	if c.MigrationThreshold == 0 {
		c.MigrationThreshold = 0.8
	}
	if c.EvaluationInterval == 0 {
		c.EvaluationInterval = 10 * time.Second
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 10 * time.Second
	}
	if c.EnhancedTypes == nil {
		c.EnhancedTypes = append([]string(nil), protocol.DefaultEnhancedTypes...)
	}
	if c.LegacyTypes == nil {
		c.LegacyTypes = append([]string(nil), protocol.DefaultLegacyTypes...)
	}
	if c.LegacyFallbackType == "" {
		c.LegacyFallbackType = transform.DefaultLegacyFallbackType
	}
}

// LoadFile populates the config from a YAML file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto the current values. Unset
// variables leave fields untouched.
func (c *BridgeConfig) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// BindFlags binds command line flags on fs using the current values as
// defaults.
func (c *BridgeConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (console, json)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	fs.StringVar(&c.WSPath, "ws-path", c.WSPath, "path clients use to establish WebSocket connections")
	fs.StringVar(&c.ClientKey, "client-key", c.ClientKey, "shared key clients must present when registering")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server state")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for sessions to leave on shutdown (0 to exit immediately)")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.Func("supported-versions", "comma separated list of supported protocol versions", func(v string) error {
		c.SupportedVersions = splitComma(v)
		return nil
	})
	fs.StringVar(&c.DefaultVersion, "default-version", c.DefaultVersion, "version used when negotiation fails or the client is legacy")
	fs.StringVar(&c.EnhancedMinVersion, "enhanced-min-version", c.EnhancedMinVersion, "lowest declared version treated as enhanced")
	fs.DurationVar(&c.NegotiationTimeout, "negotiation-timeout", c.NegotiationTimeout, "time allowed for a client to confirm the negotiated version")
	fs.Float64Var(&c.MigrationThreshold, "migration-threshold", c.MigrationThreshold, "enhanced session ratio (0-1) that advances the migration phase")
	fs.DurationVar(&c.PreparationDuration, "preparation-duration", c.PreparationDuration, "time spent in the preparation phase (0 disables)")
	fs.DurationVar(&c.GradualDuration, "gradual-duration", c.GradualDuration, "time spent in the gradual phase (0 disables)")
	fs.DurationVar(&c.FullEnhancedDuration, "full-enhanced-duration", c.FullEnhancedDuration, "time spent in the full_enhanced phase (0 disables)")
	fs.BoolVar(&c.ResumePhase, "resume-phase", c.ResumePhase, "resume the migration from the phase recorded in the state store")
	fs.DurationVar(&c.MetricsInterval, "metrics-interval", c.MetricsInterval, "metrics aggregation window")
	fs.DurationVar(&c.MaxAvgLatency, "max-avg-latency", c.MaxAvgLatency, "average routing latency that raises a threshold event (0 disables)")
	fs.Float64Var(&c.MaxErrorRate, "max-error-rate", c.MaxErrorRate, "error rate (0-1) that raises a threshold event (0 disables)")
}

// Normalize fixes up derived values after all sources are applied.
func (c *BridgeConfig) Normalize() {
	switch {
	case c.MetricsAddr == "":
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	case !strings.Contains(c.MetricsAddr, ":"):
		c.MetricsAddr = ":" + c.MetricsAddr
	}
	c.SupportedVersions = trimAll(c.SupportedVersions)
	c.EnhancedTypes = trimAll(c.EnhancedTypes)
	c.LegacyTypes = trimAll(c.LegacyTypes)
}

// Validate reports every problem found in c.
func (c *BridgeConfig) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if len(c.SupportedVersions) == 0 {
		bad("supported_versions is empty")
	}
	seen := map[string]bool{}
	for _, v := range c.SupportedVersions {
		cv, ok := capability.Canonical(v)
		if !ok {
			bad("supported version %q is not a semantic version", v)
			continue
		}
		if seen[cv] {
			bad("supported version %q listed twice", v)
		}
		seen[cv] = true
	}
	if dv, ok := capability.Canonical(c.DefaultVersion); !ok {
		bad("default_version %q is not a semantic version", c.DefaultVersion)
	} else if !seen[dv] {
		bad("default_version %q is not in supported_versions", c.DefaultVersion)
	}
	if mv, ok := capability.Canonical(c.EnhancedMinVersion); !ok {
		bad("enhanced_min_version %q is not a semantic version", c.EnhancedMinVersion)
	} else if dv, ok := capability.Canonical(c.DefaultVersion); ok && semver.Compare(dv, mv) >= 0 {
		bad("default_version %q must be below enhanced_min_version %q", c.DefaultVersion, c.EnhancedMinVersion)
	}
	if c.MigrationThreshold < 0 || c.MigrationThreshold > 1 {
		bad("migration_threshold %v outside [0,1]", c.MigrationThreshold)
	}
	if c.MaxErrorRate < 0 || c.MaxErrorRate > 1 {
		bad("max_error_rate %v outside [0,1]", c.MaxErrorRate)
	}
	if c.NegotiationTimeout <= 0 {
		bad("negotiation_timeout must be positive")
	}
	if c.MetricsInterval <= 0 {
		bad("metrics_interval must be positive")
	}
	if c.EvaluationInterval <= 0 {
		bad("evaluation_interval must be positive")
	}
	for name, d := range map[string]time.Duration{
		"preparation_duration":   c.PreparationDuration,
		"gradual_duration":       c.GradualDuration,
		"full_enhanced_duration": c.FullEnhancedDuration,
		"max_avg_latency":        c.MaxAvgLatency,
	} {
		if d < 0 {
			bad("%s must not be negative", name)
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		bad("port %d out of range", c.Port)
	}
	if c.SendQueue <= 0 {
		bad("send_queue must be positive")
	}
	if c.EventQueue <= 0 {
		bad("event_queue must be positive")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		bad("ws_path %q must start with /", c.WSPath)
	}
	if c.LegacyFallbackType == "" {
		bad("legacy_fallback_type is empty")
	}
	legacy := map[string]bool{}
	for _, t := range c.LegacyTypes {
		legacy[t] = true
	}
	for _, t := range c.EnhancedTypes {
		if legacy[t] {
			bad("message type %q is both enhanced and legacy", t)
		}
	}
	return errors.Join(errs...)
}

// ConfigPathFromArgs returns the value of --config in args, or current when
// the flag is absent. The file has to be known before flags are bound.
func ConfigPathFromArgs(args []string, current string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if (a == "--config" || a == "-config") && i+1 < len(args) {
			return args[i+1]
		}
		for _, p := range []string{"--config=", "-config="} {
			if strings.HasPrefix(a, p) {
				return strings.TrimPrefix(a, p)
			}
		}
	}
	return current
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	return trimAll(strings.Split(v, ","))
}

func trimAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
