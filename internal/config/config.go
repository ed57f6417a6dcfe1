// ABOUTME: Configuration loading and parsing for the sovereign agent
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-sovereign/internal/authz"
	"github.com/2389/coven-sovereign/internal/identity"
)

// Config represents the complete sovereign agent configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale" toml:"tailscale"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Identity      IdentityConfig      `yaml:"identity" toml:"identity"`
	Authorization AuthorizationConfig `yaml:"authorization" toml:"authorization"`
	WebAuthn      WebAuthnConfig      `yaml:"webauthn" toml:"webauthn"`
	Deployment    DeploymentConfig    `yaml:"deployment" toml:"deployment"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// KDFConfig holds Argon2id parameters for key bundle export
type KDFConfig struct {
	Time      uint32 `yaml:"time" toml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib" toml:"memory_kib"`
	Threads   uint8  `yaml:"threads" toml:"threads"`
}

// IdentityConfig holds identity bond and key bundle configuration
type IdentityConfig struct {
	BondTTL              time.Duration `yaml:"-" toml:"-"`
	AllowIndefiniteBonds bool          `yaml:"allow_indefinite_bonds" toml:"allow_indefinite_bonds"`
	BundlePath           string        `yaml:"bundle_path" toml:"bundle_path"`
	KDF                  KDFConfig     `yaml:"kdf" toml:"kdf"`

	BondTTLRaw string `yaml:"bond_ttl" toml:"bond_ttl"`
}

// TierLimitsConfig holds per-tier auto-approve cost ceilings
type TierLimitsConfig struct {
	Guest      *float64 `yaml:"guest" toml:"guest"`
	Consumer   *float64 `yaml:"consumer" toml:"consumer"`
	PowerUser  *float64 `yaml:"power_user" toml:"power_user"`
	Enterprise *float64 `yaml:"enterprise" toml:"enterprise"`
}

// ContextualConfig configures pattern-based contextual approval
type ContextualConfig struct {
	Enabled        bool          `yaml:"enabled" toml:"enabled"`
	MinOccurrences int           `yaml:"min_occurrences" toml:"min_occurrences"`
	Window         time.Duration `yaml:"-" toml:"-"`
	MaxCost        float64       `yaml:"max_cost" toml:"max_cost"`
	MaxRisk        string        `yaml:"max_risk" toml:"max_risk"`
	ActionTypes    []string      `yaml:"action_types" toml:"action_types"`

	WindowRaw string `yaml:"window" toml:"window"`
}

// Nonce store backends.
const (
	NonceStoreSQLite = "sqlite"
	NonceStoreMemory = "memory"
)

// AuthorizationConfig holds action authorization engine configuration
type AuthorizationConfig struct {
	ClockSkew              time.Duration    `yaml:"-" toml:"-"`
	NonceRetention         time.Duration    `yaml:"-" toml:"-"`
	BiometricMaxAge        time.Duration    `yaml:"-" toml:"-"`
	BiometricMinConfidence float64          `yaml:"biometric_min_confidence" toml:"biometric_min_confidence"`
	TierLimits             TierLimitsConfig `yaml:"tier_limits" toml:"tier_limits"`
	Contextual             ContextualConfig `yaml:"contextual" toml:"contextual"`

	// NonceStore is "sqlite" (default) or "memory". The memory store loses
	// claims on restart.
	NonceStore     string `yaml:"nonce_store" toml:"nonce_store"`
	NonceCacheSize int    `yaml:"nonce_cache_size" toml:"nonce_cache_size"`

	// Raw string values for unmarshaling
	ClockSkewRaw       string `yaml:"clock_skew" toml:"clock_skew"`
	NonceRetentionRaw  string `yaml:"nonce_retention" toml:"nonce_retention"`
	BiometricMaxAgeRaw string `yaml:"biometric_max_age" toml:"biometric_max_age"`
}

// WebAuthnConfig holds relying party configuration for biometric confirmation
type WebAuthnConfig struct {
	RPID          string   `yaml:"rp_id" toml:"rp_id"`
	RPDisplayName string   `yaml:"rp_display_name" toml:"rp_display_name"`
	RPOrigins     []string `yaml:"rp_origins" toml:"rp_origins"`
}

// DeploymentConfig describes the environment the agent is deployed into
type DeploymentConfig struct {
	Environment          string   `yaml:"environment" toml:"environment"`
	Capabilities         []string `yaml:"capabilities" toml:"capabilities"`
	RequiredCapabilities []string `yaml:"required_capabilities" toml:"required_capabilities"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func ptr(f float64) *float64 { return &f }

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8480"
	}
	if c.Server.GRPCAddr == "" && !c.Tailscale.Enabled {
		c.Server.GRPCAddr = "127.0.0.1:8481"
	}
	if c.Database.Path == "" {
		c.Database.Path = "sovereign.db"
	}
	if c.Identity.BondTTL == 0 {
		c.Identity.BondTTL = identity.DefaultBondTTL
	}
	if c.Identity.BundlePath == "" {
		c.Identity.BundlePath = "sovereign-identity.json"
	}
	if c.Identity.KDF == (KDFConfig{}) {
		d := identity.DefaultKDFParams
		c.Identity.KDF = KDFConfig{Time: d.Time, MemoryKiB: d.MemoryKiB, Threads: d.Threads}
	}

	def := authz.DefaultConfig()
	a := &c.Authorization
	if a.ClockSkew == 0 {
		a.ClockSkew = def.ClockSkew
	}
	if a.NonceRetention == 0 {
		a.NonceRetention = max(def.NonceRetention, 2*a.ClockSkew)
	}
	if a.BiometricMaxAge == 0 {
		a.BiometricMaxAge = def.BiometricMaxAge
	}
	if a.NonceStore == "" {
		a.NonceStore = NonceStoreSQLite
	}
	if a.NonceCacheSize == 0 {
		a.NonceCacheSize = 100000
	}
	if a.BiometricMinConfidence == 0 {
		a.BiometricMinConfidence = def.BiometricMinConfidence
	}
	limits := []struct {
		field **float64
		tier  authz.UserTier
	}{
		{&a.TierLimits.Guest, authz.TierGuest},
		{&a.TierLimits.Consumer, authz.TierConsumer},
		{&a.TierLimits.PowerUser, authz.TierPowerUser},
		{&a.TierLimits.Enterprise, authz.TierEnterprise},
	}
	for _, l := range limits {
		if *l.field == nil {
			*l.field = ptr(def.TierLimits[l.tier])
		}
	}
	if a.Contextual.Enabled {
		if a.Contextual.MinOccurrences == 0 {
			a.Contextual.MinOccurrences = 3
		}
		if a.Contextual.Window == 0 {
			a.Contextual.Window = 30 * 24 * time.Hour
		}
		if a.Contextual.MaxRisk == "" {
			a.Contextual.MaxRisk = string(authz.RiskMedium)
		}
	}

	if c.WebAuthn.RPID == "" {
		c.WebAuthn.RPID = "localhost"
	}
	if c.WebAuthn.RPDisplayName == "" {
		c.WebAuthn.RPDisplayName = "coven sovereign"
	}
	if c.Deployment.Environment == "" {
		c.Deployment.Environment = "local"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			return errors.New("server.http_addr is required (or enable tailscale)")
		}
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Identity.BondTTL < 0 {
		return errors.New("identity.bond_ttl must not be negative")
	}
	if !c.KDFParams().Valid() {
		return fmt.Errorf("identity.kdf parameters are out of range (time 1-%d, memory_kib up to %d)", identity.MaxKDFTime, identity.MaxKDFMemoryKiB)
	}

	a := c.Authorization
	if a.BiometricMinConfidence < 0 || a.BiometricMinConfidence > 1 {
		return fmt.Errorf("authorization.biometric_min_confidence %v must be within [0, 1]", a.BiometricMinConfidence)
	}
	for name, v := range map[string]*float64{
		"guest":      a.TierLimits.Guest,
		"consumer":   a.TierLimits.Consumer,
		"power_user": a.TierLimits.PowerUser,
		"enterprise": a.TierLimits.Enterprise,
	} {
		if v != nil && (*v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("authorization.tier_limits.%s must be a finite non-negative number", name)
		}
	}
	if a.Contextual.Enabled {
		if r := authz.RiskLevel(a.Contextual.MaxRisk); !r.Valid() || r == authz.RiskCritical {
			return fmt.Errorf("authorization.contextual.max_risk %q must be low, medium or high", a.Contextual.MaxRisk)
		}
		if a.Contextual.MinOccurrences < 1 {
			return errors.New("authorization.contextual.min_occurrences must be at least 1")
		}
	}
	switch a.NonceStore {
	case NonceStoreSQLite, NonceStoreMemory:
	default:
		return fmt.Errorf("authorization.nonce_store %q must be sqlite or memory", a.NonceStore)
	}
	if a.NonceCacheSize < 0 {
		return errors.New("authorization.nonce_cache_size must not be negative")
	}
	if err := c.AuthzConfig().Validate(); err != nil {
		return fmt.Errorf("authorization: %w", err)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	return nil
}

// AuthzConfig converts the authorization section for the engine.
func (c *Config) AuthzConfig() authz.Config {
	a := c.Authorization
	out := authz.DefaultConfig()
	out.ClockSkew = a.ClockSkew
	out.NonceRetention = a.NonceRetention
	out.BiometricMaxAge = a.BiometricMaxAge
	out.BiometricMinConfidence = a.BiometricMinConfidence
	set := func(tier authz.UserTier, v *float64) {
		if v != nil {
			out.TierLimits[tier] = *v
		}
	}
	set(authz.TierGuest, a.TierLimits.Guest)
	set(authz.TierConsumer, a.TierLimits.Consumer)
	set(authz.TierPowerUser, a.TierLimits.PowerUser)
	set(authz.TierEnterprise, a.TierLimits.Enterprise)

	if a.Contextual.Enabled {
		out.Contextual = &authz.RecentActivityPolicy{
			MinOccurrences: a.Contextual.MinOccurrences,
			Window:         a.Contextual.Window,
			MaxCost:        a.Contextual.MaxCost,
			MaxRisk:        authz.RiskLevel(a.Contextual.MaxRisk),
			ActionTypes:    a.Contextual.ActionTypes,
		}
	}
	return out
}

// KDFParams converts the identity.kdf section.
func (c *Config) KDFParams() identity.KDFParams {
	return identity.KDFParams{Time: c.Identity.KDF.Time, MemoryKiB: c.Identity.KDF.MemoryKiB, Threads: c.Identity.KDF.Threads}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"identity.bond_ttl", cfg.Identity.BondTTLRaw, &cfg.Identity.BondTTL},
		{"authorization.clock_skew", cfg.Authorization.ClockSkewRaw, &cfg.Authorization.ClockSkew},
		{"authorization.nonce_retention", cfg.Authorization.NonceRetentionRaw, &cfg.Authorization.NonceRetention},
		{"authorization.biometric_max_age", cfg.Authorization.BiometricMaxAgeRaw, &cfg.Authorization.BiometricMaxAge},
		{"authorization.contextual.window", cfg.Authorization.Contextual.WindowRaw, &cfg.Authorization.Contextual.Window},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
