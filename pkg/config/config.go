package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides,
	// e.g. GATEKEEPER_AUTH_SESSION_TTL.
	EnvPrefix = "GATEKEEPER"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultSessionTTL is the default lifetime of a login session.
	DefaultSessionTTL = "24h"

	// DefaultSessionCookie is the default session cookie name.
	DefaultSessionCookie = "gatekeeper_session"

	// DefaultSessionHeader is the default session id header.
	DefaultSessionHeader = "X-Session-ID"

	// DefaultAPIKeyHeader is the default API key header.
	DefaultAPIKeyHeader = "X-API-Key"

	// DefaultSweepInterval is how often expired sessions are reclaimed.
	DefaultSweepInterval = "15m"

	// DefaultHeartbeatInterval is how often the local node heartbeats.
	DefaultHeartbeatInterval = "30s"

	// DefaultPeerTimeout is how long a peer may go without heartbeating.
	DefaultPeerTimeout = "2m"

	// DefaultStorageDriver is the default storage engine.
	DefaultStorageDriver = "sqlite"

	// DefaultSQLitePath is the default sqlite database path.
	DefaultSQLitePath = "gatekeeper.db"
)

// Config is the root configuration for gatekeeper.
type Config struct {
	Global  GlobalConfig  `yaml:"global" mapstructure:"global"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Auth    AuthConfig    `yaml:"auth" mapstructure:"auth"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Cluster ClusterConfig `yaml:"cluster" mapstructure:"cluster"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// defaults are registered with viper so that environment overrides work
// for keys missing from every config file.
var defaults = map[string]any{
	"global.log_level":           DefaultLogLevel,
	"server.listen":              DefaultListen,
	"auth.session_ttl":           DefaultSessionTTL,
	"auth.session_cookie":        DefaultSessionCookie,
	"auth.session_header":        DefaultSessionHeader,
	"auth.api_key_header":        DefaultAPIKeyHeader,
	"auth.sweep_interval":        DefaultSweepInterval,
	"storage.driver":             DefaultStorageDriver,
	"storage.sqlite.path":        DefaultSQLitePath,
	"storage.postgres.port":      5432,
	"storage.postgres.ssl_mode":  "disable",
	"storage.s3.region":          "us-east-1",
	"cluster.standalone":         true,
	"cluster.heartbeat_interval": DefaultHeartbeatInterval,
	"cluster.peer_timeout":       DefaultPeerTimeout,
}

// Load reads one or more configuration files, later files overriding
// earlier ones, then applies GATEKEEPER_* environment overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		// Environment values arrive as strings.
		WeaklyTypedInput: true,
		Result:           &cfg,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills values viper cannot express as flat defaults.
func (c *Config) applyDefaults() {
	if c.Cluster.NodeID == "" {
		c.Cluster.NodeID = defaultNodeID()
	}

	if c.Cluster.AdvertiseHost == "" {
		if strings.HasPrefix(c.Server.Listen, ":") {
			c.Cluster.AdvertiseHost = c.Cluster.NodeID + c.Server.Listen
		} else {
			c.Cluster.AdvertiseHost = c.Server.Listen
		}
	}

	for i := range c.Auth.Roles {
		if c.Auth.Roles[i].Title == "" {
			c.Auth.Roles[i].Title = c.Auth.Roles[i].ID
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	durations := map[string]string{
		"auth.session_ttl":           c.Auth.SessionTTL,
		"auth.sweep_interval":        c.Auth.SweepInterval,
		"cluster.heartbeat_interval": c.Cluster.HeartbeatInterval,
		"cluster.peer_timeout":       c.Cluster.PeerTimeout,
	}

	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
		}

		if d <= 0 {
			return fmt.Errorf("%s: must be positive", key)
		}
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	if c.Auth.SessionHeader == "" || c.Auth.APIKeyHeader == "" {
		return fmt.Errorf("auth.session_header and auth.api_key_header are required")
	}

	if strings.EqualFold(c.Auth.SessionHeader, c.Auth.APIKeyHeader) {
		return fmt.Errorf("auth.session_header and auth.api_key_header must differ")
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if err := c.Auth.validateSeeds(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	return nil
}

// SessionTTLDuration returns the parsed session lifetime.
func (c *AuthConfig) SessionTTLDuration() time.Duration {
	return mustDuration(c.SessionTTL, DefaultSessionTTL)
}

// SweepIntervalDuration returns the parsed sweep interval.
func (c *AuthConfig) SweepIntervalDuration() time.Duration {
	return mustDuration(c.SweepInterval, DefaultSweepInterval)
}

// HeartbeatIntervalDuration returns the parsed heartbeat interval.
func (c *ClusterConfig) HeartbeatIntervalDuration() time.Duration {
	return mustDuration(c.HeartbeatInterval, DefaultHeartbeatInterval)
}

// PeerTimeoutDuration returns the parsed peer timeout.
func (c *ClusterConfig) PeerTimeoutDuration() time.Duration {
	return mustDuration(c.PeerTimeout, DefaultPeerTimeout)
}

// mustDuration parses value, falling back to def. Values are checked by
// Validate, so the fallback only applies to unvalidated configs.
func mustDuration(value, def string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}

	d, _ := time.ParseDuration(def)

	return d
}

const redacted = "********"

// Redacted returns a copy of the config with passwords and secret keys
// masked, safe to print.
func (c *Config) Redacted() *Config {
	out := *c

	out.Auth.Users = make([]SeedUser, len(c.Auth.Users))
	for i, u := range c.Auth.Users {
		u.Password = redacted
		out.Auth.Users[i] = u
	}

	if out.Storage.Postgres.Password != "" {
		out.Storage.Postgres.Password = redacted
	}

	if out.Storage.S3.SecretAccessKey != "" {
		out.Storage.S3.SecretAccessKey = redacted
	}

	return &out
}
