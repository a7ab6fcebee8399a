package config

import (
	"fmt"
	"os"

	"github.com/ethpandaops/gatekeeper/pkg/privilege"
)

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string   `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	SessionTTL    string            `yaml:"session_ttl" mapstructure:"session_ttl"`
	SessionCookie string            `yaml:"session_cookie" mapstructure:"session_cookie"`
	SessionHeader string            `yaml:"session_header" mapstructure:"session_header"`
	APIKeyHeader  string            `yaml:"api_key_header" mapstructure:"api_key_header"`
	SweepInterval string            `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	Privileges    map[string]string `yaml:"privileges,omitempty" mapstructure:"privileges"`
	Users         []SeedUser        `yaml:"users,omitempty" mapstructure:"users"`
	Roles         []SeedRole        `yaml:"roles,omitempty" mapstructure:"roles"`
}

// SeedUser defines a user created or refreshed from config at startup.
type SeedUser struct {
	Username   string          `yaml:"username" mapstructure:"username"`
	Password   string          `yaml:"password" mapstructure:"password"`
	Privileges map[string]bool `yaml:"privileges,omitempty" mapstructure:"privileges"`
	Roles      []string        `yaml:"roles,omitempty" mapstructure:"roles"`
}

// SeedRole defines a role created or refreshed from config at startup.
type SeedRole struct {
	ID         string          `yaml:"id" mapstructure:"id"`
	Title      string          `yaml:"title,omitempty" mapstructure:"title"`
	Disabled   bool            `yaml:"disabled,omitempty" mapstructure:"disabled"`
	Notes      string          `yaml:"notes,omitempty" mapstructure:"notes"`
	Privileges map[string]bool `yaml:"privileges,omitempty" mapstructure:"privileges"`
}

// Registry builds the privilege registry including configured extensions.
func (c *AuthConfig) Registry() *privilege.Registry {
	return privilege.NewRegistry(c.Privileges)
}

// validateSeeds rejects seed records naming privileges that do not exist,
// so a typo fails at startup instead of silently granting nothing.
func (c *AuthConfig) validateSeeds() error {
	registry := c.Registry()

	for i, u := range c.Users {
		if u.Username == "" || u.Password == "" {
			return fmt.Errorf("users[%d]: username and password are required", i)
		}

		if _, err := registry.Parse(u.Privileges); err != nil {
			return fmt.Errorf("user %q: %w", u.Username, err)
		}
	}

	seen := make(map[string]struct{}, len(c.Roles))

	for i, r := range c.Roles {
		if r.ID == "" {
			return fmt.Errorf("roles[%d]: id is required", i)
		}

		if _, exists := seen[r.ID]; exists {
			return fmt.Errorf("roles[%d]: duplicate id %q", i, r.ID)
		}

		seen[r.ID] = struct{}{}

		if _, err := registry.Parse(r.Privileges); err != nil {
			return fmt.Errorf("role %q: %w", r.ID, err)
		}
	}

	return nil
}

// StorageConfig selects and configures the key-value storage engine.
type StorageConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
	S3       S3Config             `yaml:"s3,omitempty" mapstructure:"s3"`
}

// Validate checks the selected driver has what it needs.
func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case "postgres":
		if c.Postgres.Host == "" || c.Postgres.Database == "" {
			return fmt.Errorf("postgres.host and postgres.database are required")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Driver)
	}

	return nil
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// S3Config stores each record as one object in an S3-compatible bucket.
type S3Config struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// ClusterConfig describes this node's place in the cluster.
type ClusterConfig struct {
	NodeID            string `yaml:"node_id" mapstructure:"node_id"`
	AdvertiseHost     string `yaml:"advertise_host" mapstructure:"advertise_host"`
	Standalone        bool   `yaml:"standalone" mapstructure:"standalone"`
	HeartbeatInterval string `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	PeerTimeout       string `yaml:"peer_timeout" mapstructure:"peer_timeout"`
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}

	return host
}
