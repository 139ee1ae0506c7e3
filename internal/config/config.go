// Package config defines the TOML configuration schema named in spec.md §6
// (policy/host contract only) and loads it via pelletier/go-toml/v2. Every
// duration-shaped field is stored as a TOML string and parsed on demand via
// ParseDuration, since plain strings round-trip through go-toml/v2 without
// surprises and the handful of call sites that need a time.Duration are
// cheap to convert explicitly.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level document: one server, one app.
type Config struct {
	Server ServerConfig `toml:"server"`
	App    AppConfig    `toml:"app"`
}

type ServerConfig struct {
	Name       string           `toml:"name"`
	System     SystemConfig     `toml:"system"`
	Interfaces InterfacesConfig `toml:"interfaces"`
	Queues     QueuesConfig     `toml:"queues"`
	SMTP       SMTPConfig       `toml:"smtp"`
	TLS        *TLSConfig       `toml:"tls"`
	Auth       *AuthConfig      `toml:"auth"`

	// MaxConnections is the global concurrent-connection cap the
	// supervisor enforces (spec.md §4.8); not part of the schema literally
	// named in §6, but the cap has to be configured from somewhere. Zero
	// means unbounded.
	MaxConnections int `toml:"max_connections"`
}

// SystemConfig names the unprivileged user/group the server drops to after
// binding its listening sockets.
type SystemConfig struct {
	User  string `toml:"user"`
	Group string `toml:"group"`
}

type InterfacesConfig struct {
	Addr            string `toml:"addr"`             // opportunistic (plain, may STARTTLS)
	AddrSubmission  string `toml:"addr_submission"`  // plain, may STARTTLS, authenticated
	AddrSubmissions string `toml:"addr_submissions"` // implicit TLS, authenticated
}

type QueuesConfig struct {
	DirPath  string         `toml:"dirpath"`
	Working  WorkingConfig  `toml:"working"`
	Delivery DeliveryConfig `toml:"delivery"`
}

type WorkingConfig struct {
	ChannelSize int `toml:"channel_size"`
}

type DeliveryConfig struct {
	ChannelSize         int    `toml:"channel_size"`
	DeferredRetryMax    int    `toml:"deferred_retry_max"`
	DeferredRetryPeriod string `toml:"deferred_retry_period"` // duration string, e.g. "30s"
}

type SMTPConfig struct {
	RcptCountMax     int         `toml:"rcpt_count_max"`
	Error            ErrorConfig `toml:"error"`
	TimeoutPerState  string      `toml:"timeout_per_state"` // duration string
}

type ErrorConfig struct {
	SoftCount int    `toml:"soft_count"` // negative disables the error budget (fuzzing)
	HardCount int    `toml:"hard_count"`
	Delay     string `toml:"delay"` // duration string, inserted before each reply past SoftCount
}

type TLSConfig struct {
	Certificate       string        `toml:"certificate"`
	PrivateKey        string        `toml:"private_key"`
	ProtocolVersion   string        `toml:"protocol_version"` // e.g. "tls1.2", "tls1.3"
	PreemptCipherlist bool          `toml:"preempt_cipherlist"`
	Virtual           []VirtualTLS  `toml:"virtual"`
}

// VirtualTLS is a per-domain certificate override selected by SNI.
type VirtualTLS struct {
	Domain      string `toml:"domain"`
	Certificate string `toml:"certificate"`
	PrivateKey  string `toml:"private_key"`
}

type AuthConfig struct {
	MustBeAuthenticated                       bool     `toml:"must_be_authenticated"`
	EnableDangerousMechanismsWithoutEncryption bool     `toml:"enable_dangerous_mechanisms_without_encryption"`
	Mechanisms                                 []string `toml:"mechanisms"` // subset of {PLAIN, LOGIN, CRAM-MD5}
	Attempts                                    int      `toml:"attempts"`
}

type AppConfig struct {
	DirPath  string                   `toml:"dirpath"`
	VSL      VSLConfig                `toml:"vsl"`
	Logs     string                   `toml:"logs"`
	Services map[string]ServiceConfig `toml:"services"`
	DNS      DNSConfig                `toml:"dns"`
}

type VSLConfig struct {
	FilePath string `toml:"filepath"`
}

// ServiceConfig is the tagged union {ShellService | CsvDatabase} from
// spec.md §6, expressed with an explicit discriminator field: go-toml/v2
// has no serde-style "untagged enum" support, so each service's TOML table
// carries type = "shell" | "csv_database" and the loader (Validate) checks
// the discriminator and that type's required field (command or path);
// fields belonging to the other type are not checked.
type ServiceConfig struct {
	Type string `toml:"type"`

	// ShellService fields.
	Timeout string   `toml:"timeout"` // duration string
	User    string   `toml:"user"`
	Group   string   `toml:"group"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`

	// CsvDatabase fields.
	Path      string `toml:"path"`
	Access    string `toml:"access"` // e.g. "read-only", "read-write"
	Delimiter string `toml:"delimiter"`
	Refresh   string `toml:"refresh"` // duration string
}

const (
	ServiceTypeShell = "shell"
	ServiceTypeCSV   = "csv_database"
)

// DNSConfig selects the resolver backend: System, Google, CloudFlare, or
// Custom{Address}.
type DNSConfig struct {
	Type    string `toml:"type"` // "system" | "google" | "cloudflare" | "custom"
	Address string `toml:"address"` // only meaningful for type = "custom"
}

const (
	DNSTypeSystem     = "system"
	DNSTypeGoogle     = "google"
	DNSTypeCloudFlare = "cloudflare"
	DNSTypeCustom     = "custom"
)

// Load reads and parses a TOML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

// ParseDuration parses one of this package's duration-string fields,
// defaulting to def when s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// Validate rejects a config that is structurally well-formed TOML but
// violates an invariant this package's consumers rely on (an unrecognized
// tagged-union discriminator, an empty server name, a zero rcpt cap).
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server.name is required")
	}
	if c.Server.Interfaces.Addr == "" {
		return fmt.Errorf("server.interfaces.addr is required")
	}
	if c.Server.SMTP.RcptCountMax <= 0 {
		return fmt.Errorf("server.smtp.rcpt_count_max must be positive")
	}

	switch c.App.DNS.Type {
	case "", DNSTypeSystem, DNSTypeGoogle, DNSTypeCloudFlare:
	case DNSTypeCustom:
		if c.App.DNS.Address == "" {
			return fmt.Errorf("app.dns.address is required for type = %q", DNSTypeCustom)
		}
	default:
		return fmt.Errorf("app.dns.type: unknown variant %q", c.App.DNS.Type)
	}

	for name, svc := range c.App.Services {
		switch svc.Type {
		case ServiceTypeShell:
			if svc.Command == "" {
				return fmt.Errorf("app.services.%s: command is required for type = %q", name, ServiceTypeShell)
			}
		case ServiceTypeCSV:
			if svc.Path == "" {
				return fmt.Errorf("app.services.%s: path is required for type = %q", name, ServiceTypeCSV)
			}
		default:
			return fmt.Errorf("app.services.%s: unknown type %q", name, svc.Type)
		}
	}

	return nil
}
