package am

import "time"

// Config represents the target-helper configuration
type Config struct {
	Store    StoreConfig    `mapstructure:"store" toml:"store" json:"store" yaml:"store"`
	Signing  SigningConfig  `mapstructure:"signing" toml:"signing" json:"signing" yaml:"signing"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse" json:"pulse" yaml:"pulse"`
	Ingest   IngestConfig   `mapstructure:"ingest" toml:"ingest" json:"ingest" yaml:"ingest"`
	Sharing  SharingConfig  `mapstructure:"sharing" toml:"sharing" json:"sharing" yaml:"sharing"`
	Database DatabaseConfig `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Server   ServerConfig   `mapstructure:"server" toml:"server" json:"server" yaml:"server"`
}

// StoreConfig configures the connection to the resource store
type StoreConfig struct {
	// Domain is the store base URL, e.g. "https://localhost"
	Domain string `mapstructure:"domain" toml:"domain" json:"domain" yaml:"domain"`
	// Token is the bearer token; never rendered
	Token string `mapstructure:"token" toml:"-" json:"-" yaml:"-"`
	// TimeoutSeconds bounds each HTTP request
	TimeoutSeconds int  `mapstructure:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds"`
	BlockPrivateIP bool `mapstructure:"block_private_ip" toml:"block_private_ip" json:"block_private_ip" yaml:"block_private_ip"`
	// WSPath is the websocket endpoint used for watches
	WSPath string `mapstructure:"ws_path" toml:"ws_path" json:"ws_path" yaml:"ws_path"`
	// RequestsPerSec paces HTTP requests (0 = unlimited)
	RequestsPerSec int `mapstructure:"requests_per_second" toml:"requests_per_second" json:"requests_per_second" yaml:"requests_per_second"`
}

// SigningConfig configures the document signer. Trusted lists did:key
// identifiers whose signatures verify as trusted.
type SigningConfig struct {
	KeyPath       string   `mapstructure:"key_path" toml:"key_path" json:"key_path" yaml:"key_path"`
	SignatureType string   `mapstructure:"signature_type" toml:"signature_type" json:"signature_type" yaml:"signature_type"`
	SignerName    string   `mapstructure:"signer_name" toml:"signer_name" json:"signer_name" yaml:"signer_name"`
	SignerURL     string   `mapstructure:"signer_url" toml:"signer_url" json:"signer_url" yaml:"signer_url"`
	Trusted       []string `mapstructure:"trusted" toml:"trusted" json:"trusted" yaml:"trusted"`
}

// PulseConfig configures job handling. Timeouts maps a job type to a
// duration string armed when the engine starts identifying.
type PulseConfig struct {
	Service             string            `mapstructure:"service" toml:"service" json:"service" yaml:"service"`
	Workers             int               `mapstructure:"workers" toml:"workers" json:"workers" yaml:"workers"`
	Timeouts            map[string]string `mapstructure:"timeouts" toml:"timeouts" json:"timeouts" yaml:"timeouts"`
	HealIntervalSeconds int               `mapstructure:"heal_interval_seconds" toml:"heal_interval_seconds" json:"heal_interval_seconds" yaml:"heal_interval_seconds"`
}

// IngestConfig toggles the ingestion watchers
type IngestConfig struct {
	Documents       bool `mapstructure:"documents" toml:"documents" json:"documents" yaml:"documents"`
	ASNs            bool `mapstructure:"asns" toml:"asns" json:"asns" yaml:"asns"`
	TradingPartners bool `mapstructure:"trading_partners" toml:"trading_partners" json:"trading_partners" yaml:"trading_partners"`
	ScanOnStart     bool `mapstructure:"scan_on_start" toml:"scan_on_start" json:"scan_on_start" yaml:"scan_on_start"`
}

// SharingConfig configures share-job fan out
type SharingConfig struct {
	Enabled        bool       `mapstructure:"enabled" toml:"enabled" json:"enabled" yaml:"enabled"`
	Service        string     `mapstructure:"service" toml:"service" json:"service" yaml:"service"`
	PostsPerSecond float64    `mapstructure:"posts_per_second" toml:"posts_per_second" json:"posts_per_second" yaml:"posts_per_second"`
	MaskRules      []MaskRule `mapstructure:"mask_rules" toml:"mask_rules" json:"mask_rules" yaml:"mask_rules"`
}

// MaskRule overrides the share copy for partners whose key starts with
// PartnerPrefix. An empty DocTypes matches every document type.
type MaskRule struct {
	PartnerPrefix string   `mapstructure:"partner_prefix" toml:"partner_prefix" json:"partner_prefix" yaml:"partner_prefix"`
	DocTypes      []string `mapstructure:"doc_types" toml:"doc_types" json:"doc_types" yaml:"doc_types"`
	KeysToMask    []string `mapstructure:"keys_to_mask" toml:"keys_to_mask" json:"keys_to_mask" yaml:"keys_to_mask"`
	GeneratePDF   bool     `mapstructure:"generate_pdf" toml:"generate_pdf" json:"generate_pdf" yaml:"generate_pdf"`
}

// DatabaseConfig configures the local SQLite job ledger
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" json:"path" yaml:"path"`
}

// ServerConfig configures the status server
type ServerConfig struct {
	Port int `mapstructure:"port" toml:"port" json:"port" yaml:"port"` // 0 disables the server
}

// Defaults referenced outside SetDefaults
const (
	DefaultServerPort    = 8080
	DefaultService       = "target"
	DefaultShareService  = "trellis-shares"
	DefaultSignatureType = "transcription"
	DefaultJobTimeout    = 30 * time.Minute
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// JobTimeout returns the configured timeout for a job type, falling back to
// the "default" entry and then DefaultJobTimeout. Unparseable values fall back too.
func (c *Config) JobTimeout(jobType string) time.Duration {
	for _, key := range []string{jobType, "default"} {
		raw, ok := c.Pulse.Timeouts[key]
		if !ok {
			continue
		}
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return DefaultJobTimeout
}

// HealInterval returns the queue healer period (0 disables healing)
func (c *Config) HealInterval() time.Duration {
	return time.Duration(c.Pulse.HealIntervalSeconds) * time.Second
}
