package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Store defaults
	v.SetDefault("store.domain", "https://localhost")
	v.SetDefault("store.timeout_seconds", 30)
	v.SetDefault("store.block_private_ip", false) // store usually lives on the private network
	v.SetDefault("store.ws_path", "/")
	v.SetDefault("store.requests_per_second", 0)

	// Signing defaults
	v.SetDefault("signing.signature_type", DefaultSignatureType)
	v.SetDefault("signing.signer_name", "Test signer")
	v.SetDefault("signing.signer_url", "https://oatsy.trellis.one")

	// Pulse (job handling) defaults
	v.SetDefault("pulse.service", DefaultService)
	v.SetDefault("pulse.workers", 10)
	v.SetDefault("pulse.timeouts", map[string]string{
		"transcription": "1h", // OCR of large scans is slow
		"asn":           "5m",
		"default":       "30m",
	})
	v.SetDefault("pulse.heal_interval_seconds", 300)

	// Ingestion defaults
	v.SetDefault("ingest.documents", true)
	v.SetDefault("ingest.asns", true)
	v.SetDefault("ingest.trading_partners", true)
	v.SetDefault("ingest.scan_on_start", true)

	// Sharing defaults
	v.SetDefault("sharing.enabled", true)
	v.SetDefault("sharing.service", DefaultShareService)
	v.SetDefault("sharing.posts_per_second", 5.0)
	v.SetDefault("sharing.mask_rules", []map[string]interface{}{
		{
			"partner_prefix": "demo-",
			"doc_types":      []string{"fsqa-audits"},
			"keys_to_mask":   []string{"location"},
			"generate_pdf":   true,
		},
	})

	// Local job ledger
	v.SetDefault("database.path", "target-helper.db")

	// Status server
	v.SetDefault("server.port", DefaultServerPort)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// Store credentials
	v.BindEnv("store.domain", "TRELLIS_STORE_DOMAIN", "DOMAIN")
	v.BindEnv("store.token", "TRELLIS_STORE_TOKEN", "TOKEN")

	// Signing key
	v.BindEnv("signing.key_path", "TRELLIS_SIGNING_KEY_PATH")

	// Database path
	v.BindEnv("database.path", "TRELLIS_DATABASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "target-helper.db" // Fallback default
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Store: %s, Service: %s, Workers: %d, Database: %s}",
		c.Store.Domain, c.Pulse.Service, c.Pulse.Workers, c.Database.Path)
}
