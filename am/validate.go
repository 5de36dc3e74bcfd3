package am

import (
	"net/url"
	"strings"
	"time"

	"github.com/trellisfw/target-helper/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store.Domain == "" {
		return errors.New("store.domain cannot be empty")
	}
	u, err := url.Parse(normalizeDomain(c.Store.Domain))
	if err != nil || u.Host == "" {
		return errors.Newf("store.domain is not a valid URL: %q", c.Store.Domain)
	}
	if c.Store.TimeoutSeconds < 0 {
		return errors.Newf("store.timeout_seconds must be >= 0, got %d", c.Store.TimeoutSeconds)
	}
	if c.Store.RequestsPerSec < 0 {
		return errors.Newf("store.requests_per_second must be >= 0, got %d", c.Store.RequestsPerSec)
	}

	if c.Pulse.Service == "" {
		return errors.New("pulse.service cannot be empty")
	}
	// Workers: 0 would never run a job
	if c.Pulse.Workers <= 0 {
		return errors.Newf("pulse.workers must be > 0, got %d", c.Pulse.Workers)
	}
	for jobType, raw := range c.Pulse.Timeouts {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errors.Wrapf(err, "pulse.timeouts.%s", jobType)
		}
		if d <= 0 {
			return errors.Newf("pulse.timeouts.%s must be positive, got %s", jobType, raw)
		}
	}
	if c.Pulse.HealIntervalSeconds < 0 {
		return errors.Newf("pulse.heal_interval_seconds must be >= 0, got %d", c.Pulse.HealIntervalSeconds)
	}

	if c.Signing.SignatureType == "" {
		return errors.New("signing.signature_type cannot be empty")
	}

	if c.Sharing.Enabled && c.Sharing.Service == "" {
		return errors.New("sharing.service cannot be empty when sharing is enabled")
	}
	if c.Sharing.PostsPerSecond < 0 {
		return errors.Newf("sharing.posts_per_second must be >= 0, got %f", c.Sharing.PostsPerSecond)
	}
	for i, rule := range c.Sharing.MaskRules {
		if rule.PartnerPrefix == "" {
			return errors.Newf("sharing.mask_rules[%d].partner_prefix cannot be empty", i)
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 0..65535, got %d", c.Server.Port)
	}

	return nil
}

// StoreURL returns the store domain with a scheme
func (c *Config) StoreURL() string {
	return normalizeDomain(c.Store.Domain)
}

func normalizeDomain(domain string) string {
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return strings.TrimRight(domain, "/")
	}
	return "https://" + strings.TrimRight(domain, "/")
}
