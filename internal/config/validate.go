package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

func (c *Config) normalize() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	c.Packager.URL = strings.TrimRight(strings.TrimSpace(c.Packager.URL), "/")
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Queue.Addrs = splitAndTrim(strings.Join(c.Queue.Addrs, ","))
	c.Server.PlayerOrigins = splitAndTrim(strings.Join(c.Server.PlayerOrigins, ","))
}

// Validate ensures the configuration is usable. It runs after every layer,
// flags included, so an unset stale sweep follows the final lock lease.
func (c *Config) Validate() error {
	c.normalize()
	if c.Pipeline.StaleAfter.Duration == 0 {
		c.Pipeline.StaleAfter = c.Pipeline.LockTTL
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validatePackager(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	return c.validateServer()
}

func (c *Config) validateStorage() error {
	switch c.Storage.Driver {
	case DriverJSON, DriverSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path must be set for the %s driver", c.Storage.Driver)
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.dsn must be set for the postgres driver")
		}
		if c.Storage.MaxConns < 0 || c.Storage.MinConns < 0 {
			return errors.New("storage connection limits must not be negative")
		}
		if c.Storage.MaxConns > 0 && c.Storage.MinConns > c.Storage.MaxConns {
			return errors.New("storage.min_conns must not exceed storage.max_conns")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q (json, sqlite or postgres)", c.Storage.Driver)
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Driver {
	case QueueMemory:
		return nil
	case QueueRedis:
		if strings.TrimSpace(c.Queue.Addr) == "" && len(c.Queue.Addrs) == 0 {
			return errors.New("queue.addr or queue.addrs must be set for the redis queue")
		}
		if strings.TrimSpace(c.Queue.Stream) == "" || strings.TrimSpace(c.Queue.Group) == "" {
			return errors.New("queue.stream and queue.group must be set for the redis queue")
		}
		if (c.Queue.TLS.CertFile == "") != (c.Queue.TLS.KeyFile == "") {
			return errors.New("queue.tls.cert_file and queue.tls.key_file must be set together")
		}
		return nil
	default:
		return fmt.Errorf("unsupported queue driver %q (memory or redis)", c.Queue.Driver)
	}
}

func (c *Config) validatePackager() error {
	parsed, err := url.Parse(c.Packager.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("packager.url %q must be an http(s) URL", c.Packager.URL)
	}
	if c.Packager.MaxAttempts <= 0 {
		return errors.New("packager.max_attempts must be positive")
	}
	if c.Packager.AttemptTimeout.Duration <= 0 {
		return errors.New("packager.attempt_timeout must be positive")
	}
	if c.Packager.BackoffStep.Duration < 0 || c.Packager.BackoffCap.Duration < 0 {
		return errors.New("packager backoff durations must not be negative")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.Workers <= 0 {
		return errors.New("pipeline.workers must be positive")
	}
	if c.Pipeline.LockTTL.Duration <= 0 {
		return errors.New("pipeline.lock_ttl must be positive")
	}
	if c.Pipeline.DispatchInterval.Duration <= 0 {
		return errors.New("pipeline.dispatch_interval must be positive")
	}
	if c.Pipeline.DispatchGrace.Duration < 0 || c.Pipeline.StaleAfter.Duration < 0 {
		return errors.New("pipeline durations must not be negative")
	}
	if c.Pipeline.StaleAfter.Duration < c.Pipeline.LockTTL.Duration {
		return errors.New("pipeline.stale_after must be at least pipeline.lock_ttl")
	}
	// The lease must outlive one attempt plus the longest backoff so a
	// missed refresh cannot hand the asset to a second worker.
	if floor := c.Packager.AttemptTimeout.Duration + c.Packager.BackoffCap.Duration; c.Pipeline.LockTTL.Duration <= floor {
		return fmt.Errorf("pipeline.lock_ttl must exceed packager.attempt_timeout + packager.backoff_cap (%s)", floor)
	}
	return nil
}

func (c *Config) validateServer() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.LicenseRateLimit < 0 {
		return errors.New("server.license_rate_limit must not be negative")
	}
	if c.Server.LicenseRateLimit > 0 && c.Server.LicenseRateWindow.Duration <= 0 {
		return errors.New("server.license_rate_window must be positive when license_rate_limit is set")
	}
	switch c.Logging.Format {
	case "", "auto", "json", "text":
	default:
		return fmt.Errorf("unsupported logging.format %q (auto, json or text)", c.Logging.Format)
	}
	return nil
}
