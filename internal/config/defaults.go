package config

import (
	"time"

	"securevod/internal/orchestrator"
	"securevod/internal/packaging"
	"securevod/internal/queue"
)

const (
	DefaultStoragePath   = "data/securevod.json"
	DefaultAddr          = ":8000"
	DefaultMediaURL      = "/media/"
	DefaultWorkers       = 2
	DefaultDispatchGrace = 30 * time.Second
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "auto"

	DefaultLicenseRateLimit  = 60
	DefaultLicenseRateWindow = time.Minute
)

// Default returns the built-in configuration: a JSON store, the in-process
// queue and a packager on localhost.
func Default() Config {
	return Config{
		Storage: Storage{
			Driver: DriverJSON,
			Path:   DefaultStoragePath,
		},
		Queue: Queue{
			Driver: QueueMemory,
			Stream: queue.DefaultRedisStream,
			Group:  queue.DefaultRedisGroup,
		},
		Packager: Packager{
			URL:            packaging.DefaultBaseURL,
			AttemptTimeout: Duration{packaging.DefaultAttemptTimeout},
			MaxAttempts:    packaging.DefaultMaxAttempts,
			BackoffStep:    Duration{packaging.DefaultBackoffStep},
			BackoffCap:     Duration{packaging.DefaultBackoffCap},
		},
		Pipeline: Pipeline{
			Workers:          DefaultWorkers,
			LockTTL:          Duration{orchestrator.DefaultLockTTL},
			DispatchInterval: Duration{orchestrator.DefaultDispatchInterval},
			DispatchGrace:    Duration{DefaultDispatchGrace},
		},
		Server: Server{
			Addr:              DefaultAddr,
			MediaURL:          DefaultMediaURL,
			LicenseRateLimit:  DefaultLicenseRateLimit,
			LicenseRateWindow: Duration{DefaultLicenseRateWindow},
		},
		Logging: Logging{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// RetryPolicy returns the packaging retry policy.
func (c *Config) RetryPolicy() packaging.RetryPolicy {
	return packaging.RetryPolicy{
		MaxAttempts:    c.Packager.MaxAttempts,
		BackoffStep:    c.Packager.BackoffStep.Duration,
		BackoffCap:     c.Packager.BackoffCap.Duration,
		AttemptTimeout: c.Packager.AttemptTimeout.Duration,
	}.Normalize()
}
