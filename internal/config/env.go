package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays SECUREVOD_* variables onto c. Empty values are ignored.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	env := envReader{lookup: lookup}

	env.str("SECUREVOD_STORAGE_DRIVER", &c.Storage.Driver)
	env.str("SECUREVOD_STORAGE_PATH", &c.Storage.Path)
	env.str("SECUREVOD_POSTGRES_DSN", &c.Storage.DSN)
	env.integer("SECUREVOD_POSTGRES_MAX_CONNS", &c.Storage.MaxConns)
	env.integer("SECUREVOD_POSTGRES_MIN_CONNS", &c.Storage.MinConns)

	env.str("SECUREVOD_QUEUE_DRIVER", &c.Queue.Driver)
	env.str("SECUREVOD_REDIS_ADDR", &c.Queue.Addr)
	env.list("SECUREVOD_REDIS_ADDRS", &c.Queue.Addrs)
	env.str("SECUREVOD_REDIS_USERNAME", &c.Queue.Username)
	env.str("SECUREVOD_REDIS_PASSWORD", &c.Queue.Password)
	env.integer("SECUREVOD_REDIS_DB", &c.Queue.DB)
	env.str("SECUREVOD_REDIS_STREAM", &c.Queue.Stream)
	env.str("SECUREVOD_REDIS_GROUP", &c.Queue.Group)
	env.str("SECUREVOD_REDIS_MASTER_NAME", &c.Queue.MasterName)
	env.integer("SECUREVOD_REDIS_POOL_SIZE", &c.Queue.PoolSize)
	env.str("SECUREVOD_REDIS_TLS_CA", &c.Queue.TLS.CAFile)
	env.str("SECUREVOD_REDIS_TLS_CERT", &c.Queue.TLS.CertFile)
	env.str("SECUREVOD_REDIS_TLS_KEY", &c.Queue.TLS.KeyFile)
	env.str("SECUREVOD_REDIS_TLS_SERVER_NAME", &c.Queue.TLS.ServerName)
	env.boolean("SECUREVOD_REDIS_TLS_SKIP_VERIFY", &c.Queue.TLS.InsecureSkipVerify)

	env.str("SECUREVOD_PACKAGER_URL", &c.Packager.URL)
	env.str("SECUREVOD_PACKAGER_TOKEN", &c.Packager.Token)
	env.duration("SECUREVOD_PACKAGER_ATTEMPT_TIMEOUT", &c.Packager.AttemptTimeout)
	env.integer("SECUREVOD_PACKAGER_MAX_ATTEMPTS", &c.Packager.MaxAttempts)
	env.duration("SECUREVOD_PACKAGER_BACKOFF_STEP", &c.Packager.BackoffStep)
	env.duration("SECUREVOD_PACKAGER_BACKOFF_CAP", &c.Packager.BackoffCap)

	env.integer("SECUREVOD_WORKERS", &c.Pipeline.Workers)
	env.duration("SECUREVOD_LOCK_TTL", &c.Pipeline.LockTTL)
	env.duration("SECUREVOD_DISPATCH_INTERVAL", &c.Pipeline.DispatchInterval)
	env.duration("SECUREVOD_DISPATCH_GRACE", &c.Pipeline.DispatchGrace)
	env.duration("SECUREVOD_STALE_AFTER", &c.Pipeline.StaleAfter)

	env.str("SECUREVOD_ADDR", &c.Server.Addr)
	env.str("SECUREVOD_MEDIA_URL", &c.Server.MediaURL)
	env.list("SECUREVOD_PLAYER_ORIGINS", &c.Server.PlayerOrigins)
	env.str("SECUREVOD_TLS_CERT", &c.Server.TLSCert)
	env.str("SECUREVOD_TLS_KEY", &c.Server.TLSKey)
	env.integer("SECUREVOD_LICENSE_RATE_LIMIT", &c.Server.LicenseRateLimit)
	env.duration("SECUREVOD_LICENSE_RATE_WINDOW", &c.Server.LicenseRateWindow)

	env.str("SECUREVOD_LOG_LEVEL", &c.Logging.Level)
	env.str("SECUREVOD_LOG_FORMAT", &c.Logging.Format)

	return env.err
}

// envReader records the first parse error so call sites stay flat.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) value(key string) (string, bool) {
	if e.lookup == nil {
		return "", false
	}
	raw, ok := e.lookup(key)
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("parse %s: %w", key, err)
	}
}

func (e *envReader) str(key string, dest *string) {
	if raw, ok := e.value(key); ok {
		*dest = raw
	}
}

func (e *envReader) list(key string, dest *[]string) {
	if raw, ok := e.value(key); ok {
		*dest = splitAndTrim(raw)
	}
}

func (e *envReader) integer(key string, dest *int) {
	raw, ok := e.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dest = parsed
}

func (e *envReader) boolean(key string, dest *bool) {
	raw, ok := e.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dest = parsed
}

func (e *envReader) duration(key string, dest *Duration) {
	raw, ok := e.value(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(key, err)
		return
	}
	dest.Duration = parsed
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
