package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

const (
	DriverJSON     = "json"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	QueueMemory = "memory"
	QueueRedis  = "redis"

	// DefaultConfigFile is read from the working directory when no path is
	// given and the file exists.
	DefaultConfigFile = "securevod.toml"
)

// Storage selects and configures the asset store.
type Storage struct {
	Driver   string `toml:"driver"`
	Path     string `toml:"path"`
	DSN      string `toml:"dsn"`
	MaxConns int    `toml:"max_conns"`
	MinConns int    `toml:"min_conns"`
}

// RedisTLS configures TLS for the Redis connection.
type RedisTLS struct {
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Queue selects the job transport. The memory queue only works when
// producers and workers share a process.
type Queue struct {
	Driver     string   `toml:"driver"`
	Addr       string   `toml:"addr"`
	Addrs      []string `toml:"addrs"`
	Username   string   `toml:"username"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	Stream     string   `toml:"stream"`
	Group      string   `toml:"group"`
	MasterName string   `toml:"master_name"`
	PoolSize   int      `toml:"pool_size"`
	TLS        RedisTLS `toml:"tls"`
}

// Packager points at the packaging worker.
type Packager struct {
	URL            string   `toml:"url"`
	Token          string   `toml:"token"`
	AttemptTimeout Duration `toml:"attempt_timeout"`
	MaxAttempts    int      `toml:"max_attempts"`
	BackoffStep    Duration `toml:"backoff_step"`
	BackoffCap     Duration `toml:"backoff_cap"`
}

// Pipeline tunes workers, locking and the outbox dispatcher.
type Pipeline struct {
	Workers          int      `toml:"workers"`
	LockTTL          Duration `toml:"lock_ttl"`
	DispatchInterval Duration `toml:"dispatch_interval"`
	DispatchGrace    Duration `toml:"dispatch_grace"`
	StaleAfter       Duration `toml:"stale_after"`
}

// Server configures the consumer-facing HTTP server.
type Server struct {
	Addr              string   `toml:"addr"`
	MediaURL          string   `toml:"media_url"`
	PlayerOrigins     []string `toml:"player_origins"`
	TLSCert           string   `toml:"tls_cert"`
	TLSKey            string   `toml:"tls_key"`
	LicenseRateLimit  int      `toml:"license_rate_limit"`
	LicenseRateWindow Duration `toml:"license_rate_window"`
}

// Logging controls log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the orchestrator configuration.
type Config struct {
	Storage  Storage  `toml:"storage"`
	Queue    Queue    `toml:"queue"`
	Packager Packager `toml:"packager"`
	Pipeline Pipeline `toml:"pipeline"`
	Server   Server   `toml:"server"`
	Logging  Logging  `toml:"logging"`
}

// SampleConfig returns a commented configuration file with every default.
func SampleConfig() string {
	return sampleConfig
}

// Load returns defaults overlaid with the TOML file at path and the
// environment. An explicit path must exist; with an empty path
// DefaultConfigFile is used when present. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalize()
	return &cfg, nil
}

// LoadDotEnv seeds the process environment from the given files without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}
