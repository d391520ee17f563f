// Package packager implements the packaging worker: an HTTP service that
// runs the encryption/packaging command for one asset at a time per output
// directory.
package packager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBind           = ":8080"
	DefaultMediaRoot      = "/work/media"
	DefaultCommand        = "/bin/sh /work/pack.sh"
	// DefaultCommandTimeout stays below the client's 120s attempt timeout
	// so a slow run is reported as a timeout instead of outliving the call.
	DefaultCommandTimeout = 110 * time.Second
	DefaultMaxConcurrent  = 2
)

// Config stores the worker's runtime settings.
type Config struct {
	Bind           string
	MediaRoot      string
	Command        []string
	CommandTimeout time.Duration
	MaxConcurrent  int
	Token          string
	LogLevel       string
	LogFormat      string
}

// LoadConfigFromEnv initialises a Config from PACKAGER_* environment
// variables. PORT is honoured when PACKAGER_BIND is unset.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Bind:           strings.TrimSpace(os.Getenv("PACKAGER_BIND")),
		MediaRoot:      strings.TrimSpace(os.Getenv("PACKAGER_MEDIA_ROOT")),
		Command:        strings.Fields(os.Getenv("PACKAGER_COMMAND")),
		CommandTimeout: DefaultCommandTimeout,
		MaxConcurrent:  DefaultMaxConcurrent,
		Token:          strings.TrimSpace(os.Getenv("PACKAGER_TOKEN")),
		LogLevel:       strings.TrimSpace(os.Getenv("PACKAGER_LOG_LEVEL")),
		LogFormat:      strings.TrimSpace(os.Getenv("PACKAGER_LOG_FORMAT")),
	}

	if cfg.Bind == "" {
		if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
			if _, err := strconv.Atoi(port); err != nil {
				return Config{}, fmt.Errorf("parse PORT: %w", err)
			}
			cfg.Bind = ":" + port
		}
	}

	if timeout := strings.TrimSpace(os.Getenv("PACKAGER_COMMAND_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse PACKAGER_COMMAND_TIMEOUT: %w", err)
		}
		cfg.CommandTimeout = parsed
	}

	if limit := strings.TrimSpace(os.Getenv("PACKAGER_MAX_CONCURRENT")); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil {
			return Config{}, fmt.Errorf("parse PACKAGER_MAX_CONCURRENT: %w", err)
		}
		cfg.MaxConcurrent = parsed
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Bind == "" {
		c.Bind = DefaultBind
	}
	if c.MediaRoot == "" {
		c.MediaRoot = DefaultMediaRoot
	}
	if len(c.Command) == 0 {
		c.Command = strings.Fields(DefaultCommand)
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.MediaRoot) == "" {
		errs = append(errs, errors.New("media root is required"))
	} else if !filepath.IsAbs(c.MediaRoot) {
		errs = append(errs, fmt.Errorf("media root %q must be absolute", c.MediaRoot))
	}
	if len(c.Command) == 0 {
		errs = append(errs, errors.New("packaging command is required"))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, errors.New("command timeout must be positive"))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("max concurrent must be positive"))
	}
	return errors.Join(errs...)
}
