package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"securevod/internal/config"
)

type commandContext struct {
	configFlag  string
	envFileFlag string
	jsonFlag    bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "securevod",
		Short:         "Encrypted video-on-demand pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configFlag, "config", "c", "", "configuration file (default ./"+config.DefaultConfigFile+" when present)")
	flags.StringVar(&ctx.envFileFlag, "env-file", ".env", "dotenv file loaded before reading SECUREVOD_* variables")
	flags.BoolVar(&ctx.jsonFlag, "json", false, "print machine-readable JSON")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (auto, json, text)")
	flags.String("storage-driver", "", "asset store driver (json, sqlite, postgres)")
	flags.String("storage-path", "", "JSON or SQLite store path")
	flags.String("postgres-dsn", "", "Postgres connection string")
	flags.String("queue-driver", "", "job queue driver (memory, redis)")
	flags.String("redis-addr", "", "Redis address for the job queue and asset locks")
	flags.String("packager-url", "", "packaging worker base URL")
	flags.String("packager-token", "", "bearer token for the packaging worker")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newAssetsCommand(ctx))
	rootCmd.AddCommand(newOutboxCommand(ctx))
	rootCmd.AddCommand(newLicenseCommand(ctx))
	rootCmd.AddCommand(newPackagerCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	return rootCmd
}

// ensureConfig loads the layered configuration once, applies any flags set
// on cmd and validates the result.
func (c *commandContext) ensureConfig(cmd *cobra.Command) (*config.Config, error) {
	c.configOnce.Do(func() {
		if err := config.LoadDotEnv(c.envFileFlag); err != nil {
			c.configErr = err
			return
		}
		cfg, err := config.Load(c.configFlag)
		if err != nil {
			c.configErr = err
			return
		}
		if err := applyFlags(cmd.Flags(), cfg); err != nil {
			c.configErr = err
			return
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = fmt.Errorf("invalid configuration: %w", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	stringFlags := map[string]*string{
		"log-level":      &cfg.Logging.Level,
		"log-format":     &cfg.Logging.Format,
		"storage-driver": &cfg.Storage.Driver,
		"storage-path":   &cfg.Storage.Path,
		"postgres-dsn":   &cfg.Storage.DSN,
		"queue-driver":   &cfg.Queue.Driver,
		"redis-addr":     &cfg.Queue.Addr,
		"packager-url":   &cfg.Packager.URL,
		"packager-token": &cfg.Packager.Token,
		"addr":           &cfg.Server.Addr,
		"media-url":      &cfg.Server.MediaURL,
	}
	for name, dest := range stringFlags {
		if !changed(flags, name) {
			continue
		}
		value, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dest = value
	}

	ints := map[string]*int{
		"workers":      &cfg.Pipeline.Workers,
		"max-attempts": &cfg.Packager.MaxAttempts,
	}
	for name, dest := range ints {
		if !changed(flags, name) {
			continue
		}
		value, err := flags.GetInt(name)
		if err != nil {
			return err
		}
		*dest = value
	}

	durations := map[string]*time.Duration{
		"lock-ttl":          &cfg.Pipeline.LockTTL.Duration,
		"dispatch-interval": &cfg.Pipeline.DispatchInterval.Duration,
	}
	for name, dest := range durations {
		if !changed(flags, name) {
			continue
		}
		value, err := flags.GetDuration(name)
		if err != nil {
			return err
		}
		*dest = value
	}
	return nil
}

func changed(flags *pflag.FlagSet, name string) bool {
	flag := flags.Lookup(name)
	return flag != nil && flag.Changed
}
