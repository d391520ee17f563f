package storage

import (
	"log/slog"
	"strings"
	"time"
)

type Option interface {
	applyJSON(*JSONRepository)
	applySQLite(*SQLiteConfig)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	json   func(*JSONRepository)
	sqlite func(*SQLiteConfig)
	pg     func(*PostgresConfig)
}

func (o optionAdapter) applyJSON(repo *JSONRepository) {
	if o.json != nil && repo != nil {
		o.json(repo)
	}
}

func (o optionAdapter) applySQLite(cfg *SQLiteConfig) {
	if o.sqlite != nil && cfg != nil {
		o.sqlite(cfg)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(json func(*JSONRepository), sqlite func(*SQLiteConfig), pg func(*PostgresConfig)) Option {
	return optionAdapter{json: json, sqlite: sqlite, pg: pg}
}

func sqliteOnlyOption(sqlite func(*SQLiteConfig)) Option {
	return optionAdapter{sqlite: sqlite}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithClock overrides the time source used for createdAt/updatedAt.
func WithClock(clock func() time.Time) Option {
	if clock == nil {
		return optionAdapter{}
	}
	return composeOption(
		func(r *JSONRepository) { r.clock = clock },
		func(cfg *SQLiteConfig) { cfg.Clock = clock },
		func(cfg *PostgresConfig) { cfg.Clock = clock },
	)
}

// WithLogger sets the logger used for storage diagnostics.
func WithLogger(logger *slog.Logger) Option {
	if logger == nil {
		return optionAdapter{}
	}
	return composeOption(
		func(r *JSONRepository) { r.logger = logger },
		func(cfg *SQLiteConfig) { cfg.Logger = logger },
		func(cfg *PostgresConfig) { cfg.Logger = logger },
	)
}

// WithPostgresPoolLimits bounds the pgx connection pool.
func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds how long connecting may take.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

// WithApplicationName sets the Postgres application_name runtime parameter.
func WithApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}

// WithSQLiteBusyTimeout sets how long SQLite waits on a locked database.
func WithSQLiteBusyTimeout(timeout time.Duration) Option {
	return sqliteOnlyOption(func(cfg *SQLiteConfig) {
		if timeout > 0 {
			cfg.BusyTimeout = timeout
		}
	})
}
