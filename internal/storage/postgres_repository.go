package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"securevod/internal/models"
)

// ErrPostgresUnavailable is returned when the Postgres repository cannot be
// reached or has not been configured.
var ErrPostgresUnavailable = errors.New("postgres repository unavailable")

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
	Logger              *slog.Logger
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		ApplicationName: "securevod",
		AcquireTimeout:  5 * time.Second,
		Clock:           func() time.Time { return time.Now().UTC() },
		Logger:          slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	return cfg
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS assets (
    id BIGSERIAL PRIMARY KEY,
    title TEXT NOT NULL,
    file_ref TEXT NOT NULL,
    status TEXT NOT NULL,
    key_id CHAR(32),
    content_key CHAR(32),
    encrypted_path TEXT,
    compression_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    CONSTRAINT assets_ready_has_path CHECK ((status = 'READY') = (encrypted_path IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_assets_status ON assets(status);
CREATE TABLE IF NOT EXISTS asset_outbox (
    id BIGSERIAL PRIMARY KEY,
    asset_id BIGINT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
    reason TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    dispatched_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_asset_outbox_pending ON asset_outbox(id) WHERE dispatched_at IS NULL;
`

const postgresAssetColumns = `id, title, file_ref, status, key_id, content_key, encrypted_path, compression_enabled, created_at, updated_at`

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema idempotently.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrPostgresUnavailable, err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) CreateAsset(ctx context.Context, params CreateAssetParams) (models.Asset, error) {
	params, err := normalizeCreateParams(params)
	if err != nil {
		return models.Asset{}, err
	}
	var created models.Asset
	err = r.withTx(ctx, func(tx pgx.Tx) error {
		now := r.cfg.Clock()
		var id int64
		if err := tx.QueryRow(ctx,
			`INSERT INTO assets (title, file_ref, status, compression_enabled, created_at, updated_at)
             VALUES ($1, $2, $3, $4, $5, $5) RETURNING id`,
			params.Title, params.FileRef, string(params.Status), params.CompressionEnabled, now,
		).Scan(&id); err != nil {
			return fmt.Errorf("insert asset: %w", err)
		}
		created = newAsset(id, params, now)
		if created.Status == models.StatusProcessing {
			return insertPostgresOutbox(ctx, tx, id, OutboxReasonCreated, now)
		}
		return nil
	})
	return created, err
}

func (r *postgresRepository) CommitUpload(ctx context.Context, id int64) (models.Asset, error) {
	return r.transitionWithOutbox(ctx, id, models.StatusUploading, OutboxReasonCommitted)
}

func (r *postgresRepository) Reprocess(ctx context.Context, id int64) (models.Asset, error) {
	return r.transitionWithOutbox(ctx, id, models.StatusFailed, OutboxReasonReprocess)
}

func (r *postgresRepository) transitionWithOutbox(ctx context.Context, id int64, from models.Status, reason string) (models.Asset, error) {
	var updated models.Asset
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		current, err := getPostgresAsset(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if current.Status != from {
			return fmt.Errorf("%w: asset %d is %s, expected %s", models.ErrInvalidTransition, id, current.Status, from)
		}
		now := r.cfg.Clock()
		next, err := applyTransition(current, Transition{To: models.StatusProcessing}, now)
		if err != nil {
			return err
		}
		if err := writePostgresStatus(ctx, tx, current, next); err != nil {
			return err
		}
		updated = next
		return insertPostgresOutbox(ctx, tx, id, reason, now)
	})
	return updated, err
}

func (r *postgresRepository) GetAsset(ctx context.Context, id int64) (models.Asset, error) {
	var asset models.Asset
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		found, err := getPostgresAsset(ctx, conn, id, false)
		if err != nil {
			return err
		}
		asset = found
		return nil
	})
	return asset, err
}

func (r *postgresRepository) ListAssets(ctx context.Context, filter AssetFilter) ([]models.Asset, error) {
	query := `SELECT ` + postgresAssetColumns + ` FROM assets WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		query += fmt.Sprintf(` AND updated_at < $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var assets []models.Asset
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list assets: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			asset, err := scanPostgresAsset(rows)
			if err != nil {
				return err
			}
			assets = append(assets, asset)
		}
		return rows.Err()
	})
	return assets, err
}

func (r *postgresRepository) UpdateKeys(ctx context.Context, id int64, update KeyUpdate) (models.Asset, error) {
	var updated models.Asset
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		current, err := getPostgresAsset(ctx, tx, id, true)
		if err != nil {
			return err
		}
		next, err := applyKeyUpdate(current, update, r.cfg.Clock())
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE assets SET key_id = $1, content_key = $2, updated_at = $3 WHERE id = $4`,
			nullableString(next.KeyID), nullableString(next.ContentKey), next.UpdatedAt, id,
		); err != nil {
			return fmt.Errorf("update keys: %w", err)
		}
		updated = next
		return nil
	})
	return updated, err
}

func (r *postgresRepository) TransitionAsset(ctx context.Context, id int64, transition Transition) (models.Asset, error) {
	var updated models.Asset
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		current, err := getPostgresAsset(ctx, tx, id, true)
		if err != nil {
			return err
		}
		next, err := applyTransition(current, transition, r.cfg.Clock())
		if err != nil {
			return err
		}
		if err := writePostgresStatus(ctx, tx, current, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	return updated, err
}

func (r *postgresRepository) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []OutboxEntry
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT id, asset_id, reason, created_at FROM asset_outbox
             WHERE dispatched_at IS NULL ORDER BY id LIMIT $1`, limit)
		if err != nil {
			return fmt.Errorf("list outbox: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var entry OutboxEntry
			if err := rows.Scan(&entry.ID, &entry.AssetID, &entry.Reason, &entry.CreatedAt); err != nil {
				return fmt.Errorf("scan outbox: %w", err)
			}
			entry.CreatedAt = entry.CreatedAt.UTC()
			entries = append(entries, entry)
		}
		return rows.Err()
	})
	return entries, err
}

func (r *postgresRepository) MarkOutboxDispatched(ctx context.Context, assetID int64) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx,
			`UPDATE asset_outbox SET dispatched_at = $1 WHERE asset_id = $2 AND dispatched_at IS NULL`,
			r.cfg.Clock(), assetID,
		); err != nil {
			return fmt.Errorf("mark outbox dispatched: %w", err)
		}
		return nil
	})
}

func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *postgresRepository) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func getPostgresAsset(ctx context.Context, q pgQuerier, id int64, forUpdate bool) (models.Asset, error) {
	query := `SELECT ` + postgresAssetColumns + ` FROM assets WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	asset, err := scanPostgresAsset(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Asset{}, ErrNotFound
	}
	return asset, err
}

func writePostgresStatus(ctx context.Context, tx pgExecer, current, next models.Asset) error {
	tag, err := tx.Exec(ctx,
		`UPDATE assets SET status = $1, encrypted_path = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(next.Status), nullableString(next.EncryptedPath), next.UpdatedAt, next.ID, string(current.Status),
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func insertPostgresOutbox(ctx context.Context, tx pgExecer, assetID int64, reason string, now time.Time) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO asset_outbox (asset_id, reason, created_at) VALUES ($1, $2, $3)`,
		assetID, reason, now,
	); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func scanPostgresAsset(row pgx.Row) (models.Asset, error) {
	var (
		asset                        models.Asset
		status                       string
		keyID, contentKey, encrypted *string
	)
	if err := row.Scan(&asset.ID, &asset.Title, &asset.FileRef, &status, &keyID, &contentKey, &encrypted,
		&asset.CompressionEnabled, &asset.CreatedAt, &asset.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Asset{}, err
		}
		return models.Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	asset.Status = models.Status(status)
	asset.KeyID = derefString(keyID)
	asset.ContentKey = derefString(contentKey)
	asset.EncryptedPath = derefString(encrypted)
	asset.CreatedAt = asset.CreatedAt.UTC()
	asset.UpdatedAt = asset.UpdatedAt.UTC()
	return asset, nil
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
