package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"securevod/internal/models"
)

// SQLiteConfig controls the single-node SQLite backend.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	Clock       func() time.Time
	Logger      *slog.Logger
}

func newSQLiteConfig(path string, opts ...Option) SQLiteConfig {
	cfg := SQLiteConfig{
		Path:        path,
		BusyTimeout: 5 * time.Second,
		Clock:       func() time.Time { return time.Now().UTC() },
		Logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applySQLite(&cfg)
		}
	}
	return cfg
}

type sqliteRepository struct {
	db    *sql.DB
	cfg   SQLiteConfig
	clock func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS assets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    file_ref TEXT NOT NULL,
    status TEXT NOT NULL,
    key_id TEXT,
    content_key TEXT,
    encrypted_path TEXT,
    compression_enabled INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_status ON assets(status);
CREATE TABLE IF NOT EXISTS asset_outbox (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset_id INTEGER NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
    reason TEXT NOT NULL,
    created_at TEXT NOT NULL,
    dispatched_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_asset_outbox_pending ON asset_outbox(dispatched_at, id);
`

const sqliteAssetColumns = `id, title, file_ref, status, key_id, content_key, encrypted_path, compression_enabled, created_at, updated_at`

// NewSQLiteRepository opens (creating when needed) a SQLite database at path
// and applies the schema.
func NewSQLiteRepository(path string, opts ...Option) (Repository, error) {
	cfg := newSQLiteConfig(path, opts...)
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &sqliteRepository{db: db, cfg: cfg, clock: cfg.Clock}, nil
}

func (r *sqliteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *sqliteRepository) Close(context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *sqliteRepository) CreateAsset(ctx context.Context, params CreateAssetParams) (models.Asset, error) {
	params, err := normalizeCreateParams(params)
	if err != nil {
		return models.Asset{}, err
	}
	now := r.clock()
	var created models.Asset
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO assets (title, file_ref, status, compression_enabled, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?)`,
			params.Title, params.FileRef, string(params.Status), boolToInt(params.CompressionEnabled),
			formatTime(now), formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("insert asset: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		created = newAsset(id, params, now)
		if created.Status == models.StatusProcessing {
			return r.insertOutbox(ctx, tx, id, OutboxReasonCreated, now)
		}
		return nil
	})
	return created, err
}

func (r *sqliteRepository) CommitUpload(ctx context.Context, id int64) (models.Asset, error) {
	return r.transitionWithOutbox(ctx, id, models.StatusUploading, OutboxReasonCommitted)
}

func (r *sqliteRepository) Reprocess(ctx context.Context, id int64) (models.Asset, error) {
	return r.transitionWithOutbox(ctx, id, models.StatusFailed, OutboxReasonReprocess)
}

func (r *sqliteRepository) transitionWithOutbox(ctx context.Context, id int64, from models.Status, reason string) (models.Asset, error) {
	var updated models.Asset
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := r.getAsset(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != from {
			return fmt.Errorf("%w: asset %d is %s, expected %s", models.ErrInvalidTransition, id, current.Status, from)
		}
		now := r.clock()
		next, err := applyTransition(current, Transition{To: models.StatusProcessing}, now)
		if err != nil {
			return err
		}
		if err := r.writeStatus(ctx, tx, current, next); err != nil {
			return err
		}
		updated = next
		return r.insertOutbox(ctx, tx, id, reason, now)
	})
	return updated, err
}

func (r *sqliteRepository) GetAsset(ctx context.Context, id int64) (models.Asset, error) {
	return r.getAsset(ctx, r.db, id)
}

func (r *sqliteRepository) ListAssets(ctx context.Context, filter AssetFilter) ([]models.Asset, error) {
	query := `SELECT ` + sqliteAssetColumns + ` FROM assets WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.UpdatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, formatTime(filter.UpdatedBefore.UTC()))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		asset, err := scanSQLiteAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func (r *sqliteRepository) UpdateKeys(ctx context.Context, id int64, update KeyUpdate) (models.Asset, error) {
	var updated models.Asset
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := r.getAsset(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := applyKeyUpdate(current, update, r.clock())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE assets SET key_id = ?, content_key = ?, updated_at = ? WHERE id = ?`,
			nullableString(next.KeyID), nullableString(next.ContentKey), formatTime(next.UpdatedAt), id,
		); err != nil {
			return fmt.Errorf("update keys: %w", err)
		}
		updated = next
		return nil
	})
	return updated, err
}

func (r *sqliteRepository) TransitionAsset(ctx context.Context, id int64, transition Transition) (models.Asset, error) {
	var updated models.Asset
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		current, err := r.getAsset(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := applyTransition(current, transition, r.clock())
		if err != nil {
			return err
		}
		if err := r.writeStatus(ctx, tx, current, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	return updated, err
}

func (r *sqliteRepository) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, asset_id, reason, created_at FROM asset_outbox
         WHERE dispatched_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var entry OutboxEntry
		var created string
		if err := rows.Scan(&entry.ID, &entry.AssetID, &entry.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		entry.CreatedAt = parseTime(created)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *sqliteRepository) MarkOutboxDispatched(ctx context.Context, assetID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE asset_outbox SET dispatched_at = ? WHERE asset_id = ? AND dispatched_at IS NULL`,
		formatTime(r.clock()), assetID)
	if err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	return nil
}

func (r *sqliteRepository) insertOutbox(ctx context.Context, tx *sql.Tx, assetID int64, reason string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO asset_outbox (asset_id, reason, created_at) VALUES (?, ?, ?)`,
		assetID, reason, formatTime(now),
	); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// writeStatus performs a compare-and-set on the previous status.
func (r *sqliteRepository) writeStatus(ctx context.Context, tx *sql.Tx, current, next models.Asset) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE assets SET status = ?, encrypted_path = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next.Status), nullableString(next.EncryptedPath), formatTime(next.UpdatedAt), next.ID, string(current.Status),
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *sqliteRepository) getAsset(ctx context.Context, q sqliteQuerier, id int64) (models.Asset, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteAssetColumns+` FROM assets WHERE id = ?`, id)
	asset, err := scanSQLiteAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Asset{}, ErrNotFound
	}
	return asset, err
}

func (r *sqliteRepository) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAsset(row rowScanner) (models.Asset, error) {
	var (
		asset                        models.Asset
		status                       string
		keyID, contentKey, encrypted sql.NullString
		compression                  int
		createdAt, updatedAt         string
	)
	if err := row.Scan(&asset.ID, &asset.Title, &asset.FileRef, &status, &keyID, &contentKey, &encrypted, &compression, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Asset{}, err
		}
		return models.Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	asset.Status = models.Status(status)
	asset.KeyID = keyID.String
	asset.ContentKey = contentKey.String
	asset.EncryptedPath = encrypted.String
	asset.CompressionEnabled = compression != 0
	asset.CreatedAt = parseTime(createdAt)
	asset.UpdatedAt = parseTime(updatedAt)
	return asset, nil
}

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
