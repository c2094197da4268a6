package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datallboy/presetdl/internal/app"
	"github.com/datallboy/presetdl/internal/domain"
	"github.com/datallboy/presetdl/internal/infra/config"

	_ "modernc.org/sqlite"
)

// Open builds the app.Store selected by the config.
func Open(ctx context.Context, cfg config.StoreConfig) (app.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		s, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorePostgres:
		s, err := NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreNone, "":
		return NopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbDir := filepath.Dir(dbPath)

	// Ensure the database directory exists
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Ping makes sure the file is actually accessible and the DSN is valid
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, rec domain.StateRecord) error {
	var dbo stateDBO
	if err := dbo.FromDomain(rec); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_state (id, paused_ids, active_ids, queued_ids, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			paused_ids = excluded.paused_ids,
			active_ids = excluded.active_ids,
			queued_ids = excluded.queued_ids,
			updated_at = excluded.updated_at`,
		string(dbo.PausedIDs), string(dbo.ActiveIDs), string(dbo.QueuedIDs), dbo.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) LoadState(ctx context.Context) (*domain.StateRecord, error) {
	var dbo stateDBO
	var paused, active, queued string

	err := s.db.QueryRowContext(ctx,
		"SELECT paused_ids, active_ids, queued_ids, updated_at FROM download_state WHERE id = 1",
	).Scan(&paused, &active, &queued, &dbo.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Return nil, nil to indicate "Not found"
		}
		return nil, fmt.Errorf("failed to fetch download state: %w", err)
	}

	dbo.PausedIDs, dbo.ActiveIDs, dbo.QueuedIDs = []byte(paused), []byte(active), []byte(queued)
	rec, err := dbo.ToDomain()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) SaveGroup(ctx context.Context, rec domain.GroupRecord) error {
	var dbo groupDBO
	if err := dbo.FromDomain(rec); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preset_groups (preset_id, download_id, status, files, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(preset_id) DO UPDATE SET
			download_id = excluded.download_id,
			status = excluded.status,
			files = excluded.files,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		dbo.PresetID, dbo.DownloadID, dbo.Status, string(dbo.Files), dbo.CreatedAt, dbo.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save group %s: %w", rec.PresetID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteGroup(ctx context.Context, presetID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM preset_groups WHERE preset_id = ?", presetID)
	return err
}

func (s *SQLiteStore) LoadGroups(ctx context.Context) ([]domain.GroupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT preset_id, download_id, status, files, created_at, updated_at
		FROM preset_groups
		ORDER BY created_at ASC, download_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch groups: %w", err)
	}
	defer rows.Close()

	var out []domain.GroupRecord
	for rows.Next() {
		var dbo groupDBO
		var files string
		if err := rows.Scan(&dbo.PresetID, &dbo.DownloadID, &dbo.Status, &files, &dbo.CreatedAt, &dbo.UpdatedAt); err != nil {
			return nil, err
		}
		dbo.Files = []byte(files)

		rec, err := dbo.ToDomain()
		if err != nil {
			// One corrupt row should not hide the rest of the queue
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// NopStore keeps nothing. Used when store.driver is "none".
type NopStore struct{}

func (NopStore) SaveState(context.Context, domain.StateRecord) error      { return nil }
func (NopStore) LoadState(context.Context) (*domain.StateRecord, error)   { return nil, nil }
func (NopStore) SaveGroup(context.Context, domain.GroupRecord) error      { return nil }
func (NopStore) DeleteGroup(context.Context, string) error                { return nil }
func (NopStore) LoadGroups(context.Context) ([]domain.GroupRecord, error) { return nil, nil }
func (NopStore) Close() error                                             { return nil }
