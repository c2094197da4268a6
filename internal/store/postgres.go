package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/datallboy/presetdl/internal/domain"
)

// PostgresStore keeps the same tables as SQLiteStore in Postgres, for
// deployments where several hosts share one state database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	// golang-migrate speaks database/sql; borrow a handle on the same pool
	db := stdlib.OpenDBFromPool(pool)
	if err := migratePostgres(db); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveState(ctx context.Context, rec domain.StateRecord) error {
	var dbo stateDBO
	if err := dbo.FromDomain(rec); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO download_state (id, paused_ids, active_ids, queued_ids, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			paused_ids = EXCLUDED.paused_ids,
			active_ids = EXCLUDED.active_ids,
			queued_ids = EXCLUDED.queued_ids,
			updated_at = EXCLUDED.updated_at`,
		string(dbo.PausedIDs), string(dbo.ActiveIDs), string(dbo.QueuedIDs), dbo.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) LoadState(ctx context.Context) (*domain.StateRecord, error) {
	var dbo stateDBO
	err := s.pool.QueryRow(ctx,
		"SELECT paused_ids::text, active_ids::text, queued_ids::text, updated_at FROM download_state WHERE id = 1",
	).Scan(&dbo.PausedIDs, &dbo.ActiveIDs, &dbo.QueuedIDs, &dbo.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch download state: %w", err)
	}

	rec, err := dbo.ToDomain()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) SaveGroup(ctx context.Context, rec domain.GroupRecord) error {
	var dbo groupDBO
	if err := dbo.FromDomain(rec); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO preset_groups (preset_id, download_id, status, files, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (preset_id) DO UPDATE SET
			download_id = EXCLUDED.download_id,
			status = EXCLUDED.status,
			files = EXCLUDED.files,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`,
		dbo.PresetID, dbo.DownloadID, dbo.Status, string(dbo.Files), dbo.CreatedAt, dbo.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save group %s: %w", rec.PresetID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteGroup(ctx context.Context, presetID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM preset_groups WHERE preset_id = $1", presetID)
	return err
}

func (s *PostgresStore) LoadGroups(ctx context.Context) ([]domain.GroupRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT preset_id, download_id, status, files::text, created_at, updated_at
		FROM preset_groups
		ORDER BY created_at ASC, download_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch groups: %w", err)
	}
	defer rows.Close()

	var out []domain.GroupRecord
	for rows.Next() {
		var dbo groupDBO
		if err := rows.Scan(&dbo.PresetID, &dbo.DownloadID, &dbo.Status, &dbo.Files, &dbo.CreatedAt, &dbo.UpdatedAt); err != nil {
			return nil, err
		}
		rec, err := dbo.ToDomain()
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
