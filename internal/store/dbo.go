package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/datallboy/presetdl/internal/domain"
)

// groupDBO maps to the preset_groups table
type groupDBO struct {
	PresetID   string `db:"preset_id"`
	DownloadID string `db:"download_id"`
	Status     string `db:"status"`
	Files      []byte `db:"files"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

// Mapper: DBO to Domain GroupRecord
func (g *groupDBO) ToDomain() (domain.GroupRecord, error) {
	rec := domain.GroupRecord{
		PresetID:   g.PresetID,
		DownloadID: g.DownloadID,
		Status:     domain.GroupStatus(g.Status),
		CreatedAt:  g.CreatedAt,
	}
	if err := json.Unmarshal(g.Files, &rec.Files); err != nil {
		return rec, fmt.Errorf("failed to decode files for %s: %w", g.PresetID, err)
	}
	return rec, nil
}

// Mapper: Domain GroupRecord to DBO
func (g *groupDBO) FromDomain(rec domain.GroupRecord) error {
	files, err := json.Marshal(rec.Files)
	if err != nil {
		return fmt.Errorf("failed to encode files: %w", err)
	}
	g.PresetID = rec.PresetID
	g.DownloadID = rec.DownloadID
	g.Status = string(rec.Status)
	g.Files = files
	g.CreatedAt = rec.CreatedAt
	g.UpdatedAt = time.Now().Unix()
	return nil
}

// stateDBO maps to the single row download_state table
type stateDBO struct {
	PausedIDs []byte `db:"paused_ids"`
	ActiveIDs []byte `db:"active_ids"`
	QueuedIDs []byte `db:"queued_ids"`
	UpdatedAt int64  `db:"updated_at"`
}

func (s *stateDBO) ToDomain() (domain.StateRecord, error) {
	rec := domain.StateRecord{Timestamp: s.UpdatedAt}
	for _, f := range []struct {
		raw []byte
		dst *[]string
	}{
		{s.PausedIDs, &rec.PausedPresetIDs},
		{s.ActiveIDs, &rec.ActivePresetIDs},
		{s.QueuedIDs, &rec.QueuedPresetIDs},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return rec, fmt.Errorf("failed to decode state: %w", err)
		}
	}
	return rec, nil
}

func (s *stateDBO) FromDomain(rec domain.StateRecord) error {
	var err error
	if s.PausedIDs, err = encodeIDs(rec.PausedPresetIDs); err != nil {
		return err
	}
	if s.ActiveIDs, err = encodeIDs(rec.ActivePresetIDs); err != nil {
		return err
	}
	if s.QueuedIDs, err = encodeIDs(rec.QueuedPresetIDs); err != nil {
		return err
	}
	s.UpdatedAt = rec.Timestamp
	if s.UpdatedAt == 0 {
		s.UpdatedAt = time.Now().Unix()
	}
	return nil
}

func encodeIDs(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}
