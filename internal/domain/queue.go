package domain

// SubmitOutcome is the result of submitting a preset.
type SubmitOutcome string

const (
	Accepted      SubmitOutcome = "accepted"
	AlreadyActive SubmitOutcome = "already_active"
	AlreadyQueued SubmitOutcome = "already_queued"
	NoWork        SubmitOutcome = "no_work"
)

type SubmitResult struct {
	Outcome    SubmitOutcome `json:"outcome"`
	DownloadID string        `json:"download_id,omitempty"`
}

// QueueSnapshot describes the scheduler at a point in time.
type QueueSnapshot struct {
	CurrentPresetID *string  `json:"current_preset_id"`
	QueuedPresetIDs []string `json:"queued_preset_ids"`
	ActivePresetIDs []string `json:"active_preset_ids"`
	ActiveCount     int      `json:"active_count"`
}

// EventData is the payload of a queue_updated event.
func (q QueueSnapshot) EventData() map[string]any {
	return map[string]any{
		"current_preset_id": q.CurrentPresetID,
		"queued_preset_ids": q.QueuedPresetIDs,
		"active_preset_ids": q.ActivePresetIDs,
		"active_count":      q.ActiveCount,
	}
}

// StateRecord is the durable summary written on every state change.
type StateRecord struct {
	PausedPresetIDs []string `json:"paused_preset_ids"`
	ActivePresetIDs []string `json:"active_preset_ids"`
	QueuedPresetIDs []string `json:"queued_preset_ids"`
	Timestamp       int64    `json:"timestamp"`
}

// GroupRecord is the durable form of a resident group.
type GroupRecord struct {
	PresetID   string       `json:"preset_id"`
	DownloadID string       `json:"download_id"`
	Status     GroupStatus  `json:"status"`
	Files      []FileRecord `json:"files"`
	CreatedAt  int64        `json:"created_at"`
}

// FileRecord is the durable form of a task.
type FileRecord struct {
	FileSpec
	DestPath     string       `json:"dest_path"`
	Status       TaskStatus   `json:"status"`
	Downloaded   int64        `json:"downloaded"`
	Verification Verification `json:"verification"`
}

// Record converts the group into its durable form.
func (g *Group) Record() GroupRecord {
	st := g.Snapshot()
	rec := GroupRecord{
		PresetID:   g.PresetID,
		DownloadID: g.DownloadID,
		Status:     st.Status,
		CreatedAt:  g.CreatedAt.Unix(),
		Files:      make([]FileRecord, len(g.Tasks)),
	}
	for i, t := range g.Tasks {
		s := st.Files[i]
		rec.Files[i] = FileRecord{
			FileSpec: FileSpec{
				Path:     t.Path,
				URL:      t.URL,
				Size:     s.Total,
				Checksum: t.Checksum,
			},
			DestPath:     t.DestPath,
			Status:       s.Status,
			Downloaded:   s.Downloaded,
			Verification: s.Verification,
		}
	}
	return rec
}
