package engine

import (
	"context"
	"slices"
	"time"

	"github.com/datallboy/presetdl/internal/domain"
)

// persist writes the group row and the queue summary.
func (m *Manager) persist(ctx context.Context, g *domain.Group) {
	m.saveGroup(ctx, g)
	m.saveState(ctx)
}

func (m *Manager) saveGroup(ctx context.Context, g *domain.Group) {
	if m.app.Store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	// A cancelled or evicted group must not be written back
	m.mu.RLock()
	cur, ok := m.groups[g.PresetID]
	m.mu.RUnlock()
	if !ok || cur.group != g {
		return
	}

	if err := m.app.Store.SaveGroup(ctx, g.Record()); err != nil {
		m.app.Logger.Warn("Failed to persist preset %s: %v", g.PresetID, err)
	}
}

func (m *Manager) saveState(ctx context.Context) {
	if m.app.Store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if err := m.app.Store.SaveState(ctx, m.stateRecord()); err != nil {
		m.app.Logger.Warn("Failed to persist download state: %v", err)
	}
}

// forget drops the group row and rewrites the summary.
func (m *Manager) forget(ctx context.Context, presetID string) {
	if m.app.Store == nil {
		return
	}
	m.persistMu.Lock()
	if err := m.app.Store.DeleteGroup(ctx, presetID); err != nil {
		m.app.Logger.Warn("Failed to delete persisted preset %s: %v", presetID, err)
	}
	m.persistMu.Unlock()

	m.saveState(ctx)
}

func (m *Manager) stateRecord() domain.StateRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var paused []*domain.Group
	for _, e := range m.groups {
		if e.group.Phase() == domain.PhasePaused {
			paused = append(paused, e.group)
		}
	}
	slices.SortFunc(paused, func(a, b *domain.Group) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	rec := domain.StateRecord{
		PausedPresetIDs: make([]string, 0, len(paused)),
		ActivePresetIDs: m.runningLocked(),
		QueuedPresetIDs: slices.Clone(m.queue),
		Timestamp:       time.Now().Unix(),
	}
	for _, g := range paused {
		rec.PausedPresetIDs = append(rec.PausedPresetIDs, g.PresetID)
	}
	if rec.QueuedPresetIDs == nil {
		rec.QueuedPresetIDs = []string{}
	}
	return rec
}

// Restore reloads groups persisted by a previous process. Paused groups come
// back paused. Groups that were running or queued are queued again when
// store.resume_on_start is set and restored as paused otherwise.
func (m *Manager) Restore(ctx context.Context) error {
	if m.app.Store == nil {
		return nil
	}

	state, err := m.app.Store.LoadState(ctx)
	if err != nil {
		return err
	}
	records, err := m.app.Store.LoadGroups(ctx)
	if err != nil {
		return err
	}
	if state == nil {
		state = &domain.StateRecord{}
	}

	resume := m.app.Config.Store.ResumeOnStart
	wasPaused := make(map[string]bool, len(state.PausedPresetIDs))
	for _, id := range state.PausedPresetIDs {
		wasPaused[id] = true
	}

	var stale []string
	pending := make(map[string]*entry)
	// Queue order: previously running, then previously queued, then the rest
	order := slices.Concat(state.ActivePresetIDs, state.QueuedPresetIDs)
	pausedCount := 0

	m.mu.Lock()
	for _, rec := range records {
		if rec.Status.IsFinished() {
			stale = append(stale, rec.PresetID)
			continue
		}
		if _, ok := m.groups[rec.PresetID]; ok {
			continue
		}

		g := rebuildGroup(rec)
		e := &entry{group: g}
		m.groups[rec.PresetID] = e

		if wasPaused[rec.PresetID] || rec.Status == domain.GroupPaused || !resume {
			g.SetPhase(domain.PhasePaused)
			for _, t := range g.Tasks {
				if !t.Status().IsTerminal() {
					t.Pause()
				}
			}
			pausedCount++
			continue
		}
		pending[rec.PresetID] = e
		order = append(order, rec.PresetID)
	}

	for _, id := range order {
		e, ok := pending[id]
		if !ok {
			continue
		}
		delete(pending, id)
		requeueTasks(e.group)
		m.queue = append(m.queue, id)
	}
	queued := len(m.queue)
	m.mu.Unlock()

	for _, id := range stale {
		m.forget(ctx, id)
	}
	m.saveState(ctx)

	if queued+pausedCount > 0 {
		m.app.Logger.Info("Restored %d presets (%d queued, %d paused)", queued+pausedCount, queued, pausedCount)
	}
	if queued > 0 {
		m.start()
		m.signal()
		m.queueUpdated()
	}
	return nil
}

func rebuildGroup(rec domain.GroupRecord) *domain.Group {
	tasks := make([]*domain.Task, len(rec.Files))
	for i, f := range rec.Files {
		t := domain.NewTask(rec.PresetID, f.FileSpec, f.DestPath)
		t.Restore(f.Status, f.Downloaded, f.Verification)
		tasks[i] = t
	}
	g := domain.NewGroup(rec.PresetID, rec.DownloadID, tasks)
	if rec.CreatedAt > 0 {
		g.CreatedAt = time.Unix(rec.CreatedAt, 0)
	}
	return g
}
