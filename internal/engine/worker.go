package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"

	"github.com/datallboy/presetdl/internal/broadcast"
	"github.com/datallboy/presetdl/internal/domain"
	"github.com/datallboy/presetdl/internal/retry"
)

// dispatch is the single consumer of the queue. It takes a gate slot
// before dequeuing, so a saturated gate holds new groups back.
func (m *Manager) dispatch(ctx context.Context) {
	defer m.wg.Done()

	for {
		if err := m.gate.Acquire(ctx, 1); err != nil {
			return
		}

		e, runCtx, cancel, ok := m.next(ctx)
		if !ok {
			m.gate.Release(1)
			return
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer m.gate.Release(1)
			defer cancel(nil)
			m.runGroup(runCtx, e)
		}()
	}
}

// next blocks until a runnable group is dequeued or ctx ends.
func (m *Manager) next(ctx context.Context) (*entry, context.Context, context.CancelCauseFunc, bool) {
	for {
		m.mu.Lock()
		for len(m.queue) > 0 {
			id := m.queue[0]
			m.queue = m.queue[1:]

			e, ok := m.groups[id]
			if !ok || e.running || e.group.Phase() != domain.PhaseQueued {
				// Cancelled or paused while it waited
				continue
			}

			runCtx, cancel := context.WithCancelCause(ctx)
			e.running = true
			e.cancel = cancel
			e.group.SetPhase(domain.PhaseRunning)
			m.mu.Unlock()
			return e, runCtx, cancel, true
		}
		m.mu.Unlock()

		select {
		case <-m.newJobChan:
		case <-ctx.Done():
			return nil, nil, nil, false
		}
	}
}

// runGroup processes the tasks of one group strictly in order.
func (m *Manager) runGroup(ctx context.Context, e *entry) {
	g := e.group
	m.app.Logger.Info("Starting preset %s (%d files)", g.PresetID, len(g.Tasks))
	m.persist(context.Background(), g)
	m.queueUpdated()

	m.runTasks(ctx, g)
	m.finishGroup(e)
}

func (m *Manager) runTasks(ctx context.Context, g *domain.Group) {
	defer func() {
		if r := recover(); r != nil {
			m.app.Logger.Error("Runner for preset %s panicked: %v\n%s", g.PresetID, r, debug.Stack())
			g.SetError(fmt.Sprintf("internal error: %v", r))

			err := &domain.TransferError{Kind: domain.KindInternal, Err: fmt.Errorf("runner panic: %v", r)}
			for _, t := range g.Tasks {
				if !t.Status().IsTerminal() {
					t.Fail(err, t.Retries())
				}
			}
		}
	}()

	for _, t := range g.Tasks {
		if ctx.Err() != nil {
			return
		}
		// Completed in an earlier run of this group
		if t.Status().IsTerminal() {
			continue
		}

		m.runTask(ctx, t)
		m.saveGroup(context.Background(), g)
	}
}

// runTask drives one task through the retry policy until it is terminal
// or the group is interrupted.
func (m *Manager) runTask(ctx context.Context, t *domain.Task) {
	failures := 0
	for {
		err := m.downloader.Fetch(ctx, t)
		if err == nil {
			m.app.Logger.Info("Completed %s/%s", t.PresetID, t.Path)
			s := t.Snapshot()
			m.bus.Broadcast(broadcast.NewEvent(broadcast.DownloadCompleted, t.PresetID, map[string]any{
				"path":              s.Path,
				"downloaded":        s.Downloaded,
				"total":             s.Total,
				"checksum_verified": s.ChecksumVerified,
			}))
			return
		}

		if ctx.Err() != nil {
			m.interruptTask(ctx, t)
			return
		}

		failures++
		d := m.policy.Decide(err, failures)
		if !d.Retry {
			t.Fail(err, d.Retries)
			m.app.Logger.Error("[FAIL] %s/%s permanently failed after %d attempts: %v", t.PresetID, t.Path, failures, err)
			m.bus.Broadcast(broadcast.NewEvent(broadcast.DownloadFailed, t.PresetID, map[string]any{
				"path":       t.Path,
				"error":      err.Error(),
				"error_kind": domain.KindOf(err),
				"retries":    d.Retries,
			}))
			return
		}

		t.Retry(err)
		m.app.Logger.Warn("[Retry] %s/%s: attempt %d/%d - Error: %v (next in %s)",
			t.PresetID, t.Path, failures, m.policy.Attempts(), err, d.Delay)

		if err := retry.Wait(ctx, d.Delay); err != nil {
			m.interruptTask(ctx, t)
			return
		}
	}
}

// interruptTask records why a task stopped early. Shutdown leaves it
// queued so a restart can pick it up.
func (m *Manager) interruptTask(ctx context.Context, t *domain.Task) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, domain.ErrPaused):
		t.Pause()
		s := t.Snapshot()
		m.bus.Broadcast(broadcast.NewEvent(broadcast.DownloadPaused, t.PresetID, map[string]any{
			"path":       s.Path,
			"downloaded": s.Downloaded,
			"total":      s.Total,
		}))
	case errors.Is(cause, domain.ErrCancelled):
		t.Cancel()
	default:
		t.Requeue()
	}
}

// finishGroup hands the group back to the Status Store once its runner
// has stopped touching files.
func (m *Manager) finishGroup(e *entry) {
	g := e.group
	id := g.PresetID

	m.mu.Lock()
	e.running = false
	e.cancel = nil

	switch g.Phase() {
	case domain.PhaseCancelled:
		delete(m.stopping, id)
		keep := e.keepPartial
		m.mu.Unlock()

		m.cancelTasks(g, keep)
		m.app.Logger.Debug("Runner for cancelled preset %s stopped", id)
		m.saveState(context.Background())
		return

	case domain.PhasePaused:
		for _, t := range g.Tasks {
			if !t.Status().IsTerminal() {
				t.Pause()
			}
		}
		m.mu.Unlock()

		m.persist(context.Background(), g)
		m.queueUpdated()
		return

	case domain.PhaseQueued:
		// Resumed before the paused runner let go
		e.resumeOnExit = false
		requeueTasks(g)
		m.queue = append(m.queue, id)
		m.mu.Unlock()

		m.persist(context.Background(), g)
		m.signal()
		return

	case domain.PhaseRunning, domain.PhaseFinished:
	}

	if m.baseCtx.Err() != nil && hasPending(g) {
		// Shutting down; keep it first in line for the next start
		g.SetPhase(domain.PhaseQueued)
		requeueTasks(g)
		m.queue = slices.Insert(m.queue, 0, id)
		m.mu.Unlock()

		m.saveGroup(context.Background(), g)
		return
	}

	g.SetPhase(domain.PhaseFinished)
	st := g.Snapshot()
	if st.Paused == 0 {
		m.scheduleEviction(e)
	}
	m.mu.Unlock()

	event := broadcast.DownloadCompleted
	if st.Status == domain.GroupFailed {
		event = broadcast.DownloadFailed
	}
	m.app.Logger.Info("Preset %s finished: %s (%d/%d completed, %d failed)",
		id, st.Status, st.Completed, st.TotalFiles, st.Failed)

	m.persist(context.Background(), g)
	m.bus.Broadcast(broadcast.NewEvent(event, id, map[string]any{
		"download_id": g.DownloadID,
		"status":      st.Status,
		"completed":   st.Completed,
		"failed":      st.Failed,
		"total_files": st.TotalFiles,
	}))
	m.queueUpdated()
}

func hasPending(g *domain.Group) bool {
	for _, t := range g.Tasks {
		if !t.Status().IsTerminal() {
			return true
		}
	}
	return false
}
