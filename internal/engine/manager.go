package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/sync/semaphore"

	"github.com/datallboy/presetdl/internal/app"
	"github.com/datallboy/presetdl/internal/broadcast"
	"github.com/datallboy/presetdl/internal/domain"
	"github.com/datallboy/presetdl/internal/retry"
)

// Manager is the queue processor. It owns the Status Store, the FIFO of
// preset ids and the single dispatcher goroutine.
type Manager struct {
	app        *app.Context
	bus        *broadcast.Broadcaster
	downloader *Downloader
	writer     *FileWriter
	policy     retry.Policy
	gate       *semaphore.Weighted
	outDir     string
	grace      time.Duration

	mu       sync.RWMutex
	groups   map[string]*entry
	queue    []string
	stopping map[string]*entry // cancelled groups whose runner has not exited yet

	newJobChan chan struct{}
	startOnce  sync.Once
	baseCtx    context.Context
	shutdown   context.CancelFunc
	wg         sync.WaitGroup
	persistMu  sync.Mutex
	closed     bool
}

// NewManager builds a Manager from the application context. The dispatcher
// starts with the first Submit or Restore.
func NewManager(appCtx *app.Context, bus *broadcast.Broadcaster) *Manager {
	if bus == nil {
		bus = broadcast.New()
	}
	cfg := appCtx.Config

	writer := NewFileWriter()
	base, cancel := context.WithCancel(context.Background())

	return &Manager{
		app:        appCtx,
		bus:        bus,
		downloader: NewDownloader(appCtx, writer, bus),
		writer:     writer,
		policy:     cfg.Retry.Policy(),
		gate:       semaphore.NewWeighted(int64(cfg.Download.MaxConcurrent)),
		outDir:     cfg.Download.OutDir,
		grace:      cfg.Download.CompletedGrace,
		groups:     make(map[string]*entry),
		stopping:   make(map[string]*entry),
		newJobChan: make(chan struct{}, 1),
		baseCtx:    base,
		shutdown:   cancel,
	}
}

// Broadcaster exposes the event bus so callers can subscribe.
func (m *Manager) Broadcaster() *broadcast.Broadcaster { return m.bus }

// Submit registers a group for presetID and queues it.
func (m *Manager) Submit(ctx context.Context, presetID string, files []domain.FileSpec, force bool) (domain.SubmitResult, error) {
	dests, err := m.validate(presetID, files)
	if err != nil {
		return domain.SubmitResult{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.SubmitResult{}, errors.New("manager is closed")
	}
	if _, draining := m.stopping[presetID]; draining {
		m.mu.Unlock()
		return domain.SubmitResult{Outcome: domain.AlreadyActive}, nil
	}
	if e, ok := m.groups[presetID]; ok {
		switch {
		case slices.Contains(m.queue, presetID):
			m.mu.Unlock()
			return domain.SubmitResult{Outcome: domain.AlreadyQueued, DownloadID: e.group.DownloadID}, nil
		case e.running:
			// force never takes a destination away from a live writer
			m.mu.Unlock()
			return domain.SubmitResult{Outcome: domain.AlreadyActive, DownloadID: e.group.DownloadID}, nil
		case e.group.Phase() == domain.PhasePaused && !force:
			m.mu.Unlock()
			return domain.SubmitResult{Outcome: domain.AlreadyActive, DownloadID: e.group.DownloadID}, nil
		}
		// Finished within its grace period, or paused and forced
		e.stopEviction()
		delete(m.groups, presetID)
	}

	tasks := make([]*domain.Task, 0, len(files))
	for i, f := range files {
		if !force && exists(dests[i]) {
			continue
		}
		tasks = append(tasks, domain.NewTask(presetID, f, dests[i]))
	}

	g := domain.NewGroup(presetID, ksuid.New().String(), tasks)
	e := &entry{group: g}
	m.groups[presetID] = e

	if len(tasks) == 0 {
		g.SetPhase(domain.PhaseFinished)
		m.scheduleEviction(e)
		m.mu.Unlock()

		m.app.Logger.Info("Preset %s: every file already present", presetID)
		m.persist(ctx, g)
		return domain.SubmitResult{Outcome: domain.NoWork, DownloadID: g.DownloadID}, nil
	}

	m.queue = append(m.queue, presetID)
	m.mu.Unlock()

	m.app.Logger.Info("Queued preset %s (%d files, download %s)", presetID, len(tasks), g.DownloadID)
	m.persist(ctx, g)
	m.bus.Broadcast(broadcast.NewEvent(broadcast.DownloadQueued, presetID, map[string]any{
		"download_id": g.DownloadID,
		"total_files": len(tasks),
	}))
	m.queueUpdated()

	m.start()
	m.signal()

	return domain.SubmitResult{Outcome: domain.Accepted, DownloadID: g.DownloadID}, nil
}

// validate checks the submission and returns the destination of each file.
func (m *Manager) validate(presetID string, files []domain.FileSpec) ([]string, error) {
	if presetID == "" {
		return nil, fmt.Errorf("%w: empty preset id", ErrInvalidSubmission)
	}

	seen := make(map[string]struct{}, len(files))
	dests := make([]string, len(files))
	for i, f := range files {
		if f.URL == "" {
			return nil, fmt.Errorf("%w: file %q has no url", ErrInvalidSubmission, f.Path)
		}
		clean := filepath.Clean(filepath.FromSlash(f.Path))
		if f.Path == "" || !filepath.IsLocal(clean) {
			return nil, fmt.Errorf("%w: path %q is outside the download directory", ErrInvalidSubmission, f.Path)
		}
		if _, dup := seen[clean]; dup {
			return nil, fmt.Errorf("%w: duplicate path %q", ErrInvalidSubmission, f.Path)
		}
		if f.Size < 0 {
			return nil, fmt.Errorf("%w: negative size for %q", ErrInvalidSubmission, f.Path)
		}
		seen[clean] = struct{}{}
		dests[i] = filepath.Join(m.outDir, clean)
	}
	return dests, nil
}

// Status returns a snapshot of the group for presetID.
func (m *Manager) Status(presetID string) (*domain.Status, bool) {
	m.mu.RLock()
	e, ok := m.groups[presetID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	st := e.group.Snapshot()
	return &st, true
}

// List returns a snapshot of every resident group in creation order.
func (m *Manager) List() []domain.Status {
	m.mu.RLock()
	groups := make([]*domain.Group, 0, len(m.groups))
	for _, e := range m.groups {
		groups = append(groups, e.group)
	}
	m.mu.RUnlock()

	slices.SortFunc(groups, func(a, b *domain.Group) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	out := make([]domain.Status, len(groups))
	for i, g := range groups {
		out[i] = g.Snapshot()
	}
	return out
}

// Pause stops a queued or running group without discarding its progress.
// Returns false when there is nothing active to pause.
func (m *Manager) Pause(presetID string) bool {
	m.mu.Lock()
	e, ok := m.groups[presetID]
	if !ok {
		m.mu.Unlock()
		return false
	}

	g := e.group
	switch g.Phase() {
	case domain.PhaseQueued:
		if e.running {
			// Resumed but the previous runner is still stopping
			e.resumeOnExit = false
		} else {
			m.queue = slices.DeleteFunc(m.queue, func(id string) bool { return id == presetID })
			for _, t := range g.Tasks {
				if !t.Status().IsTerminal() {
					t.Pause()
				}
			}
		}
		g.SetPhase(domain.PhasePaused)
	case domain.PhaseRunning:
		g.SetPhase(domain.PhasePaused)
		e.cancel(domain.ErrPaused)
	case domain.PhasePaused, domain.PhaseFinished, domain.PhaseCancelled:
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	m.app.Logger.Info("Paused preset %s", presetID)
	m.persist(context.Background(), g)
	m.bus.Broadcast(broadcast.NewEvent(broadcast.DownloadPaused, presetID, nil))
	m.queueUpdated()
	return true
}

// Resume puts a paused group at the back of the queue. Returns false when
// the group is not paused.
func (m *Manager) Resume(presetID string) bool {
	m.mu.Lock()
	e, ok := m.groups[presetID]
	if !ok || e.group.Phase() != domain.PhasePaused {
		m.mu.Unlock()
		return false
	}

	g := e.group
	g.SetPhase(domain.PhaseQueued)
	if e.running {
		// The runner requeues once it has let go of the files
		e.resumeOnExit = true
	} else {
		requeueTasks(g)
		m.queue = append(m.queue, presetID)
	}
	m.mu.Unlock()

	m.app.Logger.Info("Resumed preset %s", presetID)
	m.persist(context.Background(), g)
	m.bus.Broadcast(broadcast.NewEvent(broadcast.DownloadResumed, presetID, nil))
	m.queueUpdated()

	m.start()
	m.signal()
	return true
}

// Cancel evicts the group at once. Partial files are removed unless
// keepPartial; when a transfer is in flight its runner removes them after
// it stops.
func (m *Manager) Cancel(presetID string, keepPartial bool) bool {
	m.mu.Lock()
	e, ok := m.groups[presetID]
	if !ok {
		m.mu.Unlock()
		return false
	}

	g := e.group
	switch g.Phase() {
	case domain.PhaseFinished, domain.PhaseCancelled:
		m.mu.Unlock()
		return false
	case domain.PhaseQueued, domain.PhaseRunning, domain.PhasePaused:
	}

	delete(m.groups, presetID)
	m.queue = slices.DeleteFunc(m.queue, func(id string) bool { return id == presetID })
	e.stopEviction()
	e.keepPartial = keepPartial
	e.resumeOnExit = false
	g.SetPhase(domain.PhaseCancelled)

	running := e.running
	if running {
		m.stopping[presetID] = e
		e.cancel(domain.ErrCancelled)
	}
	m.mu.Unlock()

	if !running {
		m.cancelTasks(g, keepPartial)
	}

	m.app.Logger.Info("Cancelled preset %s (keep partial: %t)", presetID, keepPartial)
	m.forget(context.Background(), presetID)
	m.bus.Broadcast(broadcast.NewEvent(broadcast.DownloadCancelled, presetID, map[string]any{
		"keep_partial": keepPartial,
	}))
	m.queueUpdated()
	return true
}

// cancelTasks marks unfinished tasks cancelled and drops their partials.
// A task interrupted mid-transfer is already cancelled by its runner, so
// only completed files keep what is on disk.
func (m *Manager) cancelTasks(g *domain.Group, keepPartial bool) {
	for _, t := range g.Tasks {
		status := t.Status()
		if !status.IsTerminal() {
			t.Cancel()
		}
		if keepPartial || status == domain.TaskCompleted {
			continue
		}
		if err := m.writer.Discard(t.PartPath()); err != nil {
			m.app.Logger.Warn("Failed to remove partial %s: %v", t.PartPath(), err)
		}
	}
}

// QueueSnapshot describes what is running and what is waiting.
func (m *Manager) QueueSnapshot() domain.QueueSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := domain.QueueSnapshot{
		QueuedPresetIDs: slices.Clone(m.queue),
		ActivePresetIDs: m.runningLocked(),
	}
	if snap.QueuedPresetIDs == nil {
		snap.QueuedPresetIDs = []string{}
	}
	snap.ActiveCount = len(snap.ActivePresetIDs)
	if snap.ActiveCount > 0 {
		current := snap.ActivePresetIDs[0]
		snap.CurrentPresetID = &current
	}
	return snap
}

// runningLocked lists groups owned by a runner, oldest first.
func (m *Manager) runningLocked() []string {
	var groups []*domain.Group
	for _, e := range m.groups {
		if e.running && e.group.Phase() == domain.PhaseRunning {
			groups = append(groups, e.group)
		}
	}
	slices.SortFunc(groups, func(a, b *domain.Group) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.PresetID)
	}
	return ids
}

// Close stops the dispatcher, waits for runners to let go of their files
// and writes the final state.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, e := range m.groups {
		e.stopEviction()
	}
	m.mu.Unlock()

	m.shutdown()
	m.wg.Wait()
	m.writer.CloseAll()

	m.saveState(context.Background())
	return nil
}

func (m *Manager) start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.dispatch(m.baseCtx)
	})
}

// signal wakes the dispatcher without blocking.
func (m *Manager) signal() {
	select {
	case m.newJobChan <- struct{}{}:
	default:
		// Signal already pending, no need to block
	}
}

func (m *Manager) queueUpdated() {
	m.bus.Broadcast(broadcast.NewEvent(broadcast.QueueUpdated, "", m.QueueSnapshot().EventData()))
}

// scheduleEviction removes a finished group after the grace period. The
// caller holds m.mu.
func (m *Manager) scheduleEviction(e *entry) {
	e.stopEviction()
	if m.closed {
		return
	}
	id := e.group.PresetID
	e.evict = time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		if cur, ok := m.groups[id]; !ok || cur != e {
			m.mu.Unlock()
			return
		}
		delete(m.groups, id)
		m.mu.Unlock()

		m.app.Logger.Debug("Evicted finished preset %s", id)
		m.forget(context.Background(), id)
	})
}

func requeueTasks(g *domain.Group) {
	for _, t := range g.Tasks {
		t.Requeue()
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
