package domain

import (
	"sync"
	"time"
)

type GroupStatus string

const (
	GroupQueued                GroupStatus = "queued"
	GroupDownloading           GroupStatus = "downloading"
	GroupPaused                GroupStatus = "paused"
	GroupCompleted             GroupStatus = "completed"
	GroupCompletedWithFailures GroupStatus = "completed_with_failures"
	GroupFailed                GroupStatus = "failed"
	GroupCancelled             GroupStatus = "cancelled"
)

// IsFinished reports whether the group has no remaining work.
func (s GroupStatus) IsFinished() bool {
	switch s {
	case GroupCompleted, GroupCompletedWithFailures, GroupFailed, GroupCancelled:
		return true
	case GroupQueued, GroupDownloading, GroupPaused:
		return false
	}
	return false
}

// Phase is the scheduling state of a group, set by the queue processor.
// The reported GroupStatus is derived from it and from the tasks.
type Phase int

const (
	PhaseQueued Phase = iota
	PhaseRunning
	PhasePaused
	PhaseFinished
	PhaseCancelled
)

// Group aggregates the tasks of one preset submission.
type Group struct {
	PresetID   string
	DownloadID string
	Tasks      []*Task
	CreatedAt  time.Time

	mu          sync.RWMutex
	phase       Phase
	startedAt   time.Time
	completedAt time.Time
	err         string
}

func NewGroup(presetID, downloadID string, tasks []*Task) *Group {
	return &Group{
		PresetID:   presetID,
		DownloadID: downloadID,
		Tasks:      tasks,
		CreatedAt:  time.Now(),
		phase:      PhaseQueued,
	}
}

func (g *Group) Phase() Phase {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.phase
}

func (g *Group) SetPhase(p Phase) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.phase = p
	now := time.Now()
	switch p {
	case PhaseRunning:
		if g.startedAt.IsZero() {
			g.startedAt = now
		}
	case PhaseFinished, PhaseCancelled:
		g.completedAt = now
	case PhaseQueued, PhasePaused:
	}
}

func (g *Group) SetError(msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = msg
}

// Counts is the per-status breakdown of a group's tasks.
type Counts struct {
	Total       int
	Queued      int
	Downloading int
	Paused      int
	Completed   int
	Failed      int
	Cancelled   int
}

func countTasks(snaps []TaskSnapshot) Counts {
	c := Counts{Total: len(snaps)}
	for _, s := range snaps {
		switch s.Status {
		case TaskQueued:
			c.Queued++
		case TaskDownloading, TaskRetrying:
			c.Downloading++
		case TaskPaused:
			c.Paused++
		case TaskCompleted:
			c.Completed++
		case TaskFailed:
			c.Failed++
		case TaskCancelled:
			c.Cancelled++
		}
	}
	return c
}

// Aggregate derives the group status from its phase and task counts.
func Aggregate(phase Phase, c Counts) GroupStatus {
	switch phase {
	case PhaseCancelled:
		return GroupCancelled
	case PhasePaused:
		return GroupPaused
	case PhaseQueued, PhaseRunning, PhaseFinished:
	}

	terminal := c.Completed + c.Failed + c.Cancelled
	if terminal == c.Total {
		switch {
		case c.Completed == c.Total:
			return GroupCompleted
		case c.Failed == c.Total:
			return GroupFailed
		default:
			return GroupCompletedWithFailures
		}
	}
	if c.Paused > 0 {
		return GroupPaused
	}
	if phase == PhaseQueued {
		return GroupQueued
	}
	return GroupDownloading
}

// Status is the externally visible report for one group.
type Status struct {
	PresetID    string         `json:"preset_id"`
	DownloadID  string         `json:"download_id"`
	Status      GroupStatus    `json:"status"`
	TotalFiles  int            `json:"total_files"`
	Completed   int            `json:"completed"`
	Failed      int            `json:"failed"`
	Downloading int            `json:"downloading"`
	Pending     int            `json:"pending"`
	Paused      int            `json:"paused"`
	Progress    float64        `json:"progress"`
	Downloaded  int64          `json:"downloaded"`
	Total       int64          `json:"total"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Files       []TaskSnapshot `json:"per_file"`
}

func (g *Group) Snapshot() Status {
	snaps := make([]TaskSnapshot, len(g.Tasks))
	for i, t := range g.Tasks {
		snaps[i] = t.Snapshot()
	}
	c := countTasks(snaps)

	g.mu.RLock()
	phase := g.phase
	st := Status{
		PresetID:    g.PresetID,
		DownloadID:  g.DownloadID,
		TotalFiles:  c.Total,
		Completed:   c.Completed,
		Failed:      c.Failed,
		Downloading: c.Downloading,
		Pending:     c.Queued,
		Paused:      c.Paused,
		Error:       g.err,
		CreatedAt:   g.CreatedAt,
		Files:       snaps,
	}
	if !g.startedAt.IsZero() {
		t := g.startedAt
		st.StartedAt = &t
	}
	if !g.completedAt.IsZero() {
		t := g.completedAt
		st.CompletedAt = &t
	}
	g.mu.RUnlock()

	st.Status = Aggregate(phase, c)
	st.Progress, st.Downloaded, st.Total = aggregateProgress(snaps)
	return st
}

// aggregateProgress is byte weighted when every size is known, count
// weighted otherwise.
func aggregateProgress(snaps []TaskSnapshot) (float64, int64, int64) {
	if len(snaps) == 0 {
		return 100, 0, 0
	}

	var done, total int64
	sized := true
	for _, s := range snaps {
		done += s.Downloaded
		total += s.Total
		if s.Total <= 0 {
			sized = false
		}
	}
	if sized {
		return Percent(done, total), done, total
	}

	var sum float64
	for _, s := range snaps {
		switch {
		case s.Status == TaskCompleted:
			sum += 100
		case s.Progress > 0:
			sum += s.Progress
		}
	}
	return sum / float64(len(snaps)), done, 0
}
