package domain

import (
	"sync"
	"time"
)

type TaskStatus string

const (
	TaskQueued      TaskStatus = "queued"
	TaskDownloading TaskStatus = "downloading"
	TaskPaused      TaskStatus = "paused"
	TaskRetrying    TaskStatus = "retrying"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether no further work will happen for this status
// within the current submission.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	case TaskQueued, TaskDownloading, TaskPaused, TaskRetrying:
		return false
	}
	return false
}

// Verification is the outcome of the post download checksum comparison.
type Verification string

const (
	NotChecked Verification = "not_checked"
	Verified   Verification = "verified"
	Mismatch   Verification = "failed"
)

// ProgressIndeterminate is reported when the total size is unknown.
const ProgressIndeterminate = -1.0

// FileSpec is one entry of a preset's file list as supplied by the caller.
type FileSpec struct {
	Path     string `json:"path" yaml:"path"`
	URL      string `json:"url" yaml:"url"`
	Size     int64  `json:"size,omitempty" yaml:"size,omitempty"`
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// Task is the unit of work for one file. Fields are only written by the
// group runner that owns it; readers go through Snapshot.
type Task struct {
	PresetID string
	Path     string // as submitted, relative to the download root
	URL      string
	DestPath string
	Checksum string

	mu           sync.RWMutex
	size         int64
	downloaded   int64
	speed        float64
	eta          time.Duration
	status       TaskStatus
	errMsg       string
	errKind      ErrorKind
	retries      int
	verification Verification
}

func NewTask(presetID string, spec FileSpec, destPath string) *Task {
	return &Task{
		PresetID:     presetID,
		Path:         spec.Path,
		URL:          spec.URL,
		DestPath:     destPath,
		Checksum:     spec.Checksum,
		size:         spec.Size,
		status:       TaskQueued,
		verification: NotChecked,
	}
}

// PartPath is where bytes are written until the transfer is verified.
func (t *Task) PartPath() string {
	return t.DestPath + ".part"
}

func (t *Task) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) Size() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

func (t *Task) Downloaded() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.downloaded
}

func (t *Task) Retries() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.retries
}

// SetSize records the size learned from the server when none was declared.
func (t *Task) SetSize(size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.size <= 0 && size > 0 {
		t.size = size
	}
}

// StartTransfer moves the task into downloading with the byte offset the
// transfer starts at. The counter may only move backwards here, before the
// task is downloading again.
func (t *Task) StartTransfer(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.downloaded = offset
	t.speed = 0
	t.eta = 0
	t.status = TaskDownloading
	t.errMsg = ""
	t.errKind = KindNone
}

// AddBytes advances the counter and returns the new total.
func (t *Task) AddBytes(n int64, speed float64, eta time.Duration) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > 0 {
		t.downloaded += n
	}
	t.speed = speed
	t.eta = eta
	return t.downloaded
}

// Retry records a failed attempt that will be retried.
func (t *Task) Retry(err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retries++
	t.status = TaskRetrying
	t.speed = 0
	t.eta = 0
	t.errMsg = err.Error()
	t.errKind = KindOf(err)
	return t.retries
}

// Fail marks the task terminally failed with the given retry count.
func (t *Task) Fail(err error, retries int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskFailed
	t.retries = retries
	t.speed = 0
	t.eta = 0
	t.errMsg = err.Error()
	t.errKind = KindOf(err)
	if t.errKind == KindIntegrity {
		t.verification = Mismatch
	}
}

func (t *Task) Complete(v Verification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.size <= 0 {
		t.size = t.downloaded
	}
	t.status = TaskCompleted
	t.verification = v
	t.speed = 0
	t.eta = 0
	t.errMsg = ""
	t.errKind = KindNone
}

func (t *Task) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskPaused
	t.speed = 0
	t.eta = 0
}

func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TaskCancelled
	t.speed = 0
	t.eta = 0
}

// Requeue puts a paused or unfinished task back into the queued state,
// keeping its byte counter so a partial file can be continued.
func (t *Task) Requeue() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return
	}
	t.status = TaskQueued
	t.retries = 0
	t.errMsg = ""
	t.errKind = KindNone
}

// TaskSnapshot is a point-in-time copy of a Task, safe to hand to readers.
type TaskSnapshot struct {
	Path             string       `json:"path"`
	URL              string       `json:"url"`
	Status           TaskStatus   `json:"status"`
	Progress         float64      `json:"progress"`
	Downloaded       int64        `json:"downloaded"`
	Total            int64        `json:"total"`
	Speed            float64      `json:"speed"`
	ETASeconds       float64      `json:"eta"`
	Error            string       `json:"error,omitempty"`
	ErrorKind        ErrorKind    `json:"error_kind,omitempty"`
	Retries          int          `json:"retries"`
	Checksum         string       `json:"checksum,omitempty"`
	Verification     Verification `json:"verification"`
	ChecksumVerified *bool        `json:"checksum_verified"`
}

func (t *Task) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := TaskSnapshot{
		Path:         t.Path,
		URL:          t.URL,
		Status:       t.status,
		Progress:     Percent(t.downloaded, t.size),
		Downloaded:   t.downloaded,
		Total:        t.size,
		Speed:        t.speed,
		ETASeconds:   t.eta.Seconds(),
		Error:        t.errMsg,
		ErrorKind:    t.errKind,
		Retries:      t.retries,
		Checksum:     t.Checksum,
		Verification: t.verification,
	}
	switch t.verification {
	case Verified:
		v := true
		s.ChecksumVerified = &v
	case Mismatch:
		v := false
		s.ChecksumVerified = &v
	case NotChecked:
	}
	return s
}

// Percent returns done/total as a percentage, or ProgressIndeterminate when
// total is unknown.
func Percent(done, total int64) float64 {
	if total <= 0 {
		return ProgressIndeterminate
	}
	p := float64(done) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Restore rehydrates a task from a persisted record. A task that was in
// flight when the process stopped comes back queued.
func (t *Task) Restore(status TaskStatus, downloaded int64, v Verification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch status {
	case TaskDownloading, TaskRetrying:
		status = TaskQueued
	case TaskQueued, TaskPaused, TaskCompleted, TaskFailed, TaskCancelled:
	}
	t.status = status
	t.downloaded = downloaded
	if v != "" {
		t.verification = v
	}
}
