package engine

import (
	"context"
	"errors"
	"time"

	"github.com/datallboy/presetdl/internal/domain"
)

// ErrInvalidSubmission is wrapped by every Submit validation failure.
var ErrInvalidSubmission = errors.New("invalid submission")

// entry is the Status Store record for one resident group.
type entry struct {
	group *domain.Group

	// Set while a group runner owns the group
	running bool
	cancel  context.CancelCauseFunc

	// resumeOnExit is set when Resume arrives before a paused runner stopped
	resumeOnExit bool
	keepPartial  bool
	evict        *time.Timer
}

func (e *entry) stopEviction() {
	if e.evict != nil {
		e.evict.Stop()
		e.evict = nil
	}
}
