package engine

import (
	"context"
	"time"

	"github.com/timrozday-mgnify/emgapi-v2/internal/store"
)

// Host is the surrounding workflow engine the controller runs inside.
// Suspending a run means its execution stack is discarded; the host is
// responsible for re-invoking the controller once the scheduled time
// arrives, reconstructing everything from the persisted RunState.
type Host interface {
	// ScheduleResume arranges for the run to be stepped again at (or soon
	// after) the given time.
	ScheduleResume(ctx context.Context, runID string, at time.Time) error
}

// StoreHost schedules resumptions by persisting resume_after on the run
// state; a scheduler loop (possibly in a different process) picks up due
// runs. This is what makes suspension survive process death.
type StoreHost struct {
	store store.Store
}

// NewStoreHost creates a store-backed host.
func NewStoreHost(s store.Store) *StoreHost {
	return &StoreHost{store: s}
}

func (h *StoreHost) ScheduleResume(ctx context.Context, runID string, at time.Time) error {
	return h.store.UpdateRun(ctx, runID, store.RunUpdate{ResumeAfter: &at})
}
