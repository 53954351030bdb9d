package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/graphrun/internal/logging"
	"github.com/aristath/graphrun/internal/persistence"
)

// Recorder appends checkpoints for one run and mirrors them into an
// in-memory State. After a write fails for good it stops writing and the
// run continues in degraded mode.
type Recorder struct {
	store persistence.Store // nil disables checkpointing
	runID string
	retry WriteRetry
	log   *slog.Logger

	mu       sync.Mutex
	state    persistence.State
	degraded bool
	warnings []string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRecorder creates a recorder seeded with state, which is the replayed
// state on resume and persistence.NewState() otherwise.
func NewRecorder(store persistence.Store, runID string, state persistence.State, retry WriteRetry, logger *slog.Logger) *Recorder {
	if state.TaskStatus == nil {
		state = persistence.NewState()
	}
	return &Recorder{
		store: store,
		runID: runID,
		retry: retry,
		log:   logging.OrDiscard(logger).With("run_id", runID),
		state: state,
	}
}

// Record appends one checkpoint. Failures never reach the caller; they
// switch the recorder to degraded mode instead.
func (r *Recorder) Record(ctx context.Context, kind persistence.Kind, payload any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(ctx, kind, payload)
}

func (r *Recorder) appendLocked(ctx context.Context, kind persistence.Kind, payload any) {
	if r.store == nil || r.degraded {
		return
	}

	var c persistence.Checkpoint
	err := retryWrite(context.WithoutCancel(ctx), r.retry, func() error {
		var appendErr error
		c, appendErr = r.store.Append(context.WithoutCancel(ctx), r.runID, kind, payload)
		return appendErr
	})
	if err != nil {
		r.degraded = true
		msg := fmt.Sprintf("checkpointing disabled after %s write failed: %v; this run cannot be resumed after a crash", kind, err)
		r.warnings = append(r.warnings, msg)
		r.log.Warn("checkpoint store failing, continuing in degraded mode", "kind", string(kind), "err", err)
		return
	}

	if err := r.state.Apply(c); err != nil {
		r.log.Error("failed to mirror checkpoint", "seq", c.Seq, "err", err)
	}
}

// Snapshot appends a snapshot of the mirrored state.
func (r *Recorder) Snapshot(ctx context.Context) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil || r.degraded {
		return
	}
	r.appendLocked(ctx, persistence.KindSnapshot, r.state.Snapshot())
}

// Start writes a snapshot every interval until Stop. A non-positive
// interval disables periodic snapshots.
func (r *Recorder) Start(ctx context.Context, interval time.Duration) {
	if r == nil || r.store == nil || interval <= 0 {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Snapshot(ctx)
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends periodic snapshots and waits for the writer to exit.
func (r *Recorder) Stop() {
	if r == nil || r.stop == nil {
		return
	}
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Degraded reports whether checkpointing was given up.
func (r *Recorder) Degraded() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// Warnings returns the degraded-mode warnings.
func (r *Recorder) Warnings() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.warnings...)
}

// State returns a copy of the mirrored state.
func (r *Recorder) State() persistence.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.state.Snapshot()
	st := persistence.NewState()
	st.TaskStatus = snap.Tasks
	st.Attempts = snap.Attempts
	st.LastErrors = snap.LastErrors
	st.Workspaces = snap.Workspaces
	st.LastSeq = r.state.LastSeq
	st.Finished = r.state.Finished
	st.FinalStatus = r.state.FinalStatus
	return st
}
