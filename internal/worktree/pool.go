package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/graphrun/internal/events"
	"github.com/aristath/graphrun/internal/logging"
)

// PoolConfig configures a workspace pool.
type PoolConfig struct {
	Capacity     int    // Maximum simultaneously checked-out workspaces
	Root         string // Directory holding the workspaces
	BranchPrefix string // Prefix for per-task branches (default "graphrun")
	Recycle      bool   // Clean and keep checkouts on release instead of deleting them
	Backend      Backend
	Bus          *events.EventBus // Optional telemetry sink
	Logger       *slog.Logger
	Now          func() time.Time
}

// Pool bounds the number of concurrently checked-out workspaces. Slots are
// granted through a counting semaphore; the occupancy map is guarded by mu.
type Pool struct {
	cfg  PoolConfig
	sem  *semaphore.Weighted
	log  *slog.Logger
	root string

	mu        sync.Mutex
	slots     []*slot
	paths     map[string]int // path -> slot, enforces pool-wide path uniqueness
	nextGrant uint64
	closed    bool
}

type slot struct {
	id         int
	ws         *Workspace // nil when the slot holds no checkout
	busy       bool       // granted or tearing down
	grant      uint64     // zero once the current grant was released
	acquiredAt time.Time
}

// Lease is an exclusive ownership grant for one workspace.
type Lease struct {
	Workspace Workspace

	pool  *Pool
	slot  int
	grant uint64
}

// Release returns the workspace to its pool. See Pool.Release.
func (l *Lease) Release(ctx context.Context) (Workspace, error) {
	return l.pool.Release(ctx, l)
}

// NewPool creates a pool. Workspaces are created lazily on first acquire.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Backend == nil {
		return nil, errors.New("pool requires a backend")
	}
	if cfg.Root == "" {
		return nil, errors.New("pool requires a root directory")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving pool root: %w", err)
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "graphrun"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Pool{
		cfg:   cfg,
		sem:   semaphore.NewWeighted(int64(cfg.Capacity)),
		log:   logging.OrDiscard(cfg.Logger).With("component", "workspace-pool"),
		root:  root,
		slots: make([]*slot, cfg.Capacity),
		paths: make(map[string]int),
	}
	for i := range p.slots {
		p.slots[i] = &slot{id: i}
	}
	return p, nil
}

// Capacity returns the configured maximum.
func (p *Pool) Capacity() int {
	return p.cfg.Capacity
}

// Acquire blocks until a slot is free, then checks out (or reuses) a
// workspace on a fresh branch and grants it to taskID.
func (p *Pool) Acquire(ctx context.Context, taskID string) (*Lease, error) {
	return p.AcquireReserved(ctx, taskID, nil)
}

// AcquireReserved is Acquire with a hook called with the StatusReserved
// workspace once its path and branch are chosen, before the backend creates
// the checkout. A caller that persists the reservation can remove the
// checkout after a crash. reserved is not called when a recycled checkout
// is reused.
func (p *Pool) AcquireReserved(ctx context.Context, taskID string, reserved func(Workspace)) (*Lease, error) {
	start := p.cfg.Now()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	s := p.pickSlot()
	s.busy = true
	p.nextGrant++
	grant := p.nextGrant
	s.grant = grant
	var existing *Workspace
	if s.ws != nil {
		cp := *s.ws
		existing = &cp
	}
	p.mu.Unlock()

	ws, err := p.prepare(ctx, s.id, existing, taskID, reserved)
	if err != nil {
		p.mu.Lock()
		if existing != nil {
			delete(p.paths, existing.Path)
		}
		s.ws = nil
		s.busy = false
		s.grant = 0
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, fmt.Errorf("%w: task %s: %w", ErrCheckout, taskID, err)
	}

	now := p.cfg.Now()
	p.mu.Lock()
	ws.Status = StatusActive
	ws.TaskID = taskID
	s.ws = ws
	s.acquiredAt = now
	p.paths[ws.Path] = s.id
	snapshot := *ws
	p.mu.Unlock()

	wait := now.Sub(start)
	p.log.Debug("workspace acquired", "slot", s.id, "path", snapshot.Path, "task_id", taskID, "wait", wait)
	p.cfg.Bus.Publish(events.WorkspaceAcquiredEvent{
		Slot:      s.id,
		Path:      snapshot.Path,
		Branch:    snapshot.Branch,
		Task:      taskID,
		Wait:      wait,
		Timestamp: now,
	})

	return &Lease{Workspace: snapshot, pool: p, slot: s.id, grant: grant}, nil
}

// pickSlot prefers an idle slot that still holds a recycled checkout.
// The semaphore guarantees at least one idle slot exists. Callers hold mu.
func (p *Pool) pickSlot() *slot {
	var empty *slot
	for _, s := range p.slots {
		if s.busy {
			continue
		}
		if s.ws != nil {
			return s
		}
		if empty == nil {
			empty = s
		}
	}
	return empty
}

// prepare reuses a recycled checkout when possible and falls back to a new one.
func (p *Pool) prepare(ctx context.Context, slotID int, existing *Workspace, taskID string, reserved func(Workspace)) (*Workspace, error) {
	suffix := uuid.New().String()[:8]
	branch := fmt.Sprintf("%s/%s-%s", p.cfg.BranchPrefix, sanitizeRef(taskID), suffix)

	if existing != nil {
		head, err := p.cfg.Backend.Switch(ctx, existing.Path, existing.Branch, branch)
		if err == nil {
			existing.Branch = branch
			existing.Head = head
			return existing, nil
		}
		p.log.Warn("recycled workspace unusable, replacing it", "slot", slotID, "path", existing.Path, "err", err)
		if rmErr := p.cfg.Backend.Remove(ctx, existing.Path, existing.Branch); rmErr != nil {
			p.log.Warn("failed to remove recycled workspace", "path", existing.Path, "err", rmErr)
		}
		p.mu.Lock()
		delete(p.paths, existing.Path)
		p.mu.Unlock()
	}

	path := filepath.Join(p.root, fmt.Sprintf("ws-%d-%s", slotID, suffix))
	p.mu.Lock()
	if _, taken := p.paths[path]; taken {
		p.mu.Unlock()
		return nil, fmt.Errorf("workspace path %s already in use", path)
	}
	p.mu.Unlock()

	if reserved != nil {
		reserved(Workspace{Slot: slotID, Path: path, Branch: branch, TaskID: taskID, Status: StatusReserved, CreatedAt: p.cfg.Now()})
	}
	head, err := p.cfg.Backend.Checkout(ctx, path, branch)
	if err != nil {
		// A partial checkout must not outlive the failed acquire.
		if rmErr := p.cfg.Backend.Remove(context.WithoutCancel(ctx), path, branch); rmErr != nil {
			p.log.Warn("failed to remove partial workspace", "path", path, "err", rmErr)
		}
		return nil, err
	}
	return &Workspace{
		Slot:      slotID,
		Path:      path,
		Branch:    branch,
		Head:      head,
		Status:    StatusCreated,
		CreatedAt: p.cfg.Now(),
	}, nil
}

// Release tears the workspace down and returns its slot. It is idempotent:
// releasing a lease that was already released is a no-op returning the
// zero Workspace. Teardown errors are returned but the slot is freed anyway.
func (p *Pool) Release(ctx context.Context, lease *Lease) (Workspace, error) {
	if lease == nil {
		return Workspace{}, nil
	}

	p.mu.Lock()
	if lease.slot < 0 || lease.slot >= len(p.slots) {
		p.mu.Unlock()
		return Workspace{}, fmt.Errorf("lease references unknown slot %d", lease.slot)
	}
	s := p.slots[lease.slot]
	if !s.busy || s.grant != lease.grant || s.ws == nil {
		p.mu.Unlock()
		return Workspace{}, nil
	}
	s.grant = 0
	s.ws.Status = StatusCleaning
	ws := *s.ws
	held := p.cfg.Now().Sub(s.acquiredAt)
	recycle := p.cfg.Recycle && !p.closed
	p.mu.Unlock()

	// Teardown must finish even when the caller's context is already cancelled.
	teardownCtx := context.WithoutCancel(ctx)

	var teardownErr error
	recycled := false
	if recycle {
		if err := p.cfg.Backend.Clean(teardownCtx, ws.Path); err != nil {
			p.log.Warn("workspace clean failed, removing it", "path", ws.Path, "err", err)
		} else {
			recycled = true
		}
	}
	if !recycled {
		teardownErr = p.cfg.Backend.Remove(teardownCtx, ws.Path, ws.Branch)
	}

	p.mu.Lock()
	if recycled {
		s.ws.Status = StatusCreated
		s.ws.TaskID = ""
	} else {
		s.ws.Status = StatusRemoved
		delete(p.paths, ws.Path)
	}
	final := *s.ws
	final.TaskID = ws.TaskID
	if !recycled {
		s.ws = nil
	}
	s.busy = false
	p.mu.Unlock()
	p.sem.Release(1)

	errText := ""
	if teardownErr != nil {
		errText = teardownErr.Error()
		p.log.Warn("workspace teardown failed", "slot", ws.Slot, "path", ws.Path, "err", teardownErr)
	}
	p.log.Debug("workspace released", "slot", ws.Slot, "path", ws.Path, "task_id", ws.TaskID, "recycled", recycled, "held", held)
	p.cfg.Bus.Publish(events.WorkspaceReleasedEvent{
		Slot:      ws.Slot,
		Path:      ws.Path,
		Task:      ws.TaskID,
		Recycled:  recycled,
		Held:      held,
		Err:       errText,
		Timestamp: p.cfg.Now(),
	})

	return final, teardownErr
}

// Occupancy returns path -> owning task for every Active workspace.
func (p *Pool) Occupancy() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]string)
	for _, s := range p.slots {
		if s.ws != nil && s.ws.Status == StatusActive {
			out[s.ws.Path] = s.ws.TaskID
		}
	}
	return out
}

// Workspaces returns a snapshot of every workspace the pool holds.
func (p *Pool) Workspaces() []Workspace {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Workspace
	for _, s := range p.slots {
		if s.ws != nil {
			out = append(out, *s.ws)
		}
	}
	return out
}

// Active returns the number of granted slots.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, s := range p.slots {
		if s.busy {
			n++
		}
	}
	return n
}

// Recover force-removes workspaces left behind by a crashed run and prunes
// backend metadata. Missing checkouts are not an error.
func (p *Pool) Recover(ctx context.Context, stale []Workspace) error {
	var errs []error
	for _, ws := range stale {
		p.mu.Lock()
		_, live := p.paths[ws.Path]
		p.mu.Unlock()
		if live {
			continue
		}
		p.log.Info("removing stale workspace", "path", ws.Path, "task_id", ws.TaskID)
		if err := p.cfg.Backend.Remove(ctx, ws.Path, ws.Branch); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.cfg.Backend.Prune(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Shutdown stops new grants, waits for every outstanding lease to be
// released, then removes recycled checkouts.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	capacity := int64(p.cfg.Capacity)
	if err := p.sem.Acquire(ctx, capacity); err != nil {
		return fmt.Errorf("waiting for outstanding workspaces: %w", err)
	}
	defer p.sem.Release(capacity)

	p.mu.Lock()
	var idle []Workspace
	for _, s := range p.slots {
		if s.ws != nil {
			idle = append(idle, *s.ws)
			s.ws = nil
		}
	}
	p.paths = make(map[string]int)
	p.mu.Unlock()

	var errs []error
	for _, ws := range idle {
		if err := p.cfg.Backend.Remove(ctx, ws.Path, ws.Branch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var unsafeRef = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeRef(s string) string {
	s = unsafeRef.ReplaceAllString(s, "-")
	if s == "" {
		return "task"
	}
	return s
}
