// Package balancer spreads sessions over execution hosts. It is advisory
// load spreading: the least-loaded healthy host gets the next session, and
// a host that drops off is excluded until it reports healthy again.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/graphrun/internal/logging"
	"github.com/aristath/graphrun/internal/session"
)

var (
	// ErrHostUnreachable is returned by hosts whose transport is gone.
	// Sessions that end with it are reported Failed and can be retried.
	ErrHostUnreachable = errors.New("host unreachable")
	// ErrNoHealthyHost is returned when every registered host is excluded.
	ErrNoHealthyHost = errors.New("no healthy host")
)

// Host is one execution target. A non-nil error means the session could
// not be run or observed on the host; it is not a task failure.
type Host interface {
	ID() string
	Execute(ctx context.Context, req session.Request) (session.Outcome, error)
}

// Config configures a Balancer.
type Config struct {
	FailureThreshold uint32        // Consecutive transport errors that open a host's breaker (default 5)
	OpenTimeout      time.Duration // How long an open breaker excludes its host (default 30s)
	HalfOpenRequests uint32        // Probe sessions allowed while half-open (default 3)
	Logger           *slog.Logger
	Now              func() time.Time
}

// HostInfo is a point-in-time view of one host.
type HostInfo struct {
	ID      string `json:"id"`
	Healthy bool   `json:"healthy"`
	Load    int    `json:"load"`
	Breaker string `json:"breaker"`
}

type hostEntry struct {
	host     Host
	breaker  *gobreaker.CircuitBreaker
	healthy  bool
	load     int
	inflight map[uint64]context.CancelCauseFunc
}

// Balancer implements session.Executor over a set of hosts.
type Balancer struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	hosts []*hostEntry // registration order breaks load ties
	byID  map[string]*hostEntry
	next  uint64
}

// New creates a balancer without hosts.
func New(cfg Config) *Balancer {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Balancer{
		cfg:  cfg,
		log:  logging.OrDiscard(cfg.Logger).With("component", "balancer"),
		byID: make(map[string]*hostEntry),
	}
}

// Register adds a host. New hosts start healthy.
func (b *Balancer) Register(h Host) error {
	id := h.ID()
	if id == "" {
		return errors.New("balancer: host has no ID")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.byID[id]; exists {
		return fmt.Errorf("balancer: host %q already registered", id)
	}
	entry := &hostEntry{
		host:     h,
		breaker:  b.newBreaker(id),
		healthy:  true,
		inflight: make(map[uint64]context.CancelCauseFunc),
	}
	b.hosts = append(b.hosts, entry)
	b.byID[id] = entry
	b.log.Info("host registered", "host", id)
	return nil
}

func (b *Balancer) newBreaker(id string) *gobreaker.CircuitBreaker {
	threshold := b.cfg.FailureThreshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: b.cfg.HalfOpenRequests,
		Interval:    0, // counts only reset on state changes
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("host breaker state changed", "host", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// The caller giving up says nothing about the host.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
}

// available reports whether the entry may receive sessions. Callers hold mu.
func (e *hostEntry) available() bool {
	return e.healthy && e.breaker.State() != gobreaker.StateOpen
}

// pickLocked returns the least-loaded available host, earliest registered
// on ties.
func (b *Balancer) pickLocked() (*hostEntry, error) {
	var best *hostEntry
	for _, e := range b.hosts {
		if !e.available() {
			continue
		}
		if best == nil || e.load < best.load {
			best = e
		}
	}
	if best == nil {
		return nil, ErrNoHealthyHost
	}
	return best, nil
}

// Pick returns the host the next session would go to, without assigning it.
func (b *Balancer) Pick() (Host, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, err := b.pickLocked()
	if err != nil {
		return nil, err
	}
	return e.host, nil
}

// ReportHealthy puts a host back into selection.
func (b *Balancer) ReportHealthy(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byID[id]
	if !ok {
		return fmt.Errorf("balancer: unknown host %q", id)
	}
	if !e.healthy {
		b.log.Info("host healthy again", "host", id)
	}
	e.healthy = true
	return nil
}

// ReportUnhealthy excludes a host until ReportHealthy. Sessions still
// running on it are cancelled and end Failed.
func (b *Balancer) ReportUnhealthy(id string, reason error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byID[id]
	if !ok {
		return fmt.Errorf("balancer: unknown host %q", id)
	}
	b.markUnhealthyLocked(e, reason)
	return nil
}

func (b *Balancer) markUnhealthyLocked(e *hostEntry, reason error) {
	id := e.host.ID()
	cause := fmt.Errorf("%w: %s: %v", ErrHostUnreachable, id, reason)
	if errors.Is(reason, ErrHostUnreachable) {
		cause = reason
	}
	if e.healthy {
		b.log.Warn("host marked unhealthy", "host", id, "in_flight", len(e.inflight), "err", reason)
	}
	e.healthy = false
	for _, cancel := range e.inflight {
		cancel(cause)
	}
}

// Hosts returns every registered host in registration order.
func (b *Balancer) Hosts() []HostInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]HostInfo, 0, len(b.hosts))
	for _, e := range b.hosts {
		out = append(out, HostInfo{
			ID:      e.host.ID(),
			Healthy: e.healthy,
			Load:    e.load,
			Breaker: e.breaker.State().String(),
		})
	}
	return out
}

// Execute implements session.Executor: it assigns the request to a host
// and runs it there through the host's breaker.
func (b *Balancer) Execute(ctx context.Context, req session.Request) session.Outcome {
	started := b.cfg.Now()

	b.mu.Lock()
	e, err := b.pickLocked()
	if err != nil {
		b.mu.Unlock()
		return b.failed(ctx, req, "", err, started)
	}
	b.next++
	token := b.next
	runCtx, cancel := context.WithCancelCause(ctx)
	e.load++
	e.inflight[token] = cancel
	b.mu.Unlock()

	id := e.host.ID()
	defer func() {
		cancel(nil)
		b.mu.Lock()
		e.load--
		delete(e.inflight, token)
		b.mu.Unlock()
	}()

	b.log.Debug("session assigned", "task_id", req.Task.ID, "attempt", req.Attempt, "host", id)
	res, err := e.breaker.Execute(func() (interface{}, error) {
		return e.host.Execute(runCtx, req)
	})
	// Cancelled by host loss rather than by the caller: retryable.
	lost := context.Cause(runCtx)
	if ctx.Err() != nil || !errors.Is(lost, ErrHostUnreachable) {
		lost = nil
	}

	if err != nil {
		if lost != nil {
			return b.failed(ctx, req, id, lost, started)
		}
		if errors.Is(err, ErrHostUnreachable) {
			b.mu.Lock()
			b.markUnhealthyLocked(e, err)
			b.mu.Unlock()
		}
		return b.failed(ctx, req, id, fmt.Errorf("host %s: %w", id, err), started)
	}

	out := res.(session.Outcome)
	if out.Host == "" {
		out.Host = id
	}
	if lost != nil && !out.Succeeded() {
		out.State = session.StateFailed
		out.Err = lost
	}
	return out
}

func (b *Balancer) failed(ctx context.Context, req session.Request, host string, err error, started time.Time) session.Outcome {
	state := session.StateFailed
	if ctx.Err() != nil {
		state = session.StateKilled
		err = fmt.Errorf("%w: %v", session.ErrKilled, err)
	}
	ended := b.cfg.Now()
	return session.Outcome{
		TaskID:    req.Task.ID,
		Attempt:   req.Attempt,
		State:     state,
		ExitCode:  -1,
		Err:       err,
		Host:      host,
		StartedAt: started,
		EndedAt:   ended,
		Duration:  ended.Sub(started),
	}
}

// LocalHost runs sessions in this process through an executor.
type LocalHost struct {
	id   string
	exec session.Executor
}

// NewLocalHost wraps exec as a host named id.
func NewLocalHost(id string, exec session.Executor) *LocalHost {
	return &LocalHost{id: id, exec: exec}
}

func (h *LocalHost) ID() string { return h.id }

// Execute never reports a transport error.
func (h *LocalHost) Execute(ctx context.Context, req session.Request) (session.Outcome, error) {
	return h.exec.Execute(ctx, req), nil
}
