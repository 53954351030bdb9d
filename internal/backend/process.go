package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ErrSpawnFailed is matched by every *SpawnError.
var ErrSpawnFailed = errors.New("spawn failed")

// SpawnError wraps the OS error returned while starting a worker.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }

// newCommand creates an exec.Cmd in its own process group so the whole
// subprocess tree can be signalled at once. It is deliberately not bound to
// a context: the owning session decides when the process dies.
func newCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// signalGroup signals every process in the group led by pid.
// A group that no longer exists is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal process group %d: %w", pid, err)
	}
	return nil
}

// Launcher spawns worker processes.
type Launcher struct {
	pm *ProcessManager
}

// NewLauncher creates a launcher. The ProcessManager is optional.
func NewLauncher(pm *ProcessManager) *Launcher {
	return &Launcher{pm: pm}
}

// Launch starts exactly one process rooted at c.Dir with combined output
// redirected to outputPath.
func (l *Launcher) Launch(ctx context.Context, c Command, outputPath string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Name == "" {
		return nil, &SpawnError{Command: "<empty>", Err: errors.New("no executable given")}
	}

	logFile, err := createFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("opening output log: %w", err)
	}

	stdout := logFile
	if c.StdoutPath != "" {
		stdout, err = createFile(c.StdoutPath)
		if err != nil {
			logFile.Close()
			return nil, fmt.Errorf("opening stdout file: %w", err)
		}
	}

	cmd := newCommand(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		closeFiles(logFile, stdout)
		return nil, &SpawnError{Command: c.Name, Err: err}
	}

	if l.pm != nil {
		l.pm.Track(cmd)
	}

	p := &Process{
		cmd:       cmd,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	go func() {
		p.waitErr = cmd.Wait()
		p.exitCode = cmd.ProcessState.ExitCode()
		closeFiles(logFile, stdout)
		if l.pm != nil {
			l.pm.Untrack(cmd)
		}
		close(p.done)
	}()

	return p, nil
}

func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
}

func closeFiles(files ...*os.File) {
	seen := make(map[*os.File]bool)
	for _, f := range files {
		if f != nil && !seen[f] {
			seen[f] = true
			f.Close()
		}
	}
}

// Process is the handle of one running worker. It is owned by exactly one
// session and must never be persisted.
type Process struct {
	cmd       *exec.Cmd
	done      chan struct{}
	exitCode  int
	waitErr   error
	startedAt time.Time
}

// Pid returns the process ID, which is also its process-group ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code, -1 if killed by a signal. Only valid
// after Done is closed.
func (p *Process) ExitCode() int {
	return p.exitCode
}

// Err returns the error from Wait. Only valid after Done is closed.
func (p *Process) Err() error {
	return p.waitErr
}

// Terminate sends SIGTERM to the process group, waits up to grace for the
// leader to exit, then sends SIGKILL to whatever is left of the group.
// It returns once the leader has been reaped.
func (p *Process) Terminate(grace time.Duration) error {
	if err := signalGroup(p.Pid(), syscall.SIGTERM); err != nil {
		return p.Kill()
	}
	if grace > 0 {
		select {
		case <-p.done:
		case <-time.After(grace):
		}
	}
	return p.Kill()
}

// Kill sends SIGKILL to the whole process group and waits for the leader
// to be reaped.
func (p *Process) Kill() error {
	err := signalGroup(p.Pid(), syscall.SIGKILL)
	<-p.done
	return err
}

// ReapGroup kills any descendants that outlived a leader which already
// exited on its own.
func (p *Process) ReapGroup() error {
	return signalGroup(p.Pid(), syscall.SIGKILL)
}

// ProcessManager is the registry of live worker processes. A Launcher
// given one adds every process it starts and removes it once reaped, so
// the registry holds exactly the workers still running. graphrun calls
// KillAll after an interrupted command returns, which reaps workers whose
// sessions did not get to stop them.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after it was reaped.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll sends SIGKILL to the process group of every tracked process.
// Tracked processes stay registered until their Launcher reaps them.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid := range pm.procs {
		if err := signalGroup(pid, syscall.SIGKILL); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
