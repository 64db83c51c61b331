// Package supervisor launches and tracks external workload processes.
package supervisor

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

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	// ErrStart wraps every failure to launch a workload.
	ErrStart = errors.New("supervisor: workload failed to start")
	// ErrNoProcess means the process is already gone.
	ErrNoProcess = errors.New("supervisor: no such process")
)

const pollInterval = 50 * time.Millisecond

// Spec describes a workload process.
type Spec struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	LogPath string // stdout and stderr are appended here when set
}

// Handle is a live reference to a workload process.
type Handle interface {
	PID() int
	Alive() bool
	// Terminate sends SIGTERM, escalating to SIGKILL after the stop timeout.
	// It returns ErrNoProcess when the process is already gone.
	Terminate(ctx context.Context) error
}

// Supervisor starts workloads in their own process group so they outlive
// the orchestrator, and reaps the ones it started itself.
type Supervisor struct {
	startGrace  time.Duration
	stopTimeout time.Duration
	logger      *zap.Logger

	mu    sync.Mutex
	owned map[int]*process
}

// Opts configures a Supervisor.
type Opts struct {
	// StartGrace is how long a fresh process must survive before Start
	// reports success. Zero disables the check.
	StartGrace  time.Duration
	StopTimeout time.Duration
	Logger      *zap.Logger
}

// New creates a Supervisor.
func New(opts Opts) *Supervisor {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Supervisor{
		startGrace:  opts.StartGrace,
		stopTimeout: opts.StopTimeout,
		logger:      opts.Logger,
		owned:       make(map[int]*process),
	}
}

// Start launches the workload. It never retries.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrStart)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("%w: log dir: %w", ErrStart, err)
		}
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: open log: %w", ErrStart, err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrStart, spec.Command, err)
	}

	p := &process{
		pid:  cmd.Process.Pid,
		sup:  s,
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.owned[p.pid] = p
	s.mu.Unlock()

	go func() {
		p.exitErr = cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		s.mu.Lock()
		delete(s.owned, p.pid)
		s.mu.Unlock()
		close(p.done)
		s.logger.Info("workload exited",
			zap.String("name", spec.Name),
			zap.Int("pid", p.pid),
			zap.NamedError("exit", p.exitErr))
	}()

	if s.startGrace > 0 {
		timer := time.NewTimer(s.startGrace)
		defer timer.Stop()
		select {
		case <-p.done:
			return nil, fmt.Errorf("%w: %s exited during startup: %v", ErrStart, spec.Command, p.exitErr)
		case <-ctx.Done():
			p.Terminate(context.Background())
			return nil, fmt.Errorf("%w: %w", ErrStart, ctx.Err())
		case <-timer.C:
		}
	}

	s.logger.Info("workload started", zap.String("name", spec.Name), zap.Int("pid", p.pid))
	return p, nil
}

// Attach returns a handle for a pid recorded earlier, possibly by a previous
// orchestrator process.
func (s *Supervisor) Attach(pid int) Handle {
	s.mu.Lock()
	p, ok := s.owned[pid]
	s.mu.Unlock()
	if ok {
		return p
	}
	return &attached{pid: pid, sup: s}
}

// stop signals target and waits for exited, escalating to SIGKILL.
func (s *Supervisor) stop(ctx context.Context, target int, exited func() bool) error {
	if err := unix.Kill(target, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrNoProcess
		}
		return fmt.Errorf("supervisor: sigterm %d: %w", target, err)
	}

	deadline := time.NewTimer(s.stopTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !exited() {
		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
		case <-deadline.C:
		}
		s.logger.Warn("workload did not exit after SIGTERM, killing", zap.Int("target", target))
		if err := unix.Kill(target, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("supervisor: sigkill %d: %w", target, err)
		}
		return nil
	}
	return nil
}

// process is a workload started by this Supervisor.
type process struct {
	pid     int
	sup     *Supervisor
	done    chan struct{}
	exitErr error
}

func (p *process) PID() int { return p.pid }

func (p *process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) Terminate(ctx context.Context) error {
	if !p.Alive() {
		return ErrNoProcess
	}
	// Signal the whole group so helpers spawned by the workload go too.
	return p.sup.stop(ctx, -p.pid, func() bool { return !p.Alive() })
}

// attached is a workload known only by pid.
type attached struct {
	pid int
	sup *Supervisor
}

func (a *attached) PID() int { return a.pid }

func (a *attached) Alive() bool {
	return pidAlive(a.pid)
}

func (a *attached) Terminate(ctx context.Context) error {
	if !a.Alive() {
		return ErrNoProcess
	}
	return a.sup.stop(ctx, a.pid, func() bool { return !a.Alive() })
}

// pidAlive probes the process table with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
