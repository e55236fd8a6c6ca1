package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of a managed process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	// StatusExited means the process ended on its own with exit code 0.
	StatusExited Status = "exited"
	StatusFailed Status = "failed"
)

const defaultGracefulTimeout = 10 * time.Second

// ErrAlreadyRunning is returned by Start on a running manager.
var ErrAlreadyRunning = errors.New("process: already running")

// Config holds configuration for a managed subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format),
	// appended to the parent environment.
	Env []string

	// ExtraFiles are inherited by the child as fd 3, 4, ...
	ExtraFiles []*os.File

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// OnStart is called with the pid once the process is running.
	OnStart func(pid int)

	// OnExit is called when the process ends, with the error from Wait.
	OnExit func(err error)
}

// Logger defines the logging interface for the process manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager runs one subprocess and reports when it ends. It does not
// restart it.
type Manager struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	exitErr       error
	startTime     time.Time
	stopRequested bool

	done chan struct{}
}

// NewManager creates a new process manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the subprocess. Cancelling ctx kills it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, m.config.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.exitErr = nil
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.logger.Info("starting process",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"args", m.config.Args,
	)

	cmd := exec.CommandContext(ctx, m.config.Binary, m.config.Args...) //nolint:gosec // binary chosen by the caller

	// A process group lets Stop signal anything the child spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), m.config.Env...)
	cmd.ExtraFiles = m.config.ExtraFiles
	if m.config.WorkDir != "" {
		cmd.Dir = m.config.WorkDir
	}
	cmd.Stdout = &lineLogger{m: m, stream: "stdout"}
	cmd.Stderr = &lineLogger{m: m, stream: "stderr"}
	cmd.WaitDelay = m.config.GracefulTimeout

	if err := cmd.Start(); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.exitErr = err
		m.mu.Unlock()
		close(done)
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.status = StatusRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	pid := cmd.Process.Pid
	m.logger.Info("process started", "name", m.config.Name, "pid", pid)
	if m.config.OnStart != nil {
		m.config.OnStart(pid)
	}

	go m.wait(cmd, done)
	return nil
}

func (m *Manager) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	m.mu.Lock()
	switch {
	case m.stopRequested:
		m.status = StatusStopped
	case err == nil:
		m.status = StatusExited
	default:
		m.status = StatusFailed
	}
	m.exitErr = err
	stopped := m.stopRequested
	m.mu.Unlock()

	if stopped {
		m.logger.Info("process stopped as requested", "name", m.config.Name)
	} else if err != nil {
		m.logger.Warn("process exited unexpectedly", "name", m.config.Name, "error", err)
	} else {
		m.logger.Info("process exited", "name", m.config.Name)
	}

	close(done)
	if m.config.OnExit != nil {
		m.config.OnExit(err)
	}
}

// Stop sends SIGTERM to the process group, then SIGKILL after
// GracefulTimeout, and waits for the process to end.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.status != StatusRunning || m.cmd == nil || m.cmd.Process == nil {
		m.mu.Unlock()
		return nil
	}
	m.stopRequested = true
	pid := m.cmd.Process.Pid
	done := m.done
	m.mu.Unlock()

	m.logger.Info("stopping process", "name", m.config.Name, "pid", pid)

	// Negative pid signals the group created via Setpgid.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.logger.Warn("failed to send SIGTERM to process group", "name", m.config.Name, "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(m.config.GracefulTimeout):
		m.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", m.config.Name,
			"timeout", m.config.GracefulTimeout,
		)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
	}
	<-done
	m.logger.Info("process killed", "name", m.config.Name)
	return nil
}

// Wait blocks until the process ends or ctx is done, and returns the
// error from the process.
func (m *Manager) Wait(ctx context.Context) error {
	done := m.Done()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return m.ExitError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the process ends. It is nil before Start.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// Status returns the current status of the managed process.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning returns true if the process is currently running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// ExitError returns the error the process ended with.
func (m *Manager) ExitError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exitErr
}

// Uptime returns how long the process has been running.
// Returns 0 if the process is not running.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// PID returns the process ID, or 0 if never started.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Stats returns statistics about the managed process.
type Stats struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:   m.config.Name,
		Status: m.status,
	}
	if m.cmd != nil && m.cmd.Process != nil {
		stats.PID = m.cmd.Process.Pid
	}
	if m.status == StatusRunning {
		stats.Uptime = time.Since(m.startTime)
	}
	if m.exitErr != nil {
		stats.LastError = m.exitErr.Error()
	}
	return stats
}

// lineLogger logs subprocess output one line at a time.
type lineLogger struct {
	m      *Manager
	stream string
	mu     sync.Mutex
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.m.logger.Debug("process output",
			"name", l.m.config.Name,
			"stream", l.stream,
			"line", string(l.buf[:i]),
		)
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
