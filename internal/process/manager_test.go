package process

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(Config{
		Name:   "test-proc",
		Binary: "/usr/bin/test",
		Args:   []string{"--flag"},
	})

	if m.config.Name != "test-proc" {
		t.Errorf("Name = %q, want %q", m.config.Name, "test-proc")
	}
	if m.config.GracefulTimeout != defaultGracefulTimeout {
		t.Errorf("GracefulTimeout = %v, want %v", m.config.GracefulTimeout, defaultGracefulTimeout)
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusStopped)
	}
	if m.PID() != 0 {
		t.Errorf("PID() = %d, want 0", m.PID())
	}
	if m.Done() != nil {
		t.Error("Done() != nil before Start()")
	}
}

func TestManager_StopWhenNotRunning(t *testing.T) {
	m := NewManager(Config{Name: "test", Binary: "/bin/true"})

	// Stopping a non-running process should be a no-op
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() on stopped process error = %v, want nil", err)
	}
}

func TestManager_StartAlreadyRunning(t *testing.T) {
	m := NewManager(Config{
		Name:   "test",
		Binary: "/bin/sleep",
		Args:   []string{"10"},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	defer m.Stop() //nolint:errcheck // test cleanup

	if err := m.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestManager_StartAndStop(t *testing.T) {
	var exitCalled sync.WaitGroup
	exitCalled.Add(1)
	pidSeen := 0
	m := NewManager(Config{
		Name:            "test-sleep",
		Binary:          "/bin/sleep",
		Args:            []string{"60"},
		GracefulTimeout: 2 * time.Second,
		OnStart:         func(pid int) { pidSeen = pid },
		OnExit:          func(error) { exitCalled.Done() },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !m.IsRunning() {
		t.Error("IsRunning() = false after Start()")
	}
	if m.PID() == 0 || pidSeen != m.PID() {
		t.Errorf("PID() = %d, OnStart saw %d", m.PID(), pidSeen)
	}
	if m.Stats().Uptime <= 0 {
		t.Error("Stats().Uptime = 0 while running")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	exitCalled.Wait()
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q after Stop(), want %q", m.Status(), StatusStopped)
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done() not closed after Stop()")
	}
}

func TestManager_ExitStatus(t *testing.T) {
	tests := []struct {
		name    string
		binary  string
		want    Status
		wantErr bool
	}{
		{"clean exit", "/bin/true", StatusExited, false},
		{"failing exit", "/bin/false", StatusFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(Config{Name: tt.name, Binary: tt.binary})
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := m.Start(ctx); err != nil {
				t.Fatalf("Start() error: %v", err)
			}
			err := m.Wait(ctx)
			if (err != nil) != tt.wantErr {
				t.Errorf("Wait() error = %v, wantErr %v", err, tt.wantErr)
			}
			if m.Status() != tt.want {
				t.Errorf("Status() = %q, want %q", m.Status(), tt.want)
			}
			if tt.wantErr && m.Stats().LastError == "" {
				t.Error("Stats().LastError is empty after a failing exit")
			}
		})
	}
}

func TestManager_StartWithInvalidBinary(t *testing.T) {
	m := NewManager(Config{
		Name:   "bad-binary",
		Binary: "/nonexistent/binary",
	})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start() with invalid binary expected error, got nil")
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusFailed)
	}
	if err := m.Wait(context.Background()); err == nil {
		t.Error("Wait() after a failed start error = nil")
	}
}

func TestManager_EnvAndExtraFiles(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}
	defer r.Close()

	m := NewManager(Config{
		Name:       "report",
		Binary:     "/bin/sh",
		Args:       []string{"-c", `echo "$REPORT_VALUE" >&3`},
		Env:        []string{"REPORT_VALUE=ready"},
		ExtraFiles: []*os.File{w},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	w.Close() //nolint:errcheck // the child holds its own copy
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}

	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	if got := strings.TrimSpace(string(buf[:n])); got != "ready" {
		t.Errorf("fd 3 carried %q, want ready", got)
	}
}

type recordingLogger struct {
	noopLogger
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Debug(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == "line" {
			l.lines = append(l.lines, args[i+1].(string))
		}
	}
}

func TestManager_LogsOutputLines(t *testing.T) {
	log := &recordingLogger{}
	m := NewManager(Config{
		Name:   "echo",
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo one; echo two >&2"},
	})
	m.SetLogger(log)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.lines) != 2 {
		t.Fatalf("logged lines = %q, want one and two", log.lines)
	}
	for _, want := range []string{"one", "two"} {
		found := false
		for _, l := range log.lines {
			found = found || l == want
		}
		if !found {
			t.Errorf("logged lines = %q, missing %q", log.lines, want)
		}
	}
}
