package adapters

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

const (
	DefaultStartTimeout = 2 * time.Second
	DefaultStopGrace    = 3 * time.Second

	// Bound on waiting for the reaper after SIGKILL.
	killWait = 5 * time.Second
)

// EngineBinaryName is the engine executable looked up next to the daemon.
func EngineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "xray.exe"
	}
	return "xray"
}

// ResolveEngineBinary returns configured when set, otherwise the engine
// executable in the daemon's own directory.
func ResolveEngineBinary(configured string) (string, error) {
	if configured != "" {
		return filepath.Abs(configured)
	}
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate daemon executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(self); err == nil {
		self = resolved
	}
	return filepath.Join(filepath.Dir(self), EngineBinaryName()), nil
}

type XrayOptions struct {
	Binary string
	// StartTimeout bounds the wait for the engine to report it started. An
	// engine still alive when it elapses is considered started.
	StartTimeout time.Duration
	// StopGrace is how long a terminated engine may take before it is killed.
	StopGrace time.Duration
}

// engineProcess is one spawned engine instance.
type engineProcess struct {
	cmd   *exec.Cmd
	pid   int
	done  chan struct{}
	ready chan struct{}

	stderr   *lineLogger
	exitErr  error
	stopping atomic.Bool
}

func (p *engineProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// XrayAdapter implements domain.EngineSupervisor for the xray executable.
// 🛡️ At most one engine is owned at a time; Start and Stop are serialized by
// opMu while polls only take the short state lock.
type XrayAdapter struct {
	opts   XrayOptions
	logger *slog.Logger

	opMu sync.Mutex

	mu      sync.Mutex
	proc    *engineProcess
	lastErr string
}

func NewXrayAdapter(opts XrayOptions, logger *slog.Logger) *XrayAdapter {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	return &XrayAdapter{
		opts:   opts,
		logger: logger.With("component", "engine"),
	}
}

func (a *XrayAdapter) Binary() string { return a.opts.Binary }

// Start launches the engine against runtimeConfigPath. It is a no-op when the
// engine is already running.
func (a *XrayAdapter) Start(runtimeConfigPath string) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if a.IsRunning() {
		return nil
	}
	a.release()

	if info, err := os.Stat(a.opts.Binary); err != nil || info.IsDir() {
		return a.fail(domain.BinaryNotFound(a.opts.Binary))
	}
	if _, err := os.Stat(runtimeConfigPath); err != nil {
		return a.fail(domain.ConfigNotFound(runtimeConfigPath))
	}

	proc := &engineProcess{
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(proc.ready) }) }

	cmd := exec.Command(a.opts.Binary, "-c", runtimeConfigPath, "-format=json")
	cmd.Dir = filepath.Dir(a.opts.Binary)
	cmd.Stdout = newLineLogger(a.logger, "stdout", markReady)
	proc.stderr = newLineLogger(a.logger, "stderr", markReady)
	cmd.Stderr = proc.stderr
	// Grandchildren holding the output pipes must not block the reaper.
	cmd.WaitDelay = time.Second
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return a.fail(domain.LaunchFailed("spawn engine", err))
	}
	proc.cmd = cmd
	proc.pid = cmd.Process.Pid

	go a.reap(proc)

	timer := time.NewTimer(a.opts.StartTimeout)
	defer timer.Stop()
	select {
	case <-proc.ready:
	case <-timer.C:
		// No readiness line; alive is good enough.
	case <-proc.done:
	}

	if proc.exited() {
		detail := "engine exited during startup"
		if tail := proc.stderr.Tail(); tail != "" {
			detail += ": " + tail
		}
		return a.fail(domain.LaunchFailed(detail, proc.exitErr))
	}

	a.mu.Lock()
	a.proc = proc
	a.lastErr = ""
	a.mu.Unlock()

	a.logger.Info("Engine started", "pid", proc.pid, "config", runtimeConfigPath)
	return nil
}

// reap waits for the process and records an unexpected exit.
func (a *XrayAdapter) reap(proc *engineProcess) {
	err := proc.cmd.Wait()
	proc.exitErr = err
	close(proc.done)

	if proc.stopping.Load() {
		return
	}

	msg := "engine exited"
	if err != nil {
		msg = fmt.Sprintf("engine exited: %v", err)
	}
	if tail := proc.stderr.Tail(); tail != "" {
		msg += " (" + tail + ")"
	}

	a.mu.Lock()
	owned := a.proc == proc
	if owned {
		a.lastErr = msg
	}
	a.mu.Unlock()

	if owned {
		a.logger.Warn("Engine exited unexpectedly", "pid", proc.pid, "error", err)
	}
}

// Stop terminates the engine's process group, escalating to SIGKILL after the
// grace window. It always leaves the adapter stopped.
func (a *XrayAdapter) Stop() {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	proc := a.proc
	a.proc = nil
	a.mu.Unlock()

	if proc == nil || proc.exited() {
		return
	}
	proc.stopping.Store(true)

	if err := terminate(proc.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		a.logger.Warn("Graceful engine termination failed", "pid", proc.pid, "error", err)
	}

	grace := time.NewTimer(a.opts.StopGrace)
	defer grace.Stop()
	select {
	case <-proc.done:
		a.logger.Info("Engine stopped", "pid", proc.pid)
		return
	case <-grace.C:
	}

	a.logger.Warn("Engine ignored termination, killing", "pid", proc.pid, "grace", a.opts.StopGrace)
	if err := kill(proc.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		a.logger.Error("Failed to kill engine", "pid", proc.pid, "error", err)
	}
	select {
	case <-proc.done:
	case <-time.After(killWait):
		a.logger.Error("Engine did not exit after kill", "pid", proc.pid)
	}
}

// IsRunning reports whether the owned engine is alive right now.
func (a *XrayAdapter) IsRunning() bool {
	a.mu.Lock()
	proc := a.proc
	a.mu.Unlock()

	if proc == nil || proc.exited() {
		return false
	}
	return alive(proc.cmd.Process)
}

// PID returns the engine pid, or 0 when not running.
func (a *XrayAdapter) PID() int {
	if !a.IsRunning() {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.proc == nil {
		return 0
	}
	return a.proc.pid
}

func (a *XrayAdapter) LastError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// release drops a handle whose process already exited.
func (a *XrayAdapter) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.proc = nil
}

func (a *XrayAdapter) fail(err error) error {
	a.mu.Lock()
	a.lastErr = err.Error()
	a.mu.Unlock()
	a.logger.Error("Engine start failed", "error", err)
	return err
}
