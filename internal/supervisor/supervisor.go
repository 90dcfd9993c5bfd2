// Package supervisor owns the lifecycle of the single backend worker process:
// launch with an injected environment, line-by-line capture of both output
// streams, asynchronous exit detection, and graceful termination with a
// bounded SIGKILL escalation.
//
// There is no restart policy: a crashed worker stays down until the gateway
// itself is restarted.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"fractal-gateway/internal/config"
	"fractal-gateway/internal/metrics"
)

// ErrAlreadyRunning is returned by Launch while a previously launched worker
// has not fully exited. At most one worker exists at any time.
var ErrAlreadyRunning = errors.New("worker already running")

// maxLogLineBytes bounds a single captured output line.
const maxLogLineBytes = 256 * 1024

// Process is a handle to a launched worker. It is read-mostly: request
// handling code may observe it, but only the Supervisor mutates it.
type Process struct {
	cmd  *exec.Cmd
	pid  int
	port int

	done chan struct{} // closed once Wait has collected the exit status

	mu      sync.Mutex
	waitErr error
}

// PID returns the operating system process ID of the worker.
func (p *Process) PID() int { return p.pid }

// Port returns the loopback port the worker was told to bind.
func (p *Process) Port() int { return p.port }

// Done returns a channel closed when the worker has exited and its exit
// status has been collected.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the worker has exited (cleanly or by crash).
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error from Wait, or nil for a clean exit. It is only
// meaningful after Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Supervisor launches and terminates the single worker process.
type Supervisor struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	current *Process
}

// New creates a Supervisor. The metrics parameter is optional; pass nil to
// disable worker metrics recording.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		logger:  logger.With("component", "supervisor"),
		metrics: m,
	}
}

// Current returns the handle of the most recently launched worker, or nil if
// none has been launched.
func (s *Supervisor) Current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Launch starts the worker with the configured command, working directory and
// environment, and begins draining its output streams in the background.
// A launch failure (missing binary, permission denied) is returned to the
// caller; it is fatal to gateway startup.
func (s *Supervisor) Launch(_ context.Context) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && !s.current.Exited() {
		return nil, ErrAlreadyRunning
	}

	w := &s.cfg.Worker
	cmd := exec.Command(w.Command, w.Args...)
	cmd.Dir = w.Dir
	cmd.Env = workerEnv(w)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("launch worker: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("launch worker: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch worker %q: %w", w.Command, err)
	}

	p := &Process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		port: w.Port,
		done: make(chan struct{}),
	}
	s.current = p

	s.logger.Info("worker started",
		"pid", p.pid,
		"port", p.port,
		"command", w.Command,
		"dir", w.Dir,
	)
	if s.metrics != nil {
		s.metrics.WorkerUp.Set(1)
	}

	// Drain both streams until they close, then collect the exit status.
	// Wait must not run before the pipes are fully read (os/exec contract).
	var drains sync.WaitGroup
	drains.Add(2)
	go s.drain(stdout, "stdout", &drains)
	go s.drain(stderr, "stderr", &drains)

	go func() {
		drains.Wait()
		err := cmd.Wait()

		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)

		if s.metrics != nil {
			s.metrics.WorkerUp.Set(0)
		}
		if err != nil {
			s.logger.Warn("worker exited", "pid", p.pid, "err", err)
		} else {
			s.logger.Info("worker exited", "pid", p.pid)
		}
	}()

	return p, nil
}

// Terminate asks the worker to exit with SIGTERM and waits for it. If the
// worker has not exited within the configured shutdown timeout (or ctx is
// canceled first), it is killed. Terminating an already-exited worker is a
// no-op.
func (s *Supervisor) Terminate(ctx context.Context, p *Process) error {
	if p == nil || p.Exited() {
		return nil
	}

	s.logger.Info("terminating worker", "pid", p.pid)
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// The worker may have exited between the Exited check and the signal;
		// fall through and wait for the exit status to be collected.
		s.logger.Debug("signal worker", "pid", p.pid, "err", err)
	}

	timer := time.NewTimer(s.cfg.Worker.ShutdownTimeout())
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		s.logger.Warn("worker did not exit within shutdown timeout; killing",
			"pid", p.pid,
			"timeout", s.cfg.Worker.ShutdownTimeout(),
		)
	case <-ctx.Done():
		s.logger.Warn("shutdown context canceled; killing worker", "pid", p.pid)
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("kill worker", "pid", p.pid, "err", err)
	}
	<-p.done
	return nil
}

// drain reads one output stream line by line and forwards it to the logger
// tagged by stream origin. It returns when the stream closes, which happens
// when the worker exits.
func (s *Supervisor) drain(r io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLogLineBytes)
	for sc.Scan() {
		s.logger.Info("worker output", "stream", stream, "line", sc.Text())
		if s.metrics != nil {
			s.metrics.WorkerLogLines.WithLabelValues(stream).Inc()
		}
	}
	if err := sc.Err(); err != nil {
		s.logger.Debug("worker output stream closed", "stream", stream, "err", err)
	}
}

// workerEnv builds the worker launch environment: the gateway's own
// environment plus the port and feature-flag overrides the worker expects.
func workerEnv(w *config.WorkerConfig) []string {
	env := append(os.Environ(),
		fmt.Sprintf("PORT=%d", w.Port),
		"FRACTAL_ONLY=1",
	)
	if w.MinimalBoot {
		env = append(env, "MINIMAL_BOOT=1")
	}
	env = append(env, fmt.Sprintf("FRACTAL_ENABLED=%t", w.FractalEnabled))
	return env
}
