// Package process starts and stops the external processes a pipeline
// drives: tool invocations that run to completion and long-running
// services that are launched and left alone.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const stopGrace = 5 * time.Second

var ErrNotRunning = errors.New("process not running")

type Command struct {
	// Name identifies the process to the supervisor; services are
	// replaced by name.
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Environ is os.Environ without the variables whose names start with any
// of hide.
func Environ(hide ...string) []string {
	var out []string
	for _, kv := range os.Environ() {
		if !slices.ContainsFunc(hide, func(p string) bool { return p != "" && strings.HasPrefix(kv, p) }) {
			out = append(out, kv)
		}
	}
	return out
}

// Shell wraps a script in "sh -c".
func Shell(name, script string) Command {
	return Command{Name: name, Args: []string{"sh", "-c", script}}
}

func (c Command) validate() error {
	if len(c.Args) == 0 {
		return fmt.Errorf("%s: empty command", c.Name)
	}
	return nil
}

func (c Command) command(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = stopGrace
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	return cmd
}

// detached is not bound to any context: services outlive the stage
// that started them.
func (c Command) detached() *exec.Cmd {
	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	return cmd
}

// ExitError is returned when a process ran but exited nonzero.
type ExitError struct {
	Name string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
}

type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*Handle
	l     *slog.Logger
}

func New(l *slog.Logger) *Supervisor {
	return &Supervisor{procs: make(map[string]*Handle), l: l}
}

// Run executes c and waits for it. Cancelling ctx terminates the process.
func (s *Supervisor) Run(ctx context.Context, c Command, stdout, stderr io.Writer) error {
	if err := c.validate(); err != nil {
		return err
	}
	cmd := c.command(ctx)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	s.l.Info("running process", "name", c.Name, "argv", c.Args)
	err := cmd.Run()
	s.l.Info("process finished", "name", c.Name, "duration", time.Since(start), "error", err)

	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", c.Name, ctxErr)
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Name: c.Name, Code: ee.ExitCode()}
	}
	return fmt.Errorf("%s: %w", c.Name, err)
}

// Handle is a background process. Nothing waits on it unless asked to.
type Handle struct {
	Name string
	Pid  int

	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err is the process's exit error once Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Stop sends SIGTERM and escalates to SIGKILL after the grace period or
// when ctx ends.
func (h *Handle) Stop(ctx context.Context) error {
	if h.Exited() {
		return nil
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %s: %w", h.Name, err)
	}

	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", h.Name, err)
	}
	<-h.done
	return nil
}

// Start launches c without waiting for it. The process outlives ctx; a
// process already registered under c.Name is stopped first.
func (s *Supervisor) Start(ctx context.Context, c Command, stdout, stderr io.Writer) (*Handle, error) {
	if err := s.Stop(ctx, c.Name); err != nil && !errors.Is(err, ErrNotRunning) {
		return nil, fmt.Errorf("replacing %s: %w", c.Name, err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	cmd := c.detached()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Name, err)
	}

	h := &Handle{Name: c.Name, Pid: cmd.Process.Pid, cmd: cmd, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
		s.l.Info("background process exited", "name", h.Name, "pid", h.Pid, "error", h.err)
	}()

	s.mu.Lock()
	s.procs[c.Name] = h
	s.mu.Unlock()

	s.l.Info("started background process", "name", c.Name, "pid", h.Pid)
	return h, nil
}

func (s *Supervisor) Get(name string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.procs[name]
	return h, ok
}

// Running lists the names of processes that have not exited.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name, h := range s.procs {
		if !h.Exited() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	h, ok := s.procs[name]
	delete(s.procs, name)
	s.mu.Unlock()

	if !ok {
		return ErrNotRunning
	}
	s.l.Info("stopping background process", "name", name, "pid", h.Pid)
	return h.Stop(ctx)
}

func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.procs))
	for name, h := range s.procs {
		handles = append(handles, h)
		delete(s.procs, name)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			return h.Stop(gctx)
		})
	}
	return g.Wait()
}
