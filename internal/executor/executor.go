// Package executor spawns the constrained subprocess that carries out a
// task, enforcing the command allowlist, workspace
// sandbox, timeout, and output cap.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"agentbridge/internal/domain/task"
	"agentbridge/internal/shared/apperrors"
	"agentbridge/internal/shared/logging"
)

// Config controls one Executor instance.
type Config struct {
	// Command is the literal binary invoked for every task, e.g. "claude".
	Command string
	// AllowedCommands is the configured allowlist; Command must be a member.
	AllowedCommands []string
	// WorkspaceRoot is the sandbox root working directories are resolved
	// against.
	WorkspaceRoot string
	// MaxTimeoutS upper-bounds a task's requested timeout_s.
	MaxTimeoutS int
}

// Executor runs tasks as subprocesses of Config.Command.
type Executor struct {
	cfg    Config
	log    logging.Logger
	mock   bool

	mu       sync.Mutex
	children map[string]*os.Process
}

// New constructs an Executor, probing Command's existence once. If the
// command is absent, the executor runs in mock mode for its lifetime;
// Execute never re-probes.
func New(cfg Config, log logging.Logger) (*Executor, error) {
	allowed := false
	for _, c := range cfg.AllowedCommands {
		if c == cfg.Command {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("executor: command %q is not in the allowed_commands list", cfg.Command)
	}

	_, err := exec.LookPath(cfg.Command)
	mock := err != nil

	return &Executor{
		cfg:      cfg,
		log:      logging.OrNop(log),
		mock:     mock,
		children: make(map[string]*os.Process),
	}, nil
}

// IsMock reports whether the executor is running in mock mode.
func (e *Executor) IsMock() bool { return e.mock }

var shellMetaChars = []string{";", "|", "&", "`", "<", ">"}

func containsShellMeta(s string) bool {
	for _, c := range shellMetaChars {
		if strings.Contains(s, c) {
			return true
		}
	}
	return false
}

// Execute runs t to completion or timeout, returning a Result. It never
// returns an error for a task-level failure; failures are reported as a
// failed/timeout Result. A non-nil error indicates the task could not be
// attempted at all (bad input, sandbox violation).
func (e *Executor) Execute(ctx context.Context, t *task.Task) (*task.Result, error) {
	if containsShellMeta(t.Prompt) {
		return nil, apperrors.NewValidation(apperrors.FieldError{
			Field: "prompt", Message: "must not contain shell metacharacters",
		})
	}

	resolvedDir, err := task.ResolveWorkingDir(e.cfg.WorkspaceRoot, t.Context.WorkingDir)
	if err != nil {
		return nil, err
	}
	t.ResolvedWorkingDir = resolvedDir

	start := time.Now()

	if e.mock {
		return e.mockResult(t, start), nil
	}

	timeoutS := t.TimeoutS
	if e.cfg.MaxTimeoutS > 0 && timeoutS > e.cfg.MaxTimeoutS {
		timeoutS = e.cfg.MaxTimeoutS
	}
	timeout := time.Duration(timeoutS) * time.Second

	cmd := exec.Command(e.cfg.Command, t.Prompt)
	cmd.Dir = resolvedDir
	cmd.Env = append(os.Environ(), "CI=true")
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("executor: stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("executor: start: %w", err)
	}

	e.mu.Lock()
	e.children[t.TaskID] = cmd.Process
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.children, t.TaskID)
		e.mu.Unlock()
	}()

	outCh := make(chan []byte, 1)
	go func() {
		output, readErr := readCapped(stdout, task.MaxOutputBytes)
		if readErr != nil {
			e.log.Warn("executor: task %s stdout read error: %v", t.TaskID, readErr)
		}
		outCh <- output
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case waitErr := <-done:
		duration := time.Since(start).Milliseconds()
		output := <-outCh
		return e.resultFromExit(t.TaskID, output, waitErr, duration), nil

	case <-time.After(timeout):
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
		return &task.Result{
			TaskID:     t.TaskID,
			Status:     task.StatusTimeout,
			DurationMs: time.Since(start).Milliseconds(),
		}, nil

	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		<-done
		return &task.Result{
			TaskID:     t.TaskID,
			Status:     task.StatusTimeout,
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}
}

func (e *Executor) resultFromExit(taskID string, output []byte, waitErr error, durationMs int64) *task.Result {
	if waitErr == nil {
		return &task.Result{
			TaskID:     taskID,
			Status:     task.StatusCompleted,
			Output:     string(output),
			DurationMs: durationMs,
		}
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &task.Result{
		TaskID:     taskID,
		Status:     task.StatusFailed,
		Error:      fmt.Sprintf("process exited with code %d", code),
		DurationMs: durationMs,
	}
}

func (e *Executor) mockResult(t *task.Task, start time.Time) *task.Result {
	return &task.Result{
		TaskID:     t.TaskID,
		Status:     task.StatusCompleted,
		Output:     fmt.Sprintf("[mock] would run %q with prompt %q in %s", e.cfg.Command, t.Prompt, t.ResolvedWorkingDir),
		DurationMs: time.Since(start).Milliseconds(),
		Mock:       true,
	}
}

// Cancel sends SIGTERM to the subprocess associated with taskID and
// returns whether one was found. It does not wait for termination.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	proc, ok := e.children[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	_ = syscall.Kill(-proc.Pid, syscall.SIGTERM)
	return true
}

// readCapped reads from r until EOF or limit bytes have been collected,
// discarding (but still consuming) anything beyond the cap so the process
// is never blocked on a full pipe.
func readCapped(r io.Reader, limit int) ([]byte, error) {
	var buf bytes.Buffer
	lr := io.LimitReader(r, int64(limit))
	if _, err := io.Copy(&buf, lr); err != nil {
		return buf.Bytes(), err
	}
	// Drain and discard anything past the cap so cmd.Wait doesn't block.
	_, _ = io.Copy(io.Discard, r)
	return buf.Bytes(), nil
}
