// Package task defines the Task/TaskResult data model and the validation
// rules a submission must pass before it is registered.
package task

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"agentbridge/internal/shared/apperrors"
	"agentbridge/internal/shared/id"
)

// Type enumerates the kinds of task the bridge accepts.
type Type string

const (
	TypePrompt     Type = "prompt"
	TypeCodeReview Type = "code-review"
	TypeRefactor   Type = "refactor"
	TypeDebug      Type = "debug"
	TypeCustom     Type = "custom"
)

func (t Type) valid() bool {
	switch t {
	case TypePrompt, TypeCodeReview, TypeRefactor, TypeDebug, TypeCustom:
		return true
	}
	return false
}

// Status is the terminal (or in-flight) state of a task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Context carries optional per-task execution parameters.
type Context struct {
	WorkingDir string `json:"working_dir,omitempty"`
}

// Task is a fully validated submission, ready for registration.
type Task struct {
	TaskID         string  `json:"task_id"`
	Type           Type    `json:"type"`
	Prompt         string  `json:"prompt"`
	Context        Context `json:"context,omitempty"`
	TimeoutS       int     `json:"timeout_s"`
	ClientIdentity string  `json:"client_identity,omitempty"`
	EscrowID       string  `json:"escrow_id,omitempty"`

	// ResolvedWorkingDir is set by ResolveWorkingDir once Context.WorkingDir
	// has been checked against the configured workspace root.
	ResolvedWorkingDir string `json:"-"`
}

// Result is the outcome of executing a Task.
type Result struct {
	TaskID     string `json:"taskId"`
	Status     Status `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Mock       bool   `json:"mock,omitempty"`
}

const (
	minPromptLen = 1
	maxPromptLen = 100_000
	defaultTimeoutS = 300
	minTimeoutS     = 1
	maxTimeoutS     = 3600

	// MaxOutputBytes is the hard cap applied while collecting stdout.
	MaxOutputBytes = 10 * 1024 * 1024
)

var (
	taskIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	shellMetaChars  = []string{";", "|", "&", "`", "<", ">"}
)

func containsShellMeta(s string) bool {
	for _, c := range shellMetaChars {
		if strings.Contains(s, c) {
			return true
		}
	}
	return false
}

// Validate checks and normalizes a submitted Task in place: assigning a
// generated task_id when absent, applying the default timeout, and
// rejecting anything out of bounds. now is injected for
// deterministic id generation in tests.
func Validate(t *Task, now time.Time) error {
	var fields []apperrors.FieldError

	if t.TaskID == "" {
		t.TaskID = id.NewTaskID(now)
	} else if !taskIDPattern.MatchString(t.TaskID) {
		fields = append(fields, apperrors.FieldError{Field: "task_id", Message: "must match [A-Za-z0-9_-]{1,128}"})
	}

	if t.Type == "" {
		t.Type = TypePrompt
	} else if !t.Type.valid() {
		fields = append(fields, apperrors.FieldError{Field: "type", Message: "must be one of prompt, code-review, refactor, debug, custom"})
	}

	if len(t.Prompt) < minPromptLen || len(t.Prompt) > maxPromptLen {
		fields = append(fields, apperrors.FieldError{Field: "prompt", Message: fmt.Sprintf("length must be %d..%d chars", minPromptLen, maxPromptLen)})
	} else if containsShellMeta(t.Prompt) {
		fields = append(fields, apperrors.FieldError{Field: "prompt", Message: "must not contain shell metacharacters ;|&`<>"})
	}

	if t.TimeoutS == 0 {
		t.TimeoutS = defaultTimeoutS
	} else if t.TimeoutS < minTimeoutS || t.TimeoutS > maxTimeoutS {
		fields = append(fields, apperrors.FieldError{Field: "timeout_s", Message: fmt.Sprintf("must be %d..%d", minTimeoutS, maxTimeoutS)})
	}

	if len(fields) > 0 {
		return apperrors.NewValidation(fields...)
	}
	return nil
}

// ResolveWorkingDir URL-decodes raw, resolves it against workspaceRoot, and
// confirms the result is the root itself or a strict descendant. Returns
// the resolved absolute path, or an error satisfying errors.Is(err,
// apperrors.ErrValidation) on any traversal attempt.
func ResolveWorkingDir(workspaceRoot, raw string) (string, error) {
	if raw == "" {
		return workspaceRoot, nil
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return "", apperrors.NewValidation(apperrors.FieldError{
			Field: "context.working_dir", Message: "invalid URL encoding",
		})
	}

	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "cannot resolve workspace root")
	}
	var candidate string
	if filepath.IsAbs(decoded) {
		candidate = filepath.Clean(decoded)
	} else {
		candidate = filepath.Clean(filepath.Join(root, decoded))
	}

	if candidate != root && !strings.HasPrefix(candidate, root+string(filepath.Separator)) {
		return "", apperrors.NewValidation(apperrors.FieldError{
			Field: "context.working_dir", Message: "must be within the workspace root",
		})
	}
	return candidate, nil
}
