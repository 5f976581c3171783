package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mediaflow/internal/db"
)

// CommandPayload is the payload schema for tasks executed by an external
// tool (metadata extraction, scene/object detection, transcription, LLM
// calls via a CLI).
type CommandPayload struct {
	Args           []string `json:"args,omitempty"`
	WorkingDir     string   `json:"working_dir,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// Command invokes a configured external program per task, appending the
// payload args to the configured base invocation.
type Command struct {
	name        string
	program     string
	baseArgs    []string
	log         zerolog.Logger
	defaultWait time.Duration
}

// NewCommand creates an executor for one external tool. invocation is the
// program followed by its fixed arguments, as configured.
func NewCommand(name string, invocation []string, log zerolog.Logger, defaultWait time.Duration) (*Command, error) {
	if len(invocation) == 0 || strings.TrimSpace(invocation[0]) == "" {
		return nil, fmt.Errorf("executor %q: empty invocation", name)
	}
	if defaultWait <= 0 {
		defaultWait = 30 * time.Minute
	}
	return &Command{
		name:        name,
		program:     invocation[0],
		baseArgs:    invocation[1:],
		log:         log.With().Str("executor", name).Logger(),
		defaultWait: defaultWait,
	}, nil
}

// Execute runs the tool, returning trimmed stdout as the result summary.
func (c *Command) Execute(ctx context.Context, task *db.Task) Result {
	var payload CommandPayload
	if task.Payload != "" {
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			return Result{Err: fmt.Errorf("invalid %s payload: %w", c.name, err)}
		}
	}

	wait := c.defaultWait
	if payload.TimeoutSeconds > 0 {
		wait = time.Duration(payload.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	args := append(append([]string{}, c.baseArgs...), payload.Args...)
	cmd := exec.CommandContext(ctx, c.program, args...)
	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := err.Error()
		if stderr.Len() > 0 {
			msg = fmt.Sprintf("%s\n%s", msg, strings.TrimSpace(stderr.String()))
		}
		return Result{Summary: stdout.String(), Err: fmt.Errorf("%s", msg)}
	}

	c.log.Debug().Int64("task_id", task.ID).Msg("tool completed")
	return Result{Summary: strings.TrimSpace(stdout.String())}
}

// Unconfigured fails every task of a type whose collaborator has not been
// configured for this deployment. Registering it keeps the routing table
// total while making the operational gap explicit in the task record.
type Unconfigured struct {
	Type db.TaskType
}

// Execute always fails.
func (u Unconfigured) Execute(_ context.Context, _ *db.Task) Result {
	return Result{Err: fmt.Errorf("no executor configured for task type %q", u.Type)}
}
